// Package protocol はWebSocket上でやり取りするJSONメッセージの型とエンコード/デコードを定義する。
//
// 1フレームは {"type": string, "ack"?: number, "data"?: object} の形式。
// ackを付けたリクエストには {"type":"ack","ack":n,"data":{...}} が1回だけ返る。
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dodgeserver/models"
)

// 受信メッセージ
const (
	TypeCreateRoom         = "create_room"
	TypeJoinRoom           = "join_room"
	TypeUpdateRoomSettings = "update_room_settings"
	TypeSwitchTeam         = "switch_team"
	TypeUpdatePlayerData   = "update_player_data"
	TypeStartGame          = "start_game"
	TypeEndGame            = "end_game"

	TypePlayerMove       = "player_move"
	TypeMissileUpdate    = "missile_update"
	TypeRoundState       = "round_state"
	TypePlayerHit        = "player_hit"
	TypeDeflectAttempt   = "deflect_attempt"
	TypeMissileDeflected = "missile_deflected"
)

// 送信メッセージ
const (
	TypeAck                = "ack"
	TypeConnected          = "connected"
	TypePlayerRole         = "player_role"
	TypeCurrentPlayers     = "current_players"
	TypePlayerJoined       = "player_joined"
	TypePlayerUpdated      = "player_updated"
	TypeRoomSettingsUpdate = "room_settings_updated"
	TypePlayerTeamChanged  = "player_team_changed"
	TypeGameStarted        = "game_started"
	TypeGameEnded          = "game_ended"
	TypePlayerMoved        = "player_moved"
	TypePlayerDisconnected = "player_disconnected"
	TypeHostChanged        = "host_changed"
	TypeRoomClosed         = "room_closed"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// MaxNameLength は表示名の最大文字数
const MaxNameLength = 24

// Envelope は1フレーム分のJSON
type Envelope struct {
	Type string          `json:"type"`
	Ack  uint64          `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a decoded inbound frame. Payload holds one of the typed variants below.
type Message struct {
	Type    string
	Ack     uint64
	Payload interface{}
}

// WantsAck reports whether the sender expects a reply.
func (m Message) WantsAck() bool {
	return m.Ack != 0
}

type CreateRoom struct {
	Settings models.SettingsInput
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type UpdateRoomSettings struct {
	Settings models.SettingsInput
}

type SwitchTeam struct {
	TeamID *models.Team `json:"teamId,omitempty"`
}

type UpdatePlayerData struct {
	Name string `json:"name"`
}

type StartGame struct {
	// ホストが持つエンティティのスナップショット。省略時は名簿から組み立てる
	Entities json.RawMessage `json:"entities,omitempty"`
}

type EndGame struct{}

// Gameplay はリレーで転送するだけのゲームプレイデータ。中身は検証しない
type Gameplay struct {
	Fields map[string]json.RawMessage
}

// With returns a copy of g with key set to value.
func (g Gameplay) With(key string, value interface{}) (Gameplay, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Gameplay{}, err
	}
	out := Gameplay{Fields: make(map[string]json.RawMessage, len(g.Fields)+1)}
	for k, v := range g.Fields {
		out.Fields[k] = v
	}
	out.Fields[key] = raw
	return out, nil
}

// MarshalJSON writes the fields back as a plain object.
func (g Gameplay) MarshalJSON() ([]byte, error) {
	if g.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Fields)
}

// IsHostOnly reports whether msgType may only be sent by the room host.
func IsHostOnly(msgType string) bool {
	switch msgType {
	case TypeUpdateRoomSettings, TypeStartGame, TypeEndGame:
		return true
	}
	return false
}

// IsGameplay reports whether msgType is forwarded by the relay.
func IsGameplay(msgType string) bool {
	switch msgType {
	case TypePlayerMove, TypeMissileUpdate, TypeRoundState, TypePlayerHit, TypeDeflectAttempt, TypeMissileDeflected:
		return true
	}
	return false
}

// Decode parses one inbound frame and validates its payload. When the envelope itself
// parsed, the returned Message keeps Type and Ack even on error so the caller can reply.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := Message{Type: env.Type, Ack: env.Ack}
	data := env.Data
	if isNull(data) {
		data = json.RawMessage("{}")
	}

	var err error
	switch env.Type {
	case TypeCreateRoom:
		var in models.SettingsInput
		err = decodeObject(data, &in)
		msg.Payload = CreateRoom{Settings: in}
	case TypeUpdateRoomSettings:
		var in models.SettingsInput
		err = decodeObject(data, &in)
		msg.Payload = UpdateRoomSettings{Settings: in}
	case TypeJoinRoom:
		var p JoinRoom
		if err = decodeObject(data, &p); err == nil {
			p.RoomID = strings.TrimSpace(p.RoomID)
			if p.RoomID == "" {
				err = fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
			}
		}
		msg.Payload = p
	case TypeSwitchTeam:
		var p SwitchTeam
		if err = decodeObject(data, &p); err == nil && p.TeamID != nil {
			t := models.Team(strings.ToUpper(string(*p.TeamID)))
			if !t.Valid() {
				err = fmt.Errorf("%w: teamId must be A or B", ErrInvalidPayload)
			}
			p.TeamID = &t
		}
		msg.Payload = p
	case TypeUpdatePlayerData:
		var p UpdatePlayerData
		if err = decodeObject(data, &p); err == nil {
			p.Name = strings.TrimSpace(p.Name)
			if len([]rune(p.Name)) > MaxNameLength {
				p.Name = string([]rune(p.Name)[:MaxNameLength])
			}
		}
		msg.Payload = p
	case TypeStartGame:
		var p StartGame
		err = decodeObject(data, &p)
		msg.Payload = p
	case TypeEndGame:
		msg.Payload = EndGame{}
	default:
		if !IsGameplay(env.Type) {
			return Message{Type: env.Type, Ack: env.Ack}, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
		}
		var g Gameplay
		err = decodeObject(data, &g.Fields)
		msg.Payload = g
	}
	if err != nil {
		return Message{Type: env.Type, Ack: env.Ack}, err
	}
	return msg, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeObject はdataがJSONオブジェクトであることを確認してからデコードする
func decodeObject(data json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: data must be an object", ErrInvalidPayload)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Encode builds an outbound frame.
func Encode(msgType string, data interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// EncodeAck builds the reply for a request carrying ack.
func EncodeAck(ack uint64, reply Reply) ([]byte, error) {
	raw, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return json.Marshal(Envelope{Type: TypeAck, Ack: ack, Data: raw})
}

// Reply はack応答の中身
type Reply struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	RoomID  string               `json:"roomId,omitempty"`
	Room    *models.RoomSnapshot `json:"room,omitempty"`
	Player  *models.Player       `json:"player,omitempty"`
}

// Fail returns an unsuccessful reply carrying a client-facing message.
func Fail(message string) Reply {
	return Reply{Success: false, Error: message}
}

// 送信ペイロード

type Connected struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
}

type PlayerRole struct {
	IsHost bool `json:"isHost"`
}

type GameStarted struct {
	RoomID   string          `json:"roomId"`
	Entities json.RawMessage `json:"entities"`
}

type GameEnded struct {
	RoomID string `json:"roomId"`
}

type PlayerDisconnected struct {
	ID string `json:"id"`
}

type HostChanged struct {
	HostID string `json:"hostId"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}
