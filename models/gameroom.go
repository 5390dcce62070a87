package models

import (
	"sync"
	"time"
)

// Team は2つの固定チームのラベル
type Team string

const (
	TeamA Team = "A"
	TeamB Team = "B"
)

// Opposite returns the other fixed team.
func (t Team) Opposite() Team {
	if t == TeamA {
		return TeamB
	}
	return TeamA
}

// Valid reports whether t is one of the two fixed teams.
func (t Team) Valid() bool {
	return t == TeamA || t == TeamB
}

// RoomState はルームの進行状態
type RoomState string

const (
	StateLobby   RoomState = "LOBBY"
	StatePlaying RoomState = "PLAYING"
)

const (
	DefaultTeamSize = 1
	DefaultMap      = "arena"
)

// Settings はルーム設定。MaxPlayersは常にTeamSizeから算出する
type Settings struct {
	TeamSize   int    `json:"teamSize"`
	Map        string `json:"map"`
	MaxPlayers int    `json:"maxPlayers"`
}

// SettingsInput はクライアントから送られる設定。nilのフィールドは変更しない
type SettingsInput struct {
	TeamSize *int    `json:"teamSize,omitempty"`
	Map      *string `json:"map,omitempty"`
}

// Apply merges in onto base and recomputes MaxPlayers. The result is not validated.
func (in SettingsInput) Apply(base Settings) Settings {
	out := base
	if in.TeamSize != nil {
		out.TeamSize = *in.TeamSize
	}
	if in.Map != nil && *in.Map != "" {
		out.Map = *in.Map
	}
	out.MaxPlayers = 2 * out.TeamSize
	return out
}

// DefaultSettings はcreate時の初期値
func DefaultSettings() Settings {
	return Settings{
		TeamSize:   DefaultTeamSize,
		Map:        DefaultMap,
		MaxPlayers: 2 * DefaultTeamSize,
	}
}

// Player はルーム内のプレイヤー
type Player struct {
	ID     string `json:"id"`
	Team   Team   `json:"team"`
	IsHost bool   `json:"isHost"`
	Name   string `json:"name,omitempty"`
}

// Room はレジストリが所有するルーム。フィールドの読み書きはMuを保持して行う
type Room struct {
	ID        string
	HostID    string
	Players   map[string]*Player
	Order     []string // 参加順。ホスト継承はこの順で決まる
	State     RoomState
	Settings  Settings
	CreatedAt time.Time
	UpdatedAt time.Time
	Closed    bool // 空になりレジストリから外されたルーム

	Mu sync.Mutex
}

// NewRoom returns an empty lobby room.
func NewRoom(id string, settings Settings, now time.Time) *Room {
	return &Room{
		ID:        id,
		Players:   make(map[string]*Player),
		State:     StateLobby,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TeamCount returns the number of members on team t.
func (r *Room) TeamCount(t Team) int {
	n := 0
	for _, p := range r.Players {
		if p.Team == t {
			n++
		}
	}
	return n
}

// AddPlayer appends p to the membership and join order.
func (r *Room) AddPlayer(p *Player) {
	r.Players[p.ID] = p
	r.Order = append(r.Order, p.ID)
}

// RemovePlayer drops id from the membership and join order.
func (r *Room) RemovePlayer(id string) (*Player, bool) {
	p, ok := r.Players[id]
	if !ok {
		return nil, false
	}
	delete(r.Players, id)
	for i, pid := range r.Order {
		if pid == id {
			r.Order = append(r.Order[:i], r.Order[i+1:]...)
			break
		}
	}
	return p, true
}

// Snapshot copies the room into an immutable view. Caller holds Mu.
func (r *Room) Snapshot() RoomSnapshot {
	players := make([]Player, 0, len(r.Order))
	for _, id := range r.Order {
		if p, ok := r.Players[id]; ok {
			players = append(players, *p)
		}
	}
	return RoomSnapshot{
		ID:        r.ID,
		HostID:    r.HostID,
		Players:   players,
		State:     r.State,
		Settings:  r.Settings,
		CreatedAt: r.CreatedAt,
	}
}

// RoomSnapshot はロック外で安全に扱えるルームのコピー
type RoomSnapshot struct {
	ID        string    `json:"id"`
	HostID    string    `json:"hostId"`
	Players   []Player  `json:"players"`
	State     RoomState `json:"state"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlayerIDs returns member identities in join order.
func (s RoomSnapshot) PlayerIDs() []string {
	ids := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		ids = append(ids, p.ID)
	}
	return ids
}

// Player looks up a member by id.
func (s RoomSnapshot) Player(id string) (Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// RoomSummary はHTTPのルーム一覧で返す情報
type RoomSummary struct {
	ID         string    `json:"id"`
	State      RoomState `json:"state"`
	Map        string    `json:"map"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"maxPlayers"`
}
