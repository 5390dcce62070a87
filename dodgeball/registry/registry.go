// Package registry はアクティブなルームの存在・メンバー・ホストを管理する。
//
// ロック順序: ルームのMuを保持したままレジストリのmuを取るのは可。
// レジストリのmuを保持したままルームのMuを取ってはいけない。
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dodgeserver/dodgeball/teams"
	"dodgeserver/models"
)

// MaxTeamSize はチーム人数の上限
const MaxTeamSize = 16

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrGameAlreadyStarted = errors.New("game already started")
	ErrRoomFull           = errors.New("room full")
	ErrInvalidSettings    = errors.New("invalid settings")
	ErrAlreadyInRoom      = errors.New("player already in a room")
	ErrPlayerNotInRoom    = errors.New("player not in room")
	ErrInvalidState       = errors.New("invalid room state")
	ErrCodeSpaceExhausted = errors.New("could not allocate room code")
)

// LeaveResult はLeaveRoomの結果
type LeaveResult struct {
	RoomID    string
	NewHostID string // ホストが交代した場合のみ
	Closed    bool   // 最後の1人が抜けてルームが破棄された
	Remaining models.RoomSnapshot
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCodeGenerator overrides the room code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(r *Registry) { r.newCode = gen }
}

// Registry はルームの唯一の所有者
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*models.Room // roomID -> Room
	playerRoom map[string]string       // playerID -> roomID

	logger  *zap.Logger
	now     func() time.Time
	newCode func() (string, error)
}

func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:      make(map[string]*models.Room),
		playerRoom: make(map[string]string),
		logger:     logger,
		now:        time.Now,
		newCode:    GenerateCode,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validSettings(s models.Settings) bool {
	return s.TeamSize >= 1 && s.TeamSize <= MaxTeamSize && s.Map != ""
}

// ValidateSettings reports whether in, applied over the defaults, is acceptable for a new room.
func ValidateSettings(in models.SettingsInput) error {
	if !validSettings(in.Apply(models.DefaultSettings())) {
		return ErrInvalidSettings
	}
	return nil
}

// CreateRoom creates a lobby room with requesterID as host. name may be empty.
func (r *Registry) CreateRoom(requesterID, name string, in models.SettingsInput) (models.RoomSnapshot, error) {
	settings := in.Apply(models.DefaultSettings())
	if !validSettings(settings) {
		return models.RoomSnapshot{}, ErrInvalidSettings
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.playerRoom[requesterID]; ok {
		return models.RoomSnapshot{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, current)
	}

	code, err := r.allocateCode()
	if err != nil {
		return models.RoomSnapshot{}, err
	}

	// まだ他から見えないのでルームのロックは不要
	room := models.NewRoom(code, settings, r.now())
	room.AddPlayer(&models.Player{ID: requesterID, Name: name})
	if _, err := teams.AssignTeam(room, requesterID, true); err != nil {
		return models.RoomSnapshot{}, err
	}
	room.HostID = requesterID

	r.rooms[code] = room
	r.playerRoom[requesterID] = code

	r.logger.Info("Room created",
		zap.String("roomID", code),
		zap.String("hostID", requesterID),
		zap.Int("teamSize", settings.TeamSize),
		zap.String("map", settings.Map),
	)
	return room.Snapshot(), nil
}

// allocateCode は呼び出し側がr.muを保持している前提
func (r *Registry) allocateCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code = NormalizeCode(code)
		if _, exists := r.rooms[code]; !exists {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func (r *Registry) lookup(roomID string) (*models.Room, string) {
	code := NormalizeCode(roomID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[code], code
}

// CheckJoinable reports the error JoinRoom would return for a newcomer right now.
// The answer can go stale as soon as the room lock is released.
func (r *Registry) CheckJoinable(roomID string) error {
	room, _ := r.lookup(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	room.Mu.Lock()
	defer room.Mu.Unlock()
	return joinable(room)
}

// joinable は呼び出し側がroom.Muを保持している前提
func joinable(room *models.Room) error {
	if room.Closed {
		return ErrRoomNotFound
	}
	if room.State != models.StateLobby {
		return ErrGameAlreadyStarted
	}
	if len(room.Players) >= room.Settings.MaxPlayers {
		return ErrRoomFull
	}
	return nil
}

// JoinRoom adds playerID to an open room. The capacity check and the insert happen
// under the same room lock so concurrent joins never overshoot MaxPlayers.
func (r *Registry) JoinRoom(roomID, playerID, name string) (models.RoomSnapshot, error) {
	r.mu.RLock()
	current, already := r.playerRoom[playerID]
	r.mu.RUnlock()
	if already {
		return models.RoomSnapshot{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, current)
	}

	room, code := r.lookup(roomID)
	if room == nil {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()

	if err := joinable(room); err != nil {
		return models.RoomSnapshot{}, err
	}

	room.AddPlayer(&models.Player{ID: playerID, Name: name})
	if _, err := teams.AssignTeam(room, playerID, false); err != nil {
		return models.RoomSnapshot{}, err
	}
	room.UpdatedAt = r.now()

	r.mu.Lock()
	r.playerRoom[playerID] = code
	r.mu.Unlock()

	r.logger.Info("Player joined room",
		zap.String("roomID", code),
		zap.String("playerID", playerID),
		zap.String("team", string(room.Players[playerID].Team)),
	)
	return room.Snapshot(), nil
}

// LeaveRoom removes playerID. An empty room is destroyed immediately; a departing
// host is replaced by the earliest remaining member in join order.
func (r *Registry) LeaveRoom(roomID, playerID string) (LeaveResult, error) {
	room, code := r.lookup(roomID)
	if room == nil {
		return LeaveResult{}, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()

	if room.Closed {
		return LeaveResult{}, ErrRoomNotFound
	}
	if _, ok := room.RemovePlayer(playerID); !ok {
		return LeaveResult{}, ErrPlayerNotInRoom
	}

	res := LeaveResult{RoomID: code}
	if len(room.Players) == 0 {
		room.Closed = true
		res.Closed = true
	} else if room.HostID == playerID {
		next := room.Players[room.Order[0]]
		next.IsHost = true
		room.HostID = next.ID
		res.NewHostID = next.ID
	}
	room.UpdatedAt = r.now()
	res.Remaining = room.Snapshot()

	r.mu.Lock()
	if r.playerRoom[playerID] == code {
		delete(r.playerRoom, playerID)
	}
	if res.Closed && r.rooms[code] == room {
		delete(r.rooms, code)
	}
	r.mu.Unlock()

	r.logger.Info("Player left room",
		zap.String("roomID", code),
		zap.String("playerID", playerID),
		zap.String("newHostID", res.NewHostID),
		zap.Bool("closed", res.Closed),
	)
	return res, nil
}

// UpdateSettings merges in, recomputes MaxPlayers and rebalances teams.
// Host authorization is enforced by the caller.
func (r *Registry) UpdateSettings(roomID string, in models.SettingsInput) (models.RoomSnapshot, []models.Player, error) {
	room, code := r.lookup(roomID)
	if room == nil {
		return models.RoomSnapshot{}, nil, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()

	if room.Closed {
		return models.RoomSnapshot{}, nil, ErrRoomNotFound
	}
	if room.State != models.StateLobby {
		return models.RoomSnapshot{}, nil, ErrGameAlreadyStarted
	}
	next := in.Apply(room.Settings)
	if !validSettings(next) {
		return models.RoomSnapshot{}, nil, ErrInvalidSettings
	}

	room.Settings = next
	moved := teams.Rebalance(room)
	room.UpdatedAt = r.now()

	if over := teams.Overflow(room); over > 0 {
		// 両チームが埋まっている場合は退出で自然に解消されるまで超過を許容する
		r.logger.Warn("Teams over capacity after settings update",
			zap.String("roomID", code),
			zap.Int("teamSize", next.TeamSize),
			zap.Int("overflow", over),
		)
	}
	return room.Snapshot(), moved, nil
}

// SwitchTeam moves playerID to target (or the opposite team) while the room is in the lobby.
func (r *Registry) SwitchTeam(roomID, playerID string, target *models.Team) (models.Player, bool, error) {
	room, _ := r.lookup(roomID)
	if room == nil {
		return models.Player{}, false, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()

	if room.Closed {
		return models.Player{}, false, ErrRoomNotFound
	}
	if room.State != models.StateLobby {
		return models.Player{}, false, ErrGameAlreadyStarted
	}
	p, changed, err := teams.SwitchTeam(room, playerID, target)
	if err != nil {
		return p, false, err
	}
	if changed {
		room.UpdatedAt = r.now()
	}
	return p, changed, nil
}

// SetPlayerName updates the display name of a member.
func (r *Registry) SetPlayerName(roomID, playerID, name string) (models.Player, error) {
	room, _ := r.lookup(roomID)
	if room == nil {
		return models.Player{}, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()

	if room.Closed {
		return models.Player{}, ErrRoomNotFound
	}
	p, ok := room.Players[playerID]
	if !ok {
		return models.Player{}, ErrPlayerNotInRoom
	}
	p.Name = name
	return *p, nil
}

// StartGame moves the room from LOBBY to PLAYING.
func (r *Registry) StartGame(roomID string) (models.RoomSnapshot, error) {
	return r.transition(roomID, models.StateLobby, models.StatePlaying, ErrGameAlreadyStarted)
}

// EndGame moves the room back from PLAYING to LOBBY.
func (r *Registry) EndGame(roomID string) (models.RoomSnapshot, error) {
	return r.transition(roomID, models.StatePlaying, models.StateLobby, ErrInvalidState)
}

func (r *Registry) transition(roomID string, from, to models.RoomState, wrongState error) (models.RoomSnapshot, error) {
	room, code := r.lookup(roomID)
	if room == nil {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()

	if room.Closed {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}
	if room.State != from {
		return models.RoomSnapshot{}, wrongState
	}
	room.State = to
	room.UpdatedAt = r.now()

	r.logger.Info("Room state changed",
		zap.String("roomID", code),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return room.Snapshot(), nil
}

// Touch records activity on a room so idle expiry skips it.
func (r *Registry) Touch(roomID string) {
	room, _ := r.lookup(roomID)
	if room == nil {
		return
	}
	room.Mu.Lock()
	room.UpdatedAt = r.now()
	room.Mu.Unlock()
}

// GetRoom returns a copy of the room.
func (r *Registry) GetRoom(roomID string) (models.RoomSnapshot, error) {
	room, _ := r.lookup(roomID)
	if room == nil {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}

	room.Mu.Lock()
	defer room.Mu.Unlock()
	if room.Closed {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}
	return room.Snapshot(), nil
}

// GetPlayerRoom returns the room playerID currently belongs to.
func (r *Registry) GetPlayerRoom(playerID string) (models.RoomSnapshot, error) {
	r.mu.RLock()
	code, ok := r.playerRoom[playerID]
	r.mu.RUnlock()
	if !ok {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}
	snap, err := r.GetRoom(code)
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	if _, member := snap.Player(playerID); !member {
		return models.RoomSnapshot{}, ErrRoomNotFound
	}
	return snap, nil
}

func (r *Registry) allRooms() []*models.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// ListRooms returns a summary of every active room.
func (r *Registry) ListRooms() []models.RoomSummary {
	rooms := r.allRooms()
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		room.Mu.Lock()
		if !room.Closed {
			out = append(out, models.RoomSummary{
				ID:         room.ID,
				State:      room.State,
				Map:        room.Settings.Map,
				Players:    len(room.Players),
				MaxPlayers: room.Settings.MaxPlayers,
			})
		}
		room.Mu.Unlock()
	}
	return out
}

// Stats returns the number of active rooms and bound players.
func (r *Registry) Stats() (rooms, players int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.playerRoom)
}

// ExpireIdle destroys rooms with no activity for longer than maxIdle and returns
// their final state so the caller can notify the members.
func (r *Registry) ExpireIdle(maxIdle time.Duration) []models.RoomSnapshot {
	now := r.now()
	var expired []models.RoomSnapshot

	for _, room := range r.allRooms() {
		room.Mu.Lock()
		if room.Closed || now.Sub(room.UpdatedAt) <= maxIdle {
			room.Mu.Unlock()
			continue
		}
		room.Closed = true
		snap := room.Snapshot()

		r.mu.Lock()
		if r.rooms[room.ID] == room {
			delete(r.rooms, room.ID)
		}
		for _, id := range room.Order {
			if r.playerRoom[id] == room.ID {
				delete(r.playerRoom, id)
			}
		}
		r.mu.Unlock()
		room.Mu.Unlock()

		r.logger.Info("Idle room expired",
			zap.String("roomID", snap.ID),
			zap.Int("players", len(snap.Players)),
		)
		expired = append(expired, snap)
	}
	return expired
}
