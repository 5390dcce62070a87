// Package gateway は接続とプレイヤーIDを結び付け、受信メッセージをレジストリとリレーへ振り分ける。
// ホスト専用の操作はここで認可する。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dodgeserver/dodgeball/broadcast"
	"dodgeserver/dodgeball/protocol"
	"dodgeserver/dodgeball/registry"
	"dodgeserver/dodgeball/relay"
	"dodgeserver/dodgeball/teams"
	"dodgeserver/models"
)

// クライアントに返すエラー文字列
const (
	MsgRoomNotFound       = "Room not found"
	MsgGameAlreadyStarted = "Game already started"
	MsgRoomFull           = "Room full"
	MsgTeamFull           = "Team full"
	MsgNoRoom             = "No room"
	MsgFailed             = "Failed"
	MsgInvalidSettings    = "Invalid settings"
)

const storeTimeout = 5 * time.Second

// SessionStore keeps a resumable session record per player.
type SessionStore interface {
	Create(ctx context.Context, playerID string) (string, error)
	Get(ctx context.Context, sessionID string) (models.SessionInfo, error)
	Bind(ctx context.Context, sessionID, playerID, roomID string) error
}

// MatchRecorder persists match history.
type MatchRecorder interface {
	MatchStarted(ctx context.Context, room models.RoomSnapshot, at time.Time) error
	MatchEnded(ctx context.Context, roomID string, at time.Time) error
}

type peer struct {
	conn      broadcast.Conn
	sessionID string
	name      string
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithSessionStore(s SessionStore) Option {
	return func(g *Gateway) { g.sessions = s }
}

func WithMatchRecorder(m MatchRecorder) Option {
	return func(g *Gateway) { g.matches = m }
}

// WithSpawn overrides how background persistence work is started.
func WithSpawn(spawn func(func())) Option {
	return func(g *Gateway) { g.spawn = spawn }
}

type Gateway struct {
	rooms    *registry.Registry
	hub      *broadcast.Hub
	relay    *relay.Relay
	sessions SessionStore
	matches  MatchRecorder
	logger   *zap.Logger
	spawn    func(func())

	mu    sync.Mutex
	peers map[string]*peer
}

func New(rooms *registry.Registry, hub *broadcast.Hub, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		rooms:  rooms,
		hub:    hub,
		relay:  relay.New(rooms, hub, logger),
		logger: logger,
		spawn:  func(f func()) { go f() },
		peers:  make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect binds conn to a player and greets it with its identity. If resumeID names a
// stored session whose player is offline, that player id is reused and the player rejoins
// its last room when the room still accepts it. Connect returns the player id in use.
func (g *Gateway) Connect(ctx context.Context, playerID, nickname, resumeID string, conn broadcast.Conn) string {
	resumed, ok := g.lookupSession(ctx, resumeID)

	g.mu.Lock()
	if ok {
		if _, online := g.peers[resumed.PlayerID]; online {
			// 同じセッションで接続中のプレイヤーがいる場合は新しいプレイヤーとして扱う
			ok = false
		} else {
			playerID = resumed.PlayerID
		}
	}
	p := &peer{conn: conn, name: nickname}
	g.peers[playerID] = p
	g.mu.Unlock()

	sessionID := resumed.ID
	if !ok {
		sessionID = g.createSession(ctx, playerID)
	}
	g.mu.Lock()
	p.sessionID = sessionID
	g.mu.Unlock()
	g.hub.Register(playerID, conn)

	g.hub.SendTo(playerID, protocol.TypeConnected, protocol.Connected{ID: playerID, SessionID: sessionID, Resumed: ok})
	g.logger.Info("Player connected",
		zap.String("playerID", playerID), zap.Bool("session", sessionID != ""), zap.Bool("resumed", ok))

	if ok && resumed.RoomID != "" {
		if !g.joinRoom(ctx, playerID, 0, protocol.JoinRoom{RoomID: resumed.RoomID}) {
			g.bindSession(ctx, playerID, "")
		}
	}
	return playerID
}

func (g *Gateway) lookupSession(ctx context.Context, sessionID string) (models.SessionInfo, bool) {
	if sessionID == "" || g.sessions == nil {
		return models.SessionInfo{}, false
	}
	info, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			g.logger.Debug("Unknown session on reconnect", zap.String("sessionID", sessionID))
		} else {
			g.logger.Warn("Error reading session", zap.String("sessionID", sessionID), zap.Error(err))
		}
		return models.SessionInfo{}, false
	}
	info.ID = sessionID
	return info, info.PlayerID != ""
}

func (g *Gateway) createSession(ctx context.Context, playerID string) string {
	if g.sessions == nil {
		return ""
	}
	id, err := g.sessions.Create(ctx, playerID)
	if err != nil {
		g.logger.Error("Error storing session", zap.String("playerID", playerID), zap.Error(err))
		return ""
	}
	return id
}

// Disconnect runs the leave path for a closed connection. The stored session is kept
// until it expires so the player can reconnect with it.
func (g *Gateway) Disconnect(playerID string, conn broadcast.Conn) {
	g.hub.Unregister(playerID, conn)

	g.mu.Lock()
	p := g.peers[playerID]
	g.mu.Unlock()
	if p == nil || p.conn != conn {
		g.logger.Debug("Stale connection closed", zap.String("playerID", playerID))
		return
	}

	// 退出が終わるまでpeersに残し、同じセッションでの再接続と競合させない
	g.leaveCurrentRoom(playerID)

	g.mu.Lock()
	if g.peers[playerID] == p {
		delete(g.peers, playerID)
	}
	g.mu.Unlock()
	g.logger.Info("Player disconnected", zap.String("playerID", playerID))
}

// HandleMessage decodes and dispatches one inbound frame from playerID.
func (g *Gateway) HandleMessage(ctx context.Context, playerID string, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		g.logger.Debug("Dropped invalid message", zap.String("playerID", playerID), zap.Error(err))
		g.rejectInvalid(playerID, msg)
		return
	}

	switch p := msg.Payload.(type) {
	case protocol.CreateRoom:
		g.createRoom(ctx, playerID, msg.Ack, p)
	case protocol.JoinRoom:
		g.joinRoom(ctx, playerID, msg.Ack, p)
	case protocol.UpdateRoomSettings:
		g.updateRoomSettings(playerID, msg.Ack, p)
	case protocol.SwitchTeam:
		g.switchTeam(playerID, msg.Ack, p)
	case protocol.UpdatePlayerData:
		g.updatePlayerData(playerID, msg.Ack, p)
	case protocol.StartGame:
		g.startGame(playerID, msg.Ack, p)
	case protocol.EndGame:
		g.endGame(playerID, msg.Ack)
	case protocol.Gameplay:
		if roomID, ok := g.relay.Forward(playerID, msg.Type, p); ok {
			g.rooms.Touch(roomID)
		}
	}
}

func (g *Gateway) reply(playerID string, ack uint64, r protocol.Reply) {
	if ack == 0 {
		return
	}
	msg, err := protocol.EncodeAck(ack, r)
	if err != nil {
		g.logger.Error("Failed to marshal ack", zap.Error(err))
		return
	}
	_ = g.hub.SendRaw(playerID, msg)
}

// rejectInvalid answers a request whose payload failed validation. Gameplay frames are
// never answered and host-only requests from anyone but the host stay silent.
func (g *Gateway) rejectInvalid(playerID string, msg protocol.Message) {
	if !msg.WantsAck() || protocol.IsGameplay(msg.Type) {
		return
	}
	if protocol.IsHostOnly(msg.Type) {
		if _, ok := g.hostRoom(playerID, msg.Type); !ok {
			return
		}
	}
	reason := MsgFailed
	switch msg.Type {
	case protocol.TypeJoinRoom:
		reason = MsgRoomNotFound
	case protocol.TypeCreateRoom, protocol.TypeUpdateRoomSettings:
		reason = MsgInvalidSettings
	}
	g.reply(playerID, msg.Ack, protocol.Fail(reason))
}

// clientError はレジストリのエラーをクライアント向け文字列に変換する
func clientError(err error) string {
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		return MsgRoomNotFound
	case errors.Is(err, registry.ErrGameAlreadyStarted):
		return MsgGameAlreadyStarted
	case errors.Is(err, registry.ErrRoomFull):
		return MsgRoomFull
	case errors.Is(err, teams.ErrTeamFull):
		return MsgTeamFull
	case errors.Is(err, registry.ErrInvalidSettings):
		return MsgInvalidSettings
	case errors.Is(err, registry.ErrPlayerNotInRoom), errors.Is(err, teams.ErrPlayerNotFound):
		return MsgNoRoom
	default:
		return MsgFailed
	}
}

func (g *Gateway) peerName(playerID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p := g.peers[playerID]; p != nil {
		return p.name
	}
	return ""
}

func (g *Gateway) bindSession(ctx context.Context, playerID, roomID string) {
	if g.sessions == nil {
		return
	}
	g.mu.Lock()
	p := g.peers[playerID]
	g.mu.Unlock()
	if p == nil || p.sessionID == "" {
		return
	}
	if err := g.sessions.Bind(ctx, p.sessionID, playerID, roomID); err != nil {
		g.logger.Warn("Error updating session", zap.String("playerID", playerID), zap.Error(err))
	}
}

// hostRoom returns the sender's room only if the sender is its host.
func (g *Gateway) hostRoom(playerID, msgType string) (models.RoomSnapshot, bool) {
	room, err := g.rooms.GetPlayerRoom(playerID)
	if err != nil {
		g.logger.Debug("Dropped message without room", zap.String("playerID", playerID), zap.String("type", msgType))
		return models.RoomSnapshot{}, false
	}
	if room.HostID != playerID {
		g.logger.Debug("Dropped host-only message from non-host",
			zap.String("playerID", playerID), zap.String("roomID", room.ID), zap.String("type", msgType))
		return models.RoomSnapshot{}, false
	}
	return room, true
}

func (g *Gateway) createRoom(ctx context.Context, playerID string, ack uint64, p protocol.CreateRoom) {
	// 拒否される作成で今いるルームを失わないよう、退出より先に検証する
	if err := registry.ValidateSettings(p.Settings); err != nil {
		g.logger.Info("Create room rejected", zap.String("playerID", playerID), zap.Error(err))
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}
	g.leaveCurrentRoom(playerID)

	snap, err := g.rooms.CreateRoom(playerID, g.peerName(playerID), p.Settings)
	if err != nil {
		g.logger.Info("Create room rejected", zap.String("playerID", playerID), zap.Error(err))
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}

	g.reply(playerID, ack, protocol.Reply{Success: true, RoomID: snap.ID})
	g.hub.SendTo(playerID, protocol.TypePlayerRole, protocol.PlayerRole{IsHost: true})
	g.hub.SendTo(playerID, protocol.TypeCurrentPlayers, snap.Players)
	g.bindSession(ctx, playerID, snap.ID)
}

// joinRoom reports whether playerID ended up in the requested room.
func (g *Gateway) joinRoom(ctx context.Context, playerID string, ack uint64, p protocol.JoinRoom) bool {
	if current, err := g.rooms.GetPlayerRoom(playerID); err == nil {
		if current.ID == registry.NormalizeCode(p.RoomID) {
			g.reply(playerID, ack, protocol.Reply{Success: true, Room: &current})
			return true
		}
		// 入れないルームへの移動で今いるルームを失わないようにする
		if err := g.rooms.CheckJoinable(p.RoomID); err != nil {
			g.rejectJoin(playerID, ack, p.RoomID, err)
			return false
		}
		g.leaveCurrentRoom(playerID)
	}

	snap, err := g.rooms.JoinRoom(p.RoomID, playerID, g.peerName(playerID))
	if err != nil {
		g.rejectJoin(playerID, ack, p.RoomID, err)
		return false
	}
	joined, _ := snap.Player(playerID)

	g.reply(playerID, ack, protocol.Reply{Success: true, Room: &snap})
	g.hub.SendTo(playerID, protocol.TypePlayerRole, protocol.PlayerRole{IsHost: joined.IsHost})
	g.hub.SendTo(playerID, protocol.TypeCurrentPlayers, snap.Players)
	g.hub.Broadcast(snap.PlayerIDs(), playerID, protocol.TypePlayerJoined, joined)
	g.bindSession(ctx, playerID, snap.ID)
	return true
}

func (g *Gateway) rejectJoin(playerID string, ack uint64, roomID string, err error) {
	g.logger.Info("Join room rejected",
		zap.String("playerID", playerID), zap.String("roomID", roomID), zap.Error(err))
	g.reply(playerID, ack, protocol.Fail(clientError(err)))
}

func (g *Gateway) updateRoomSettings(playerID string, ack uint64, p protocol.UpdateRoomSettings) {
	room, ok := g.hostRoom(playerID, protocol.TypeUpdateRoomSettings)
	if !ok {
		return
	}

	snap, moved, err := g.rooms.UpdateSettings(room.ID, p.Settings)
	if err != nil {
		g.logger.Info("Settings update rejected", zap.String("roomID", room.ID), zap.Error(err))
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}

	g.reply(playerID, ack, protocol.Reply{Success: true, Room: &snap})
	ids := snap.PlayerIDs()
	g.hub.Broadcast(ids, "", protocol.TypeRoomSettingsUpdate, snap.Settings)
	for _, m := range moved {
		g.hub.Broadcast(ids, "", protocol.TypePlayerTeamChanged, m)
	}
}

func (g *Gateway) switchTeam(playerID string, ack uint64, p protocol.SwitchTeam) {
	room, err := g.rooms.GetPlayerRoom(playerID)
	if err != nil {
		g.reply(playerID, ack, protocol.Fail(MsgNoRoom))
		return
	}

	player, changed, err := g.rooms.SwitchTeam(room.ID, playerID, p.TeamID)
	if err != nil {
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}

	g.reply(playerID, ack, protocol.Reply{Success: true, Player: &player})
	if changed {
		g.hub.Broadcast(room.PlayerIDs(), playerID, protocol.TypePlayerTeamChanged, player)
	}
}

func (g *Gateway) updatePlayerData(playerID string, ack uint64, p protocol.UpdatePlayerData) {
	g.mu.Lock()
	if pr := g.peers[playerID]; pr != nil {
		pr.name = p.Name
	}
	g.mu.Unlock()

	room, err := g.rooms.GetPlayerRoom(playerID)
	if err != nil {
		// 入室前の名前は次の入室時に反映する
		g.reply(playerID, ack, protocol.Reply{Success: true})
		return
	}
	player, err := g.rooms.SetPlayerName(room.ID, playerID, p.Name)
	if err != nil {
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}

	g.reply(playerID, ack, protocol.Reply{Success: true, Player: &player})
	g.hub.Broadcast(room.PlayerIDs(), playerID, protocol.TypePlayerUpdated, player)
}

func (g *Gateway) startGame(playerID string, ack uint64, p protocol.StartGame) {
	room, ok := g.hostRoom(playerID, protocol.TypeStartGame)
	if !ok {
		return
	}

	snap, err := g.rooms.StartGame(room.ID)
	if err != nil {
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}

	entities := p.Entities
	if len(entities) == 0 {
		if entities, err = json.Marshal(snap.Players); err != nil {
			g.logger.Error("Failed to marshal entities", zap.Error(err))
			entities = json.RawMessage("[]")
		}
	}

	g.reply(playerID, ack, protocol.Reply{Success: true, Room: &snap})
	g.hub.Broadcast(snap.PlayerIDs(), "", protocol.TypeGameStarted, protocol.GameStarted{RoomID: snap.ID, Entities: entities})
	g.recordStart(snap)
}

func (g *Gateway) endGame(playerID string, ack uint64) {
	room, ok := g.hostRoom(playerID, protocol.TypeEndGame)
	if !ok {
		return
	}

	snap, err := g.rooms.EndGame(room.ID)
	if err != nil {
		g.reply(playerID, ack, protocol.Fail(clientError(err)))
		return
	}

	g.reply(playerID, ack, protocol.Reply{Success: true, Room: &snap})
	g.hub.Broadcast(snap.PlayerIDs(), "", protocol.TypeGameEnded, protocol.GameEnded{RoomID: snap.ID})
	g.recordEnd(snap.ID)
}

// leaveCurrentRoom は切断時と別ルームへの移動時に共通の退出処理
func (g *Gateway) leaveCurrentRoom(playerID string) {
	room, err := g.rooms.GetPlayerRoom(playerID)
	if err != nil {
		return
	}

	recipients := room.PlayerIDs()
	res, err := g.rooms.LeaveRoom(room.ID, playerID)
	if err == nil {
		recipients = res.Remaining.PlayerIDs()
	} else {
		g.logger.Debug("Leave room was a no-op", zap.String("playerID", playerID), zap.Error(err))
	}

	g.hub.Broadcast(recipients, playerID, protocol.TypePlayerDisconnected, protocol.PlayerDisconnected{ID: playerID})
	if err != nil {
		return
	}

	if res.NewHostID != "" {
		g.hub.SendTo(res.NewHostID, protocol.TypePlayerRole, protocol.PlayerRole{IsHost: true})
		g.hub.Broadcast(recipients, "", protocol.TypeHostChanged, protocol.HostChanged{HostID: res.NewHostID})
		g.logger.Info("Host migrated", zap.String("roomID", res.RoomID), zap.String("hostID", res.NewHostID))
	}
	if res.Closed && room.State == models.StatePlaying {
		g.recordEnd(res.RoomID)
	}
}

// ExpireRooms closes rooms idle for longer than maxIdle and notifies their members.
func (g *Gateway) ExpireRooms(maxIdle time.Duration) int {
	expired := g.rooms.ExpireIdle(maxIdle)
	for _, snap := range expired {
		g.hub.Broadcast(snap.PlayerIDs(), "", protocol.TypeRoomClosed, protocol.RoomClosed{RoomID: snap.ID, Reason: "idle"})
		if snap.State == models.StatePlaying {
			g.recordEnd(snap.ID)
		}
	}
	return len(expired)
}

func (g *Gateway) recordStart(snap models.RoomSnapshot) {
	if g.matches == nil {
		return
	}
	at := time.Now()
	g.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := g.matches.MatchStarted(ctx, snap, at); err != nil {
			g.logger.Error("Failed to record match start", zap.String("roomID", snap.ID), zap.Error(err))
		}
	})
}

func (g *Gateway) recordEnd(roomID string) {
	if g.matches == nil {
		return
	}
	at := time.Now()
	g.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := g.matches.MatchEnded(ctx, roomID, at); err != nil {
			g.logger.Error("Failed to record match end", zap.String("roomID", roomID), zap.Error(err))
		}
	})
}
