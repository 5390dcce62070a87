package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dodgeserver/dodgeball/broadcast"
	"dodgeserver/dodgeball/protocol"
	"dodgeserver/dodgeball/registry"
	"dodgeserver/models"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (f *fakeConn) Send(msg []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ofType(msgType string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range f.frames {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func (f *fakeConn) lastAck(t *testing.T) protocol.Reply {
	t.Helper()
	acks := f.ofType(protocol.TypeAck)
	require.NotEmpty(t, acks, "no ack received")
	var r protocol.Reply
	require.NoError(t, json.Unmarshal(acks[len(acks)-1].Data, &r))
	return r
}

type fakeSessions struct {
	mu    sync.Mutex
	store map[string]models.SessionInfo
}

func (f *fakeSessions) Create(ctx context.Context, playerID string) (string, error) {
	id := "sess-" + playerID
	return id, f.Bind(ctx, id, playerID, "")
}

func (f *fakeSessions) Get(_ context.Context, sessionID string) (models.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.store[sessionID]
	if !ok {
		return models.SessionInfo{}, models.ErrSessionNotFound
	}
	return info, nil
}

func (f *fakeSessions) Bind(_ context.Context, sessionID, playerID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store == nil {
		f.store = make(map[string]models.SessionInfo)
	}
	f.store[sessionID] = models.SessionInfo{PlayerID: playerID, RoomID: roomID}
	return nil
}

func (f *fakeSessions) roomOf(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store[sessionID].RoomID
}

type fakeMatches struct {
	started []string
	ended   []string
}

func (f *fakeMatches) MatchStarted(_ context.Context, room models.RoomSnapshot, _ time.Time) error {
	f.started = append(f.started, room.ID)
	return nil
}

func (f *fakeMatches) MatchEnded(_ context.Context, roomID string, _ time.Time) error {
	f.ended = append(f.ended, roomID)
	return nil
}

type fixture struct {
	gw       *Gateway
	reg      *registry.Registry
	conns    map[string]*fakeConn
	sessions *fakeSessions
	matches  *fakeMatches
	ack      uint64
}

func newFixture(t *testing.T, opts ...registry.Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger, opts...)
	f := &fixture{
		reg:      reg,
		conns:    make(map[string]*fakeConn),
		sessions: &fakeSessions{},
		matches:  &fakeMatches{},
	}
	f.gw = New(reg, broadcast.NewHub(logger), logger,
		WithSessionStore(f.sessions),
		WithMatchRecorder(f.matches),
		WithSpawn(func(fn func()) { fn() }),
	)
	return f
}

func (f *fixture) connect(id, nickname string) *fakeConn {
	c := &fakeConn{}
	f.conns[id] = c
	f.gw.Connect(context.Background(), id, nickname, "", c)
	return c
}

func (f *fixture) disconnect(id string) {
	f.gw.Disconnect(id, f.conns[id])
}

func (f *fixture) send(t *testing.T, from, msgType string, data interface{}) {
	t.Helper()
	f.ack++
	env := map[string]interface{}{"type": msgType, "ack": f.ack}
	if data != nil {
		env["data"] = data
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	f.gw.HandleMessage(context.Background(), from, raw)
}

func (f *fixture) resetAll() {
	for _, c := range f.conns {
		c.reset()
	}
}

// createWithMembers はホストP1がルームを作り、残りが参加した状態を作る
func (f *fixture) createWithMembers(t *testing.T, teamSize int, ids ...string) string {
	t.Helper()
	f.connect(ids[0], "")
	f.send(t, ids[0], protocol.TypeCreateRoom, map[string]int{"teamSize": teamSize})
	reply := f.conns[ids[0]].lastAck(t)
	require.True(t, reply.Success)
	for _, id := range ids[1:] {
		f.connect(id, "")
		f.send(t, id, protocol.TypeJoinRoom, map[string]string{"roomId": reply.RoomID})
		require.True(t, f.conns[id].lastAck(t).Success, "join %s", id)
	}
	f.resetAll()
	return reply.RoomID
}

func decode(t *testing.T, env protocol.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestConnectGreetsWithIdentity(t *testing.T) {
	f := newFixture(t)
	c := f.connect("P1", "")

	got := c.ofType(protocol.TypeConnected)
	require.Len(t, got, 1)
	var hello protocol.Connected
	decode(t, got[0], &hello)
	assert.Equal(t, protocol.Connected{ID: "P1", SessionID: "sess-P1"}, hello)
}

func TestCreateRoomRepliesAndAssignsHost(t *testing.T) {
	f := newFixture(t)
	c := f.connect("P1", "Ace")

	f.send(t, "P1", protocol.TypeCreateRoom, map[string]interface{}{"teamSize": 2, "map": "canyon"})

	reply := c.lastAck(t)
	assert.True(t, reply.Success)
	assert.Len(t, reply.RoomID, 4)

	roles := c.ofType(protocol.TypePlayerRole)
	require.Len(t, roles, 1)
	var role protocol.PlayerRole
	decode(t, roles[0], &role)
	assert.True(t, role.IsHost)

	var players []models.Player
	decode(t, c.ofType(protocol.TypeCurrentPlayers)[0], &players)
	require.Len(t, players, 1)
	assert.Equal(t, models.Player{ID: "P1", Team: models.TeamA, IsHost: true, Name: "Ace"}, players[0])

	assert.Equal(t, reply.RoomID, f.sessions.roomOf("sess-P1"))
}

func TestCreateRoomInvalidSettings(t *testing.T) {
	f := newFixture(t)
	c := f.connect("P1", "")

	f.send(t, "P1", protocol.TypeCreateRoom, map[string]int{"teamSize": 0})
	assert.Equal(t, protocol.Fail(MsgInvalidSettings), c.lastAck(t))
	assert.Empty(t, c.ofType(protocol.TypePlayerRole))
}

func TestJoinRoomBroadcastsToOthers(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2")
	p3 := f.connect("P3", "")

	f.send(t, "P3", protocol.TypeJoinRoom, map[string]string{"roomId": roomID})

	reply := p3.lastAck(t)
	require.True(t, reply.Success)
	require.NotNil(t, reply.Room)
	assert.Equal(t, []string{"P1", "P2", "P3"}, reply.Room.PlayerIDs())

	var role protocol.PlayerRole
	decode(t, p3.ofType(protocol.TypePlayerRole)[0], &role)
	assert.False(t, role.IsHost)
	require.Len(t, p3.ofType(protocol.TypeCurrentPlayers), 1)
	assert.Empty(t, p3.ofType(protocol.TypePlayerJoined))

	for _, id := range []string{"P1", "P2"} {
		joined := f.conns[id].ofType(protocol.TypePlayerJoined)
		require.Len(t, joined, 1, id)
		var p models.Player
		decode(t, joined[0], &p)
		assert.Equal(t, "P3", p.ID)
		assert.Equal(t, models.TeamA, p.Team)
	}
}

func TestJoinRoomErrors(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 1, "P1", "P2")
	p3 := f.connect("P3", "")

	f.send(t, "P3", protocol.TypeJoinRoom, map[string]string{"roomId": "ZZZZ"})
	assert.Equal(t, protocol.Fail(MsgRoomNotFound), p3.lastAck(t))

	f.send(t, "P3", protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	assert.Equal(t, protocol.Fail(MsgRoomFull), p3.lastAck(t))

	f.send(t, "P1", protocol.TypeStartGame, nil)
	f.send(t, "P3", protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	// 満員チェックより先に状態が見られる
	assert.Equal(t, MsgGameAlreadyStarted, p3.lastAck(t).Error)
}

func TestSwitchTeam(t *testing.T) {
	f := newFixture(t)
	f.createWithMembers(t, 2, "P1", "P2")
	lonely := f.connect("P9", "")

	f.send(t, "P9", protocol.TypeSwitchTeam, nil)
	assert.Equal(t, protocol.Fail(MsgNoRoom), lonely.lastAck(t))

	f.send(t, "P2", protocol.TypeSwitchTeam, map[string]string{"teamId": "A"})
	reply := f.conns["P2"].lastAck(t)
	require.True(t, reply.Success)
	assert.Equal(t, models.TeamA, reply.Player.Team)
	assert.Len(t, f.conns["P1"].ofType(protocol.TypePlayerTeamChanged), 1)
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypePlayerTeamChanged))

	// 既に所属しているチームへの移動は変更通知なしの成功
	f.send(t, "P2", protocol.TypeSwitchTeam, map[string]string{"teamId": "A"})
	assert.True(t, f.conns["P2"].lastAck(t).Success)
	assert.Len(t, f.conns["P1"].ofType(protocol.TypePlayerTeamChanged), 1)

	f.connect("P3", "")
	room, err := f.reg.GetPlayerRoom("P1")
	require.NoError(t, err)
	f.send(t, "P3", protocol.TypeJoinRoom, map[string]string{"roomId": room.ID})
	f.send(t, "P3", protocol.TypeSwitchTeam, map[string]string{"teamId": "A"})
	assert.Equal(t, protocol.Fail(MsgTeamFull), f.conns["P3"].lastAck(t))
}

func TestUpdateRoomSettingsHostOnly(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2", "P3")

	f.send(t, "P2", protocol.TypeUpdateRoomSettings, map[string]int{"teamSize": 4})
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypeAck))
	assert.Empty(t, f.conns["P1"].ofType(protocol.TypeRoomSettingsUpdate))
	snap, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Settings.TeamSize)

	f.send(t, "P1", protocol.TypeUpdateRoomSettings, map[string]int{"teamSize": 4})
	for _, id := range []string{"P1", "P2", "P3"} {
		got := f.conns[id].ofType(protocol.TypeRoomSettingsUpdate)
		require.Len(t, got, 1, id)
		var s models.Settings
		decode(t, got[0], &s)
		assert.Equal(t, models.Settings{TeamSize: 4, Map: models.DefaultMap, MaxPlayers: 8}, s)
	}
}

func TestUpdateRoomSettingsAnnouncesRebalancedPlayers(t *testing.T) {
	f := newFixture(t)
	f.createWithMembers(t, 3, "P1", "P2", "P3")
	// A={P1,P2,P3}
	f.send(t, "P2", protocol.TypeSwitchTeam, map[string]string{"teamId": "A"})
	f.resetAll()

	f.send(t, "P1", protocol.TypeUpdateRoomSettings, map[string]int{"teamSize": 2})

	changes := f.conns["P2"].ofType(protocol.TypePlayerTeamChanged)
	require.Len(t, changes, 1)
	var moved models.Player
	decode(t, changes[0], &moved)
	assert.Equal(t, "P3", moved.ID)
	assert.Equal(t, models.TeamB, moved.Team)
}

func TestStartGameByNonHostIsIgnored(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2")

	f.send(t, "P2", protocol.TypeStartGame, nil)

	snap, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLobby, snap.State)
	for _, c := range f.conns {
		assert.Empty(t, c.ofType(protocol.TypeGameStarted))
		assert.Empty(t, c.ofType(protocol.TypeAck))
	}
	assert.Empty(t, f.matches.started)
}

func TestStartAndEndGame(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2")

	f.send(t, "P1", protocol.TypeStartGame, nil)

	for _, id := range []string{"P1", "P2"} {
		got := f.conns[id].ofType(protocol.TypeGameStarted)
		require.Len(t, got, 1, id)
		var started struct {
			RoomID   string          `json:"roomId"`
			Entities []models.Player `json:"entities"`
		}
		decode(t, got[0], &started)
		assert.Equal(t, roomID, started.RoomID)
		assert.Len(t, started.Entities, 2)
	}
	assert.Equal(t, []string{roomID}, f.matches.started)

	f.send(t, "P1", protocol.TypeStartGame, nil)
	assert.Equal(t, protocol.Fail(MsgGameAlreadyStarted), f.conns["P1"].lastAck(t))

	f.send(t, "P1", protocol.TypeEndGame, nil)
	assert.Len(t, f.conns["P2"].ofType(protocol.TypeGameEnded), 1)
	assert.Equal(t, []string{roomID}, f.matches.ended)

	snap, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLobby, snap.State)
}

func TestStartGameForwardsHostEntities(t *testing.T) {
	f := newFixture(t)
	f.createWithMembers(t, 1, "P1", "P2")

	f.send(t, "P1", protocol.TypeStartGame, map[string]interface{}{"entities": []map[string]string{{"id": "ball-1"}}})

	var started protocol.GameStarted
	decode(t, f.conns["P2"].ofType(protocol.TypeGameStarted)[0], &started)
	assert.JSONEq(t, `[{"id":"ball-1"}]`, string(started.Entities))
}

func TestHostDisconnectMigratesHost(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2", "P3")

	f.disconnect("P1")

	for _, id := range []string{"P2", "P3"} {
		c := f.conns[id]
		gone := c.ofType(protocol.TypePlayerDisconnected)
		require.Len(t, gone, 1, id)
		var d protocol.PlayerDisconnected
		decode(t, gone[0], &d)
		assert.Equal(t, "P1", d.ID)

		changed := c.ofType(protocol.TypeHostChanged)
		require.Len(t, changed, 1, id)
		var h protocol.HostChanged
		decode(t, changed[0], &h)
		assert.Equal(t, "P2", h.HostID)
	}

	roles := f.conns["P2"].ofType(protocol.TypePlayerRole)
	require.Len(t, roles, 1)
	var role protocol.PlayerRole
	decode(t, roles[0], &role)
	assert.True(t, role.IsHost)
	assert.Empty(t, f.conns["P3"].ofType(protocol.TypePlayerRole))

	snap, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, "P2", snap.HostID)
	// 再接続できるようにセッションは残る
	assert.Equal(t, roomID, f.sessions.roomOf("sess-P1"))

	// 新ホストはホスト専用操作ができる
	f.send(t, "P2", protocol.TypeStartGame, nil)
	assert.Len(t, f.conns["P3"].ofType(protocol.TypeGameStarted), 1)
}

func TestLastPlayerDisconnectDestroysRoom(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 1, "P1")
	f.send(t, "P1", protocol.TypeStartGame, nil)

	f.disconnect("P1")

	_, err := f.reg.GetRoom(roomID)
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	assert.Equal(t, []string{roomID}, f.matches.ended)
}

func TestCreatingAnotherRoomLeavesTheOldOne(t *testing.T) {
	f := newFixture(t)
	first := f.createWithMembers(t, 2, "P1", "P2")

	f.send(t, "P2", protocol.TypeCreateRoom, nil)
	second := f.conns["P2"].lastAck(t).RoomID

	assert.NotEqual(t, first, second)
	assert.Len(t, f.conns["P1"].ofType(protocol.TypePlayerDisconnected), 1)
	snap, err := f.reg.GetRoom(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, snap.PlayerIDs())
}

func TestUpdatePlayerData(t *testing.T) {
	f := newFixture(t)
	f.connect("P0", "")
	f.send(t, "P0", protocol.TypeUpdatePlayerData, map[string]string{"name": "Early"})
	assert.True(t, f.conns["P0"].lastAck(t).Success)

	roomID := f.createWithMembers(t, 2, "P1", "P2")
	f.send(t, "P0", protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	p, _ := f.conns["P0"].lastAck(t).Room.Player("P0")
	assert.Equal(t, "Early", p.Name)

	f.send(t, "P2", protocol.TypeUpdatePlayerData, map[string]string{"name": "Bolt"})
	updates := f.conns["P1"].ofType(protocol.TypePlayerUpdated)
	require.Len(t, updates, 1)
	var got models.Player
	decode(t, updates[0], &got)
	assert.Equal(t, "Bolt", got.Name)
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypePlayerUpdated))
}

func TestGameplayRelay(t *testing.T) {
	f := newFixture(t)
	f.createWithMembers(t, 2, "P1", "P2", "P3")

	f.send(t, "P3", protocol.TypeDeflectAttempt, map[string]string{"missileId": "m7"})
	got := f.conns["P1"].ofType(protocol.TypeDeflectAttempt)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"missileId":"m7","playerId":"P3"}`, string(got[0].Data))
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypeDeflectAttempt))

	f.send(t, "P2", protocol.TypeRoundState, map[string]int{"round": 1})
	assert.Empty(t, f.conns["P1"].ofType(protocol.TypeRoundState))

	f.send(t, "P2", protocol.TypePlayerMove, map[string]float64{"x": 3})
	moves := f.conns["P3"].ofType(protocol.TypePlayerMoved)
	require.Len(t, moves, 1)
	assert.JSONEq(t, `{"x":3,"id":"P2"}`, string(moves[0].Data))
}

func TestExpireRoomsNotifiesMembers(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, registry.WithClock(func() time.Time { return now }))
	roomID := f.createWithMembers(t, 2, "P1", "P2")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, f.gw.ExpireRooms(time.Hour))

	for _, id := range []string{"P1", "P2"} {
		got := f.conns[id].ofType(protocol.TypeRoomClosed)
		require.Len(t, got, 1)
		var closed protocol.RoomClosed
		decode(t, got[0], &closed)
		assert.Equal(t, protocol.RoomClosed{RoomID: roomID, Reason: "idle"}, closed)
	}
	assert.Zero(t, f.gw.ExpireRooms(time.Hour))
}

func TestConcurrentJoinsThroughGateway(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 3, "host")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("J%d", i)
		f.connect(id, "")
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			raw := []byte(fmt.Sprintf(`{"type":"join_room","ack":1,"data":{"roomId":%q}}`, roomID))
			f.gw.HandleMessage(context.Background(), id, raw)
		}(id)
	}
	wg.Wait()

	snap, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Len(t, snap.Players, 6)
}

func TestMalformedRequestsGetAnAck(t *testing.T) {
	f := newFixture(t)
	f.createWithMembers(t, 2, "P1", "P2")
	p2 := f.conns["P2"]

	f.send(t, "P2", protocol.TypeJoinRoom, map[string]string{"roomId": ""})
	assert.Equal(t, protocol.Fail(MsgRoomNotFound), p2.lastAck(t))

	f.send(t, "P2", protocol.TypeSwitchTeam, map[string]string{"teamId": "C"})
	assert.Equal(t, protocol.Fail(MsgFailed), p2.lastAck(t))

	f.send(t, "P2", protocol.TypeCreateRoom, map[string]string{"teamSize": "2"})
	assert.Equal(t, protocol.Fail(MsgInvalidSettings), p2.lastAck(t))
	assert.Len(t, p2.ofType(protocol.TypeAck), 3)

	// ホスト専用の要求は非ホストからなら不正な中身でも応答しない
	f.send(t, "P2", protocol.TypeUpdateRoomSettings, map[string]string{"teamSize": "big"})
	assert.Len(t, p2.ofType(protocol.TypeAck), 3)

	f.send(t, "P1", protocol.TypeUpdateRoomSettings, map[string]string{"teamSize": "big"})
	assert.Equal(t, protocol.Fail(MsgInvalidSettings), f.conns["P1"].lastAck(t))

	// ackなしのフレームとゲームプレイは黙って捨てる
	f.gw.HandleMessage(context.Background(), "P2", []byte(`{"type":"join_room","data":{"roomId":""}}`))
	f.send(t, "P2", protocol.TypeMissileUpdate, []int{1})
	assert.Len(t, p2.ofType(protocol.TypeAck), 3)
}

func TestRejectedCreateKeepsCurrentRoom(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2")

	f.send(t, "P1", protocol.TypeCreateRoom, map[string]int{"teamSize": 0})
	assert.Equal(t, protocol.Fail(MsgInvalidSettings), f.conns["P1"].lastAck(t))

	room, err := f.reg.GetPlayerRoom("P1")
	require.NoError(t, err)
	assert.Equal(t, roomID, room.ID)
	assert.Equal(t, "P1", room.HostID)
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypeHostChanged))
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypePlayerDisconnected))
}

func TestRejectedJoinKeepsCurrentRoom(t *testing.T) {
	f := newFixture(t)
	home := f.createWithMembers(t, 2, "P1", "P2")
	full := f.createWithMembers(t, 1, "Q1", "Q2")
	started := f.createWithMembers(t, 2, "R1")
	f.send(t, "R1", protocol.TypeStartGame, nil)
	f.resetAll()

	for _, target := range []struct {
		roomID string
		want   string
	}{
		{"ZZZZ", MsgRoomNotFound},
		{full, MsgRoomFull},
		{started, MsgGameAlreadyStarted},
	} {
		f.send(t, "P1", protocol.TypeJoinRoom, map[string]string{"roomId": target.roomID})
		assert.Equal(t, protocol.Fail(target.want), f.conns["P1"].lastAck(t), target.roomID)

		room, err := f.reg.GetPlayerRoom("P1")
		require.NoError(t, err)
		assert.Equal(t, home, room.ID)
		assert.Equal(t, "P1", room.HostID)
	}
	assert.Empty(t, f.conns["P2"].ofType(protocol.TypeHostChanged))
	assert.Equal(t, home, f.sessions.roomOf("sess-P1"))
}

func TestJoinAnnouncesNickname(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1")
	p2 := f.connect("P2", "Bo")

	f.send(t, "P2", protocol.TypeJoinRoom, map[string]string{"roomId": roomID})

	var players []models.Player
	decode(t, p2.ofType(protocol.TypeCurrentPlayers)[0], &players)
	require.Len(t, players, 2)
	assert.Equal(t, "Bo", players[1].Name)

	var joined models.Player
	decode(t, f.conns["P1"].ofType(protocol.TypePlayerJoined)[0], &joined)
	assert.Equal(t, "Bo", joined.Name)
}

func TestReconnectResumesSession(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2")
	f.disconnect("P2")
	f.resetAll()

	back := &fakeConn{}
	id := f.gw.Connect(context.Background(), "fresh", "Bo", "sess-P2", back)
	f.conns[id] = back

	assert.Equal(t, "P2", id)
	var hello protocol.Connected
	decode(t, back.ofType(protocol.TypeConnected)[0], &hello)
	assert.Equal(t, protocol.Connected{ID: "P2", SessionID: "sess-P2", Resumed: true}, hello)

	room, err := f.reg.GetPlayerRoom("P2")
	require.NoError(t, err)
	assert.Equal(t, roomID, room.ID)
	require.Len(t, back.ofType(protocol.TypeCurrentPlayers), 1)
	assert.Len(t, f.conns["P1"].ofType(protocol.TypePlayerJoined), 1)
}

func TestReconnectEdgeCases(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 1, "P1", "P2")

	// 接続中のプレイヤーのセッションは引き継げない
	dup := &fakeConn{}
	id := f.gw.Connect(context.Background(), "P3", "", "sess-P1", dup)
	assert.Equal(t, "P3", id)
	var hello protocol.Connected
	decode(t, dup.ofType(protocol.TypeConnected)[0], &hello)
	assert.Equal(t, protocol.Connected{ID: "P3", SessionID: "sess-P3"}, hello)

	// 未知のセッションは新規扱い
	assert.Equal(t, "P4", f.gw.Connect(context.Background(), "P4", "", "sess-nope", &fakeConn{}))

	// 戻る先のルームが始まっていればルームなしで復帰し、セッションの紐付けも外す
	f.disconnect("P2")
	f.send(t, "P1", protocol.TypeStartGame, nil)
	back := &fakeConn{}
	assert.Equal(t, "P2", f.gw.Connect(context.Background(), "P5", "", "sess-P2", back))
	_, err := f.reg.GetPlayerRoom("P2")
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	assert.Empty(t, f.sessions.roomOf("sess-P2"))

	room, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, room.PlayerIDs())
}

func TestStaleDisconnectIsIgnored(t *testing.T) {
	f := newFixture(t)
	roomID := f.createWithMembers(t, 2, "P1", "P2")

	f.gw.Disconnect("P2", &fakeConn{})

	room, err := f.reg.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, room.PlayerIDs())
	assert.Empty(t, f.conns["P1"].ofType(protocol.TypePlayerDisconnected))
}
