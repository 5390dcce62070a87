// Package broadcast はプレイヤーIDと接続の対応を持ち、1人/複数人へのメッセージ送信を行う。
package broadcast

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"dodgeserver/dodgeball/protocol"
)

// ErrNotConnected is returned when no connection is registered for a player.
var ErrNotConnected = errors.New("player not connected")

// Conn は送信先の接続。Sendはブロックしてはいけない
type Conn interface {
	Send(msg []byte) error
}

// Hub は接続とプレイヤーIDの束縛を管理する
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]Conn),
		logger: logger,
	}
}

// Register binds playerID to conn, replacing any previous binding.
func (h *Hub) Register(playerID string, conn Conn) {
	h.mu.Lock()
	h.conns[playerID] = conn
	h.mu.Unlock()
}

// Unregister removes the binding only if it still points at conn.
func (h *Hub) Unregister(playerID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[playerID] == conn {
		delete(h.conns, playerID)
	}
}

// Count returns the number of bound connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) conn(playerID string) Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[playerID]
}

// SendRaw delivers an already encoded frame to one player.
func (h *Hub) SendRaw(playerID string, msg []byte) error {
	c := h.conn(playerID)
	if c == nil {
		return ErrNotConnected
	}
	if err := c.Send(msg); err != nil {
		h.logger.Warn("Failed to send message", zap.String("playerID", playerID), zap.Error(err))
		return err
	}
	return nil
}

// SendTo encodes and delivers one message to one player.
func (h *Hub) SendTo(playerID, msgType string, data interface{}) {
	msg, err := protocol.Encode(msgType, data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.String("type", msgType), zap.Error(err))
		return
	}
	// 切断済みの相手への送信失敗は無視する
	_ = h.SendRaw(playerID, msg)
}

// Broadcast encodes once and sends to every id in ids except the excluded one.
// A failing recipient never stops delivery to the rest.
func (h *Hub) Broadcast(ids []string, except, msgType string, data interface{}) {
	msg, err := protocol.Encode(msgType, data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.String("type", msgType), zap.Error(err))
		return
	}
	h.BroadcastRaw(ids, except, msg)
}

// BroadcastRaw is Broadcast for an already encoded frame.
func (h *Hub) BroadcastRaw(ids []string, except string, msg []byte) {
	for _, id := range ids {
		if id == except {
			continue
		}
		if err := h.SendRaw(id, msg); err != nil && !errors.Is(err, ErrNotConnected) {
			h.logger.Debug("Broadcast recipient skipped", zap.String("playerID", id), zap.Error(err))
		}
	}
}
