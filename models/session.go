package models

import "errors"

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo はRedisに保存する接続セッション。再接続時に同じプレイヤーIDとルームへ戻すために使う
type SessionInfo struct {
	ID       string `json:"-"`
	PlayerID string `json:"playerID"`
	RoomID   string `json:"roomID,omitempty"`
}
