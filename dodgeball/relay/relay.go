// Package relay はゲーム中の高頻度メッセージを同じルームのプレイヤーへ転送する。
// ゲームプレイの中身は検証しない。判定はホストのクライアントが行う
package relay

import (
	"go.uber.org/zap"

	"dodgeserver/dodgeball/protocol"
	"dodgeserver/models"
)

// Rooms resolves the sender's current room.
type Rooms interface {
	GetPlayerRoom(playerID string) (models.RoomSnapshot, error)
}

// Sender delivers frames to connected players.
type Sender interface {
	SendTo(playerID, msgType string, data interface{})
	Broadcast(ids []string, except, msgType string, data interface{})
}

type Relay struct {
	rooms  Rooms
	out    Sender
	logger *zap.Logger
}

func New(rooms Rooms, out Sender, logger *zap.Logger) *Relay {
	return &Relay{rooms: rooms, out: out, logger: logger}
}

// Forward applies the forwarding rule for msgType. It returns the sender's room and
// whether anything was sent.
func (r *Relay) Forward(senderID, msgType string, data protocol.Gameplay) (string, bool) {
	room, err := r.rooms.GetPlayerRoom(senderID)
	if err != nil {
		r.logger.Debug("Dropped gameplay message without room",
			zap.String("playerID", senderID), zap.String("type", msgType))
		return "", false
	}
	isHost := room.HostID == senderID

	switch msgType {
	case protocol.TypePlayerMove:
		moved, err := data.With("id", senderID)
		if err != nil {
			r.logger.Error("Failed to tag movement", zap.Error(err))
			return room.ID, false
		}
		r.out.Broadcast(room.PlayerIDs(), senderID, protocol.TypePlayerMoved, moved)

	case protocol.TypeMissileUpdate, protocol.TypeMissileDeflected:
		r.out.Broadcast(room.PlayerIDs(), senderID, msgType, data)

	case protocol.TypeRoundState, protocol.TypePlayerHit:
		// ホストのみ
		if !isHost {
			r.logger.Debug("Dropped host-only message from non-host",
				zap.String("playerID", senderID), zap.String("roomID", room.ID), zap.String("type", msgType))
			return room.ID, false
		}
		r.out.Broadcast(room.PlayerIDs(), senderID, msgType, data)

	case protocol.TypeDeflectAttempt:
		// ホスト自身の判定要求は転送先がない
		if isHost {
			return room.ID, false
		}
		tagged, err := data.With("playerId", senderID)
		if err != nil {
			r.logger.Error("Failed to tag deflect attempt", zap.Error(err))
			return room.ID, false
		}
		r.out.SendTo(room.HostID, protocol.TypeDeflectAttempt, tagged)

	default:
		return room.ID, false
	}
	return room.ID, true
}
