package screens

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"dodgeserver/dodgeball/registry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ロビー画面に表示するルーム一覧を返すハンドラー
func RoomList(c *gin.Context, reg *registry.Registry, logger *zap.Logger) {
	rooms := reg.ListRooms()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	logger.Debug("Room list requested", zap.Int("rooms", len(rooms)))
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"rooms":  rooms,
	})
}

// ルームコードを指定してルームの詳細を返すハンドラー
func RoomInfo(c *gin.Context, reg *registry.Registry, logger *zap.Logger) {
	code := c.Param("code")
	room, err := reg.GetRoom(code)
	if errors.Is(err, registry.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"status": "room_not_found_error",
			"error":  "Room not found",
		})
		return
	}
	if err != nil {
		logger.Error("Failed to get room", zap.String("roomID", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "internal_error",
			"error":  "Failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"room":   room,
	})
}

// SessionCounter counts stored reconnect sessions.
type SessionCounter interface {
	Count(ctx context.Context) (int, error)
}

// Health reports liveness and counters. sessions may be nil when Redis is disabled.
func Health(c *gin.Context, reg *registry.Registry, connections func() int, sessions SessionCounter, logger *zap.Logger) {
	rooms, players := reg.Stats()
	body := gin.H{
		"status":      "ok",
		"rooms":       rooms,
		"players":     players,
		"connections": connections(),
	}
	if sessions == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	n, err := sessions.Count(c.Request.Context())
	if err != nil {
		// Redisに届かない場合はセッション復帰が使えない
		logger.Warn("Failed to count sessions", zap.Error(err))
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["sessions"] = n
	c.JSON(http.StatusOK, body)
}
