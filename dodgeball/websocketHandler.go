// Package dodgeball はドッジボールのリレーサーバーのWebSocket入口。
package dodgeball

import (
	"context"
	"net/http"
	"net/url"

	"dodgeserver/dodgeball/connection"
	"dodgeserver/dodgeball/gateway"
	"dodgeserver/models"

	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
)

// NewUpgrader returns an upgrader accepting the given origins. An empty list or "*"
// accepts any origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 || allowed["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			return allowed[origin]
		},
	}
}

// SessionIDFromRequest returns the session a reconnecting client asks to resume, read from
// the SessionID header or the sessionId query parameter.
func SessionIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("SessionID"); id != "" {
		return id
	}
	// ブラウザのWebSocketはヘッダーを付けられないのでクエリでも受け付ける
	return r.URL.Query().Get("sessionId")
}

// WebSocket接続へのアップグレードを行い、切断されるまでメッセージを処理する
func HandleConnections(ctx context.Context, w http.ResponseWriter, r *http.Request, gw *gateway.Gateway, guest *models.GuestClaims, upgrader websocket.Upgrader, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが失敗した場合はレスポンスが書き込み済み
		logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := connection.NewClient(conn, logger.With(zap.String("remote", conn.RemoteAddr().String())))

	var nickname string
	fields := []zap.Field{}
	if guest != nil {
		nickname = guest.Nickname
		fields = append(fields, zap.String("guestID", guest.GuestID))
	}

	// 再接続でなければ接続ごとに新しいプレイヤーIDを割り当てる
	playerID := gw.Connect(ctx, uuid.New().String(), nickname, SessionIDFromRequest(r), client)
	logger.Info("New client added", append(fields, zap.String("playerID", playerID))...)

	client.Run(
		func(msg []byte) {
			gw.HandleMessage(ctx, playerID, msg)
		},
		func() {
			gw.Disconnect(playerID, client)
		},
	)
}
