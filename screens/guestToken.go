package screens

import (
	"net/http"
	"time"

	"dodgeserver/middlewares"
	"dodgeserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ゲストトークンを発行するハンドラー。ニックネームは入室時の表示名になる
func GuestToken(c *gin.Context, secret []byte, logger *zap.Logger) {
	var req models.GuestTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "invalid_request_error",
			"error":  "ニックネームが不正です",
		})
		return
	}

	token, claims, err := middlewares.GenerateGuestToken(secret, req.Nickname, time.Now())
	if err != nil {
		logger.Error("Token generation error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "token_generation_error",
			"error":  "トークンの生成に失敗しました",
		})
		return
	}

	logger.Info("Guest token issued", zap.String("guestID", claims.GuestID))
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"token":     token,
		"guestId":   claims.GuestID,
		"nickname":  claims.Nickname,
		"expiresAt": claims.ExpiresAt,
	})
}
