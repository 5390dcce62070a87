package screens

import (
	"context"
	"net/http"
	"strconv"

	"dodgeserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultMatchLimit = 20
	maxMatchLimit     = 100
)

// MatchLister is the read side of the match history store.
type MatchLister interface {
	ListMatches(ctx context.Context, limit int) ([]models.MatchRecord, error)
}

// 直近の試合履歴を返すハンドラー
func MatchHistory(c *gin.Context, store MatchLister, logger *zap.Logger) {
	limit := defaultMatchLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"status": "invalid_request_error",
				"error":  "limitが不正です",
			})
			return
		}
		if n > maxMatchLimit {
			n = maxMatchLimit
		}
		limit = n
	}

	matches, err := store.ListMatches(c.Request.Context(), limit)
	if err != nil {
		logger.Error("Failed to list matches", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "database_error",
			"error":  "試合履歴の取得に失敗しました",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"matches": matches,
	})
}
