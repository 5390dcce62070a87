package middlewares

import (
	"net/http"

	"dodgeserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const guestContextKey = "guest"

// GuestAuth validates an optional guest token. Requests without a token pass through
// anonymously; requests with an invalid token are rejected.
func GuestAuth(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := TokenFromRequest(c.Request)
		if tokenString == "" {
			c.Next()
			return
		}

		claims, err := ParseGuestToken(secret, tokenString)
		if err != nil {
			logger.Warn("認証失敗", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(guestContextKey, claims)
		c.Next()
	}
}

// GuestFromContext returns the claims stored by GuestAuth, if any.
func GuestFromContext(c *gin.Context) (*models.GuestClaims, bool) {
	v, ok := c.Get(guestContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*models.GuestClaims)
	return claims, ok
}
