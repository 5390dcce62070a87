package middlewares

import (
	"errors"
	"time"

	"dodgeserver/models"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

// GuestTokenTTL はゲストトークンの有効期限
const GuestTokenTTL = 72 * time.Hour

var ErrEmptySecret = errors.New("jwt secret is empty")

// GenerateGuestToken issues a signed token carrying a fresh guest id and nickname.
func GenerateGuestToken(secret []byte, nickname string, now time.Time) (string, *models.GuestClaims, error) {
	if len(secret) == 0 {
		return "", nil, ErrEmptySecret
	}

	// JWTトークン生成時に内包するデータ
	claims := &models.GuestClaims{
		GuestID:  uuid.New().String(),
		Nickname: nickname,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(GuestTokenTTL).Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", nil, err
	}
	return tokenString, claims, nil
}
