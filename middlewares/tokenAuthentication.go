package middlewares

import (
	"fmt"
	"net/http"
	"strings"

	"dodgeserver/models"

	jwt "github.com/dgrijalva/jwt-go"
)

// ParseGuestToken validates tokenString and returns its claims.
func ParseGuestToken(secret []byte, tokenString string) (*models.GuestClaims, error) {
	claims := &models.GuestClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// HS256以外の署名方式は受け付けない
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.GuestID == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or the token
// query parameter. Browsers cannot set headers on websocket upgrades, so the query
// form is accepted too.
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if strings.HasPrefix(tokenString, "Bearer ") {
		return strings.TrimPrefix(tokenString, "Bearer ")
	}
	if tokenString != "" {
		return tokenString
	}
	return r.URL.Query().Get("token")
}
