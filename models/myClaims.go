package models

import (
	jwt "github.com/dgrijalva/jwt-go"
)

// GuestClaims はゲストトークンに内包するクレーム
type GuestClaims struct {
	GuestID  string `json:"guestId"`
	Nickname string `json:"nickname"`
	jwt.StandardClaims
}
