package models

// GuestTokenRequest はゲストトークン発行リクエスト。
// 発行したトークンをwebsocket接続時に渡すと、ニックネームが表示名の初期値になる。
type GuestTokenRequest struct {
	Nickname string `json:"nickname" binding:"required,max=24"`
}
