package models

import (
	"fmt"
	"time"
)

// Config はサーバー全体の設定。config.jsonと環境変数から読み込む
type Config struct {
	Port           string   `json:"port"`
	LogLevel       string   `json:"log_level"`
	AllowedOrigins []string `json:"allowed_origins"`
	JWTSecret      string   `json:"jwt_secret"`
	RoomIdleTTL    string   `json:"room_idle_ttl"` // time.ParseDuration形式 (例: "2h")

	// PostgreSQL（試合履歴）。DBHostが空なら無効
	DBHost     string `json:"db_host"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBName     string `json:"db_name"`
	DBSSLMode  string `json:"db_sslmode"`
	// 試合履歴の保持日数
	MatchRetentionDays int `json:"match_retention_days"`

	// Redis（セッション情報）。RedisAddrが空なら無効
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// DatabaseEnabled reports whether the match history store is configured.
func (c Config) DatabaseEnabled() bool {
	return c.DBHost != ""
}

// RedisEnabled reports whether the session cache is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// IdleTTL parses RoomIdleTTL. Zero disables idle room expiry.
func (c Config) IdleTTL() (time.Duration, error) {
	if c.RoomIdleTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RoomIdleTTL)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid room_idle_ttl %q", c.RoomIdleTTL)
	}
	return d, nil
}
