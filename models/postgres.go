package models

import (
	"time"

	"gorm.io/gorm"
)

// MatchRecord は試合開始ごとに1行記録する履歴
type MatchRecord struct {
	gorm.Model
	RoomCode    string     `gorm:"index;not null" json:"roomCode"`
	Map         string     `gorm:"not null" json:"map"`
	TeamSize    int        `gorm:"not null" json:"teamSize"`
	PlayerCount int        `gorm:"not null" json:"playerCount"`
	HostID      string     `gorm:"not null" json:"hostId"`
	StartedAt   time.Time  `gorm:"index;not null" json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}
