package database

import (
	"context"
	"errors"
	"time"

	"dodgeserver/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MatchStore は試合履歴をPostgreSQLに保存する
type MatchStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMatchStore(db *gorm.DB, logger *zap.Logger) *MatchStore {
	return &MatchStore{db: db, logger: logger}
}

// MatchStarted inserts a row for a match that just began.
func (s *MatchStore) MatchStarted(ctx context.Context, room models.RoomSnapshot, at time.Time) error {
	record := models.MatchRecord{
		RoomCode:    room.ID,
		Map:         room.Settings.Map,
		TeamSize:    room.Settings.TeamSize,
		PlayerCount: len(room.Players),
		HostID:      room.HostID,
		StartedAt:   at,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return err
	}
	s.logger.Info("Match recorded", zap.Uint("matchID", record.ID), zap.String("roomID", room.ID))
	return nil
}

// MatchEnded closes the latest open match of roomID. A room with no open match is a no-op.
func (s *MatchStore) MatchEnded(ctx context.Context, roomID string, at time.Time) error {
	var record models.MatchRecord
	err := s.db.WithContext(ctx).
		Where("room_code = ? AND ended_at IS NULL", roomID).
		Order("started_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&record).Update("ended_at", at).Error
}

// ListMatches returns the most recent matches, newest first.
func (s *MatchStore) ListMatches(ctx context.Context, limit int) ([]models.MatchRecord, error) {
	var records []models.MatchRecord
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// DeleteOlderThan removes matches started before cutoff and returns how many were deleted.
func (s *MatchStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Unscoped().
		Where("started_at < ?", cutoff).
		Delete(&models.MatchRecord{})
	return result.RowsAffected, result.Error
}
