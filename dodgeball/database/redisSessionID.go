package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"dodgeserver/models"
)

const (
	sessionKeyPrefix = "session:"
	// 切断後もこの期間内なら同じセッションIDで再接続できる
	sessionTTL = 24 * time.Hour
)

var ErrSessionNotFound = models.ErrSessionNotFound

// RedisSessionStore はプレイヤーの接続セッションをRedisに保存する
type RedisSessionStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisSessionStore(rdb *redis.Client, logger *zap.Logger) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, logger: logger}
}

// Create generates a new session id for playerID and stores it with a 24h TTL.
func (s *RedisSessionStore) Create(ctx context.Context, playerID string) (string, error) {
	sessionID := uuid.New().String()
	if err := s.put(ctx, sessionID, models.SessionInfo{PlayerID: playerID}); err != nil {
		return "", err
	}
	s.logger.Debug("Session stored", zap.String("sessionID", sessionID), zap.String("playerID", playerID))
	return sessionID, nil
}

// Bind records the room the session's player currently belongs to and refreshes the TTL.
func (s *RedisSessionStore) Bind(ctx context.Context, sessionID, playerID, roomID string) error {
	return s.put(ctx, sessionID, models.SessionInfo{PlayerID: playerID, RoomID: roomID})
}

// Get returns the stored session info.
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (models.SessionInfo, error) {
	if sessionID == "" {
		return models.SessionInfo{}, ErrSessionNotFound
	}
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return models.SessionInfo{}, ErrSessionNotFound
	}
	if err != nil {
		return models.SessionInfo{}, err
	}

	var info models.SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		s.logger.Error("Failed to decode session info", zap.Error(err))
		return models.SessionInfo{}, err
	}
	info.ID = sessionID
	return info, nil
}

// Count returns the number of live sessions.
func (s *RedisSessionStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (s *RedisSessionStore) put(ctx context.Context, sessionID string, info models.SessionInfo) error {
	// セッション情報をJSON形式でエンコード
	raw, err := json.Marshal(info)
	if err != nil {
		s.logger.Error("Error encoding session info", zap.Error(err))
		return err
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+sessionID, raw, sessionTTL).Err(); err != nil {
		s.logger.Error("Error storing session info in Redis", zap.Error(err))
		return err
	}
	return nil
}
