package utils

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RoomExpirer closes rooms idle for longer than maxIdle.
type RoomExpirer interface {
	ExpireRooms(maxIdle time.Duration) int
}

// MatchPurger deletes match history older than cutoff.
type MatchPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CronCleaner は放置ルームの掃除と古い試合履歴の削除を定期実行する。
// idleTTLが0ならルーム掃除、purgerがnilなら履歴削除は登録しない。
func CronCleaner(rooms RoomExpirer, idleTTL time.Duration, purger MatchPurger, retention time.Duration, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New()

	if idleTTL > 0 {
		// 一定時間操作のないルームを閉じるジョブ（毎分）
		if _, err := c.AddFunc("@every 1m", func() {
			ExpireIdleRooms(rooms, idleTTL, logger)
		}); err != nil {
			return nil, err
		}
	}

	if purger != nil && retention > 0 {
		// 保持期間を過ぎた試合履歴を削除するジョブ（"分 時 日 月 曜日"）
		if _, err := c.AddFunc("0 3 * * *", func() {
			PurgeMatches(purger, retention, logger)
		}); err != nil {
			return nil, err
		}
	}

	c.Start()
	return c, nil
}

// ExpireIdleRooms runs one idle-room sweep.
func ExpireIdleRooms(rooms RoomExpirer, idleTTL time.Duration, logger *zap.Logger) {
	if n := rooms.ExpireRooms(idleTTL); n > 0 {
		logger.Info("放置ルームを閉じました", zap.Int("rooms_closed", n))
	}
}

// PurgeMatches runs one match history purge.
func PurgeMatches(purger MatchPurger, retention time.Duration, logger *zap.Logger) {
	logger.Info("古い試合履歴を削除する処理を開始")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := purger.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Error("試合履歴の削除に失敗しました", zap.Error(err))
		return
	}
	logger.Info("試合履歴の削除完了", zap.Int64("matches_deleted", n))
}
