package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dodgeserver/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultConfig はconfig.jsonが無い場合の設定
func DefaultConfig() models.Config {
	return models.Config{
		Port:               "8080",
		LogLevel:           "info",
		AllowedOrigins:     []string{"http://localhost:5173"},
		RoomIdleTTL:        "2h",
		DBSSLMode:          "disable",
		MatchRetentionDays: 30,
	}
}

// LoadConfig loads the configuration from config.json and applies environment overrides.
// A missing file is not an error; the defaults are used instead.
func LoadConfig(filename string) (models.Config, error) {
	config := DefaultConfig()

	configFile, err := os.Open(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// ファイルが無ければデフォルト値と環境変数のみ
	case err != nil:
		return config, err
	default:
		defer configFile.Close()
		jsonParser := json.NewDecoder(configFile)
		if err := jsonParser.Decode(&config); err != nil {
			return config, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
		}
	}

	if err := applyEnv(&config); err != nil {
		return config, err
	}
	if _, err := config.IdleTTL(); err != nil {
		return config, err
	}
	return config, nil
}

// 環境変数で設定を上書きする
func applyEnv(config *models.Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("PORT", &config.Port)
	setString("LOG_LEVEL", &config.LogLevel)
	setString("JWT_SECRET", &config.JWTSecret)
	setString("ROOM_IDLE_TTL", &config.RoomIdleTTL)
	setString("DB_HOST", &config.DBHost)
	setString("DB_USER", &config.DBUser)
	setString("DB_PASSWORD", &config.DBPassword)
	setString("DB_NAME", &config.DBName)
	setString("DB_SSLMODE", &config.DBSSLMode)
	setString("REDIS_ADDR", &config.RedisAddr)
	setString("REDIS_PASSWORD", &config.RedisPassword)

	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		config.AllowedOrigins = origins
	}
	if v, ok := os.LookupEnv("REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		config.RedisDB = db
	}
	if v, ok := os.LookupEnv("MATCH_RETENTION_DAYS"); ok {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MATCH_RETENTION_DAYS %q: %w", v, err)
		}
		config.MatchRetentionDays = days
	}
	return nil
}

func InitPostgreSQL(config models.Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s dbname=%s password=%s sslmode=%s",
		config.DBHost, config.DBUser, config.DBName, config.DBPassword, config.DBSSLMode)

	const maxRetries = 3
	const retryInterval = 5 * time.Second
	var err error
	for i := 0; i <= maxRetries; i++ {
		var gormDB *gorm.DB
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err == nil {
			// 試合履歴テーブルを作成・更新
			if err := gormDB.AutoMigrate(&models.MatchRecord{}); err != nil {
				return nil, fmt.Errorf("マイグレーションに失敗しました: %w", err)
			}
			logger.Info("Connected to PostgreSQL", zap.String("host", config.DBHost))
			return gormDB, nil
		}
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
}

func InitRedis(config models.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Redisへの接続テスト
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", config.RedisAddr))
	return rdb, nil
}
