package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dodgeserver/database"            //設定の読み込みとPostgreSQL・Redisの初期化
	"dodgeserver/dodgeball"           //WebSocketの入口
	"dodgeserver/dodgeball/broadcast" //接続への送信
	dodgedb "dodgeserver/dodgeball/database"
	"dodgeserver/dodgeball/gateway"  //メッセージの振り分け
	"dodgeserver/dodgeball/registry" //ルーム管理
	"dodgeserver/middlewares"        //ゲストトークンの検証
	"dodgeserver/screens"            //HTTP API
	"dodgeserver/utils"              //ロガーの初期化とCronジョブ

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	config, err := database.LoadConfig("config.json")
	if err != nil {
		panic(err) // 設定が読めない場合はプログラム停止
	}

	logger, err := utils.InitLogger(config.LogLevel) // ロガーの初期化
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // ロガーのクリーンアップ

	idleTTL, _ := config.IdleTTL() // LoadConfigで検証済み

	secret := []byte(config.JWTSecret)
	if len(secret) == 0 {
		// 再起動で既存のゲストトークンは無効になる
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatal("Failed to generate JWT secret", zap.Error(err))
		}
		logger.Warn("JWT_SECRET is not set, using a random secret")
	}

	reg := registry.New(logger)
	hub := broadcast.NewHub(logger)
	opts := []gateway.Option{}

	// PostgreSQL（試合履歴）は設定されている場合のみ
	var matches *database.MatchStore
	if config.DatabaseEnabled() {
		db, err := database.InitPostgreSQL(config, logger)
		if err != nil {
			logger.Fatal("PostgreSQLの初期化に失敗しました", zap.Error(err))
		}
		matches = database.NewMatchStore(db, logger)
		opts = append(opts, gateway.WithMatchRecorder(matches))
	}

	// Redis（再接続用のセッション情報）は設定されている場合のみ
	var sessions screens.SessionCounter
	if config.RedisEnabled() {
		rdb, err := database.InitRedis(config, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Redis", zap.Error(err))
		}
		defer rdb.Close()
		store := dodgedb.NewRedisSessionStore(rdb, logger)
		sessions = store
		opts = append(opts, gateway.WithSessionStore(store))
	}

	gw := gateway.New(reg, hub, logger, opts...)

	// クーロンスケジューラのセットアップと呼び出し
	var purger utils.MatchPurger
	if matches != nil {
		purger = matches
	}
	retention := time.Duration(config.MatchRetentionDays) * 24 * time.Hour
	scheduler, err := utils.CronCleaner(gw, idleTTL, purger, retention, logger)
	if err != nil {
		logger.Fatal("Failed to start cron jobs", zap.Error(err))
	}
	defer scheduler.Stop()

	upgrader := dodgeball.NewUpgrader(config.AllowedOrigins)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	//リクエストロガーを起動
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	router.Use(cors.New(corsConfig(config.AllowedOrigins)))

	//各HTTPリクエストのルーティング
	router.GET("/health", func(c *gin.Context) {
		screens.Health(c, reg, hub.Count, sessions, logger)
	})
	router.GET("/rooms", func(c *gin.Context) {
		screens.RoomList(c, reg, logger)
	})
	router.GET("/rooms/:code", func(c *gin.Context) {
		screens.RoomInfo(c, reg, logger)
	})
	router.POST("/auth/guest", func(c *gin.Context) {
		screens.GuestToken(c, secret, logger)
	})
	if matches != nil {
		router.GET("/matches", func(c *gin.Context) {
			screens.MatchHistory(c, matches, logger)
		})
	}
	router.GET("/ws", middlewares.GuestAuth(secret, logger), func(c *gin.Context) {
		guest, _ := middlewares.GuestFromContext(c)
		dodgeball.HandleConnections(c.Request.Context(), c.Writer, c.Request, gw, guest, upgrader, logger)
	})

	srv := &http.Server{
		Addr:    ":" + config.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to run HTTP server", zap.Error(err))
		}
	}()

	// SIGINT/SIGTERMで停止
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			origins = nil
			break
		}
	}
	if len(origins) == 0 {
		// 全オリジン許可の場合はCookieを送らせない
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
