// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/repo-indexer/internal/config"
	"github.com/yourusername/repo-indexer/internal/indexing"
	"github.com/yourusername/repo-indexer/internal/jobs"
	"github.com/yourusername/repo-indexer/internal/logger"
	"github.com/yourusername/repo-indexer/internal/status"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	zl, err := logger.New(cfg.GinMode != gin.ReleaseMode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	// ステータスストア用Redisクライアント
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		zl.Fatal("REDIS_URLの解析に失敗しました", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	store := status.NewStore(rdb, cfg.StatusTTL)
	pingRedis(store, zl)

	hub := status.NewHub(zl)
	manager := status.NewUpdateManager(store, hub, zl)

	pipeline := indexing.NewLocalPipeline()
	runner := indexing.NewTaskRunner(manager, pipeline, zl)
	scheduler := indexing.NewBatchScheduler(manager, runner, cfg.MaxConcurrentDefault, zl)

	jobManager, err := jobs.NewManager(cfg, runner, scheduler, zl)
	if err != nil {
		zl.Fatal("ジョブマネージャーの初期化に失敗しました", zap.Error(err))
	}
	jobManager.StartWorkers()

	// 終了済みタスクの定期掃除（TTLの保険。無効化可能）
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.CleanupInterval > 0 {
		go runCleanupLoop(rootCtx, store, cfg.CleanupInterval, zl)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, store, manager, hub, jobManager, zl)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		zl.Info("APIサーバーを起動します",
			zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("サーバーの起動に失敗しました", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	zl.Info("シャットダウンします")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := jobManager.Shutdown(shutdownCtx); err != nil {
		zl.Warn("ジョブマネージャーの停止に失敗しました", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("HTTPサーバーの停止に失敗しました", zap.Error(err))
	}
}

// pingRedis は起動時のRedis疎通確認を指数バックオフ付きで行います。
// 到達できなくても起動は続行します（ストア障害時は縮退運転）。
func pingRedis(store *status.Store, zl *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, store.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		zl.Warn("Redisに接続できません。ステータスは縮退応答になります", zap.Error(err))
		return
	}
	zl.Info("Redisへの接続を確認しました")
}

// runCleanupLoop は終了済みタスクのレコードを定期的に削除します。
func runCleanupLoop(ctx context.Context, store *status.Store, interval time.Duration, zl *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupTerminal(ctx, interval)
			if err != nil {
				zl.Warn("終了済みタスクの掃除に失敗しました", zap.Error(err))
				continue
			}
			if removed > 0 {
				zl.Info("終了済みタスクを削除しました", zap.Int("removed", removed))
			}
		}
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "repo-indexer-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API の配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, store *status.Store,
	manager *status.UpdateManager, hub *status.Hub, dispatcher indexing.Dispatcher, zl *zap.Logger) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	indexHandler := indexing.NewHandler(manager, dispatcher, cfg.WorkspaceDir, zl)

	index := router.Group("/index")
	{
		index.POST("/repository", indexHandler.IndexRepository)
		index.POST("/update", indexHandler.IndexUpdate)
		index.POST("/bulk", indexHandler.IndexBulk)

		index.GET("/status", status.ListHandler(store, zl))
		index.GET("/status/:task_id", status.DetailHandler(store, zl))
		index.GET("/status/:task_id/logs", status.LogsHandler(store, zl))
		index.GET("/status/:task_id/stream", status.StreamHandler(manager, hub, cfg.HeartbeatInterval, zl))

		index.GET("/metrics/stages", status.StageMetricsHandler(store, zl))
	}
}
