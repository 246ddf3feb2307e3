// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ステータスストア設定
	RedisURL        string        // タスク状態保存用Redis接続URL
	StatusTTL       time.Duration // タスク状態レコードの有効期限（最終書き込みから起算）
	CleanupInterval time.Duration // 終了済みタスクの掃除間隔（0で無効）

	// ストリーミング設定
	HeartbeatInterval time.Duration // 受信が途絶えた購読者へのハートビート間隔

	// ジョブ/キュー設定
	QueueRedisURL        string // Asynq用Redis接続URL
	WorkerConcurrency    int    // Asynqワーカーの並列数
	MaxConcurrentDefault int    // 一括インデックスのデフォルト並列数

	// インデックス処理設定
	WorkspaceDir string // リポジトリ作業ディレクトリのルート
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ステータスストア設定
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		StatusTTL:       time.Duration(getEnvAsInt("STATUS_TTL_SECONDS", 3600)) * time.Second,
		CleanupInterval: time.Duration(getEnvAsInt("CLEANUP_INTERVAL_SECONDS", 0)) * time.Second,

		// ストリーミング設定
		HeartbeatInterval: time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 60)) * time.Second,

		// ジョブ/キュー設定
		QueueRedisURL:        getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency:    getEnvAsInt("WORKER_CONCURRENCY", 4),
		MaxConcurrentDefault: getEnvAsInt("MAX_CONCURRENT_DEFAULT", 3),

		// インデックス処理設定
		WorkspaceDir: getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "repo-indexer")),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.StatusTTL <= 0 {
		return fmt.Errorf("STATUS_TTL_SECONDS must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.MaxConcurrentDefault <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_DEFAULT must be positive")
	}

	// ローカル開発ではRedis設定は任意、本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
