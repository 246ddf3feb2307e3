package status

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const storeUnavailableWarning = "ステータスストアに接続できないため、タスク一覧を取得できませんでした。"

// TaskSummary は一覧表示用に絞り込んだタスク情報です。
type TaskSummary struct {
	TaskID          string    `json:"task_id"`
	RepositoryName  string    `json:"repository_name"`
	Status          Status    `json:"status"`
	CurrentStage    Stage     `json:"current_stage"`
	OverallProgress float64   `json:"overall_progress"`
	ProcessedFiles  int       `json:"processed_files"`
	GeneratedChunks int       `json:"generated_chunks"`
	StartedAt       time.Time `json:"started_at"`
	ErrorsCount     int       `json:"errors_count"`
	WarningsCount   int       `json:"warnings_count"`
}

// ListHandler は GET /index/status のハンドラーを返します。
// ストアに到達できない場合でも5xxにはせず、空の一覧と warning を返します。
func ListHandler(store *Store, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		records, err := store.List(c.Request.Context())
		if err != nil {
			log.Warn("タスク一覧の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"tasks":     []TaskSummary{},
				"total":     0,
				"warning":   storeUnavailableWarning,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		summaries := make([]TaskSummary, 0, len(records))
		for _, record := range records {
			summaries = append(summaries, TaskSummary{
				TaskID:          record.TaskID,
				RepositoryName:  record.RepositoryName,
				Status:          record.Status,
				CurrentStage:    record.CurrentStage,
				OverallProgress: record.OverallProgress,
				ProcessedFiles:  record.ProcessedFiles,
				GeneratedChunks: record.GeneratedChunks,
				StartedAt:       record.StartedAt,
				ErrorsCount:     len(record.Errors),
				WarningsCount:   len(record.Warnings),
			})
		}
		sort.Slice(summaries, func(i, j int) bool {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		})

		c.JSON(http.StatusOK, gin.H{
			"tasks":     summaries,
			"total":     len(summaries),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// DetailHandler は GET /index/status/:task_id のハンドラーを返します。
// タスクが存在しない場合は404、ストア障害時は warning 付きの200を返します。
func DetailHandler(store *Store, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		taskID := strings.TrimSpace(c.Param("task_id"))
		if taskID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "task_id を指定してください。",
			})
			return
		}

		record, err := store.Get(c.Request.Context(), taskID)
		if err != nil {
			log.Warn("タスク詳細の取得に失敗しました",
				zap.String("task_id", taskID), zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"task_id": taskID,
				"warning": storeUnavailableWarning,
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "TASK_NOT_FOUND",
				"message": "指定されたタスクは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}

// LogsHandler は GET /index/status/:task_id/logs のハンドラーを返します。
// stage_history・errors・warnings から組み立てたログビューを返します。
func LogsHandler(store *Store, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		taskID := strings.TrimSpace(c.Param("task_id"))
		level := LogLevel(strings.ToLower(strings.TrimSpace(c.Query("level"))))

		record, err := store.Get(c.Request.Context(), taskID)
		if err != nil {
			log.Warn("タスクログの取得に失敗しました",
				zap.String("task_id", taskID), zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"task_id": taskID,
				"logs":    []LogEntry{},
				"total":   0,
				"warning": storeUnavailableWarning,
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "TASK_NOT_FOUND",
				"message": "指定されたタスクは存在しません。",
			})
			return
		}

		entries := BuildLogView(record, level)
		c.JSON(http.StatusOK, gin.H{
			"task_id": taskID,
			"logs":    entries,
			"total":   len(entries),
		})
	}
}

// StageMetricsHandler は GET /index/metrics/stages のハンドラーを返します。
func StageMetricsHandler(store *Store, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		records, err := store.List(c.Request.Context())
		if err != nil {
			log.Warn("ステージ集計の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"stages":    []StageMetrics{},
				"warning":   storeUnavailableWarning,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		metrics := AggregateStageMetrics(records)
		if metrics == nil {
			metrics = []StageMetrics{}
		}
		c.JSON(http.StatusOK, gin.H{
			"stages":    metrics,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
