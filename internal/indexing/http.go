package indexing

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/repo-indexer/internal/status"
)

// Dispatcher はインデックスジョブをワークキューへ投入できる実装が満たします。
// maxConcurrent が0以下の場合は実装側のデフォルトが使われます。
type Dispatcher interface {
	DispatchRepository(taskID string, job Job) error
	DispatchBatch(taskID string, jobs []Job, maxConcurrent int) error
}

// IndexRepositoryRequest は POST /index/repository のリクエストボディです。
type IndexRepositoryRequest struct {
	RepositoryName string `json:"repository_name" binding:"required"`
	RepositoryPath string `json:"repository_path"`
}

// IndexUpdateRequest は POST /index/update のリクエストボディです。
type IndexUpdateRequest struct {
	RepositoryName string   `json:"repository_name" binding:"required"`
	RepositoryPath string   `json:"repository_path"`
	ChangedFiles   []string `json:"changed_files" binding:"required"`
}

// IndexBulkRequest は POST /index/bulk のリクエストボディです。
// max_concurrent を省略すると設定のデフォルト値が使われます。
type IndexBulkRequest struct {
	Repositories  []IndexRepositoryRequest `json:"repositories" binding:"required,min=1"`
	MaxConcurrent int                      `json:"max_concurrent"`
}

// Handler はインデックス投入系エンドポイントのハンドラー群です。
type Handler struct {
	manager      *status.UpdateManager
	dispatcher   Dispatcher
	workspaceDir string
	log          *zap.Logger
}

// NewHandler は Handler を作成します。workspaceDir はリクエストで
// repository_path が省略された場合の解決先です。
func NewHandler(manager *status.UpdateManager, dispatcher Dispatcher, workspaceDir string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		manager:      manager,
		dispatcher:   dispatcher,
		workspaceDir: workspaceDir,
		log:          log,
	}
}

// IndexRepository は POST /index/repository のハンドラーです。
// タスクレコードを作成してジョブをキューへ投入し、即座に受付応答を返します。
func (h *Handler) IndexRepository(c *gin.Context) {
	var req IndexRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "repository_name を指定してください。",
		})
		return
	}

	job := Job{
		RepositoryName: req.RepositoryName,
		RepositoryPath: h.resolvePath(req.RepositoryName, req.RepositoryPath),
	}
	taskID := NewTaskID(req.RepositoryName, time.Now().UTC())

	record := status.NewTaskRecord(taskID, NewRunID(), req.RepositoryName, time.Now().UTC())
	if err := h.manager.Create(c.Request.Context(), record); err != nil {
		h.log.Warn("タスクレコードの作成に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
	}

	if err := h.dispatcher.DispatchRepository(taskID, job); err != nil {
		h.log.Error("ジョブの投入に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "QUEUE_ERROR",
			"message": "インデックスジョブの投入に失敗しました。",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":          taskID,
		"repository_name":  req.RepositoryName,
		"status":           status.StatusInProgress,
		"progress":         0.0,
		"processed_files":  0,
		"generated_chunks": 0,
		"processing_time":  0.0,
	})
}

// IndexUpdate は POST /index/update のハンドラーです。
// 変更ファイルのみを対象にした差分インデックスジョブを投入します。
func (h *Handler) IndexUpdate(c *gin.Context) {
	var req IndexUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "repository_name と changed_files を指定してください。",
		})
		return
	}

	job := Job{
		RepositoryName: req.RepositoryName,
		RepositoryPath: h.resolvePath(req.RepositoryName, req.RepositoryPath),
		Incremental:    true,
		ChangedFiles:   req.ChangedFiles,
	}
	taskID := NewTaskID(req.RepositoryName, time.Now().UTC())

	record := status.NewTaskRecord(taskID, NewRunID(), req.RepositoryName, time.Now().UTC())
	if err := h.manager.Create(c.Request.Context(), record); err != nil {
		h.log.Warn("タスクレコードの作成に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
	}

	if err := h.dispatcher.DispatchRepository(taskID, job); err != nil {
		h.log.Error("ジョブの投入に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "QUEUE_ERROR",
			"message": "インデックスジョブの投入に失敗しました。",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":         taskID,
		"repository_name": req.RepositoryName,
		"status":          status.StatusInProgress,
		"changed_files":   len(req.ChangedFiles),
	})
}

// IndexBulk は POST /index/bulk のハンドラーです。
// 集約タスクレコードを作成して一括ジョブをキューへ投入し、202を返します。
func (h *Handler) IndexBulk(c *gin.Context) {
	var req IndexBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "repositories を1件以上指定してください。",
		})
		return
	}

	jobs := make([]Job, 0, len(req.Repositories))
	for _, repo := range req.Repositories {
		if strings.TrimSpace(repo.RepositoryName) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "repository_name が空のエントリが含まれています。",
			})
			return
		}
		jobs = append(jobs, Job{
			RepositoryName: repo.RepositoryName,
			RepositoryPath: h.resolvePath(repo.RepositoryName, repo.RepositoryPath),
		})
	}

	taskID := NewTaskID("bulk", time.Now().UTC())
	record := status.NewTaskRecord(taskID, NewRunID(),
		fmt.Sprintf("batch (%d repositories)", len(jobs)), time.Now().UTC())
	if err := h.manager.Create(c.Request.Context(), record); err != nil {
		h.log.Warn("集約タスクレコードの作成に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
	}

	if err := h.dispatcher.DispatchBatch(taskID, jobs, req.MaxConcurrent); err != nil {
		h.log.Error("一括ジョブの投入に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "QUEUE_ERROR",
			"message": "一括インデックスジョブの投入に失敗しました。",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":            taskID,
		"total_repositories": len(jobs),
		"status":             "started",
	})
}

func (h *Handler) resolvePath(name, path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(h.workspaceDir, name)
}
