// Package jobs はインデックスジョブのキュー投入とワーカー実行を担います。
// キューには Asynq を使い、ジョブの進捗・結果は status パッケージの
// タスクレコードに記録されます。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/repo-indexer/internal/config"
	"github.com/yourusername/repo-indexer/internal/indexing"
)

const (
	taskTypeRepository = "index:repository"
	taskTypeBulk       = "index:bulk"

	queueIndexing = "indexing"
)

// RepositoryPayload は単一リポジトリジョブのペイロードです。
type RepositoryPayload struct {
	TaskID string       `json:"task_id"`
	Job    indexing.Job `json:"job"`
}

// BulkPayload は一括ジョブのペイロードです。
type BulkPayload struct {
	TaskID        string         `json:"task_id"`
	Jobs          []indexing.Job `json:"jobs"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
}

// Manager はジョブの投入とワーカーの起動・停止を担います。
// indexing.Dispatcher を実装し、HTTPハンドラーからの投入を受け付けます。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	runner    *indexing.TaskRunner
	scheduler *indexing.BatchScheduler
	log       *zap.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner *indexing.TaskRunner, scheduler *indexing.BatchScheduler, log *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queueIndexing: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		mux:       mux,
		runner:    runner,
		scheduler: scheduler,
		log:       log,
	}
	mux.HandleFunc(taskTypeRepository, manager.handleRepositoryTask)
	mux.HandleFunc(taskTypeBulk, manager.handleBulkTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.log.Error("asynqサーバーが異常終了しました", zap.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// DispatchRepository は単一リポジトリジョブをキューへ投入します。
func (m *Manager) DispatchRepository(taskID string, job indexing.Job) error {
	if taskID == "" {
		return fmt.Errorf("taskID is required")
	}
	body, err := json.Marshal(RepositoryPayload{TaskID: taskID, Job: job})
	if err != nil {
		return err
	}
	// 途中まで進んだジョブの再実行はステージ履歴を壊すため、リトライしません
	task := asynq.NewTask(taskTypeRepository, body, asynq.Queue(queueIndexing))
	_, err = m.client.Enqueue(task, asynq.MaxRetry(0))
	return err
}

// DispatchBatch は一括ジョブをキューへ投入します。
func (m *Manager) DispatchBatch(taskID string, jobs []indexing.Job, maxConcurrent int) error {
	if taskID == "" {
		return fmt.Errorf("taskID is required")
	}
	body, err := json.Marshal(BulkPayload{TaskID: taskID, Jobs: jobs, MaxConcurrent: maxConcurrent})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeBulk, body, asynq.Queue(queueIndexing))
	_, err = m.client.Enqueue(task, asynq.MaxRetry(0))
	return err
}

func (m *Manager) handleRepositoryTask(ctx context.Context, task *asynq.Task) error {
	var payload RepositoryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.TaskID == "" {
		return fmt.Errorf("missing task_id in payload")
	}
	// 失敗はタスクレコードに記録済みなので、Asynq側には成功として返します
	if err := m.runner.Run(ctx, payload.TaskID, payload.Job); err != nil {
		m.log.Warn("インデックスジョブが失敗しました",
			zap.String("task_id", payload.TaskID), zap.Error(err))
	}
	return nil
}

func (m *Manager) handleBulkTask(ctx context.Context, task *asynq.Task) error {
	var payload BulkPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.TaskID == "" {
		return fmt.Errorf("missing task_id in payload")
	}
	if err := m.scheduler.Run(ctx, payload.TaskID, payload.Jobs, payload.MaxConcurrent); err != nil {
		m.log.Warn("一括インデックスジョブが失敗しました",
			zap.String("task_id", payload.TaskID), zap.Error(err))
	}
	return nil
}
