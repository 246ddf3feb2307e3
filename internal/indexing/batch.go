package indexing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/repo-indexer/internal/status"
)

// BatchScheduler は複数リポジトリのインデックス処理を同時実行数の上限付きで
// 実行します。個々のリポジトリの失敗は集約タスクを止めず、回復可能な
// repository_error として集約レコードに記録されます（隔壁方式）。
type BatchScheduler struct {
	manager       *status.UpdateManager
	runner        *TaskRunner
	maxConcurrent int
	log           *zap.Logger
}

// NewBatchScheduler は BatchScheduler を作成します。
// maxConcurrent が0以下の場合は1として扱います。
func NewBatchScheduler(manager *status.UpdateManager, runner *TaskRunner, maxConcurrent int, log *zap.Logger) *BatchScheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchScheduler{
		manager:       manager,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		log:           log,
	}
}

// Run は一括ジョブを実行します。batchTaskID は集約タスクのIDで、
// 子タスクのレコードはリポジトリごとに新規作成されます。
// maxConcurrent が正の場合は既定の同時実行数を上書きします。
// すべての子が終端に達した後、集約タスクは必ず completed になります
// （子の失敗は集約の失敗ではありません）。
func (s *BatchScheduler) Run(ctx context.Context, batchTaskID string, jobs []Job, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = s.maxConcurrent
	}
	log := s.log.With(zap.String("task_id", batchTaskID), zap.Int("repositories", len(jobs)))

	record, err := s.manager.Get(ctx, batchTaskID)
	if err != nil {
		log.Warn("集約タスクレコードの取得に失敗しました", zap.Error(err))
	}
	if record == nil {
		record = status.NewTaskRecord(batchTaskID, NewRunID(),
			fmt.Sprintf("batch (%d repositories)", len(jobs)), time.Now().UTC())
		if err := s.manager.Create(ctx, record); err != nil {
			log.Warn("集約タスクレコードの作成に失敗しました", zap.Error(err))
		}
	}

	if len(jobs) == 0 {
		s.manager.MarkCompleted(ctx, batchTaskID)
		return nil
	}

	log.Info("一括インデックス処理を開始します", zap.Int("max_concurrent", maxConcurrent))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, job := range jobs {
		g.Go(func() error {
			childID := fmt.Sprintf("%s-r%d", batchTaskID, i+1)
			child := status.NewTaskRecord(childID, NewRunID(), job.RepositoryName, time.Now().UTC())
			if err := s.manager.Create(gctx, child); err != nil {
				s.log.Warn("子タスクレコードの作成に失敗しました",
					zap.String("task_id", childID), zap.Error(err))
			}

			runErr := s.runner.Run(gctx, childID, job)
			s.recordChildResult(gctx, batchTaskID, job.RepositoryName, len(jobs), runErr)
			// 隔壁: 個々の失敗をグループへ返すと残りのジョブが
			// キャンセルされてしまうため、ここでは常に nil を返します
			return nil
		})
	}
	g.Wait()

	s.manager.MarkCompleted(ctx, batchTaskID)
	log.Info("一括インデックス処理が完了しました")
	return nil
}

// recordChildResult は子タスク1件の結果を集約レコードへ反映します。
// processed_files は完了したリポジトリ数として使い、全体進捗は
// 終端遷移前に100へ達しないよう99で頭打ちにします。
func (s *BatchScheduler) recordChildResult(ctx context.Context, batchTaskID, repositoryName string, total int, runErr error) {
	s.manager.UpdateTaskStatus(ctx, batchTaskID, func(r *status.TaskRecord) {
		r.ProcessedFiles++
		progress := float64(r.ProcessedFiles) / float64(total) * 100
		if progress > 99 {
			progress = 99
		}
		r.SetProgress(progress)
		if runErr != nil {
			r.AddError(status.IndexingError{
				ErrorType:    status.ErrorTypeRepository,
				ErrorMessage: fmt.Sprintf("%s: %v", repositoryName, runErr),
				Recoverable:  true,
			})
		}
	})
}
