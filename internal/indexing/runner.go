package indexing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/repo-indexer/internal/status"
)

// stageBand はステージごとの全体進捗の割り当て範囲です。
// ステージ内の進捗（0-100%）をこの範囲に射影して全体進捗を算出します。
// 100 は終端遷移（MarkCompleted）でのみ到達します。
var stageBand = map[status.Stage][2]float64{
	status.StageQueued:     {0, 5},
	status.StageCloning:    {5, 15},
	status.StageAnalyzing:  {5, 15},
	status.StageParsing:    {15, 45},
	status.StageEmbedding:  {45, 70},
	status.StageStoring:    {70, 90},
	status.StageValidating: {90, 99},
}

func overallProgress(stage status.Stage, stagePercent float64) float64 {
	band, ok := stageBand[stage]
	if !ok {
		return 0
	}
	if stagePercent < 0 {
		stagePercent = 0
	}
	if stagePercent > 100 {
		stagePercent = 100
	}
	return band[0] + (band[1]-band[0])*stagePercent/100
}

var taskIDSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// NewTaskID はリポジトリ名と投入時刻からタスクIDを生成します。
// 例: my-repo-20260831-142530
func NewTaskID(repositoryName string, now time.Time) string {
	name := taskIDSanitizer.ReplaceAllString(strings.ToLower(repositoryName), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "repository"
	}
	return fmt.Sprintf("%s-%s", name, now.UTC().Format("20060102-150405"))
}

// NewRunID は相関用の不透明IDを生成します。
func NewRunID() string {
	return uuid.New().String()
}

// TaskRunner は1件分のパイプライン実行をステージ遷移・エラー記録・
// 最終状態の書き込みで包みます。実行中のタスクに外部からの中断手段はなく、
// 完了か失敗まで走り切ります。
type TaskRunner struct {
	manager  *status.UpdateManager
	pipeline Pipeline
	log      *zap.Logger
}

// NewTaskRunner は TaskRunner を作成します。
func NewTaskRunner(manager *status.UpdateManager, pipeline Pipeline, log *zap.Logger) *TaskRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskRunner{
		manager:  manager,
		pipeline: pipeline,
		log:      log,
	}
}

// Run はジョブを実行します。成功・失敗・パニックのいずれで終わっても、
// 開いたままのステージは必ず閉じられ、タスクは終端状態になります。
// 戻り値のエラーはタスク状態に記録済みで、呼び出し元での再処理は不要です。
func (r *TaskRunner) Run(ctx context.Context, taskID string, job Job) (runErr error) {
	log := r.log.With(zap.String("task_id", taskID),
		zap.String("repository", job.RepositoryName))

	record, err := r.manager.Get(ctx, taskID)
	if err != nil {
		log.Warn("タスクレコードの取得に失敗しました。新規作成して続行します", zap.Error(err))
	}
	if record == nil {
		// 投入時のレコードがTTL失効等で消えている場合は作り直します
		record = status.NewTaskRecord(taskID, NewRunID(), job.RepositoryName, time.Now().UTC())
		if err := r.manager.Create(ctx, record); err != nil {
			log.Warn("タスクレコードの再作成に失敗しました", zap.Error(err))
		}
	}
	startedAt := record.StartedAt

	defer func() {
		if p := recover(); p != nil {
			message := fmt.Sprintf("panic: %v", p)
			log.Error("パイプライン実行中にパニックが発生しました", zap.Any("panic", p))
			r.manager.AddError(ctx, taskID, status.ErrorTypeUnexpected, message, "", false)
			r.manager.MarkFailed(ctx, taskID, message)
			runErr = fmt.Errorf("pipeline panicked: %v", p)
		}
	}()

	log.Info("インデックス処理を開始します")
	result, err := r.pipeline.Run(ctx, job, r.progressReporter(ctx, taskID))
	if err != nil {
		log.Warn("インデックス処理が失敗しました", zap.Error(err))
		r.manager.AddError(ctx, taskID, status.ErrorTypeProcessing, err.Error(), "", false)
		r.manager.MarkFailed(ctx, taskID, err.Error())
		return err
	}

	// 経過時間は最低1秒として扱い、瞬時に終わるタスクでのゼロ除算を避けます
	elapsed := time.Since(startedAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}

	r.manager.UpdateTaskStatus(ctx, taskID, func(rec *status.TaskRecord) {
		rec.ProcessedFiles = result.ProcessedFiles
		rec.GeneratedChunks = result.GeneratedChunks
		rec.StoredChunks = result.StoredChunks
		rec.FilesPerSecond = float64(result.ProcessedFiles) / elapsed
		rec.ChunksPerSecond = float64(result.GeneratedChunks) / elapsed
		rec.MarkCompleted(time.Now().UTC())
	})

	log.Info("インデックス処理が完了しました",
		zap.Int("processed_files", result.ProcessedFiles),
		zap.Int("generated_chunks", result.GeneratedChunks))
	return nil
}

// progressReporter はパイプラインからの進捗通知を状態更新へ変換します。
// 報告されたステージが前回と異なる場合は新しいステージへの遷移として
// StageProgress エントリを追記し、同じ場合は開いているエントリを更新します。
func (r *TaskRunner) progressReporter(ctx context.Context, taskID string) ProgressReporter {
	var current status.Stage
	return func(stage status.Stage, percent float64, operation string, processedItems, totalItems int) {
		overall := overallProgress(stage, percent)
		if stage != current {
			current = stage
			r.manager.AddStageProgress(ctx, taskID, stage, totalItems, overall)
			if percent <= 0 && operation == "" {
				return
			}
		}
		r.manager.UpdateStageProgress(ctx, taskID, percent, operation, processedItems, overall)
	}
}
