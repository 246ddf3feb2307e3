package status

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Broadcaster はタスク単位の購読者へメッセージを配信できる実装が満たします。
// 配信の失敗は実装側で握りつぶされ、呼び出し元には伝播しません。
type Broadcaster interface {
	Publish(taskID string, message Message)
}

// UpdateManager はタスクレコードの更新と購読者への通知を仲介します。
// すべての更新は「保存してから配信」の順で行われるため、プッシュ通知を
// 受け取った購読者がストアを再取得しても古いデータを読むことはありません。
//
// ストアへの書き込み失敗はログに記録して握りつぶします。状態更新の失敗が
// パイプライン本体を止めることはありません。
type UpdateManager struct {
	store *Store
	hub   Broadcaster
	log   *zap.Logger
}

// NewUpdateManager は UpdateManager を作成します。hub は nil でも構いません。
func NewUpdateManager(store *Store, hub Broadcaster, log *zap.Logger) *UpdateManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &UpdateManager{
		store: store,
		hub:   hub,
		log:   log,
	}
}

// Create は新しいタスクレコードを保存し、購読者へ通知します。
func (m *UpdateManager) Create(ctx context.Context, record *TaskRecord) error {
	if err := m.store.Set(ctx, record); err != nil {
		m.log.Warn("タスクレコードの作成に失敗しました",
			zap.String("task_id", record.TaskID), zap.Error(err))
		return err
	}
	m.broadcast(record)
	return nil
}

// Get はレコードを取得します。存在しない場合は (nil, nil) です。
func (m *UpdateManager) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	return m.store.Get(ctx, taskID)
}

// UpdateTaskStatus はレコードの一部フィールドをマージ更新して配信します。
// タスクが存在しない場合は何もしません。同じ mutate を複数回適用しても
// 最終状態は変わりません（リトライに対して冪等）。
func (m *UpdateManager) UpdateTaskStatus(ctx context.Context, taskID string, mutate func(*TaskRecord)) *TaskRecord {
	return m.apply(ctx, taskID, mutate)
}

// AddStageProgress は新しいステージに遷移します。開いているステージは閉じられ、
// 新しい StageProgress エントリが追記されます。
func (m *UpdateManager) AddStageProgress(ctx context.Context, taskID string, stage Stage, totalItems int, overallProgress float64) *TaskRecord {
	now := time.Now().UTC()
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.BeginStage(stage, totalItems, now)
		r.SetProgress(overallProgress)
	})
}

// UpdateStageProgress は開いているステージの進捗と全体進捗を更新します。
func (m *UpdateManager) UpdateStageProgress(ctx context.Context, taskID string, stagePercent float64, operation string, processedItems int, overallProgress float64) *TaskRecord {
	now := time.Now().UTC()
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.UpdateStageProgress(stagePercent, operation, processedItems, now)
		r.SetProgress(overallProgress)
	})
}

// CompleteStage は開いているステージを100%で閉じます。
func (m *UpdateManager) CompleteStage(ctx context.Context, taskID string) *TaskRecord {
	now := time.Now().UTC()
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.CompleteOpenStage(now)
	})
}

// AddError はタスクの現在のステージをタグ付けしてエラーを追記します。
func (m *UpdateManager) AddError(ctx context.Context, taskID string, errType ErrorType, message, filePath string, recoverable bool) *TaskRecord {
	now := time.Now().UTC()
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.AddError(IndexingError{
			ErrorType:    errType,
			ErrorMessage: message,
			FilePath:     filePath,
			Timestamp:    now,
			Recoverable:  recoverable,
		})
	})
}

// AddWarning は警告を追記します。
func (m *UpdateManager) AddWarning(ctx context.Context, taskID, message string) *TaskRecord {
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.AddWarning(message)
	})
}

// MarkCompleted はタスクを completed 終端状態にして配信します。
func (m *UpdateManager) MarkCompleted(ctx context.Context, taskID string) *TaskRecord {
	now := time.Now().UTC()
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.MarkCompleted(now)
	})
}

// MarkFailed はタスクを failed 終端状態にして配信します。
func (m *UpdateManager) MarkFailed(ctx context.Context, taskID, errMsg string) *TaskRecord {
	now := time.Now().UTC()
	return m.apply(ctx, taskID, func(r *TaskRecord) {
		r.MarkFailed(errMsg, now)
	})
}

// apply はCAS更新を実行し、成功時に更新後レコードを配信します。
// ストア障害時は nil を返します（degrade-and-log）。
func (m *UpdateManager) apply(ctx context.Context, taskID string, mutate func(*TaskRecord)) *TaskRecord {
	record, err := m.store.Update(ctx, taskID, mutate)
	if err != nil {
		m.log.Warn("タスク状態の更新に失敗しました",
			zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	if record == nil {
		// タスクが存在しない（TTL失効済み等）。更新は no-op。
		return nil
	}
	m.broadcast(record)
	return record
}

// BroadcastStatusUpdate はレコードを購読者へ配信します。
// 個々の購読者への配信失敗は Hub 側で処理され、ここには伝播しません。
func (m *UpdateManager) BroadcastStatusUpdate(record *TaskRecord) {
	m.broadcast(record)
}

func (m *UpdateManager) broadcast(record *TaskRecord) {
	if m.hub == nil || record == nil {
		return
	}
	m.hub.Publish(record.TaskID, Message{
		Type: MessageStatusUpdate,
		Data: record,
	})
}
