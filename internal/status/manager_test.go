package status

import (
	"context"
	"sync"
	"testing"
	"time"
)

// captureBroadcaster は配信されたメッセージを記録するテスト用 Broadcaster です。
type captureBroadcaster struct {
	mu       sync.Mutex
	messages []Message
}

func (b *captureBroadcaster) Publish(taskID string, message Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, message)
}

func (b *captureBroadcaster) all() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

func newTestManager(t *testing.T) (*UpdateManager, *Store, *captureBroadcaster) {
	t.Helper()
	store, _ := newTestStore(t)
	hub := &captureBroadcaster{}
	return NewUpdateManager(store, hub, nil), store, hub
}

func TestManagerCreatePersistsThenBroadcasts(t *testing.T) {
	manager, store, hub := newTestManager(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := store.Get(ctx, "task-1")
	if err != nil || got == nil {
		t.Fatalf("record not persisted: %v, %#v", err, got)
	}
	messages := hub.all()
	if len(messages) != 1 {
		t.Fatalf("unexpected broadcast count: %d", len(messages))
	}
	if messages[0].Type != MessageStatusUpdate {
		t.Fatalf("unexpected message type: %s", messages[0].Type)
	}
	if messages[0].Data == nil || messages[0].Data.TaskID != "task-1" {
		t.Fatalf("broadcast carries wrong record: %#v", messages[0].Data)
	}
}

func TestManagerStageProgressSequence(t *testing.T) {
	manager, store, hub := newTestManager(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	manager.AddStageProgress(ctx, "task-1", StageAnalyzing, 20, 10)
	manager.UpdateStageProgress(ctx, "task-1", 50, "対象ファイルを走査中", 10, 12)
	manager.CompleteStage(ctx, "task-1")

	got, err := store.Get(ctx, "task-1")
	if err != nil || got == nil {
		t.Fatalf("record missing: %v", err)
	}
	if len(got.StageHistory) != 2 {
		t.Fatalf("unexpected history length: %d", len(got.StageHistory))
	}
	analyzing := got.StageHistory[1]
	if analyzing.Stage != StageAnalyzing || analyzing.CompletedAt == nil {
		t.Fatalf("analyzing stage not closed: %#v", analyzing)
	}
	if analyzing.ProgressPercentage != 100 {
		t.Fatalf("closed stage should be at 100%%: %v", analyzing.ProgressPercentage)
	}
	if got.OverallProgress != 12 {
		t.Fatalf("unexpected overall progress: %v", got.OverallProgress)
	}

	// Create + 3更新 = 4配信。配信は保存後に行われます。
	if len(hub.all()) != 4 {
		t.Fatalf("unexpected broadcast count: %d", len(hub.all()))
	}
}

func TestManagerUpdateIsIdempotent(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	mutate := func(r *TaskRecord) {
		r.ProcessedFiles = 7
		r.SetProgress(30)
	}
	manager.UpdateTaskStatus(ctx, "task-1", mutate)
	first, err := store.Get(ctx, "task-1")
	if err != nil || first == nil {
		t.Fatalf("record missing: %v", err)
	}

	// 同じ更新を再適用しても最終状態は変わりません（タイムスタンプ以外）
	manager.UpdateTaskStatus(ctx, "task-1", mutate)
	second, err := store.Get(ctx, "task-1")
	if err != nil || second == nil {
		t.Fatalf("record missing: %v", err)
	}

	if second.ProcessedFiles != first.ProcessedFiles ||
		second.OverallProgress != first.OverallProgress ||
		len(second.StageHistory) != len(first.StageHistory) {
		t.Fatalf("repeated update changed state: %#v vs %#v", first, second)
	}
}

func TestManagerMarkFailedRecordsError(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	manager.AddStageProgress(ctx, "task-1", StageEmbedding, 100, 50)
	manager.AddError(ctx, "task-1", ErrorTypeProcessing, "embedding failed", "", false)
	manager.MarkFailed(ctx, "task-1", "embedding failed")

	got, err := store.Get(ctx, "task-1")
	if err != nil || got == nil {
		t.Fatalf("record missing: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", got.Status)
	}
	if len(got.Errors) != 1 || got.Errors[0].ErrorType != ErrorTypeProcessing {
		t.Fatalf("unexpected errors: %#v", got.Errors)
	}
	if got.Errors[0].Stage != StageEmbedding {
		t.Fatalf("error should be tagged with embedding stage: %s", got.Errors[0].Stage)
	}
}

func TestManagerUpdateMissingTaskIsNoop(t *testing.T) {
	manager, _, hub := newTestManager(t)

	got := manager.UpdateTaskStatus(context.Background(), "no-such-task", func(r *TaskRecord) {
		r.SetProgress(10)
	})
	if got != nil {
		t.Fatalf("expected nil for missing task, got %#v", got)
	}
	if len(hub.all()) != 0 {
		t.Fatal("no broadcast expected for missing task")
	}
}

func TestManagerSwallowsStoreFailures(t *testing.T) {
	store, mr := newTestStore(t)
	hub := &captureBroadcaster{}
	manager := NewUpdateManager(store, hub, nil)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := manager.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	mr.Close()

	// ストア障害時はエラーを飲み込み、nil を返すだけで済むこと
	got := manager.UpdateTaskStatus(ctx, "task-1", func(r *TaskRecord) {
		r.SetProgress(10)
	})
	if got != nil {
		t.Fatalf("expected nil on store failure, got %#v", got)
	}
	if len(hub.all()) != 1 {
		t.Fatal("failed update must not broadcast")
	}
}
