package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, time.Hour), mr
}

func TestStoreSetGetRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := store.Set(ctx, record); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	got, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.TaskID != "task-1" || got.RepositoryName != "example-repo" {
		t.Fatalf("unexpected record: %#v", got)
	}
	if len(got.StageHistory) != 1 || got.StageHistory[0].Stage != StageQueued {
		t.Fatalf("stage history lost in roundtrip: %#v", got.StageHistory)
	}
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Get(context.Background(), "no-such-task")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing task, got %#v", got)
	}
}

func TestStoreSetRejectsInvalidRecord(t *testing.T) {
	store, _ := newTestStore(t)

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	record.OverallProgress = 100 // 非終端で100は不正

	if err := store.Set(context.Background(), record); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStoreSetAppliesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := store.Set(ctx, record); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	if ttl := mr.TTL(taskKey("task-1")); ttl != time.Hour {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	got, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != nil {
		t.Fatal("record should have expired")
	}
}

func TestStoreUpdateRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := store.Set(ctx, record); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	mr.FastForward(30 * time.Minute)

	if _, err := store.Update(ctx, "task-1", func(r *TaskRecord) {
		r.SetProgress(10)
	}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	if ttl := mr.TTL(taskKey("task-1")); ttl != time.Hour {
		t.Fatalf("TTL should be refreshed on write, got %v", ttl)
	}
}

func TestStoreUpdateAppliesMutation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := NewTaskRecord("task-1", "run-1", "example-repo", time.Now().UTC())
	if err := store.Set(ctx, record); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	updated, err := store.Update(ctx, "task-1", func(r *TaskRecord) {
		r.BeginStage(StageAnalyzing, 5, time.Now().UTC())
		r.SetProgress(10)
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated == nil {
		t.Fatal("expected updated record")
	}
	if updated.CurrentStage != StageAnalyzing || updated.OverallProgress != 10 {
		t.Fatalf("mutation not applied: %#v", updated)
	}

	got, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.CurrentStage != StageAnalyzing {
		t.Fatalf("mutation not persisted: %s", got.CurrentStage)
	}
}

func TestStoreUpdateMissingIsNoop(t *testing.T) {
	store, _ := newTestStore(t)

	called := false
	updated, err := store.Update(context.Background(), "no-such-task", func(r *TaskRecord) {
		called = true
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated != nil {
		t.Fatalf("expected nil record, got %#v", updated)
	}
	if called {
		t.Fatal("mutate should not run for missing task")
	}
}

func TestStoreListSkipsUnrelatedKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"task-1", "task-2"} {
		record := NewTaskRecord(id, "run", "repo-"+id, time.Now().UTC())
		if err := store.Set(ctx, record); err != nil {
			t.Fatalf("Set returned error: %v", err)
		}
	}
	mr.Set("other:key", "unrelated")

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("unexpected record count: %d", len(records))
	}
}

func TestStoreCleanupTerminalRemovesOldRecords(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := NewTaskRecord("task-done", "run-1", "repo-a", now.Add(-2*time.Hour))
	done.MarkCompleted(now.Add(-90 * time.Minute))
	running := NewTaskRecord("task-running", "run-2", "repo-b", now)

	for _, r := range []*TaskRecord{done, running} {
		if err := store.Set(ctx, r); err != nil {
			t.Fatalf("Set returned error: %v", err)
		}
	}
	// Set が UpdatedAt を現在時刻へ進めるため、古い終端レコードを直接書き戻します
	done.UpdatedAt = now.Add(-90 * time.Minute)
	payload, err := json.Marshal(done)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := store.rdb.Set(ctx, taskKey(done.TaskID), payload, time.Hour).Err(); err != nil {
		t.Fatalf("raw set failed: %v", err)
	}

	removed, err := store.CleanupTerminal(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupTerminal returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("unexpected removed count: %d", removed)
	}

	got, err := store.Get(ctx, "task-running")
	if err != nil || got == nil {
		t.Fatalf("running task should survive cleanup: %v, %#v", err, got)
	}
}
