package status

import "time"

// Stage はインデックスパイプラインの処理段階です。
//
// 通常の遷移は queued → (cloning|analyzing) → parsing → embedding →
// storing → validating → completed で、failed には任意の非終端ステージから
// 遷移できます。ステージへの再入（リトライ等）は過去のエントリを書き換えず、
// 新しい StageProgress エントリを追記します。
type Stage string

const (
	StageQueued     Stage = "queued"
	StageCloning    Stage = "cloning"
	StageAnalyzing  Stage = "analyzing"
	StageParsing    Stage = "parsing"
	StageEmbedding  Stage = "embedding"
	StageStoring    Stage = "storing"
	StageValidating Stage = "validating"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Valid は既知のステージ値かどうかを返します。
func (s Stage) Valid() bool {
	switch s {
	case StageQueued, StageCloning, StageAnalyzing, StageParsing,
		StageEmbedding, StageStoring, StageValidating,
		StageCompleted, StageFailed:
		return true
	}
	return false
}

// Terminal は終端ステージかどうかを返します。
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// BeginStage は新しいステージに入ります。開いているステージがあれば
// completed_at を打って100%で閉じ、新しいエントリを追記します。
func (r *TaskRecord) BeginStage(stage Stage, totalItems int, now time.Time) {
	r.closeOpenStage(now, "")
	r.StageHistory = append(r.StageHistory, StageProgress{
		Stage:      stage,
		StartedAt:  now,
		TotalItems: totalItems,
	})
	r.CurrentStage = stage
	r.UpdatedAt = now
}

// UpdateStageProgress は開いているステージの進捗を更新します。
// 開いているステージがない場合は何もしません。
func (r *TaskRecord) UpdateStageProgress(percent float64, operation string, processedItems int, now time.Time) {
	open := r.OpenStage()
	if open == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > open.ProgressPercentage {
		open.ProgressPercentage = percent
	}
	if operation != "" {
		open.CurrentOperation = operation
	}
	if processedItems > open.ProcessedItems {
		open.ProcessedItems = processedItems
	}
	r.UpdatedAt = now
}

// CompleteOpenStage は開いているステージを100%で閉じます。
func (r *TaskRecord) CompleteOpenStage(now time.Time) {
	r.closeOpenStage(now, "")
	r.UpdatedAt = now
}

// MarkCompleted はタスクを completed 終端状態にします。
// 事前に開いているステージは閉じられ、全体進捗は100になります。
func (r *TaskRecord) MarkCompleted(now time.Time) {
	r.closeOpenStage(now, "")
	r.Status = StatusCompleted
	r.CurrentStage = StageCompleted
	r.OverallProgress = 100
	r.ProcessingTime = now.Sub(r.StartedAt).Seconds()
	r.UpdatedAt = now
}

// MarkFailed はタスクを failed 終端状態にします。
// 実行中のステージが残っていれば error_message を付けて閉じます。
func (r *TaskRecord) MarkFailed(errMsg string, now time.Time) {
	r.closeOpenStage(now, errMsg)
	r.Status = StatusFailed
	r.CurrentStage = StageFailed
	r.ProcessingTime = now.Sub(r.StartedAt).Seconds()
	r.UpdatedAt = now
}

// closeOpenStage は開いているステージがあれば閉じます。
// errMsg が空の場合は正常終了として進捗を100%にします。
func (r *TaskRecord) closeOpenStage(now time.Time, errMsg string) {
	open := r.OpenStage()
	if open == nil {
		return
	}
	completed := now
	open.CompletedAt = &completed
	if errMsg == "" {
		open.ProgressPercentage = 100
	} else {
		open.ErrorMessage = errMsg
	}
}
