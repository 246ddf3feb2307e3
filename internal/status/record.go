// Package status はインデックスタスクの状態レコード、ステージ遷移、
// 永続化、購読者への配信を提供します。
package status

import (
	"fmt"
	"time"
)

// Status はタスク全体の実行状態を表します。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrorType はタスク実行中に記録されるエラーの分類です。
type ErrorType string

const (
	// ErrorTypeProcessing はパイプラインが報告した処理エラーです（回復不能）。
	ErrorTypeProcessing ErrorType = "processing_error"
	// ErrorTypeUnexpected は捕捉されなかった予期しないエラーです（回復不能）。
	ErrorTypeUnexpected ErrorType = "unexpected_error"
	// ErrorTypeRepository は一括処理内の単一リポジトリの失敗です（回復可能）。
	ErrorTypeRepository ErrorType = "repository_error"
)

// IndexingError はタスクに記録される個々のエラーです。
// 一度追加されたエラーはタスクの生存期間中削除されません。
type IndexingError struct {
	ErrorType    ErrorType `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	FilePath     string    `json:"file_path,omitempty"`
	Stage        Stage     `json:"stage"`
	Timestamp    time.Time `json:"timestamp"`
	Recoverable  bool      `json:"recoverable"`
}

// StageProgress はステージに入るたびに追記される進捗エントリです。
// CompletedAt が nil のエントリが「現在のステージ」を表します。
type StageProgress struct {
	Stage              Stage      `json:"stage"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ProgressPercentage float64    `json:"progress_percentage"`
	CurrentOperation   string     `json:"current_operation,omitempty"`
	ProcessedItems     int        `json:"processed_items"`
	TotalItems         int        `json:"total_items"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// TaskRecord は1タスク分の状態レコードです。
// レコードはタスクを作成したランナーのみが書き込み、読み手は任意数存在します。
type TaskRecord struct {
	TaskID         string `json:"task_id"`
	RunID          string `json:"run_id"`
	RepositoryName string `json:"repository_name"`

	Status          Status  `json:"status"`
	CurrentStage    Stage   `json:"current_stage"`
	OverallProgress float64 `json:"overall_progress"`

	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ProcessingTime float64   `json:"processing_time"` // 秒

	ProcessedFiles  int `json:"processed_files"`
	GeneratedChunks int `json:"generated_chunks"`
	StoredChunks    int `json:"stored_chunks"`

	FilesPerSecond  float64 `json:"throughput_files_per_second"`
	ChunksPerSecond float64 `json:"throughput_chunks_per_second"`

	StageHistory []StageProgress `json:"stage_history"`
	Errors       []IndexingError `json:"errors"`
	Warnings     []string        `json:"warnings"`
}

// NewTaskRecord は投入直後のタスクレコードを作成します。
func NewTaskRecord(taskID, runID, repositoryName string, now time.Time) *TaskRecord {
	return &TaskRecord{
		TaskID:         taskID,
		RunID:          runID,
		RepositoryName: repositoryName,
		Status:         StatusInProgress,
		CurrentStage:   StageQueued,
		StartedAt:      now,
		UpdatedAt:      now,
		StageHistory: []StageProgress{{
			Stage:     StageQueued,
			StartedAt: now,
		}},
	}
}

// IsTerminal は状態が終端（completed / failed）かどうかを返します。
func (r *TaskRecord) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// OpenStage は現在開いているステージエントリを返します。存在しない場合は nil です。
func (r *TaskRecord) OpenStage() *StageProgress {
	for i := len(r.StageHistory) - 1; i >= 0; i-- {
		if r.StageHistory[i].CompletedAt == nil {
			return &r.StageHistory[i]
		}
	}
	return nil
}

// SetProgress は全体進捗を更新します。進捗は単調非減少です。
func (r *TaskRecord) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p > r.OverallProgress {
		r.OverallProgress = p
	}
}

// AddError はエラーを追記します。タイムスタンプ未設定の場合は現在時刻を補います。
func (r *TaskRecord) AddError(e IndexingError) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Stage == "" {
		e.Stage = r.CurrentStage
	}
	r.Errors = append(r.Errors, e)
}

// AddWarning は警告メッセージを追記します。
func (r *TaskRecord) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Validate はシリアライズ境界で呼ばれ、レコードの不変条件を検証します。
//   - 状態・ステージが既知の値であること
//   - 開いているステージは高々1つ、終端状態では0であること
//   - 全体進捗が100に達するのは終端状態のみであること
func (r *TaskRecord) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	switch r.Status {
	case StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("unknown status: %q", r.Status)
	}
	if !r.CurrentStage.Valid() {
		return fmt.Errorf("unknown stage: %q", r.CurrentStage)
	}
	if r.OverallProgress < 0 || r.OverallProgress > 100 {
		return fmt.Errorf("overall_progress out of range: %v", r.OverallProgress)
	}
	if r.OverallProgress >= 100 && !r.IsTerminal() {
		return fmt.Errorf("overall_progress is 100 but status is %q", r.Status)
	}

	open := 0
	for i := range r.StageHistory {
		if !r.StageHistory[i].Stage.Valid() {
			return fmt.Errorf("stage_history[%d]: unknown stage %q", i, r.StageHistory[i].Stage)
		}
		if r.StageHistory[i].CompletedAt == nil {
			open++
		}
	}
	if open > 1 {
		return fmt.Errorf("multiple open stages: %d", open)
	}
	if open > 0 && r.IsTerminal() {
		return fmt.Errorf("terminal status %q with an open stage", r.Status)
	}

	return nil
}
