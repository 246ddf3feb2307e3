package status

import (
	"fmt"
	"sort"
	"time"
)

// LogLevel は派生ログビューの深刻度です。
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

var logLevelRank = map[LogLevel]int{
	LogLevelInfo:    0,
	LogLevelWarning: 1,
	LogLevelError:   2,
}

// LogEntry はタスクレコードから組み立てられる1行分のログです。
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Stage     Stage     `json:"stage,omitempty"`
	Message   string    `json:"message"`
	FilePath  string    `json:"file_path,omitempty"`
}

// BuildLogView は stage_history・errors・warnings からタイムスタンプ順の
// ログビューを組み立てます。level を指定すると、その深刻度以上のエントリのみ
// 返します（空文字はすべて）。
func BuildLogView(record *TaskRecord, level LogLevel) []LogEntry {
	var entries []LogEntry

	for i := range record.StageHistory {
		sp := &record.StageHistory[i]
		entries = append(entries, LogEntry{
			Timestamp: sp.StartedAt,
			Level:     LogLevelInfo,
			Stage:     sp.Stage,
			Message:   fmt.Sprintf("ステージ %s を開始しました", sp.Stage),
		})
		if sp.CompletedAt != nil {
			message := fmt.Sprintf("ステージ %s が完了しました（処理件数 %d/%d）",
				sp.Stage, sp.ProcessedItems, sp.TotalItems)
			lvl := LogLevelInfo
			if sp.ErrorMessage != "" {
				message = fmt.Sprintf("ステージ %s が中断されました: %s", sp.Stage, sp.ErrorMessage)
				lvl = LogLevelError
			}
			entries = append(entries, LogEntry{
				Timestamp: *sp.CompletedAt,
				Level:     lvl,
				Stage:     sp.Stage,
				Message:   message,
			})
		}
	}

	for _, e := range record.Errors {
		lvl := LogLevelError
		if e.Recoverable {
			lvl = LogLevelWarning
		}
		entries = append(entries, LogEntry{
			Timestamp: e.Timestamp,
			Level:     lvl,
			Stage:     e.Stage,
			Message:   fmt.Sprintf("[%s] %s", e.ErrorType, e.ErrorMessage),
			FilePath:  e.FilePath,
		})
	}

	// 警告文字列には個別のタイムスタンプがないため、レコードの最終更新時刻を使います。
	for _, w := range record.Warnings {
		entries = append(entries, LogEntry{
			Timestamp: record.UpdatedAt,
			Level:     LogLevelWarning,
			Message:   w,
		})
	}

	if rank, ok := logLevelRank[level]; ok && level != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if logLevelRank[e.Level] >= rank {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries
}
