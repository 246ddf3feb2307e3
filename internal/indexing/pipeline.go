// Package indexing はインデックスタスクの実行（単一リポジトリ・差分更新・一括）を
// ステージ遷移と状態更新で包み、外部パイプラインとの境界を定義します。
package indexing

import (
	"context"

	"github.com/yourusername/repo-indexer/internal/status"
)

// Job は1件分のインデックス処理の入力です。
type Job struct {
	RepositoryName string   `json:"repository_name"`
	RepositoryPath string   `json:"repository_path"`
	Incremental    bool     `json:"incremental,omitempty"`
	ChangedFiles   []string `json:"changed_files,omitempty"`
}

// Result はパイプラインが返す処理結果の集計値です。
type Result struct {
	ProcessedFiles  int
	GeneratedChunks int
	StoredChunks    int
}

// ProgressReporter はパイプラインからの進捗通知コールバックです。
// stage が前回と変わると新しいステージへの遷移として扱われます。
type ProgressReporter func(stage status.Stage, percent float64, operation string, processedItems, totalItems int)

// Pipeline は実際の解析・チャンク化・埋め込み生成・ベクトル保存を行う
// 外部コンポーネントの境界です。このパッケージは調整のみを行い、
// CPUバウンドな処理自体はパイプライン実装側の責務です。
type Pipeline interface {
	Run(ctx context.Context, job Job, report ProgressReporter) (*Result, error)
}

// reportProgress はコールバックを nil 安全に呼び出します。percent は 0-100 に丸めます。
func reportProgress(cb ProgressReporter, stage status.Stage, percent float64, operation string, processedItems, totalItems int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent, operation, processedItems, totalItems)
}
