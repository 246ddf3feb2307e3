package indexing

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/repo-indexer/internal/status"
)

// 解析対象として数える拡張子。本来の言語別パーサーは外部パイプラインの
// 責務なので、ここでは代表的なソースファイルのみ対象にします。
var sourceExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".tsx": {}, ".jsx": {},
	".java": {}, ".kt": {}, ".rb": {}, ".rs": {}, ".c": {}, ".h": {},
	".cpp": {}, ".hpp": {}, ".cs": {}, ".php": {}, ".swift": {},
	".md": {}, ".yaml": {}, ".yml": {}, ".json": {}, ".toml": {},
}

const defaultChunkSizeBytes = 1024

// LocalPipeline はローカルの作業コピーを走査する簡易パイプラインです。
// 実際のパーサー・埋め込み生成・ベクトルDB書き込みの代わりに、ファイル数と
// チャンク数の集計だけを行い、サーバーを端から端まで動かせるようにします。
type LocalPipeline struct {
	ChunkSizeBytes int
}

// NewLocalPipeline は LocalPipeline を作成します。
func NewLocalPipeline() *LocalPipeline {
	return &LocalPipeline{ChunkSizeBytes: defaultChunkSizeBytes}
}

// Run はジョブを実行します。ステージは analyzing → parsing → embedding →
// storing → validating の順で報告されます。差分更新ジョブでは
// ChangedFiles のみが対象です。
func (p *LocalPipeline) Run(ctx context.Context, job Job, report ProgressReporter) (*Result, error) {
	root := job.RepositoryPath
	if root == "" {
		return nil, fmt.Errorf("repository_path is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path is not a directory: %s", root)
	}

	// analyzing: 対象ファイルの洗い出し
	reportProgress(report, status.StageAnalyzing, 0, "対象ファイルを走査中", 0, 0)
	files, err := p.collectFiles(ctx, job)
	if err != nil {
		return nil, err
	}
	reportProgress(report, status.StageAnalyzing, 100, "対象ファイルの走査完了", len(files), len(files))

	// parsing: ファイルをチャンクへ分割（ここではサイズからの概算）
	chunkSize := p.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = defaultChunkSizeBytes
	}
	generated := 0
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fi, err := os.Stat(file)
		if err != nil {
			// 走査後に消えたファイルは読み飛ばします
			continue
		}
		generated += int(fi.Size()/int64(chunkSize)) + 1
		if (i+1)%50 == 0 || i == len(files)-1 {
			reportProgress(report, status.StageParsing,
				float64(i+1)/float64(len(files))*100,
				fmt.Sprintf("解析中: %s", filepath.Base(file)), i+1, len(files))
		}
	}
	if len(files) == 0 {
		reportProgress(report, status.StageParsing, 100, "対象ファイルなし", 0, 0)
	}

	// embedding / storing: 実体は外部サービスの責務。チャンク数だけ進めます。
	reportProgress(report, status.StageEmbedding, 0, "埋め込みベクトルを生成中", 0, generated)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reportProgress(report, status.StageEmbedding, 100, "埋め込みベクトルの生成完了", generated, generated)

	reportProgress(report, status.StageStoring, 0, "チャンクを保存中", 0, generated)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reportProgress(report, status.StageStoring, 100, "チャンクの保存完了", generated, generated)

	// validating: 件数の整合確認
	reportProgress(report, status.StageValidating, 100, "整合性を確認しました", generated, generated)

	return &Result{
		ProcessedFiles:  len(files),
		GeneratedChunks: generated,
		StoredChunks:    generated,
	}, nil
}

func (p *LocalPipeline) collectFiles(ctx context.Context, job Job) ([]string, error) {
	if job.Incremental {
		var files []string
		for _, rel := range job.ChangedFiles {
			path := filepath.Join(job.RepositoryPath, rel)
			if _, err := os.Stat(path); err != nil {
				// 削除されたファイルはインデックス対象外
				continue
			}
			if isSourceFile(path) {
				files = append(files, path)
			}
		}
		return files, nil
	}

	var files []string
	err := filepath.WalkDir(job.RepositoryPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if isSourceFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}
	return files, nil
}

func isSourceFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := sourceExtensions[ext]
	return ok
}
