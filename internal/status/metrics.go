package status

// StageMetrics は全タスクの stage_history を走査して得られる
// ステージ単位の集計値です。
type StageMetrics struct {
	Stage              Stage   `json:"stage"`
	Executions         int     `json:"executions"`
	MinDurationSeconds float64 `json:"min_duration_seconds"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	MaxDurationSeconds float64 `json:"max_duration_seconds"`
	SuccessCount       int     `json:"success_count"`
	ErrorCount         int     `json:"error_count"`
	ActiveCount        int     `json:"active_count"`
}

// stageOrder は集計結果の表示順です（パイプラインの進行順）。
var stageOrder = []Stage{
	StageQueued, StageCloning, StageAnalyzing, StageParsing,
	StageEmbedding, StageStoring, StageValidating,
}

// AggregateStageMetrics は全タスクのレコードからステージ別集計を計算します。
// 閉じたエントリだけが実行回数と所要時間の対象になり、開いているエントリは
// active として数えます。
func AggregateStageMetrics(records []*TaskRecord) []StageMetrics {
	acc := make(map[Stage]*StageMetrics)
	totals := make(map[Stage]float64)

	for _, record := range records {
		for i := range record.StageHistory {
			sp := &record.StageHistory[i]
			m, ok := acc[sp.Stage]
			if !ok {
				m = &StageMetrics{Stage: sp.Stage}
				acc[sp.Stage] = m
			}

			if sp.CompletedAt == nil {
				m.ActiveCount++
				continue
			}

			duration := sp.CompletedAt.Sub(sp.StartedAt).Seconds()
			if m.Executions == 0 || duration < m.MinDurationSeconds {
				m.MinDurationSeconds = duration
			}
			if duration > m.MaxDurationSeconds {
				m.MaxDurationSeconds = duration
			}
			totals[sp.Stage] += duration
			m.Executions++

			if sp.ErrorMessage != "" {
				m.ErrorCount++
			} else {
				m.SuccessCount++
			}
		}
	}

	var result []StageMetrics
	for _, stage := range stageOrder {
		m, ok := acc[stage]
		if !ok {
			continue
		}
		if m.Executions > 0 {
			m.AvgDurationSeconds = totals[stage] / float64(m.Executions)
		}
		result = append(result, *m)
	}
	return result
}
