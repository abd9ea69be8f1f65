package control

import (
	"sort"
	"time"
)

// Per-execution budgets a dimension is normalized against when scoring
// flow cost. An execution at or past a budget scores 1.0 on that
// dimension.
const (
	costCPUBudgetMs        = 60_000
	costMemoryBudgetMB     = 1_024
	costNetworkBudgetBytes = 100 << 20
	costStorageBudgetBytes = 1 << 30
)

// longStepDuration is the average execution length past which the
// analyzer recommends splitting work into smaller steps.
const longStepDuration = 5 * time.Minute

// ExecutionMetric is the measured footprint of one finished execution.
type ExecutionMetric struct {
	ExecutionID  string        `json:"execution_id"`
	Duration     time.Duration `json:"duration"`
	CPUMs        int64         `json:"cpu_ms"`
	MemoryMBPeak int64         `json:"memory_mb_peak"`
	NetworkBytes int64         `json:"network_bytes"`
	StorageBytes int64         `json:"storage_bytes"`
	Steps        int           `json:"steps"`
}

// FlowCostReport summarizes what a flow costs to run and where the
// spend concentrates.
type FlowCostReport struct {
	FlowID          string             `json:"flow_id"`
	Executions      int                `json:"executions"`
	AvgDuration     time.Duration      `json:"avg_duration"`
	CostScore       float64            `json:"cost_score"`
	Dominant        string             `json:"dominant,omitempty"`
	Dimensions      map[string]float64 `json:"dimensions,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// AnalyzeFlowCost scores a flow's cost profile from its execution
// metrics: per-dimension means normalized against the budgets above,
// an overall score, the dominant dimension, and concrete
// recommendations for the worst offenders.
func (s *BurnRateService) AnalyzeFlowCost(flowID string, metrics []ExecutionMetric) FlowCostReport {
	report := FlowCostReport{FlowID: flowID, Executions: len(metrics)}
	if len(metrics) == 0 {
		return report
	}

	var totalDuration time.Duration
	dims := map[string]float64{"cpu": 0, "memory": 0, "network": 0, "storage": 0}
	for _, m := range metrics {
		totalDuration += m.Duration
		dims["cpu"] += clamp01(float64(m.CPUMs) / costCPUBudgetMs)
		dims["memory"] += clamp01(float64(m.MemoryMBPeak) / costMemoryBudgetMB)
		dims["network"] += clamp01(float64(m.NetworkBytes) / costNetworkBudgetBytes)
		dims["storage"] += clamp01(float64(m.StorageBytes) / costStorageBudgetBytes)
	}

	n := float64(len(metrics))
	var sum float64
	for k := range dims {
		dims[k] /= n
		sum += dims[k]
	}
	report.AvgDuration = totalDuration / time.Duration(len(metrics))
	report.Dimensions = dims
	report.CostScore = clamp01(sum / float64(len(dims)))
	report.Dominant = dominantDimension(dims)
	report.Recommendations = costRecommendations(report)
	return report
}

// dominantDimension picks the highest-scoring dimension, alphabetical
// tie-break.
func dominantDimension(dims map[string]float64) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var dominant string
	var best float64 = -1
	for _, k := range keys {
		if dims[k] > best {
			dominant, best = k, dims[k]
		}
	}
	return dominant
}

func costRecommendations(r FlowCostReport) []string {
	var recs []string
	if r.CostScore >= 0.5 {
		switch r.Dominant {
		case "cpu":
			recs = append(recs, "cache deterministic step results to cut repeated compute")
		case "memory":
			recs = append(recs, "lower step memory limits or split large payloads")
		case "network":
			recs = append(recs, "batch outbound calls or pin execution to the data's subnet")
		case "storage":
			recs = append(recs, "compact step outputs before persisting results")
		}
	}
	if r.AvgDuration > longStepDuration {
		recs = append(recs, "split long steps so pause and takeover can interleave")
	}
	return recs
}
