// Package control is the adaptive control plane: burn-rate accounting
// with cost-shedding actions, the graceful-degradation ladder the
// scheduler consults for admission, autoscaling triggers, a proactive
// optimizer, and the coordinator that drives all of them from a single
// metrics snapshot.
//
// Control never owns engine state. It observes read-only
// SystemSnapshot values supplied by a ResourceMonitor and acts through
// the narrow ExecutionController interface; everything else travels
// over the event bus.
package control

import (
	"context"
	"time"

	"github.com/c360studio/qflow/flow"
)

// SystemSnapshot is one read-only observation of the system. Monitors
// fill the raw fields; the coordinator stamps BurnRate before fanning
// the snapshot out to the ladder, autoscaler, and optimizer.
type SystemSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Utilization, each in [0,1].
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Network float64 `json:"network"`
	Storage float64 `json:"storage"`

	// Spend rates normalized against budget, each in [0,1].
	ComputeCost float64 `json:"compute_cost"`
	StorageCost float64 `json:"storage_cost"`
	EgressCost  float64 `json:"egress_cost"`

	ErrorRate    float64 `json:"error_rate"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	QueueDepth   int     `json:"queue_depth"`

	ActiveNodes int               `json:"active_nodes"`
	Nodes       []NodeSample      `json:"nodes,omitempty"`
	Executions  []ExecutionSample `json:"executions,omitempty"`

	// BurnRate is computed, not sampled. Zero until the coordinator or
	// burn-rate service has stamped it.
	BurnRate float64 `json:"burn_rate"`
}

// NodeSample is one node's observed load at snapshot time.
type NodeSample struct {
	ID   string  `json:"id"`
	Load float64 `json:"load"`
}

// ExecutionSample is one running execution's footprint at snapshot
// time. CostShare is the fraction of the current burn attributable to
// this execution; shares across a snapshot sum to at most 1.
type ExecutionSample struct {
	ID        string        `json:"id"`
	FlowID    string        `json:"flow_id"`
	Priority  flow.Priority `json:"priority"`
	NodeID    string        `json:"node_id,omitempty"`
	CostShare float64       `json:"cost_share"`
}

// ResourceMonitor supplies system snapshots on demand. Implementations
// aggregate whatever sources they have: OS counters, NATS server
// stats, the engine's execution list, billing estimates.
type ResourceMonitor interface {
	Sample(ctx context.Context) (SystemSnapshot, error)
}

// ExecutionController is the slice of the engine the control plane is
// allowed to drive. The engine satisfies it structurally; control
// never imports the engine.
type ExecutionController interface {
	PauseExecution(ctx context.Context, id, reason string) error
	ResumeExecution(ctx context.Context, id string) error
}

// Signals are the compound inputs degradation decisions key on.
type Signals struct {
	BurnRate     float64
	ErrorRate    float64
	LatencyP99Ms float64
	Utilization  float64
}

// SignalsFrom reduces a snapshot to degradation signals. Utilization
// is the max across resource dimensions so one saturated resource is
// enough to escalate.
func SignalsFrom(s SystemSnapshot) Signals {
	util := s.CPU
	for _, v := range []float64{s.Memory, s.Network, s.Storage} {
		if v > util {
			util = v
		}
	}
	return Signals{
		BurnRate:     s.BurnRate,
		ErrorRate:    s.ErrorRate,
		LatencyP99Ms: s.LatencyP99Ms,
		Utilization:  util,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
