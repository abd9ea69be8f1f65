package adaptivecontroller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/qflow/control"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/storage"
)

// clusterMonitor aggregates per-node metrics reports and shared
// execution manifests into the read-only snapshots the coordinator
// consumes. Nodes that stop reporting age out after staleAfter.
type clusterMonitor struct {
	store      *storage.Store
	staleAfter time.Duration
	now        func() time.Time

	mu    sync.Mutex
	nodes map[string]nodeReport
}

type nodeReport struct {
	metrics events.SystemMetricsPayload
	seenAt  time.Time
}

func newClusterMonitor(store *storage.Store, staleAfter time.Duration) *clusterMonitor {
	return &clusterMonitor{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		nodes:      make(map[string]nodeReport),
	}
}

// observe records one node's metrics report. Reports without a node ID
// are aggregates published by a coordinator and are ignored, so a
// controller never feeds on its own output.
func (m *clusterMonitor) observe(p events.SystemMetricsPayload) {
	if p.NodeID == "" {
		return
	}
	m.mu.Lock()
	m.nodes[p.NodeID] = nodeReport{metrics: p, seenAt: m.now()}
	m.mu.Unlock()
}

// Sample implements control.ResourceMonitor. Utilization dimensions
// average across live nodes, latency takes the cluster-wide worst,
// and queue depth sums. Cost shares split the burn evenly across
// running executions; the manifests carry no per-execution metering.
func (m *clusterMonitor) Sample(ctx context.Context) (control.SystemSnapshot, error) {
	now := m.now()

	m.mu.Lock()
	var reports []events.SystemMetricsPayload
	for id, r := range m.nodes {
		if now.Sub(r.seenAt) > m.staleAfter {
			delete(m.nodes, id)
			continue
		}
		reports = append(reports, r.metrics)
	}
	m.mu.Unlock()

	snap := control.SystemSnapshot{Timestamp: now.UTC()}
	for _, r := range reports {
		snap.CPU += r.CPU
		snap.Memory += r.Memory
		snap.Network += r.Network
		snap.Storage += r.Storage
		snap.ErrorRate += r.ErrorRate
		snap.QueueDepth += r.QueueDepth
		if r.LatencyP99Ms > snap.LatencyP99Ms {
			snap.LatencyP99Ms = r.LatencyP99Ms
		}
		snap.Nodes = append(snap.Nodes, control.NodeSample{ID: r.NodeID, Load: r.CPU})
	}
	if n := float64(len(reports)); n > 0 {
		snap.CPU /= n
		snap.Memory /= n
		snap.Network /= n
		snap.Storage /= n
		snap.ErrorRate /= n
	}
	snap.ActiveNodes = len(reports)
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	if m.store != nil {
		manifests, err := m.store.ListManifests(ctx)
		if err != nil {
			return snap, err
		}
		var running []*storage.Manifest
		for _, man := range manifests {
			if man.Status == "running" {
				running = append(running, man)
			}
		}
		share := 0.0
		if len(running) > 0 {
			share = 1.0 / float64(len(running))
		}
		for _, man := range running {
			snap.Executions = append(snap.Executions, control.ExecutionSample{
				ID:        man.ExecutionID,
				FlowID:    man.FlowID,
				Priority:  flow.Priority(man.Priority),
				NodeID:    assignedNode(man),
				CostShare: share,
			})
		}
	}
	return snap, nil
}

// assignedNode picks the node holding the manifest's current step, or
// any assignment when the current step has none recorded yet.
func assignedNode(m *storage.Manifest) string {
	if node, ok := m.NodeAssignments[m.CurrentStep]; ok {
		return node
	}
	for _, node := range m.NodeAssignments {
		return node
	}
	return ""
}
