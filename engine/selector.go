package engine

import (
	"context"
	"math"
	"time"

	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/qerr"
)

// DefaultNodeStaleAfter is how old a heartbeat may be before a node
// stops receiving dispatches.
const DefaultNodeStaleAfter = 30 * time.Second

// loadEpsilon is the load difference below which two nodes count as
// equally loaded and the p95 latency tie-break applies.
const loadEpsilon = 0.05

// NodeRequirements filters selection candidates.
type NodeRequirements struct {
	Capability string
	DAOSubnet  string
	Exclude    map[string]bool
	StaleAfter time.Duration
	Now        time.Time
}

// SelectNode picks the least-loaded node satisfying the requirements.
// Within loadEpsilon, the lower observed p95 latency for the capability
// wins.
func SelectNode(nodes []membership.Node, req NodeRequirements) (membership.Node, bool) {
	var best membership.Node
	found := false
	for _, n := range nodes {
		if req.Exclude[n.ID] {
			continue
		}
		if req.StaleAfter > 0 && membership.Stale(n, req.StaleAfter, req.Now) {
			continue
		}
		if !n.HasCapability(req.Capability) || !n.InSubnet(req.DAOSubnet) {
			continue
		}
		if !found {
			best = n
			found = true
			continue
		}
		switch {
		case n.Load < best.Load-loadEpsilon:
			best = n
		case math.Abs(n.Load-best.Load) <= loadEpsilon &&
			latencyFor(n, req.Capability) < latencyFor(best, req.Capability):
			best = n
		}
	}
	return best, found
}

func latencyFor(n membership.Node, capability string) float64 {
	if n.LatencyP95Ms == nil {
		return math.MaxFloat64
	}
	if v, ok := n.LatencyP95Ms[capability]; ok {
		return v
	}
	return math.MaxFloat64
}

// selectNode resolves a dispatch target from the live directory.
func (e *Engine) selectNode(ctx context.Context, st *execState, step *flow.Step, exclude map[string]bool) (membership.Node, error) {
	nodes, err := e.directory.Snapshot(ctx)
	if err != nil {
		return membership.Node{}, qerr.Wrap(qerr.KindNodeUnreachable, "membership snapshot", err)
	}
	staleAfter := e.cfg.NodeStaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultNodeStaleAfter
	}
	node, ok := SelectNode(nodes, NodeRequirements{
		Capability: step.Action,
		DAOSubnet:  st.execCtx.DAOSubnet,
		Exclude:    exclude,
		StaleAfter: staleAfter,
		Now:        time.Now(),
	})
	if !ok {
		return membership.Node{}, qerr.Newf(qerr.KindNodeUnreachable,
			"no eligible node for step %s (action %q, subnet %q)",
			step.ID, step.Action, st.execCtx.DAOSubnet)
	}
	return node, nil
}
