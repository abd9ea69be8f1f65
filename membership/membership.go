// Package membership tracks the live node directory: which nodes
// exist, what they can run, which DAO subnets they serve, and how
// loaded they are. The engine's node selector and the takeover monitor
// both read from a Directory.
package membership

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Node is one engine node's advertised state. Capabilities are action
// tags the node can execute; "*" matches anything. LatencyP95Ms holds
// observed per-capability p95 latencies used for selection tie-breaks.
type Node struct {
	ID            string             `json:"id"`
	Capabilities  []string           `json:"capabilities,omitempty"`
	DAOSubnets    []string           `json:"dao_subnets,omitempty"`
	Load          float64            `json:"load"`
	LatencyP95Ms  map[string]float64 `json:"latency_p95_ms,omitempty"`
	Algorithm     string             `json:"algorithm,omitempty"`
	PublicKey     []byte             `json:"public_key,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
}

// HasCapability reports whether the node can run steps tagged tag.
func (n Node) HasCapability(tag string) bool {
	if tag == "" {
		return true
	}
	for _, c := range n.Capabilities {
		if c == "*" || c == tag {
			return true
		}
	}
	return false
}

// InSubnet reports whether the node serves the DAO subnet. An empty
// subnet matches every node.
func (n Node) InSubnet(subnet string) bool {
	if subnet == "" {
		return true
	}
	for _, s := range n.DAOSubnets {
		if s == subnet {
			return true
		}
	}
	return false
}

// Stale reports whether the node's heartbeat is older than threshold.
func Stale(n Node, threshold time.Duration, now time.Time) bool {
	return now.Sub(n.LastHeartbeat) > threshold
}

// Orphans returns the IDs of nodes whose heartbeat is older than
// threshold, sorted.
func Orphans(nodes []Node, threshold time.Duration, now time.Time) []string {
	var ids []string
	for _, n := range nodes {
		if Stale(n, threshold, now) {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Directory exposes the node membership view.
type Directory interface {
	// Self returns this node's own advertised state.
	Self() Node
	// Snapshot returns every known node including self.
	Snapshot(ctx context.Context) ([]Node, error)
	// Lookup returns one node by ID.
	Lookup(ctx context.Context, id string) (Node, bool, error)
}

// StaticDirectory is a fixed in-memory Directory for single-node
// deployments and tests. Node state is mutable through Update.
type StaticDirectory struct {
	mu     sync.RWMutex
	selfID string
	nodes  map[string]Node
}

// NewStaticDirectory builds a directory containing self and peers.
// Heartbeats default to now so fresh directories report no orphans.
func NewStaticDirectory(self Node, peers ...Node) *StaticDirectory {
	d := &StaticDirectory{selfID: self.ID, nodes: make(map[string]Node, len(peers)+1)}
	now := time.Now()
	for _, n := range append([]Node{self}, peers...) {
		if n.LastHeartbeat.IsZero() {
			n.LastHeartbeat = now
		}
		d.nodes[n.ID] = n
	}
	return d
}

// Self implements Directory.
func (d *StaticDirectory) Self() Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[d.selfID]
}

// Snapshot implements Directory; nodes are returned sorted by ID.
func (d *StaticDirectory) Snapshot(_ context.Context) ([]Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, id string) (Node, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok, nil
}

// Update replaces or inserts a node's state.
func (d *StaticDirectory) Update(n Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.ID] = n
}

// SetLoad adjusts one node's load in place.
func (d *StaticDirectory) SetLoad(id string, load float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Load = load
		d.nodes[id] = n
	}
}

// SetHeartbeat stamps one node's heartbeat, letting tests age nodes
// into orphan territory.
func (d *StaticDirectory) SetHeartbeat(id string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.LastHeartbeat = at
		d.nodes[id] = n
	}
}

// Remove drops a node from the directory.
func (d *StaticDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}
