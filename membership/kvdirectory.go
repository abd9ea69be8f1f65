package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketNodes is the KV bucket holding node heartbeats.
const BucketNodes = "QFLOW_NODES"

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultStaleAfter        = 30 * time.Second
)

// KVOption configures a KVDirectory.
type KVOption func(*KVDirectory)

// WithHeartbeatInterval sets how often the node re-advertises itself.
func WithHeartbeatInterval(d time.Duration) KVOption {
	return func(k *KVDirectory) { k.interval = d }
}

// WithStaleAfter sets the age past which Snapshot drops a node.
func WithStaleAfter(d time.Duration) KVOption {
	return func(k *KVDirectory) { k.staleAfter = d }
}

// WithDirectoryLogger sets the logger used by the heartbeat loop.
func WithDirectoryLogger(logger *slog.Logger) KVOption {
	return func(k *KVDirectory) { k.logger = logger }
}

// KVDirectory is a Directory backed by a NATS KV bucket. Every node
// writes its own entry on an interval; Snapshot reads the whole bucket
// and filters out entries past staleAfter. There is no delete path:
// dead nodes age out.
type KVDirectory struct {
	kv         jetstream.KeyValue
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu   sync.RWMutex
	self Node

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenNodesBucket opens the nodes bucket, creating it when absent.
// Read-only consumers such as the adaptive controller use it to watch
// the fleet without advertising themselves.
func OpenNodesBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, BucketNodes)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketNodes,
		Description: "qflow node membership heartbeats",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create nodes bucket: %w", err)
	}
	return kv, nil
}

// NewKVDirectory opens or creates the nodes bucket and registers self.
func NewKVDirectory(ctx context.Context, js jetstream.JetStream, self Node, opts ...KVOption) (*KVDirectory, error) {
	if self.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	kv, err := OpenNodesBucket(ctx, js)
	if err != nil {
		return nil, err
	}

	d := &KVDirectory{
		kv:         kv,
		interval:   defaultHeartbeatInterval,
		staleAfter: defaultStaleAfter,
		logger:     slog.Default(),
		self:       self,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start writes the first heartbeat and launches the beat loop. Stop
// with Stop or by cancelling ctx.
func (d *KVDirectory) Start(ctx context.Context) error {
	if err := d.beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := d.beat(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					d.logger.Warn("heartbeat failed", "node", d.self.ID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the heartbeat loop.
func (d *KVDirectory) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *KVDirectory) beat(ctx context.Context) error {
	d.mu.Lock()
	d.self.LastHeartbeat = time.Now().UTC()
	node := d.self
	d.mu.Unlock()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	if _, err := d.kv.Put(ctx, node.ID, data); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Self implements Directory.
func (d *KVDirectory) Self() Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.self
}

// SetLoad updates the advertised load; the next beat publishes it.
func (d *KVDirectory) SetLoad(load float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self.Load = load
}

// ObserveLatency records a p95 latency sample for a capability.
func (d *KVDirectory) ObserveLatency(capability string, p95Ms float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.self.LatencyP95Ms == nil {
		d.self.LatencyP95Ms = make(map[string]float64)
	}
	d.self.LatencyP95Ms[capability] = p95Ms
}

// Snapshot implements Directory, dropping nodes past staleAfter.
func (d *KVDirectory) Snapshot(ctx context.Context) ([]Node, error) {
	keys, err := d.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Node{d.Self()}, nil
		}
		return nil, fmt.Errorf("list node keys: %w", err)
	}

	now := time.Now()
	nodes := make([]Node, 0, len(keys))
	for _, key := range keys {
		entry, err := d.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var n Node
		if err := json.Unmarshal(entry.Value(), &n); err != nil {
			continue
		}
		if Stale(n, d.staleAfter, now) && n.ID != d.self.ID {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Lookup implements Directory. Unlike Snapshot it returns stale nodes
// too; the takeover monitor needs to see them.
func (d *KVDirectory) Lookup(ctx context.Context, id string) (Node, bool, error) {
	entry, err := d.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || strings.Contains(err.Error(), "key not found") {
			return Node{}, false, nil
		}
		return Node{}, false, fmt.Errorf("get node: %w", err)
	}
	var n Node
	if err := json.Unmarshal(entry.Value(), &n); err != nil {
		return Node{}, false, fmt.Errorf("unmarshal node: %w", err)
	}
	return n, true, nil
}
