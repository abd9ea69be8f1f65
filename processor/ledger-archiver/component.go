// Package ledgerarchiver provides the processor that archives finished
// execution ledgers. It consumes terminal execution events, exports
// the locally held chain together with the signing keys needed to
// verify it, stores the archive in the content-addressed blob store,
// and records the archive reference for the CLI and peers.
package ledgerarchiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/storage"
)

// Component implements the ledger-archiver processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	nodeID   string
	dirStore *storage.DirStore
	store    *storage.Store
	blobs    *storage.ObjectBlobStore
	nodesKV  jetstream.KeyValue

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	eventsHandled   atomic.Int64
	archivesWritten atomic.Int64
	archiveFailures atomic.Int64
	lastActivityMu  sync.RWMutex
	lastActivity    time.Time
}

// NewComponent creates a new ledger-archiver processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.EventStream == "" {
		config.EventStream = defaults.EventStream
	}
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "ledger-archiver",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized ledger-archiver",
		"event_stream", c.config.EventStream,
		"data_dir", c.config.DataDir)
	return nil
}

// Start opens the stores and begins consuming terminal execution
// events.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	nodeID := c.config.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	c.nodeID = nodeID

	dirStore, err := storage.NewDirStore(c.config.DataDir)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open execution directory: %w", err)
	}
	c.dirStore = dirStore

	store, err := storage.NewStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create entity store: %w", err)
	}
	c.store = store

	blobs, err := storage.NewObjectBlobStore(subCtx, js, storage.BucketBlobs)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create blob store: %w", err)
	}
	c.blobs = blobs

	nodesKV, err := membership.OpenNodesBucket(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open nodes bucket: %w", err)
	}
	c.nodesKV = nodesKV

	// Chains live in each node's execution directory, so every node
	// runs its own consumer and archives only what it holds.
	consumerCfg := natsclient.StreamConsumerConfig{
		StreamName:    c.config.EventStream,
		ConsumerName:  "ledger-archiver-" + nodeID,
		FilterSubject: events.TopicPrefix + ".exec.>",
		DeliverPolicy: "new",
		AckPolicy:     "explicit",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	}
	if err := c.natsClient.ConsumeStreamWithConfig(subCtx, consumerCfg, c.handleEvent); err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("start event consumer: %w", err)
	}

	c.logger.Info("ledger-archiver started",
		"node_id", nodeID,
		"data_dir", c.config.DataDir,
		"remove_after_archive", c.config.RemoveAfterArchive)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// handleEvent archives the execution named by one terminal event.
// Executions held by another node ack quietly; archive failures ack
// too, because redelivery replays the same deterministic failure.
func (c *Component) handleEvent(ctx context.Context, msg jetstream.Msg) {
	c.updateLastActivity()

	// The consumer sees every exec.> subject; only terminal ones
	// trigger an archive.
	switch msg.Subject() {
	case events.TopicExecCompleted, events.TopicExecFailed, events.TopicExecAborted:
	default:
		_ = msg.Ack()
		return
	}
	c.eventsHandled.Add(1)

	var baseMsg message.BaseMessage
	if err := json.Unmarshal(msg.Data(), &baseMsg); err != nil {
		c.logger.Warn("Failed to unmarshal event",
			"subject", msg.Subject(),
			"error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	var execID string
	switch p := baseMsg.Payload().(type) {
	case *events.ExecCompletedPayload:
		execID = p.ExecutionID
	case *events.ExecFailedPayload:
		execID = p.ExecutionID
	case *events.ExecAbortedPayload:
		execID = p.ExecutionID
	default:
		c.logger.Warn("Unexpected terminal event payload",
			"type", baseMsg.Type(),
			"subject", msg.Subject())
		_ = msg.Ack()
		return
	}

	switch err := c.archive(ctx, execID); {
	case errors.Is(err, storage.ErrNotFound):
		c.logger.Debug("Execution held elsewhere, skipping",
			"execution_id", execID)
	case err != nil:
		c.archiveFailures.Add(1)
		c.logger.Error("Archive failed",
			"execution_id", execID,
			"error", err)
	default:
		c.archivesWritten.Add(1)
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// archive exports the local chain for execID, stores it, and records
// the reference. The archive carries the public keys of every node
// that appended to the chain so importers can re-verify signatures.
func (c *Component) archive(ctx context.Context, execID string) error {
	records, err := c.dirStore.ReadRecords(execID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return storage.ErrNotFound
	}

	exp := &ledger.Export{
		Version:    ledger.ExportVersion,
		ExportedAt: time.Now().UTC(),
		NodeID:     c.nodeID,
		Chains:     map[string][]*ledger.Record{execID: records},
		Keys:       c.collectKeys(ctx, records),
	}

	data, err := canonical.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	digest, err := c.blobs.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("store archive: %w", err)
	}

	ref := &storage.ArchiveRef{
		ExecutionID: execID,
		ObjectName:  digest,
		Digest:      digest,
		Records:     len(records),
		SizeBytes:   int64(len(data)),
		ArchivedAt:  time.Now().UTC(),
	}
	if err := c.store.PutArchiveRef(ctx, ref); err != nil {
		return fmt.Errorf("record archive reference: %w", err)
	}

	c.logger.Info("Ledger archived",
		"execution_id", execID,
		"records", len(records),
		"digest", digest,
		"bytes", len(data))

	if c.config.RemoveAfterArchive {
		if err := c.dirStore.RemoveExecution(execID); err != nil {
			c.logger.Warn("Failed to remove archived execution directory",
				"execution_id", execID,
				"error", err)
		}
	}
	return nil
}

// collectKeys resolves the public key of every node appearing in the
// chain from the membership bucket. Keys of departed nodes may be
// missing; the archive still stores, and verification of their records
// reports the gap.
func (c *Component) collectKeys(ctx context.Context, records []*ledger.Record) map[string]ledger.KeyInfo {
	keys := make(map[string]ledger.KeyInfo)
	for _, rec := range records {
		if _, done := keys[rec.NodeID]; done {
			continue
		}
		entry, err := c.nodesKV.Get(ctx, rec.NodeID)
		if err != nil {
			c.logger.Warn("No membership entry for chain node",
				"node_id", rec.NodeID,
				"error", err)
			continue
		}
		var node membership.Node
		if err := json.Unmarshal(entry.Value(), &node); err != nil {
			c.logger.Warn("Failed to parse membership entry",
				"node_id", rec.NodeID,
				"error", err)
			continue
		}
		if len(node.PublicKey) == 0 {
			continue
		}
		keys[rec.NodeID] = ledger.KeyInfo{
			Algorithm: node.Algorithm,
			PublicKey: node.PublicKey,
		}
	}
	return keys
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("ledger-archiver stopped",
		"events_handled", c.eventsHandled.Load(),
		"archives_written", c.archivesWritten.Load(),
		"archive_failures", c.archiveFailures.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "ledger-archiver",
		Type:        "processor",
		Description: "Archives finished execution ledgers to the content-addressed blob store",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return archiverSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.archiveFailures.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
