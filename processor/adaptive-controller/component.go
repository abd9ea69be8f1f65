// Package adaptivecontroller provides the processor that runs the
// adaptive control plane for a qflow cluster. It aggregates node
// metrics reports into cluster snapshots, drives the coordinator's
// control cycle (burn rate, degradation ladder, autoscaler,
// optimizer, cost actions), publishes the resulting control events,
// watches a KV key for manual degradation overrides, and serves the
// Prometheus registry fed from the event stream.
package adaptivecontroller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/qflow/control"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/storage"
)

// Component implements the adaptive-controller processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	nodeID      string
	bus         *events.Bus
	monitor     *clusterMonitor
	ladder      *control.DegradationLadder
	coordinator *control.Coordinator
	metrics     *control.Metrics
	httpServer  *http.Server

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	eventsObserved   atomic.Int64
	eventFailures    atomic.Int64
	overridesApplied atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new adaptive-controller processor.
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
	if config.CommandStream == "" {
		config.CommandStream = defaults.CommandStream
	}
	if config.SampleInterval == 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.NodeStaleAfter == 0 {
		config.NodeStaleAfter = defaults.NodeStaleAfter
	}
	if config.OverrideBucket == "" {
		config.OverrideBucket = defaults.OverrideBucket
	}
	if config.OverrideKey == "" {
		config.OverrideKey = defaults.OverrideKey
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "adaptive-controller",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized adaptive-controller",
		"event_stream", c.config.EventStream,
		"sample_interval", c.config.SampleInterval)
	return nil
}

// Start builds the control plane and begins the control cycle.
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

	if err := c.buildControlPlane(subCtx); err != nil {
		c.teardown(cancel)
		return err
	}

	// The controller feeds its collectors and monitor from the event
	// stream rather than its own publisher, so every cluster event,
	// its own included, is observed exactly once.
	mirrorCfg := natsclient.StreamConsumerConfig{
		StreamName:    c.config.EventStream,
		ConsumerName:  "adaptive-controller-events-" + c.nodeID,
		FilterSubject: events.TopicPrefix + ".>",
		DeliverPolicy: "new",
		AckPolicy:     "explicit",
		MaxDeliver:    3,
		AckWait:       10 * time.Second,
	}
	if err := c.natsClient.ConsumeStreamWithConfig(subCtx, mirrorCfg, c.handleEvent); err != nil {
		c.teardown(cancel)
		return fmt.Errorf("start event mirror: %w", err)
	}

	go c.watchOverride(subCtx)

	if err := c.coordinator.Start(subCtx); err != nil {
		c.teardown(cancel)
		return fmt.Errorf("start coordinator: %w", err)
	}

	if c.config.MetricsAddr != "" {
		c.httpServer = &http.Server{
			Addr:    c.config.MetricsAddr,
			Handler: promhttp.HandlerFor(c.metrics.Registry(), promhttp.HandlerOpts{}),
		}
		go func() {
			if err := c.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("Metrics server failed", "addr", c.config.MetricsAddr, "error", err)
			}
		}()
	}

	c.logger.Info("adaptive-controller started",
		"node_id", c.nodeID,
		"sample_interval", c.config.SampleInterval,
		"metrics_addr", c.config.MetricsAddr)

	return nil
}

// buildControlPlane wires the monitor, burn-rate service, ladder,
// autoscaler, optimizer, coordinator, and Prometheus collectors.
func (c *Component) buildControlPlane(ctx context.Context) error {
	js, err := c.natsClient.JetStream()
	if err != nil {
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

	store, err := storage.NewStore(ctx, js)
	if err != nil {
		return fmt.Errorf("create entity store: %w", err)
	}

	// The publisher goes straight to JetStream with no bus mirror:
	// published events come back through the stream consumer, which is
	// the single feed for the local bus.
	pub := events.NewPublisher(c.natsClient, nil, c.name, c.logger)

	c.bus = events.NewBus(0)
	c.monitor = newClusterMonitor(store, c.config.NodeStaleAfter)
	controller := &commandController{nc: c.natsClient, source: c.name}

	burn := control.NewBurnRateService(c.monitor, controller, pub, c.logger,
		control.WithSampleInterval(c.config.SampleInterval))

	var ladderOpts []control.LadderOption
	if c.config.EscalationCooldown > 0 {
		ladderOpts = append(ladderOpts, control.WithEscalationCooldown(c.config.EscalationCooldown))
	}
	if c.config.DeEscalationDelay > 0 {
		ladderOpts = append(ladderOpts, control.WithDeEscalationDelay(c.config.DeEscalationDelay))
	}
	if c.config.OverrideWindow > 0 {
		ladderOpts = append(ladderOpts, control.WithOverrideWindow(c.config.OverrideWindow))
	}
	ladder, err := control.NewDegradationLadder(nil, pub, c.logger, ladderOpts...)
	if err != nil {
		return fmt.Errorf("build degradation ladder: %w", err)
	}
	c.ladder = ladder

	scaler, err := control.NewAutoscaler(nil, pub, c.logger)
	if err != nil {
		return fmt.Errorf("build autoscaler: %w", err)
	}
	optimizer, err := control.NewOptimizer(nil, pub, c.logger)
	if err != nil {
		return fmt.Errorf("build optimizer: %w", err)
	}

	coordinator, err := control.NewCoordinator(control.CoordinatorConfig{
		SampleInterval:       c.config.SampleInterval,
		MaxConcurrentActions: c.config.MaxConcurrentActions,
		ActionCooldown:       c.config.ActionCooldown,
		PauseBurnThreshold:   c.config.PauseBurnThreshold,
		DeferBurnThreshold:   c.config.DeferBurnThreshold,
		RerouteBurnThreshold: c.config.RerouteBurnThreshold,
	}, c.monitor, burn, ladder, scaler, optimizer, pub, c.logger)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	c.coordinator = coordinator

	c.metrics = control.NewMetrics()
	if err := c.metrics.Start(ctx, c.bus); err != nil {
		return fmt.Errorf("start metrics feed: %w", err)
	}
	return nil
}

func (c *Component) teardown(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
	c.stopControlPlane()
}

func (c *Component) stopControlPlane() {
	if c.coordinator != nil {
		c.coordinator.Stop()
	}
	if c.metrics != nil {
		c.metrics.Stop()
	}
	if c.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if c.bus != nil {
		c.bus.Close()
	}
}

// handleEvent feeds one stream event into the cluster monitor and the
// local bus. Node metrics reports update the monitor; everything is
// mirrored for the Prometheus collectors.
func (c *Component) handleEvent(_ context.Context, msg jetstream.Msg) {
	c.eventsObserved.Add(1)
	c.updateLastActivity()

	var baseMsg message.BaseMessage
	if err := json.Unmarshal(msg.Data(), &baseMsg); err != nil {
		c.logger.Warn("Failed to unmarshal event",
			"subject", msg.Subject(),
			"error", err)
		c.eventFailures.Add(1)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	payload := baseMsg.Payload()
	if p, ok := payload.(*events.SystemMetricsPayload); ok {
		c.monitor.observe(*p)
	}

	c.bus.Publish(events.Envelope{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   "v1",
		Source:    c.name,
		Topic:     msg.Subject(),
		Data:      payload,
	})

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// manualOverride is the KV value shape for degradation overrides.
type manualOverride struct {
	Level  int    `json:"level"`
	Reason string `json:"reason,omitempty"`
}

// watchOverride follows the override key: a put forces the ladder to
// that level, a delete clears the override. Watch failures are logged
// and the knob stays inert; the control cycle does not depend on it.
func (c *Component) watchOverride(ctx context.Context) {
	js, err := c.natsClient.JetStream()
	if err != nil {
		c.logger.Error("Failed to get JetStream context", "error", err)
		return
	}

	kv, err := js.KeyValue(ctx, c.config.OverrideBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: c.config.OverrideBucket})
	}
	if err != nil {
		c.logger.Error("Failed to open override bucket",
			"bucket", c.config.OverrideBucket,
			"error", err)
		return
	}

	watcher, err := kv.Watch(ctx, c.config.OverrideKey)
	if err != nil {
		c.logger.Error("Failed to create override watcher", "error", err)
		return
	}
	defer func() { _ = watcher.Stop() }()

	c.logger.Debug("Watching for degradation overrides",
		"bucket", c.config.OverrideBucket,
		"key", c.config.OverrideKey)

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-watcher.Updates():
			if entry == nil {
				continue
			}
			c.applyOverride(entry)
		}
	}
}

func (c *Component) applyOverride(entry jetstream.KeyValueEntry) {
	if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
		c.ladder.ClearOverride()
		c.logger.Info("Degradation override cleared")
		return
	}

	var ov manualOverride
	if err := json.Unmarshal(entry.Value(), &ov); err != nil {
		c.logger.Warn("Failed to parse degradation override",
			"value", string(entry.Value()),
			"error", err)
		return
	}
	reason := ov.Reason
	if reason == "" {
		reason = "manual override"
	}
	if err := c.ladder.ForceLevel(ov.Level, reason); err != nil {
		c.logger.Warn("Cannot apply degradation override",
			"level", ov.Level,
			"error", err)
		return
	}
	c.overridesApplied.Add(1)
	c.logger.Info("Degradation override applied",
		"level", ov.Level,
		"reason", reason)
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
	c.stopControlPlane()

	c.running = false
	c.logger.Info("adaptive-controller stopped",
		"events_observed", c.eventsObserved.Load(),
		"overrides_applied", c.overridesApplied.Load(),
		"event_failures", c.eventFailures.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "adaptive-controller",
		Type:        "processor",
		Description: "Runs the adaptive control plane: burn rate, degradation, scaling, optimization",
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
	return controllerSchema
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
		ErrorCount: int(c.eventFailures.Load()),
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
