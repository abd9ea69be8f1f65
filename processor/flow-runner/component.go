// Package flowrunner provides the processor that executes automation
// flows. It consumes flow and execution commands from the command
// stream, drives the execution engine with its validation, sandbox,
// ledger, and membership stack, mirrors cluster degradation
// transitions, and reports node metrics for the control plane.
package flowrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/qflow/engine"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
	"github.com/c360studio/qflow/storage"
)

// Component implements the flow-runner processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	stack             *runnerStack
	watcher           *flowWatcher
	workConsumer      jetstream.Consumer
	lifecycleConsumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	commandsHandled   atomic.Int64
	commandFailures   atomic.Int64
	flowsRegistered   atomic.Int64
	executionsStarted atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

// NewComponent creates a new flow-runner processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.EventStream == "" {
		config.EventStream = defaults.EventStream
	}
	if config.Capabilities == nil {
		config.Capabilities = defaults.Capabilities
	}
	if config.DefaultIsolation == "" {
		config.DefaultIsolation = defaults.DefaultIsolation
	}
	if config.MetricsInterval == 0 {
		config.MetricsInterval = defaults.MetricsInterval
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "flow-runner",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized flow-runner",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"default_isolation", c.config.DefaultIsolation)
	return nil
}

// Start builds the execution stack and begins consuming commands.
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

	stack, err := buildStack(subCtx, c.config, c.natsClient, c.logger)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("build execution stack: %w", err)
	}
	c.stack = stack

	if err := stack.start(subCtx); err != nil {
		stack.stop()
		c.rollbackStart(cancel)
		return fmt.Errorf("start execution stack: %w", err)
	}

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.teardown(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.teardown(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	// Submissions and starts are a shared work queue: every runner
	// binds the same durable so the cluster load-balances them.
	workConsumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubjects: []string{
			events.TopicCmdFlowSubmit,
			events.TopicCmdExecStart,
		},
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    30 * time.Second,
		MaxDeliver: 3,
	})
	if err != nil {
		c.teardown(cancel)
		return fmt.Errorf("create work consumer: %w", err)
	}
	c.workConsumer = workConsumer

	// Pause, resume, abort, and flow deletion address state held per
	// node, so they broadcast: each runner has its own consumer and
	// the holders act while the rest ignore.
	lifecycleConsumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable: "flow-runner-lifecycle-" + stack.nodeID,
		FilterSubjects: []string{
			events.TopicCmdFlowDelete,
			events.TopicCmdExecPause,
			events.TopicCmdExecResume,
			events.TopicCmdExecAbort,
		},
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	})
	if err != nil {
		c.teardown(cancel)
		return fmt.Errorf("create lifecycle consumer: %w", err)
	}
	c.lifecycleConsumer = lifecycleConsumer

	// Degradation transitions fan out to every runner, so the mirror
	// consumer is per-node and starts at new messages only.
	mirrorCfg := natsclient.StreamConsumerConfig{
		StreamName:    c.config.EventStream,
		ConsumerName:  "flow-runner-degradation-" + stack.nodeID,
		FilterSubject: events.TopicPrefix + ".degradation.>",
		DeliverPolicy: "new",
		AckPolicy:     "explicit",
		MaxDeliver:    3,
		AckWait:       10 * time.Second,
	}
	if err := c.natsClient.ConsumeStreamWithConfig(subCtx, mirrorCfg, c.handleDegradationEvent); err != nil {
		c.teardown(cancel)
		return fmt.Errorf("start degradation mirror: %w", err)
	}

	if c.config.WatchDir != "" {
		watcher, err := newFlowWatcher(c.config.WatchDir, c.registerDefinition, c.logger)
		if err != nil {
			c.teardown(cancel)
			return fmt.Errorf("watch flow directory: %w", err)
		}
		c.watcher = watcher
		go watcher.run(subCtx)
	}

	go c.consumeLoop(subCtx, c.workConsumer, c.handleWorkCommand)
	go c.consumeLoop(subCtx, c.lifecycleConsumer, c.handleLifecycleCommand)
	go c.metricsLoop(subCtx)

	c.logger.Info("flow-runner started",
		"node_id", stack.nodeID,
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"watch_dir", c.config.WatchDir)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// teardown unwinds a partially started component.
func (c *Component) teardown(cancel context.CancelFunc) {
	c.rollbackStart(cancel)
	if c.stack != nil {
		c.stack.stop()
	}
}

// consumeLoop fetches messages from one consumer until the context
// ends.
func (c *Component) consumeLoop(ctx context.Context, consumer jetstream.Consumer, handle func(context.Context, jetstream.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handle(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// decodeCommand unmarshals a command message, NAKing undecodable ones
// for redelivery.
func (c *Component) decodeCommand(msg jetstream.Msg) (message.BaseMessage, bool) {
	c.commandsHandled.Add(1)
	c.updateLastActivity()

	var baseMsg message.BaseMessage
	if err := json.Unmarshal(msg.Data(), &baseMsg); err != nil {
		c.logger.Error("Failed to unmarshal command",
			"subject", msg.Subject(),
			"error", err)
		c.commandFailures.Add(1)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return message.BaseMessage{}, false
	}
	return baseMsg, true
}

// handleWorkCommand dispatches one work-queue command. Decoded
// commands are always ACKed, with failures reported through logs and
// lifecycle events rather than redelivery, because a command that
// failed once fails the same way again.
func (c *Component) handleWorkCommand(ctx context.Context, msg jetstream.Msg) {
	baseMsg, ok := c.decodeCommand(msg)
	if !ok {
		return
	}

	var err error
	switch cmd := baseMsg.Payload().(type) {
	case *events.FlowSubmitCommand:
		err = c.submitFlow(ctx, cmd)
	case *events.ExecStartCommand:
		err = c.startExecution(ctx, cmd)
	default:
		c.logger.Warn("Unexpected command payload",
			"type", baseMsg.Type(),
			"subject", msg.Subject())
		c.commandFailures.Add(1)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err != nil {
		c.commandFailures.Add(1)
		c.logger.Error("Command failed",
			"subject", msg.Subject(),
			"error", err)
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// handleLifecycleCommand dispatches one broadcast lifecycle command.
// An unknown execution means another node owns it, so that case acks
// quietly; real failures on the owning node are logged and acked like
// work commands.
func (c *Component) handleLifecycleCommand(ctx context.Context, msg jetstream.Msg) {
	baseMsg, ok := c.decodeCommand(msg)
	if !ok {
		return
	}

	var err error
	switch cmd := baseMsg.Payload().(type) {
	case *events.FlowDeleteCommand:
		err = c.deleteFlow(ctx, cmd)
	case *events.ExecPauseCommand:
		err = c.stack.engine.PauseExecution(ctx, cmd.ExecutionID, cmd.Reason)
	case *events.ExecResumeCommand:
		err = c.stack.engine.ResumeExecution(ctx, cmd.ExecutionID)
	case *events.ExecAbortCommand:
		err = c.stack.engine.AbortExecution(ctx, cmd.ExecutionID, cmd.Reason)
	default:
		c.logger.Warn("Unexpected command payload",
			"type", baseMsg.Type(),
			"subject", msg.Subject())
		c.commandFailures.Add(1)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	switch {
	case qerr.IsKind(err, qerr.KindExecutionNotFound):
		c.logger.Debug("Lifecycle command for execution owned elsewhere",
			"subject", msg.Subject())
	case err != nil:
		c.commandFailures.Add(1)
		c.logger.Error("Command failed",
			"subject", msg.Subject(),
			"error", err)
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// submitFlow parses a submitted definition and registers it with the
// engine and the shared flow store.
func (c *Component) submitFlow(ctx context.Context, cmd *events.FlowSubmitCommand) error {
	f, errs := flow.Parse([]byte(cmd.Definition), flow.Format(cmd.Format))
	if len(errs) > 0 {
		return fmt.Errorf("parse flow definition: %w", errs[0])
	}

	if err := c.stack.engine.RegisterFlow(ctx, f); err != nil {
		return fmt.Errorf("register flow %s: %w", f.ID, err)
	}
	if err := c.stack.store.PutFlow(ctx, f); err != nil {
		return fmt.Errorf("store flow %s: %w", f.ID, err)
	}

	c.flowsRegistered.Add(1)
	c.logger.Info("Flow registered",
		"flow_id", f.ID,
		"version", f.Version,
		"request_id", cmd.RequestID,
		"actor", cmd.Actor)
	return nil
}

// deleteFlow drops the local registry copy and removes the stored
// document. Every runner runs both steps; the store delete is
// idempotent, so latecomers finding nothing is not a failure.
func (c *Component) deleteFlow(ctx context.Context, cmd *events.FlowDeleteCommand) error {
	c.stack.engine.DeregisterFlow(ctx, cmd.FlowID, cmd.Actor)
	if err := c.stack.store.DeleteFlow(ctx, cmd.FlowID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete stored flow %s: %w", cmd.FlowID, err)
	}
	c.logger.Info("Flow deleted",
		"flow_id", cmd.FlowID,
		"request_id", cmd.RequestID,
		"actor", cmd.Actor)
	return nil
}

// registerDefinition is the flow watcher callback: same path as a
// submit command, for definitions dropped into the watched directory.
func (c *Component) registerDefinition(ctx context.Context, doc []byte) error {
	f, errs := flow.Parse(doc, flow.FormatAuto)
	if len(errs) > 0 {
		return fmt.Errorf("parse flow definition: %w", errs[0])
	}
	if err := c.stack.engine.RegisterFlow(ctx, f); err != nil {
		return fmt.Errorf("register flow %s: %w", f.ID, err)
	}
	if err := c.stack.store.PutFlow(ctx, f); err != nil {
		return fmt.Errorf("store flow %s: %w", f.ID, err)
	}
	c.flowsRegistered.Add(1)
	return nil
}

// startExecution launches a flow execution from a start command. The
// submit command can land on any runner, so a flow unknown to the
// local engine is hydrated from the shared store before giving up.
func (c *Component) startExecution(ctx context.Context, cmd *events.ExecStartCommand) error {
	isolation := cmd.IsolationLevel
	if isolation == "" {
		isolation = c.config.DefaultIsolation
	}

	ec := engine.ExecutionContext{
		RequestID:      cmd.RequestID,
		Principal:      cmd.Principal,
		TriggerType:    cmd.TriggerType,
		Input:          cmd.Input,
		Variables:      cmd.Variables,
		Permissions:    cmd.Permissions,
		DAOSubnet:      cmd.DAOSubnet,
		IsolationLevel: sandbox.IsolationLevel(isolation),
	}

	id, err := c.stack.engine.StartExecution(ctx, cmd.FlowID, ec)
	if qerr.IsKind(err, qerr.KindFlowNotFound) {
		f, gerr := c.stack.store.GetFlow(ctx, cmd.FlowID)
		if gerr != nil {
			return fmt.Errorf("flow %s not registered and not in store: %w", cmd.FlowID, gerr)
		}
		if rerr := c.stack.engine.RegisterFlow(ctx, f); rerr != nil {
			return fmt.Errorf("register stored flow %s: %w", cmd.FlowID, rerr)
		}
		id, err = c.stack.engine.StartExecution(ctx, cmd.FlowID, ec)
	}
	if err != nil {
		return fmt.Errorf("start execution of %s: %w", cmd.FlowID, err)
	}

	c.executionsStarted.Add(1)
	c.logger.Info("Execution started",
		"execution_id", id,
		"flow_id", cmd.FlowID,
		"principal", cmd.Principal,
		"request_id", cmd.RequestID)
	return nil
}

// handleDegradationEvent replays a published ladder transition onto the
// local mirror so admission and layer shedding track the cluster level.
func (c *Component) handleDegradationEvent(_ context.Context, msg jetstream.Msg) {
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(msg.Data(), &baseMsg); err != nil {
		c.logger.Warn("Failed to unmarshal degradation event",
			"subject", msg.Subject(),
			"error", err)
		_ = msg.Nak()
		return
	}

	payload, ok := baseMsg.Payload().(*events.DegradationChangedPayload)
	if !ok {
		c.logger.Warn("Unexpected degradation payload",
			"type", baseMsg.Type(),
			"subject", msg.Subject())
		_ = msg.Ack()
		return
	}

	// ForceLevel moves in either direction and skips cooldown and
	// dwell, which replayed transitions must not re-serve. The level
	// can be unknown when the controller runs a taller ladder; retrying
	// will not make it known, so ack either way.
	if err := c.stack.mirror.ForceLevel(payload.ToLevel, payload.Reason); err != nil {
		c.logger.Warn("Cannot mirror degradation level",
			"to_level", payload.ToLevel,
			"error", err)
		_ = msg.Ack()
		return
	}
	c.stack.mirror.ClearOverride()

	c.logger.Info("Degradation level mirrored",
		"from_level", payload.FromLevel,
		"to_level", payload.ToLevel,
		"reason", payload.Reason)
	_ = msg.Ack()
}

// metricsLoop periodically reports node metrics and refreshes peer
// trust keys.
func (c *Component) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportMetrics(ctx)
		}
	}
}

// reportMetrics publishes a node metrics snapshot, advertises load to
// the membership directory, and trusts any newly joined peers.
func (c *Component) reportMetrics(ctx context.Context) {
	var running, pending, completed, failed int
	for _, ex := range c.stack.engine.ListExecutions() {
		switch ex.Status {
		case engine.StatusRunning:
			running++
		case engine.StatusPending:
			pending++
		case engine.StatusCompleted:
			completed++
		case engine.StatusFailed:
			failed++
		}
	}

	workers := c.config.Workers
	if workers <= 0 {
		workers = engine.DefaultWorkers
	}
	load := float64(running) / float64(workers)
	if load > 1 {
		load = 1
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memory := 0.0
	if ms.HeapSys > 0 {
		memory = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}

	errorRate := 0.0
	if completed+failed > 0 {
		errorRate = float64(failed) / float64(completed+failed)
	}

	c.stack.pub.Emit(ctx, events.TopicMetricsUpdated, c.stack.nodeID, &events.SystemMetricsPayload{
		NodeID:     c.stack.nodeID,
		CPU:        load,
		Memory:     memory,
		ErrorRate:  errorRate,
		QueueDepth: pending,
	})

	c.stack.directory.SetLoad(load)
	c.stack.trustPeers(ctx)
}

// Stop gracefully stops the component and its stack.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.watcher != nil {
		c.watcher.close()
	}
	if c.stack != nil {
		c.stack.stop()
	}

	c.running = false
	c.logger.Info("flow-runner stopped",
		"commands_handled", c.commandsHandled.Load(),
		"flows_registered", c.flowsRegistered.Load(),
		"executions_started", c.executionsStarted.Load(),
		"command_failures", c.commandFailures.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "flow-runner",
		Type:        "processor",
		Description: "Executes automation flows with validated, ledger-backed, sandboxed steps",
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
	return runnerSchema
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
		ErrorCount: int(c.commandFailures.Load()),
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
