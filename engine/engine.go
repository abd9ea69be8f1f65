package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/validation"
)

// FailureStrategy controls what an unhandled step failure does to the
// rest of the execution.
type FailureStrategy string

// Failure strategies.
const (
	ContinueOnError FailureStrategy = "continue-on-error"
	FailFast        FailureStrategy = "fail-fast"
)

// Engine defaults. Zero config fields take these.
const (
	DefaultMaxConcurrentSteps  = 8
	DefaultWorkers             = 4
	DefaultInfraRetryAttempts  = 2
	DefaultInfraRetryBackoff   = 500 * time.Millisecond
	DefaultAbortGrace          = 5 * time.Second
	DefaultAdmissionRetryDelay = 200 * time.Millisecond
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// MaxConcurrentSteps bounds in-flight steps across all executions.
	MaxConcurrentSteps int
	// Workers is the number of scheduler goroutines; it also bounds
	// concurrently driven executions.
	Workers int
	// StepTimeout applies to steps that declare none.
	StepTimeout time.Duration
	// RetryAttempts is the default business retry budget per step.
	RetryAttempts int
	// InfraRetryAttempts is the independent budget for transient
	// infrastructure faults; it never consumes business retries.
	InfraRetryAttempts int
	// InfraRetryBackoff is the linear backoff base between infra
	// retries.
	InfraRetryBackoff time.Duration
	// FailureStrategy picks fail-fast or continue-on-error.
	FailureStrategy FailureStrategy
	// AbortGrace bounds how long an abort waits for in-flight steps
	// before the execution is finalized regardless.
	AbortGrace time.Duration
	// AdmissionRetryDelay is how long an idle worker waits before
	// re-testing a denied queue head.
	AdmissionRetryDelay time.Duration
	// NodeStaleAfter is the heartbeat age past which a node stops
	// receiving dispatches.
	NodeStaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = flow.DefaultStepTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = flow.DefaultRetryAttempts
	}
	if c.InfraRetryAttempts <= 0 {
		c.InfraRetryAttempts = DefaultInfraRetryAttempts
	}
	if c.InfraRetryBackoff <= 0 {
		c.InfraRetryBackoff = DefaultInfraRetryBackoff
	}
	if c.FailureStrategy == "" {
		c.FailureStrategy = ContinueOnError
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = DefaultAbortGrace
	}
	if c.AdmissionRetryDelay <= 0 {
		c.AdmissionRetryDelay = DefaultAdmissionRetryDelay
	}
	if c.NodeStaleAfter <= 0 {
		c.NodeStaleAfter = DefaultNodeStaleAfter
	}
	return c
}

// ManifestWriter mirrors execution snapshots into shared storage so
// peers and the CLI can read them. Writes are best-effort; failures are
// logged, never fatal to the execution.
type ManifestWriter interface {
	WriteSnapshot(ctx context.Context, ex *Execution) error
}

// Dependencies wires the engine's collaborators. Ledger and Runner are
// required; everything else degrades gracefully when nil.
type Dependencies struct {
	Ledger    *ledger.Ledger
	Runner    StepRunner
	Directory membership.Directory
	Publisher *events.Publisher
	Pipeline  *validation.Pipeline
	Admission AdmissionController
	Manifests ManifestWriter
	Logger    *slog.Logger

	// LayerSelector, when set, names the validation layers to run for
	// flow registration. Nil (or a nil return) means all registered
	// layers. The control plane uses it to shed optional layers under
	// degradation.
	LayerSelector func() []string
}

// Engine owns flow registration, execution scheduling, and step
// dispatch.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	ledger    *ledger.Ledger
	runner    StepRunner
	directory membership.Directory
	pub       *events.Publisher
	pipeline  *validation.Pipeline
	admission AdmissionController
	manifests ManifestWriter
	layers    func() []string
	sem       *semaphore.Weighted

	mu      sync.RWMutex
	flows   map[string]*flow.Flow
	digests map[string]string
	graphs  map[string]*flow.Graph
	execs   map[string]*execState

	qmu   sync.Mutex
	queue execHeap
	kick  chan struct{}
	seq   atomic.Uint64

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an engine. It returns an error when a required dependency
// is missing.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Ledger == nil {
		return nil, qerr.New(qerr.KindRequiredField, "engine requires a ledger")
	}
	if deps.Runner == nil {
		return nil, qerr.New(qerr.KindRequiredField, "engine requires a step runner")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := deps.Directory
	if dir == nil {
		dir = membership.NewStaticDirectory(membership.Node{
			ID:            deps.Ledger.NodeID(),
			Capabilities:  []string{"*"},
			LastHeartbeat: time.Now(),
		})
	}
	adm := deps.Admission
	if adm == nil {
		adm = openAdmission{}
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		ledger:    deps.Ledger,
		runner:    deps.Runner,
		directory: dir,
		pub:       deps.Publisher,
		pipeline:  deps.Pipeline,
		admission: adm,
		manifests: deps.Manifests,
		layers:    deps.LayerSelector,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentSteps)),
		flows:     make(map[string]*flow.Flow),
		digests:   make(map[string]string),
		graphs:    make(map[string]*flow.Graph),
		execs:     make(map[string]*execState),
		kick:      make(chan struct{}, 1),
	}, nil
}

// Start launches the scheduler workers. It is not reentrant.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return qerr.New(qerr.KindInvalidTransition, "engine already started")
	}
	e.started = true
	e.runCtx, e.runStop = context.WithCancel(ctx)
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(e.runCtx)
	}
	e.logger.Info("engine started",
		"workers", e.cfg.Workers, "max_concurrent_steps", e.cfg.MaxConcurrentSteps)
	return nil
}

// Stop halts the schedulers and waits for the running executions'
// drivers to return. Queued executions stay pending.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop := e.runStop
	e.mu.Unlock()

	stop()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// RegisterFlow validates and registers a flow. Registration is
// idempotent for identical (ID, Version, content); re-registering the
// same version with different content is rejected as a duplicate. A new
// version replaces the old one for future executions.
func (e *Engine) RegisterFlow(ctx context.Context, f *flow.Flow) error {
	if f == nil {
		return qerr.New(qerr.KindRequiredField, "flow is required")
	}
	if errs := flow.ValidateStructure(f); len(errs) > 0 {
		return errs[0]
	}
	g := flow.BuildGraph(f)
	if cycle := g.FindCycle(); cycle != nil {
		return qerr.Newf(qerr.KindCircularDep, "flow %s has a dependency cycle", f.ID).
			WithDetail("cycle", cycle)
	}
	digest, err := canonical.Digest(f)
	if err != nil {
		return qerr.Wrap(qerr.KindInvalidType, "digest flow", err)
	}

	if e.pipeline != nil {
		req := &validation.Request{
			RequestID:           uuid.New().String(),
			Kind:                "flow",
			Data:                f,
			Actor:               f.Owner,
			RequiredPermissions: f.Metadata.RequiredPermissions,
		}
		if e.layers != nil {
			req.Layers = e.layers()
		}
		report, verr := e.pipeline.Validate(ctx, req)
		if verr != nil {
			return verr
		}
		if report.OverallStatus == validation.StatusFailed {
			return qerr.Newf(qerr.KindRequiredLayerFailed,
				"flow %s failed validation", f.ID)
		}
	}

	e.mu.Lock()
	prev, exists := e.flows[f.ID]
	if exists && prev.Version == f.Version {
		if e.digests[f.ID] == digest {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		return qerr.Newf(qerr.KindDuplicate,
			"flow %s version %s already registered with different content", f.ID, f.Version)
	}
	e.flows[f.ID] = f.Clone()
	e.digests[f.ID] = digest
	e.graphs[f.ID] = g
	e.mu.Unlock()

	if exists {
		e.pub.Emit(ctx, events.TopicFlowUpdated, f.Owner, &events.FlowUpdatedPayload{
			FlowID:  f.ID,
			Version: f.Version,
		})
	} else {
		e.pub.Emit(ctx, events.TopicFlowCreated, f.Owner, &events.FlowCreatedPayload{
			FlowID:    f.ID,
			Name:      f.Name,
			Version:   f.Version,
			Owner:     f.Owner,
			StepCount: len(f.Steps),
		})
	}
	e.logger.Info("flow registered", "flow_id", f.ID, "version", f.Version, "steps", len(f.Steps))
	return nil
}

// Flow returns a registered flow by ID.
func (e *Engine) Flow(id string) (*flow.Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.flows[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Flows lists registered flows.
func (e *Engine) Flows() []*flow.Flow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*flow.Flow, 0, len(e.flows))
	for _, f := range e.flows {
		out = append(out, f.Clone())
	}
	return out
}

// DeregisterFlow removes a flow from the local registry and reports
// whether it was registered here. In-flight executions hold their own
// copy of the definition and run to completion.
func (e *Engine) DeregisterFlow(ctx context.Context, flowID, actor string) bool {
	e.mu.Lock()
	_, ok := e.flows[flowID]
	if ok {
		delete(e.flows, flowID)
		delete(e.digests, flowID)
		delete(e.graphs, flowID)
	}
	e.mu.Unlock()

	if ok {
		e.pub.Emit(ctx, events.TopicFlowDeleted, actor, &events.FlowDeletedPayload{
			FlowID: flowID,
		})
		e.logger.Info("flow deregistered", "flow_id", flowID)
	}
	return ok
}

// StartExecution creates an execution of the flow and enqueues it. The
// returned ID is usable immediately with GetExecutionStatus.
func (e *Engine) StartExecution(ctx context.Context, flowID string, ec ExecutionContext) (string, error) {
	e.mu.Lock()
	f, ok := e.flows[flowID]
	if !ok {
		e.mu.Unlock()
		return "", qerr.Newf(qerr.KindFlowNotFound, "flow %s not found", flowID)
	}
	g := e.graphs[flowID]
	id := uuid.New().String()
	st := newExecState(id, f, g, ec, e.seq.Add(1), time.Now())
	e.execs[id] = st
	e.mu.Unlock()

	if _, err := e.ledger.Append(ctx, ledger.Entry{
		ExecID: id,
		Kind:   ledger.KindExecStarted,
		Actor:  ec.Principal,
		Payload: &events.ExecStartedPayload{
			ExecutionID: id,
			FlowID:      flowID,
			Principal:   ec.Principal,
			TriggerType: ec.TriggerType,
			NodeID:      e.ledger.NodeID(),
			RequestID:   ec.RequestID,
		},
	}); err != nil {
		e.mu.Lock()
		delete(e.execs, id)
		e.mu.Unlock()
		return "", err
	}

	e.pub.Emit(ctx, events.TopicExecStarted, ec.Principal, &events.ExecStartedPayload{
		ExecutionID: id,
		FlowID:      flowID,
		Principal:   ec.Principal,
		TriggerType: ec.TriggerType,
		NodeID:      e.ledger.NodeID(),
		RequestID:   ec.RequestID,
	})
	e.writeManifest(ctx, st)

	e.qmu.Lock()
	heap.Push(&e.queue, execItem{execID: id, rank: st.priority.Rank(), seq: st.seq})
	e.qmu.Unlock()
	e.wakeWorkers()

	e.logger.Info("execution enqueued",
		"execution_id", id, "flow_id", flowID, "priority", st.priority)
	return id, nil
}

// GetExecutionStatus returns a snapshot copy of the execution.
func (e *Engine) GetExecutionStatus(id string) (*Execution, bool) {
	e.mu.RLock()
	st, ok := e.execs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return st.snapshot(), true
}

// ListExecutions returns snapshots of all known executions.
func (e *Engine) ListExecutions() []*Execution {
	e.mu.RLock()
	states := make([]*execState, 0, len(e.execs))
	for _, st := range e.execs {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]*Execution, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	return out
}

// PauseExecution moves a running execution to paused. In-flight steps
// run to completion; pending dispatches stay queued until resume.
func (e *Engine) PauseExecution(ctx context.Context, id, reason string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	if _, err := st.transition(StatusRunning, StatusPaused); err != nil {
		return err
	}
	st.wake()

	if _, lerr := e.ledger.Append(ctx, ledger.Entry{
		ExecID:  id,
		Kind:    ledger.KindExecPaused,
		Actor:   st.execCtx.Principal,
		Payload: &events.ExecPausedPayload{ExecutionID: id, Reason: reason},
	}); lerr != nil {
		e.logger.Warn("pause record append failed", "execution_id", id, "error", lerr)
	}
	e.pub.Emit(ctx, events.TopicExecPaused, st.execCtx.Principal,
		&events.ExecPausedPayload{ExecutionID: id, Reason: reason})
	e.writeManifest(ctx, st)
	return nil
}

// ResumeExecution moves a paused execution back to running.
func (e *Engine) ResumeExecution(ctx context.Context, id string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	if _, err := st.transition(StatusPaused, StatusRunning); err != nil {
		return err
	}
	st.wake()

	if _, lerr := e.ledger.Append(ctx, ledger.Entry{
		ExecID:  id,
		Kind:    ledger.KindExecResumed,
		Actor:   st.execCtx.Principal,
		Payload: &events.ExecResumedPayload{ExecutionID: id},
	}); lerr != nil {
		e.logger.Warn("resume record append failed", "execution_id", id, "error", lerr)
	}
	e.pub.Emit(ctx, events.TopicExecResumed, st.execCtx.Principal,
		&events.ExecResumedPayload{ExecutionID: id})
	e.writeManifest(ctx, st)
	return nil
}

// AbortExecution cancels an execution from pending, running, or paused.
// Running steps get a cooperative cancel; the driver finalizes after
// they drain or the abort grace expires, whichever comes first.
func (e *Engine) AbortExecution(ctx context.Context, id, reason string) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	prev := st.status
	switch prev {
	case StatusPending, StatusRunning, StatusPaused:
	default:
		st.mu.Unlock()
		return qerr.Newf(qerr.KindInvalidTransition,
			"execution %s is %s, cannot abort", id, prev)
	}
	st.status = StatusAborted
	st.lastErr = reason
	st.mu.Unlock()

	st.stepStop()
	st.wake()

	// A pending execution has no driver yet; finalize it here.
	if prev == StatusPending {
		e.finalize(st, StatusAborted, reason)
	}
	return nil
}

// CleanupExecutions drops terminal executions older than maxAge and
// returns how many were removed.
func (e *Engine) CleanupExecutions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, st := range e.execs {
		st.mu.Lock()
		terminal := st.status.Terminal()
		old := st.endTime != nil && st.endTime.Before(cutoff)
		st.mu.Unlock()
		if terminal && old {
			delete(e.execs, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info("executions cleaned up", "removed", removed)
	}
	return removed
}

// AwaitExecution blocks until the execution reaches a terminal status
// or ctx is done.
func (e *Engine) AwaitExecution(ctx context.Context, id string) (*Execution, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) state(id string) (*execState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.execs[id]
	if !ok {
		return nil, qerr.Newf(qerr.KindExecutionNotFound, "execution %s not found", id)
	}
	return st, nil
}

func (e *Engine) wakeWorkers() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// writeManifest mirrors the execution snapshot; failures only log.
func (e *Engine) writeManifest(ctx context.Context, st *execState) {
	if e.manifests == nil {
		return
	}
	if err := e.manifests.WriteSnapshot(ctx, st.snapshot()); err != nil {
		e.logger.Warn("manifest write failed", "execution_id", st.id, "error", err)
	}
}
