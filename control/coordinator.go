package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

// Coordinator defaults.
const (
	DefaultMaxConcurrentActions = 4
	DefaultActionCooldown       = 30 * time.Second
	DefaultPauseBurnThreshold   = 0.85
	DefaultPausePercentile      = 0.5
	DefaultDeferBurnThreshold   = 0.8
	DefaultRerouteBurnThreshold = 0.92
	DefaultReroutePercentile    = 0.75

	DefaultEmergencyBurnRate    = 0.98
	DefaultEmergencyErrorRate   = 0.25
	DefaultEmergencyLatencyMs   = 10_000
	DefaultEmergencyUtilization = 0.97
)

// recentActionLimit bounds the completed-action ring.
const recentActionLimit = 32

// Adaptive action kinds.
const (
	ActionPauseLowPriority = "pause_low_priority"
	ActionDeferHeavySteps  = "defer_heavy_steps"
	ActionRerouteColdNodes = "reroute_cold_nodes"
	ActionEscalate         = "escalate"
	ActionDeEscalate       = "deescalate"
	ActionForceLevel       = "force_level"
)

// EmergencyThresholds are the critical levels that bypass every
// cooldown and escalate directly.
type EmergencyThresholds struct {
	BurnRate     float64 `json:"burn_rate"`
	ErrorRate    float64 `json:"error_rate"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	Utilization  float64 `json:"utilization"`
}

// CoordinatorConfig tunes the coordinator. Zero values take the
// defaults.
type CoordinatorConfig struct {
	// SampleInterval drives the Start loop.
	SampleInterval time.Duration
	// MaxConcurrentActions bounds scheduled adaptive actions in
	// flight. Forced and emergency actions bypass the bound.
	MaxConcurrentActions int
	// ActionCooldown is the minimum gap between scheduled actions of
	// the same kind.
	ActionCooldown time.Duration

	PauseBurnThreshold   float64
	PausePercentile      float64
	DeferBurnThreshold   float64
	RerouteBurnThreshold float64
	ReroutePercentile    float64

	Emergency EmergencyThresholds
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.MaxConcurrentActions <= 0 {
		c.MaxConcurrentActions = DefaultMaxConcurrentActions
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = DefaultActionCooldown
	}
	if c.PauseBurnThreshold <= 0 {
		c.PauseBurnThreshold = DefaultPauseBurnThreshold
	}
	if c.PausePercentile <= 0 {
		c.PausePercentile = DefaultPausePercentile
	}
	if c.DeferBurnThreshold <= 0 {
		c.DeferBurnThreshold = DefaultDeferBurnThreshold
	}
	if c.RerouteBurnThreshold <= 0 {
		c.RerouteBurnThreshold = DefaultRerouteBurnThreshold
	}
	if c.ReroutePercentile <= 0 {
		c.ReroutePercentile = DefaultReroutePercentile
	}
	if c.Emergency.BurnRate <= 0 {
		c.Emergency.BurnRate = DefaultEmergencyBurnRate
	}
	if c.Emergency.ErrorRate <= 0 {
		c.Emergency.ErrorRate = DefaultEmergencyErrorRate
	}
	if c.Emergency.LatencyP99Ms <= 0 {
		c.Emergency.LatencyP99Ms = DefaultEmergencyLatencyMs
	}
	if c.Emergency.Utilization <= 0 {
		c.Emergency.Utilization = DefaultEmergencyUtilization
	}
	return c
}

// AdaptiveAction is one tracked control action. CompletedAt zero means
// still running.
type AdaptiveAction struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Params      map[string]any `json:"params,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Error       string         `json:"error,omitempty"`
	Result      any            `json:"result,omitempty"`
}

// SystemStatus is the coordinator's aggregate view.
type SystemStatus struct {
	Overall         string              `json:"overall"`
	Performance     PerformanceStatus   `json:"performance"`
	Scaling         []ScalingDecision   `json:"scaling,omitempty"`
	Optimization    []string            `json:"optimization,omitempty"`
	Degradation     LadderStatus        `json:"degradation"`
	ActiveActions   []AdaptiveAction    `json:"active_actions,omitempty"`
	EmergencyMode   bool                `json:"emergency_mode"`
	Recommendations []string            `json:"recommendations,omitempty"`
}

// PerformanceStatus carries the latest burn-rate vectors.
type PerformanceStatus struct {
	BurnRate    float64            `json:"burn_rate"`
	Resources   map[string]float64 `json:"resources,omitempty"`
	Performance map[string]float64 `json:"performance,omitempty"`
	SampledAt   time.Time          `json:"sampled_at"`
}

// Coordinator drives the adaptive control loop: it pushes every
// metrics snapshot through the burn-rate service, the degradation
// ladder, the autoscaler, and the optimizer, schedules cost-control
// actions bounded by MaxConcurrentActions, and short-circuits into
// emergency response when a critical threshold is crossed.
type Coordinator struct {
	cfg       CoordinatorConfig
	monitor   ResourceMonitor
	burn      *BurnRateService
	ladder    *DegradationLadder
	scaler    *Autoscaler
	optimizer *Optimizer
	pub       *events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu         sync.Mutex
	active     map[string]*AdaptiveAction
	recent     []AdaptiveAction
	lastAction map[string]time.Time
	emergency  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides the time source for tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires the control plane together. burn and ladder are
// required; monitor is needed only when Start drives the loop; scaler
// and optimizer may be nil.
func NewCoordinator(cfg CoordinatorConfig, monitor ResourceMonitor, burn *BurnRateService, ladder *DegradationLadder, scaler *Autoscaler, optimizer *Optimizer, pub *events.Publisher, logger *slog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if burn == nil {
		return nil, qerr.New(qerr.KindRequiredField, "coordinator needs a burn-rate service")
	}
	if ladder == nil {
		return nil, qerr.New(qerr.KindRequiredField, "coordinator needs a degradation ladder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:        cfg,
		monitor:    monitor,
		burn:       burn,
		ladder:     ladder,
		scaler:     scaler,
		optimizer:  optimizer,
		pub:        pub,
		logger:     logger,
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentActions)),
		active:     make(map[string]*AdaptiveAction),
		lastAction: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the sampling loop. The coordinator owns burn-rate
// recording from here on; do not also Start the burn service.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.monitor == nil {
		return qerr.New(qerr.KindRequiredField, "coordinator has no resource monitor to drive the loop")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				snap, err := c.monitor.Sample(loopCtx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						c.logger.Warn("metrics sample failed", "error", err)
					}
					continue
				}
				c.UpdateMetrics(loopCtx, snap)
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for in-flight actions.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.wg.Wait()
}

// UpdateMetrics runs one control cycle over snap: records the burn
// rate, fans the enriched snapshot out as a system event, and either
// responds to an emergency or lets the ladder, autoscaler, optimizer,
// and cost actions react normally. Returns the computed burn rate.
func (c *Coordinator) UpdateMetrics(ctx context.Context, snap SystemSnapshot) BurnRateSnapshot {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = c.now().UTC()
	}
	br := c.burn.Record(ctx, snap)
	snap.BurnRate = br.Overall

	c.pub.Emit(ctx, events.TopicMetricsUpdated, "", &events.SystemMetricsPayload{
		CPU:          snap.CPU,
		Memory:       snap.Memory,
		Network:      snap.Network,
		Storage:      snap.Storage,
		ErrorRate:    snap.ErrorRate,
		LatencyP99Ms: snap.LatencyP99Ms,
		QueueDepth:   snap.QueueDepth,
		BurnRate:     snap.BurnRate,
	})

	sig := SignalsFrom(snap)
	if metric, value, threshold, ok := c.emergencyCondition(sig); ok {
		c.respondToEmergency(ctx, metric, value, threshold)
		return br
	}
	c.clearEmergency()

	c.ladder.Evaluate(sig)
	if c.scaler != nil {
		c.scaler.Observe(ctx, snap)
	}
	if c.optimizer != nil {
		c.optimizer.Observe(ctx, snap)
	}
	c.maintainDeferral(ctx, snap.BurnRate)
	c.scheduleCostActions(ctx, snap.BurnRate)
	return br
}

// emergencyCondition returns the first critical threshold sig crosses.
func (c *Coordinator) emergencyCondition(sig Signals) (metric string, value, threshold float64, ok bool) {
	e := c.cfg.Emergency
	switch {
	case sig.BurnRate >= e.BurnRate:
		return MetricBurnRate, sig.BurnRate, e.BurnRate, true
	case sig.ErrorRate >= e.ErrorRate:
		return MetricErrorRate, sig.ErrorRate, e.ErrorRate, true
	case sig.LatencyP99Ms >= e.LatencyP99Ms:
		return MetricLatencyP99, sig.LatencyP99Ms, e.LatencyP99Ms, true
	case sig.Utilization >= e.Utilization:
		return MetricCPU, sig.Utilization, e.Utilization, true
	}
	return "", 0, 0, false
}

// respondToEmergency escalates straight to the top ladder level and
// sheds low-priority load, bypassing cooldowns and the concurrency
// bound. The event and the shedding action fire once per emergency
// episode; the ladder pin is re-asserted every cycle.
func (c *Coordinator) respondToEmergency(ctx context.Context, metric string, value, threshold float64) {
	reason := fmt.Sprintf("emergency: %s %.2f over %.2f", metric, value, threshold)
	c.ladder.EmergencyEscalate(reason)

	c.mu.Lock()
	entering := !c.emergency
	c.emergency = true
	c.mu.Unlock()
	if !entering {
		return
	}

	c.logger.Error("emergency response engaged",
		"metric", metric, "value", value, "threshold", threshold)
	c.pub.Emit(ctx, events.TopicEmergency, "", &events.EmergencyPayload{
		Reason:    reason,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
	})

	c.runAction(ctx, ActionPauseLowPriority, map[string]any{
		"threshold":  c.cfg.PauseBurnThreshold,
		"percentile": 1.0,
		"emergency":  true,
	}, false, func(ctx context.Context) (any, error) {
		return c.burn.PauseLowPriorityFlows(ctx, c.cfg.PauseBurnThreshold, 1.0)
	})
}

func (c *Coordinator) clearEmergency() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emergency {
		c.emergency = false
		c.logger.Info("emergency condition cleared")
	}
}

// maintainDeferral keeps the heavy-step deferral flag in sync with the
// burn rate. Cheap enough to run every cycle.
func (c *Coordinator) maintainDeferral(ctx context.Context, burnRate float64) {
	if burnRate < c.cfg.DeferBurnThreshold && !c.burn.HeavyStepsDeferred() {
		return
	}
	if _, err := c.burn.DeferHeavySteps(ctx, c.cfg.DeferBurnThreshold); err != nil {
		c.logger.Warn("heavy-step deferral update failed", "error", err)
	}
}

// scheduleCostActions queues pause and reroute work when the burn rate
// warrants it, bounded by the per-kind cooldown and the concurrency
// cap.
func (c *Coordinator) scheduleCostActions(ctx context.Context, burnRate float64) {
	if burnRate >= c.cfg.PauseBurnThreshold {
		c.scheduleAction(ctx, ActionPauseLowPriority, map[string]any{
			"threshold":  c.cfg.PauseBurnThreshold,
			"percentile": c.cfg.PausePercentile,
		}, func(ctx context.Context) (any, error) {
			return c.burn.PauseLowPriorityFlows(ctx, c.cfg.PauseBurnThreshold, c.cfg.PausePercentile)
		})
	}
	if burnRate >= c.cfg.RerouteBurnThreshold {
		c.scheduleAction(ctx, ActionRerouteColdNodes, map[string]any{
			"threshold":  c.cfg.RerouteBurnThreshold,
			"percentile": c.cfg.ReroutePercentile,
		}, func(ctx context.Context) (any, error) {
			return c.burn.RerouteFlowsToColdNodes(ctx, c.cfg.RerouteBurnThreshold, c.cfg.ReroutePercentile)
		})
	}
}

// scheduleAction runs fn as a tracked action if the kind's cooldown
// has elapsed and a concurrency slot is free; otherwise it is skipped,
// not queued.
func (c *Coordinator) scheduleAction(ctx context.Context, kind string, params map[string]any, fn func(context.Context) (any, error)) {
	c.mu.Lock()
	if last, ok := c.lastAction[kind]; ok && c.now().Sub(last) < c.cfg.ActionCooldown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.sem.TryAcquire(1) {
		c.logger.Warn("adaptive action skipped, concurrency cap reached", "kind", kind)
		return
	}
	c.runAction(ctx, kind, params, true, fn)
}

// runAction tracks and executes fn asynchronously. release indicates a
// held concurrency slot to give back on completion.
func (c *Coordinator) runAction(ctx context.Context, kind string, params map[string]any, release bool, fn func(context.Context) (any, error)) string {
	action := c.trackAction(kind, params)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if release {
			defer c.sem.Release(1)
		}
		result, err := fn(ctx)
		c.completeAction(action, result, err)
	}()
	return action.ID
}

// runActionSync tracks and executes fn inline, for forced actions that
// report their outcome to the caller.
func (c *Coordinator) runActionSync(ctx context.Context, kind string, params map[string]any, fn func(context.Context) (any, error)) (string, error) {
	action := c.trackAction(kind, params)
	result, err := fn(ctx)
	c.completeAction(action, result, err)
	return action.ID, err
}

func (c *Coordinator) trackAction(kind string, params map[string]any) *AdaptiveAction {
	action := &AdaptiveAction{
		ID:        uuid.New().String(),
		Kind:      kind,
		Params:    params,
		StartedAt: c.now().UTC(),
	}
	c.mu.Lock()
	c.active[action.ID] = action
	c.lastAction[kind] = action.StartedAt
	c.mu.Unlock()
	return action
}

func (c *Coordinator) completeAction(action *AdaptiveAction, result any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	action.CompletedAt = c.now().UTC()
	action.Result = result
	if err != nil {
		action.Error = err.Error()
		c.logger.Warn("adaptive action failed", "kind", action.Kind, "error", err)
	}
	delete(c.active, action.ID)
	c.recent = append(c.recent, *action)
	if len(c.recent) > recentActionLimit {
		c.recent = c.recent[len(c.recent)-recentActionLimit:]
	}
}

// ForceAdaptiveAction runs one action immediately, bypassing cooldowns
// and the concurrency bound, and waits for it to finish. Returns the
// tracked action ID.
func (c *Coordinator) ForceAdaptiveAction(ctx context.Context, kind string, params map[string]any) (string, error) {
	var fn func(context.Context) (any, error)
	switch kind {
	case ActionPauseLowPriority:
		threshold := floatParam(params, "threshold", c.cfg.PauseBurnThreshold)
		percentile := floatParam(params, "percentile", c.cfg.PausePercentile)
		fn = func(ctx context.Context) (any, error) {
			return c.burn.PauseLowPriorityFlows(ctx, threshold, percentile)
		}
	case ActionDeferHeavySteps:
		threshold := floatParam(params, "threshold", c.cfg.DeferBurnThreshold)
		fn = func(ctx context.Context) (any, error) {
			return c.burn.DeferHeavySteps(ctx, threshold)
		}
	case ActionRerouteColdNodes:
		threshold := floatParam(params, "threshold", c.cfg.RerouteBurnThreshold)
		percentile := floatParam(params, "percentile", c.cfg.ReroutePercentile)
		fn = func(ctx context.Context) (any, error) {
			return c.burn.RerouteFlowsToColdNodes(ctx, threshold, percentile)
		}
	case ActionEscalate:
		level := intParam(params, "level", c.ladder.CurrentLevel()+1)
		reason := stringParam(params, "reason", "forced escalation")
		fn = func(context.Context) (any, error) {
			return level, c.ladder.Escalate(level, reason)
		}
	case ActionDeEscalate:
		level := intParam(params, "level", c.ladder.CurrentLevel()-1)
		reason := stringParam(params, "reason", "forced de-escalation")
		fn = func(context.Context) (any, error) {
			return level, c.ladder.DeEscalate(level, reason)
		}
	case ActionForceLevel:
		level := intParam(params, "level", c.ladder.CurrentLevel())
		reason := stringParam(params, "reason", "manual override")
		fn = func(context.Context) (any, error) {
			return level, c.ladder.ForceLevel(level, reason)
		}
	default:
		return "", qerr.Newf(qerr.KindInvalidType, "unknown adaptive action kind %q", kind)
	}

	return c.runActionSync(ctx, kind, params, fn)
}

// SystemStatus aggregates the control plane's current state.
func (c *Coordinator) SystemStatus() SystemStatus {
	status := SystemStatus{
		Degradation: c.ladder.Status(),
	}
	if br, ok := c.burn.Current(); ok {
		status.Performance = PerformanceStatus{
			BurnRate:    br.Overall,
			Resources:   br.Resources,
			Performance: br.Performance,
			SampledAt:   br.Timestamp,
		}
	}
	if c.scaler != nil {
		status.Scaling = c.scaler.Decisions()
	}
	if c.optimizer != nil {
		status.Optimization = c.optimizer.Active()
	}

	c.mu.Lock()
	status.EmergencyMode = c.emergency
	for _, a := range c.active {
		status.ActiveActions = append(status.ActiveActions, *a)
	}
	c.mu.Unlock()
	sort.Slice(status.ActiveActions, func(i, j int) bool {
		return status.ActiveActions[i].StartedAt.Before(status.ActiveActions[j].StartedAt)
	})

	status.Overall = c.overall(status)
	status.Recommendations = c.recommendations(status)
	return status
}

// RecentActions returns up to limit completed actions, newest first.
func (c *Coordinator) RecentActions(limit int) []AdaptiveAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.recent) {
		limit = len(c.recent)
	}
	out := make([]AdaptiveAction, 0, limit)
	for i := len(c.recent) - 1; i >= len(c.recent)-limit; i-- {
		out = append(out, c.recent[i])
	}
	return out
}

func (c *Coordinator) overall(s SystemStatus) string {
	switch {
	case s.EmergencyMode:
		return "emergency"
	case s.Degradation.Level >= len(c.ladder.Levels())-1:
		return "critical"
	case s.Degradation.Level > 0 || s.Performance.BurnRate >= c.cfg.PauseBurnThreshold:
		return "degraded"
	default:
		return "healthy"
	}
}

func (c *Coordinator) recommendations(s SystemStatus) []string {
	var recs []string
	if s.EmergencyMode {
		recs = append(recs, "emergency mode: only critical work progresses until signals recover")
	}
	if s.Degradation.Level > 0 {
		recs = append(recs, fmt.Sprintf("degraded to %q: %s", s.Degradation.Name, s.Degradation.SLAImpact))
	}
	if s.Performance.BurnRate >= c.cfg.PauseBurnThreshold {
		recs = append(recs, "burn rate over pause threshold: low-priority flows are being shed")
	}
	for _, d := range s.Scaling {
		if d.Action == ScaleUp && d.TargetNodes == d.CurrentNodes {
			recs = append(recs, fmt.Sprintf("autoscaler %s at node ceiling: raise max_nodes or reduce load", d.TriggerID))
			break
		}
	}
	return recs
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
