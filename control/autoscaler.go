package control

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

// ScalingAction is what a fired trigger asks of the node provisioner.
type ScalingAction string

// Scaling actions.
const (
	ScaleUp      ScalingAction = "scale_up"
	ScaleDown    ScalingAction = "scale_down"
	RedirectLoad ScalingAction = "redirect_load"
)

// Metric names triggers and optimizer rules may reference.
const (
	MetricCPU        = "cpu"
	MetricMemory     = "memory"
	MetricNetwork    = "network"
	MetricStorage    = "storage"
	MetricBurnRate   = "burn_rate"
	MetricErrorRate  = "error_rate"
	MetricLatencyP99 = "latency_p99_ms"
	MetricQueueDepth = "queue_depth"
)

// metricValue reads one named metric off a snapshot.
func metricValue(s SystemSnapshot, metric string) (float64, bool) {
	switch metric {
	case MetricCPU:
		return s.CPU, true
	case MetricMemory:
		return s.Memory, true
	case MetricNetwork:
		return s.Network, true
	case MetricStorage:
		return s.Storage, true
	case MetricBurnRate:
		return s.BurnRate, true
	case MetricErrorRate:
		return s.ErrorRate, true
	case MetricLatencyP99:
		return s.LatencyP99Ms, true
	case MetricQueueDepth:
		return float64(s.QueueDepth), true
	}
	return 0, false
}

// ScalingTrigger fires an action when its metric stays past threshold
// for the whole evaluation window and the trigger's cooldown has
// elapsed since it last fired.
type ScalingTrigger struct {
	ID     string `json:"id"`
	Metric string `json:"metric"`
	// Threshold is crossed upward unless Below is set.
	Threshold float64 `json:"threshold"`
	Below     bool    `json:"below,omitempty"`
	// EvaluationWindow is how long the breach must hold. Zero fires on
	// the first breached observation.
	EvaluationWindow time.Duration `json:"evaluation_window"`
	Cooldown         time.Duration `json:"cooldown"`
	Action           ScalingAction `json:"action"`
	// MinNodes and MaxNodes bound the fleet this trigger may request.
	// MaxNodes zero means unbounded.
	MinNodes int `json:"min_nodes,omitempty"`
	MaxNodes int `json:"max_nodes,omitempty"`
	// ScalingFactor multiplies the current node count to get the
	// target: >1 grows, <1 shrinks. Ignored for redirect_load.
	ScalingFactor float64 `json:"scaling_factor,omitempty"`
}

// ScalingDecision is one fired trigger.
type ScalingDecision struct {
	TriggerID    string        `json:"trigger_id"`
	Metric       string        `json:"metric"`
	Value        float64       `json:"value"`
	Threshold    float64       `json:"threshold"`
	Action       ScalingAction `json:"action"`
	CurrentNodes int           `json:"current_nodes"`
	TargetNodes  int           `json:"target_nodes"`
	At           time.Time     `json:"at"`
}

// DefaultScalingTriggers is the built-in trigger set.
func DefaultScalingTriggers() []ScalingTrigger {
	return []ScalingTrigger{
		{
			ID: "cpu-high", Metric: MetricCPU, Threshold: 0.8,
			EvaluationWindow: 2 * time.Minute, Cooldown: 5 * time.Minute,
			Action: ScaleUp, MinNodes: 1, MaxNodes: 16, ScalingFactor: 1.5,
		},
		{
			ID: "queue-deep", Metric: MetricQueueDepth, Threshold: 500,
			EvaluationWindow: time.Minute, Cooldown: 5 * time.Minute,
			Action: ScaleUp, MinNodes: 1, MaxNodes: 16, ScalingFactor: 1.5,
		},
		{
			ID: "cpu-idle", Metric: MetricCPU, Threshold: 0.25, Below: true,
			EvaluationWindow: 10 * time.Minute, Cooldown: 15 * time.Minute,
			Action: ScaleDown, MinNodes: 1, MaxNodes: 16, ScalingFactor: 0.5,
		},
		{
			ID: "latency-hot", Metric: MetricLatencyP99, Threshold: 3_000,
			EvaluationWindow: time.Minute, Cooldown: 5 * time.Minute,
			Action: RedirectLoad, MinNodes: 1, MaxNodes: 16,
		},
	}
}

// AutoscalerOption configures an Autoscaler.
type AutoscalerOption func(*Autoscaler)

// WithAutoscalerClock overrides the time source for tests.
func WithAutoscalerClock(now func() time.Time) AutoscalerOption {
	return func(a *Autoscaler) { a.now = now }
}

// Autoscaler evaluates scaling triggers against metric snapshots. It
// decides; it does not provision. Fired decisions go out as
// scaling.triggered events for the provisioning layer.
type Autoscaler struct {
	triggers []ScalingTrigger
	pub      *events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	breachedSince map[string]time.Time
	lastFired     map[string]time.Time
	lastDecision  map[string]ScalingDecision
}

// NewAutoscaler builds an autoscaler. nil triggers installs
// DefaultScalingTriggers.
func NewAutoscaler(triggers []ScalingTrigger, pub *events.Publisher, logger *slog.Logger, opts ...AutoscalerOption) (*Autoscaler, error) {
	if triggers == nil {
		triggers = DefaultScalingTriggers()
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		if t.ID == "" {
			return nil, qerr.New(qerr.KindRequiredField, "scaling trigger id is required")
		}
		if seen[t.ID] {
			return nil, qerr.Newf(qerr.KindDuplicate, "scaling trigger %q defined twice", t.ID)
		}
		seen[t.ID] = true
		if _, ok := metricValue(SystemSnapshot{}, t.Metric); !ok {
			return nil, qerr.Newf(qerr.KindInvalidType, "scaling trigger %q references unknown metric %q", t.ID, t.Metric)
		}
		switch t.Action {
		case ScaleUp, ScaleDown, RedirectLoad:
		default:
			return nil, qerr.Newf(qerr.KindInvalidType, "scaling trigger %q has unknown action %q", t.ID, t.Action)
		}
		if t.MaxNodes > 0 && t.MaxNodes < t.MinNodes {
			return nil, qerr.Newf(qerr.KindInvalidType, "scaling trigger %q: max_nodes %d below min_nodes %d", t.ID, t.MaxNodes, t.MinNodes)
		}
	}
	a := &Autoscaler{
		triggers:      triggers,
		pub:           pub,
		logger:        logger,
		now:           time.Now,
		breachedSince: make(map[string]time.Time),
		lastFired:     make(map[string]time.Time),
		lastDecision:  make(map[string]ScalingDecision),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Observe evaluates every trigger against snap and returns the
// decisions that fired. A trigger fires only when its metric has been
// breached continuously for the evaluation window and its cooldown has
// elapsed; capacity requests that cannot change the node count are
// skipped without consuming the cooldown.
func (a *Autoscaler) Observe(ctx context.Context, snap SystemSnapshot) []ScalingDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var fired []ScalingDecision
	for _, t := range a.triggers {
		value, _ := metricValue(snap, t.Metric)
		breached := value > t.Threshold
		if t.Below {
			breached = value < t.Threshold
		}
		if !breached {
			delete(a.breachedSince, t.ID)
			continue
		}

		since, ok := a.breachedSince[t.ID]
		if !ok {
			since = now
			a.breachedSince[t.ID] = now
		}
		if now.Sub(since) < t.EvaluationWindow {
			continue
		}
		if last, ok := a.lastFired[t.ID]; ok && now.Sub(last) < t.Cooldown {
			continue
		}

		current := snap.ActiveNodes
		if current <= 0 {
			current = max(t.MinNodes, 1)
		}
		target := scaleTarget(t, current)
		if target == current && t.Action != RedirectLoad {
			continue
		}

		decision := ScalingDecision{
			TriggerID:    t.ID,
			Metric:       t.Metric,
			Value:        value,
			Threshold:    t.Threshold,
			Action:       t.Action,
			CurrentNodes: current,
			TargetNodes:  target,
			At:           now,
		}
		a.lastFired[t.ID] = now
		a.lastDecision[t.ID] = decision
		fired = append(fired, decision)

		a.logger.Info("scaling trigger fired",
			"trigger", t.ID, "metric", t.Metric, "value", value,
			"action", t.Action, "current_nodes", current, "target_nodes", target)
		a.pub.Emit(ctx, events.TopicScalingTriggered, "", &events.ScalingTriggeredPayload{
			TriggerID:   t.ID,
			Metric:      t.Metric,
			Value:       value,
			Threshold:   t.Threshold,
			Action:      string(t.Action),
			TargetNodes: target,
		})
	}
	return fired
}

// Decisions returns the most recent decision per trigger, ordered by
// trigger ID.
func (a *Autoscaler) Decisions() []ScalingDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScalingDecision, 0, len(a.lastDecision))
	for _, d := range a.lastDecision {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out
}

// scaleTarget computes the node count a trigger asks for, honoring its
// min/max bounds.
func scaleTarget(t ScalingTrigger, current int) int {
	target := current
	switch t.Action {
	case ScaleUp:
		if t.ScalingFactor > 1 {
			target = int(math.Ceil(float64(current) * t.ScalingFactor))
		} else {
			target = current + 1
		}
	case ScaleDown:
		if t.ScalingFactor > 0 && t.ScalingFactor < 1 {
			target = int(math.Floor(float64(current) * t.ScalingFactor))
		} else {
			target = current - 1
		}
	case RedirectLoad:
		return current
	}
	if t.MinNodes > 0 && target < t.MinNodes {
		target = t.MinNodes
	}
	if t.MaxNodes > 0 && target > t.MaxNodes {
		target = t.MaxNodes
	}
	return target
}
