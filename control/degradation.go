package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/validation"
)

// Ladder timing defaults.
const (
	DefaultEscalationCooldown = 30 * time.Second
	DefaultDeEscalationDelay  = 2 * time.Minute
	DefaultOverrideWindow     = 10 * time.Minute
)

// LevelActions is what a degradation level does to the system while it
// holds.
type LevelActions struct {
	// PausePrioritiesAtOrBelow denies admission to executions at this
	// priority or lower. Empty means no priority is shed.
	PausePrioritiesAtOrBelow flow.Priority `json:"pause_priorities_at_or_below,omitempty"`
	// DisabledValidationLayers lists optional pipeline layers skipped
	// at this level.
	DisabledValidationLayers []string `json:"disabled_validation_layers,omitempty"`
	// ParallelismScale multiplies the scheduler's step parallelism.
	// Zero means full parallelism.
	ParallelismScale float64 `json:"parallelism_scale,omitempty"`
	// RejectNonCriticalIngress admits only critical executions.
	RejectNonCriticalIngress bool `json:"reject_non_critical_ingress,omitempty"`
	// MaxStepMemoryMB and MaxStepCPUMs deny dispatch to steps
	// declaring demands at or above these caps. Critical flows are
	// exempt. Zero means uncapped.
	MaxStepMemoryMB int64 `json:"max_step_memory_mb,omitempty"`
	MaxStepCPUMs    int64 `json:"max_step_cpu_ms,omitempty"`
}

// EscalationThresholds is one compound trigger clause: every non-zero
// field must be exceeded for the clause to match. A zero clause never
// matches.
type EscalationThresholds struct {
	BurnRate     float64 `json:"burn_rate,omitempty"`
	ErrorRate    float64 `json:"error_rate,omitempty"`
	LatencyP99Ms float64 `json:"latency_p99_ms,omitempty"`
	Utilization  float64 `json:"utilization,omitempty"`
}

func (t EscalationThresholds) zero() bool {
	return t.BurnRate == 0 && t.ErrorRate == 0 && t.LatencyP99Ms == 0 && t.Utilization == 0
}

func (t EscalationThresholds) matched(sig Signals) bool {
	if t.zero() {
		return false
	}
	if t.BurnRate > 0 && sig.BurnRate <= t.BurnRate {
		return false
	}
	if t.ErrorRate > 0 && sig.ErrorRate <= t.ErrorRate {
		return false
	}
	if t.LatencyP99Ms > 0 && sig.LatencyP99Ms <= t.LatencyP99Ms {
		return false
	}
	if t.Utilization > 0 && sig.Utilization <= t.Utilization {
		return false
	}
	return true
}

// Level is one rung of the degradation ladder. EnterWhen clauses are
// OR-ed: any one matching escalates to this level.
type Level struct {
	Level       int                    `json:"level"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	SLAImpact   string                 `json:"sla_impact,omitempty"`
	Actions     LevelActions           `json:"actions"`
	EnterWhen   []EscalationThresholds `json:"enter_when,omitempty"`
}

// DefaultLadder is the built-in four-level ladder.
func DefaultLadder() []Level {
	return []Level{
		{
			Level:       0,
			Name:        "normal",
			Description: "full service",
			SLAImpact:   "none",
		},
		{
			Level:       1,
			Name:        "elevated",
			Description: "parallelism trimmed, everything still runs",
			SLAImpact:   "batch work may queue longer",
			Actions: LevelActions{
				ParallelismScale: 0.75,
			},
			EnterWhen: []EscalationThresholds{
				{BurnRate: 0.7},
				{Utilization: 0.8},
			},
		},
		{
			Level:       2,
			Name:        "constrained",
			Description: "low-priority flows shed, optional validation off",
			SLAImpact:   "low-priority flows queue until recovery",
			Actions: LevelActions{
				PausePrioritiesAtOrBelow: flow.PriorityLow,
				DisabledValidationLayers: []string{validation.LayerMetadata},
				ParallelismScale:         0.5,
			},
			EnterWhen: []EscalationThresholds{
				{BurnRate: 0.85},
				{ErrorRate: 0.05, LatencyP99Ms: 2_000},
			},
		},
		{
			Level:       3,
			Name:        "survival",
			Description: "critical-only ingress, heavy steps held back",
			SLAImpact:   "only critical flows make progress",
			Actions: LevelActions{
				PausePrioritiesAtOrBelow: flow.PriorityMedium,
				DisabledValidationLayers: []string{validation.LayerMetadata},
				ParallelismScale:         0.25,
				RejectNonCriticalIngress: true,
				MaxStepMemoryMB:          512,
				MaxStepCPUMs:             10_000,
			},
			EnterWhen: []EscalationThresholds{
				{BurnRate: 0.95},
				{ErrorRate: 0.15},
				{Utilization: 0.95, LatencyP99Ms: 5_000},
			},
		},
	}
}

// LadderOption configures a DegradationLadder.
type LadderOption func(*DegradationLadder)

// WithEscalationCooldown sets the minimum gap between upward
// transitions.
func WithEscalationCooldown(d time.Duration) LadderOption {
	return func(l *DegradationLadder) { l.escalationCooldown = d }
}

// WithDeEscalationDelay sets the minimum dwell at a level before any
// downward transition.
func WithDeEscalationDelay(d time.Duration) LadderOption {
	return func(l *DegradationLadder) { l.deEscalationDelay = d }
}

// WithOverrideWindow sets how long a manual override pins the level.
func WithOverrideWindow(d time.Duration) LadderOption {
	return func(l *DegradationLadder) { l.overrideWindow = d }
}

// WithLadderClock overrides the time source for tests.
func WithLadderClock(now func() time.Time) LadderOption {
	return func(l *DegradationLadder) { l.now = now }
}

// DegradationLadder tracks the current degradation level and gates
// scheduler admission accordingly. Upward transitions honor the
// escalation cooldown, downward ones the de-escalation dwell; manual
// overrides pin the level until their window expires. The ladder is
// the engine's admission controller.
type DegradationLadder struct {
	levels []Level
	pub    *events.Publisher
	logger *slog.Logger

	escalationCooldown time.Duration
	deEscalationDelay  time.Duration
	overrideWindow     time.Duration
	now                func() time.Time

	mu             sync.Mutex
	current        int
	lastEscalation time.Time
	lastTransition time.Time
	overrideUntil  time.Time
}

// LadderStatus is a point-in-time view of the ladder.
type LadderStatus struct {
	Level          int       `json:"level"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	SLAImpact      string    `json:"sla_impact,omitempty"`
	Since          time.Time `json:"since"`
	ManualOverride bool      `json:"manual_override"`
}

// NewDegradationLadder builds a ladder. nil levels installs
// DefaultLadder. Levels must be contiguous from zero.
func NewDegradationLadder(levels []Level, pub *events.Publisher, logger *slog.Logger, opts ...LadderOption) (*DegradationLadder, error) {
	if levels == nil {
		levels = DefaultLadder()
	}
	if len(levels) == 0 {
		return nil, qerr.New(qerr.KindRequiredField, "ladder needs at least level 0")
	}
	for i, lv := range levels {
		if lv.Level != i {
			return nil, qerr.Newf(qerr.KindInvalidType, "ladder levels must be contiguous from 0, got %d at position %d", lv.Level, i)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &DegradationLadder{
		levels:             levels,
		pub:                pub,
		logger:             logger,
		escalationCooldown: DefaultEscalationCooldown,
		deEscalationDelay:  DefaultDeEscalationDelay,
		overrideWindow:     DefaultOverrideWindow,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CurrentLevel returns the active level index.
func (l *DegradationLadder) CurrentLevel() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Current returns the active level.
func (l *DegradationLadder) Current() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[l.current]
}

// Levels returns the configured ladder.
func (l *DegradationLadder) Levels() []Level {
	return append([]Level(nil), l.levels...)
}

// Status returns the ladder's point-in-time state.
func (l *DegradationLadder) Status() LadderStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	lv := l.levels[l.current]
	return LadderStatus{
		Level:          lv.Level,
		Name:           lv.Name,
		Description:    lv.Description,
		SLAImpact:      lv.SLAImpact,
		Since:          l.lastTransition,
		ManualOverride: l.overrideActiveLocked(),
	}
}

// Escalate raises the level. The escalation cooldown must have elapsed
// since the last upward transition.
func (l *DegradationLadder) Escalate(level int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLevelLocked(level); err != nil {
		return err
	}
	if level <= l.current {
		return qerr.Newf(qerr.KindInvalidTransition, "cannot escalate from level %d to %d", l.current, level)
	}
	if elapsed := l.now().Sub(l.lastEscalation); !l.lastEscalation.IsZero() && elapsed < l.escalationCooldown {
		return qerr.Newf(qerr.KindRateLimited, "escalation cooldown active for another %s", l.escalationCooldown-elapsed)
	}
	l.transitionLocked(level, reason, false)
	return nil
}

// DeEscalate lowers the level. The de-escalation dwell must have
// elapsed since the last transition of either direction.
func (l *DegradationLadder) DeEscalate(level int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLevelLocked(level); err != nil {
		return err
	}
	if level >= l.current {
		return qerr.Newf(qerr.KindInvalidTransition, "cannot de-escalate from level %d to %d", l.current, level)
	}
	if elapsed := l.now().Sub(l.lastTransition); !l.lastTransition.IsZero() && elapsed < l.deEscalationDelay {
		return qerr.Newf(qerr.KindRateLimited, "de-escalation delay active for another %s", l.deEscalationDelay-elapsed)
	}
	l.transitionLocked(level, reason, false)
	return nil
}

// ForceLevel pins the ladder at level for the override window,
// bypassing cooldowns. Auto evaluation resumes when the window
// expires or ClearOverride is called.
func (l *DegradationLadder) ForceLevel(level int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLevelLocked(level); err != nil {
		return err
	}
	if level != l.current {
		l.transitionLocked(level, reason, true)
	}
	l.overrideUntil = l.now().Add(l.overrideWindow)
	return nil
}

// ClearOverride lifts a manual override immediately.
func (l *DegradationLadder) ClearOverride() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrideUntil = time.Time{}
}

// OverrideActive reports whether a manual override currently pins the
// level.
func (l *DegradationLadder) OverrideActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overrideActiveLocked()
}

func (l *DegradationLadder) overrideActiveLocked() bool {
	return !l.overrideUntil.IsZero() && l.now().Before(l.overrideUntil)
}

// EmergencyEscalate jumps straight to the top level, bypassing the
// escalation cooldown. Idempotent when already there. Recovery is
// automatic: Evaluate steps back down once signals clear and the
// dwell passes.
func (l *DegradationLadder) EmergencyEscalate(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	top := len(l.levels) - 1
	if l.current == top {
		return
	}
	l.transitionLocked(top, reason, false)
}

// Evaluate applies the auto-escalation rules to sig and returns the
// resulting level and whether it changed. Escalation jumps to the
// highest matching level once the cooldown allows; recovery steps down
// one level at a time after the de-escalation dwell, which is what
// damps flapping. Manual overrides freeze evaluation.
func (l *DegradationLadder) Evaluate(sig Signals) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.overrideActiveLocked() {
		return l.current, false
	}

	target := 0
	for _, lv := range l.levels[1:] {
		for _, clause := range lv.EnterWhen {
			if clause.matched(sig) {
				target = lv.Level
				break
			}
		}
	}

	now := l.now()
	switch {
	case target > l.current:
		if !l.lastEscalation.IsZero() && now.Sub(l.lastEscalation) < l.escalationCooldown {
			return l.current, false
		}
		l.transitionLocked(target, autoReason(sig), false)
		return l.current, true
	case target < l.current:
		if !l.lastTransition.IsZero() && now.Sub(l.lastTransition) < l.deEscalationDelay {
			return l.current, false
		}
		l.transitionLocked(l.current-1, "signals recovered", false)
		return l.current, true
	default:
		return l.current, false
	}
}

func autoReason(sig Signals) string {
	return fmt.Sprintf("auto: burn=%.2f err=%.2f p99=%.0fms util=%.2f",
		sig.BurnRate, sig.ErrorRate, sig.LatencyP99Ms, sig.Utilization)
}

func (l *DegradationLadder) checkLevelLocked(level int) error {
	if level < 0 || level >= len(l.levels) {
		return qerr.Newf(qerr.KindInvalidType, "degradation level %d out of range 0..%d", level, len(l.levels)-1)
	}
	return nil
}

func (l *DegradationLadder) transitionLocked(to int, reason string, manual bool) {
	from := l.current
	l.current = to
	now := l.now()
	l.lastTransition = now
	topic := events.TopicDegradationDown
	if to > from {
		topic = events.TopicDegradationUp
		l.lastEscalation = now
	}
	l.logger.Info("degradation level changed",
		"from", from, "to", to, "reason", reason, "manual", manual)
	l.pub.Emit(context.Background(), topic, "", &events.DegradationChangedPayload{
		FromLevel: from,
		ToLevel:   to,
		Reason:    reason,
		Manual:    manual,
	})
}

// AdmitExecution reports whether an execution at priority p may be
// scheduled under the current level. Admission is monotone in
// priority.
func (l *DegradationLadder) AdmitExecution(p flow.Priority) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admitLocked(p)
}

func (l *DegradationLadder) admitLocked(p flow.Priority) bool {
	actions := l.levels[l.current].Actions
	if actions.RejectNonCriticalIngress && p != flow.PriorityCritical {
		return false
	}
	if actions.PausePrioritiesAtOrBelow != "" && p.Rank() >= actions.PausePrioritiesAtOrBelow.Rank() {
		return false
	}
	return true
}

// AdmitStep reports whether a step with the given demands may dispatch
// under the current level. Critical flows bypass the heavy-step caps.
func (l *DegradationLadder) AdmitStep(p flow.Priority, res flow.ResourceLimits) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.admitLocked(p) {
		return false
	}
	if p == flow.PriorityCritical {
		return true
	}
	actions := l.levels[l.current].Actions
	if actions.MaxStepMemoryMB > 0 && res.MaxMemoryMB >= actions.MaxStepMemoryMB {
		return false
	}
	if actions.MaxStepCPUMs > 0 && res.MaxCPUMs >= actions.MaxStepCPUMs {
		return false
	}
	return true
}

// DisabledValidationLayers returns the optional pipeline layers the
// current level turns off.
func (l *DegradationLadder) DisabledValidationLayers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.levels[l.current].Actions.DisabledValidationLayers...)
}

// ParallelismScale returns the current multiplier on scheduler
// parallelism; 1.0 at full service.
func (l *DegradationLadder) ParallelismScale() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.levels[l.current].Actions.ParallelismScale; s > 0 {
		return s
	}
	return 1.0
}
