package control

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

// OptimizationAction is what an optimizer rule does when its metric
// warns.
type OptimizationAction string

// Optimization actions.
const (
	OptimizeWarmCache         OptimizationAction = "warm_cache"
	OptimizeExtendCacheTTL    OptimizationAction = "extend_cache_ttl"
	OptimizeExpandPool        OptimizationAction = "expand_pool"
	OptimizeTightenValidation OptimizationAction = "tighten_validation"
)

// clearRatio is the default hysteresis: a rule resets once its metric
// drops below this fraction of the warn threshold.
const clearRatio = 0.8

// OptimizationRule applies an action when its metric reaches WarnAt
// and resets once it falls below ClearAt. Between the two the rule
// holds its state.
type OptimizationRule struct {
	ID     string             `json:"id"`
	Metric string             `json:"metric"`
	WarnAt float64            `json:"warn_at"`
	// ClearAt defaults to clearRatio times WarnAt when zero.
	ClearAt float64            `json:"clear_at,omitempty"`
	Action  OptimizationAction `json:"action"`
	Params  map[string]any     `json:"params,omitempty"`
}

// AppliedOptimization is one rule application.
type AppliedOptimization struct {
	RuleID string             `json:"rule_id"`
	Action OptimizationAction `json:"action"`
	Params map[string]any     `json:"params,omitempty"`
	At     time.Time          `json:"at"`
}

// DefaultOptimizationRules is the built-in rule set: cache warming and
// TTL extension as burn climbs, pool growth under queueing, stricter
// anomaly checks when errors rise.
func DefaultOptimizationRules() []OptimizationRule {
	return []OptimizationRule{
		{
			ID: "warm-validation-cache", Metric: MetricBurnRate, WarnAt: 0.6,
			Action: OptimizeWarmCache, Params: map[string]any{"scope": "validation"},
		},
		{
			ID: "extend-cache-ttls", Metric: MetricBurnRate, WarnAt: 0.75,
			Action: OptimizeExtendCacheTTL, Params: map[string]any{"ttl_scale": 2.0},
		},
		{
			ID: "expand-connection-pool", Metric: MetricQueueDepth, WarnAt: 300,
			Action: OptimizeExpandPool, Params: map[string]any{"pool": "nats", "size_scale": 1.5},
		},
		{
			ID: "tighten-anomaly-checks", Metric: MetricErrorRate, WarnAt: 0.05,
			Action: OptimizeTightenValidation, Params: map[string]any{"layer": "anomaly", "mode": "strict"},
		},
	}
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithOptimizerClock overrides the time source for tests.
func WithOptimizerClock(now func() time.Time) OptimizerOption {
	return func(o *Optimizer) { o.now = now }
}

// Optimizer applies proactive tuning rules on warning metrics. Every
// application is idempotent against the recorded last-applied
// parameters: a rule fires again only when its parameters changed or
// its metric cleared and warned anew.
type Optimizer struct {
	pub    *events.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	rules   []OptimizationRule
	applied map[string]string // rule ID -> canonical params fingerprint
}

// NewOptimizer builds an optimizer. nil rules installs
// DefaultOptimizationRules.
func NewOptimizer(rules []OptimizationRule, pub *events.Publisher, logger *slog.Logger, opts ...OptimizerOption) (*Optimizer, error) {
	if rules == nil {
		rules = DefaultOptimizationRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, qerr.New(qerr.KindRequiredField, "optimizer rule id is required")
		}
		if seen[r.ID] {
			return nil, qerr.Newf(qerr.KindDuplicate, "optimizer rule %q defined twice", r.ID)
		}
		seen[r.ID] = true
		if _, ok := metricValue(SystemSnapshot{}, r.Metric); !ok {
			return nil, qerr.Newf(qerr.KindInvalidType, "optimizer rule %q references unknown metric %q", r.ID, r.Metric)
		}
		if r.WarnAt <= 0 {
			return nil, qerr.Newf(qerr.KindInvalidType, "optimizer rule %q needs a positive warn threshold", r.ID)
		}
		if r.ClearAt >= r.WarnAt && r.ClearAt != 0 {
			return nil, qerr.Newf(qerr.KindInvalidType, "optimizer rule %q: clear_at %v must sit below warn_at %v", r.ID, r.ClearAt, r.WarnAt)
		}
		switch r.Action {
		case OptimizeWarmCache, OptimizeExtendCacheTTL, OptimizeExpandPool, OptimizeTightenValidation:
		default:
			return nil, qerr.Newf(qerr.KindInvalidType, "optimizer rule %q has unknown action %q", r.ID, r.Action)
		}
	}
	o := &Optimizer{
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		rules:   rules,
		applied: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Observe evaluates every rule against snap and returns the
// applications that actually happened.
func (o *Optimizer) Observe(ctx context.Context, snap SystemSnapshot) []AppliedOptimization {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []AppliedOptimization
	for _, r := range o.rules {
		value, _ := metricValue(snap, r.Metric)
		clearAt := r.ClearAt
		if clearAt == 0 {
			clearAt = r.WarnAt * clearRatio
		}

		switch {
		case value >= r.WarnAt:
			fp, err := paramsFingerprint(r.Params)
			if err != nil {
				o.logger.Warn("optimizer rule has uncanonicalizable params",
					"rule", r.ID, "error", err)
				continue
			}
			if o.applied[r.ID] == fp {
				continue
			}
			o.applied[r.ID] = fp
			applied := AppliedOptimization{
				RuleID: r.ID,
				Action: r.Action,
				Params: r.Params,
				At:     o.now(),
			}
			out = append(out, applied)
			o.logger.Info("optimizer rule applied",
				"rule", r.ID, "action", r.Action, "metric", r.Metric, "value", value)
			o.pub.Emit(ctx, events.TopicOptimizerApplied, "", &events.OptimizerAppliedPayload{
				RuleID: r.ID,
				Action: string(r.Action),
				Params: r.Params,
			})
		case value < clearAt:
			if _, ok := o.applied[r.ID]; ok {
				delete(o.applied, r.ID)
				o.logger.Info("optimizer rule cleared", "rule", r.ID, "metric", r.Metric, "value", value)
			}
		}
	}
	return out
}

// SetRuleParams replaces a rule's parameters. The next warning
// observation re-applies the rule because the recorded fingerprint no
// longer matches.
func (o *Optimizer) SetRuleParams(ruleID string, params map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.rules {
		if o.rules[i].ID == ruleID {
			o.rules[i].Params = params
			return nil
		}
	}
	return qerr.Newf(qerr.KindModuleNotFound, "optimizer rule %q not found", ruleID)
}

// Active returns the IDs of rules currently applied, sorted.
func (o *Optimizer) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.applied))
	for id := range o.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// paramsFingerprint never returns the empty string, so a recorded
// application is always distinguishable from no record.
func paramsFingerprint(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "none", nil
	}
	data, err := canonical.Marshal(params)
	if err != nil {
		return "", err
	}
	return canonical.SHA256Hex(data), nil
}
