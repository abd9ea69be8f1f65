package control

import (
	"context"
	"testing"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

func ttlRule() []OptimizationRule {
	return []OptimizationRule{{
		ID:     "extend-ttls",
		Metric: MetricBurnRate,
		WarnAt: 0.7,
		Action: OptimizeExtendCacheTTL,
		Params: map[string]any{"ttl_scale": 2.0},
	}}
}

func TestOptimizerAppliesOncePerEpisode(t *testing.T) {
	pub, bus := testPublisher(t)
	sub := bus.Subscribe(events.TopicOptimizerApplied)
	opt, err := NewOptimizer(ttlRule(), pub, quietLogger())
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	ctx := context.Background()

	applied := opt.Observe(ctx, SystemSnapshot{BurnRate: 0.8})
	if len(applied) != 1 || applied[0].RuleID != "extend-ttls" {
		t.Fatalf("applied = %v, want extend-ttls", applied)
	}
	payload := waitEnvelope(t, sub).Data.(*events.OptimizerAppliedPayload)
	if payload.RuleID != "extend-ttls" || payload.Action != string(OptimizeExtendCacheTTL) {
		t.Errorf("payload = %+v", payload)
	}

	// Same params, still warning: no re-application.
	if applied := opt.Observe(ctx, SystemSnapshot{BurnRate: 0.8}); len(applied) != 0 {
		t.Fatalf("re-applied without change: %v", applied)
	}
	expectNoEnvelope(t, sub)
}

func TestOptimizerHysteresis(t *testing.T) {
	opt, err := NewOptimizer(ttlRule(), nil, quietLogger())
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	ctx := context.Background()

	opt.Observe(ctx, SystemSnapshot{BurnRate: 0.8})
	if active := opt.Active(); len(active) != 1 {
		t.Fatalf("active = %v, want the rule applied", active)
	}

	// Between clear (0.56, defaulted to 0.8*warn) and warn: hold.
	opt.Observe(ctx, SystemSnapshot{BurnRate: 0.65})
	if active := opt.Active(); len(active) != 1 {
		t.Fatalf("active = %v, rule cleared inside the hysteresis band", active)
	}

	// Under the clear point: released.
	opt.Observe(ctx, SystemSnapshot{BurnRate: 0.5})
	if active := opt.Active(); len(active) != 0 {
		t.Fatalf("active = %v, want cleared", active)
	}

	// A fresh episode applies again.
	if applied := opt.Observe(ctx, SystemSnapshot{BurnRate: 0.8}); len(applied) != 1 {
		t.Fatalf("applied = %v, want re-application after clearing", applied)
	}
}

func TestOptimizerReappliesOnParamChange(t *testing.T) {
	opt, err := NewOptimizer(ttlRule(), nil, quietLogger())
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	ctx := context.Background()

	opt.Observe(ctx, SystemSnapshot{BurnRate: 0.8})
	if err := opt.SetRuleParams("extend-ttls", map[string]any{"ttl_scale": 3.0}); err != nil {
		t.Fatalf("SetRuleParams: %v", err)
	}
	applied := opt.Observe(ctx, SystemSnapshot{BurnRate: 0.8})
	if len(applied) != 1 {
		t.Fatalf("applied = %v, want re-application with new params", applied)
	}
	if scale, ok := applied[0].Params["ttl_scale"].(float64); !ok || scale != 3.0 {
		t.Errorf("params = %v, want ttl_scale 3.0", applied[0].Params)
	}

	if err := opt.SetRuleParams("no-such-rule", nil); qerr.KindOf(err) != qerr.KindModuleNotFound {
		t.Errorf("unknown rule error = %v, want KindModuleNotFound", err)
	}
}

func TestOptimizerParameterlessRule(t *testing.T) {
	opt, err := NewOptimizer([]OptimizationRule{{
		ID:     "warm-cache",
		Metric: MetricBurnRate,
		WarnAt: 0.6,
		Action: OptimizeWarmCache,
	}}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	ctx := context.Background()

	if applied := opt.Observe(ctx, SystemSnapshot{BurnRate: 0.7}); len(applied) != 1 {
		t.Fatalf("applied = %v, want parameterless rule to apply", applied)
	}
	if applied := opt.Observe(ctx, SystemSnapshot{BurnRate: 0.7}); len(applied) != 0 {
		t.Fatalf("applied = %v, want no re-application", applied)
	}
}

func TestOptimizerRulesIndependent(t *testing.T) {
	opt, err := NewOptimizer([]OptimizationRule{
		{ID: "pool", Metric: MetricQueueDepth, WarnAt: 300, Action: OptimizeExpandPool},
		{ID: "anomaly", Metric: MetricErrorRate, WarnAt: 0.05, Action: OptimizeTightenValidation},
	}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	applied := opt.Observe(context.Background(), SystemSnapshot{QueueDepth: 400, ErrorRate: 0.01})
	if len(applied) != 1 || applied[0].RuleID != "pool" {
		t.Fatalf("applied = %v, want only the queue rule", applied)
	}
}

func TestNewOptimizerValidation(t *testing.T) {
	base := OptimizationRule{
		ID: "ok", Metric: MetricBurnRate, WarnAt: 0.7, Action: OptimizeWarmCache,
	}
	cases := []struct {
		name     string
		mutate   func(*OptimizationRule)
		wantKind qerr.Kind
	}{
		{"missing id", func(r *OptimizationRule) { r.ID = "" }, qerr.KindRequiredField},
		{"unknown metric", func(r *OptimizationRule) { r.Metric = "vibes" }, qerr.KindInvalidType},
		{"zero warn threshold", func(r *OptimizationRule) { r.WarnAt = 0 }, qerr.KindInvalidType},
		{"clear above warn", func(r *OptimizationRule) { r.ClearAt = 0.9 }, qerr.KindInvalidType},
		{"unknown action", func(r *OptimizationRule) { r.Action = "overclock" }, qerr.KindInvalidType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := base
			tc.mutate(&rule)
			if _, err := NewOptimizer([]OptimizationRule{rule}, nil, quietLogger()); qerr.KindOf(err) != tc.wantKind {
				t.Errorf("error = %v, want kind %s", err, tc.wantKind)
			}
		})
	}

	if _, err := NewOptimizer([]OptimizationRule{base, base}, nil, quietLogger()); qerr.KindOf(err) != qerr.KindDuplicate {
		t.Errorf("duplicate id error = %v, want KindDuplicate", err)
	}
	if _, err := NewOptimizer(nil, nil, quietLogger()); err != nil {
		t.Errorf("default rules rejected: %v", err)
	}
}
