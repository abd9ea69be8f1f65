package control

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

func TestAutoscalerWindowAndCooldown(t *testing.T) {
	pub, bus := testPublisher(t)
	sub := bus.Subscribe(events.TopicScalingTriggered)
	clock := newTestClock()
	scaler, err := NewAutoscaler([]ScalingTrigger{{
		ID: "cpu-surge", Metric: MetricCPU, Threshold: 0.8,
		EvaluationWindow: time.Minute, Cooldown: 5 * time.Minute,
		Action: ScaleUp, MinNodes: 1, MaxNodes: 8, ScalingFactor: 2,
	}}, pub, quietLogger(), WithAutoscalerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAutoscaler: %v", err)
	}

	hot := SystemSnapshot{CPU: 0.9, ActiveNodes: 2}
	ctx := context.Background()

	// The breach has to hold for the whole window.
	if fired := scaler.Observe(ctx, hot); len(fired) != 0 {
		t.Fatalf("fired on first breached observation: %v", fired)
	}
	clock.Advance(30 * time.Second)
	if fired := scaler.Observe(ctx, hot); len(fired) != 0 {
		t.Fatalf("fired inside evaluation window: %v", fired)
	}
	clock.Advance(31 * time.Second)
	fired := scaler.Observe(ctx, hot)
	if len(fired) != 1 {
		t.Fatalf("fired = %v, want one decision", fired)
	}
	d := fired[0]
	if d.TriggerID != "cpu-surge" || d.Action != ScaleUp || d.CurrentNodes != 2 || d.TargetNodes != 4 {
		t.Errorf("decision = %+v, want scale_up 2 -> 4", d)
	}
	payload := waitEnvelope(t, sub).Data.(*events.ScalingTriggeredPayload)
	if payload.TriggerID != "cpu-surge" || payload.TargetNodes != 4 {
		t.Errorf("payload = %+v, want cpu-surge target 4", payload)
	}

	// Cooldown holds the trigger even with the breach ongoing.
	if fired := scaler.Observe(ctx, hot); len(fired) != 0 {
		t.Fatalf("fired inside cooldown: %v", fired)
	}
	clock.Advance(5*time.Minute + time.Second)
	if fired := scaler.Observe(ctx, hot); len(fired) != 1 {
		t.Fatalf("fired after cooldown = %v, want one decision", fired)
	}
}

func TestAutoscalerBreachResetRestartsWindow(t *testing.T) {
	clock := newTestClock()
	scaler, err := NewAutoscaler([]ScalingTrigger{{
		ID: "cpu-surge", Metric: MetricCPU, Threshold: 0.8,
		EvaluationWindow: time.Minute, Cooldown: time.Minute,
		Action: ScaleUp, MinNodes: 1, ScalingFactor: 2,
	}}, nil, quietLogger(), WithAutoscalerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAutoscaler: %v", err)
	}

	hot := SystemSnapshot{CPU: 0.9, ActiveNodes: 2}
	calm := SystemSnapshot{CPU: 0.1, ActiveNodes: 2}
	ctx := context.Background()

	scaler.Observe(ctx, hot)
	clock.Advance(30 * time.Second)
	scaler.Observe(ctx, calm) // breach cleared, window forgotten
	clock.Advance(45 * time.Second)
	if fired := scaler.Observe(ctx, hot); len(fired) != 0 {
		t.Fatalf("fired with a restarted window: %v", fired)
	}
	clock.Advance(61 * time.Second)
	if fired := scaler.Observe(ctx, hot); len(fired) != 1 {
		t.Fatalf("fired = %v, want one decision after the window held", fired)
	}
}

func TestAutoscalerSkipsAtCapacityWithoutConsumingCooldown(t *testing.T) {
	scaler, err := NewAutoscaler([]ScalingTrigger{{
		ID: "cpu-surge", Metric: MetricCPU, Threshold: 0.8,
		Cooldown: time.Hour, Action: ScaleUp,
		MinNodes: 1, MaxNodes: 8, ScalingFactor: 2,
	}}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewAutoscaler: %v", err)
	}
	ctx := context.Background()

	if fired := scaler.Observe(ctx, SystemSnapshot{CPU: 0.9, ActiveNodes: 8}); len(fired) != 0 {
		t.Fatalf("fired at the node ceiling: %v", fired)
	}
	// Capacity freed up; the skip above must not have started the
	// cooldown.
	fired := scaler.Observe(ctx, SystemSnapshot{CPU: 0.9, ActiveNodes: 4})
	if len(fired) != 1 || fired[0].TargetNodes != 8 {
		t.Fatalf("fired = %v, want scale to 8", fired)
	}
}

func TestAutoscalerRedirectFiresWithoutResizing(t *testing.T) {
	scaler, err := NewAutoscaler([]ScalingTrigger{{
		ID: "latency-hot", Metric: MetricLatencyP99, Threshold: 3_000,
		Cooldown: time.Hour, Action: RedirectLoad, MinNodes: 1,
	}}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewAutoscaler: %v", err)
	}

	fired := scaler.Observe(context.Background(), SystemSnapshot{LatencyP99Ms: 4_000, ActiveNodes: 3})
	if len(fired) != 1 {
		t.Fatalf("fired = %v, want one decision", fired)
	}
	if fired[0].TargetNodes != 3 || fired[0].CurrentNodes != 3 {
		t.Errorf("decision = %+v, want redirect at constant size", fired[0])
	}
}

func TestAutoscalerScaleDown(t *testing.T) {
	newIdleTrigger := func() []ScalingTrigger {
		return []ScalingTrigger{{
			ID: "cpu-idle", Metric: MetricCPU, Threshold: 0.3, Below: true,
			Cooldown: time.Minute, Action: ScaleDown,
			MinNodes: 2, ScalingFactor: 0.5,
		}}
	}
	ctx := context.Background()

	cases := []struct {
		name       string
		nodes      int
		wantTarget int
		wantFired  bool
	}{
		{"halves the fleet", 8, 4, true},
		{"clamps to the floor", 3, 2, true},
		{"already at the floor", 2, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scaler, err := NewAutoscaler(newIdleTrigger(), nil, quietLogger())
			if err != nil {
				t.Fatalf("NewAutoscaler: %v", err)
			}
			fired := scaler.Observe(ctx, SystemSnapshot{CPU: 0.1, ActiveNodes: tc.nodes})
			if tc.wantFired != (len(fired) == 1) {
				t.Fatalf("fired = %v, want fired=%v", fired, tc.wantFired)
			}
			if tc.wantFired && fired[0].TargetNodes != tc.wantTarget {
				t.Errorf("target = %d, want %d", fired[0].TargetNodes, tc.wantTarget)
			}
		})
	}
}

func TestAutoscalerDefaultsToMinNodesWithoutFleetData(t *testing.T) {
	scaler, err := NewAutoscaler([]ScalingTrigger{{
		ID: "queue-deep", Metric: MetricQueueDepth, Threshold: 500,
		Cooldown: time.Minute, Action: ScaleUp, MinNodes: 3, ScalingFactor: 2,
	}}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewAutoscaler: %v", err)
	}

	fired := scaler.Observe(context.Background(), SystemSnapshot{QueueDepth: 900})
	if len(fired) != 1 {
		t.Fatalf("fired = %v, want one decision", fired)
	}
	if fired[0].CurrentNodes != 3 || fired[0].TargetNodes != 6 {
		t.Errorf("decision = %+v, want 3 -> 6 from the min-node floor", fired[0])
	}
}

func TestAutoscalerDecisionsSortedByTrigger(t *testing.T) {
	scaler, err := NewAutoscaler([]ScalingTrigger{
		{ID: "z-queue", Metric: MetricQueueDepth, Threshold: 100, Cooldown: time.Hour, Action: ScaleUp, MinNodes: 1, ScalingFactor: 2},
		{ID: "a-cpu", Metric: MetricCPU, Threshold: 0.5, Cooldown: time.Hour, Action: ScaleUp, MinNodes: 1, ScalingFactor: 2},
	}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewAutoscaler: %v", err)
	}

	fired := scaler.Observe(context.Background(), SystemSnapshot{CPU: 0.9, QueueDepth: 400, ActiveNodes: 2})
	if len(fired) != 2 {
		t.Fatalf("fired = %v, want both triggers", fired)
	}
	decisions := scaler.Decisions()
	if len(decisions) != 2 || decisions[0].TriggerID != "a-cpu" || decisions[1].TriggerID != "z-queue" {
		t.Errorf("decisions = %v, want sorted by trigger id", decisions)
	}
}

func TestNewAutoscalerValidation(t *testing.T) {
	base := ScalingTrigger{
		ID: "ok", Metric: MetricCPU, Threshold: 0.5,
		Cooldown: time.Minute, Action: ScaleUp, MinNodes: 1, ScalingFactor: 2,
	}
	cases := []struct {
		name     string
		mutate   func(*ScalingTrigger)
		wantKind qerr.Kind
	}{
		{"missing id", func(t *ScalingTrigger) { t.ID = "" }, qerr.KindRequiredField},
		{"unknown metric", func(t *ScalingTrigger) { t.Metric = "disk_temperature" }, qerr.KindInvalidType},
		{"unknown action", func(t *ScalingTrigger) { t.Action = "reboot" }, qerr.KindInvalidType},
		{"inverted bounds", func(t *ScalingTrigger) { t.MinNodes = 8; t.MaxNodes = 2 }, qerr.KindInvalidType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := base
			tc.mutate(&trigger)
			if _, err := NewAutoscaler([]ScalingTrigger{trigger}, nil, quietLogger()); qerr.KindOf(err) != tc.wantKind {
				t.Errorf("error = %v, want kind %s", err, tc.wantKind)
			}
		})
	}

	dup := []ScalingTrigger{base, base}
	if _, err := NewAutoscaler(dup, nil, quietLogger()); qerr.KindOf(err) != qerr.KindDuplicate {
		t.Errorf("duplicate id error = %v, want KindDuplicate", err)
	}

	if _, err := NewAutoscaler(nil, nil, quietLogger()); err != nil {
		t.Errorf("default triggers rejected: %v", err)
	}
}
