package control

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
)

func TestSignalsFrom(t *testing.T) {
	sig := SignalsFrom(SystemSnapshot{
		CPU:          0.2,
		Memory:       0.9,
		Network:      0.1,
		Storage:      0.4,
		ErrorRate:    0.03,
		LatencyP99Ms: 1_200,
		BurnRate:     0.55,
	})
	if sig.Utilization != 0.9 {
		t.Errorf("Utilization = %v, want the hottest resource", sig.Utilization)
	}
	if sig.BurnRate != 0.55 || sig.ErrorRate != 0.03 || sig.LatencyP99Ms != 1_200 {
		t.Errorf("signals = %+v, want passthrough of burn, errors, latency", sig)
	}
}

func TestComputeWeighting(t *testing.T) {
	svc := NewBurnRateService(nil, nil, nil, quietLogger())

	t.Run("idle system burns nothing", func(t *testing.T) {
		br := svc.Compute(SystemSnapshot{})
		if br.Overall != 0 {
			t.Errorf("Overall = %v, want 0", br.Overall)
		}
	})

	t.Run("saturated system burns fully", func(t *testing.T) {
		br := svc.Compute(snapAllAt(1.0))
		if math.Abs(br.Overall-1.0) > 1e-9 {
			t.Errorf("Overall = %v, want 1.0", br.Overall)
		}
	})

	t.Run("uniform load computes to itself", func(t *testing.T) {
		br := svc.Compute(snapAllAt(0.6))
		if math.Abs(br.Overall-0.6) > 1e-9 {
			t.Errorf("Overall = %v, want 0.6", br.Overall)
		}
	})

	t.Run("one saturated resource dominates its vector", func(t *testing.T) {
		br := svc.Compute(SystemSnapshot{CPU: 1.0})
		// resources: peak 1.0, mean 0.25 -> 0.7; weighted 0.5 -> 0.35
		if math.Abs(br.Overall-0.35) > 1e-9 {
			t.Errorf("Overall = %v, want 0.35", br.Overall)
		}
		if br.Resources["cpu"] != 1.0 {
			t.Errorf("cpu = %v, want 1.0", br.Resources["cpu"])
		}
	})

	t.Run("out of range inputs are clamped", func(t *testing.T) {
		br := svc.Compute(SystemSnapshot{CPU: 3.0, ErrorRate: -1})
		if br.Resources["cpu"] != 1.0 {
			t.Errorf("cpu = %v, want clamped 1.0", br.Resources["cpu"])
		}
		if br.Performance["error_rate"] != 0 {
			t.Errorf("error_rate = %v, want clamped 0", br.Performance["error_rate"])
		}
	})
}

func TestRecordPublishesAndBoundsHistory(t *testing.T) {
	pub, bus := testPublisher(t)
	sub := bus.Subscribe(events.TopicBurnRate)

	svc := NewBurnRateService(nil, nil, pub, quietLogger(), WithHistoryLimit(2))

	for _, v := range []float64{0.1, 0.2, 0.3} {
		svc.Record(context.Background(), snapAllAt(v))
	}

	current, ok := svc.Current()
	if !ok {
		t.Fatal("Current returned no snapshot")
	}
	if math.Abs(current.Overall-0.3) > 1e-9 {
		t.Errorf("current Overall = %v, want 0.3", current.Overall)
	}

	history := svc.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if math.Abs(history[0].Overall-0.2) > 1e-9 {
		t.Errorf("oldest retained Overall = %v, want 0.2", history[0].Overall)
	}

	env := waitEnvelope(t, sub)
	payload, ok := env.Data.(*events.BurnRatePayload)
	if !ok {
		t.Fatalf("event data is %T, want *BurnRatePayload", env.Data)
	}
	if math.Abs(payload.Overall-0.1) > 1e-9 {
		t.Errorf("first published Overall = %v, want 0.1", payload.Overall)
	}
}

func TestCollectRequiresMonitor(t *testing.T) {
	svc := NewBurnRateService(nil, nil, nil, quietLogger())
	if _, err := svc.Collect(context.Background()); qerr.KindOf(err) != qerr.KindRequiredField {
		t.Errorf("Collect without monitor = %v, want KindRequiredField", err)
	}

	monitor := &staticMonitor{err: errors.New("stats endpoint down")}
	svc = NewBurnRateService(monitor, nil, nil, quietLogger())
	if _, err := svc.Collect(context.Background()); qerr.KindOf(err) != qerr.KindResourceUnavailable {
		t.Errorf("Collect with failing monitor = %v, want KindResourceUnavailable", err)
	}
}

func TestPauseLowPriorityFlowsShedsLowThenMedium(t *testing.T) {
	snap := stressSnapshot()
	snap.Executions = []ExecutionSample{
		{ID: "low-light", FlowID: "f1", Priority: flow.PriorityLow, CostShare: 0.05},
		{ID: "low-heavy", FlowID: "f2", Priority: flow.PriorityLow, CostShare: 0.30},
		{ID: "med-heavy", FlowID: "f3", Priority: flow.PriorityMedium, CostShare: 0.30},
		{ID: "high-1", FlowID: "f4", Priority: flow.PriorityHigh, CostShare: 0.20},
		{ID: "crit-1", FlowID: "f5", Priority: flow.PriorityCritical, CostShare: 0.15},
	}
	monitor := &staticMonitor{snap: snap}
	controller := &fakeController{}
	svc := NewBurnRateService(monitor, controller, nil, quietLogger())

	paused, err := svc.PauseLowPriorityFlows(context.Background(), 0.5, 1.0)
	if err != nil {
		t.Fatalf("PauseLowPriorityFlows: %v", err)
	}

	// Low band first, cost-heaviest first, then medium because the
	// projected burn is still over 0.5 after the low band drains.
	want := []string{"low-heavy", "low-light", "med-heavy"}
	if !reflect.DeepEqual(paused, want) {
		t.Errorf("paused = %v, want %v", paused, want)
	}
	if !reflect.DeepEqual(controller.pausedIDs(), want) {
		t.Errorf("controller saw %v, want %v", controller.pausedIDs(), want)
	}
	for _, id := range controller.pausedIDs() {
		if id == "high-1" || id == "crit-1" {
			t.Fatalf("high or critical execution %s was paused", id)
		}
	}
}

func TestPauseLowPriorityFlowsStopsWhenProjectionRecovers(t *testing.T) {
	snap := stressSnapshot()
	snap.Executions = []ExecutionSample{
		{ID: "low-heavy", Priority: flow.PriorityLow, CostShare: 0.30},
		{ID: "low-light", Priority: flow.PriorityLow, CostShare: 0.05},
		{ID: "med-1", Priority: flow.PriorityMedium, CostShare: 0.30},
	}
	monitor := &staticMonitor{snap: snap}
	controller := &fakeController{}
	svc := NewBurnRateService(monitor, controller, nil, quietLogger())

	// Burn is ~0.92; shedding low-heavy projects it to ~0.65, under
	// the 0.8 threshold, so nothing else pauses.
	paused, err := svc.PauseLowPriorityFlows(context.Background(), 0.8, 1.0)
	if err != nil {
		t.Fatalf("PauseLowPriorityFlows: %v", err)
	}
	if want := []string{"low-heavy"}; !reflect.DeepEqual(paused, want) {
		t.Errorf("paused = %v, want %v", paused, want)
	}
}

func TestPauseLowPriorityFlowsHonorsPercentile(t *testing.T) {
	snap := stressSnapshot()
	snap.Executions = []ExecutionSample{
		{ID: "l1", Priority: flow.PriorityLow, CostShare: 0.04},
		{ID: "l2", Priority: flow.PriorityLow, CostShare: 0.03},
		{ID: "l3", Priority: flow.PriorityLow, CostShare: 0.02},
		{ID: "l4", Priority: flow.PriorityLow, CostShare: 0.01},
	}
	monitor := &staticMonitor{snap: snap}
	controller := &fakeController{}
	svc := NewBurnRateService(monitor, controller, nil, quietLogger())

	// Shares are too small to recover the projection, so the 50%
	// eligibility cap is what stops the shedding.
	paused, err := svc.PauseLowPriorityFlows(context.Background(), 0.5, 0.5)
	if err != nil {
		t.Fatalf("PauseLowPriorityFlows: %v", err)
	}
	if want := []string{"l1", "l2"}; !reflect.DeepEqual(paused, want) {
		t.Errorf("paused = %v, want %v", paused, want)
	}
}

func TestPauseLowPriorityFlowsBelowThreshold(t *testing.T) {
	monitor := &staticMonitor{snap: snapAllAt(0.2)}
	controller := &fakeController{}
	svc := NewBurnRateService(monitor, controller, nil, quietLogger())

	paused, err := svc.PauseLowPriorityFlows(context.Background(), 0.8, 1.0)
	if err != nil {
		t.Fatalf("PauseLowPriorityFlows: %v", err)
	}
	if paused != nil {
		t.Errorf("paused = %v, want nil", paused)
	}
}

func TestPauseLowPriorityFlowsValidatesInputs(t *testing.T) {
	svc := NewBurnRateService(&staticMonitor{}, nil, nil, quietLogger())
	if _, err := svc.PauseLowPriorityFlows(context.Background(), 1.5, 0.5); qerr.KindOf(err) != qerr.KindInvalidType {
		t.Errorf("threshold 1.5 error = %v, want KindInvalidType", err)
	}
	if _, err := svc.PauseLowPriorityFlows(context.Background(), 0.5, 0); qerr.KindOf(err) != qerr.KindInvalidType {
		t.Errorf("percentile 0 error = %v, want KindInvalidType", err)
	}
}

func TestDeferHeavyStepsTracksBurnRate(t *testing.T) {
	monitor := &staticMonitor{snap: stressSnapshot()}
	svc := NewBurnRateService(monitor, nil, nil, quietLogger())

	deferred, err := svc.DeferHeavySteps(context.Background(), 0.8)
	if err != nil {
		t.Fatalf("DeferHeavySteps: %v", err)
	}
	if !deferred || !svc.HeavyStepsDeferred() {
		t.Fatal("expected heavy steps deferred at high burn")
	}

	monitor.set(snapAllAt(0.1))
	deferred, err = svc.DeferHeavySteps(context.Background(), 0.8)
	if err != nil {
		t.Fatalf("DeferHeavySteps: %v", err)
	}
	if deferred || svc.HeavyStepsDeferred() {
		t.Fatal("expected deferral lifted once burn recovered")
	}
}

func TestRerouteFlowsToColdNodes(t *testing.T) {
	snap := stressSnapshot()
	snap.Nodes = []NodeSample{
		{ID: "hot", Load: 0.95},
		{ID: "cold-1", Load: 0.20},
		{ID: "cold-2", Load: 0.30},
	}
	snap.Executions = []ExecutionSample{
		{ID: "on-hot", Priority: flow.PriorityMedium, NodeID: "hot"},
		{ID: "on-cold", Priority: flow.PriorityMedium, NodeID: "cold-1"},
	}
	monitor := &staticMonitor{snap: snap}
	controller := &fakeController{}
	svc := NewBurnRateService(monitor, controller, nil, quietLogger())

	rerouted, err := svc.RerouteFlowsToColdNodes(context.Background(), 0.5, 0.5)
	if err != nil {
		t.Fatalf("RerouteFlowsToColdNodes: %v", err)
	}
	if want := []string{"on-hot"}; !reflect.DeepEqual(rerouted, want) {
		t.Errorf("rerouted = %v, want %v", rerouted, want)
	}
	if want := []string{"on-hot"}; !reflect.DeepEqual(controller.pausedIDs(), want) {
		t.Errorf("paused = %v, want %v", controller.pausedIDs(), want)
	}
	if want := []string{"on-hot"}; !reflect.DeepEqual(controller.resumedIDs(), want) {
		t.Errorf("resumed = %v, want %v", controller.resumedIDs(), want)
	}
}

func TestRerouteNoopWithoutLoadSpread(t *testing.T) {
	snap := stressSnapshot()
	snap.Nodes = []NodeSample{
		{ID: "a", Load: 0.9},
		{ID: "b", Load: 0.9},
	}
	snap.Executions = []ExecutionSample{{ID: "e1", NodeID: "a"}}
	monitor := &staticMonitor{snap: snap}
	controller := &fakeController{}
	svc := NewBurnRateService(monitor, controller, nil, quietLogger())

	rerouted, err := svc.RerouteFlowsToColdNodes(context.Background(), 0.5, 0.5)
	if err != nil {
		t.Fatalf("RerouteFlowsToColdNodes: %v", err)
	}
	if rerouted != nil {
		t.Errorf("rerouted = %v, want nil for a uniformly loaded fleet", rerouted)
	}
	if len(controller.pausedIDs()) != 0 {
		t.Errorf("controller was driven despite uniform load")
	}
}

func TestAnalyzeFlowCost(t *testing.T) {
	svc := NewBurnRateService(nil, nil, nil, quietLogger())

	t.Run("no data", func(t *testing.T) {
		report := svc.AnalyzeFlowCost("f1", nil)
		if report.Executions != 0 || report.CostScore != 0 {
			t.Errorf("empty report = %+v", report)
		}
	})

	t.Run("cpu dominant", func(t *testing.T) {
		report := svc.AnalyzeFlowCost("f1", []ExecutionMetric{
			{ExecutionID: "e1", Duration: 6 * time.Minute, CPUMs: 60_000, MemoryMBPeak: 100},
			{ExecutionID: "e2", Duration: 6 * time.Minute, CPUMs: 60_000, MemoryMBPeak: 100},
		})
		if report.Dominant != "cpu" {
			t.Errorf("Dominant = %q, want cpu", report.Dominant)
		}
		if report.Dimensions["cpu"] != 1.0 {
			t.Errorf("cpu dimension = %v, want 1.0", report.Dimensions["cpu"])
		}
		if report.AvgDuration != 6*time.Minute {
			t.Errorf("AvgDuration = %v, want 6m", report.AvgDuration)
		}
		// Long average duration always earns the split recommendation.
		if len(report.Recommendations) == 0 {
			t.Fatal("expected recommendations for a long cpu-bound flow")
		}
	})

	t.Run("saturated everything recommends caching", func(t *testing.T) {
		report := svc.AnalyzeFlowCost("f2", []ExecutionMetric{{
			ExecutionID:  "e1",
			Duration:     time.Minute,
			CPUMs:        60_000,
			MemoryMBPeak: 1_024,
			NetworkBytes: 100 << 20,
			StorageBytes: 1 << 30,
		}})
		if report.CostScore != 1.0 {
			t.Errorf("CostScore = %v, want 1.0", report.CostScore)
		}
		if report.Dominant != "cpu" {
			t.Errorf("Dominant = %q, want cpu on alphabetical tie-break", report.Dominant)
		}
		if len(report.Recommendations) != 1 {
			t.Fatalf("Recommendations = %v, want exactly the caching hint", report.Recommendations)
		}
	})
}
