package control

import (
	"testing"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/validation"
)

func newTestLadder(t *testing.T, pub *events.Publisher) (*DegradationLadder, *testClock) {
	t.Helper()
	clock := newTestClock()
	ladder, err := NewDegradationLadder(nil, pub, quietLogger(), WithLadderClock(clock.Now))
	if err != nil {
		t.Fatalf("NewDegradationLadder: %v", err)
	}
	return ladder, clock
}

func TestNewDegradationLadderValidation(t *testing.T) {
	if _, err := NewDegradationLadder([]Level{}, nil, quietLogger()); qerr.KindOf(err) != qerr.KindRequiredField {
		t.Errorf("empty ladder error = %v, want KindRequiredField", err)
	}
	gap := []Level{{Level: 0, Name: "normal"}, {Level: 2, Name: "skipped one"}}
	if _, err := NewDegradationLadder(gap, nil, quietLogger()); qerr.KindOf(err) != qerr.KindInvalidType {
		t.Errorf("non-contiguous ladder error = %v, want KindInvalidType", err)
	}
}

func TestManualTransitionsHonorCooldowns(t *testing.T) {
	pub, bus := testPublisher(t)
	up := bus.Subscribe(events.TopicDegradationUp)
	down := bus.Subscribe(events.TopicDegradationDown)
	ladder, clock := newTestLadder(t, pub)

	if err := ladder.Escalate(1, "traffic spike"); err != nil {
		t.Fatalf("first escalation: %v", err)
	}
	env := waitEnvelope(t, up)
	payload := env.Data.(*events.DegradationChangedPayload)
	if payload.FromLevel != 0 || payload.ToLevel != 1 || payload.Manual {
		t.Errorf("payload = %+v, want 0->1 automatic", payload)
	}

	if err := ladder.Escalate(2, "still climbing"); qerr.KindOf(err) != qerr.KindRateLimited {
		t.Fatalf("escalation inside cooldown = %v, want KindRateLimited", err)
	}
	clock.Advance(31 * time.Second)
	if err := ladder.Escalate(2, "still climbing"); err != nil {
		t.Fatalf("escalation after cooldown: %v", err)
	}
	if ladder.CurrentLevel() != 2 {
		t.Fatalf("level = %d, want 2", ladder.CurrentLevel())
	}

	if err := ladder.DeEscalate(1, "recovering"); qerr.KindOf(err) != qerr.KindRateLimited {
		t.Fatalf("de-escalation inside dwell = %v, want KindRateLimited", err)
	}
	clock.Advance(2*time.Minute + time.Second)
	if err := ladder.DeEscalate(1, "recovering"); err != nil {
		t.Fatalf("de-escalation after dwell: %v", err)
	}
	env = waitEnvelope(t, down)
	payload = env.Data.(*events.DegradationChangedPayload)
	if payload.FromLevel != 2 || payload.ToLevel != 1 {
		t.Errorf("payload = %+v, want 2->1", payload)
	}
}

func TestTransitionDirectionAndBounds(t *testing.T) {
	ladder, clock := newTestLadder(t, nil)
	if err := ladder.Escalate(1, "up"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	clock.Advance(time.Minute)

	if err := ladder.Escalate(1, "same"); qerr.KindOf(err) != qerr.KindInvalidTransition {
		t.Errorf("escalate to same level = %v, want KindInvalidTransition", err)
	}
	if err := ladder.Escalate(0, "down via escalate"); qerr.KindOf(err) != qerr.KindInvalidTransition {
		t.Errorf("escalate downward = %v, want KindInvalidTransition", err)
	}
	if err := ladder.DeEscalate(1, "same"); qerr.KindOf(err) != qerr.KindInvalidTransition {
		t.Errorf("de-escalate to same level = %v, want KindInvalidTransition", err)
	}
	if err := ladder.Escalate(99, "beyond top"); qerr.KindOf(err) != qerr.KindInvalidType {
		t.Errorf("escalate out of range = %v, want KindInvalidType", err)
	}
	if err := ladder.DeEscalate(-1, "below floor"); qerr.KindOf(err) != qerr.KindInvalidType {
		t.Errorf("de-escalate out of range = %v, want KindInvalidType", err)
	}
}

func TestForceLevelPinsUntilWindowExpires(t *testing.T) {
	pub, bus := testPublisher(t)
	up := bus.Subscribe(events.TopicDegradationUp)
	ladder, clock := newTestLadder(t, pub)

	if err := ladder.ForceLevel(3, "incident drill"); err != nil {
		t.Fatalf("ForceLevel: %v", err)
	}
	payload := waitEnvelope(t, up).Data.(*events.DegradationChangedPayload)
	if !payload.Manual || payload.ToLevel != 3 {
		t.Errorf("payload = %+v, want manual jump to 3", payload)
	}
	if !ladder.OverrideActive() {
		t.Fatal("override should be active")
	}

	// Calm signals change nothing while the override holds.
	if level, changed := ladder.Evaluate(Signals{}); changed || level != 3 {
		t.Fatalf("Evaluate under override = (%d, %v), want (3, false)", level, changed)
	}

	clock.Advance(DefaultOverrideWindow + time.Second)
	if ladder.OverrideActive() {
		t.Fatal("override should have expired")
	}
	// Recovery is one level per evaluation.
	if level, changed := ladder.Evaluate(Signals{}); !changed || level != 2 {
		t.Fatalf("Evaluate after expiry = (%d, %v), want (2, true)", level, changed)
	}

	if err := ladder.ForceLevel(2, "hold here"); err != nil {
		t.Fatalf("ForceLevel: %v", err)
	}
	ladder.ClearOverride()
	if ladder.OverrideActive() {
		t.Fatal("ClearOverride should lift the pin immediately")
	}
}

func TestEvaluateJumpsToHighestMatch(t *testing.T) {
	ladder, clock := newTestLadder(t, nil)

	level, changed := ladder.Evaluate(Signals{BurnRate: 0.9})
	if !changed || level != 2 {
		t.Fatalf("Evaluate(burn 0.9) = (%d, %v), want (2, true)", level, changed)
	}
	if level, changed = ladder.Evaluate(Signals{BurnRate: 0.9}); changed || level != 2 {
		t.Fatalf("steady signals = (%d, %v), want (2, false)", level, changed)
	}
	// Worse signals inside the escalation cooldown hold the level.
	if level, changed = ladder.Evaluate(Signals{BurnRate: 0.96}); changed || level != 2 {
		t.Fatalf("escalation inside cooldown = (%d, %v), want (2, false)", level, changed)
	}
	clock.Advance(31 * time.Second)
	if level, changed = ladder.Evaluate(Signals{BurnRate: 0.96}); !changed || level != 3 {
		t.Fatalf("escalation after cooldown = (%d, %v), want (3, true)", level, changed)
	}

	// Full recovery still walks down one level per dwell.
	clock.Advance(3 * time.Minute)
	if level, changed = ladder.Evaluate(Signals{}); !changed || level != 2 {
		t.Fatalf("first recovery step = (%d, %v), want (2, true)", level, changed)
	}
	if level, changed = ladder.Evaluate(Signals{}); changed || level != 2 {
		t.Fatalf("recovery inside dwell = (%d, %v), want (2, false)", level, changed)
	}
}

func TestEvaluateCompoundClause(t *testing.T) {
	ladder, _ := newTestLadder(t, nil)

	// The constrained level needs error rate AND latency over their
	// thresholds; one alone is not enough.
	if level, changed := ladder.Evaluate(Signals{ErrorRate: 0.06, LatencyP99Ms: 1_500}); changed || level != 0 {
		t.Fatalf("partial clause = (%d, %v), want (0, false)", level, changed)
	}
	if level, changed := ladder.Evaluate(Signals{ErrorRate: 0.06, LatencyP99Ms: 2_500}); !changed || level != 2 {
		t.Fatalf("full clause = (%d, %v), want (2, true)", level, changed)
	}
}

func TestAdmissionPerLevel(t *testing.T) {
	ladder, _ := newTestLadder(t, nil)
	light := flow.ResourceLimits{}

	force := func(level int) {
		t.Helper()
		if err := ladder.ForceLevel(level, "test"); err != nil {
			t.Fatalf("ForceLevel(%d): %v", level, err)
		}
	}

	// Constrained: the low band is shed, everything else runs.
	force(2)
	if ladder.AdmitExecution(flow.PriorityLow) {
		t.Error("low admitted at constrained level")
	}
	for _, p := range []flow.Priority{flow.PriorityMedium, flow.PriorityHigh, flow.PriorityCritical} {
		if !ladder.AdmitExecution(p) {
			t.Errorf("%s denied at constrained level", p)
		}
	}

	// Survival: critical-only ingress.
	force(3)
	for _, p := range []flow.Priority{flow.PriorityLow, flow.PriorityMedium, flow.PriorityHigh} {
		if ladder.AdmitExecution(p) {
			t.Errorf("%s admitted at survival level", p)
		}
		if ladder.AdmitStep(p, light) {
			t.Errorf("%s step admitted at survival level", p)
		}
	}
	if !ladder.AdmitExecution(flow.PriorityCritical) {
		t.Error("critical denied at survival level")
	}
	if !ladder.AdmitStep(flow.PriorityCritical, flow.ResourceLimits{MaxMemoryMB: 4_096}) {
		t.Error("critical heavy step denied; caps must not apply to critical")
	}
}

func TestAdmitStepCaps(t *testing.T) {
	levels := []Level{
		{Level: 0, Name: "normal"},
		{Level: 1, Name: "capped", Actions: LevelActions{
			MaxStepMemoryMB: 512,
			MaxStepCPUMs:    10_000,
		}},
	}
	ladder, err := NewDegradationLadder(levels, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDegradationLadder: %v", err)
	}
	if err := ladder.ForceLevel(1, "test"); err != nil {
		t.Fatalf("ForceLevel: %v", err)
	}

	cases := []struct {
		name string
		res  flow.ResourceLimits
		want bool
	}{
		{"memory at cap", flow.ResourceLimits{MaxMemoryMB: 512}, false},
		{"cpu at cap", flow.ResourceLimits{MaxMemoryMB: 256, MaxCPUMs: 10_000}, false},
		{"under both caps", flow.ResourceLimits{MaxMemoryMB: 256, MaxCPUMs: 9_999}, true},
		{"uncapped dims", flow.ResourceLimits{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ladder.AdmitStep(flow.PriorityHigh, tc.res); got != tc.want {
				t.Errorf("AdmitStep(high, %+v) = %v, want %v", tc.res, got, tc.want)
			}
		})
	}
}

func TestAdmissionMonotoneInPriority(t *testing.T) {
	ladder, _ := newTestLadder(t, nil)
	ordered := []flow.Priority{flow.PriorityCritical, flow.PriorityHigh, flow.PriorityMedium, flow.PriorityLow}
	heavy := flow.ResourceLimits{MaxMemoryMB: 1_024, MaxCPUMs: 60_000}

	for level := range ladder.Levels() {
		if err := ladder.ForceLevel(level, "test"); err != nil {
			t.Fatalf("ForceLevel(%d): %v", level, err)
		}
		prevExec, prevStep := true, true
		for _, p := range ordered {
			exec := ladder.AdmitExecution(p)
			step := ladder.AdmitStep(p, heavy)
			if exec && !prevExec {
				t.Errorf("level %d: %s admitted after a higher priority was denied", level, p)
			}
			if step && !prevStep {
				t.Errorf("level %d: %s step admitted after a higher priority was denied", level, p)
			}
			prevExec, prevStep = exec, step
		}
	}
}

func TestEmergencyEscalateBypassesCooldown(t *testing.T) {
	pub, bus := testPublisher(t)
	up := bus.Subscribe(events.TopicDegradationUp)
	ladder, _ := newTestLadder(t, pub)

	if err := ladder.Escalate(1, "warming up"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	waitEnvelope(t, up)

	// Straight to the top with the cooldown still running.
	ladder.EmergencyEscalate("node loss")
	payload := waitEnvelope(t, up).Data.(*events.DegradationChangedPayload)
	if payload.FromLevel != 1 || payload.ToLevel != 3 {
		t.Errorf("payload = %+v, want 1->3", payload)
	}

	// Idempotent at the top.
	ladder.EmergencyEscalate("node loss")
	expectNoEnvelope(t, up)
	if ladder.CurrentLevel() != 3 {
		t.Errorf("level = %d, want 3", ladder.CurrentLevel())
	}
}

func TestLevelSideEffects(t *testing.T) {
	ladder, _ := newTestLadder(t, nil)

	if layers := ladder.DisabledValidationLayers(); len(layers) != 0 {
		t.Errorf("normal level disables %v, want none", layers)
	}
	if scale := ladder.ParallelismScale(); scale != 1.0 {
		t.Errorf("normal parallelism = %v, want 1.0", scale)
	}

	if err := ladder.ForceLevel(2, "test"); err != nil {
		t.Fatalf("ForceLevel: %v", err)
	}
	layers := ladder.DisabledValidationLayers()
	if len(layers) != 1 || layers[0] != validation.LayerMetadata {
		t.Errorf("constrained disables %v, want [%s]", layers, validation.LayerMetadata)
	}
	if scale := ladder.ParallelismScale(); scale != 0.5 {
		t.Errorf("constrained parallelism = %v, want 0.5", scale)
	}

	status := ladder.Status()
	if status.Level != 2 || status.Name != "constrained" || !status.ManualOverride {
		t.Errorf("status = %+v, want constrained manual level 2", status)
	}
}
