package control

import (
	"context"
	"testing"

	"github.com/c360studio/qflow/flow"
)

func TestAdmissionPolicyBackpressure(t *testing.T) {
	burn := NewBurnRateService(nil, nil, nil, quietLogger())
	policy := NewAdmissionPolicy(nil, burn)
	light := flow.ResourceLimits{}

	// No burn data yet: everything flows.
	for _, p := range []flow.Priority{flow.PriorityLow, flow.PriorityCritical} {
		if !policy.AdmitExecution(p) || !policy.AdmitStep(p, light) {
			t.Fatalf("%s denied with no burn data", p)
		}
	}

	burn.Record(context.Background(), snapAllAt(0.95))

	for _, p := range []flow.Priority{flow.PriorityLow, flow.PriorityMedium} {
		if policy.AdmitExecution(p) {
			t.Errorf("%s admitted under backpressure", p)
		}
		if policy.AdmitStep(p, light) {
			t.Errorf("%s step admitted under backpressure", p)
		}
	}
	for _, p := range []flow.Priority{flow.PriorityHigh, flow.PriorityCritical} {
		if !policy.AdmitExecution(p) {
			t.Errorf("%s denied under backpressure", p)
		}
		if !policy.AdmitStep(p, light) {
			t.Errorf("%s step denied under backpressure", p)
		}
	}

	// Recovery lifts the gate.
	burn.Record(context.Background(), snapAllAt(0.2))
	if !policy.AdmitExecution(flow.PriorityLow) {
		t.Error("low still denied after burn recovered")
	}
}

func TestAdmissionPolicyHeavyStepDeferral(t *testing.T) {
	monitor := &staticMonitor{snap: stressSnapshot()}
	burn := NewBurnRateService(monitor, nil, nil, quietLogger())
	policy := &AdmissionPolicy{
		Burn:                  burn,
		BackpressureThreshold: 0.99,
		HeavyMemoryMB:         DefaultHeavyStepMemoryMB,
		HeavyCPUMs:            DefaultHeavyStepCPUMs,
	}
	heavy := flow.ResourceLimits{MaxMemoryMB: 512}
	light := flow.ResourceLimits{MaxMemoryMB: 128, MaxCPUMs: 1_000}

	if !policy.AdmitStep(flow.PriorityMedium, heavy) {
		t.Fatal("heavy step denied before any deferral")
	}

	if _, err := burn.DeferHeavySteps(context.Background(), 0.8); err != nil {
		t.Fatalf("DeferHeavySteps: %v", err)
	}

	if policy.AdmitStep(flow.PriorityMedium, heavy) {
		t.Error("heavy medium step admitted while deferred")
	}
	if policy.AdmitStep(flow.PriorityHigh, flow.ResourceLimits{MaxCPUMs: 10_000}) {
		t.Error("cpu-heavy high step admitted while deferred")
	}
	if !policy.AdmitStep(flow.PriorityCritical, heavy) {
		t.Error("critical heavy step denied; deferral must not touch critical")
	}
	if !policy.AdmitStep(flow.PriorityMedium, light) {
		t.Error("light step denied; deferral is about heavy steps only")
	}
	// Deferral holds steps back, not whole executions.
	if !policy.AdmitExecution(flow.PriorityMedium) {
		t.Error("execution admission denied by step deferral")
	}
}

func TestAdmissionPolicyLadderGate(t *testing.T) {
	ladder, err := NewDegradationLadder(nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDegradationLadder: %v", err)
	}
	if err := ladder.ForceLevel(3, "test"); err != nil {
		t.Fatalf("ForceLevel: %v", err)
	}
	policy := NewAdmissionPolicy(ladder, nil)

	if policy.AdmitExecution(flow.PriorityHigh) {
		t.Error("high admitted at survival level")
	}
	if !policy.AdmitExecution(flow.PriorityCritical) {
		t.Error("critical denied at survival level")
	}
}

func TestAdmissionPolicyZeroValueAdmitsAll(t *testing.T) {
	var policy AdmissionPolicy
	for _, p := range []flow.Priority{flow.PriorityLow, flow.PriorityMedium, flow.PriorityHigh, flow.PriorityCritical} {
		if !policy.AdmitExecution(p) {
			t.Errorf("%s denied by zero-value policy", p)
		}
		if !policy.AdmitStep(p, flow.ResourceLimits{MaxMemoryMB: 8_192}) {
			t.Errorf("%s step denied by zero-value policy", p)
		}
	}
}

func TestAdmissionPolicyMonotoneUnderCombinedPressure(t *testing.T) {
	ladder, err := NewDegradationLadder(nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDegradationLadder: %v", err)
	}
	if err := ladder.ForceLevel(2, "test"); err != nil {
		t.Fatalf("ForceLevel: %v", err)
	}
	monitor := &staticMonitor{snap: stressSnapshot()}
	burn := NewBurnRateService(monitor, nil, nil, quietLogger())
	burn.Record(context.Background(), stressSnapshot())
	if _, err := burn.DeferHeavySteps(context.Background(), 0.8); err != nil {
		t.Fatalf("DeferHeavySteps: %v", err)
	}
	policy := NewAdmissionPolicy(ladder, burn)

	ordered := []flow.Priority{flow.PriorityCritical, flow.PriorityHigh, flow.PriorityMedium, flow.PriorityLow}
	heavy := flow.ResourceLimits{MaxMemoryMB: 2_048}
	prevExec, prevStep := true, true
	for _, p := range ordered {
		exec := policy.AdmitExecution(p)
		step := policy.AdmitStep(p, heavy)
		if exec && !prevExec {
			t.Errorf("%s admitted after a higher priority was denied", p)
		}
		if step && !prevStep {
			t.Errorf("%s step admitted after a higher priority was denied", p)
		}
		prevExec, prevStep = exec, step
	}
}
