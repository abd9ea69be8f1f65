package control

import (
	"github.com/c360studio/qflow/flow"
)

// Admission defaults.
const (
	DefaultBackpressureThreshold = 0.9
	DefaultHeavyStepMemoryMB     = 512
	DefaultHeavyStepCPUMs        = 10_000
)

// AdmissionPolicy layers the control plane's gates into the admission
// interface the engine consults: the degradation ladder's shedding
// rules, burn-rate backpressure on new dispatch, and heavy-step
// deferral. Both methods are monotone in priority. Nil components are
// skipped, so a policy can run with any subset wired.
type AdmissionPolicy struct {
	Ladder *DegradationLadder
	Burn   *BurnRateService

	// BackpressureThreshold is the burn rate at which only critical
	// and high priority work is admitted.
	BackpressureThreshold float64

	// HeavyMemoryMB and HeavyCPUMs define a heavy step for deferral.
	HeavyMemoryMB int64
	HeavyCPUMs    int64
}

// NewAdmissionPolicy builds a policy over the given ladder and burn
// service with default thresholds.
func NewAdmissionPolicy(ladder *DegradationLadder, burn *BurnRateService) *AdmissionPolicy {
	return &AdmissionPolicy{
		Ladder:                ladder,
		Burn:                  burn,
		BackpressureThreshold: DefaultBackpressureThreshold,
		HeavyMemoryMB:         DefaultHeavyStepMemoryMB,
		HeavyCPUMs:            DefaultHeavyStepCPUMs,
	}
}

// AdmitExecution reports whether an execution at priority pr may be
// scheduled now.
func (p *AdmissionPolicy) AdmitExecution(pr flow.Priority) bool {
	if p.Ladder != nil && !p.Ladder.AdmitExecution(pr) {
		return false
	}
	if p.underBackpressure() && pr.Rank() > flow.PriorityHigh.Rank() {
		return false
	}
	return true
}

// AdmitStep reports whether a step with the given demands may dispatch
// now. Critical flows bypass heavy-step deferral.
func (p *AdmissionPolicy) AdmitStep(pr flow.Priority, res flow.ResourceLimits) bool {
	if p.Ladder != nil && !p.Ladder.AdmitStep(pr, res) {
		return false
	}
	if p.underBackpressure() && pr.Rank() > flow.PriorityHigh.Rank() {
		return false
	}
	if p.Burn != nil && p.Burn.HeavyStepsDeferred() &&
		pr != flow.PriorityCritical && p.heavy(res) {
		return false
	}
	return true
}

func (p *AdmissionPolicy) underBackpressure() bool {
	if p.Burn == nil || p.BackpressureThreshold <= 0 {
		return false
	}
	current, ok := p.Burn.Current()
	return ok && current.Overall >= p.BackpressureThreshold
}

func (p *AdmissionPolicy) heavy(res flow.ResourceLimits) bool {
	if p.HeavyMemoryMB > 0 && res.MaxMemoryMB >= p.HeavyMemoryMB {
		return true
	}
	if p.HeavyCPUMs > 0 && res.MaxCPUMs >= p.HeavyCPUMs {
		return true
	}
	return false
}
