package engine

import "github.com/c360studio/qflow/flow"

// AdmissionController lets adaptive control throttle the scheduler
// without owning it. Implementations must be monotone in priority: if a
// priority is admitted, every higher priority is admitted too, which is
// what allows the scheduler to test only the head of its queue.
type AdmissionController interface {
	// AdmitExecution reports whether an execution of the given flow
	// priority may be scheduled now. Denied executions stay queued.
	AdmitExecution(p flow.Priority) bool
	// AdmitStep reports whether a step with the given resource demands
	// may dispatch now. Denied steps stay in the ready set.
	AdmitStep(p flow.Priority, res flow.ResourceLimits) bool
}

// openAdmission admits everything; the default when no adaptive
// controller is wired.
type openAdmission struct{}

func (openAdmission) AdmitExecution(flow.Priority) bool { return true }

func (openAdmission) AdmitStep(flow.Priority, flow.ResourceLimits) bool { return true }
