package events

import (
	"github.com/c360studio/semstreams/natsclient"
)

// Typed subjects for type-safe publish and subscribe. Subject names are
// the stable topics declared in events.go.
var (
	// Flow lifecycle
	FlowCreated = natsclient.NewSubject[FlowCreatedPayload](TopicFlowCreated)
	FlowUpdated = natsclient.NewSubject[FlowUpdatedPayload](TopicFlowUpdated)
	FlowDeleted = natsclient.NewSubject[FlowDeletedPayload](TopicFlowDeleted)

	// Execution lifecycle
	ExecStarted   = natsclient.NewSubject[ExecStartedPayload](TopicExecStarted)
	ExecPaused    = natsclient.NewSubject[ExecPausedPayload](TopicExecPaused)
	ExecResumed   = natsclient.NewSubject[ExecResumedPayload](TopicExecResumed)
	ExecAborted   = natsclient.NewSubject[ExecAbortedPayload](TopicExecAborted)
	ExecCompleted = natsclient.NewSubject[ExecCompletedPayload](TopicExecCompleted)
	ExecFailed    = natsclient.NewSubject[ExecFailedPayload](TopicExecFailed)

	// Step lifecycle
	StepDispatched = natsclient.NewSubject[StepDispatchedPayload](TopicStepDispatched)
	StepCompleted  = natsclient.NewSubject[StepCompletedPayload](TopicStepCompleted)
	StepFailed     = natsclient.NewSubject[StepFailedPayload](TopicStepFailed)
	StepReassigned = natsclient.NewSubject[StepReassignedPayload](TopicStepReassigned)

	// Validation pipeline
	ValidationExecuted = natsclient.NewSubject[ValidationExecutedPayload](TopicValidationExecuted)

	// Capability tokens
	TokenIssued  = natsclient.NewSubject[TokenIssuedPayload](TopicTokenIssued)
	TokenUsed    = natsclient.NewSubject[TokenUsedPayload](TopicTokenUsed)
	TokenRevoked = natsclient.NewSubject[TokenRevokedPayload](TopicTokenRevoked)
	EgressDenied = natsclient.NewSubject[EgressDeniedPayload](TopicEgressDenied)

	// Sandbox lifecycle
	SandboxCreated   = natsclient.NewSubject[SandboxCreatedPayload](TopicSandboxCreated)
	SandboxDestroyed = natsclient.NewSubject[SandboxDestroyedPayload](TopicSandboxDestroyed)
	SandboxViolation = natsclient.NewSubject[SandboxViolationPayload](TopicSandboxViolation)
	EscapeDetected   = natsclient.NewSubject[EscapeDetectedPayload](TopicEscapeDetected)

	// Adaptive control
	DegradationEscalated   = natsclient.NewSubject[DegradationChangedPayload](TopicDegradationUp)
	DegradationDeescalated = natsclient.NewSubject[DegradationChangedPayload](TopicDegradationDown)
	BurnRateCalculated     = natsclient.NewSubject[BurnRatePayload](TopicBurnRate)
	ScalingTriggered       = natsclient.NewSubject[ScalingTriggeredPayload](TopicScalingTriggered)
	OptimizerApplied       = natsclient.NewSubject[OptimizerAppliedPayload](TopicOptimizerApplied)
	SystemMetricsUpdated   = natsclient.NewSubject[SystemMetricsPayload](TopicMetricsUpdated)
	EmergencyResponse      = natsclient.NewSubject[EmergencyPayload](TopicEmergency)
)
