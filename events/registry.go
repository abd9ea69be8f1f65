package events

import (
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

func init() {
	registerEventPayloads()
	registerCommandPayloads()
}

// registerEventPayloads registers every qflow payload type so
// BaseMessage.UnmarshalJSON can deserialize events into typed structs
// on the consumer side.
func registerEventPayloads() {
	payloads := []struct {
		msgType message.Type
		desc    string
		factory func() any
	}{
		{FlowCreatedType, "Flow registered", func() any { return &FlowCreatedPayload{} }},
		{FlowUpdatedType, "Flow definition updated", func() any { return &FlowUpdatedPayload{} }},
		{FlowDeletedType, "Flow removed", func() any { return &FlowDeletedPayload{} }},
		{ExecStartedType, "Execution started", func() any { return &ExecStartedPayload{} }},
		{ExecPausedType, "Execution paused", func() any { return &ExecPausedPayload{} }},
		{ExecResumedType, "Execution resumed", func() any { return &ExecResumedPayload{} }},
		{ExecAbortedType, "Execution aborted", func() any { return &ExecAbortedPayload{} }},
		{ExecCompletedType, "Execution completed", func() any { return &ExecCompletedPayload{} }},
		{ExecFailedType, "Execution failed", func() any { return &ExecFailedPayload{} }},
		{StepDispatchedType, "Step dispatched to a node", func() any { return &StepDispatchedPayload{} }},
		{StepCompletedType, "Step completed", func() any { return &StepCompletedPayload{} }},
		{StepFailedType, "Step attempt failed", func() any { return &StepFailedPayload{} }},
		{StepReassignedType, "Step reassigned to another node", func() any { return &StepReassignedPayload{} }},
		{ValidationExecutedType, "Validation pipeline executed", func() any { return &ValidationExecutedPayload{} }},
		{TokenIssuedType, "Capability token issued", func() any { return &TokenIssuedPayload{} }},
		{TokenUsedType, "Capability token used", func() any { return &TokenUsedPayload{} }},
		{TokenRevokedType, "Capability token revoked", func() any { return &TokenRevokedPayload{} }},
		{EgressDeniedType, "Egress request denied", func() any { return &EgressDeniedPayload{} }},
		{SandboxCreatedType, "Sandbox created", func() any { return &SandboxCreatedPayload{} }},
		{SandboxDestroyedType, "Sandbox destroyed", func() any { return &SandboxDestroyedPayload{} }},
		{SandboxViolationType, "Sandbox policy violation", func() any { return &SandboxViolationPayload{} }},
		{EscapeDetectedType, "Sandbox escape attempt detected", func() any { return &EscapeDetectedPayload{} }},
		{DegradationType, "Degradation level changed", func() any { return &DegradationChangedPayload{} }},
		{BurnRateType, "Burn rate calculated", func() any { return &BurnRatePayload{} }},
		{ScalingTriggeredType, "Autoscaling trigger fired", func() any { return &ScalingTriggeredPayload{} }},
		{OptimizerAppliedType, "Optimizer rule applied", func() any { return &OptimizerAppliedPayload{} }},
		{SystemMetricsType, "System metrics snapshot", func() any { return &SystemMetricsPayload{} }},
		{EmergencyType, "Emergency response triggered", func() any { return &EmergencyPayload{} }},
	}

	for _, p := range payloads {
		if err := component.RegisterPayload(&component.PayloadRegistration{
			Domain:      p.msgType.Domain,
			Category:    p.msgType.Category,
			Version:     p.msgType.Version,
			Description: p.desc,
			Factory:     p.factory,
		}); err != nil {
			panic("failed to register qflow payload " + p.msgType.Category + ": " + err.Error())
		}
	}
}

// registerCommandPayloads registers the command payload types carried
// on the QFLOW_COMMANDS stream.
func registerCommandPayloads() {
	payloads := []struct {
		msgType message.Type
		desc    string
		factory func() any
	}{
		{CmdFlowSubmitType, "Register a flow document", func() any { return &FlowSubmitCommand{} }},
		{CmdFlowDeleteType, "Delete a flow document", func() any { return &FlowDeleteCommand{} }},
		{CmdExecStartType, "Start an execution", func() any { return &ExecStartCommand{} }},
		{CmdExecPauseType, "Pause an execution", func() any { return &ExecPauseCommand{} }},
		{CmdExecResumeType, "Resume an execution", func() any { return &ExecResumeCommand{} }},
		{CmdExecAbortType, "Abort an execution", func() any { return &ExecAbortCommand{} }},
	}

	for _, p := range payloads {
		if err := component.RegisterPayload(&component.PayloadRegistration{
			Domain:      p.msgType.Domain,
			Category:    p.msgType.Category,
			Version:     p.msgType.Version,
			Description: p.desc,
			Factory:     p.factory,
		}); err != nil {
			panic("failed to register qflow command " + p.msgType.Category + ": " + err.Error())
		}
	}
}
