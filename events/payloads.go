package events

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
)

// Message types for BaseMessage envelopes. One per event topic.
var (
	FlowCreatedType        = message.Type{Domain: "qflow", Category: "flow-created", Version: "v1"}
	FlowUpdatedType        = message.Type{Domain: "qflow", Category: "flow-updated", Version: "v1"}
	FlowDeletedType        = message.Type{Domain: "qflow", Category: "flow-deleted", Version: "v1"}
	ExecStartedType        = message.Type{Domain: "qflow", Category: "exec-started", Version: "v1"}
	ExecPausedType         = message.Type{Domain: "qflow", Category: "exec-paused", Version: "v1"}
	ExecResumedType        = message.Type{Domain: "qflow", Category: "exec-resumed", Version: "v1"}
	ExecAbortedType        = message.Type{Domain: "qflow", Category: "exec-aborted", Version: "v1"}
	ExecCompletedType      = message.Type{Domain: "qflow", Category: "exec-completed", Version: "v1"}
	ExecFailedType         = message.Type{Domain: "qflow", Category: "exec-failed", Version: "v1"}
	StepDispatchedType     = message.Type{Domain: "qflow", Category: "step-dispatched", Version: "v1"}
	StepCompletedType      = message.Type{Domain: "qflow", Category: "step-completed", Version: "v1"}
	StepFailedType         = message.Type{Domain: "qflow", Category: "step-failed", Version: "v1"}
	StepReassignedType     = message.Type{Domain: "qflow", Category: "step-reassigned", Version: "v1"}
	ValidationExecutedType = message.Type{Domain: "qflow", Category: "validation-executed", Version: "v1"}
	TokenIssuedType        = message.Type{Domain: "qflow", Category: "token-issued", Version: "v1"}
	TokenUsedType          = message.Type{Domain: "qflow", Category: "token-used", Version: "v1"}
	TokenRevokedType       = message.Type{Domain: "qflow", Category: "token-revoked", Version: "v1"}
	EgressDeniedType       = message.Type{Domain: "qflow", Category: "egress-denied", Version: "v1"}
	SandboxCreatedType     = message.Type{Domain: "qflow", Category: "sandbox-created", Version: "v1"}
	SandboxDestroyedType   = message.Type{Domain: "qflow", Category: "sandbox-destroyed", Version: "v1"}
	SandboxViolationType   = message.Type{Domain: "qflow", Category: "sandbox-violation", Version: "v1"}
	EscapeDetectedType     = message.Type{Domain: "qflow", Category: "escape-detected", Version: "v1"}
	DegradationType        = message.Type{Domain: "qflow", Category: "degradation-changed", Version: "v1"}
	BurnRateType           = message.Type{Domain: "qflow", Category: "burn-rate", Version: "v1"}
	ScalingTriggeredType   = message.Type{Domain: "qflow", Category: "scaling-triggered", Version: "v1"}
	OptimizerAppliedType   = message.Type{Domain: "qflow", Category: "optimizer-applied", Version: "v1"}
	SystemMetricsType      = message.Type{Domain: "qflow", Category: "system-metrics", Version: "v1"}
	EmergencyType          = message.Type{Domain: "qflow", Category: "emergency", Version: "v1"}
)

// FlowCreatedPayload is published when a flow is registered.
type FlowCreatedPayload struct {
	FlowID    string `json:"flow_id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Owner     string `json:"owner,omitempty"`
	StepCount int    `json:"step_count"`
	RequestID string `json:"request_id,omitempty"`
}

// Schema implements message.Payload.
func (p *FlowCreatedPayload) Schema() message.Type { return FlowCreatedType }

// Validate implements message.Payload.
func (p *FlowCreatedPayload) Validate() error {
	if p.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *FlowCreatedPayload) MarshalJSON() ([]byte, error) {
	type Alias FlowCreatedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *FlowCreatedPayload) UnmarshalJSON(data []byte) error {
	type Alias FlowCreatedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// FlowUpdatedPayload is published when a flow definition changes.
type FlowUpdatedPayload struct {
	FlowID    string `json:"flow_id"`
	Version   string `json:"version"`
	RequestID string `json:"request_id,omitempty"`
}

// Schema implements message.Payload.
func (p *FlowUpdatedPayload) Schema() message.Type { return FlowUpdatedType }

// Validate implements message.Payload.
func (p *FlowUpdatedPayload) Validate() error {
	if p.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *FlowUpdatedPayload) MarshalJSON() ([]byte, error) {
	type Alias FlowUpdatedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *FlowUpdatedPayload) UnmarshalJSON(data []byte) error {
	type Alias FlowUpdatedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// FlowDeletedPayload is published when a flow is removed.
type FlowDeletedPayload struct {
	FlowID    string `json:"flow_id"`
	RequestID string `json:"request_id,omitempty"`
}

// Schema implements message.Payload.
func (p *FlowDeletedPayload) Schema() message.Type { return FlowDeletedType }

// Validate implements message.Payload.
func (p *FlowDeletedPayload) Validate() error {
	if p.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *FlowDeletedPayload) MarshalJSON() ([]byte, error) {
	type Alias FlowDeletedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *FlowDeletedPayload) UnmarshalJSON(data []byte) error {
	type Alias FlowDeletedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecStartedPayload is published when an execution enters running.
type ExecStartedPayload struct {
	ExecutionID string `json:"execution_id"`
	FlowID      string `json:"flow_id"`
	Principal   string `json:"principal,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Schema implements message.Payload.
func (p *ExecStartedPayload) Schema() message.Type { return ExecStartedType }

// Validate implements message.Payload.
func (p *ExecStartedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if p.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecStartedPayload) MarshalJSON() ([]byte, error) {
	type Alias ExecStartedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecStartedPayload) UnmarshalJSON(data []byte) error {
	type Alias ExecStartedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecPausedPayload is published on a running to paused transition.
type ExecPausedPayload struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// Schema implements message.Payload.
func (p *ExecPausedPayload) Schema() message.Type { return ExecPausedType }

// Validate implements message.Payload.
func (p *ExecPausedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecPausedPayload) MarshalJSON() ([]byte, error) {
	type Alias ExecPausedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecPausedPayload) UnmarshalJSON(data []byte) error {
	type Alias ExecPausedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecResumedPayload is published on a paused to running transition.
type ExecResumedPayload struct {
	ExecutionID string `json:"execution_id"`
}

// Schema implements message.Payload.
func (p *ExecResumedPayload) Schema() message.Type { return ExecResumedType }

// Validate implements message.Payload.
func (p *ExecResumedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecResumedPayload) MarshalJSON() ([]byte, error) {
	type Alias ExecResumedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecResumedPayload) UnmarshalJSON(data []byte) error {
	type Alias ExecResumedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecAbortedPayload is published when an execution is aborted.
type ExecAbortedPayload struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// Schema implements message.Payload.
func (p *ExecAbortedPayload) Schema() message.Type { return ExecAbortedType }

// Validate implements message.Payload.
func (p *ExecAbortedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecAbortedPayload) MarshalJSON() ([]byte, error) {
	type Alias ExecAbortedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecAbortedPayload) UnmarshalJSON(data []byte) error {
	type Alias ExecAbortedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecCompletedPayload is published when every step has finished.
type ExecCompletedPayload struct {
	ExecutionID    string   `json:"execution_id"`
	FlowID         string   `json:"flow_id"`
	CompletedSteps []string `json:"completed_steps"`
	DurationMs     int64    `json:"duration_ms"`
}

// Schema implements message.Payload.
func (p *ExecCompletedPayload) Schema() message.Type { return ExecCompletedType }

// Validate implements message.Payload.
func (p *ExecCompletedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecCompletedPayload) MarshalJSON() ([]byte, error) {
	type Alias ExecCompletedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecCompletedPayload) UnmarshalJSON(data []byte) error {
	type Alias ExecCompletedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecFailedPayload is published when an execution fails.
type ExecFailedPayload struct {
	ExecutionID string `json:"execution_id"`
	FlowID      string `json:"flow_id"`
	FailedStep  string `json:"failed_step,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Schema implements message.Payload.
func (p *ExecFailedPayload) Schema() message.Type { return ExecFailedType }

// Validate implements message.Payload.
func (p *ExecFailedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecFailedPayload) MarshalJSON() ([]byte, error) {
	type Alias ExecFailedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecFailedPayload) UnmarshalJSON(data []byte) error {
	type Alias ExecFailedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// StepDispatchedPayload is published when a step is handed to a node.
type StepDispatchedPayload struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	NodeID      string `json:"node_id"`
	Attempt     int    `json:"attempt"`
}

// Schema implements message.Payload.
func (p *StepDispatchedPayload) Schema() message.Type { return StepDispatchedType }

// Validate implements message.Payload.
func (p *StepDispatchedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if p.StepID == "" {
		return fmt.Errorf("step_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *StepDispatchedPayload) MarshalJSON() ([]byte, error) {
	type Alias StepDispatchedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *StepDispatchedPayload) UnmarshalJSON(data []byte) error {
	type Alias StepDispatchedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// StepCompletedPayload is published when a step finishes successfully.
type StepCompletedPayload struct {
	ExecutionID  string `json:"execution_id"`
	StepID       string `json:"step_id"`
	NodeID       string `json:"node_id,omitempty"`
	ResultDigest string `json:"result_digest,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// Schema implements message.Payload.
func (p *StepCompletedPayload) Schema() message.Type { return StepCompletedType }

// Validate implements message.Payload.
func (p *StepCompletedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if p.StepID == "" {
		return fmt.Errorf("step_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *StepCompletedPayload) MarshalJSON() ([]byte, error) {
	type Alias StepCompletedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *StepCompletedPayload) UnmarshalJSON(data []byte) error {
	type Alias StepCompletedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// StepFailedPayload is published when a step attempt fails.
// Infrastructure distinguishes node and sandbox faults from business
// failures; they retry on separate budgets.
type StepFailedPayload struct {
	ExecutionID    string `json:"execution_id"`
	StepID         string `json:"step_id"`
	NodeID         string `json:"node_id,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Message        string `json:"message,omitempty"`
	Attempt        int    `json:"attempt"`
	Infrastructure bool   `json:"infrastructure"`
}

// Schema implements message.Payload.
func (p *StepFailedPayload) Schema() message.Type { return StepFailedType }

// Validate implements message.Payload.
func (p *StepFailedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if p.StepID == "" {
		return fmt.Errorf("step_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *StepFailedPayload) MarshalJSON() ([]byte, error) {
	type Alias StepFailedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *StepFailedPayload) UnmarshalJSON(data []byte) error {
	type Alias StepFailedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// StepReassignedPayload is published when a step moves to another node,
// either on dispatch failure or after an orphan takeover.
type StepReassignedPayload struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	FromNode    string `json:"from_node"`
	ToNode      string `json:"to_node"`
	Reason      string `json:"reason,omitempty"`
}

// Schema implements message.Payload.
func (p *StepReassignedPayload) Schema() message.Type { return StepReassignedType }

// Validate implements message.Payload.
func (p *StepReassignedPayload) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if p.ToNode == "" {
		return fmt.Errorf("to_node is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *StepReassignedPayload) MarshalJSON() ([]byte, error) {
	type Alias StepReassignedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *StepReassignedPayload) UnmarshalJSON(data []byte) error {
	type Alias StepReassignedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ValidationExecutedPayload summarizes one pipeline run.
type ValidationExecutedPayload struct {
	RequestID      string `json:"request_id,omitempty"`
	OverallStatus  string `json:"overall_status"`
	LayerCount     int    `json:"layer_count"`
	CacheHits      int    `json:"cache_hits"`
	CacheMisses    int    `json:"cache_misses"`
	ShortCircuited bool   `json:"short_circuited"`
	DurationMs     int64  `json:"duration_ms"`
}

// Schema implements message.Payload.
func (p *ValidationExecutedPayload) Schema() message.Type { return ValidationExecutedType }

// Validate implements message.Payload.
func (p *ValidationExecutedPayload) Validate() error {
	if p.OverallStatus == "" {
		return fmt.Errorf("overall_status is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ValidationExecutedPayload) MarshalJSON() ([]byte, error) {
	type Alias ValidationExecutedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ValidationExecutedPayload) UnmarshalJSON(data []byte) error {
	type Alias ValidationExecutedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// TokenIssuedPayload is published when a capability token is issued.
type TokenIssuedPayload struct {
	TokenID     string `json:"token_id"`
	SandboxID   string `json:"sandbox_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Capability  string `json:"capability"`
	ExpiresAt   int64  `json:"expires_at_unix_ms"`
}

// Schema implements message.Payload.
func (p *TokenIssuedPayload) Schema() message.Type { return TokenIssuedType }

// Validate implements message.Payload.
func (p *TokenIssuedPayload) Validate() error {
	if p.TokenID == "" {
		return fmt.Errorf("token_id is required")
	}
	if p.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *TokenIssuedPayload) MarshalJSON() ([]byte, error) {
	type Alias TokenIssuedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TokenIssuedPayload) UnmarshalJSON(data []byte) error {
	type Alias TokenIssuedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// TokenUsedPayload records one host-shim call attempt.
type TokenUsedPayload struct {
	TokenID    string `json:"token_id"`
	Module     string `json:"module"`
	Function   string `json:"function"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	UsageCount int64  `json:"usage_count"`
}

// Schema implements message.Payload.
func (p *TokenUsedPayload) Schema() message.Type { return TokenUsedType }

// Validate implements message.Payload.
func (p *TokenUsedPayload) Validate() error {
	if p.TokenID == "" {
		return fmt.Errorf("token_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *TokenUsedPayload) MarshalJSON() ([]byte, error) {
	type Alias TokenUsedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TokenUsedPayload) UnmarshalJSON(data []byte) error {
	type Alias TokenUsedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// TokenRevokedPayload is published when a token is revoked.
type TokenRevokedPayload struct {
	TokenID string `json:"token_id"`
	Reason  string `json:"reason,omitempty"`
}

// Schema implements message.Payload.
func (p *TokenRevokedPayload) Schema() message.Type { return TokenRevokedType }

// Validate implements message.Payload.
func (p *TokenRevokedPayload) Validate() error {
	if p.TokenID == "" {
		return fmt.Errorf("token_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *TokenRevokedPayload) MarshalJSON() ([]byte, error) {
	type Alias TokenRevokedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TokenRevokedPayload) UnmarshalJSON(data []byte) error {
	type Alias TokenRevokedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// EgressDeniedPayload audits a denied host-shim call.
type EgressDeniedPayload struct {
	TokenID   string `json:"token_id,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Module    string `json:"module"`
	Function  string `json:"function"`
	Reason    string `json:"reason"`
}

// Schema implements message.Payload.
func (p *EgressDeniedPayload) Schema() message.Type { return EgressDeniedType }

// Validate implements message.Payload.
func (p *EgressDeniedPayload) Validate() error {
	if p.Module == "" {
		return fmt.Errorf("module is required")
	}
	if p.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *EgressDeniedPayload) MarshalJSON() ([]byte, error) {
	type Alias EgressDeniedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *EgressDeniedPayload) UnmarshalJSON(data []byte) error {
	type Alias EgressDeniedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// SandboxCreatedPayload is published when a sandbox is created.
type SandboxCreatedPayload struct {
	SandboxID      string `json:"sandbox_id"`
	ExecutionID    string `json:"execution_id,omitempty"`
	StepID         string `json:"step_id,omitempty"`
	IsolationLevel string `json:"isolation_level"`
}

// Schema implements message.Payload.
func (p *SandboxCreatedPayload) Schema() message.Type { return SandboxCreatedType }

// Validate implements message.Payload.
func (p *SandboxCreatedPayload) Validate() error {
	if p.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *SandboxCreatedPayload) MarshalJSON() ([]byte, error) {
	type Alias SandboxCreatedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *SandboxCreatedPayload) UnmarshalJSON(data []byte) error {
	type Alias SandboxCreatedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// SandboxDestroyedPayload is published when a sandbox is destroyed.
type SandboxDestroyedPayload struct {
	SandboxID      string `json:"sandbox_id"`
	Reason         string `json:"reason,omitempty"`
	ViolationCount int    `json:"violation_count"`
}

// Schema implements message.Payload.
func (p *SandboxDestroyedPayload) Schema() message.Type { return SandboxDestroyedType }

// Validate implements message.Payload.
func (p *SandboxDestroyedPayload) Validate() error {
	if p.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *SandboxDestroyedPayload) MarshalJSON() ([]byte, error) {
	type Alias SandboxDestroyedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *SandboxDestroyedPayload) UnmarshalJSON(data []byte) error {
	type Alias SandboxDestroyedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// SandboxViolationPayload is published for every recorded violation.
type SandboxViolationPayload struct {
	SandboxID   string `json:"sandbox_id"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	Action      string `json:"action"`
}

// Schema implements message.Payload.
func (p *SandboxViolationPayload) Schema() message.Type { return SandboxViolationType }

// Validate implements message.Payload.
func (p *SandboxViolationPayload) Validate() error {
	if p.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required")
	}
	if p.Type == "" {
		return fmt.Errorf("type is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *SandboxViolationPayload) MarshalJSON() ([]byte, error) {
	type Alias SandboxViolationPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *SandboxViolationPayload) UnmarshalJSON(data []byte) error {
	type Alias SandboxViolationPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// EscapeDetectedPayload is published on a confirmed escape attempt.
type EscapeDetectedPayload struct {
	SandboxID string `json:"sandbox_id"`
	Technique string `json:"technique"`
	Evidence  string `json:"evidence,omitempty"`
}

// Schema implements message.Payload.
func (p *EscapeDetectedPayload) Schema() message.Type { return EscapeDetectedType }

// Validate implements message.Payload.
func (p *EscapeDetectedPayload) Validate() error {
	if p.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required")
	}
	if p.Technique == "" {
		return fmt.Errorf("technique is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *EscapeDetectedPayload) MarshalJSON() ([]byte, error) {
	type Alias EscapeDetectedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *EscapeDetectedPayload) UnmarshalJSON(data []byte) error {
	type Alias EscapeDetectedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// DegradationChangedPayload is published on ladder transitions, for both
// the escalated and deescalated topics.
type DegradationChangedPayload struct {
	FromLevel int    `json:"from_level"`
	ToLevel   int    `json:"to_level"`
	Reason    string `json:"reason,omitempty"`
	Manual    bool   `json:"manual"`
}

// Schema implements message.Payload.
func (p *DegradationChangedPayload) Schema() message.Type { return DegradationType }

// Validate implements message.Payload.
func (p *DegradationChangedPayload) Validate() error {
	if p.FromLevel == p.ToLevel {
		return fmt.Errorf("from_level and to_level must differ")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *DegradationChangedPayload) MarshalJSON() ([]byte, error) {
	type Alias DegradationChangedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *DegradationChangedPayload) UnmarshalJSON(data []byte) error {
	type Alias DegradationChangedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// BurnRatePayload carries one burn-rate snapshot.
type BurnRatePayload struct {
	Overall     float64            `json:"overall"`
	Resources   map[string]float64 `json:"resources,omitempty"`
	Costs       map[string]float64 `json:"costs,omitempty"`
	Performance map[string]float64 `json:"performance,omitempty"`
	WindowMs    int64              `json:"window_ms,omitempty"`
}

// Schema implements message.Payload.
func (p *BurnRatePayload) Schema() message.Type { return BurnRateType }

// Validate implements message.Payload.
func (p *BurnRatePayload) Validate() error {
	if p.Overall < 0 || p.Overall > 1 {
		return fmt.Errorf("overall burn rate must be in [0,1], got %f", p.Overall)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *BurnRatePayload) MarshalJSON() ([]byte, error) {
	type Alias BurnRatePayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *BurnRatePayload) UnmarshalJSON(data []byte) error {
	type Alias BurnRatePayload
	return json.Unmarshal(data, (*Alias)(p))
}

// ScalingTriggeredPayload is published when an autoscaling trigger fires.
type ScalingTriggeredPayload struct {
	TriggerID   string  `json:"trigger_id"`
	Metric      string  `json:"metric"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Action      string  `json:"action"`
	TargetNodes int     `json:"target_nodes"`
}

// Schema implements message.Payload.
func (p *ScalingTriggeredPayload) Schema() message.Type { return ScalingTriggeredType }

// Validate implements message.Payload.
func (p *ScalingTriggeredPayload) Validate() error {
	if p.TriggerID == "" {
		return fmt.Errorf("trigger_id is required")
	}
	if p.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ScalingTriggeredPayload) MarshalJSON() ([]byte, error) {
	type Alias ScalingTriggeredPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ScalingTriggeredPayload) UnmarshalJSON(data []byte) error {
	type Alias ScalingTriggeredPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// OptimizerAppliedPayload is published when an optimizer rule acts.
type OptimizerAppliedPayload struct {
	RuleID string         `json:"rule_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Schema implements message.Payload.
func (p *OptimizerAppliedPayload) Schema() message.Type { return OptimizerAppliedType }

// Validate implements message.Payload.
func (p *OptimizerAppliedPayload) Validate() error {
	if p.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *OptimizerAppliedPayload) MarshalJSON() ([]byte, error) {
	type Alias OptimizerAppliedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *OptimizerAppliedPayload) UnmarshalJSON(data []byte) error {
	type Alias OptimizerAppliedPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// SystemMetricsPayload is the read-only snapshot the coordinator fans out.
type SystemMetricsPayload struct {
	NodeID       string  `json:"node_id,omitempty"`
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	Network      float64 `json:"network"`
	Storage      float64 `json:"storage"`
	ErrorRate    float64 `json:"error_rate"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	QueueDepth   int     `json:"queue_depth"`
	BurnRate     float64 `json:"burn_rate"`
}

// Schema implements message.Payload.
func (p *SystemMetricsPayload) Schema() message.Type { return SystemMetricsType }

// Validate implements message.Payload.
func (p *SystemMetricsPayload) Validate() error { return nil }

// MarshalJSON implements json.Marshaler.
func (p *SystemMetricsPayload) MarshalJSON() ([]byte, error) {
	type Alias SystemMetricsPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *SystemMetricsPayload) UnmarshalJSON(data []byte) error {
	type Alias SystemMetricsPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// EmergencyPayload is published when a critical threshold bypasses the
// normal cooldown path.
type EmergencyPayload struct {
	Reason    string  `json:"reason"`
	Metric    string  `json:"metric,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Schema implements message.Payload.
func (p *EmergencyPayload) Schema() message.Type { return EmergencyType }

// Validate implements message.Payload.
func (p *EmergencyPayload) Validate() error {
	if p.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *EmergencyPayload) MarshalJSON() ([]byte, error) {
	type Alias EmergencyPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *EmergencyPayload) UnmarshalJSON(data []byte) error {
	type Alias EmergencyPayload
	return json.Unmarshal(data, (*Alias)(p))
}
