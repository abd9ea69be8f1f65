package events

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// CommandPrefix roots every command subject. Commands live outside
// TopicPrefix so the QFLOW_COMMANDS and QFLOW_EVENTS streams never
// claim overlapping subject space.
const CommandPrefix = "qflow.cmd"

// CommandTopic builds a command subject:
// qflow.cmd.<domain>.<verb>.<version>.
func CommandTopic(domain, verb, version string) string {
	return fmt.Sprintf("%s.%s.%s.%s", CommandPrefix, domain, verb, version)
}

// Command topics consumed by the flow-runner processor.
var (
	TopicCmdFlowSubmit = CommandTopic("flow", "submit", "v1")
	TopicCmdFlowDelete = CommandTopic("flow", "delete", "v1")
	TopicCmdExecStart  = CommandTopic("exec", "start", "v1")
	TopicCmdExecPause  = CommandTopic("exec", "pause", "v1")
	TopicCmdExecResume = CommandTopic("exec", "resume", "v1")
	TopicCmdExecAbort  = CommandTopic("exec", "abort", "v1")
)

// Message types for command payloads.
var (
	CmdFlowSubmitType = message.Type{Domain: "qflow", Category: "cmd-flow-submit", Version: "v1"}
	CmdFlowDeleteType = message.Type{Domain: "qflow", Category: "cmd-flow-delete", Version: "v1"}
	CmdExecStartType  = message.Type{Domain: "qflow", Category: "cmd-exec-start", Version: "v1"}
	CmdExecPauseType  = message.Type{Domain: "qflow", Category: "cmd-exec-pause", Version: "v1"}
	CmdExecResumeType = message.Type{Domain: "qflow", Category: "cmd-exec-resume", Version: "v1"}
	CmdExecAbortType  = message.Type{Domain: "qflow", Category: "cmd-exec-abort", Version: "v1"}
)

// FlowSubmitCommand asks the flow-runner to register a flow document.
// Definition carries the raw JSON or YAML text. Format may name the
// format explicitly; empty means detect from the text.
type FlowSubmitCommand struct {
	RequestID  string `json:"request_id,omitempty"`
	Definition string `json:"definition"`
	Format     string `json:"format,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// Schema implements message.Payload.
func (c *FlowSubmitCommand) Schema() message.Type { return CmdFlowSubmitType }

// Validate implements message.Payload.
func (c *FlowSubmitCommand) Validate() error {
	if c.Definition == "" {
		return fmt.Errorf("definition is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *FlowSubmitCommand) MarshalJSON() ([]byte, error) {
	type Alias FlowSubmitCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *FlowSubmitCommand) UnmarshalJSON(data []byte) error {
	type Alias FlowSubmitCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// FlowDeleteCommand removes a flow from the shared store and from
// every runner's local registry. It broadcasts: each runner drops its
// copy, and the one still holding the stored document deletes it.
type FlowDeleteCommand struct {
	RequestID string `json:"request_id,omitempty"`
	FlowID    string `json:"flow_id"`
	Actor     string `json:"actor,omitempty"`
}

// Schema implements message.Payload.
func (c *FlowDeleteCommand) Schema() message.Type { return CmdFlowDeleteType }

// Validate implements message.Payload.
func (c *FlowDeleteCommand) Validate() error {
	if c.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *FlowDeleteCommand) MarshalJSON() ([]byte, error) {
	type Alias FlowDeleteCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *FlowDeleteCommand) UnmarshalJSON(data []byte) error {
	type Alias FlowDeleteCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// ExecStartCommand asks the flow-runner to start an execution of a
// registered flow.
type ExecStartCommand struct {
	RequestID      string         `json:"request_id,omitempty"`
	FlowID         string         `json:"flow_id"`
	Principal      string         `json:"principal,omitempty"`
	TriggerType    string         `json:"trigger_type,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Permissions    []string       `json:"permissions,omitempty"`
	DAOSubnet      string         `json:"dao_subnet,omitempty"`
	IsolationLevel string         `json:"isolation_level,omitempty"`
}

// Schema implements message.Payload.
func (c *ExecStartCommand) Schema() message.Type { return CmdExecStartType }

// Validate implements message.Payload.
func (c *ExecStartCommand) Validate() error {
	if c.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *ExecStartCommand) MarshalJSON() ([]byte, error) {
	type Alias ExecStartCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ExecStartCommand) UnmarshalJSON(data []byte) error {
	type Alias ExecStartCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// ExecPauseCommand pauses a running execution.
type ExecPauseCommand struct {
	RequestID   string `json:"request_id,omitempty"`
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// Schema implements message.Payload.
func (c *ExecPauseCommand) Schema() message.Type { return CmdExecPauseType }

// Validate implements message.Payload.
func (c *ExecPauseCommand) Validate() error {
	if c.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *ExecPauseCommand) MarshalJSON() ([]byte, error) {
	type Alias ExecPauseCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ExecPauseCommand) UnmarshalJSON(data []byte) error {
	type Alias ExecPauseCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// ExecResumeCommand resumes a paused execution.
type ExecResumeCommand struct {
	RequestID   string `json:"request_id,omitempty"`
	ExecutionID string `json:"execution_id"`
	Actor       string `json:"actor,omitempty"`
}

// Schema implements message.Payload.
func (c *ExecResumeCommand) Schema() message.Type { return CmdExecResumeType }

// Validate implements message.Payload.
func (c *ExecResumeCommand) Validate() error {
	if c.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *ExecResumeCommand) MarshalJSON() ([]byte, error) {
	type Alias ExecResumeCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ExecResumeCommand) UnmarshalJSON(data []byte) error {
	type Alias ExecResumeCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// ExecAbortCommand aborts an execution.
type ExecAbortCommand struct {
	RequestID   string `json:"request_id,omitempty"`
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// Schema implements message.Payload.
func (c *ExecAbortCommand) Schema() message.Type { return CmdExecAbortType }

// Validate implements message.Payload.
func (c *ExecAbortCommand) Validate() error {
	if c.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *ExecAbortCommand) MarshalJSON() ([]byte, error) {
	type Alias ExecAbortCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ExecAbortCommand) UnmarshalJSON(data []byte) error {
	type Alias ExecAbortCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// Typed command subjects.
var (
	CmdFlowSubmit = natsclient.NewSubject[FlowSubmitCommand](TopicCmdFlowSubmit)
	CmdExecStart  = natsclient.NewSubject[ExecStartCommand](TopicCmdExecStart)
	CmdExecPause  = natsclient.NewSubject[ExecPauseCommand](TopicCmdExecPause)
	CmdExecResume = natsclient.NewSubject[ExecResumeCommand](TopicCmdExecResume)
	CmdExecAbort  = natsclient.NewSubject[ExecAbortCommand](TopicCmdExecAbort)
)
