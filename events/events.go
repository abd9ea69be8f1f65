// Package events defines the qflow event contract: stable topic names of
// the shape q.qflow.<domain>.<verb>.vN, versioned payload types, typed
// NATS subjects, and an in-process bus for library consumers.
//
// Wire messages are message.BaseMessage envelopes published to JetStream.
// Payload types are additively evolvable; breaking changes bump vN.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TopicPrefix is the root of every qflow topic.
const TopicPrefix = "q.qflow"

// Stream names.
const (
	// EventStream carries all q.qflow.> lifecycle events.
	EventStream = "QFLOW_EVENTS"
	// CommandStream carries flow/exec command messages consumed by the
	// flow-runner processor.
	CommandStream = "QFLOW_COMMANDS"
)

// Stream subject spaces, used when provisioning the two streams.
var (
	EventStreamSubjects   = []string{TopicPrefix + ".>"}
	CommandStreamSubjects = []string{CommandPrefix + ".>"}
)

// Topic builds a full topic name: q.qflow.<domain>.<verb>.<version>.
func Topic(domain, verb, version string) string {
	return fmt.Sprintf("%s.%s.%s.%s", TopicPrefix, domain, verb, version)
}

// Event topics. Verbs may be dotted (exec.step.completed).
var (
	TopicFlowCreated        = Topic("flow", "created", "v1")
	TopicFlowUpdated        = Topic("flow", "updated", "v1")
	TopicFlowDeleted        = Topic("flow", "deleted", "v1")
	TopicExecStarted        = Topic("exec", "started", "v1")
	TopicExecPaused         = Topic("exec", "paused", "v1")
	TopicExecResumed        = Topic("exec", "resumed", "v1")
	TopicExecAborted        = Topic("exec", "aborted", "v1")
	TopicExecCompleted      = Topic("exec", "completed", "v1")
	TopicExecFailed         = Topic("exec", "failed", "v1")
	TopicStepDispatched     = Topic("exec", "step.dispatched", "v1")
	TopicStepCompleted      = Topic("exec", "step.completed", "v1")
	TopicStepFailed         = Topic("exec", "step.failed", "v1")
	TopicStepReassigned     = Topic("exec", "step.reassigned", "v1")
	TopicValidationExecuted = Topic("validation", "pipeline.executed", "v1")
	TopicTokenIssued        = Topic("capability", "token.issued", "v1")
	TopicTokenUsed          = Topic("capability", "token.used", "v1")
	TopicTokenRevoked       = Topic("capability", "token.revoked", "v1")
	TopicEgressDenied       = Topic("capability", "egress.denied", "v1")
	TopicSandboxCreated     = Topic("sandbox", "created", "v1")
	TopicSandboxDestroyed   = Topic("sandbox", "destroyed", "v1")
	TopicSandboxViolation   = Topic("sandbox", "violation", "v1")
	TopicEscapeDetected     = Topic("sandbox", "escape.detected", "v1")
	TopicDegradationUp      = Topic("degradation", "escalated", "v1")
	TopicDegradationDown    = Topic("degradation", "deescalated", "v1")
	TopicBurnRate           = Topic("burn_rate", "calculated", "v1")
	TopicScalingTriggered   = Topic("scaling", "triggered", "v1")
	TopicOptimizerApplied   = Topic("optimizer", "applied", "v1")
	TopicMetricsUpdated     = Topic("system", "metrics_updated", "v1")
	TopicEmergency          = Topic("system", "emergency", "v1")
)

// Envelope is the in-process event shape. On the NATS wire the same
// fields travel inside message.BaseMessage.
type Envelope struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	Actor     string    `json:"actor,omitempty"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
}

// NewEnvelope stamps an envelope with a fresh event ID and timestamp.
func NewEnvelope(topic, source, actor string, data any) Envelope {
	return Envelope{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Version:   "v1",
		Source:    source,
		Actor:     actor,
		Topic:     topic,
		Data:      data,
	}
}
