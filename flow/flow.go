// Package flow defines the declarative flow model and its parser.
//
// A flow is a directed graph of steps. Documents arrive as JSON or YAML
// with auto-detection, are normalized with defaults, and are validated
// structurally (references, duplicate IDs, cycles) before the engine
// accepts them.
package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Normalization defaults.
const (
	DefaultStepTimeout   = 300 * time.Second
	DefaultRetryAttempts = 3
	DefaultBackoffBase   = time.Second
	DefaultBackoffJitter = 0.2
)

// StepType classifies a step.
type StepType string

// Recognized step types.
const (
	StepTask         StepType = "task"
	StepEventTrigger StepType = "event-trigger"
	StepCondition    StepType = "condition"
	StepParallel     StepType = "parallel"
	StepModuleCall   StepType = "module-call"
)

// ValidStepType reports whether t is a recognized step type.
func ValidStepType(t StepType) bool {
	switch t {
	case StepTask, StepEventTrigger, StepCondition, StepParallel, StepModuleCall:
		return true
	}
	return false
}

// Priority orders flows for scheduling and burn-rate shedding.
type Priority string

// Flow priorities, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the numeric rank of p; lower runs first. Unknown
// priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Flow is an immutable-after-commit directed graph of steps.
type Flow struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Version  string   `json:"version" yaml:"version"`
	Owner    string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Steps    []Step   `json:"steps" yaml:"steps"`
	Metadata Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Metadata carries flow-level classification and access hints.
type Metadata struct {
	Tags                []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category            string   `json:"category,omitempty" yaml:"category,omitempty"`
	Visibility          string   `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
	Priority            Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Step is one node of the flow graph.
type Step struct {
	ID      string         `json:"id" yaml:"id"`
	Type    StepType       `json:"type" yaml:"type"`
	Action  string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params  map[string]any `json:"params" yaml:"params"`
	Timeout time.Duration  `json:"timeout" yaml:"timeout"`
	Retry   RetryPolicy    `json:"retry" yaml:"retry"`

	Resources ResourceLimits `json:"resources,omitempty" yaml:"resources,omitempty"`

	OnSuccess []string `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure []string `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	// ExclusiveResource names a resource tag no two concurrent steps
	// may share. SharedState lists state keys the step touches.
	ExclusiveResource string   `json:"exclusive_resource,omitempty" yaml:"exclusive_resource,omitempty"`
	SharedState       []string `json:"shared_state,omitempty" yaml:"shared_state,omitempty"`
}

// RetryPolicy controls business-failure retries for one step.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase   time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffJitter float64       `json:"backoff_jitter" yaml:"backoff_jitter"`
}

// ResourceLimits bounds a step's sandbox.
type ResourceLimits struct {
	MaxMemoryMB    int64 `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUMs       int64 `json:"max_cpu_ms,omitempty" yaml:"max_cpu_ms,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

// Step lookup by ID. Returns nil when absent.
func (f *Flow) Step(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Registered flows are immutable; the engine
// hands callers clones so snapshots cannot mutate shared state.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Steps = make([]Step, len(f.Steps))
	for i, s := range f.Steps {
		cp.Steps[i] = s
		cp.Steps[i].Params = cloneMap(s.Params)
		cp.Steps[i].OnSuccess = append([]string(nil), s.OnSuccess...)
		cp.Steps[i].OnFailure = append([]string(nil), s.OnFailure...)
		cp.Steps[i].SharedState = append([]string(nil), s.SharedState...)
	}
	cp.Metadata.Tags = append([]string(nil), f.Metadata.Tags...)
	cp.Metadata.RequiredPermissions = append([]string(nil), f.Metadata.RequiredPermissions...)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(tv)
		case []any:
			cp := make([]any, len(tv))
			for i, e := range tv {
				if em, ok := e.(map[string]any); ok {
					cp[i] = cloneMap(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Duration accepts either a duration string ("30s") or an integer
// millisecond count in flow documents.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asMillis int64
	if err := json.Unmarshal(data, &asMillis); err != nil {
		return fmt.Errorf("duration must be a string or millisecond count: %s", data)
	}
	*d = Duration(time.Duration(asMillis) * time.Millisecond)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Integers are tried first
// because the YAML decoder happily renders an int scalar as a string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asMillis int64
	if err := value.Decode(&asMillis); err == nil {
		*d = Duration(time.Duration(asMillis) * time.Millisecond)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("duration must be a string or millisecond count")
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
