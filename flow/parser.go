package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/qflow/qerr"
)

// Format identifies a flow document encoding.
type Format string

// Supported document formats.
const (
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// flowDocument is the external document shape. Pointer fields
// distinguish absent from zero so normalization can fill defaults.
type flowDocument struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Version  string         `json:"version" yaml:"version"`
	Owner    string         `json:"owner" yaml:"owner"`
	Metadata *Metadata      `json:"metadata" yaml:"metadata"`
	Steps    []stepDocument `json:"steps" yaml:"steps"`
}

type stepDocument struct {
	ID                string           `json:"id" yaml:"id"`
	Type              string           `json:"type" yaml:"type"`
	Action            string           `json:"action" yaml:"action"`
	Params            map[string]any   `json:"params" yaml:"params"`
	Timeout           *Duration        `json:"timeout" yaml:"timeout"`
	Retry             *retryDocument   `json:"retry" yaml:"retry"`
	Resources         *ResourceLimits  `json:"resources" yaml:"resources"`
	OnSuccess         []string         `json:"on_success" yaml:"on_success"`
	OnFailure         []string         `json:"on_failure" yaml:"on_failure"`
	ExclusiveResource string           `json:"exclusive_resource" yaml:"exclusive_resource"`
	SharedState       []string         `json:"shared_state" yaml:"shared_state"`
}

type retryDocument struct {
	MaxAttempts   *int      `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase   *Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffJitter *float64  `json:"backoff_jitter" yaml:"backoff_jitter"`
}

// Parse decodes, normalizes, and validates a flow document. On success
// the returned flow has every default filled (step timeout 300s, retry
// policy 3 attempts with 1s exponential backoff and 20% jitter, empty
// params map). All structural errors are collected, not just the first.
func Parse(doc []byte, hint Format) (*Flow, []*qerr.Error) {
	format := hint
	if format == "" || format == FormatAuto {
		format = DetectFormat(doc)
	}

	var raw flowDocument
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(doc, &raw); err != nil {
			return nil, []*qerr.Error{qerr.Wrap(qerr.KindParse, "parse json flow document", err)}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(doc, &raw); err != nil {
			return nil, []*qerr.Error{qerr.Wrap(qerr.KindParse, "parse yaml flow document", err)}
		}
	default:
		return nil, []*qerr.Error{qerr.Newf(qerr.KindParse, "unsupported format hint %q", hint)}
	}

	f := normalize(&raw)
	if errs := ValidateStructure(f); len(errs) > 0 {
		return nil, errs
	}
	return f, nil
}

// DetectFormat guesses the encoding of doc. Documents whose first
// non-space byte is '{' are JSON; everything else parses as YAML.
func DetectFormat(doc []byte) Format {
	trimmed := bytes.TrimLeft(doc, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// normalize converts the external document into the internal model,
// filling defaults for absent fields.
func normalize(doc *flowDocument) *Flow {
	f := &Flow{
		ID:      doc.ID,
		Name:    doc.Name,
		Version: doc.Version,
		Owner:   doc.Owner,
	}
	if doc.Metadata != nil {
		f.Metadata = *doc.Metadata
	}
	if f.Version == "" {
		f.Version = "1"
	}
	if f.Metadata.Priority == "" {
		f.Metadata.Priority = PriorityMedium
	}

	f.Steps = make([]Step, 0, len(doc.Steps))
	for _, sd := range doc.Steps {
		step := Step{
			ID:                sd.ID,
			Type:              StepType(sd.Type),
			Action:            sd.Action,
			Params:            sd.Params,
			OnSuccess:         sd.OnSuccess,
			OnFailure:         sd.OnFailure,
			ExclusiveResource: sd.ExclusiveResource,
			SharedState:       sd.SharedState,
			Timeout:           DefaultStepTimeout,
			Retry: RetryPolicy{
				MaxAttempts:   DefaultRetryAttempts,
				BackoffBase:   DefaultBackoffBase,
				BackoffJitter: DefaultBackoffJitter,
			},
		}
		if step.Params == nil {
			step.Params = map[string]any{}
		}
		if sd.Timeout != nil {
			step.Timeout = time.Duration(*sd.Timeout)
		}
		if sd.Retry != nil {
			if sd.Retry.MaxAttempts != nil {
				step.Retry.MaxAttempts = *sd.Retry.MaxAttempts
			}
			if sd.Retry.BackoffBase != nil {
				step.Retry.BackoffBase = time.Duration(*sd.Retry.BackoffBase)
			}
			if sd.Retry.BackoffJitter != nil {
				step.Retry.BackoffJitter = *sd.Retry.BackoffJitter
			}
		}
		if sd.Resources != nil {
			step.Resources = *sd.Resources
		}
		f.Steps = append(f.Steps, step)
	}
	return f
}

// ValidateStructure checks a flow against the structural error taxonomy
// without normalizing it. It returns every error found.
func ValidateStructure(f *Flow) []*qerr.Error {
	var errs []*qerr.Error

	if f.ID == "" {
		errs = append(errs, qerr.New(qerr.KindRequiredField, "flow id is required"))
	}
	if f.Name == "" {
		errs = append(errs, qerr.New(qerr.KindRequiredField, "flow name is required"))
	}
	if len(f.Steps) == 0 {
		errs = append(errs, qerr.New(qerr.KindRequiredField, "flow must have at least one step"))
		return errs
	}

	seen := make(map[string]bool, len(f.Steps))
	for i := range f.Steps {
		s := &f.Steps[i]
		if s.ID == "" {
			errs = append(errs, qerr.Newf(qerr.KindRequiredField, "step %d: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, qerr.Newf(qerr.KindDuplicateStepIDs, "duplicate step id %q", s.ID))
		}
		seen[s.ID] = true

		if !ValidStepType(s.Type) {
			errs = append(errs, qerr.Newf(qerr.KindInvalidType, "step %q: unknown type %q", s.ID, s.Type))
		}
		if (s.Type == StepTask || s.Type == StepModuleCall) && s.Action == "" {
			errs = append(errs, qerr.Newf(qerr.KindRequiredField, "step %q: action is required for %s steps", s.ID, s.Type))
		}
	}

	// Reference checks need the ID set complete first.
	for i := range f.Steps {
		s := &f.Steps[i]
		for _, target := range s.OnSuccess {
			if !seen[target] {
				errs = append(errs, qerr.Newf(qerr.KindInvalidStepRef, "step %q: on_success target %q does not exist", s.ID, target))
			}
		}
		for _, target := range s.OnFailure {
			if !seen[target] {
				errs = append(errs, qerr.Newf(qerr.KindInvalidStepRef, "step %q: on_failure target %q does not exist", s.ID, target))
			}
		}
		for _, ref := range ExtractResultRefs(s.Params) {
			if !seen[ref] {
				errs = append(errs, qerr.Newf(qerr.KindInvalidStepRef, "step %q: param references unknown step %q", s.ID, ref))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	g := BuildGraph(f)
	if cycle := g.FindCycle(); cycle != nil {
		errs = append(errs, qerr.Newf(qerr.KindCircularDep, "cycle detected: %s", fmt.Sprint(cycle)))
	}
	if len(g.Entries()) == 0 {
		errs = append(errs, qerr.New(qerr.KindRequiredField, "flow has no entry step"))
	}
	return errs
}
