// Package validation implements the layered validation pipeline and its
// signed result cache.
//
// Layers register with a priority and run strictly ascending; a failed
// required layer short-circuits the pipeline. Per-layer results are
// cached content-addressed by (layerID, policy version, canonical data)
// and signed, so a hit is trusted only after signature verification.
package validation

import (
	"context"
	"time"
)

// Status classifies a layer result and the overall report.
type Status string

// Result statuses, ordered by severity.
const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// Request is one validation job.
type Request struct {
	// RequestID correlates the report and emitted events.
	RequestID string `json:"request_id"`
	// Kind names what is being validated (flow, module, step-params).
	Kind string `json:"kind"`
	// Data is the subject; it must canonicalize (JSON-encodable).
	Data any `json:"data"`
	// PolicyVersion selects the active policy epoch for cache keys.
	PolicyVersion string `json:"policy_version"`

	// Actor and its permission set, checked by the permission layer
	// against RequiredPermissions.
	Actor               string   `json:"actor,omitempty"`
	ActorPermissions    []string `json:"actor_permissions,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`

	// DigestHint, when set, must match the canonical digest of Data.
	DigestHint string `json:"digest_hint,omitempty"`

	// Layers restricts execution to the named layer IDs. Unknown names
	// are skipped silently. Empty means all registered layers.
	Layers []string `json:"layers,omitempty"`
}

// LayerResult is the outcome of a single layer.
type LayerResult struct {
	LayerID  string         `json:"layer_id"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
	Cached   bool           `json:"cached"`
}

// Report is the aggregate outcome of a pipeline run.
type Report struct {
	RequestID      string        `json:"request_id"`
	OverallStatus  Status        `json:"overall_status"`
	LayerResults   []LayerResult `json:"layer_results"`
	TotalDuration  time.Duration `json:"total_duration"`
	CacheHits      int           `json:"cache_hits"`
	CacheMisses    int           `json:"cache_misses"`
	ShortCircuited bool          `json:"short_circuited"`
}

// ValidatorFunc runs one layer against a request. The pipeline owns
// LayerID, Duration, and Cached on the returned result; validators fill
// Status, Message, and Details. A nil result counts as failed.
type ValidatorFunc func(ctx context.Context, req *Request) *LayerResult

// Layer is a registered pipeline stage.
type Layer struct {
	ID       string
	Name     string
	Priority int
	Required bool
	Timeout  time.Duration
	// Independent layers adjacent in priority order may run
	// concurrently. Default is strictly sequential.
	Independent bool
	Validate    ValidatorFunc
}

// Passed builds a passing result.
func Passed(message string) *LayerResult {
	return &LayerResult{Status: StatusPassed, Message: message}
}

// Warn builds a warning result.
func Warn(message string) *LayerResult {
	return &LayerResult{Status: StatusWarning, Message: message}
}

// Failed builds a failing result.
func Failed(message string) *LayerResult {
	return &LayerResult{Status: StatusFailed, Message: message}
}
