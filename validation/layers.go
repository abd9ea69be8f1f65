package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/qflow/canonical"
)

// Default layer IDs.
const (
	LayerIntegrity  = "integrity"
	LayerPermission = "permission"
	LayerMetadata   = "metadata"
	LayerAnomaly    = "anomaly"
)

// Anomaly thresholds.
const (
	AnomalyWarnBytes = 256 << 10
	AnomalyFailBytes = 1 << 20
	MaxNestingDepth  = 32
)

// DefaultLayers returns the built-in pipeline: integrity and permission
// checks short-circuit, metadata indexing is advisory, and anomaly
// detection closes the run.
func DefaultLayers() []Layer {
	return []Layer{
		{
			ID:       LayerIntegrity,
			Name:     "Payload Integrity",
			Priority: 10,
			Required: true,
			Timeout:  5 * time.Second,
			Validate: validateIntegrity,
		},
		{
			ID:       LayerPermission,
			Name:     "Actor Permissions",
			Priority: 20,
			Required: true,
			Timeout:  5 * time.Second,
			Validate: validatePermission,
		},
		{
			ID:          LayerMetadata,
			Name:        "Metadata Indexing",
			Priority:    30,
			Required:    false,
			Timeout:     5 * time.Second,
			Independent: true,
			Validate:    validateMetadata,
		},
		{
			ID:       LayerAnomaly,
			Name:     "Anomaly Detection",
			Priority: 40,
			Required: true,
			Timeout:  10 * time.Second,
			Validate: validateAnomaly,
		},
	}
}

// RegisterDefaults installs the default layers on p.
func RegisterDefaults(p *Pipeline) error {
	for _, l := range DefaultLayers() {
		if err := p.RegisterLayer(l); err != nil {
			return err
		}
	}
	return nil
}

// validateIntegrity confirms the payload canonicalizes and, when the
// request carries a digest hint, that the content matches it.
func validateIntegrity(_ context.Context, req *Request) *LayerResult {
	if req.Data == nil {
		return Failed("request carries no data")
	}
	digest, err := canonical.Digest(req.Data)
	if err != nil {
		return Failed(fmt.Sprintf("data does not canonicalize: %v", err))
	}
	if req.DigestHint != "" && req.DigestHint != digest {
		res := Failed("content digest does not match the declared digest")
		res.Details = map[string]any{"expected": req.DigestHint, "actual": digest}
		return res
	}
	res := Passed("payload integrity verified")
	res.Details = map[string]any{"digest": digest}
	return res
}

// validatePermission checks the actor's permission set covers the
// request's required permissions.
func validatePermission(_ context.Context, req *Request) *LayerResult {
	if req.Actor == "" {
		return Failed("request has no actor")
	}
	if len(req.RequiredPermissions) == 0 {
		return Passed("no permissions required")
	}
	held := make(map[string]bool, len(req.ActorPermissions))
	for _, p := range req.ActorPermissions {
		held[p] = true
	}
	var missing []string
	for _, p := range req.RequiredPermissions {
		if !held[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		res := Failed(fmt.Sprintf("actor %q lacks %d required permission(s)", req.Actor, len(missing)))
		res.Details = map[string]any{"missing": missing}
		return res
	}
	return Passed("actor authorized")
}

// validateMetadata extracts indexable top-level fields. Advisory only.
func validateMetadata(_ context.Context, req *Request) *LayerResult {
	raw, err := json.Marshal(req.Data)
	if err != nil {
		return Warn("data is not indexable")
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return Passed("no indexable fields")
	}
	fields := make([]string, 0, len(asMap))
	for k := range asMap {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	res := Passed(fmt.Sprintf("indexed %d field(s)", len(fields)))
	res.Details = map[string]any{"indexed_fields": fields, "kind": req.Kind}
	return res
}

// validateAnomaly flags oversized or pathologically nested payloads.
func validateAnomaly(_ context.Context, req *Request) *LayerResult {
	body, err := canonical.Marshal(req.Data)
	if err != nil {
		return Failed(fmt.Sprintf("data does not canonicalize: %v", err))
	}
	if len(body) > AnomalyFailBytes {
		res := Failed(fmt.Sprintf("payload size %d exceeds limit %d", len(body), AnomalyFailBytes))
		res.Details = map[string]any{"size_bytes": len(body)}
		return res
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		if depth := nestingDepth(decoded, 0); depth > MaxNestingDepth {
			res := Failed(fmt.Sprintf("nesting depth %d exceeds limit %d", depth, MaxNestingDepth))
			res.Details = map[string]any{"depth": depth}
			return res
		}
	}

	if len(body) > AnomalyWarnBytes {
		res := Warn(fmt.Sprintf("payload size %d above advisory threshold %d", len(body), AnomalyWarnBytes))
		res.Details = map[string]any{"size_bytes": len(body)}
		return res
	}
	return Passed("no anomalies detected")
}

func nestingDepth(node any, depth int) int {
	if depth > MaxNestingDepth {
		return depth
	}
	deepest := depth
	switch tv := node.(type) {
	case map[string]any:
		for _, v := range tv {
			if d := nestingDepth(v, depth+1); d > deepest {
				deepest = d
			}
		}
	case []any:
		for _, v := range tv {
			if d := nestingDepth(v, depth+1); d > deepest {
				deepest = d
			}
		}
	}
	return deepest
}
