// Package capability implements deny-by-default capability tokens for
// sandboxed host calls.
//
// Every call from a sandbox into a platform module presents a token.
// The manager enforces, in order: status, expiry, usage cap, capability
// match, argument bounds, and rate limits, then routes the call through
// the registered shim. Denied uses are recorded as egress requests and
// published as events.
package capability

import (
	"fmt"
	"regexp"
	"time"
)

// Issuance defaults.
const (
	DefaultTokenDuration = 5 * time.Minute
	DefaultMaxUsage      = 100
)

// Status is the lifecycle state of a token.
type Status string

// Token statuses.
const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusExhausted Status = "exhausted"
)

// ArgumentBound constrains one positional argument of a shim call.
type ArgumentBound struct {
	Position      int      `json:"position"`
	Type          string   `json:"type,omitempty"`
	Required      bool     `json:"required,omitempty"`
	MinLength     *int     `json:"min_length,omitempty"`
	MaxLength     *int     `json:"max_length,omitempty"`
	MinValue      *float64 `json:"min_value,omitempty"`
	MaxValue      *float64 `json:"max_value,omitempty"`
	AllowedValues []any    `json:"allowed_values,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
}

// RateLimit caps calls to one operation within a sliding window. An
// operation of "*" matches every call.
type RateLimit struct {
	Operation   string `json:"operation"`
	MaxRequests int    `json:"max_requests"`
	WindowMs    int64  `json:"window_ms"`
}

// Window returns the limit window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// ResourceCaps bounds what the token holder may consume.
type ResourceCaps struct {
	MaxMemoryMB    int64 `json:"max_memory_mb,omitempty"`
	MaxCPUMs       int64 `json:"max_cpu_ms,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// NetworkRestrictions limits where the token holder may connect.
type NetworkRestrictions struct {
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	AllowedPorts []int    `json:"allowed_ports,omitempty"`
	DeniedHosts  []string `json:"denied_hosts,omitempty"`
}

// TimeWindow is an absolute interval during which the token is usable.
type TimeWindow struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.StartsAt) && t.Before(w.EndsAt)
}

// Constraints is the full constraint set carried by a token.
type Constraints struct {
	ArgumentBounds []ArgumentBound      `json:"argument_bounds,omitempty"`
	RateLimits     []RateLimit          `json:"rate_limits,omitempty"`
	Resources      *ResourceCaps        `json:"resources,omitempty"`
	Network        *NetworkRestrictions `json:"network,omitempty"`
	TimeWindows    []TimeWindow         `json:"time_windows,omitempty"`
}

// TokenSpec is an issuance request.
type TokenSpec struct {
	SandboxID   string        `json:"sandbox_id,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	StepID      string        `json:"step_id,omitempty"`
	Capability  string        `json:"capability"`
	Permissions []string      `json:"permissions,omitempty"`
	Constraints Constraints   `json:"constraints,omitempty"`
	DAOSubnet   string        `json:"dao_subnet,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	MaxUsage    int64         `json:"max_usage,omitempty"`
}

// Token is an issued capability grant. Signature covers every field
// except Status and CurrentUsage, which mutate over the token's life.
type Token struct {
	ID           string      `json:"id"`
	SandboxID    string      `json:"sandbox_id,omitempty"`
	ExecutionID  string      `json:"execution_id,omitempty"`
	StepID       string      `json:"step_id,omitempty"`
	Capability   string      `json:"capability"`
	Permissions  []string    `json:"permissions,omitempty"`
	Constraints  Constraints `json:"constraints,omitempty"`
	DAOSubnet    string      `json:"dao_subnet,omitempty"`
	IssuedAt     time.Time   `json:"issued_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	MaxUsage     int64       `json:"max_usage"`
	CurrentUsage int64       `json:"current_usage"`
	Signature    []byte      `json:"signature,omitempty"`
	Status       Status      `json:"status"`
}

// signableToken is the stable byte layout the signature covers.
type signableToken struct {
	ID          string      `json:"id"`
	SandboxID   string      `json:"sandbox_id"`
	ExecutionID string      `json:"execution_id"`
	StepID      string      `json:"step_id"`
	Capability  string      `json:"capability"`
	Permissions []string    `json:"permissions"`
	Constraints Constraints `json:"constraints"`
	DAOSubnet   string      `json:"dao_subnet"`
	IssuedAt    int64       `json:"issued_at_unix_nano"`
	ExpiresAt   int64       `json:"expires_at_unix_nano"`
	MaxUsage    int64       `json:"max_usage"`
}

func (t *Token) signable() signableToken {
	return signableToken{
		ID:          t.ID,
		SandboxID:   t.SandboxID,
		ExecutionID: t.ExecutionID,
		StepID:      t.StepID,
		Capability:  t.Capability,
		Permissions: t.Permissions,
		Constraints: t.Constraints,
		DAOSubnet:   t.DAOSubnet,
		IssuedAt:    t.IssuedAt.UnixNano(),
		ExpiresAt:   t.ExpiresAt.UnixNano(),
		MaxUsage:    t.MaxUsage,
	}
}

// UseResult is the outcome of one UseToken call.
type UseResult struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	Result        any    `json:"result,omitempty"`
	Module        string `json:"module"`
	Function      string `json:"function"`
	RemainingUses int64  `json:"remaining_uses"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// EgressRecord audits one host-call attempt through the manager.
type EgressRecord struct {
	ID        string    `json:"id"`
	TokenID   string    `json:"token_id"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	Module    string    `json:"module"`
	Function  string    `json:"function"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// checkBound validates one argument against its bound.
func checkBound(b ArgumentBound, args []any) error {
	if b.Position >= len(args) || args[b.Position] == nil {
		if b.Required {
			return fmt.Errorf("argument %d is required", b.Position)
		}
		return nil
	}
	arg := args[b.Position]

	switch b.Type {
	case "", "any":
	case "string":
		if _, ok := arg.(string); !ok {
			return fmt.Errorf("argument %d must be a string", b.Position)
		}
	case "number", "int", "float":
		if _, ok := toFloat(arg); !ok {
			return fmt.Errorf("argument %d must be a number", b.Position)
		}
	case "bool":
		if _, ok := arg.(bool); !ok {
			return fmt.Errorf("argument %d must be a bool", b.Position)
		}
	default:
		return fmt.Errorf("argument %d has unknown bound type %q", b.Position, b.Type)
	}

	if s, ok := arg.(string); ok {
		if b.MinLength != nil && len(s) < *b.MinLength {
			return fmt.Errorf("argument %d shorter than %d", b.Position, *b.MinLength)
		}
		if b.MaxLength != nil && len(s) > *b.MaxLength {
			return fmt.Errorf("argument %d longer than %d", b.Position, *b.MaxLength)
		}
		if b.Pattern != "" {
			re, err := regexp.Compile(b.Pattern)
			if err != nil {
				return fmt.Errorf("argument %d has invalid pattern: %v", b.Position, err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("argument %d does not match pattern %q", b.Position, b.Pattern)
			}
		}
	}

	if n, ok := toFloat(arg); ok {
		if b.MinValue != nil && n < *b.MinValue {
			return fmt.Errorf("argument %d below minimum %v", b.Position, *b.MinValue)
		}
		if b.MaxValue != nil && n > *b.MaxValue {
			return fmt.Errorf("argument %d above maximum %v", b.Position, *b.MaxValue)
		}
	}

	if len(b.AllowedValues) > 0 {
		for _, allowed := range b.AllowedValues {
			if equalValue(arg, allowed) {
				return nil
			}
		}
		return fmt.Errorf("argument %d not in allowed set", b.Position)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// equalValue compares with numeric normalization so 3 and 3.0 match.
func equalValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}
