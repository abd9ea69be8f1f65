package capability

import (
	"slices"

	"github.com/c360studio/qflow/qerr"
)

// DAOPolicy is the governing policy for one DAO subnet. When a policy
// exists for a token's subnet it intersects the requested constraints,
// winning on conflicts, and caps duration and usage.
type DAOPolicy struct {
	Subnet              string        `json:"subnet"`
	AllowedCapabilities []string      `json:"allowed_capabilities,omitempty"`
	MaxDurationMs       int64         `json:"max_duration_ms,omitempty"`
	MaxUsage            int64         `json:"max_usage,omitempty"`
	Constraints         Constraints   `json:"constraints,omitempty"`
	// MinScanScore raises the security-scan acceptance floor for
	// modules running under this subnet. It can only raise the
	// built-in default, never lower it.
	MinScanScore int `json:"min_scan_score,omitempty"`
}

// Apply rewrites spec under the policy. The policy wins every conflict.
func (p *DAOPolicy) Apply(spec *TokenSpec) error {
	if p == nil {
		return nil
	}
	if len(p.AllowedCapabilities) > 0 && !slices.Contains(p.AllowedCapabilities, spec.Capability) {
		return qerr.Newf(qerr.KindDAOPolicyDeny,
			"capability %q not permitted by policy for subnet %q", spec.Capability, p.Subnet)
	}

	if p.MaxDurationMs > 0 {
		maxDur := msToDuration(p.MaxDurationMs)
		if spec.Duration <= 0 || spec.Duration > maxDur {
			spec.Duration = maxDur
		}
	}
	if p.MaxUsage > 0 && (spec.MaxUsage <= 0 || spec.MaxUsage > p.MaxUsage) {
		spec.MaxUsage = p.MaxUsage
	}

	spec.Constraints = intersectConstraints(spec.Constraints, p.Constraints)
	return nil
}

// intersectConstraints merges requested constraints with policy
// constraints. For overlapping entries the policy's version applies;
// policy-only entries are added; allowed-host and allowed-port sets
// intersect; denied hosts union.
func intersectConstraints(requested, policy Constraints) Constraints {
	out := requested

	if len(policy.ArgumentBounds) > 0 {
		byPos := make(map[int]ArgumentBound, len(requested.ArgumentBounds))
		for _, b := range requested.ArgumentBounds {
			byPos[b.Position] = b
		}
		for _, b := range policy.ArgumentBounds {
			byPos[b.Position] = b
		}
		merged := make([]ArgumentBound, 0, len(byPos))
		for _, b := range byPos {
			merged = append(merged, b)
		}
		slices.SortFunc(merged, func(a, b ArgumentBound) int { return a.Position - b.Position })
		out.ArgumentBounds = merged
	}

	if len(policy.RateLimits) > 0 {
		byOp := make(map[string]RateLimit, len(requested.RateLimits))
		for _, r := range requested.RateLimits {
			byOp[r.Operation] = r
		}
		for _, r := range policy.RateLimits {
			byOp[r.Operation] = r
		}
		merged := make([]RateLimit, 0, len(byOp))
		for _, r := range byOp {
			merged = append(merged, r)
		}
		slices.SortFunc(merged, func(a, b RateLimit) int {
			if a.Operation < b.Operation {
				return -1
			}
			if a.Operation > b.Operation {
				return 1
			}
			return 0
		})
		out.RateLimits = merged
	}

	if policy.Resources != nil {
		if out.Resources == nil {
			res := *policy.Resources
			out.Resources = &res
		} else {
			res := *out.Resources
			res.MaxMemoryMB = minPositive(res.MaxMemoryMB, policy.Resources.MaxMemoryMB)
			res.MaxCPUMs = minPositive(res.MaxCPUMs, policy.Resources.MaxCPUMs)
			res.MaxOutputBytes = minPositive(res.MaxOutputBytes, policy.Resources.MaxOutputBytes)
			out.Resources = &res
		}
	}

	if policy.Network != nil {
		if out.Network == nil {
			net := *policy.Network
			out.Network = &net
		} else {
			net := NetworkRestrictions{
				AllowedHosts: intersectStrings(out.Network.AllowedHosts, policy.Network.AllowedHosts),
				AllowedPorts: intersectInts(out.Network.AllowedPorts, policy.Network.AllowedPorts),
				DeniedHosts:  unionStrings(out.Network.DeniedHosts, policy.Network.DeniedHosts),
			}
			out.Network = &net
		}
	}

	if len(policy.TimeWindows) > 0 {
		out.TimeWindows = policy.TimeWindows
	}
	return out
}

func minPositive(a, b int64) int64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func intersectStrings(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if inB[s] {
			out = append(out, s)
		}
	}
	return out
}

func intersectInts(a, b []int) []int {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	inB := make(map[int]bool, len(b))
	for _, n := range b {
		inB[n] = true
	}
	var out []int
	for _, n := range a {
		if inB[n] {
			out = append(out, n)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
