package capability

import (
	"reflect"
	"testing"
)

func TestIntersectConstraintsPolicyWins(t *testing.T) {
	specMax := 10.0
	policyMax := 5.0
	requested := Constraints{
		ArgumentBounds: []ArgumentBound{
			{Position: 0, Type: "string"},
			{Position: 1, Type: "number", MaxValue: &specMax},
		},
		RateLimits: []RateLimit{
			{Operation: "storage.get", MaxRequests: 100, WindowMs: 1000},
		},
		Resources: &ResourceCaps{MaxMemoryMB: 512, MaxCPUMs: 0, MaxOutputBytes: 4096},
		Network: &NetworkRestrictions{
			AllowedHosts: []string{"a.internal", "b.internal"},
			AllowedPorts: []int{443, 8080},
			DeniedHosts:  []string{"evil.example"},
		},
	}
	policy := Constraints{
		ArgumentBounds: []ArgumentBound{
			{Position: 1, Type: "number", MaxValue: &policyMax},
		},
		RateLimits: []RateLimit{
			{Operation: "storage.get", MaxRequests: 10, WindowMs: 1000},
			{Operation: "*", MaxRequests: 50, WindowMs: 60000},
		},
		Resources: &ResourceCaps{MaxMemoryMB: 256, MaxCPUMs: 2000},
		Network: &NetworkRestrictions{
			AllowedHosts: []string{"b.internal", "c.internal"},
			DeniedHosts:  []string{"worse.example"},
		},
		TimeWindows: []TimeWindow{{}},
	}

	got := intersectConstraints(requested, policy)

	// Position 1 takes the policy bound; position 0 survives.
	if len(got.ArgumentBounds) != 2 {
		t.Fatalf("ArgumentBounds = %d, want 2", len(got.ArgumentBounds))
	}
	if *got.ArgumentBounds[1].MaxValue != policyMax {
		t.Errorf("position 1 MaxValue = %v, want policy %v", *got.ArgumentBounds[1].MaxValue, policyMax)
	}

	// Same operation takes the policy limit; policy-only limits appear.
	if len(got.RateLimits) != 2 {
		t.Fatalf("RateLimits = %+v, want 2 entries", got.RateLimits)
	}
	for _, rl := range got.RateLimits {
		if rl.Operation == "storage.get" && rl.MaxRequests != 10 {
			t.Errorf("storage.get MaxRequests = %d, want policy 10", rl.MaxRequests)
		}
	}

	// Element-wise minimum where both set; policy fills unset fields.
	if got.Resources.MaxMemoryMB != 256 || got.Resources.MaxCPUMs != 2000 || got.Resources.MaxOutputBytes != 4096 {
		t.Errorf("Resources = %+v, want min(512,256)/2000/4096", got.Resources)
	}

	// Hosts intersect, denials union, spec-only ports survive.
	if !reflect.DeepEqual(got.Network.AllowedHosts, []string{"b.internal"}) {
		t.Errorf("AllowedHosts = %v, want [b.internal]", got.Network.AllowedHosts)
	}
	if !reflect.DeepEqual(got.Network.AllowedPorts, []int{443, 8080}) {
		t.Errorf("AllowedPorts = %v, want [443 8080]", got.Network.AllowedPorts)
	}
	if !reflect.DeepEqual(got.Network.DeniedHosts, []string{"evil.example", "worse.example"}) {
		t.Errorf("DeniedHosts = %v, want union", got.Network.DeniedHosts)
	}

	if len(got.TimeWindows) != 1 {
		t.Errorf("TimeWindows = %d, want policy windows", len(got.TimeWindows))
	}
}

func TestIntersectConstraintsEmptyPolicy(t *testing.T) {
	requested := Constraints{
		RateLimits: []RateLimit{{Operation: "*", MaxRequests: 5, WindowMs: 1000}},
	}
	got := intersectConstraints(requested, Constraints{})
	if !reflect.DeepEqual(got, requested) {
		t.Errorf("empty policy changed constraints: %+v", got)
	}
}

func TestMinPositive(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{0, 5, 5},
		{5, 0, 5},
		{3, 5, 3},
		{5, 3, 3},
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := minPositive(tt.a, tt.b); got != tt.want {
			t.Errorf("minPositive(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
