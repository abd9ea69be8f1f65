package sandbox

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/qflow/qerr"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor(t.TempDir(), nil, nil)
}

func createStrict(t *testing.T, sv *Supervisor) *Sandbox {
	t.Helper()
	sb, err := sv.CreateSandbox(context.Background(), "exec-1", "step-1", IsolationStrict)
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	return sb
}

func TestCreateAndDestroySandbox(t *testing.T) {
	sv := newTestSupervisor(t)
	ctx := context.Background()

	sb := createStrict(t, sv)
	if sb.State() != StateCreated {
		t.Fatalf("state = %q, want %q", sb.State(), StateCreated)
	}
	if sb.Policies.Filesystem.ScratchDir == "" {
		t.Fatal("expected scratch dir to be assigned")
	}

	// The first access check starts monitoring.
	if _, err := sv.CheckSystemCall(ctx, sb.ID, "read"); err != nil {
		t.Fatalf("CheckSystemCall: %v", err)
	}
	if sb.State() != StateMonitored {
		t.Fatalf("state = %q, want %q after first check", sb.State(), StateMonitored)
	}

	if err := sv.DestroySandbox(ctx, sb.ID, "done"); err != nil {
		t.Fatalf("DestroySandbox: %v", err)
	}
	if sb.State() != StateDestroyed {
		t.Fatalf("state = %q, want %q", sb.State(), StateDestroyed)
	}

	err := sv.DestroySandbox(ctx, sb.ID, "again")
	if !qerr.IsKind(err, qerr.KindInvalidTransition) {
		t.Fatalf("second destroy: got %v, want INVALID_TRANSITION", err)
	}
}

func TestCreateSandboxUnknownIsolation(t *testing.T) {
	sv := newTestSupervisor(t)
	_, err := sv.CreateSandbox(context.Background(), "exec-1", "step-1", IsolationLevel("lenient"))
	if !qerr.IsKind(err, qerr.KindInvalidType) {
		t.Fatalf("got %v, want INVALID_TYPE", err)
	}
}

func TestSandboxNotFound(t *testing.T) {
	sv := newTestSupervisor(t)
	_, err := sv.Metrics("nope")
	if !qerr.IsKind(err, qerr.KindSandboxNotFound) {
		t.Fatalf("got %v, want SANDBOX_NOT_FOUND", err)
	}
}

func TestStrictNetworkDenied(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)
	ctx := context.Background()

	allowed, err := sv.CheckNetworkAccess(ctx, sb.ID, Outbound, "example.com", 443)
	if err != nil {
		t.Fatalf("CheckNetworkAccess: %v", err)
	}
	if allowed {
		t.Fatal("strict isolation allowed outbound access")
	}

	violations, err := sv.Violations(sb.ID)
	if err != nil {
		t.Fatalf("Violations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	v := violations[0]
	if v.Type != ViolationNetwork || v.Action != ActionBlock {
		t.Fatalf("violation = %+v", v)
	}
}

func TestPermissiveNetworkHostDenylist(t *testing.T) {
	sv := newTestSupervisor(t)
	ctx := context.Background()
	sb, err := sv.CreateSandbox(ctx, "exec-1", "step-1", IsolationPermissive)
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	sb.Policies.Network.DeniedHosts = []string{"*.internal"}
	sb.Policies.Network.AllowedPorts = []int{443}

	cases := []struct {
		host    string
		port    int
		allowed bool
	}{
		{"example.com", 443, true},
		{"db.internal", 443, false},
		{"example.com", 22, false},
	}
	for _, tc := range cases {
		got, err := sv.CheckNetworkAccess(ctx, sb.ID, Outbound, tc.host, tc.port)
		if err != nil {
			t.Fatalf("CheckNetworkAccess(%s:%d): %v", tc.host, tc.port, err)
		}
		if got != tc.allowed {
			t.Errorf("CheckNetworkAccess(%s:%d) = %v, want %v", tc.host, tc.port, got, tc.allowed)
		}
	}
}

func TestScratchDirCaps(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)
	ctx := context.Background()
	scratch := sb.Policies.Filesystem.ScratchDir

	allowed, err := sv.CheckFilesystemAccess(ctx, sb.ID, filepath.Join(scratch, "out.bin"), true, 1<<20)
	if err != nil {
		t.Fatalf("CheckFilesystemAccess: %v", err)
	}
	if !allowed {
		t.Fatal("scratch write within caps was denied")
	}

	// Single file above the per-file cap.
	allowed, err = sv.CheckFilesystemAccess(ctx, sb.ID, filepath.Join(scratch, "big.bin"), true, 8<<20)
	if err != nil {
		t.Fatalf("CheckFilesystemAccess: %v", err)
	}
	if allowed {
		t.Fatal("write above per-file cap was allowed")
	}

	// Pushing the running total over MaxTotalBytes.
	sb.Policies.Filesystem.MaxTotalBytes = 2 << 20
	allowed, err = sv.CheckFilesystemAccess(ctx, sb.ID, filepath.Join(scratch, "more.bin"), true, 2<<20)
	if err != nil {
		t.Fatalf("CheckFilesystemAccess: %v", err)
	}
	if allowed {
		t.Fatal("write above total cap was allowed")
	}

	// Reads from scratch stay free.
	allowed, err = sv.CheckFilesystemAccess(ctx, sb.ID, filepath.Join(scratch, "out.bin"), false, 0)
	if err != nil {
		t.Fatalf("CheckFilesystemAccess: %v", err)
	}
	if !allowed {
		t.Fatal("scratch read was denied")
	}

	// Anything outside scratch is denied under strict isolation.
	allowed, err = sv.CheckFilesystemAccess(ctx, sb.ID, "/etc/passwd", false, 0)
	if err != nil {
		t.Fatalf("CheckFilesystemAccess: %v", err)
	}
	if allowed {
		t.Fatal("read outside scratch was allowed under strict isolation")
	}
}

func TestSyscallAllowlist(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)
	ctx := context.Background()

	allowed, err := sv.CheckSystemCall(ctx, sb.ID, "read")
	if err != nil {
		t.Fatalf("CheckSystemCall: %v", err)
	}
	if !allowed {
		t.Fatal("read should be on the strict allowlist")
	}

	allowed, err = sv.CheckSystemCall(ctx, sb.ID, "socket")
	if err != nil {
		t.Fatalf("CheckSystemCall: %v", err)
	}
	if allowed {
		t.Fatal("socket should be off the strict allowlist")
	}

	allowed, err = sv.CheckSystemCall(ctx, sb.ID, "execve")
	if err != nil {
		t.Fatalf("CheckSystemCall: %v", err)
	}
	if allowed {
		t.Fatal("process creation should be denied under strict isolation")
	}

	violations, _ := sv.Violations(sb.ID)
	var kinds []string
	for _, v := range violations {
		kinds = append(kinds, v.Type)
	}
	if len(kinds) != 2 || kinds[0] != ViolationSyscall || kinds[1] != ViolationProcess {
		t.Fatalf("violation types = %v", kinds)
	}
}

func TestSandboxMetrics(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)
	ctx := context.Background()
	scratch := sb.Policies.Filesystem.ScratchDir

	sv.CheckNetworkAccess(ctx, sb.ID, Outbound, "example.com", 443)
	sv.CheckSystemCall(ctx, sb.ID, "read")
	sv.CheckFilesystemAccess(ctx, sb.ID, filepath.Join(scratch, "a"), true, 100)
	sv.CheckFilesystemAccess(ctx, sb.ID, filepath.Join(scratch, "b"), true, 200)

	m, err := sv.Metrics(sb.ID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.NetworkOps != 1 || m.Syscalls != 1 || m.FileOps != 2 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.BytesWritten != 300 {
		t.Fatalf("bytes written = %d, want 300", m.BytesWritten)
	}
	if m.Violations != 1 {
		t.Fatalf("violations = %d, want 1", m.Violations)
	}
}

func TestDetectEscapeConfirmedDestroys(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)
	ctx := context.Background()

	report, err := sv.DetectEscapeAttempt(ctx, sb.ID, Activity{Syscall: "ptrace"})
	if err != nil {
		t.Fatalf("DetectEscapeAttempt: %v", err)
	}
	if !report.Confirmed || report.Technique != TechniquePrivilegeEscalation {
		t.Fatalf("report = %+v", report)
	}
	if sb.State() != StateDestroyed {
		t.Fatalf("state = %q, want destroyed after confirmed escape", sb.State())
	}

	// Further checks against the destroyed sandbox must fail.
	_, err = sv.CheckSystemCall(ctx, sb.ID, "read")
	if !qerr.IsKind(err, qerr.KindInvalidTransition) {
		t.Fatalf("check on destroyed sandbox: got %v, want INVALID_TRANSITION", err)
	}

	// The violation log survives destruction.
	violations, err := sv.Violations(sb.ID)
	if err != nil {
		t.Fatalf("Violations: %v", err)
	}
	if len(violations) != 1 || violations[0].Type != ViolationEscape {
		t.Fatalf("violations = %+v", violations)
	}
	if violations[0].Severity != SeverityCritical {
		t.Fatalf("severity = %q, want critical", violations[0].Severity)
	}
}

func TestDetectEscapeSuspectedRecordsOnly(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)

	sled := bytes.Repeat([]byte{0x90}, 64)
	report, err := sv.DetectEscapeAttempt(context.Background(), sb.ID, Activity{Payload: sled})
	if err != nil {
		t.Fatalf("DetectEscapeAttempt: %v", err)
	}
	if !report.Detected || report.Confirmed {
		t.Fatalf("report = %+v, want detected but unconfirmed", report)
	}
	if report.Technique != TechniqueBufferOverflow {
		t.Fatalf("technique = %q", report.Technique)
	}
	if sb.State() != StateMonitored {
		t.Fatalf("state = %q, suspected escape must not destroy", sb.State())
	}
}

func TestAnalyzeActivitySignatures(t *testing.T) {
	cases := []struct {
		name      string
		activity  Activity
		detected  bool
		confirmed bool
		technique string
	}{
		{
			name:      "privilege syscall",
			activity:  Activity{Syscall: "setuid"},
			detected:  true,
			confirmed: true,
			technique: TechniquePrivilegeEscalation,
		},
		{
			name:      "syscall opcode in payload",
			activity:  Activity{Payload: []byte{0x48, 0x31, 0xff, 0x0f, 0x05}},
			detected:  true,
			confirmed: true,
			technique: TechniqueSyscallInjection,
		},
		{
			name:      "int 0x80 opcode in payload",
			activity:  Activity{Payload: []byte{0xb8, 0x01, 0x00, 0xcd, 0x80}},
			detected:  true,
			confirmed: true,
			technique: TechniqueSyscallInjection,
		},
		{
			name: "write outside linear memory",
			activity: Activity{
				TargetAddr: 0x500000,
				MemoryBase: 0x10000,
				MemorySize: 0x40000,
			},
			detected:  true,
			confirmed: true,
			technique: TechniqueMemoryCorruption,
		},
		{
			name: "write inside linear memory",
			activity: Activity{
				TargetAddr: 0x20000,
				MemoryBase: 0x10000,
				MemorySize: 0x40000,
			},
		},
		{
			name:      "nop sled",
			activity:  Activity{Payload: bytes.Repeat([]byte{0x90}, 32)},
			detected:  true,
			technique: TechniqueBufferOverflow,
		},
		{
			name:      "long repeated padding",
			activity:  Activity{Payload: bytes.Repeat([]byte{0x41}, 300)},
			detected:  true,
			technique: TechniqueBufferOverflow,
		},
		{
			name:     "short repeated run is fine",
			activity: Activity{Payload: bytes.Repeat([]byte{0x41}, 100)},
		},
		{
			name:     "ordinary syscall",
			activity: Activity{Syscall: "read"},
		},
		{
			name:     "empty activity",
			activity: Activity{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := AnalyzeActivity(tc.activity)
			if report.Detected != tc.detected {
				t.Fatalf("detected = %v, want %v (%+v)", report.Detected, tc.detected, report)
			}
			if report.Confirmed != tc.confirmed {
				t.Fatalf("confirmed = %v, want %v", report.Confirmed, tc.confirmed)
			}
			if report.Technique != tc.technique {
				t.Fatalf("technique = %q, want %q", report.Technique, tc.technique)
			}
			if tc.detected && report.Evidence == "" {
				t.Fatal("detection without evidence")
			}
		})
	}
}

func TestDefaultPolicySetLevels(t *testing.T) {
	strict := DefaultPolicySet(IsolationStrict)
	if strict.Network.AllowOutbound || strict.Network.AllowInbound {
		t.Fatal("strict must deny all network access")
	}
	if strict.Filesystem.ReadAllowed || strict.Filesystem.WriteAllowed {
		t.Fatal("strict must deny filesystem access outside scratch")
	}
	if strict.System.AllowProcessCreation {
		t.Fatal("strict must deny process creation")
	}

	moderate := DefaultPolicySet(IsolationModerate)
	if !moderate.Network.AllowOutbound || moderate.Network.AllowInbound {
		t.Fatal("moderate should allow outbound only")
	}
	if !moderate.System.syscallAllowed("socket") {
		t.Fatal("moderate should allow socket")
	}

	permissive := DefaultPolicySet(IsolationPermissive)
	if !permissive.System.AllowProcessCreation {
		t.Fatal("permissive should allow process creation")
	}
	if permissive.Filesystem.decide("/etc/passwd", false) != pathDenied {
		t.Fatal("permissive should still deny /etc")
	}
	if permissive.Filesystem.decide("/home/user/data.txt", false) != pathAllowed {
		t.Fatal("permissive should allow ordinary reads")
	}
}

func TestViolationDescriptionsName(t *testing.T) {
	sv := newTestSupervisor(t)
	sb := createStrict(t, sv)
	ctx := context.Background()

	sv.CheckNetworkAccess(ctx, sb.ID, Inbound, "example.com", 80)
	violations, _ := sv.Violations(sb.ID)
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if !strings.Contains(violations[0].Description, "inbound") {
		t.Fatalf("description = %q, want mention of direction", violations[0].Description)
	}
}
