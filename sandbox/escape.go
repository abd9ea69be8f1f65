package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/c360studio/qflow/events"
)

// Escape techniques recognized by AnalyzeActivity.
const (
	TechniquePrivilegeEscalation = "privilege_escalation"
	TechniqueSyscallInjection    = "syscall_injection"
	TechniqueBufferOverflow      = "buffer_overflow"
	TechniqueMemoryCorruption    = "memory_corruption"
)

// Activity is one observed guest action submitted for escape analysis.
// TargetAddr is zero unless the action writes memory; MemoryBase and
// MemorySize describe the guest's permitted linear memory region.
type Activity struct {
	Syscall    string `json:"syscall,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	TargetAddr uint64 `json:"target_addr,omitempty"`
	MemoryBase uint64 `json:"memory_base,omitempty"`
	MemorySize uint64 `json:"memory_size,omitempty"`
}

// EscapeReport is the outcome of analyzing one activity. Confirmed
// means the signature is unambiguous and the sandbox must die.
type EscapeReport struct {
	Detected  bool   `json:"detected"`
	Confirmed bool   `json:"confirmed"`
	Technique string `json:"technique,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

// privilegeSyscalls have no legitimate use inside a guest. Seeing one
// is a confirmed escalation attempt regardless of the syscall policy.
var privilegeSyscalls = map[string]bool{
	"setuid":    true,
	"setgid":    true,
	"seteuid":   true,
	"setegid":   true,
	"setresuid": true,
	"setresgid": true,
	"capset":    true,
	"ptrace":    true,
}

var (
	// x86-64 syscall and x86 int 0x80 instruction encodings.
	opcodeSyscall = []byte{0x0f, 0x05}
	opcodeInt80   = []byte{0xcd, 0x80}
)

// nopSledMin is the shortest run of 0x90 treated as sled staging.
const nopSledMin = 32

// repeatRunMin is the shortest run of any other repeated byte treated
// as overflow padding.
const repeatRunMin = 256

// AnalyzeActivity matches one activity against the known escape
// signatures. Confirmed classes are checked before suspected ones so a
// payload carrying both a sled and an injected syscall reports the
// injection.
func AnalyzeActivity(a Activity) EscapeReport {
	if privilegeSyscalls[a.Syscall] {
		return EscapeReport{
			Detected:  true,
			Confirmed: true,
			Technique: TechniquePrivilegeEscalation,
			Evidence:  fmt.Sprintf("privilege syscall %q invoked from guest", a.Syscall),
		}
	}

	if i := bytes.Index(a.Payload, opcodeSyscall); i >= 0 {
		return EscapeReport{
			Detected:  true,
			Confirmed: true,
			Technique: TechniqueSyscallInjection,
			Evidence:  fmt.Sprintf("x86-64 syscall opcode at payload offset %d", i),
		}
	}
	if i := bytes.Index(a.Payload, opcodeInt80); i >= 0 {
		return EscapeReport{
			Detected:  true,
			Confirmed: true,
			Technique: TechniqueSyscallInjection,
			Evidence:  fmt.Sprintf("int 0x80 opcode at payload offset %d", i),
		}
	}

	if a.TargetAddr != 0 && a.MemorySize > 0 {
		end := a.MemoryBase + a.MemorySize
		if a.TargetAddr < a.MemoryBase || a.TargetAddr >= end {
			return EscapeReport{
				Detected:  true,
				Confirmed: true,
				Technique: TechniqueMemoryCorruption,
				Evidence: fmt.Sprintf("write to 0x%x outside linear memory [0x%x, 0x%x)",
					a.TargetAddr, a.MemoryBase, end),
			}
		}
	}

	if b, run := longestRun(a.Payload); run > 0 {
		if b == 0x90 && run >= nopSledMin {
			return EscapeReport{
				Detected:  true,
				Technique: TechniqueBufferOverflow,
				Evidence:  fmt.Sprintf("%d-byte NOP sled in payload", run),
			}
		}
		if run >= repeatRunMin {
			return EscapeReport{
				Detected:  true,
				Technique: TechniqueBufferOverflow,
				Evidence:  fmt.Sprintf("%d-byte run of 0x%02x in payload", run, b),
			}
		}
	}

	return EscapeReport{}
}

// longestRun returns the byte with the longest consecutive run and the
// run length. Empty payloads return (0, 0).
func longestRun(p []byte) (byte, int) {
	var best byte
	bestRun := 0
	for i := 0; i < len(p); {
		j := i + 1
		for j < len(p) && p[j] == p[i] {
			j++
		}
		if j-i > bestRun {
			best, bestRun = p[i], j-i
		}
		i = j
	}
	return best, bestRun
}

// DetectEscapeAttempt analyzes one guest activity against the escape
// signatures. Detections are recorded as violations; a confirmed escape
// destroys the sandbox immediately.
func (sv *Supervisor) DetectEscapeAttempt(ctx context.Context, id string, activity Activity) (EscapeReport, error) {
	sb, err := sv.live(id)
	if err != nil {
		return EscapeReport{}, err
	}

	report := AnalyzeActivity(activity)
	if !report.Detected {
		return report, nil
	}

	sv.pub.Emit(ctx, events.TopicEscapeDetected, sb.ExecutionID, &events.EscapeDetectedPayload{
		SandboxID: sb.ID,
		Technique: report.Technique,
		Evidence:  report.Evidence,
	})

	severity, action := SeverityHigh, ActionBlock
	if report.Confirmed {
		severity, action = SeverityCritical, ActionTerminate
	}
	sv.violate(ctx, sb, Violation{
		Type:        ViolationEscape,
		Severity:    severity,
		Description: "escape attempt: " + report.Technique,
		Details: map[string]any{
			"technique": report.Technique,
			"evidence":  report.Evidence,
			"confirmed": report.Confirmed,
		},
		Action: action,
	})
	return report, nil
}
