package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

// Supervisor creates, monitors, and destroys sandboxes. All access
// checks funnel through it so every denial lands in the violation log
// and on the event stream.
type Supervisor struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	scratchBase string
	pub         *events.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewSupervisor builds a supervisor. scratchBase is the directory under
// which per-sandbox scratch space is assigned; pub may be nil.
func NewSupervisor(scratchBase string, pub *events.Publisher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if scratchBase == "" {
		scratchBase = "/tmp/qflow-scratch"
	}
	return &Supervisor{
		sandboxes:   make(map[string]*Sandbox),
		scratchBase: scratchBase,
		pub:         pub,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateSandbox provisions a sandbox with the default policy triple for
// the isolation level.
func (sv *Supervisor) CreateSandbox(ctx context.Context, executionID, stepID string, isolation IsolationLevel) (*Sandbox, error) {
	if !ValidIsolationLevel(isolation) {
		return nil, qerr.Newf(qerr.KindInvalidType, "unknown isolation level %q", isolation)
	}

	sb := &Sandbox{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Isolation:   isolation,
		Policies:    DefaultPolicySet(isolation),
		CreatedAt:   sv.now().UTC(),
		state:       StateCreated,
	}
	sb.Policies.Filesystem.ScratchDir = filepath.Join(sv.scratchBase, sb.ID)

	sv.mu.Lock()
	sv.sandboxes[sb.ID] = sb
	sv.mu.Unlock()

	sv.pub.Emit(ctx, events.TopicSandboxCreated, executionID, &events.SandboxCreatedPayload{
		SandboxID:      sb.ID,
		ExecutionID:    executionID,
		StepID:         stepID,
		IsolationLevel: string(isolation),
	})
	sv.logger.Info("sandbox created",
		"sandbox_id", sb.ID, "execution_id", executionID, "step_id", stepID, "isolation", isolation)
	return sb, nil
}

// DestroySandbox tears a sandbox down. Destroying twice is an error.
func (sv *Supervisor) DestroySandbox(ctx context.Context, id, reason string) error {
	sb, err := sv.get(id)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	if sb.state == StateDestroyed {
		sb.mu.Unlock()
		return qerr.Newf(qerr.KindInvalidTransition, "sandbox %q already destroyed", id)
	}
	sb.state = StateDestroyed
	violations := len(sb.violations)
	sb.mu.Unlock()

	sv.pub.Emit(ctx, events.TopicSandboxDestroyed, sb.ExecutionID, &events.SandboxDestroyedPayload{
		SandboxID:      id,
		Reason:         reason,
		ViolationCount: violations,
	})
	sv.logger.Info("sandbox destroyed", "sandbox_id", id, "reason", reason, "violations", violations)
	return nil
}

// Direction of a network access attempt.
type Direction string

// Network directions.
const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// CheckNetworkAccess decides one connection attempt. Denials are
// recorded and blocked.
func (sv *Supervisor) CheckNetworkAccess(ctx context.Context, id string, direction Direction, host string, port int) (bool, error) {
	sb, err := sv.live(id)
	if err != nil {
		return false, err
	}

	sb.mu.Lock()
	sb.networkOps++
	sb.mu.Unlock()

	policy := sb.Policies.Network
	deny := func(reason string) (bool, error) {
		sv.violate(ctx, sb, Violation{
			Type:        ViolationNetwork,
			Severity:    SeverityMedium,
			Description: reason,
			Details:     map[string]any{"host": host, "port": port, "direction": string(direction)},
			Action:      ActionBlock,
		})
		return false, nil
	}

	switch direction {
	case Outbound:
		if !policy.AllowOutbound {
			return deny("outbound network access denied by policy")
		}
	case Inbound:
		if !policy.AllowInbound {
			return deny("inbound network access denied by policy")
		}
	default:
		return false, qerr.Newf(qerr.KindInvalidType, "unknown direction %q", direction)
	}

	if !policy.hostAllowed(host) {
		return deny(fmt.Sprintf("host %q not permitted", host))
	}
	if !policy.portAllowed(port) {
		return deny(fmt.Sprintf("port %d not permitted", port))
	}
	return true, nil
}

// CheckFilesystemAccess decides one file access attempt. Write attempts
// carry the intended size so scratch caps can be enforced.
func (sv *Supervisor) CheckFilesystemAccess(ctx context.Context, id, path string, write bool, sizeBytes int64) (bool, error) {
	sb, err := sv.live(id)
	if err != nil {
		return false, err
	}

	sb.mu.Lock()
	sb.fileOps++
	sb.mu.Unlock()

	policy := sb.Policies.Filesystem
	deny := func(reason string, severity Severity) (bool, error) {
		sv.violate(ctx, sb, Violation{
			Type:        ViolationFilesystem,
			Severity:    severity,
			Description: reason,
			Details:     map[string]any{"path": path, "write": write, "size_bytes": sizeBytes},
			Action:      ActionBlock,
		})
		return false, nil
	}

	switch policy.decide(path, write) {
	case pathScratch:
		if !write {
			return true, nil
		}
		if policy.MaxFileBytes > 0 && sizeBytes > policy.MaxFileBytes {
			return deny(fmt.Sprintf("file size %d exceeds scratch cap %d", sizeBytes, policy.MaxFileBytes), SeverityHigh)
		}
		if !sb.reserveScratch(sizeBytes, policy.MaxTotalBytes) {
			return deny(fmt.Sprintf("write of %d bytes would exceed scratch total cap %d", sizeBytes, policy.MaxTotalBytes), SeverityHigh)
		}
		return true, nil
	case pathAllowed:
		return true, nil
	default:
		mode := "read"
		if write {
			mode = "write"
		}
		return deny(fmt.Sprintf("%s access to %q denied by policy", mode, path), SeverityMedium)
	}
}

// CheckSystemCall decides one syscall. Process-creating calls are
// gated separately from the allowlist.
func (sv *Supervisor) CheckSystemCall(ctx context.Context, id, name string) (bool, error) {
	sb, err := sv.live(id)
	if err != nil {
		return false, err
	}

	sb.mu.Lock()
	sb.syscalls++
	sb.mu.Unlock()

	policy := sb.Policies.System
	if isProcessCreation(name) {
		if !policy.AllowProcessCreation {
			sv.violate(ctx, sb, Violation{
				Type:        ViolationProcess,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("process creation via %q denied by policy", name),
				Details:     map[string]any{"syscall": name},
				Action:      ActionBlock,
			})
			return false, nil
		}
		sb.mu.Lock()
		sb.processes++
		sb.mu.Unlock()
		return true, nil
	}

	if !policy.syscallAllowed(name) {
		sv.violate(ctx, sb, Violation{
			Type:        ViolationSyscall,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("syscall %q outside allowlist", name),
			Details:     map[string]any{"syscall": name},
			Action:      ActionBlock,
		})
		return false, nil
	}
	return true, nil
}

// Violations returns the recorded violations for a sandbox, including a
// destroyed one.
func (sv *Supervisor) Violations(id string) ([]Violation, error) {
	sb, err := sv.get(id)
	if err != nil {
		return nil, err
	}
	return sb.snapshotViolations(), nil
}

// Metrics returns the activity tally for a sandbox.
func (sv *Supervisor) Metrics(id string) (Metrics, error) {
	sb, err := sv.get(id)
	if err != nil {
		return Metrics{}, err
	}
	return sb.metrics(sv.now()), nil
}

// violate records a violation, publishes it, and terminates the sandbox
// when it is critical.
func (sv *Supervisor) violate(ctx context.Context, sb *Sandbox, v Violation) {
	v.Timestamp = sv.now().UTC()
	sb.record(v)

	sv.pub.Emit(ctx, events.TopicSandboxViolation, sb.ExecutionID, &events.SandboxViolationPayload{
		SandboxID:   sb.ID,
		Type:        v.Type,
		Severity:    string(v.Severity),
		Description: v.Description,
		Action:      string(v.Action),
	})
	sv.logger.Warn("sandbox violation",
		"sandbox_id", sb.ID, "type", v.Type, "severity", v.Severity, "description", v.Description)

	if v.Severity == SeverityCritical || v.Action == ActionTerminate || v.Action == ActionQuarantine {
		if err := sv.DestroySandbox(ctx, sb.ID, "critical violation: "+v.Description); err != nil {
			sv.logger.Error("destroy after critical violation", "sandbox_id", sb.ID, "error", err)
		}
	}
}

func (sv *Supervisor) get(id string) (*Sandbox, error) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	sb, ok := sv.sandboxes[id]
	if !ok {
		return nil, qerr.Newf(qerr.KindSandboxNotFound, "sandbox %q not found", id)
	}
	return sb, nil
}

// live returns the sandbox unless it is destroyed. The first access
// check moves a freshly created sandbox into the monitored state.
func (sv *Supervisor) live(id string) (*Sandbox, error) {
	sb, err := sv.get(id)
	if err != nil {
		return nil, err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	switch sb.state {
	case StateDestroyed:
		return nil, qerr.Newf(qerr.KindInvalidTransition, "sandbox %q is destroyed", id)
	case StateCreated:
		sb.state = StateMonitored
	}
	return sb, nil
}

func isProcessCreation(syscall string) bool {
	switch syscall {
	case "fork", "vfork", "clone", "clone3", "execve", "execveat", "posix_spawn":
		return true
	}
	return false
}
