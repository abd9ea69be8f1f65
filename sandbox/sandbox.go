package sandbox

import (
	"sync"
	"time"
)

// State is the sandbox lifecycle position.
type State string

// Sandbox states.
const (
	StateCreated   State = "created"
	StateMonitored State = "monitored"
	StateDestroyed State = "destroyed"
)

// Severity grades a violation.
type Severity string

// Violation severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the supervisor's response to a violation.
type Action string

// Violation actions.
const (
	ActionLog        Action = "log"
	ActionBlock      Action = "block"
	ActionTerminate  Action = "terminate"
	ActionQuarantine Action = "quarantine"
)

// Violation types.
const (
	ViolationNetwork    = "network_access"
	ViolationFilesystem = "filesystem_access"
	ViolationSyscall    = "system_call"
	ViolationResource   = "resource_limit"
	ViolationProcess    = "process_creation"
	ViolationEscape     = "escape_attempt"
)

// Violation is one recorded policy breach.
type Violation struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Action      Action         `json:"action"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Metrics is a running tally of sandbox activity.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	NetworkOps   int64         `json:"network_ops"`
	FileOps      int64         `json:"file_ops"`
	Syscalls     int64         `json:"syscalls"`
	Processes    int64         `json:"processes"`
	BytesWritten int64         `json:"bytes_written"`
	Violations   int           `json:"violations"`
}

// Sandbox is one supervised execution environment.
type Sandbox struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Isolation   IsolationLevel `json:"isolation"`
	Policies    PolicySet      `json:"policies"`
	CreatedAt   time.Time      `json:"created_at"`

	mu           sync.Mutex
	state        State
	violations   []Violation
	networkOps   int64
	fileOps      int64
	syscalls     int64
	processes    int64
	bytesWritten int64
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) record(v Violation) {
	s.mu.Lock()
	s.violations = append(s.violations, v)
	s.mu.Unlock()
}

// reserveScratch accounts a pending write against the scratch total
// cap. The check and the increment share one critical section so
// concurrent writers cannot overshoot the cap.
func (s *Sandbox) reserveScratch(n, limit int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.bytesWritten+n > limit {
		return false
	}
	s.bytesWritten += n
	return true
}

// snapshotViolations copies the violation log.
func (s *Sandbox) snapshotViolations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Violation(nil), s.violations...)
}

func (s *Sandbox) metrics(now time.Time) Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		Uptime:       now.Sub(s.CreatedAt),
		NetworkOps:   s.networkOps,
		FileOps:      s.fileOps,
		Syscalls:     s.syscalls,
		Processes:    s.processes,
		BytesWritten: s.bytesWritten,
		Violations:   len(s.violations),
	}
}
