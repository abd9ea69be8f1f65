// Package engine schedules and drives flow executions: priority
// queueing, ready-set computation, bounded parallel dispatch, node
// selection, retry budgets, and ledger-backed lifecycle records.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// ExecutionContext is the caller-supplied environment of one execution.
// RequestID, when set, is echoed on the started event so the submitter
// can correlate the execution ID it was assigned.
type ExecutionContext struct {
	RequestID      string                 `json:"request_id,omitempty"`
	Principal      string                 `json:"principal,omitempty"`
	TriggerType    string                 `json:"trigger_type,omitempty"`
	Input          map[string]any         `json:"input,omitempty"`
	Variables      map[string]any         `json:"variables,omitempty"`
	Permissions    []string               `json:"permissions,omitempty"`
	DAOSubnet      string                 `json:"dao_subnet,omitempty"`
	IsolationLevel sandbox.IsolationLevel `json:"isolation_level,omitempty"`
}

// Execution is a point-in-time snapshot of one flow execution.
type Execution struct {
	ID              string            `json:"id"`
	FlowID          string            `json:"flow_id"`
	FlowVersion     string            `json:"flow_version,omitempty"`
	Priority        flow.Priority     `json:"priority,omitempty"`
	Context         ExecutionContext  `json:"context"`
	Status          Status            `json:"status"`
	CompletedSteps  []string          `json:"completed_steps,omitempty"`
	FailedSteps     []string          `json:"failed_steps,omitempty"`
	CurrentStep     string            `json:"current_step,omitempty"`
	NodeAssignments map[string]string `json:"node_assignments,omitempty"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// execState is the engine-private live state behind an Execution
// snapshot. The driver goroutine owns progression; control operations
// only flip status and nudge.
type execState struct {
	id          string
	flowID      string
	flowVersion string
	priority    flow.Priority
	execCtx     ExecutionContext
	fl          *flow.Flow
	graph       *flow.Graph
	seq         uint64

	// stepCtx is cancelled on abort; step attempts derive from it.
	stepCtx  context.Context
	stepStop context.CancelFunc

	mu          sync.Mutex
	status      Status
	completed   []string
	failed      []string
	currentStep string
	assignments map[string]string
	results     map[string]any
	startTime   time.Time
	endTime     *time.Time
	lastErr     string

	// unhandled counts business failures with no failure route.
	unhandled int
	// failing is set under fail-fast once a failure is unhandled.
	failing bool

	// nudge wakes the driver on control transitions.
	nudge chan struct{}
	// done closes when the execution reaches a terminal status.
	done chan struct{}
}

func newExecState(id string, f *flow.Flow, g *flow.Graph, ec ExecutionContext, seq uint64, now time.Time) *execState {
	// A queued execution already points at the step it will run first;
	// currentStep empties only when a terminal status is stamped.
	var first string
	if entries := g.Entries(); len(entries) > 0 {
		first = entries[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &execState{
		id:          id,
		flowID:      f.ID,
		flowVersion: f.Version,
		priority:    f.Metadata.Priority,
		execCtx:     ec,
		fl:          f,
		graph:       g,
		seq:         seq,
		stepCtx:     ctx,
		stepStop:    cancel,
		status:      StatusPending,
		currentStep: first,
		assignments: make(map[string]string),
		results:     make(map[string]any),
		startTime:   now,
		nudge:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (st *execState) wake() {
	select {
	case st.nudge <- struct{}{}:
	default:
	}
}

// snapshotLocked copies the state into a public Execution. Callers hold
// st.mu.
func (st *execState) snapshotLocked() *Execution {
	ex := &Execution{
		ID:          st.id,
		FlowID:      st.flowID,
		FlowVersion: st.flowVersion,
		Priority:    st.priority,
		Context:     st.execCtx,
		Status:      st.status,
		CurrentStep: st.currentStep,
		StartTime:   st.startTime,
		Error:       st.lastErr,
	}
	ex.CompletedSteps = append([]string(nil), st.completed...)
	ex.FailedSteps = append([]string(nil), st.failed...)
	if len(st.assignments) > 0 {
		ex.NodeAssignments = make(map[string]string, len(st.assignments))
		for k, v := range st.assignments {
			ex.NodeAssignments[k] = v
		}
	}
	if st.endTime != nil {
		t := *st.endTime
		ex.EndTime = &t
	}
	return ex
}

func (st *execState) snapshot() *Execution {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

// transition validates and applies a control transition. It returns the
// snapshot after the change so callers can publish it.
func (st *execState) transition(from, to Status) (*Execution, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != from {
		return nil, qerr.Newf(qerr.KindInvalidTransition,
			"execution %s is %s, cannot move %s -> %s", st.id, st.status, from, to)
	}
	st.status = to
	return st.snapshotLocked(), nil
}
