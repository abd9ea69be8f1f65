package engine

import (
	"container/heap"
	"context"
	"time"

	"github.com/c360studio/semstreams/message"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/ledger"
)

// worker is one scheduler loop: it pulls the highest-priority admitted
// execution off the queue and drives it to a terminal status.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		st, ok := e.nextRunnable()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.kick:
			case <-time.After(e.cfg.AdmissionRetryDelay):
			}
			continue
		}
		e.drive(ctx, st)
	}
}

// nextRunnable pops the queue head if it is still pending and admitted.
// A denied head goes back on the queue; admission monotonicity means
// nothing below it would be admitted either.
func (e *Engine) nextRunnable() (*execState, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	for e.queue.Len() > 0 {
		item := heap.Pop(&e.queue).(execItem)
		e.mu.RLock()
		st, ok := e.execs[item.execID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		st.mu.Lock()
		pending := st.status == StatusPending
		st.mu.Unlock()
		if !pending {
			continue
		}
		if !e.admission.AdmitExecution(st.priority) {
			heap.Push(&e.queue, item)
			return nil, false
		}
		return st, true
	}
	return nil, false
}

// stepOutcome is one finished step attempt chain. err and outcome are
// independent: a false condition yields outcome failure with nil err.
type stepOutcome struct {
	stepID  string
	outcome flow.Outcome
	result  any
	err     error
	infra   bool
}

// drive runs one execution to a terminal status. It owns all ready-set
// and dispatch bookkeeping; control operations communicate through
// status flips and the nudge channel.
func (e *Engine) drive(ctx context.Context, st *execState) {
	if _, err := st.transition(StatusPending, StatusRunning); err != nil {
		// Aborted while queued; already finalized.
		return
	}
	e.writeManifest(ctx, st)
	e.logger.Info("execution running", "execution_id", st.id, "flow_id", st.flowID)

	// Every step goroutine sends exactly one outcome; the buffer lets
	// them finish even if the driver abandons the drain on abort.
	outcomes := make(chan *stepOutcome, len(st.fl.Steps))
	run := &driveState{
		dispatched: make(map[string]bool),
		inFlight:   make(map[string]*flow.Step),
		blocked:    make(map[string]bool),
		ready:      append([]string(nil), st.graph.Entries()...),
	}
	// Steps reached only through data edges have no control trigger;
	// they wait on their producers from the start.
	for _, id := range st.graph.StepIDs() {
		if len(st.graph.Predecessors(id)) == 0 && len(st.graph.DataDependencies(id)) > 0 {
			run.blocked[id] = true
		}
	}

	var graceC <-chan time.Time
	for {
		status := st.currentStatus()

		if status == StatusRunning {
			e.dispatchReady(st, run, outcomes)
		}
		if status == StatusAborted && graceC == nil {
			timer := time.NewTimer(e.cfg.AbortGrace)
			defer timer.Stop()
			graceC = timer.C
		}

		if len(run.inFlight) == 0 {
			switch status {
			case StatusAborted:
				e.finalize(st, StatusAborted, st.failureReason())
				return
			case StatusRunning:
				if len(run.ready) == 0 || st.isFailing() {
					e.finalizeRun(st)
					return
				}
			}
		}

		select {
		case out := <-outcomes:
			delete(run.inFlight, out.stepID)
			e.processOutcome(st, out, run)
		case <-st.nudge:
		case <-graceC:
			e.logger.Warn("abort grace expired with steps in flight",
				"execution_id", st.id, "in_flight", len(run.inFlight))
			e.finalize(st, StatusAborted, st.failureReason())
			return
		case <-time.After(e.cfg.AdmissionRetryDelay):
			// Re-test held steps against admission.
		}
	}
}

// driveState is the driver's private dispatch bookkeeping: steps ready
// to launch, steps holding for data dependencies, and steps in flight.
type driveState struct {
	dispatched map[string]bool
	inFlight   map[string]*flow.Step
	blocked    map[string]bool
	ready      []string
}

// dispatchReady launches every ready step that is admitted and free of
// resource conflicts with in-flight steps. Held steps stay ready.
func (e *Engine) dispatchReady(st *execState, run *driveState, outcomes chan<- *stepOutcome) {
	var held []string
	for _, id := range run.ready {
		step := st.fl.Step(id)
		if step == nil || run.dispatched[id] {
			continue
		}
		if !e.admission.AdmitStep(st.priority, step.Resources) {
			held = append(held, id)
			continue
		}
		if conflicts(step, run.inFlight) {
			held = append(held, id)
			continue
		}
		run.dispatched[id] = true
		run.inFlight[id] = step
		st.mu.Lock()
		st.currentStep = id
		st.mu.Unlock()
		go e.runStep(st, step, outcomes)
	}
	run.ready = held
}

// conflicts reports whether step may not run beside any in-flight step,
// either through a shared exclusive resource or overlapping state keys.
func conflicts(step *flow.Step, inFlight map[string]*flow.Step) bool {
	for _, other := range inFlight {
		if step.ExclusiveResource != "" && step.ExclusiveResource == other.ExclusiveResource {
			return true
		}
		for _, k := range step.SharedState {
			for _, ok := range other.SharedState {
				if k == ok {
					return true
				}
			}
		}
	}
	return false
}

// processOutcome folds one finished step into execution state and
// extends the ready set with newly unblocked successors.
func (e *Engine) processOutcome(st *execState, out *stepOutcome, run *driveState) {
	st.mu.Lock()
	var successors []string
	succeeded := out.err == nil && out.outcome != flow.OutcomeFailure
	switch {
	case succeeded:
		st.results[out.stepID] = out.result
		st.completed = append(st.completed, out.stepID)
		successors = st.graph.Successors(out.stepID, flow.OutcomeSuccess)
	case out.err == nil:
		// A condition evaluated false: route failure edges without
		// recording a step failure.
		st.results[out.stepID] = out.result
		st.completed = append(st.completed, out.stepID)
		successors = st.graph.Successors(out.stepID, flow.OutcomeFailure)
	default:
		st.failed = append(st.failed, out.stepID)
		successors = st.graph.Successors(out.stepID, flow.OutcomeFailure)
		if st.status == StatusAborted {
			// Draining a cancelled step; keep the abort reason.
			break
		}
		st.lastErr = out.err.Error()
		if len(successors) == 0 {
			st.unhandled++
			if e.cfg.FailureStrategy == FailFast {
				st.failing = true
			}
		}
	}

	if st.failing {
		// Fail-fast drops the remaining ready set; in-flight steps
		// still drain through the outcome channel.
		run.ready = nil
		st.mu.Unlock()
		return
	}

	for _, next := range successors {
		if run.dispatched[next] {
			continue
		}
		if dataDepsResolvedLocked(st, next) {
			delete(run.blocked, next)
			run.ready = append(run.ready, next)
		} else {
			run.blocked[next] = true
		}
	}

	// A recorded result can unblock steps whose control edge already
	// fired, and steps reachable only through data edges.
	if out.err == nil {
		for _, dep := range st.graph.DataDependents(out.stepID) {
			if run.blocked[dep] && !run.dispatched[dep] && dataDepsResolvedLocked(st, dep) {
				delete(run.blocked, dep)
				run.ready = append(run.ready, dep)
			}
		}
	}
	st.mu.Unlock()
}

// dataDepsResolvedLocked reports whether every ${step.result} reference
// of the candidate has a recorded result. Callers hold st.mu.
func dataDepsResolvedLocked(st *execState, id string) bool {
	for _, dep := range st.graph.DataDependencies(id) {
		if _, ok := st.results[dep]; !ok {
			return false
		}
	}
	return true
}

func (st *execState) currentStatus() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

func (st *execState) isFailing() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failing
}

func (st *execState) failureReason() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastErr
}

// finalizeRun closes out a drained running execution as completed or
// failed depending on unhandled failures.
func (e *Engine) finalizeRun(st *execState) {
	st.mu.Lock()
	failed := st.unhandled > 0
	reason := st.lastErr
	st.mu.Unlock()
	if failed {
		e.finalize(st, StatusFailed, reason)
		return
	}
	e.finalize(st, StatusCompleted, "")
}

// finalize stamps the terminal status, appends the closing ledger
// record, publishes the lifecycle event, and releases waiters.
func (e *Engine) finalize(st *execState, terminal Status, reason string) {
	ctx := context.Background()

	st.mu.Lock()
	st.status = terminal
	now := time.Now()
	st.endTime = &now
	st.currentStep = ""
	if reason != "" {
		st.lastErr = reason
	}
	completed := append([]string(nil), st.completed...)
	failedStep := ""
	if len(st.failed) > 0 {
		failedStep = st.failed[len(st.failed)-1]
	}
	duration := now.Sub(st.startTime)
	st.mu.Unlock()

	var kind, topic string
	var payload message.Payload
	switch terminal {
	case StatusCompleted:
		kind = ledger.KindExecCompleted
		topic = events.TopicExecCompleted
		payload = &events.ExecCompletedPayload{
			ExecutionID:    st.id,
			FlowID:         st.flowID,
			CompletedSteps: completed,
			DurationMs:     duration.Milliseconds(),
		}
	case StatusAborted:
		kind = ledger.KindExecAborted
		topic = events.TopicExecAborted
		payload = &events.ExecAbortedPayload{
			ExecutionID: st.id,
			Reason:      reason,
		}
	default:
		kind = ledger.KindExecFailed
		topic = events.TopicExecFailed
		payload = &events.ExecFailedPayload{
			ExecutionID: st.id,
			FlowID:      st.flowID,
			FailedStep:  failedStep,
			Message:     reason,
		}
	}

	if _, err := e.ledger.Append(ctx, ledger.Entry{
		ExecID:  st.id,
		Kind:    kind,
		Actor:   st.execCtx.Principal,
		Payload: payload,
	}); err != nil {
		e.logger.Warn("terminal record append failed",
			"execution_id", st.id, "kind", kind, "error", err)
	}
	e.pub.Emit(ctx, topic, st.execCtx.Principal, payload)
	e.writeManifest(ctx, st)

	st.stepStop()
	close(st.done)
	e.logger.Info("execution finished",
		"execution_id", st.id, "status", terminal, "duration_ms", duration.Milliseconds())
}
