package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/qerr"
)

// runStep executes one step to a final outcome, owning both retry
// budgets. Business failures consume the step's retry budget with
// exponential backoff; transient infrastructure faults retry on the
// engine's independent budget and never touch the business one. Exactly
// one outcome is sent.
func (e *Engine) runStep(st *execState, step *flow.Step, outcomes chan<- *stepOutcome) {
	out := &stepOutcome{stepID: step.ID, outcome: flow.OutcomeSuccess}
	defer func() {
		if r := recover(); r != nil {
			out.err = qerr.Newf(qerr.KindFatal, "step %s panicked: %v", step.ID, r)
			outcomes <- out
		}
	}()

	if err := e.sem.Acquire(st.stepCtx, 1); err != nil {
		out.err = qerr.Wrap(qerr.KindResourceUnavailable, "step cancelled before dispatch", err)
		outcomes <- out
		return
	}
	defer e.sem.Release(1)

	budget := step.Retry.MaxAttempts
	if budget <= 0 {
		budget = e.cfg.RetryAttempts
	}
	backoffBase := step.Retry.BackoffBase
	if backoffBase <= 0 {
		backoffBase = flow.DefaultBackoffBase
	}
	jitter := step.Retry.BackoffJitter
	if jitter <= 0 {
		jitter = flow.DefaultBackoffJitter
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}

	var businessAttempts, infraAttempts int
	exclude := make(map[string]bool)
	prevNode := ""
	for {
		attempt := businessAttempts + infraAttempts + 1
		err := e.attemptStep(st, step, attempt, timeout, exclude, &prevNode, out)
		if err == nil {
			outcomes <- out
			return
		}

		// Abort wins over every budget.
		if st.stepCtx.Err() != nil || errors.Is(err, context.Canceled) {
			out.err = qerr.Wrap(qerr.KindResourceUnavailable, "step cancelled", err)
			e.recordStepFailure(st, step, out.err, attempt, true)
			outcomes <- out
			return
		}

		infra := qerr.Transient(err)
		e.recordStepFailure(st, step, err, attempt, infra)

		var wait time.Duration
		if infra {
			infraAttempts++
			if infraAttempts > e.cfg.InfraRetryAttempts {
				out.err = err
				out.infra = true
				outcomes <- out
				return
			}
			if qerr.IsKind(err, qerr.KindNodeUnreachable) && prevNode != "" {
				exclude[prevNode] = true
			}
			wait = e.cfg.InfraRetryBackoff * time.Duration(infraAttempts)
		} else {
			businessAttempts++
			if businessAttempts >= budget {
				out.err = err
				outcomes <- out
				return
			}
			wait = backoffWithJitter(backoffBase, businessAttempts, jitter)
		}

		select {
		case <-st.stepCtx.Done():
			out.err = qerr.Wrap(qerr.KindResourceUnavailable, "step cancelled during backoff", st.stepCtx.Err())
			outcomes <- out
			return
		case <-time.After(wait):
		}
	}
}

// attemptStep performs a single dispatch: node selection, param
// resolution, the runner call, and the completion record on success.
func (e *Engine) attemptStep(st *execState, step *flow.Step, attempt int, timeout time.Duration, exclude map[string]bool, prevNode *string, out *stepOutcome) error {
	node, err := e.selectNode(st.stepCtx, st, step, exclude)
	if err != nil {
		return err
	}
	if *prevNode != "" && *prevNode != node.ID {
		e.recordReassignment(st, step, *prevNode, node.ID, "node unreachable")
	}
	*prevNode = node.ID

	st.mu.Lock()
	st.assignments[step.ID] = node.ID
	resolved, resolveErr := resolveParams(step.Params, st.results)
	st.mu.Unlock()
	if resolveErr != nil {
		return resolveErr
	}

	if _, lerr := e.ledger.Append(st.stepCtx, ledger.Entry{
		ExecID: st.id,
		StepID: step.ID,
		Kind:   ledger.KindStepDispatched,
		Actor:  st.execCtx.Principal,
		Payload: &events.StepDispatchedPayload{
			ExecutionID: st.id,
			StepID:      step.ID,
			NodeID:      node.ID,
			Attempt:     attempt,
		},
	}); lerr != nil {
		e.logger.Warn("dispatch record append failed",
			"execution_id", st.id, "step_id", step.ID, "error", lerr)
	}
	e.pub.Emit(st.stepCtx, events.TopicStepDispatched, st.execCtx.Principal,
		&events.StepDispatchedPayload{
			ExecutionID: st.id,
			StepID:      step.ID,
			NodeID:      node.ID,
			Attempt:     attempt,
		})

	attemptCtx, cancel := context.WithTimeout(st.stepCtx, timeout)
	started := time.Now()
	res, runErr := e.runner.RunStep(attemptCtx, &StepRequest{
		ExecutionID: st.id,
		FlowID:      st.flowID,
		Step:        step,
		Params:      resolved,
		Attempt:     attempt,
		NodeID:      node.ID,
		Context:     st.execCtx,
	})
	cancel()
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) && st.stepCtx.Err() == nil {
			// A timed-out action is a business failure, not an
			// infrastructure fault; it consumes the retry budget.
			return qerr.Newf(qerr.KindResourceLimit, "step %s timed out after %s", step.ID, timeout)
		}
		return runErr
	}

	duration := time.Since(started)
	if res == nil {
		res = &StepResult{}
	}
	out.result = res.Output
	if res.Outcome != "" {
		out.outcome = res.Outcome
	}

	digest := ""
	if res.Output != nil {
		if d, derr := canonical.Digest(res.Output); derr == nil {
			digest = d
		}
	}
	if _, lerr := e.ledger.Append(context.Background(), ledger.Entry{
		ExecID: st.id,
		StepID: step.ID,
		Kind:   ledger.KindStepCompleted,
		Actor:  st.execCtx.Principal,
		Payload: &events.StepCompletedPayload{
			ExecutionID:  st.id,
			StepID:       step.ID,
			NodeID:       node.ID,
			ResultDigest: digest,
			DurationMs:   duration.Milliseconds(),
		},
	}); lerr != nil {
		e.logger.Warn("completion record append failed",
			"execution_id", st.id, "step_id", step.ID, "error", lerr)
	}
	e.pub.Emit(context.Background(), events.TopicStepCompleted, st.execCtx.Principal,
		&events.StepCompletedPayload{
			ExecutionID:  st.id,
			StepID:       step.ID,
			NodeID:       node.ID,
			ResultDigest: digest,
			DurationMs:   duration.Milliseconds(),
		})
	return nil
}

func (e *Engine) recordStepFailure(st *execState, step *flow.Step, err error, attempt int, infra bool) {
	payload := &events.StepFailedPayload{
		ExecutionID:    st.id,
		StepID:         step.ID,
		NodeID:         st.assignedNode(step.ID),
		ErrorKind:      string(qerr.KindOf(err)),
		Message:        err.Error(),
		Attempt:        attempt,
		Infrastructure: infra,
	}
	if _, lerr := e.ledger.Append(context.Background(), ledger.Entry{
		ExecID:  st.id,
		StepID:  step.ID,
		Kind:    ledger.KindStepFailed,
		Actor:   st.execCtx.Principal,
		Payload: payload,
	}); lerr != nil {
		e.logger.Warn("failure record append failed",
			"execution_id", st.id, "step_id", step.ID, "error", lerr)
	}
	e.pub.Emit(context.Background(), events.TopicStepFailed, st.execCtx.Principal, payload)
}

func (e *Engine) recordReassignment(st *execState, step *flow.Step, from, to, reason string) {
	payload := &events.StepReassignedPayload{
		ExecutionID: st.id,
		StepID:      step.ID,
		FromNode:    from,
		ToNode:      to,
		Reason:      reason,
	}
	if _, lerr := e.ledger.Append(context.Background(), ledger.Entry{
		ExecID:  st.id,
		StepID:  step.ID,
		Kind:    ledger.KindStepReassigned,
		Actor:   st.execCtx.Principal,
		Payload: payload,
	}); lerr != nil {
		e.logger.Warn("reassignment record append failed",
			"execution_id", st.id, "step_id", step.ID, "error", lerr)
	}
	e.pub.Emit(context.Background(), events.TopicStepReassigned, st.execCtx.Principal, payload)
}

func (st *execState) assignedNode(stepID string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.assignments[stepID]
}

// backoffWithJitter doubles the base per consumed attempt and smears
// the result by the jitter fraction to avoid thundering retries.
func backoffWithJitter(base time.Duration, attempts int, jitter float64) time.Duration {
	d := base << (attempts - 1)
	if jitter > 0 {
		spread := float64(d) * jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	if d < 0 {
		d = base
	}
	return d
}
