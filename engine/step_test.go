package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/qerr"
)

func TestBusinessRetryThenSuccess(t *testing.T) {
	eng, runner := testEngine(t, fastConfig())
	f := testFlow("flaky-flow",
		task("flaky", func(s *flow.Step) {
			s.Retry = flow.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond}
		}),
	)
	mustRegister(t, eng, f)
	runner.on("flaky", failTimes(2, errors.New("upstream 503"), "finally"))

	ex := runToEnd(t, eng, "flaky-flow", ExecutionContext{})
	if ex.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", ex.Status, ex.Error)
	}
	if n := runner.count("flaky"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestBusinessRetryExhaustion(t *testing.T) {
	eng, runner := testEngine(t, fastConfig())
	f := testFlow("doomed-flow",
		task("doomed", func(s *flow.Step) {
			s.Retry = flow.RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond}
		}),
	)
	mustRegister(t, eng, f)
	runner.on("doomed", failWith(errors.New("always rejected")))

	ex := runToEnd(t, eng, "doomed-flow", ExecutionContext{})
	if ex.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", ex.Status)
	}
	if n := runner.count("doomed"); n != 2 {
		t.Errorf("attempts = %d, want the budget of 2", n)
	}
	if !strings.Contains(ex.Error, "always rejected") {
		t.Errorf("error = %q, want the last failure message", ex.Error)
	}
}

func TestInfraRetriesSpareBusinessBudget(t *testing.T) {
	eng, runner := testEngine(t, fastConfig())
	f := testFlow("transient-flow",
		task("transient", func(s *flow.Step) {
			// A single business attempt: any consumed budget fails it.
			s.Retry = flow.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond}
		}),
	)
	mustRegister(t, eng, f)
	runner.on("transient", failTimes(2,
		qerr.New(qerr.KindResourceUnavailable, "node draining"), "recovered"))

	ex := runToEnd(t, eng, "transient-flow", ExecutionContext{})
	if ex.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed: transient faults must not consume the business budget (error: %s)",
			ex.Status, ex.Error)
	}
	if n := runner.count("transient"); n != 3 {
		t.Errorf("attempts = %d, want 3 (two infra retries then success)", n)
	}
}

func TestInfraBudgetExhaustion(t *testing.T) {
	eng, runner := testEngine(t, fastConfig())
	f := testFlow("partitioned-flow", task("unlucky"))
	mustRegister(t, eng, f)
	runner.on("unlucky", failWith(qerr.New(qerr.KindRateLimited, "throttled")))

	ex := runToEnd(t, eng, "partitioned-flow", ExecutionContext{})
	if ex.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", ex.Status)
	}
	// One initial attempt plus InfraRetryAttempts retries.
	if n := runner.count("unlucky"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestNodeUnreachableFailsOver(t *testing.T) {
	l := testLedger(t, "good", 7)
	dir := membership.NewStaticDirectory(
		membership.Node{ID: "good", Capabilities: []string{"*"}, Load: 0.5},
		membership.Node{ID: "bad", Capabilities: []string{"*"}, Load: 0.1},
	)
	eng, runner := testEngine(t, fastConfig(), func(d *Dependencies) {
		d.Ledger = l
		d.Directory = dir
	})
	mustRegister(t, eng, testFlow("failover", task("ping")))

	runner.on("ping", func(_ context.Context, req *StepRequest) (*StepResult, error) {
		if req.NodeID == "bad" {
			return nil, qerr.Newf(qerr.KindNodeUnreachable, "no route to %s", req.NodeID)
		}
		return &StepResult{Output: req.NodeID}, nil
	})

	ex := runToEnd(t, eng, "failover", ExecutionContext{})
	if ex.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", ex.Status, ex.Error)
	}
	// The least-loaded node fails first, then selection must exclude it.
	if n := runner.count("ping"); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
	if got := ex.NodeAssignments["ping"]; got != "good" {
		t.Errorf("final assignment = %s, want good", got)
	}

	records, err := l.Records(ex.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	reassigned := false
	for _, rec := range records {
		if rec.Kind == ledger.KindStepReassigned {
			reassigned = true
		}
	}
	if !reassigned {
		t.Error("failover left no reassignment record")
	}
}

func TestStepTimeoutConsumesBusinessBudget(t *testing.T) {
	eng, runner := testEngine(t, fastConfig())
	f := testFlow("slow-flow",
		task("glacial", func(s *flow.Step) {
			s.Timeout = 20 * time.Millisecond
			s.Retry = flow.RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond}
		}),
	)
	mustRegister(t, eng, f)
	runner.on("glacial", func(ctx context.Context, _ *StepRequest) (*StepResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ex := runToEnd(t, eng, "slow-flow", ExecutionContext{})
	if ex.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", ex.Status)
	}
	// Timeouts are business failures: two attempts, not the infra
	// budget's three.
	if n := runner.count("glacial"); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if !strings.Contains(ex.Error, "timed out") {
		t.Errorf("error = %q, want a timeout message", ex.Error)
	}
}

func TestStepPanicIsContained(t *testing.T) {
	eng, runner := testEngine(t, fastConfig())
	mustRegister(t, eng, testFlow("explosive", task("grenade")))
	runner.on("grenade", func(context.Context, *StepRequest) (*StepResult, error) {
		panic("pulled the pin")
	})

	ex := runToEnd(t, eng, "explosive", ExecutionContext{})
	if ex.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", ex.Status)
	}
	if !strings.Contains(ex.Error, "panicked") {
		t.Errorf("error = %q, want the translated panic", ex.Error)
	}
	if n := runner.count("grenade"); n != 1 {
		t.Errorf("panicking step retried %d times, want a single attempt", n)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond

	if d := backoffWithJitter(base, 1, 0); d != base {
		t.Errorf("attempt 1 without jitter = %s, want %s", d, base)
	}
	if d := backoffWithJitter(base, 3, 0); d != 400*time.Millisecond {
		t.Errorf("attempt 3 without jitter = %s, want 400ms", d)
	}

	for i := 0; i < 50; i++ {
		d := backoffWithJitter(base, 2, 0.2)
		if d < 180*time.Millisecond || d > 220*time.Millisecond {
			t.Fatalf("attempt 2 with 20%% jitter = %s, want within [180ms, 220ms]", d)
		}
	}
}
