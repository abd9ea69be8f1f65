package wasmhost

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/qflow/capability"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
)

func TestExecuteScalarReturn(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, return42Module)

	res, err := r.Execute(context.Background(), &ExecRequest{Module: m, Entry: "run"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ReturnValue != 42 {
		t.Fatalf("return = %d, want 42", res.ReturnValue)
	}
	if res.Output != nil {
		t.Fatalf("output = %v, want nil", res.Output)
	}
	if res.HostCalls != 0 {
		t.Fatalf("host calls = %d, want 0", res.HostCalls)
	}
}

func TestExecuteInputResultRoundTrip(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, echoModule)

	res, err := r.Execute(context.Background(), &ExecRequest{
		Module: m,
		Entry:  "echo",
		Input:  map[string]string{"msg": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, ok := res.Output.(map[string]any)
	if !ok || out["msg"] != "hi" {
		t.Fatalf("output = %#v, want the input echoed back", res.Output)
	}
	if want := uint64(len(`{"msg":"hi"}`)); res.ReturnValue != want {
		t.Fatalf("return = %d, want input length %d", res.ReturnValue, want)
	}
}

// A result larger than the output cap is refused by the host; the
// execution still finishes, just without an output payload.
func TestExecuteOutputCap(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, echoModule)

	res, err := r.Execute(context.Background(), &ExecRequest{
		Module: m,
		Entry:  "echo",
		Input:  map[string]string{"msg": "hi"},
		Limits: flow.ResourceLimits{MaxOutputBytes: 4},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != nil {
		t.Fatalf("output = %#v, want nil past the cap", res.Output)
	}
	if want := uint64(len(`{"msg":"hi"}`)); res.ReturnValue != want {
		t.Fatalf("return = %d, want %d", res.ReturnValue, want)
	}
}

const mailSendRequest = `{"module":"mail","function":"send","args":[]}`

func hostCallRuntime(t *testing.T) (*Runtime, *capability.Manager) {
	t.Helper()
	mgr := testManager(t)
	err := mgr.Shims().Register("mail", "send", "mail.send",
		func(ctx context.Context, args []any) (any, error) {
			return map[string]any{"queued": true}, nil
		})
	if err != nil {
		t.Fatalf("register shim: %v", err)
	}
	return NewRuntime(Config{}, mgr, quietLogger()), mgr
}

func TestExecuteHostCallThroughManager(t *testing.T) {
	ctx := context.Background()
	r, mgr := hostCallRuntime(t)
	m := mustLoad(t, r, hostCallModule(mailSendRequest))

	token, err := mgr.IssueToken(ctx, capability.TokenSpec{Capability: "mail.send", MaxUsage: 3})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	res, err := r.Execute(ctx, &ExecRequest{Module: m, Entry: "call", TokenID: token.ID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.HostCalls != 1 {
		t.Fatalf("host calls = %d, want 1", res.HostCalls)
	}
	if res.ReturnValue == 0 {
		t.Fatal("return = 0, want the response length")
	}

	snap, err := mgr.GetToken(token.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if snap.CurrentUsage != 1 {
		t.Fatalf("usage = %d, want 1", snap.CurrentUsage)
	}
	records := mgr.Egress(1)
	if len(records) != 1 || !records[0].Approved {
		t.Fatalf("egress = %+v, want one approved record", records)
	}
	if records[0].Module != "mail" || records[0].Function != "send" {
		t.Fatalf("egress target = %s.%s, want mail.send", records[0].Module, records[0].Function)
	}
}

// The in-band response carries the token's full remaining-use budget,
// so a guest can throttle before the manager starts denying.
func TestExecuteHostCallResponseRemainingUses(t *testing.T) {
	ctx := context.Background()
	r, mgr := hostCallRuntime(t)
	m := mustLoad(t, r, hostCallEchoModule(mailSendRequest))

	token, err := mgr.IssueToken(ctx, capability.TokenSpec{Capability: "mail.send", MaxUsage: 3})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	res, err := r.Execute(ctx, &ExecRequest{Module: m, Entry: "call", TokenID: token.ID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	resp, ok := res.Output.(map[string]any)
	if !ok {
		t.Fatalf("output = %#v, want the decoded response", res.Output)
	}
	if resp["allowed"] != true {
		t.Fatalf("allowed = %v, want true", resp["allowed"])
	}
	if got, want := resp["remaining_uses"], float64(2); got != want {
		t.Fatalf("remaining_uses = %v, want %v", got, want)
	}
}

// A token that does not grant the requested capability denies the call
// in-band: the guest gets a response, the execution does not fail.
func TestExecuteHostCallDenied(t *testing.T) {
	ctx := context.Background()
	r, mgr := hostCallRuntime(t)
	m := mustLoad(t, r, hostCallModule(mailSendRequest))

	token, err := mgr.IssueToken(ctx, capability.TokenSpec{Capability: "sms.send", MaxUsage: 3})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	res, err := r.Execute(ctx, &ExecRequest{Module: m, Entry: "call", TokenID: token.ID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.HostCalls != 1 {
		t.Fatalf("host calls = %d, want 1", res.HostCalls)
	}
	records := mgr.Egress(1)
	if len(records) != 1 || records[0].Approved {
		t.Fatalf("egress = %+v, want one denied record", records)
	}

	snap, err := mgr.GetToken(token.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if snap.CurrentUsage != 0 {
		t.Fatalf("usage = %d, want 0 after denial", snap.CurrentUsage)
	}
}

func TestExecuteAbort(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, abortModule)

	_, err := r.Execute(context.Background(), &ExecRequest{Module: m, Entry: "run"})
	if !qerr.IsKind(err, qerr.KindFatal) {
		t.Fatalf("got %v, want FATAL", err)
	}
	if !strings.Contains(err.Error(), "module aborted: boom") {
		t.Fatalf("err = %v, want the abort message", err)
	}
}

func TestExecuteCPUBudget(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, chattyLoopModule)

	_, err := r.Execute(context.Background(), &ExecRequest{
		Module: m,
		Entry:  "run",
		Limits: flow.ResourceLimits{MaxCPUMs: 25},
	})
	if !qerr.IsKind(err, qerr.KindResourceLimit) {
		t.Fatalf("got %v, want RESOURCE_LIMIT", err)
	}
	if !strings.Contains(err.Error(), "cpu budget") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteCancellation(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, chattyLoopModule)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Execute(ctx, &ExecRequest{Module: m, Entry: "run"})
	if !qerr.IsKind(err, qerr.KindResourceLimit) {
		t.Fatalf("got %v, want RESOURCE_LIMIT", err)
	}
	if !strings.Contains(err.Error(), "module cancelled") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteMemoryCap(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, memHogModule)

	_, err := r.Execute(context.Background(), &ExecRequest{
		Module: m,
		Entry:  "run",
		Limits: flow.ResourceLimits{MaxMemoryMB: 1},
	})
	if !qerr.IsKind(err, qerr.KindResourceLimit) {
		t.Fatalf("got %v, want RESOURCE_LIMIT", err)
	}
	if !strings.Contains(err.Error(), "memory pages") {
		t.Fatalf("err = %v", err)
	}

	res, err := r.Execute(context.Background(), &ExecRequest{
		Module: m,
		Entry:  "run",
		Limits: flow.ResourceLimits{MaxMemoryMB: 4},
	})
	if err != nil {
		t.Fatalf("Execute under the cap: %v", err)
	}
	if res.ReturnValue != 7 {
		t.Fatalf("return = %d, want 7", res.ReturnValue)
	}
}

func TestExecuteTrap(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, trapModule)

	_, err := r.Execute(context.Background(), &ExecRequest{Module: m, Entry: "run"})
	if !qerr.IsKind(err, qerr.KindSandboxViolation) {
		t.Fatalf("got %v, want SANDBOX_VIOLATION", err)
	}
	if !strings.Contains(err.Error(), "module trapped") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteUnknownEntry(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, return42Module)

	_, err := r.Execute(context.Background(), &ExecRequest{Module: m, Entry: "missing"})
	if !qerr.IsKind(err, qerr.KindModuleNotFound) {
		t.Fatalf("got %v, want MODULE_NOT_FOUND", err)
	}
}

func TestExecuteNilRequest(t *testing.T) {
	r := testRuntime(t, Config{})
	if _, err := r.Execute(context.Background(), nil); !qerr.IsKind(err, qerr.KindRequiredField) {
		t.Fatalf("got %v, want REQUIRED_FIELD", err)
	}
}

// Each invocation gets its own bridge, so concurrent runs of one module
// never see each other's input or result.
func TestExecuteConcurrentInvocations(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, echoModule)

	const n = 8
	outputs := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Execute(context.Background(), &ExecRequest{
				Module: m,
				Entry:  "echo",
				Input:  map[string]int{"n": i},
			})
			errs[i] = err
			if err == nil {
				outputs[i] = res.Output
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("execution %d: %v", i, errs[i])
		}
		out, ok := outputs[i].(map[string]any)
		if !ok || out["n"] != float64(i) {
			t.Fatalf("execution %d output = %#v, want n=%d", i, outputs[i], i)
		}
	}
}
