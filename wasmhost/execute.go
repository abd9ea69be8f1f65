package wasmhost

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/go-interpreter/wagon/exec"
	"github.com/go-interpreter/wagon/wasm"

	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
)

// Execution defaults applied when a step declares no resource limits.
const (
	DefaultMaxCPUMs       = 30_000
	DefaultMaxOutputBytes = 1 << 20

	// cancelGrace is how long a cancelled guest may keep running
	// before the runtime abandons it. The interpreter cannot be
	// preempted between host calls; abandonment is the hard bound.
	cancelGrace = 500 * time.Millisecond

	// maxHostIOBytes bounds any single host-call read or write.
	maxHostIOBytes = 8 << 20

	wasmPageBytes = 64 * 1024
)

// ExecRequest describes one module invocation. Entry names an exported
// function; Args are its raw scalar arguments. Input is exposed to the
// guest through qflow.input_read, and TokenID gates every
// qflow.host_call through the capability manager.
type ExecRequest struct {
	Module    *Module
	Entry     string
	Args      []uint64
	Input     any
	TokenID   string
	SandboxID string
	Limits    flow.ResourceLimits
}

// ExecResult is the outcome of one module invocation. Output is the
// JSON value the guest wrote through qflow.result_write; ReturnValue is
// the entry function's scalar return when its signature has one.
type ExecResult struct {
	Output      any
	ReturnValue uint64
	HostCalls   int
	Duration    time.Duration
}

// Execute instantiates a fresh VM for the module and runs the entry
// function. Host imports resolve to a per-execution bridge, so nothing
// leaks between invocations. Cancellation is cooperative: a cancelled
// guest is terminated at its next host call, and abandoned after a
// grace period if it never makes one.
func (r *Runtime) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if req == nil || req.Module == nil {
		return nil, qerr.New(qerr.KindRequiredField, "exec request module is required")
	}
	fnIndex, ok := req.Module.exports[req.Entry]
	if !ok {
		return nil, qerr.Newf(qerr.KindModuleNotFound,
			"module %s does not export %q", shortDigest(req.Module.Digest), req.Entry)
	}

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindInvalidType, "encode module input", err)
	}

	br := &bridge{
		rt:        r,
		ctx:       ctx,
		tokenID:   req.TokenID,
		sandboxID: req.SandboxID,
		input:     inputJSON,
		maxOutput: req.Limits.MaxOutputBytes,
	}
	if br.maxOutput <= 0 {
		br.maxOutput = DefaultMaxOutputBytes
	}

	decoded, err := wasm.ReadModule(bytes.NewReader(req.Module.raw), hostResolver(br))
	if err != nil {
		return nil, qerr.Wrap(qerr.KindParse, "instantiate wasm module", err)
	}
	if err := checkMemoryLimits(decoded, req.Limits.MaxMemoryMB); err != nil {
		return nil, err
	}

	vm, err := exec.NewVM(decoded)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindResourceUnavailable, "create wasm vm", err)
	}
	vm.RecoverPanic = true

	budget := time.Duration(req.Limits.MaxCPUMs) * time.Millisecond
	if budget <= 0 {
		budget = DefaultMaxCPUMs * time.Millisecond
	}

	start := time.Now()
	done := make(chan vmOutcome, 1)
	go func() {
		ret, execErr := vm.ExecCode(int64(fnIndex), req.Args...)
		done <- vmOutcome{ret: ret, err: execErr}
	}()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	var out vmOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		r.interrupt(done, br)
		return nil, qerr.Wrap(qerr.KindResourceLimit, "module cancelled", ctx.Err())
	case <-deadline.C:
		r.interrupt(done, br)
		return nil, qerr.Newf(qerr.KindResourceLimit,
			"module exceeded cpu budget %s", budget).
			WithDetail("entry", req.Entry).
			WithDetail("digest", req.Module.Digest)
	}
	elapsed := time.Since(start)

	if msg := br.abortMessage(); msg != "" {
		return nil, qerr.Newf(qerr.KindFatal, "module aborted: %s", msg)
	}
	if out.err != nil {
		return nil, qerr.Wrap(qerr.KindSandboxViolation, "module trapped", out.err)
	}

	res := &ExecResult{
		HostCalls: br.callCount(),
		Duration:  elapsed,
	}
	switch v := out.ret.(type) {
	case uint32:
		res.ReturnValue = uint64(v)
	case uint64:
		res.ReturnValue = v
	case int32:
		res.ReturnValue = uint64(v)
	case int64:
		res.ReturnValue = uint64(v)
	}
	if raw := br.resultBytes(); raw != nil {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			res.Output = decoded
		} else {
			res.Output = string(raw)
		}
	}
	return res, nil
}

type vmOutcome struct {
	ret any
	err error
}

// interrupt flags the bridge so the next host call terminates the
// guest, then waits out the grace period. A guest that never calls back
// is abandoned.
func (r *Runtime) interrupt(done chan vmOutcome, br *bridge) {
	br.cancel()
	grace := time.NewTimer(cancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		r.logger.Warn("wasm guest abandoned after cancellation",
			"sandbox_id", br.sandboxID, "host_calls", br.callCount())
	}
}

func checkMemoryLimits(m *wasm.Module, maxMemoryMB int64) error {
	if maxMemoryMB <= 0 || m.Memory == nil {
		return nil
	}
	capPages := maxMemoryMB << 20 / wasmPageBytes
	for _, entry := range m.Memory.Entries {
		declared := uint64(entry.Limits.Initial)
		if entry.Limits.Flags&1 != 0 && uint64(entry.Limits.Maximum) > declared {
			declared = uint64(entry.Limits.Maximum)
		}
		if declared > uint64(capPages) {
			return qerr.Newf(qerr.KindResourceLimit,
				"module declares %d memory pages, cap is %d", declared, capPages)
		}
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
