package wasmhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/go-interpreter/wagon/exec"
	"github.com/go-interpreter/wagon/wasm"

	"github.com/c360studio/qflow/qerr"
)

// Guest-visible log levels for qflow.log.
const (
	logDebug = 0
	logInfo  = 1
	logWarn  = 2
	logError = 3
)

// hostCallRequest is the JSON a guest places in linear memory before
// invoking qflow.host_call.
type hostCallRequest struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// hostCallResponse is written back to the guest. Denials surface here
// rather than trapping; the guest decides how to proceed.
type hostCallResponse struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	Result        any    `json:"result,omitempty"`
	RemainingUses int64  `json:"remaining_uses"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// bridge is the per-execution host side of the guest ABI. All state is
// scoped to a single Execute call, so concurrent executions of the same
// module never share anything.
type bridge struct {
	rt        *Runtime
	ctx       context.Context
	tokenID   string
	sandboxID string
	input     []byte
	maxOutput int64

	mu        sync.Mutex
	result    []byte
	abortMsg  string
	hostCalls int
	cancelled atomic.Bool
}

func (b *bridge) cancel() { b.cancelled.Store(true) }

func (b *bridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hostCalls
}

func (b *bridge) resultBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

func (b *bridge) abortMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortMsg
}

// checkCancelled terminates the guest when the execution has been
// cancelled. Host calls are the cooperative cancellation points.
func (b *bridge) checkCancelled(proc *exec.Process) bool {
	if b.cancelled.Load() {
		proc.Terminate()
		return true
	}
	return false
}

// hostCall routes a guest request through the capability manager. The
// return value is the response length, or the negated length the guest
// buffer would need.
func (b *bridge) hostCall(proc *exec.Process, reqPtr, reqLen, respPtr, respCap uint32) int64 {
	if b.checkCancelled(proc) {
		return 0
	}
	b.mu.Lock()
	b.hostCalls++
	b.mu.Unlock()

	resp := b.dispatch(proc, reqPtr, reqLen)
	payload, err := json.Marshal(resp)
	if err != nil {
		payload = []byte(`{"allowed":false,"reason":"response encoding failed"}`)
	}
	if int64(len(payload)) > int64(respCap) {
		return -int64(len(payload))
	}
	if !writeGuest(proc, respPtr, payload) {
		proc.Terminate()
		return 0
	}
	return int64(len(payload))
}

func (b *bridge) dispatch(proc *exec.Process, reqPtr, reqLen uint32) hostCallResponse {
	raw, ok := readGuest(proc, reqPtr, reqLen)
	if !ok {
		return hostCallResponse{Allowed: false, Reason: "request out of bounds"}
	}
	var req hostCallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return hostCallResponse{Allowed: false, Reason: "malformed request"}
	}
	if b.rt.manager == nil {
		return hostCallResponse{Allowed: false, Reason: "no capability manager bound"}
	}

	res, err := b.rt.manager.UseToken(b.ctx, b.tokenID, req.Module, req.Function, req.Args)
	if err != nil {
		reason := err.Error()
		var qe *qerr.Error
		if errors.As(err, &qe) {
			reason = qe.Message
		}
		return hostCallResponse{Allowed: false, Reason: reason}
	}
	return hostCallResponse{
		Allowed:       res.Allowed,
		Reason:        res.Reason,
		Result:        res.Result,
		RemainingUses: res.RemainingUses,
		Replayed:      res.Replayed,
	}
}

// inputRead copies the step input into guest memory and returns its
// full length, so a guest with a short buffer can size up and retry.
func (b *bridge) inputRead(proc *exec.Process, ptr, bufCap uint32) int64 {
	if b.checkCancelled(proc) {
		return 0
	}
	n := len(b.input)
	if n == 0 {
		return 0
	}
	limit := n
	if int(bufCap) < limit {
		limit = int(bufCap)
	}
	if limit > 0 && !writeGuest(proc, ptr, b.input[:limit]) {
		proc.Terminate()
		return 0
	}
	return int64(n)
}

// resultWrite records the guest's result payload. Returns 0 on
// success, -1 when the payload exceeds the output cap.
func (b *bridge) resultWrite(proc *exec.Process, ptr, length uint32) int32 {
	if b.checkCancelled(proc) {
		return 0
	}
	if int64(length) > b.maxOutput {
		return -1
	}
	raw, ok := readGuest(proc, ptr, length)
	if !ok {
		proc.Terminate()
		return 0
	}
	b.mu.Lock()
	b.result = raw
	b.mu.Unlock()
	return 0
}

func (b *bridge) log(proc *exec.Process, level, ptr, length uint32) {
	if b.checkCancelled(proc) {
		return
	}
	raw, ok := readGuest(proc, ptr, length)
	if !ok {
		return
	}
	msg := string(raw)
	attrs := []any{"sandbox_id", b.sandboxID}
	switch level {
	case logDebug:
		b.rt.logger.Debug(msg, attrs...)
	case logWarn:
		b.rt.logger.Warn(msg, attrs...)
	case logError:
		b.rt.logger.Error(msg, attrs...)
	default:
		b.rt.logger.Info(msg, attrs...)
	}
}

func (b *bridge) abort(proc *exec.Process, ptr, length uint32) {
	raw, _ := readGuest(proc, ptr, length)
	b.mu.Lock()
	b.abortMsg = string(raw)
	if b.abortMsg == "" {
		b.abortMsg = "no message"
	}
	b.mu.Unlock()
	proc.Terminate()
}

func readGuest(proc *exec.Process, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	if int64(length) > maxHostIOBytes {
		return nil, false
	}
	buf := make([]byte, length)
	n, err := proc.ReadAt(buf, int64(ptr))
	if err != nil || n != len(buf) {
		return nil, false
	}
	return buf, true
}

func writeGuest(proc *exec.Process, ptr uint32, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if int64(len(data)) > maxHostIOBytes {
		return false
	}
	n, err := proc.WriteAt(data, int64(ptr))
	return err == nil && n == len(data)
}

// hostResolver resolves guest imports against br's host module. Any
// module name other than the platform one is unresolvable here even if
// an allowlist admits it.
func hostResolver(br *bridge) wasm.ResolveFunc {
	return func(name string) (*wasm.Module, error) {
		if name != HostModuleName {
			return nil, fmt.Errorf("no host module %q in this runtime", name)
		}
		return br.hostModule(), nil
	}
}

// hostModule assembles the qflow import module bound to this bridge.
func (b *bridge) hostModule() *wasm.Module {
	m := wasm.NewModule()
	m.Types = &wasm.SectionTypes{
		Entries: []wasm.FunctionSig{
			{ // host_call(req_ptr, req_len, resp_ptr, resp_cap) -> i64
				Form:        0x60,
				ParamTypes:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32},
				ReturnTypes: []wasm.ValueType{wasm.ValueTypeI64},
			},
			{ // input_read(ptr, cap) -> i64
				Form:        0x60,
				ParamTypes:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
				ReturnTypes: []wasm.ValueType{wasm.ValueTypeI64},
			},
			{ // result_write(ptr, len) -> i32
				Form:        0x60,
				ParamTypes:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
				ReturnTypes: []wasm.ValueType{wasm.ValueTypeI32},
			},
			{ // log(level, ptr, len)
				Form:       0x60,
				ParamTypes: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32},
			},
			{ // abort(ptr, len)
				Form:       0x60,
				ParamTypes: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
			},
		},
	}
	m.FunctionIndexSpace = []wasm.Function{
		{Sig: &m.Types.Entries[0], Host: reflect.ValueOf(b.hostCall), Body: &wasm.FunctionBody{}},
		{Sig: &m.Types.Entries[1], Host: reflect.ValueOf(b.inputRead), Body: &wasm.FunctionBody{}},
		{Sig: &m.Types.Entries[2], Host: reflect.ValueOf(b.resultWrite), Body: &wasm.FunctionBody{}},
		{Sig: &m.Types.Entries[3], Host: reflect.ValueOf(b.log), Body: &wasm.FunctionBody{}},
		{Sig: &m.Types.Entries[4], Host: reflect.ValueOf(b.abort), Body: &wasm.FunctionBody{}},
	}
	m.Export = &wasm.SectionExports{
		Entries: map[string]wasm.ExportEntry{
			"host_call":    {FieldStr: "host_call", Kind: wasm.ExternalFunction, Index: 0},
			"input_read":   {FieldStr: "input_read", Kind: wasm.ExternalFunction, Index: 1},
			"result_write": {FieldStr: "result_write", Kind: wasm.ExternalFunction, Index: 2},
			"log":          {FieldStr: "log", Kind: wasm.ExternalFunction, Index: 3},
			"abort":        {FieldStr: "abort", Kind: wasm.ExternalFunction, Index: 4},
		},
	}
	return m
}
