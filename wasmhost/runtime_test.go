package wasmhost

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/c360studio/qflow/capability"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
	"github.com/c360studio/qflow/signing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) *capability.Manager {
	t.Helper()
	signer, err := signing.Ed25519SignerFromSeed(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return capability.NewManager(signer, nil, nil, quietLogger())
}

func testRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	return NewRuntime(cfg, testManager(t), quietLogger())
}

// section frames one binary section. Fixture sections stay under 128
// bytes so the size fits a single LEB128 byte.
func section(id byte, contents []byte) []byte {
	return append([]byte{id, byte(len(contents))}, contents...)
}

func wasmBinary(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// funcImport encodes one function import entry.
func funcImport(module, field string, typeIndex byte) []byte {
	out := []byte{byte(len(module))}
	out = append(out, module...)
	out = append(out, byte(len(field)))
	out = append(out, field...)
	return append(out, 0x00, typeIndex)
}

// return42Module exports run: () -> i64 returning the constant 42.
var return42Module = wasmBinary(
	section(1, []byte{0x01, 0x60, 0x00, 0x01, 0x7E}),
	section(3, []byte{0x01, 0x00}),
	section(7, []byte{0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00}),
	section(10, []byte{0x01, 0x04,
		0x00,       // no locals
		0x42, 0x2A, // i64.const 42
		0x0B,
	}),
)

// echoModule imports qflow.input_read and qflow.result_write, copies
// its input back out as the result, and returns the input length.
//
//	(import "qflow" "input_read"   (func (param i32 i32) (result i64)))
//	(import "qflow" "result_write" (func (param i32 i32) (result i32)))
//	(memory 1)
//	(func (export "echo") (result i64) ...)
var echoModule = wasmBinary(
	section(1, []byte{0x03,
		0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7E,
		0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F,
		0x60, 0x00, 0x01, 0x7E,
	}),
	section(2, append(append([]byte{0x02},
		funcImport("qflow", "input_read", 0)...),
		funcImport("qflow", "result_write", 1)...)),
	section(3, []byte{0x01, 0x02}),
	section(5, []byte{0x01, 0x00, 0x01}),
	section(7, []byte{0x01, 0x04, 'e', 'c', 'h', 'o', 0x00, 0x02}),
	section(10, []byte{0x01, 0x17,
		0x01, 0x01, 0x7E, // one i64 local
		0x41, 0x00, // i32.const 0 (input ptr)
		0x41, 0xC8, 0x01, // i32.const 200 (buffer cap)
		0x10, 0x00, // call input_read
		0x21, 0x00, // local.set 0
		0x41, 0x00, // i32.const 0 (result ptr)
		0x20, 0x00, // local.get 0
		0xA7,       // i32.wrap_i64
		0x10, 0x01, // call result_write
		0x1A,       // drop
		0x20, 0x00, // local.get 0
		0x0B,
	}),
)

// chattyLoopModule loops forever, logging on every pass. The host call
// each iteration is the runtime's cooperative cancellation point.
var chattyLoopModule = wasmBinary(
	section(1, []byte{0x02,
		0x60, 0x03, 0x7F, 0x7F, 0x7F, 0x00,
		0x60, 0x00, 0x00,
	}),
	section(2, append([]byte{0x01}, funcImport("qflow", "log", 0)...)),
	section(3, []byte{0x01, 0x01}),
	section(7, []byte{0x01, 0x03, 'r', 'u', 'n', 0x00, 0x01}),
	section(10, []byte{0x01, 0x0F,
		0x00,       // no locals
		0x03, 0x40, // loop
		0x41, 0x01, // i32.const 1 (info)
		0x41, 0x00, // i32.const 0 (ptr)
		0x41, 0x00, // i32.const 0 (len)
		0x10, 0x00, // call log
		0x0C, 0x00, // br 0
		0x0B,       // end loop
		0x0B,
	}),
)

// abortModule calls qflow.abort with the message "boom".
var abortModule = wasmBinary(
	section(1, []byte{0x02,
		0x60, 0x02, 0x7F, 0x7F, 0x00,
		0x60, 0x00, 0x00,
	}),
	section(2, append([]byte{0x01}, funcImport("qflow", "abort", 0)...)),
	section(3, []byte{0x01, 0x01}),
	section(5, []byte{0x01, 0x00, 0x01}),
	section(7, []byte{0x01, 0x03, 'r', 'u', 'n', 0x00, 0x01}),
	section(10, []byte{0x01, 0x08,
		0x00,       // no locals
		0x41, 0x00, // i32.const 0
		0x41, 0x04, // i32.const 4
		0x10, 0x00, // call abort
		0x0B,
	}),
	section(11, []byte{0x01, 0x00, 0x41, 0x00, 0x0B, 0x04, 'b', 'o', 'o', 'm'}),
)

// memHogModule declares a memory growable to 32 pages (2 MiB).
var memHogModule = wasmBinary(
	section(1, []byte{0x01, 0x60, 0x00, 0x01, 0x7E}),
	section(3, []byte{0x01, 0x00}),
	section(5, []byte{0x01, 0x01, 0x01, 0x20}), // min 1, max 32 pages
	section(7, []byte{0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00}),
	section(10, []byte{0x01, 0x04, 0x00, 0x42, 0x07, 0x0B}),
)

// trapModule hits an unreachable instruction immediately.
var trapModule = wasmBinary(
	section(1, []byte{0x01, 0x60, 0x00, 0x00}),
	section(3, []byte{0x01, 0x00}),
	section(7, []byte{0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00}),
	section(10, []byte{0x01, 0x03, 0x00, 0x00, 0x0B}),
)

// startModule declares a start function, which the loader rejects.
var startModule = wasmBinary(
	section(1, []byte{0x01, 0x60, 0x00, 0x00}),
	section(3, []byte{0x01, 0x00}),
	section(8, []byte{0x00}),
	section(10, []byte{0x01, 0x02, 0x00, 0x0B}),
)

// hostCallModule embeds req as a data segment and forwards it through
// qflow.host_call, returning the response length.
func hostCallModule(req string) []byte {
	body := []byte{
		0x00,       // no locals
		0x41, 0x00, // i32.const 0 (request ptr)
		0x41, byte(len(req)), // i32.const len (single LEB byte, req < 64 bytes)
		0x41, 0x80, 0x08, // i32.const 1024 (response ptr)
		0x41, 0x80, 0x04, // i32.const 512 (response cap)
		0x10, 0x00, // call host_call
		0x0B,
	}
	data := append([]byte{0x01, 0x00, 0x41, 0x00, 0x0B, byte(len(req))}, req...)
	return wasmBinary(
		section(1, []byte{0x02,
			0x60, 0x04, 0x7F, 0x7F, 0x7F, 0x7F, 0x01, 0x7E,
			0x60, 0x00, 0x01, 0x7E,
		}),
		section(2, append([]byte{0x01}, funcImport("qflow", "host_call", 0)...)),
		section(3, []byte{0x01, 0x01}),
		section(5, []byte{0x01, 0x00, 0x01}),
		section(7, []byte{0x01, 0x04, 'c', 'a', 'l', 'l', 0x00, 0x01}),
		section(10, append([]byte{0x01, byte(len(body))}, body...)),
		section(11, data),
	)
}

// hostCallEchoModule forwards the host_call response bytes through
// qflow.result_write, so the execution's Output carries the in-band
// response exactly as the guest saw it.
func hostCallEchoModule(req string) []byte {
	body := []byte{
		0x01, 0x01, 0x7E, // one i64 local
		0x41, 0x00, // i32.const 0 (request ptr)
		0x41, byte(len(req)), // i32.const len (single LEB byte, req < 64 bytes)
		0x41, 0x80, 0x08, // i32.const 1024 (response ptr)
		0x41, 0x80, 0x04, // i32.const 512 (response cap)
		0x10, 0x00, // call host_call
		0x21, 0x00, // local.set 0 (response length)
		0x41, 0x80, 0x08, // i32.const 1024 (result ptr)
		0x20, 0x00, // local.get 0
		0xA7,       // i32.wrap_i64
		0x10, 0x01, // call result_write
		0x1A,       // drop
		0x20, 0x00, // local.get 0
		0x0B,
	}
	data := append([]byte{0x01, 0x00, 0x41, 0x00, 0x0B, byte(len(req))}, req...)
	return wasmBinary(
		section(1, []byte{0x03,
			0x60, 0x04, 0x7F, 0x7F, 0x7F, 0x7F, 0x01, 0x7E,
			0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F,
			0x60, 0x00, 0x01, 0x7E,
		}),
		section(2, append(append([]byte{0x02},
			funcImport("qflow", "host_call", 0)...),
			funcImport("qflow", "result_write", 1)...)),
		section(3, []byte{0x01, 0x02}),
		section(5, []byte{0x01, 0x00, 0x01}),
		section(7, []byte{0x01, 0x04, 'c', 'a', 'l', 'l', 0x00, 0x02}),
		section(10, append([]byte{0x01, byte(len(body))}, body...)),
		section(11, data),
	)
}

func mustLoad(t *testing.T, r *Runtime, moduleBytes []byte) *Module {
	t.Helper()
	m, err := r.LoadModule(moduleBytes)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	return m
}

func TestLoadModuleMetadata(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, return42Module)

	if len(m.Digest) != 64 {
		t.Fatalf("digest = %q, want 64 hex chars", m.Digest)
	}
	if m.Size != int64(len(return42Module)) {
		t.Fatalf("size = %d, want %d", m.Size, len(return42Module))
	}
	if len(m.Imports) != 0 {
		t.Fatalf("imports = %v, want none", m.Imports)
	}
	if len(m.Exports) != 1 || m.Exports[0] != "run" {
		t.Fatalf("exports = %v, want [run]", m.Exports)
	}
	if m.Scan == nil || m.Scan.Score != 100 {
		t.Fatalf("scan = %+v, want score 100", m.Scan)
	}
}

// A module whose code calls its own imports must verify against the
// resolved function index space, where imports occupy the low indices.
func TestLoadModuleVerifiesImportingModule(t *testing.T) {
	r := testRuntime(t, Config{})
	m := mustLoad(t, r, echoModule)

	want := []string{"qflow.input_read", "qflow.result_write"}
	if len(m.Imports) != len(want) || m.Imports[0] != want[0] || m.Imports[1] != want[1] {
		t.Fatalf("imports = %v, want %v", m.Imports, want)
	}
	if len(m.Exports) != 1 || m.Exports[0] != "echo" {
		t.Fatalf("exports = %v, want [echo]", m.Exports)
	}
}

func TestLoadModuleSizeCap(t *testing.T) {
	r := testRuntime(t, Config{MaxModuleBytes: 8})
	_, err := r.LoadModule(return42Module)
	if !qerr.IsKind(err, qerr.KindResourceLimit) {
		t.Fatalf("got %v, want RESOURCE_LIMIT", err)
	}
}

func TestLoadModuleMalformedBytes(t *testing.T) {
	cases := []struct {
		name  string
		bytes []byte
	}{
		{"too short", []byte{0x00, 0x61, 0x73}},
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x6E, 0x01, 0x00, 0x00, 0x00}},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}},
		{"truncated section", wasmBinary(section(1, []byte{0x01, 0x60}))},
	}
	r := testRuntime(t, Config{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.LoadModule(tc.bytes)
			if !qerr.IsKind(err, qerr.KindParse) {
				t.Fatalf("got %v, want PARSE_ERROR", err)
			}
		})
	}
}

func TestLoadModuleDisallowedImport(t *testing.T) {
	mod := wasmBinary(
		section(1, []byte{0x01, 0x60, 0x00, 0x00}),
		section(2, append([]byte{0x01}, funcImport("env", "alert", 0)...)),
	)
	r := testRuntime(t, Config{})
	_, err := r.LoadModule(mod)
	if !qerr.IsKind(err, qerr.KindSandboxViolation) {
		t.Fatalf("got %v, want SANDBOX_VIOLATION", err)
	}
	if !strings.Contains(err.Error(), "env.alert") {
		t.Fatalf("err = %v, want offending import named", err)
	}
}

// Widening the allowlist does not make an import linkable: anything
// outside the platform host module still fails at resolution.
func TestLoadModuleUnresolvableImport(t *testing.T) {
	mod := wasmBinary(
		section(1, []byte{0x01, 0x60, 0x00, 0x00}),
		section(2, append([]byte{0x01}, funcImport("env", "alert", 0)...)),
	)
	r := testRuntime(t, Config{ImportAllowlist: []string{"env.*", "qflow.*"}})
	_, err := r.LoadModule(mod)
	if !qerr.IsKind(err, qerr.KindParse) {
		t.Fatalf("got %v, want PARSE_ERROR", err)
	}
	if !strings.Contains(err.Error(), "no host module") {
		t.Fatalf("err = %v, want unresolvable module named", err)
	}
}

func TestLoadModuleStartFunction(t *testing.T) {
	r := testRuntime(t, Config{})
	_, err := r.LoadModule(startModule)
	if !qerr.IsKind(err, qerr.KindSandboxViolation) {
		t.Fatalf("got %v, want SANDBOX_VIOLATION", err)
	}
	if !strings.Contains(err.Error(), "start function") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadModuleScanThreshold(t *testing.T) {
	r := testRuntime(t, Config{
		ScanOptions: sandbox.ScanOptions{RequireDAOApproval: true, MinScore: 80},
	})
	_, err := r.LoadModule(return42Module)
	if !qerr.IsKind(err, qerr.KindSandboxViolation) {
		t.Fatalf("got %v, want SANDBOX_VIOLATION", err)
	}
	if !strings.Contains(err.Error(), "below threshold") {
		t.Fatalf("err = %v", err)
	}

	// The same module passes once the DAO approval is attached.
	r = testRuntime(t, Config{
		ScanOptions: sandbox.ScanOptions{RequireDAOApproval: true, DAOApproved: true, MinScore: 80},
	})
	mustLoad(t, r, return42Module)
}
