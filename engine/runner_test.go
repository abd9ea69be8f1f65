package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/c360studio/qflow/capability"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
	"github.com/c360studio/qflow/signing"
	"github.com/c360studio/qflow/wasmhost"
)

func runnerRequest(step flow.Step, params map[string]any) *StepRequest {
	if params == nil {
		params = map[string]any{}
	}
	return &StepRequest{
		ExecutionID: "exec-1",
		FlowID:      "flow-1",
		Step:        &step,
		Params:      params,
		Attempt:     1,
		NodeID:      "node-a",
	}
}

func TestRunnerDispatchesRegisteredAction(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))
	r.RegisterAction("double", func(_ context.Context, req *StepRequest) (any, error) {
		n := req.Params["n"].(int)
		return n * 2, nil
	})

	res, err := r.RunStep(context.Background(), runnerRequest(
		flow.Step{ID: "s", Type: flow.StepTask, Action: "double"},
		map[string]any{"n": 21},
	))
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if res.Output != 42 || res.Outcome != flow.OutcomeSuccess {
		t.Errorf("result = %v/%s, want 42/success", res.Output, res.Outcome)
	}
}

func TestRunnerUnknownAction(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))
	_, err := r.RunStep(context.Background(), runnerRequest(
		flow.Step{ID: "s", Type: flow.StepTask, Action: "vanish"}, nil,
	))
	if !qerr.IsKind(err, qerr.KindModuleNotFound) {
		t.Fatalf("err = %v, want kind %s", err, qerr.KindModuleNotFound)
	}
}

func TestRunnerConditionEvaluation(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))

	tests := []struct {
		name    string
		params  map[string]any
		outcome flow.Outcome
		verdict bool
	}{
		{"true boolean", map[string]any{"when": true}, flow.OutcomeSuccess, true},
		{"false boolean", map[string]any{"when": false}, flow.OutcomeFailure, false},
		{"non-empty string", map[string]any{"when": "yes"}, flow.OutcomeSuccess, true},
		{"string false", map[string]any{"when": "false"}, flow.OutcomeFailure, false},
		{"zero number", map[string]any{"when": float64(0)}, flow.OutcomeFailure, false},
		{"nonzero number", map[string]any{"when": float64(7)}, flow.OutcomeSuccess, true},
		{"nil", map[string]any{"when": nil}, flow.OutcomeFailure, false},
		{"equals match", map[string]any{"when": "prod", "equals": "prod"}, flow.OutcomeSuccess, true},
		{"equals mismatch", map[string]any{"when": "prod", "equals": "dev"}, flow.OutcomeFailure, false},
		{"equals across types", map[string]any{"when": float64(3), "equals": "3"}, flow.OutcomeSuccess, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.RunStep(context.Background(), runnerRequest(
				flow.Step{ID: "check", Type: flow.StepCondition}, tt.params,
			))
			if err != nil {
				t.Fatalf("run condition: %v", err)
			}
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if res.Output != tt.verdict {
				t.Errorf("verdict = %v, want %v", res.Output, tt.verdict)
			}
		})
	}
}

func TestRunnerConditionRequiresWhen(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))
	_, err := r.RunStep(context.Background(), runnerRequest(
		flow.Step{ID: "check", Type: flow.StepCondition}, map[string]any{"other": 1},
	))
	if !qerr.IsKind(err, qerr.KindRequiredField) {
		t.Fatalf("err = %v, want kind %s", err, qerr.KindRequiredField)
	}
}

func TestRunnerStructuralStepsCompleteImmediately(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))
	for _, typ := range []flow.StepType{flow.StepParallel, flow.StepEventTrigger} {
		res, err := r.RunStep(context.Background(), runnerRequest(
			flow.Step{ID: "anchor", Type: typ}, map[string]any{"k": "v"},
		))
		if err != nil {
			t.Fatalf("%s step: %v", typ, err)
		}
		if res.Outcome != flow.OutcomeSuccess {
			t.Errorf("%s outcome = %s, want success", typ, res.Outcome)
		}
	}
}

// wasmReturn42 exports run: () -> i64 returning the constant 42.
var wasmReturn42 = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7E, // type: () -> i64
	0x03, 0x02, 0x01, 0x00, // function: one, type 0
	0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00, // export "run"
	0x0A, 0x06, 0x01, 0x04, 0x00, 0x42, 0x2A, 0x0B, // code: i64.const 42
}

type staticModules map[string]*wasmhost.Module

func (m staticModules) ResolveModule(_ context.Context, ref string) (*wasmhost.Module, error) {
	mod, ok := m[ref]
	if !ok {
		return nil, qerr.Newf(qerr.KindModuleNotFound, "module %q not found", ref)
	}
	return mod, nil
}

func TestRunnerModuleCallExecutes(t *testing.T) {
	signer, err := signing.Ed25519SignerFromSeed(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	manager := capability.NewManager(signer, nil, nil, quietLogger())
	runtime := wasmhost.NewRuntime(wasmhost.Config{}, manager, quietLogger())
	module, err := runtime.LoadModule(wasmReturn42)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	supervisor := sandbox.NewSupervisor(t.TempDir(), nil, quietLogger())

	r := NewRunner(
		WithRunnerLogger(quietLogger()),
		WithWASMRuntime(runtime),
		WithCapabilityManager(manager),
		WithSupervisor(supervisor),
		WithModuleResolver(staticModules{"registry/answer@v1": module}),
	)

	req := runnerRequest(
		flow.Step{ID: "mod", Type: flow.StepModuleCall, Action: "answer.compute"},
		map[string]any{"module": "registry/answer@v1"},
	)
	req.Context.IsolationLevel = sandbox.IsolationModerate

	res, err := r.RunStep(context.Background(), req)
	if err != nil {
		t.Fatalf("run module step: %v", err)
	}
	if res.Output != uint64(42) {
		t.Fatalf("output = %v (%T), want 42", res.Output, res.Output)
	}
	if res.Outcome != flow.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", res.Outcome)
	}
}

func TestRunnerModuleCallUnknownRef(t *testing.T) {
	signer, err := signing.Ed25519SignerFromSeed(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	manager := capability.NewManager(signer, nil, nil, quietLogger())
	runtime := wasmhost.NewRuntime(wasmhost.Config{}, manager, quietLogger())

	r := NewRunner(
		WithRunnerLogger(quietLogger()),
		WithWASMRuntime(runtime),
		WithModuleResolver(staticModules{}),
	)
	_, err = r.RunStep(context.Background(), runnerRequest(
		flow.Step{ID: "mod", Type: flow.StepModuleCall, Action: "answer.compute"},
		map[string]any{"module": "registry/ghost@v1"},
	))
	if !qerr.IsKind(err, qerr.KindModuleNotFound) {
		t.Fatalf("err = %v, want kind %s", err, qerr.KindModuleNotFound)
	}
}

func TestRunnerModuleCallNeedsRuntime(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))
	_, err := r.RunStep(context.Background(), runnerRequest(
		flow.Step{ID: "mod", Type: flow.StepModuleCall, Action: "img.resize"},
		map[string]any{"module": "registry/resize@v1"},
	))
	if !qerr.IsKind(err, qerr.KindResourceUnavailable) {
		t.Fatalf("err = %v, want kind %s", err, qerr.KindResourceUnavailable)
	}
}

func TestRunnerUnknownStepType(t *testing.T) {
	r := NewRunner(WithRunnerLogger(quietLogger()))
	_, err := r.RunStep(context.Background(), runnerRequest(
		flow.Step{ID: "odd", Type: flow.StepType("teleport")}, nil,
	))
	if !qerr.IsKind(err, qerr.KindInvalidType) {
		t.Fatalf("err = %v, want kind %s", err, qerr.KindInvalidType)
	}
}
