package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/qflow/capability"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/sandbox"
	"github.com/c360studio/qflow/wasmhost"
)

// StepRequest is one step attempt handed to a runner. Params carry the
// step's parameters with every ${step.result} reference resolved.
type StepRequest struct {
	ExecutionID string
	FlowID      string
	Step        *flow.Step
	Params      map[string]any
	Attempt     int
	NodeID      string
	Context     ExecutionContext
}

// StepResult is a successful attempt's product. A zero Outcome counts
// as success; condition steps return OutcomeFailure when they evaluate
// false.
type StepResult struct {
	Output  any
	Outcome flow.Outcome
}

// StepRunner executes one step attempt. Implementations must honor ctx
// cancellation; the engine enforces timeouts and retries around them.
type StepRunner interface {
	RunStep(ctx context.Context, req *StepRequest) (*StepResult, error)
}

// ActionFunc implements a task step's action.
type ActionFunc func(ctx context.Context, req *StepRequest) (any, error)

// ModuleResolver maps a module reference from step params to a loaded
// WASM module.
type ModuleResolver interface {
	ResolveModule(ctx context.Context, ref string) (*wasmhost.Module, error)
}

// RunnerOption configures a DefaultRunner.
type RunnerOption func(*DefaultRunner)

// WithSupervisor wires the sandbox supervisor used around module calls.
func WithSupervisor(sv *sandbox.Supervisor) RunnerOption {
	return func(r *DefaultRunner) { r.supervisor = sv }
}

// WithWASMRuntime wires the module execution runtime.
func WithWASMRuntime(rt *wasmhost.Runtime) RunnerOption {
	return func(r *DefaultRunner) { r.runtime = rt }
}

// WithCapabilityManager wires the token issuer for module calls.
func WithCapabilityManager(m *capability.Manager) RunnerOption {
	return func(r *DefaultRunner) { r.capabilities = m }
}

// WithModuleResolver wires module reference resolution.
func WithModuleResolver(mr ModuleResolver) RunnerOption {
	return func(r *DefaultRunner) { r.modules = mr }
}

// WithRunnerLogger overrides the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *DefaultRunner) { r.logger = logger }
}

// DefaultRunner executes steps in-process: task steps through
// registered actions, condition steps by evaluating their resolved
// parameters, and module-call steps inside a sandbox with a
// capability-scoped token.
type DefaultRunner struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc

	supervisor   *sandbox.Supervisor
	runtime      *wasmhost.Runtime
	capabilities *capability.Manager
	modules      ModuleResolver
	logger       *slog.Logger
}

// NewRunner builds a DefaultRunner.
func NewRunner(opts ...RunnerOption) *DefaultRunner {
	r := &DefaultRunner{
		actions: make(map[string]ActionFunc),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAction binds a task action by name. Re-registration replaces.
func (r *DefaultRunner) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// RunStep implements StepRunner.
func (r *DefaultRunner) RunStep(ctx context.Context, req *StepRequest) (*StepResult, error) {
	switch req.Step.Type {
	case flow.StepTask:
		return r.runTask(ctx, req)
	case flow.StepCondition:
		return runCondition(req)
	case flow.StepModuleCall:
		return r.runModule(ctx, req)
	case flow.StepParallel, flow.StepEventTrigger:
		// Structural steps: fan-out and trigger anchors complete
		// immediately; their successors carry the work.
		return &StepResult{Output: req.Params, Outcome: flow.OutcomeSuccess}, nil
	default:
		return nil, qerr.Newf(qerr.KindInvalidType, "unknown step type %q", req.Step.Type)
	}
}

func (r *DefaultRunner) runTask(ctx context.Context, req *StepRequest) (*StepResult, error) {
	r.mu.RLock()
	fn, ok := r.actions[req.Step.Action]
	r.mu.RUnlock()
	if !ok {
		return nil, qerr.Newf(qerr.KindModuleNotFound,
			"action %q not registered", req.Step.Action)
	}
	out, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: out, Outcome: flow.OutcomeSuccess}, nil
}

// runCondition evaluates the step's "when" parameter. An "equals"
// parameter switches to an equality test against "when"; otherwise
// plain truthiness decides. False routes the failure edges without
// counting as a step failure.
func runCondition(req *StepRequest) (*StepResult, error) {
	when, ok := req.Params["when"]
	if !ok {
		return nil, qerr.New(qerr.KindRequiredField, `condition step requires a "when" parameter`)
	}
	verdict := false
	if want, hasEq := req.Params["equals"]; hasEq {
		verdict = fmt.Sprintf("%v", when) == fmt.Sprintf("%v", want)
	} else {
		verdict = truthy(when)
	}
	outcome := flow.OutcomeSuccess
	if !verdict {
		outcome = flow.OutcomeFailure
	}
	return &StepResult{Output: verdict, Outcome: outcome}, nil
}

func truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != "" && tv != "false" && tv != "0"
	case float64:
		return tv != 0
	case int:
		return tv != 0
	case int64:
		return tv != 0
	default:
		return true
	}
}

// runModule executes a WASM module call: sandbox creation, a
// capability token scoped to the step, execution, then teardown.
func (r *DefaultRunner) runModule(ctx context.Context, req *StepRequest) (*StepResult, error) {
	if r.runtime == nil || r.modules == nil {
		return nil, qerr.New(qerr.KindResourceUnavailable,
			"module execution is not configured on this node")
	}
	ref, _ := req.Params["module"].(string)
	if ref == "" {
		return nil, qerr.New(qerr.KindRequiredField, `module-call step requires a "module" parameter`)
	}
	module, err := r.modules.ResolveModule(ctx, ref)
	if err != nil {
		return nil, err
	}

	entry, _ := req.Params["entry"].(string)
	if entry == "" {
		entry = "run"
	}
	capabilityName, _ := req.Params["capability"].(string)
	if capabilityName == "" {
		capabilityName = req.Step.Action
	}

	sandboxID := ""
	if r.supervisor != nil {
		sb, serr := r.supervisor.CreateSandbox(ctx, req.ExecutionID, req.Step.ID, req.Context.IsolationLevel)
		if serr != nil {
			return nil, serr
		}
		sandboxID = sb.ID
		defer func() {
			if derr := r.supervisor.DestroySandbox(context.Background(), sb.ID, "step finished"); derr != nil {
				r.logger.Warn("sandbox teardown failed", "sandbox_id", sb.ID, "error", derr)
			}
		}()
	}

	tokenID := ""
	if r.capabilities != nil {
		token, terr := r.capabilities.IssueToken(ctx, capability.TokenSpec{
			SandboxID:   sandboxID,
			ExecutionID: req.ExecutionID,
			StepID:      req.Step.ID,
			Capability:  capabilityName,
			Permissions: req.Context.Permissions,
			DAOSubnet:   req.Context.DAOSubnet,
			Duration:    req.Step.Timeout,
		})
		if terr != nil {
			return nil, terr
		}
		tokenID = token.ID
		defer func() {
			if rerr := r.capabilities.RevokeToken(context.Background(), tokenID, "step finished"); rerr != nil {
				r.logger.Debug("token revoke after step failed", "token_id", tokenID, "error", rerr)
			}
		}()
	}

	res, err := r.runtime.Execute(ctx, &wasmhost.ExecRequest{
		Module:    module,
		Entry:     entry,
		Input:     moduleInput(req),
		TokenID:   tokenID,
		SandboxID: sandboxID,
		Limits:    req.Step.Resources,
	})
	if err != nil {
		return nil, err
	}
	output := res.Output
	if output == nil {
		output = res.ReturnValue
	}
	return &StepResult{Output: output, Outcome: flow.OutcomeSuccess}, nil
}

func moduleInput(req *StepRequest) map[string]any {
	return map[string]any{
		"params":    req.Params,
		"input":     req.Context.Input,
		"variables": req.Context.Variables,
	}
}
