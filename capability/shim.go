package capability

import (
	"context"
	"sync"

	"github.com/c360studio/qflow/qerr"
)

// ShimFunc is a host-side implementation of one platform function.
type ShimFunc func(ctx context.Context, args []any) (any, error)

// Shim is one registered host function with its required capability.
type Shim struct {
	Module             string
	Function           string
	RequiredCapability string
	Impl               ShimFunc
}

// ReplaySource supplies recorded results during deterministic replay.
// When a lookup hits, the shim implementation is bypassed and the
// recorded result is returned instead.
type ReplaySource interface {
	ReplayResult(module, function string, args []any) (any, bool)
}

// ShimRegistry maps (module, function) to shims. Unregistered targets
// are unreachable; there is no fallthrough.
type ShimRegistry struct {
	mu    sync.RWMutex
	shims map[string]*Shim
}

// NewShimRegistry returns an empty registry.
func NewShimRegistry() *ShimRegistry {
	return &ShimRegistry{shims: make(map[string]*Shim)}
}

func shimKey(module, function string) string {
	return module + "\x00" + function
}

// Register adds a shim. Re-registering a target is an error.
func (r *ShimRegistry) Register(module, function, requiredCapability string, impl ShimFunc) error {
	if module == "" || function == "" {
		return qerr.New(qerr.KindRequiredField, "shim module and function are required")
	}
	if requiredCapability == "" {
		return qerr.Newf(qerr.KindRequiredField, "shim %s.%s declares no required capability", module, function)
	}
	if impl == nil {
		return qerr.Newf(qerr.KindRequiredField, "shim %s.%s has no implementation", module, function)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := shimKey(module, function)
	if _, exists := r.shims[key]; exists {
		return qerr.Newf(qerr.KindDuplicate, "shim %s.%s already registered", module, function)
	}
	r.shims[key] = &Shim{
		Module:             module,
		Function:           function,
		RequiredCapability: requiredCapability,
		Impl:               impl,
	}
	return nil
}

// Lookup resolves a target. Missing targets return MODULE_NOT_FOUND.
func (r *ShimRegistry) Lookup(module, function string) (*Shim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	shim, ok := r.shims[shimKey(module, function)]
	if !ok {
		return nil, qerr.Newf(qerr.KindModuleNotFound, "no shim registered for %s.%s", module, function)
	}
	return shim, nil
}

// Targets lists registered module.function names.
func (r *ShimRegistry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.shims))
	for _, s := range r.shims {
		out = append(out, s.Module+"."+s.Function)
	}
	return out
}
