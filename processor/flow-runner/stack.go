package flowrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"

	"github.com/c360studio/qflow/capability"
	"github.com/c360studio/qflow/control"
	"github.com/c360studio/qflow/engine"
	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/sandbox"
	"github.com/c360studio/qflow/signing"
	"github.com/c360studio/qflow/storage"
	"github.com/c360studio/qflow/validation"
	"github.com/c360studio/qflow/wasmhost"
)

// defaultDataDir roots per-execution ledger directories when the config
// names none.
const defaultDataDir = "/tmp/qflow-data"

// runnerStack is the execution machinery one flow-runner instance owns:
// signed ledger with a durable sink, shared KV stores, validation
// pipeline with its signed cache, sandbox supervisor, capability
// manager, WASM runtime, membership heartbeat, takeover monitor, and
// the engine itself.
type runnerStack struct {
	nodeID     string
	bus        *events.Bus
	pub        *events.Publisher
	ledger     *ledger.Ledger
	dirStore   *storage.DirStore
	store      *storage.Store
	blobs      *storage.ObjectBlobStore
	directory  *membership.KVDirectory
	cache      *validation.SignedCache
	pipeline   *validation.Pipeline
	supervisor *sandbox.Supervisor
	tokens     *capability.Manager
	runtime    *wasmhost.Runtime
	runner     *engine.DefaultRunner
	mirror     *control.DegradationLadder
	takeover   *engine.TakeoverMonitor
	engine     *engine.Engine
}

// buildStack constructs and wires the full execution stack. Nothing is
// started; the component's Start drives the lifecycle.
func buildStack(ctx context.Context, cfg Config, nc *natsclient.Client, logger *slog.Logger) (*runnerStack, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	signer, err := signing.NewEd25519Signer()
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	dirStore, err := storage.NewDirStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("create dir store: %w", err)
	}

	led := ledger.New(signer, ledger.WithNodeID(nodeID), ledger.WithSink(dirStore))

	bus := events.NewBus(0)
	pub := events.NewPublisher(nc, bus, "flow-runner", logger)

	store, err := storage.NewStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("create entity store: %w", err)
	}
	blobs, err := storage.NewObjectBlobStore(ctx, js, storage.BucketBlobs)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}

	self := membership.Node{
		ID:           nodeID,
		Capabilities: cfg.Capabilities,
		DAOSubnets:   cfg.DAOSubnets,
		Algorithm:    signer.Algorithm(),
		PublicKey:    signer.PublicKey(),
	}
	directory, err := membership.NewKVDirectory(ctx, js, self, membership.WithDirectoryLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("join membership: %w", err)
	}

	cache := validation.NewSignedCache(validation.CacheConfig{
		MaxEntries: cfg.CacheMaxEntries,
		DefaultTTL: cfg.CacheTTL,
	}, signer)
	pipeline := validation.NewPipeline(cache, logger)
	if err := validation.RegisterDefaults(pipeline); err != nil {
		return nil, fmt.Errorf("register validation layers: %w", err)
	}

	supervisor := sandbox.NewSupervisor(cfg.ScratchDir, pub, logger)
	tokens := capability.NewManager(signer, nil, pub, logger)
	runtime := wasmhost.NewRuntime(wasmhost.Config{MaxModuleBytes: cfg.MaxModuleBytes}, tokens, logger)

	runner := engine.NewRunner(
		engine.WithSupervisor(supervisor),
		engine.WithWASMRuntime(runtime),
		engine.WithCapabilityManager(tokens),
		engine.WithModuleResolver(&blobModules{blobs: blobs, runtime: runtime}),
		engine.WithRunnerLogger(logger),
	)

	// The mirror ladder tracks the cluster's degradation level from
	// published transitions. It has no publisher of its own: replaying
	// a remote transition must not re-emit it.
	mirror, err := control.NewDegradationLadder(nil, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("build degradation mirror: %w", err)
	}

	eng, err := engine.New(engine.Config{
		MaxConcurrentSteps: cfg.MaxConcurrentSteps,
		Workers:            cfg.Workers,
		StepTimeout:        cfg.StepTimeout,
		FailureStrategy:    engine.FailureStrategy(cfg.FailureStrategy),
	}, engine.Dependencies{
		Ledger:        led,
		Runner:        runner,
		Directory:     directory,
		Publisher:     pub,
		Pipeline:      pipeline,
		Admission:     control.NewAdmissionPolicy(mirror, nil),
		Manifests:     &manifestWriter{store: store, dir: dirStore},
		Logger:        logger,
		LayerSelector: layerSelector(mirror, pipeline),
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	takeover := engine.NewTakeoverMonitor(led, directory, store, pub, logger,
		engine.WithTakeoverFunc(claimAssignment(store, nodeID, logger)))

	return &runnerStack{
		nodeID:     nodeID,
		bus:        bus,
		pub:        pub,
		ledger:     led,
		dirStore:   dirStore,
		store:      store,
		blobs:      blobs,
		directory:  directory,
		cache:      cache,
		pipeline:   pipeline,
		supervisor: supervisor,
		tokens:     tokens,
		runtime:    runtime,
		runner:     runner,
		mirror:     mirror,
		takeover:   takeover,
		engine:     eng,
	}, nil
}

// start brings the stack's background work up: membership heartbeats,
// scheduler workers, and the orphan takeover scan.
func (s *runnerStack) start(ctx context.Context) error {
	if err := s.directory.Start(ctx); err != nil {
		return fmt.Errorf("start membership heartbeat: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		s.directory.Stop()
		return fmt.Errorf("start engine: %w", err)
	}
	go s.takeover.Run(ctx)
	return nil
}

// stop tears the stack down in dependency order. The takeover scan
// stops with the context the component cancels.
func (s *runnerStack) stop() {
	s.engine.Stop()
	s.directory.Stop()
	s.cache.Stop()
	s.bus.Close()
}

// trustPeers registers the verifier key of every live peer so takeover
// can validate records they appended. Re-registration replaces, so the
// sync is idempotent.
func (s *runnerStack) trustPeers(ctx context.Context) {
	nodes, err := s.directory.Snapshot(ctx)
	if err != nil {
		return
	}
	for _, n := range nodes {
		if n.ID == s.nodeID || len(n.PublicKey) == 0 {
			continue
		}
		if err := s.ledger.TrustKey(n.ID, n.Algorithm, n.PublicKey); err != nil {
			continue
		}
	}
}

// layerSelector names the validation layers flow registration should
// run, subtracting the layers the current degradation level sheds. A
// nil return selects every registered layer; the ladder only ever
// disables optional layers, so an empty remainder falls back to all.
func layerSelector(mirror *control.DegradationLadder, pipeline *validation.Pipeline) func() []string {
	return func() []string {
		disabled := mirror.DisabledValidationLayers()
		if len(disabled) == 0 {
			return nil
		}
		skip := make(map[string]bool, len(disabled))
		for _, id := range disabled {
			skip[id] = true
		}
		var keep []string
		for _, id := range pipeline.LayerIDs() {
			if !skip[id] {
				keep = append(keep, id)
			}
		}
		if len(keep) == 0 {
			return nil
		}
		return keep
	}
}

// manifestWriter mirrors engine execution snapshots into the shared KV
// store and the node-local execution directory, carrying the status
// transition history forward.
type manifestWriter struct {
	store *storage.Store
	dir   *storage.DirStore
}

func (w *manifestWriter) WriteSnapshot(ctx context.Context, ex *engine.Execution) error {
	m := &storage.Manifest{
		ExecutionID:     ex.ID,
		FlowID:          ex.FlowID,
		FlowVersion:     ex.FlowVersion,
		Status:          string(ex.Status),
		Priority:        string(ex.Priority),
		Principal:       ex.Context.Principal,
		CurrentStep:     ex.CurrentStep,
		CompletedSteps:  ex.CompletedSteps,
		FailedSteps:     ex.FailedSteps,
		NodeAssignments: ex.NodeAssignments,
		StartTime:       ex.StartTime,
		EndTime:         ex.EndTime,
	}

	prev, err := w.store.GetManifest(ctx, ex.ID)
	switch {
	case err == nil:
		m.Transitions = prev.Transitions
		if prev.Status != m.Status {
			m.Transitions = append(m.Transitions, storage.StatusChange{
				From: prev.Status, To: m.Status, Timestamp: time.Now().UTC(),
			})
		}
	case errors.Is(err, storage.ErrNotFound):
		m.Transitions = []storage.StatusChange{{To: m.Status, Timestamp: time.Now().UTC()}}
	default:
		return err
	}

	if err := w.store.PutManifest(ctx, m); err != nil {
		return err
	}
	return w.dir.WriteManifest(m)
}

// claimAssignment records a won takeover in the shared manifest so
// peers stop proposing the same step. Lost CAS races mean another
// update landed first; the next snapshot write reconciles.
func claimAssignment(store *storage.Store, nodeID string, logger *slog.Logger) engine.TakeoverFunc {
	return func(ctx context.Context, execID, stepID, fromNode string) {
		m, rev, err := store.GetManifestRevision(ctx, execID)
		if err != nil {
			logger.Warn("takeover manifest read failed", "execution_id", execID, "error", err)
			return
		}
		if m.NodeAssignments == nil {
			m.NodeAssignments = make(map[string]string)
		}
		m.NodeAssignments[stepID] = nodeID
		if err := store.UpdateManifestCAS(ctx, m, rev); err != nil {
			logger.Info("takeover manifest update lost a race",
				"execution_id", execID, "step_id", stepID, "error", err)
		}
	}
}

// blobModules resolves module references against the content-addressed
// blob store. A reference is the module's digest; loaded modules are
// cached because content under a digest never changes.
type blobModules struct {
	blobs   *storage.ObjectBlobStore
	runtime *wasmhost.Runtime

	mu     sync.Mutex
	loaded map[string]*wasmhost.Module
}

func (b *blobModules) ResolveModule(ctx context.Context, ref string) (*wasmhost.Module, error) {
	b.mu.Lock()
	if m, ok := b.loaded[ref]; ok {
		b.mu.Unlock()
		return m, nil
	}
	b.mu.Unlock()

	data, err := b.blobs.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch module %s: %w", ref, err)
	}
	m, err := b.runtime.LoadModule(data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.loaded == nil {
		b.loaded = make(map[string]*wasmhost.Module)
	}
	b.loaded[ref] = m
	b.mu.Unlock()
	return m, nil
}
