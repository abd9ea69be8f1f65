package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/storage"
)

// DefaultTakeoverThreshold is the heartbeat age past which a node's
// executions become takeover candidates.
const DefaultTakeoverThreshold = 45 * time.Second

// DefaultTakeoverInterval is how often the monitor scans for orphans.
const DefaultTakeoverInterval = 15 * time.Second

// ManifestSource lists execution manifests visible to orphan scans.
// storage.Store satisfies it.
type ManifestSource interface {
	ListManifests(ctx context.Context) ([]*storage.Manifest, error)
}

// TakeoverFunc is invoked after a won takeover so the new owner can
// resume the orphaned step.
type TakeoverFunc func(ctx context.Context, execID, stepID, fromNode string)

// TakeoverMonitor watches for nodes that stopped heartbeating and
// claims their in-flight steps. A claim is a compare-and-set append on
// the execution's ledger head: concurrent claimants race on the same
// expected hash and exactly one wins.
type TakeoverMonitor struct {
	ledger    *ledger.Ledger
	directory membership.Directory
	manifests ManifestSource
	pub       *events.Publisher
	logger    *slog.Logger

	threshold time.Duration
	interval  time.Duration
	onWin     TakeoverFunc
}

// MonitorOption configures a TakeoverMonitor.
type MonitorOption func(*TakeoverMonitor)

// WithTakeoverThreshold overrides the orphan heartbeat threshold.
func WithTakeoverThreshold(d time.Duration) MonitorOption {
	return func(m *TakeoverMonitor) { m.threshold = d }
}

// WithTakeoverInterval overrides the scan interval.
func WithTakeoverInterval(d time.Duration) MonitorOption {
	return func(m *TakeoverMonitor) { m.interval = d }
}

// WithTakeoverFunc sets the callback run after a won claim.
func WithTakeoverFunc(fn TakeoverFunc) MonitorOption {
	return func(m *TakeoverMonitor) { m.onWin = fn }
}

// NewTakeoverMonitor builds a monitor. manifests and pub may be nil;
// a nil manifests source disables scanning but Propose still works.
func NewTakeoverMonitor(l *ledger.Ledger, dir membership.Directory, manifests ManifestSource, pub *events.Publisher, logger *slog.Logger, opts ...MonitorOption) *TakeoverMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &TakeoverMonitor{
		ledger:    l,
		directory: dir,
		manifests: manifests,
		pub:       pub,
		logger:    logger,
		threshold: DefaultTakeoverThreshold,
		interval:  DefaultTakeoverInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run scans until ctx is done.
func (m *TakeoverMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				m.logger.Warn("takeover scan failed", "error", err)
			}
		}
	}
}

// Scan finds running executions assigned to orphaned nodes and proposes
// this node for each.
func (m *TakeoverMonitor) Scan(ctx context.Context) error {
	if m.manifests == nil {
		return nil
	}
	nodes, err := m.directory.Snapshot(ctx)
	if err != nil {
		return err
	}
	orphans := membership.Orphans(nodes, m.threshold, time.Now())
	if len(orphans) == 0 {
		return nil
	}
	orphaned := make(map[string]bool, len(orphans))
	for _, id := range orphans {
		orphaned[id] = true
	}
	self := m.directory.Self().ID
	if orphaned[self] {
		// Our own heartbeat is stale; claiming anything now would
		// fight the peer that takes over from us.
		return nil
	}

	manifests, err := m.manifests.ListManifests(ctx)
	if err != nil {
		return err
	}
	for _, man := range manifests {
		if man.Status != string(StatusRunning) {
			continue
		}
		for stepID, nodeID := range man.NodeAssignments {
			if !orphaned[nodeID] {
				continue
			}
			won, perr := m.Propose(ctx, man.ExecutionID, stepID, nodeID)
			if perr != nil {
				m.logger.Warn("takeover proposal failed",
					"execution_id", man.ExecutionID, "step_id", stepID, "error", perr)
				continue
			}
			if won && m.onWin != nil {
				m.onWin(ctx, man.ExecutionID, stepID, nodeID)
			}
		}
	}
	return nil
}

// Propose claims one orphaned step by appending a reassignment record
// conditioned on the current ledger head. It returns true when this
// node won the race and false when a peer's claim landed first.
func (m *TakeoverMonitor) Propose(ctx context.Context, execID, stepID, fromNode string) (bool, error) {
	expected := ledger.GenesisPrevHash
	head, err := m.ledger.Head(execID)
	switch {
	case err == nil:
		if head.Kind == ledger.KindStepReassigned && head.StepID == stepID {
			// The step was already claimed; the chain moved past us.
			return false, nil
		}
		expected = head.RecordHash
	case qerr.IsKind(err, qerr.KindExecutionNotFound):
		// No local chain yet; the claim starts one.
	default:
		return false, err
	}

	self := m.directory.Self().ID
	payload := &events.StepReassignedPayload{
		ExecutionID: execID,
		StepID:      stepID,
		FromNode:    fromNode,
		ToNode:      self,
		Reason:      "orphan takeover",
	}
	_, err = m.ledger.Append(ctx, ledger.Entry{
		ExecID:           execID,
		StepID:           stepID,
		Kind:             ledger.KindStepReassigned,
		Actor:            self,
		Payload:          payload,
		ExpectedPrevHash: expected,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrHeadConflict) || qerr.IsKind(err, qerr.KindLedgerIntegrity) {
			m.logger.Info("takeover lost to a peer",
				"execution_id", execID, "step_id", stepID)
			return false, nil
		}
		return false, err
	}

	m.pub.Emit(ctx, events.TopicStepReassigned, self, payload)
	m.logger.Info("takeover won",
		"execution_id", execID, "step_id", stepID, "from_node", fromNode)
	return true, nil
}
