package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/flow"
	"github.com/c360studio/qflow/qerr"
)

// Burn-rate service defaults.
const (
	DefaultSampleInterval   = 10 * time.Second
	DefaultHistoryLimit     = 360
	DefaultLatencyCeilingMs = 5_000
	DefaultQueueCeiling     = 1_000
)

// Vector weights for the overall burn rate. Resources dominate because
// they are the hard ceiling; cost and performance pressure build more
// slowly.
const (
	burnResourceWeight    = 0.5
	burnCostWeight        = 0.3
	burnPerformanceWeight = 0.2

	// Within a vector, the worst component carries more weight than
	// the mean so one saturated dimension cannot hide behind three
	// idle ones.
	burnPeakWeight = 0.6
	burnMeanWeight = 0.4
)

// BurnRateSnapshot is one computed burn-rate observation. All values
// are in [0,1].
type BurnRateSnapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Overall     float64            `json:"overall"`
	Resources   map[string]float64 `json:"resources"`
	Costs       map[string]float64 `json:"costs"`
	Performance map[string]float64 `json:"performance"`
}

// BurnRateOption configures a BurnRateService.
type BurnRateOption func(*BurnRateService)

// WithSampleInterval sets the sampling period for the Start loop.
func WithSampleInterval(d time.Duration) BurnRateOption {
	return func(s *BurnRateService) { s.interval = d }
}

// WithHistoryLimit bounds how many snapshots History retains.
func WithHistoryLimit(n int) BurnRateOption {
	return func(s *BurnRateService) { s.historyLimit = n }
}

// WithLatencyCeiling sets the p99 latency treated as full performance
// burn.
func WithLatencyCeiling(ms float64) BurnRateOption {
	return func(s *BurnRateService) { s.latencyCeilingMs = ms }
}

// WithQueueCeiling sets the queue depth treated as full performance
// burn.
func WithQueueCeiling(depth int) BurnRateOption {
	return func(s *BurnRateService) { s.queueCeiling = float64(depth) }
}

// WithBurnRateClock overrides the timestamp source for tests.
func WithBurnRateClock(now func() time.Time) BurnRateOption {
	return func(s *BurnRateService) { s.now = now }
}

// BurnRateService samples system state on a fixed interval, computes
// the burn-rate vectors, and offers the cost-control actions: pausing
// low-priority flows, deferring heavy steps, and rerouting work away
// from hot nodes. All actions go through the ExecutionController; the
// service holds no engine state.
type BurnRateService struct {
	monitor    ResourceMonitor
	executions ExecutionController
	pub        *events.Publisher
	logger     *slog.Logger

	interval         time.Duration
	historyLimit     int
	latencyCeilingMs float64
	queueCeiling     float64
	now              func() time.Time

	mu      sync.RWMutex
	current *BurnRateSnapshot
	history []BurnRateSnapshot

	deferHeavy atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBurnRateService builds the service. executions and pub may be nil
// for compute-only use; actions then report what they would have done
// without driving anything.
func NewBurnRateService(monitor ResourceMonitor, executions ExecutionController, pub *events.Publisher, logger *slog.Logger, opts ...BurnRateOption) *BurnRateService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BurnRateService{
		monitor:          monitor,
		executions:       executions,
		pub:              pub,
		logger:           logger,
		interval:         DefaultSampleInterval,
		historyLimit:     DefaultHistoryLimit,
		latencyCeilingMs: DefaultLatencyCeilingMs,
		queueCeiling:     DefaultQueueCeiling,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the fixed-interval sampling loop. Stop with Stop or
// by cancelling ctx.
func (s *BurnRateService) Start(ctx context.Context) error {
	if s.monitor == nil {
		return qerr.New(qerr.KindRequiredField, "burn-rate service has no resource monitor")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Collect(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("burn-rate sample failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sampling loop.
func (s *BurnRateService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Collect samples the monitor and records the resulting burn rate.
func (s *BurnRateService) Collect(ctx context.Context) (BurnRateSnapshot, error) {
	if s.monitor == nil {
		return BurnRateSnapshot{}, qerr.New(qerr.KindRequiredField, "burn-rate service has no resource monitor")
	}
	snap, err := s.monitor.Sample(ctx)
	if err != nil {
		return BurnRateSnapshot{}, qerr.Wrap(qerr.KindResourceUnavailable, "sample system state", err)
	}
	return s.Record(ctx, snap), nil
}

// Record computes the burn rate for snap, stores it as current,
// appends it to history, and publishes it. Returns the computed
// snapshot.
func (s *BurnRateService) Record(ctx context.Context, snap SystemSnapshot) BurnRateSnapshot {
	br := s.Compute(snap)

	s.mu.Lock()
	s.current = &br
	s.history = append(s.history, br)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	s.mu.Unlock()

	s.pub.Emit(ctx, events.TopicBurnRate, "", &events.BurnRatePayload{
		Overall:     br.Overall,
		Resources:   br.Resources,
		Costs:       br.Costs,
		Performance: br.Performance,
		WindowMs:    s.interval.Milliseconds(),
	})
	return br
}

// Compute derives the burn-rate vectors from a snapshot. Pure: no
// state is touched except the clock for the timestamp.
func (s *BurnRateService) Compute(snap SystemSnapshot) BurnRateSnapshot {
	resources := map[string]float64{
		"cpu":     clamp01(snap.CPU),
		"memory":  clamp01(snap.Memory),
		"network": clamp01(snap.Network),
		"storage": clamp01(snap.Storage),
	}
	costs := map[string]float64{
		"compute": clamp01(snap.ComputeCost),
		"storage": clamp01(snap.StorageCost),
		"egress":  clamp01(snap.EgressCost),
	}
	performance := map[string]float64{
		"error_rate": clamp01(snap.ErrorRate),
		"latency":    clamp01(snap.LatencyP99Ms / s.latencyCeilingMs),
		"queue":      clamp01(float64(snap.QueueDepth) / s.queueCeiling),
	}

	overall := clamp01(
		burnResourceWeight*vectorScore(resources) +
			burnCostWeight*vectorScore(costs) +
			burnPerformanceWeight*vectorScore(performance))

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	return BurnRateSnapshot{
		Timestamp:   ts,
		Overall:     overall,
		Resources:   resources,
		Costs:       costs,
		Performance: performance,
	}
}

// vectorScore blends the worst component with the mean.
func vectorScore(vec map[string]float64) float64 {
	if len(vec) == 0 {
		return 0
	}
	var peak, sum float64
	for _, v := range vec {
		sum += v
		if v > peak {
			peak = v
		}
	}
	return burnPeakWeight*peak + burnMeanWeight*sum/float64(len(vec))
}

// Current returns the most recent burn-rate snapshot.
func (s *BurnRateService) Current() (BurnRateSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return BurnRateSnapshot{}, false
	}
	return *s.current, true
}

// History returns retained snapshots, oldest first.
func (s *BurnRateService) History() []BurnRateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BurnRateSnapshot(nil), s.history...)
}

// PauseLowPriorityFlows sheds cost by pausing running executions while
// the burn rate exceeds threshold. Low priority pauses first, medium
// only if the projected burn is still over threshold; high and
// critical executions are never touched. percentile bounds how much of
// each priority band is eligible, cost-heaviest first. Returns the
// execution IDs actually paused.
func (s *BurnRateService) PauseLowPriorityFlows(ctx context.Context, threshold, percentile float64) ([]string, error) {
	if err := validateActionInputs(threshold, percentile); err != nil {
		return nil, err
	}
	snap, br, err := s.observe(ctx)
	if err != nil {
		return nil, err
	}
	if br.Overall < threshold {
		return nil, nil
	}

	projected := br.Overall
	var paused []string
	for _, p := range []flow.Priority{flow.PriorityLow, flow.PriorityMedium} {
		if projected < threshold {
			break
		}
		band := executionsAtPriority(snap.Executions, p)
		eligible := int(math.Ceil(percentile * float64(len(band))))
		for i := 0; i < eligible && projected >= threshold; i++ {
			sample := band[i]
			reason := fmt.Sprintf("burn rate %.2f over threshold %.2f", br.Overall, threshold)
			if s.executions != nil {
				if err := s.executions.PauseExecution(ctx, sample.ID, reason); err != nil {
					s.logger.Warn("pause for burn rate failed",
						"execution_id", sample.ID, "error", err)
					continue
				}
			}
			paused = append(paused, sample.ID)
			projected -= sample.CostShare * br.Overall
		}
	}

	if len(paused) > 0 {
		s.logger.Info("paused executions for burn rate",
			"count", len(paused), "burn_rate", br.Overall, "threshold", threshold)
	}
	return paused, nil
}

// DeferHeavySteps flips heavy-step deferral on when the burn rate is
// at or over threshold and off when it drops back under. The admission
// policy consults HeavyStepsDeferred at dispatch time.
func (s *BurnRateService) DeferHeavySteps(ctx context.Context, threshold float64) (bool, error) {
	if threshold < 0 || threshold > 1 {
		return false, qerr.Newf(qerr.KindInvalidType, "threshold must be in [0,1], got %v", threshold)
	}
	_, br, err := s.observe(ctx)
	if err != nil {
		return false, err
	}
	deferred := br.Overall >= threshold
	if s.deferHeavy.Swap(deferred) != deferred {
		s.logger.Info("heavy-step deferral changed",
			"deferred", deferred, "burn_rate", br.Overall, "threshold", threshold)
	}
	return deferred, nil
}

// HeavyStepsDeferred reports whether heavy steps are currently
// deferred.
func (s *BurnRateService) HeavyStepsDeferred() bool {
	return s.deferHeavy.Load()
}

// RerouteFlowsToColdNodes drains executions off nodes loaded above the
// given percentile of the fleet: each is paused cooperatively and
// resumed immediately, so queued steps re-enter node selection and
// land on colder nodes. No-op below the burn threshold or when the
// fleet has no load spread. Returns the execution IDs rerouted.
func (s *BurnRateService) RerouteFlowsToColdNodes(ctx context.Context, threshold, percentile float64) ([]string, error) {
	if err := validateActionInputs(threshold, percentile); err != nil {
		return nil, err
	}
	snap, br, err := s.observe(ctx)
	if err != nil {
		return nil, err
	}
	if br.Overall < threshold || len(snap.Nodes) < 2 {
		return nil, nil
	}

	cut := loadPercentile(snap.Nodes, percentile)
	hot := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.Load > cut {
			hot[n.ID] = true
		}
	}
	if len(hot) == 0 || len(hot) == len(snap.Nodes) {
		return nil, nil
	}

	var rerouted []string
	for _, ex := range snap.Executions {
		if !hot[ex.NodeID] {
			continue
		}
		if s.executions == nil {
			rerouted = append(rerouted, ex.ID)
			continue
		}
		reason := fmt.Sprintf("rerouting off hot node %s", ex.NodeID)
		if err := s.executions.PauseExecution(ctx, ex.ID, reason); err != nil {
			s.logger.Warn("reroute pause failed", "execution_id", ex.ID, "error", err)
			continue
		}
		if err := s.executions.ResumeExecution(ctx, ex.ID); err != nil {
			s.logger.Error("reroute resume failed, execution left paused",
				"execution_id", ex.ID, "error", err)
			continue
		}
		rerouted = append(rerouted, ex.ID)
	}

	if len(rerouted) > 0 {
		s.logger.Info("rerouted executions off hot nodes",
			"count", len(rerouted), "hot_nodes", len(hot), "load_cut", cut)
	}
	return rerouted, nil
}

// observe samples the monitor and computes burn without recording, so
// actions do not distort the published series.
func (s *BurnRateService) observe(ctx context.Context) (SystemSnapshot, BurnRateSnapshot, error) {
	if s.monitor == nil {
		return SystemSnapshot{}, BurnRateSnapshot{}, qerr.New(qerr.KindRequiredField, "burn-rate service has no resource monitor")
	}
	snap, err := s.monitor.Sample(ctx)
	if err != nil {
		return SystemSnapshot{}, BurnRateSnapshot{}, qerr.Wrap(qerr.KindResourceUnavailable, "sample system state", err)
	}
	return snap, s.Compute(snap), nil
}

func validateActionInputs(threshold, percentile float64) error {
	if threshold < 0 || threshold > 1 {
		return qerr.Newf(qerr.KindInvalidType, "threshold must be in [0,1], got %v", threshold)
	}
	if percentile <= 0 || percentile > 1 {
		return qerr.Newf(qerr.KindInvalidType, "percentile must be in (0,1], got %v", percentile)
	}
	return nil
}

// executionsAtPriority filters samples to one priority band, ordered
// cost-heaviest first with the ID as tie-break for determinism.
func executionsAtPriority(samples []ExecutionSample, p flow.Priority) []ExecutionSample {
	var band []ExecutionSample
	for _, s := range samples {
		if s.Priority == p {
			band = append(band, s)
		}
	}
	sort.Slice(band, func(i, j int) bool {
		if band[i].CostShare != band[j].CostShare {
			return band[i].CostShare > band[j].CostShare
		}
		return band[i].ID < band[j].ID
	})
	return band
}

// loadPercentile returns the load value at the given percentile of the
// fleet, nearest-rank method.
func loadPercentile(nodes []NodeSample, percentile float64) float64 {
	loads := make([]float64, len(nodes))
	for i, n := range nodes {
		loads[i] = n.Load
	}
	sort.Float64s(loads)
	rank := int(math.Ceil(percentile*float64(len(loads)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(loads) {
		rank = len(loads) - 1
	}
	return loads[rank]
}
