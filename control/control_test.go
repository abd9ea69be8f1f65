package control

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/qflow/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a manually advanced time source shared across
// components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// staticMonitor serves a settable snapshot.
type staticMonitor struct {
	mu   sync.Mutex
	snap SystemSnapshot
	err  error
}

func (m *staticMonitor) Sample(context.Context) (SystemSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.err
}

func (m *staticMonitor) set(s SystemSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
}

// fakeController records pause and resume calls.
type fakeController struct {
	mu       sync.Mutex
	paused   []string
	resumed  []string
	pauseErr map[string]error
}

func (f *fakeController) PauseExecution(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pauseErr[id]; err != nil {
		return err
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeController) ResumeExecution(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeController) pausedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paused...)
}

func (f *fakeController) resumedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

// testPublisher returns a bus-only publisher and the bus to subscribe
// on.
func testPublisher(t *testing.T) (*events.Publisher, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	return events.NewPublisher(nil, bus, "control-test", quietLogger()), bus
}

// waitEnvelope receives one envelope or fails the test.
func waitEnvelope(t *testing.T, sub *events.Subscription) events.Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event, got none")
		return events.Envelope{}
	}
}

// expectNoEnvelope asserts no event is pending on sub.
func expectNoEnvelope(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected event on %s", env.Topic)
	default:
	}
}

// snapAllAt builds a snapshot whose computed burn rate equals v under
// the default ceilings: every dimension including error rate sits at
// v.
func snapAllAt(v float64) SystemSnapshot {
	return SystemSnapshot{
		CPU:          v,
		Memory:       v,
		Network:      v,
		Storage:      v,
		ComputeCost:  v,
		StorageCost:  v,
		EgressCost:   v,
		ErrorRate:    v,
		LatencyP99Ms: v * DefaultLatencyCeilingMs,
		QueueDepth:   int(v * DefaultQueueCeiling),
	}
}

// stressSnapshot builds a high-burn snapshot that stays clear of the
// error-rate and utilization emergency thresholds: resources and
// costs at 0.95, latency elevated, no errors. Overall burn computes
// to roughly 0.93.
func stressSnapshot() SystemSnapshot {
	return SystemSnapshot{
		CPU:          0.95,
		Memory:       0.95,
		Network:      0.95,
		Storage:      0.95,
		ComputeCost:  0.95,
		StorageCost:  0.95,
		EgressCost:   0.95,
		LatencyP99Ms: 4_750,
		QueueDepth:   950,
	}
}
