package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/qflow/ledger"
	"github.com/c360studio/qflow/membership"
	"github.com/c360studio/qflow/storage"
)

type manifestList []*storage.Manifest

func (m manifestList) ListManifests(context.Context) ([]*storage.Manifest, error) {
	return m, nil
}

func takeoverDirectory(selfID string, peers ...membership.Node) *membership.StaticDirectory {
	self := membership.Node{ID: selfID, Capabilities: []string{"*"}, LastHeartbeat: time.Now()}
	return membership.NewStaticDirectory(self, peers...)
}

func TestProposeClaimsOrphanedStep(t *testing.T) {
	l := testLedger(t, "node-b", 2)
	dir := takeoverDirectory("node-b")
	m := NewTakeoverMonitor(l, dir, nil, nil, quietLogger())

	// The execution has history before its node died.
	if _, err := l.Append(context.Background(), ledger.Entry{
		ExecID: "exec-1", Kind: ledger.KindExecStarted, Actor: "alice",
	}); err != nil {
		t.Fatalf("seed chain: %v", err)
	}

	won, err := m.Propose(context.Background(), "exec-1", "fetch", "node-a")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !won {
		t.Fatal("uncontested proposal lost")
	}

	head, err := l.Head("exec-1")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Kind != ledger.KindStepReassigned || head.StepID != "fetch" {
		t.Errorf("head = %s/%s, want the reassignment record", head.Kind, head.StepID)
	}
	if head.Actor != "node-b" {
		t.Errorf("claim actor = %s, want node-b", head.Actor)
	}
}

func TestProposeExactlyOneWinner(t *testing.T) {
	l := testLedger(t, "shared", 3)
	if _, err := l.Append(context.Background(), ledger.Entry{
		ExecID: "exec-1", Kind: ledger.KindExecStarted, Actor: "alice",
	}); err != nil {
		t.Fatalf("seed chain: %v", err)
	}

	monB := NewTakeoverMonitor(l, takeoverDirectory("node-b"), nil, nil, quietLogger())
	monC := NewTakeoverMonitor(l, takeoverDirectory("node-c"), nil, nil, quietLogger())

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, mon := range []*TakeoverMonitor{monB, monC} {
		wg.Add(1)
		go func(i int, mon *TakeoverMonitor) {
			defer wg.Done()
			won, err := mon.Propose(context.Background(), "exec-1", "fetch", "node-a")
			if err != nil {
				t.Errorf("propose %d: %v", i, err)
				return
			}
			results[i] = won
		}(i, mon)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1 (results %v)", winners, results)
	}
	if l.Len("exec-1") != 2 {
		t.Errorf("chain length = %d, want 2 (seed plus one claim)", l.Len("exec-1"))
	}
}

func TestProposeRepeatedClaimLoses(t *testing.T) {
	l := testLedger(t, "node-b", 4)
	mon := NewTakeoverMonitor(l, takeoverDirectory("node-b"), nil, nil, quietLogger())

	won, err := mon.Propose(context.Background(), "exec-1", "fetch", "node-a")
	if err != nil || !won {
		t.Fatalf("first claim = %v, %v, want win", won, err)
	}
	won, err = mon.Propose(context.Background(), "exec-1", "fetch", "node-a")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("claimed a step that was already reassigned")
	}
}

func TestScanProposesForOrphans(t *testing.T) {
	l := testLedger(t, "node-b", 5)
	dead := membership.Node{
		ID:            "node-a",
		Capabilities:  []string{"*"},
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}
	dir := takeoverDirectory("node-b", dead)

	manifests := manifestList{
		{
			ExecutionID:     "exec-1",
			Status:          string(StatusRunning),
			NodeAssignments: map[string]string{"fetch": "node-a"},
		},
		{
			ExecutionID:     "exec-2",
			Status:          string(StatusCompleted),
			NodeAssignments: map[string]string{"fetch": "node-a"},
		},
	}

	var mu sync.Mutex
	var claims [][3]string
	mon := NewTakeoverMonitor(l, dir, manifests, nil, quietLogger(),
		WithTakeoverThreshold(time.Minute),
		WithTakeoverFunc(func(_ context.Context, execID, stepID, fromNode string) {
			mu.Lock()
			claims = append(claims, [3]string{execID, stepID, fromNode})
			mu.Unlock()
		}),
	)

	if err := mon.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(claims) != 1 {
		t.Fatalf("claims = %v, want one for the running execution only", claims)
	}
	if claims[0] != [3]string{"exec-1", "fetch", "node-a"} {
		t.Errorf("claim = %v, want exec-1/fetch from node-a", claims[0])
	}
}

func TestScanSkipsHealthyAssignments(t *testing.T) {
	l := testLedger(t, "node-b", 6)
	alive := membership.Node{ID: "node-a", Capabilities: []string{"*"}, LastHeartbeat: time.Now()}
	dir := takeoverDirectory("node-b", alive)
	manifests := manifestList{
		{
			ExecutionID:     "exec-1",
			Status:          string(StatusRunning),
			NodeAssignments: map[string]string{"fetch": "node-a"},
		},
	}
	mon := NewTakeoverMonitor(l, dir, manifests, nil, quietLogger(),
		WithTakeoverThreshold(time.Minute))

	if err := mon.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if l.Len("exec-1") != 0 {
		t.Errorf("scan claimed a step from a healthy node")
	}
}

func TestScanDefersWhenSelfIsOrphaned(t *testing.T) {
	l := testLedger(t, "node-b", 8)
	// Our own heartbeat is stale too.
	self := membership.Node{
		ID:            "node-b",
		Capabilities:  []string{"*"},
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}
	dead := membership.Node{
		ID:            "node-a",
		Capabilities:  []string{"*"},
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}
	dir := membership.NewStaticDirectory(self, dead)
	manifests := manifestList{
		{
			ExecutionID:     "exec-1",
			Status:          string(StatusRunning),
			NodeAssignments: map[string]string{"fetch": "node-a"},
		},
	}
	mon := NewTakeoverMonitor(l, dir, manifests, nil, quietLogger(),
		WithTakeoverThreshold(time.Minute))

	if err := mon.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if l.Len("exec-1") != 0 {
		t.Errorf("a stale node claimed work for itself")
	}
}
