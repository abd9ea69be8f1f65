package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/signing"
)

func testSigner(t *testing.T, seed byte) signing.Signer {
	t.Helper()
	raw := bytes.Repeat([]byte{seed}, 32)
	s, err := signing.Ed25519SignerFromSeed(raw)
	if err != nil {
		t.Fatalf("signer from seed: %v", err)
	}
	return s
}

func testLedger(t *testing.T, nodeID string, seed byte) *Ledger {
	t.Helper()
	return New(testSigner(t, seed), WithNodeID(nodeID))
}

func mustAppend(t *testing.T, l *Ledger, e Entry) *Record {
	t.Helper()
	rec, err := l.Append(context.Background(), e)
	if err != nil {
		t.Fatalf("append %s/%s: %v", e.ExecID, e.Kind, err)
	}
	return rec
}

func TestAppendBuildsVerifiableChain(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-1"

	first := mustAppend(t, l, Entry{ExecID: execID, Kind: KindExecStarted, Actor: "alice"})
	if first.PrevHash != GenesisPrevHash {
		t.Errorf("first record prev_hash = %s, want genesis", first.PrevHash)
	}
	second := mustAppend(t, l, Entry{ExecID: execID, StepID: "fetch", Kind: KindStepDispatched, Payload: map[string]any{"node": "node-a"}})
	if second.PrevHash != first.RecordHash {
		t.Errorf("second record prev_hash = %.12s, want %.12s", second.PrevHash, first.RecordHash)
	}
	mustAppend(t, l, Entry{ExecID: execID, StepID: "fetch", Kind: KindStepCompleted, Payload: map[string]any{"digest": "abc"}})

	report, err := l.Validate(execID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.IsValid || !report.ChainIntegrity || !report.SignatureValidity || !report.CausalConsistency {
		t.Fatalf("chain should be valid, got %+v", report)
	}
	if report.RecordCount != 3 {
		t.Errorf("record count = %d, want 3", report.RecordCount)
	}

	head, err := l.Head(execID)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Kind != KindStepCompleted {
		t.Errorf("head kind = %s, want %s", head.Kind, KindStepCompleted)
	}
}

func TestValidateDetectsTampering(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-tamper"
	for i := 0; i < 4; i++ {
		mustAppend(t, l, Entry{ExecID: execID, StepID: "s", Kind: KindStepCompleted, Payload: i})
	}

	// Flip a payload digest in the middle of the stored chain.
	l.mu.Lock()
	l.chains[execID][1].PayloadDigest = "0000000000000000000000000000000000000000000000000000000000000000"
	l.mu.Unlock()

	report, err := l.Validate(execID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.IsValid || report.ChainIntegrity {
		t.Fatalf("tampered chain reported valid: %+v", report)
	}
	if len(report.Errors) == 0 {
		t.Error("expected at least one error for tampered record")
	}
}

func TestValidateDetectsForgedSignature(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-forge"
	mustAppend(t, l, Entry{ExecID: execID, Kind: KindExecStarted})

	// Re-sign the record with a different key and fix up the hash so
	// only the signature check can catch it.
	other := testSigner(t, 9)
	l.mu.Lock()
	rec := l.chains[execID][0]
	sig, _ := other.Sign([]byte(rec.RecordHash))
	rec.Signature = hex.EncodeToString(sig)
	l.mu.Unlock()

	report, err := l.Validate(execID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.SignatureValidity {
		t.Fatal("forged signature not detected")
	}
	if report.ChainIntegrity != true {
		t.Error("chain integrity should still hold, only the signature is bad")
	}
}

func TestEmptyChainIsValidWithWarning(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	report, err := l.Validate("never-seen")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.IsValid {
		t.Error("empty chain should be valid")
	}
	if len(report.Warnings) == 0 {
		t.Error("empty chain should carry a warning")
	}
}

func TestAppendCASDetectsMovedHead(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-cas"
	first := mustAppend(t, l, Entry{ExecID: execID, Kind: KindExecStarted})
	mustAppend(t, l, Entry{ExecID: execID, StepID: "s1", Kind: KindStepDispatched})

	// A competing writer holding the stale head must lose.
	_, err := l.Append(context.Background(), Entry{
		ExecID:           execID,
		StepID:           "s1",
		Kind:             KindStepReassigned,
		ExpectedPrevHash: first.RecordHash,
	})
	if err == nil {
		t.Fatal("stale CAS append should fail")
	}
	if !qerr.IsKind(err, qerr.KindLedgerIntegrity) {
		t.Errorf("error kind = %s, want %s", qerr.KindOf(err), qerr.KindLedgerIntegrity)
	}
	if !errors.Is(err, ErrHeadConflict) {
		t.Error("error should wrap ErrHeadConflict so losers can back off")
	}

	// Holding the true head succeeds.
	head, _ := l.Head(execID)
	if _, err := l.Append(context.Background(), Entry{
		ExecID:           execID,
		StepID:           "s1",
		Kind:             KindStepReassigned,
		ExpectedPrevHash: head.RecordHash,
	}); err != nil {
		t.Fatalf("CAS append with current head: %v", err)
	}
}

func TestVectorClockAdvancesMonotonically(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-clock"
	for i := 0; i < 5; i++ {
		rec := mustAppend(t, l, Entry{ExecID: execID, Kind: KindStepCompleted, Payload: i})
		if got := rec.VectorClock["node-a"]; got != uint64(i+1) {
			t.Fatalf("record %d clock = %d, want %d", i, got, i+1)
		}
	}
	report, _ := l.Validate(execID)
	if !report.CausalConsistency {
		t.Fatalf("causal consistency should hold: %v", report.Errors)
	}
}

func TestIndependentExecutionsHaveIndependentChains(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	mustAppend(t, l, Entry{ExecID: "exec-x", Kind: KindExecStarted})
	mustAppend(t, l, Entry{ExecID: "exec-y", Kind: KindExecStarted})
	mustAppend(t, l, Entry{ExecID: "exec-x", Kind: KindExecCompleted})

	x, _ := l.Records("exec-x")
	y, _ := l.Records("exec-y")
	if len(x) != 2 || len(y) != 1 {
		t.Fatalf("chain lengths = %d/%d, want 2/1", len(x), len(y))
	}
	if y[0].PrevHash != GenesisPrevHash {
		t.Error("exec-y first record should anchor at genesis")
	}
	if x[1].VectorClock["node-a"] != 2 || y[0].VectorClock["node-a"] != 1 {
		t.Error("vector clocks must not leak across executions")
	}
}

func TestCrossNodeHandoffKeepsChainValid(t *testing.T) {
	a := testLedger(t, "node-a", 1)
	execID := "exec-handoff"
	mustAppend(t, a, Entry{ExecID: execID, Kind: KindExecStarted})
	mustAppend(t, a, Entry{ExecID: execID, StepID: "s1", Kind: KindStepDispatched})

	exp, err := a.Export(execID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	b := testLedger(t, "node-b", 2)
	if err := b.Import(exp); err != nil {
		t.Fatalf("import: %v", err)
	}
	rec := mustAppend(t, b, Entry{ExecID: execID, StepID: "s1", Kind: KindStepReassigned, Actor: "node-b"})
	if rec.VectorClock["node-a"] != 2 || rec.VectorClock["node-b"] != 1 {
		t.Errorf("merged clock = %v, want node-a:2 node-b:1", rec.VectorClock)
	}

	report, err := b.Validate(execID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.IsValid {
		t.Fatalf("handoff chain should validate: %v", report.Errors)
	}
}

func TestImportRejectsDivergentChain(t *testing.T) {
	a := testLedger(t, "node-a", 1)
	b := testLedger(t, "node-a", 1)
	execID := "exec-div"
	mustAppend(t, a, Entry{ExecID: execID, Kind: KindExecStarted, Payload: "a"})
	mustAppend(t, b, Entry{ExecID: execID, Kind: KindExecStarted, Payload: "b"})

	exp, err := a.Export(execID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	err = b.Import(exp)
	if err == nil {
		t.Fatal("divergent import should be rejected")
	}
	if !qerr.IsKind(err, qerr.KindLedgerIntegrity) {
		t.Errorf("error kind = %s, want %s", qerr.KindOf(err), qerr.KindLedgerIntegrity)
	}
}

func TestImportRejectsTamperedArchive(t *testing.T) {
	a := testLedger(t, "node-a", 1)
	execID := "exec-arch"
	mustAppend(t, a, Entry{ExecID: execID, Kind: KindExecStarted})
	mustAppend(t, a, Entry{ExecID: execID, Kind: KindExecCompleted})

	exp, _ := a.Export(execID)
	exp.Chains[execID][0].Actor = "mallory"

	b := testLedger(t, "node-b", 2)
	if err := b.Import(exp); err == nil {
		t.Fatal("tampered archive should be rejected")
	}
	if b.Len(execID) != 0 {
		t.Error("rejected import must leave no partial state")
	}
}

func TestReplaySessionWalksChainInOrder(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-replay"
	kinds := []string{KindExecStarted, KindStepDispatched, KindStepCompleted, KindExecCompleted}
	for _, k := range kinds {
		mustAppend(t, l, Entry{ExecID: execID, Kind: k})
	}

	if err := l.StartReplay(execID); err != nil {
		t.Fatalf("start replay: %v", err)
	}
	if err := l.StartReplay(execID); !qerr.IsKind(err, qerr.KindDuplicate) {
		t.Errorf("second start should be %s, got %v", qerr.KindDuplicate, err)
	}

	for i, want := range kinds {
		rec, err := l.NextReplayRecord(execID)
		if err != nil {
			t.Fatalf("next record %d: %v", i, err)
		}
		if rec.Kind != want {
			t.Errorf("record %d kind = %s, want %s", i, rec.Kind, want)
		}
	}
	if _, err := l.NextReplayRecord(execID); !errors.Is(err, ErrReplayDone) {
		t.Errorf("exhausted session should return ErrReplayDone, got %v", err)
	}

	summary, err := l.CompleteReplay(execID)
	if err != nil {
		t.Fatalf("complete replay: %v", err)
	}
	if summary.RecordsReplayed != len(kinds) || summary.RecordsTotal != len(kinds) {
		t.Errorf("summary = %+v, want %d/%d", summary, len(kinds), len(kinds))
	}
	if _, err := l.NextReplayRecord(execID); err == nil {
		t.Error("session should be closed after completion")
	}
}

func TestReplayRefusesInvalidChain(t *testing.T) {
	l := testLedger(t, "node-a", 1)
	execID := "exec-bad"
	mustAppend(t, l, Entry{ExecID: execID, Kind: KindExecStarted})
	l.mu.Lock()
	l.chains[execID][0].PayloadDigest = "ff"
	l.mu.Unlock()

	if err := l.StartReplay(execID); !qerr.IsKind(err, qerr.KindLedgerIntegrity) {
		t.Errorf("replay of broken chain should be %s, got %v", qerr.KindLedgerIntegrity, err)
	}
}

func TestCallJournalReplaysFIFO(t *testing.T) {
	j := NewCallJournal()
	args := []any{"https://example.com", float64(2)}
	if err := j.Record("http", "get", args, "first"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("http", "get", args, "second"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if j.Len() != 2 {
		t.Fatalf("journal len = %d, want 2", j.Len())
	}

	got, ok := j.ReplayResult("http", "get", args)
	if !ok || got != "first" {
		t.Errorf("first replay = %v/%v, want first/true", got, ok)
	}
	got, ok = j.ReplayResult("http", "get", args)
	if !ok || got != "second" {
		t.Errorf("second replay = %v/%v, want second/true", got, ok)
	}
	if _, ok := j.ReplayResult("http", "get", args); ok {
		t.Error("drained journal should miss")
	}
	if _, ok := j.ReplayResult("http", "get", []any{"other"}); ok {
		t.Error("different args should miss")
	}
}

func TestAppendStampsDeterministicHashes(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	build := func() *Record {
		l := New(testSigner(t, 1), WithNodeID("node-a"), WithClock(func() time.Time { return fixed }))
		return mustAppend(t, l, Entry{ExecID: "exec-d", StepID: "s", Kind: KindStepCompleted, Payload: map[string]any{"n": float64(1)}})
	}
	r1, r2 := build(), build()
	if r1.RecordHash != r2.RecordHash {
		t.Errorf("identical inputs must hash identically: %s != %s", r1.RecordHash, r2.RecordHash)
	}
	if r1.Signature != r2.Signature {
		t.Errorf("ed25519 signatures over equal hashes must match")
	}
}
