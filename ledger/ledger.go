// Package ledger implements the hash-chained execution ledger: one
// append-only, signed record chain per execution, vector-clocked for
// causal ordering across nodes. The chain is the coordination point for
// distributed takeover — advancing the head is a compare-and-set, so
// two nodes racing to continue the same execution cannot both win.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/signing"
)

// ErrHeadConflict reports a lost head compare-and-set: another writer
// advanced the chain between read and append. Callers treat this as
// losing a takeover race, not as corruption.
var ErrHeadConflict = errors.New("ledger head conflict")

// Sink receives every appended record for durable storage. Appends
// fail when the sink fails, so memory never runs ahead of disk.
type Sink interface {
	AppendRecord(ctx context.Context, rec *Record) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNodeID sets the node identity stamped on appended records and
// advanced in their vector clocks.
func WithNodeID(id string) Option {
	return func(l *Ledger) { l.nodeID = id }
}

// WithSink installs a durable write-through sink.
func WithSink(sink Sink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithClock overrides the timestamp source. Tests use this to make
// record hashes reproducible.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger holds one hash chain per execution plus the verifier keys of
// every node whose records it has accepted.
type Ledger struct {
	signer signing.Signer
	nodeID string
	now    func() time.Time
	sink   Sink

	mu      sync.Mutex
	chains  map[string][]*Record
	replays map[string]*replaySession
	keys    map[string]signing.Verifier
	keyInfo map[string]KeyInfo
}

// New creates a ledger that signs with signer. The signer's own key is
// trusted for this node's records.
func New(signer signing.Signer, opts ...Option) *Ledger {
	l := &Ledger{
		signer:  signer,
		nodeID:  "local",
		now:     time.Now,
		chains:  make(map[string][]*Record),
		replays: make(map[string]*replaySession),
		keys:    make(map[string]signing.Verifier),
		keyInfo: make(map[string]KeyInfo),
	}
	for _, opt := range opts {
		opt(l)
	}
	if signer != nil {
		// Own records verify against the local key pair.
		l.keyInfo[l.nodeID] = KeyInfo{Algorithm: signer.Algorithm(), PublicKey: signer.PublicKey()}
	}
	return l
}

// NodeID returns the identity this ledger appends under.
func (l *Ledger) NodeID() string { return l.nodeID }

// TrustKey registers a verifier for records appended by nodeID.
// Validation of records from unknown nodes fails closed.
func (l *Ledger) TrustKey(nodeID, algorithm string, publicKey []byte) error {
	v, err := signing.NewVerifier(algorithm, publicKey)
	if err != nil {
		return fmt.Errorf("trust key for %s: %w", nodeID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[nodeID] = v
	l.keyInfo[nodeID] = KeyInfo{Algorithm: algorithm, PublicKey: append([]byte(nil), publicKey...)}
	return nil
}

// Append hashes, signs, and appends one record for e's execution. The
// new record's PrevHash is the current head's RecordHash, its vector
// clock is the head's clock advanced by one for this node, and its
// payload digest is the canonical digest of e.Payload.
//
// When e.ExpectedPrevHash is set the append is conditional: a mismatch
// against the actual head returns a LEDGER_INTEGRITY error wrapping
// ErrHeadConflict and the chain is untouched.
func (l *Ledger) Append(ctx context.Context, e Entry) (*Record, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	payloadDigest, err := canonical.Digest(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("digest payload for %s/%s: %w", e.ExecID, e.Kind, err)
	}
	actor := e.Actor
	if actor == "" {
		actor = l.nodeID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[e.ExecID]
	prevHash := GenesisPrevHash
	var headClock map[string]uint64
	if len(chain) > 0 {
		head := chain[len(chain)-1]
		prevHash = head.RecordHash
		headClock = head.VectorClock
	}
	if e.ExpectedPrevHash != "" && e.ExpectedPrevHash != prevHash {
		return nil, qerr.Wrap(qerr.KindLedgerIntegrity,
			fmt.Sprintf("append %s %s: expected head %.12s, found %.12s", e.Kind, e.ExecID, e.ExpectedPrevHash, prevHash),
			ErrHeadConflict)
	}

	clock := make(map[string]uint64, len(headClock)+1)
	for node, counter := range headClock {
		clock[node] = counter
	}
	clock[l.nodeID]++

	rec := &Record{
		ExecID:        e.ExecID,
		StepID:        e.StepID,
		Kind:          e.Kind,
		PayloadDigest: payloadDigest,
		Actor:         actor,
		NodeID:        l.nodeID,
		Timestamp:     l.now().UTC(),
		PrevHash:      prevHash,
		VectorClock:   clock,
	}
	if rec.RecordHash, err = ComputeHash(rec); err != nil {
		return nil, err
	}
	sig, err := l.signer.Sign([]byte(rec.RecordHash))
	if err != nil {
		return nil, fmt.Errorf("sign record %s/%s: %w", e.ExecID, e.Kind, err)
	}
	rec.Signature = hex.EncodeToString(sig)

	if l.sink != nil {
		if err := l.sink.AppendRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist record %s/%s: %w", e.ExecID, e.Kind, err)
		}
	}
	l.chains[e.ExecID] = append(chain, rec)
	return rec.Clone(), nil
}

// Records returns a snapshot of the chain for execID in append order.
func (l *Ledger) Records(execID string) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain, ok := l.chains[execID]
	if !ok {
		return nil, qerr.Newf(qerr.KindExecutionNotFound, "no ledger for execution %s", execID)
	}
	out := make([]*Record, len(chain))
	for i, rec := range chain {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Head returns the latest record for execID.
func (l *Ledger) Head(execID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain, ok := l.chains[execID]
	if !ok || len(chain) == 0 {
		return nil, qerr.Newf(qerr.KindExecutionNotFound, "no ledger for execution %s", execID)
	}
	return chain[len(chain)-1].Clone(), nil
}

// Executions lists every execution with a chain, sorted.
func (l *Ledger) Executions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.chains))
	for id := range l.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the chain length for execID, zero when absent.
func (l *Ledger) Len(execID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chains[execID])
}

func (l *Ledger) verifierFor(nodeID string) (signing.Verifier, bool) {
	if v, ok := l.keys[nodeID]; ok {
		return v, true
	}
	if nodeID == l.nodeID && l.signer != nil {
		return l.signer, true
	}
	return nil, false
}
