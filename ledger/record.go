package ledger

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/qerr"
)

// GenesisPrevHash anchors the first record of every chain: the hex
// encoding of a 32-byte zero value.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record kinds. One record is appended for every externally visible
// state transition of an execution.
const (
	KindExecStarted    = "exec.started"
	KindExecPaused     = "exec.paused"
	KindExecResumed    = "exec.resumed"
	KindExecAborted    = "exec.aborted"
	KindExecCompleted  = "exec.completed"
	KindExecFailed     = "exec.failed"
	KindStepDispatched = "step.dispatched"
	KindStepCompleted  = "step.completed"
	KindStepFailed     = "step.failed"
	KindStepReassigned = "step.reassigned"
	KindHostCall       = "host.call"
)

// Record is one hash-chained, signed ledger entry. PrevHash links it to
// the previous record of the same execution (GenesisPrevHash for the
// first), RecordHash covers every field except the signature, and
// VectorClock captures causal order across nodes.
type Record struct {
	ExecID        string            `json:"exec_id"`
	StepID        string            `json:"step_id,omitempty"`
	Kind          string            `json:"kind"`
	PayloadDigest string            `json:"payload_digest"`
	Actor         string            `json:"actor"`
	NodeID        string            `json:"node_id"`
	Timestamp     time.Time         `json:"timestamp"`
	PrevHash      string            `json:"prev_hash"`
	RecordHash    string            `json:"record_hash"`
	Signature     string            `json:"signature"`
	VectorClock   map[string]uint64 `json:"vector_clock"`
}

// Entry is the input to Append. Payload is digested canonically; the
// raw bytes never enter the chain. ExpectedPrevHash, when set, turns
// the append into a compare-and-set against the current head: it must
// equal the head's RecordHash (or GenesisPrevHash on an empty chain)
// or the append is rejected.
type Entry struct {
	ExecID           string
	StepID           string
	Kind             string
	Payload          any
	Actor            string
	ExpectedPrevHash string
}

func (e Entry) validate() error {
	if e.ExecID == "" {
		return qerr.New(qerr.KindRequiredField, "entry exec_id is required")
	}
	if e.Kind == "" {
		return qerr.New(qerr.KindRequiredField, "entry kind is required")
	}
	return nil
}

// hashBody is the canonical form fed to SHA-256. Vector clock counters
// and the timestamp are rendered fixed-width so encoding length never
// depends on magnitude.
type hashBody struct {
	ExecID        string            `json:"exec_id"`
	StepID        string            `json:"step_id"`
	Kind          string            `json:"kind"`
	PayloadDigest string            `json:"payload_digest"`
	Actor         string            `json:"actor"`
	NodeID        string            `json:"node_id"`
	Timestamp     string            `json:"timestamp"`
	PrevHash      string            `json:"prev_hash"`
	VectorClock   map[string]string `json:"vector_clock"`
}

// ComputeHash returns the record hash over every field except
// RecordHash and Signature.
func ComputeHash(r *Record) (string, error) {
	vc := make(map[string]string, len(r.VectorClock))
	for node, counter := range r.VectorClock {
		vc[node] = canonical.FixedUint(counter)
	}
	body := hashBody{
		ExecID:        r.ExecID,
		StepID:        r.StepID,
		Kind:          r.Kind,
		PayloadDigest: r.PayloadDigest,
		Actor:         r.Actor,
		NodeID:        r.NodeID,
		Timestamp:     canonical.FixedUint(uint64(r.Timestamp.UnixNano())),
		PrevHash:      r.PrevHash,
		VectorClock:   vc,
	}
	data, err := canonical.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal record hash body: %w", err)
	}
	return canonical.SHA256Hex(data), nil
}

// Clone returns a deep copy so callers can never mutate chain state.
func (r *Record) Clone() *Record {
	cp := *r
	cp.VectorClock = make(map[string]uint64, len(r.VectorClock))
	for node, counter := range r.VectorClock {
		cp.VectorClock[node] = counter
	}
	return &cp
}

func decodeSignature(sig string) ([]byte, error) {
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("decode record signature: %w", err)
	}
	return raw, nil
}
