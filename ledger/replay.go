package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/qerr"
)

// ErrReplayDone signals that a replay session has consumed every record.
var ErrReplayDone = errors.New("replay complete")

type replaySession struct {
	records   []*Record
	pos       int
	startedAt time.Time
}

// ReplaySummary describes a finished replay session.
type ReplaySummary struct {
	ExecID          string        `json:"exec_id"`
	RecordsReplayed int           `json:"records_replayed"`
	RecordsTotal    int           `json:"records_total"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// StartReplay opens a replay cursor over a snapshot of execID's chain.
// The chain is validated first; replaying a broken chain is refused.
// Only one session per execution may be open at a time.
func (l *Ledger) StartReplay(execID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain, ok := l.chains[execID]
	if !ok || len(chain) == 0 {
		return qerr.Newf(qerr.KindExecutionNotFound, "no ledger for execution %s", execID)
	}
	if _, active := l.replays[execID]; active {
		return qerr.Newf(qerr.KindDuplicate, "replay already active for execution %s", execID)
	}
	if report := l.validateChain(execID, chain); !report.IsValid {
		return qerr.Newf(qerr.KindLedgerIntegrity, "refusing replay of invalid chain %s: %v", execID, report.Errors)
	}
	snapshot := make([]*Record, len(chain))
	for i, rec := range chain {
		snapshot[i] = rec.Clone()
	}
	l.replays[execID] = &replaySession{records: snapshot, startedAt: l.now().UTC()}
	return nil
}

// NextReplayRecord returns the next record of the open session, in
// original append order. ErrReplayDone after the last record.
func (l *Ledger) NextReplayRecord(execID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.replays[execID]
	if !ok {
		return nil, qerr.Newf(qerr.KindExecutionNotFound, "no replay session for execution %s", execID)
	}
	if session.pos >= len(session.records) {
		return nil, ErrReplayDone
	}
	rec := session.records[session.pos]
	session.pos++
	return rec, nil
}

// CompleteReplay closes the session and reports how far it got.
func (l *Ledger) CompleteReplay(execID string) (*ReplaySummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.replays[execID]
	if !ok {
		return nil, qerr.Newf(qerr.KindExecutionNotFound, "no replay session for execution %s", execID)
	}
	delete(l.replays, execID)
	return &ReplaySummary{
		ExecID:          execID,
		RecordsReplayed: session.pos,
		RecordsTotal:    len(session.records),
		StartedAt:       session.startedAt,
		Duration:        l.now().UTC().Sub(session.startedAt),
	}, nil
}

// CallJournal records host-shim results during live execution and
// serves them back during deterministic replay, satisfying
// capability.ReplaySource. Calls with identical (module, function,
// args) replay in first-in first-out order so repeated identical calls
// stay distinguishable.
type CallJournal struct {
	mu    sync.Mutex
	calls map[string][]journaledCall
}

type journaledCall struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	ArgsHash string `json:"args_hash"`
	Result   any    `json:"result"`
}

// NewCallJournal returns an empty journal.
func NewCallJournal() *CallJournal {
	return &CallJournal{calls: make(map[string][]journaledCall)}
}

func callKey(module, function string, args []any) (string, error) {
	argsHash, err := canonical.Digest(args)
	if err != nil {
		return "", fmt.Errorf("digest call args: %w", err)
	}
	return module + "\x00" + function + "\x00" + argsHash, nil
}

// Record stores the result of one live host call.
func (j *CallJournal) Record(module, function string, args []any, result any) error {
	key, err := callKey(module, function, args)
	if err != nil {
		return err
	}
	argsHash := key[len(module)+len(function)+2:]
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls[key] = append(j.calls[key], journaledCall{
		Module:   module,
		Function: function,
		ArgsHash: argsHash,
		Result:   result,
	})
	return nil
}

// ReplayResult implements capability.ReplaySource: it pops the oldest
// recorded result for the call, or reports a miss.
func (j *CallJournal) ReplayResult(module, function string, args []any) (any, bool) {
	key, err := callKey(module, function, args)
	if err != nil {
		return nil, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	queue := j.calls[key]
	if len(queue) == 0 {
		return nil, false
	}
	call := queue[0]
	j.calls[key] = queue[1:]
	return call.Result, true
}

// Len returns the number of journaled calls not yet replayed.
func (j *CallJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, queue := range j.calls {
		n += len(queue)
	}
	return n
}

// Snapshot exports the remaining journal contents for archival.
func (j *CallJournal) Snapshot() map[string][]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string][]any, len(j.calls))
	for key, queue := range j.calls {
		results := make([]any, len(queue))
		for i, call := range queue {
			results[i] = call.Result
		}
		out[key] = results
	}
	return out
}
