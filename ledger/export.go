package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/qflow/qerr"
	"github.com/c360studio/qflow/signing"
)

// ExportVersion is bumped on breaking changes to the archive shape.
const ExportVersion = 1

// KeyInfo carries a node's public key so imported chains can be
// verified on the receiving side.
type KeyInfo struct {
	Algorithm string `json:"algorithm"`
	PublicKey []byte `json:"public_key"`
}

// Export is a portable archive of ledger chains plus the keys needed
// to verify them.
type Export struct {
	Version    int                  `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	NodeID     string               `json:"node_id"`
	Chains     map[string][]*Record `json:"chains"`
	Keys       map[string]KeyInfo   `json:"keys"`
}

// Export archives the chains for the given executions, or every chain
// when none are named. Unknown executions are an error.
func (l *Ledger) Export(execIDs ...string) (*Export, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(execIDs) == 0 {
		execIDs = make([]string, 0, len(l.chains))
		for id := range l.chains {
			execIDs = append(execIDs, id)
		}
		sort.Strings(execIDs)
	}

	exp := &Export{
		Version:    ExportVersion,
		ExportedAt: l.now().UTC(),
		NodeID:     l.nodeID,
		Chains:     make(map[string][]*Record, len(execIDs)),
		Keys:       make(map[string]KeyInfo),
	}
	for _, execID := range execIDs {
		chain, ok := l.chains[execID]
		if !ok {
			return nil, qerr.Newf(qerr.KindExecutionNotFound, "no ledger for execution %s", execID)
		}
		records := make([]*Record, len(chain))
		for i, rec := range chain {
			records[i] = rec.Clone()
		}
		exp.Chains[execID] = records
		for _, rec := range records {
			if info, ok := l.keyInfo[rec.NodeID]; ok {
				exp.Keys[rec.NodeID] = info
			}
		}
	}
	return exp, nil
}

// Import merges an exported archive. Every chain is re-verified with
// the archive's keys before anything is accepted. A chain for an
// execution already present locally must extend the local chain (same
// records, possibly more); divergence is rejected as LEDGER_INTEGRITY
// and the whole import aborts without side effects.
func (l *Ledger) Import(exp *Export) error {
	if exp == nil {
		return qerr.New(qerr.KindRequiredField, "import: archive is nil")
	}
	if exp.Version != ExportVersion {
		return qerr.Newf(qerr.KindParse, "import: unsupported archive version %d", exp.Version)
	}

	verifiers := make(map[string]KeyInfo, len(exp.Keys))
	for nodeID, info := range exp.Keys {
		verifiers[nodeID] = info
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Stage keys so verification sees archive keys plus local trust.
	staged := make(map[string]KeyInfo)
	for nodeID, info := range verifiers {
		if _, known := l.keys[nodeID]; known {
			continue
		}
		if nodeID == l.nodeID {
			continue
		}
		staged[nodeID] = info
	}
	for nodeID, info := range staged {
		v, err := signing.NewVerifier(info.Algorithm, info.PublicKey)
		if err != nil {
			return fmt.Errorf("import key for %s: %w", nodeID, err)
		}
		l.keys[nodeID] = v
		l.keyInfo[nodeID] = info
	}

	accepted := make(map[string][]*Record, len(exp.Chains))
	for execID, records := range exp.Chains {
		report := l.validateChain(execID, records)
		if !report.IsValid {
			l.unstageKeys(staged)
			return qerr.Newf(qerr.KindLedgerIntegrity, "import %s: archive chain invalid: %v", execID, report.Errors)
		}
		local := l.chains[execID]
		if len(local) > len(records) {
			l.unstageKeys(staged)
			return qerr.Newf(qerr.KindLedgerIntegrity, "import %s: archive chain shorter than local (%d < %d)", execID, len(records), len(local))
		}
		for i, rec := range local {
			if rec.RecordHash != records[i].RecordHash {
				l.unstageKeys(staged)
				return qerr.Newf(qerr.KindLedgerIntegrity, "import %s: chain diverges at record %d", execID, i)
			}
		}
		if len(records) > len(local) {
			merged := make([]*Record, len(records))
			copy(merged, local)
			for i := len(local); i < len(records); i++ {
				merged[i] = records[i].Clone()
			}
			accepted[execID] = merged
		}
	}
	for execID, merged := range accepted {
		l.chains[execID] = merged
	}
	return nil
}

func (l *Ledger) unstageKeys(staged map[string]KeyInfo) {
	for nodeID := range staged {
		delete(l.keys, nodeID)
		delete(l.keyInfo, nodeID)
	}
}
