// Package storage persists qflow control-plane state: flow documents,
// execution manifests, and ledger archive references in NATS KV, plus
// per-execution directories and content-addressed blobs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/qflow/flow"
)

// Bucket names for each entity type. BucketBlobs is an object store
// bucket; the rest are KV. BucketControl holds operator knobs such as
// the manual degradation override.
const (
	BucketFlows      = "QFLOW_FLOWS"
	BucketExecutions = "QFLOW_EXECUTIONS"
	BucketArchives   = "QFLOW_ARCHIVES"
	BucketBlobs      = "QFLOW_BLOBS"
	BucketControl    = "QFLOW_CONTROL"
)

// StatusChange records a manifest status transition.
type StatusChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Manifest is the persisted snapshot of one execution: metadata, node
// assignments, and current status. The engine owns the live state; the
// manifest is what peers and the CLI read.
type Manifest struct {
	ExecutionID     string            `json:"execution_id"`
	FlowID          string            `json:"flow_id"`
	FlowVersion     string            `json:"flow_version,omitempty"`
	Status          string            `json:"status"`
	Priority        string            `json:"priority,omitempty"`
	Principal       string            `json:"principal,omitempty"`
	CurrentStep     string            `json:"current_step,omitempty"`
	CompletedSteps  []string          `json:"completed_steps,omitempty"`
	FailedSteps     []string          `json:"failed_steps,omitempty"`
	NodeAssignments map[string]string `json:"node_assignments,omitempty"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Transitions     []StatusChange    `json:"transitions,omitempty"`
}

// ArchiveRef points at an exported ledger archive in the blob store.
type ArchiveRef struct {
	ExecutionID string    `json:"execution_id"`
	ObjectName  string    `json:"object_name"`
	Digest      string    `json:"digest"`
	Records     int       `json:"records"`
	SizeBytes   int64     `json:"size_bytes"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Store provides flow and execution persistence backed by NATS KV.
type Store struct {
	flows      jetstream.KeyValue
	executions jetstream.KeyValue
	archives   jetstream.KeyValue
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	flows, err := getOrCreateBucket(ctx, js, BucketFlows)
	if err != nil {
		return nil, fmt.Errorf("create flows bucket: %w", err)
	}

	executions, err := getOrCreateBucket(ctx, js, BucketExecutions)
	if err != nil {
		return nil, fmt.Errorf("create executions bucket: %w", err)
	}

	archives, err := getOrCreateBucket(ctx, js, BucketArchives)
	if err != nil {
		return nil, fmt.Errorf("create archives bucket: %w", err)
	}

	return &Store{
		flows:      flows,
		executions: executions,
		archives:   archives,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("qflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// PutFlow stores or replaces a flow document. Registration idempotency
// checks happen in the engine; this is the raw write.
func (s *Store) PutFlow(ctx context.Context, f *flow.Flow) error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	if _, err := s.flows.Put(ctx, f.ID, data); err != nil {
		return fmt.Errorf("store flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow by ID.
func (s *Store) GetFlow(ctx context.Context, flowID string) (*flow.Flow, error) {
	entry, err := s.flows.Get(ctx, flowID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get flow: %w", err)
	}

	var f flow.Flow
	if err := json.Unmarshal(entry.Value(), &f); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &f, nil
}

// DeleteFlow removes a flow document.
func (s *Store) DeleteFlow(ctx context.Context, flowID string) error {
	if err := s.flows.Delete(ctx, flowID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

// ListFlows returns all stored flows.
func (s *Store) ListFlows(ctx context.Context) ([]*flow.Flow, error) {
	keys, err := s.flows.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list flow keys: %w", err)
	}

	flows := make([]*flow.Flow, 0, len(keys))
	for _, key := range keys {
		entry, err := s.flows.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var f flow.Flow
		if err := json.Unmarshal(entry.Value(), &f); err != nil {
			continue
		}
		flows = append(flows, &f)
	}
	return flows, nil
}

// CreateManifest stores a manifest for a new execution. Fails when the
// execution already exists.
func (s *Store) CreateManifest(ctx context.Context, m *Manifest) error {
	if m.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	m.UpdatedAt = time.Now()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := s.executions.Create(ctx, m.ExecutionID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

// PutManifest replaces a manifest unconditionally.
func (s *Store) PutManifest(ctx context.Context, m *Manifest) error {
	m.UpdatedAt = time.Now()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := s.executions.Put(ctx, m.ExecutionID, data); err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves a manifest by execution ID.
func (s *Store) GetManifest(ctx context.Context, executionID string) (*Manifest, error) {
	m, _, err := s.GetManifestRevision(ctx, executionID)
	return m, err
}

// GetManifestRevision retrieves a manifest together with its KV
// revision for compare-and-set updates.
func (s *Store) GetManifestRevision(ctx context.Context, executionID string) (*Manifest, uint64, error) {
	entry, err := s.executions.Get(ctx, executionID)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, 0, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, entry.Revision(), nil
}

// UpdateManifestCAS replaces a manifest only if the stored revision
// still matches. Lost races surface as an error from the KV layer.
func (s *Store) UpdateManifestCAS(ctx context.Context, m *Manifest, revision uint64) error {
	m.UpdatedAt = time.Now()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := s.executions.Update(ctx, m.ExecutionID, data, revision); err != nil {
		return fmt.Errorf("cas manifest %s@%d: %w", m.ExecutionID, revision, err)
	}
	return nil
}

// UpdateManifestStatus transitions a manifest's status and records the
// change, stamping end time on terminal states.
func (s *Store) UpdateManifestStatus(ctx context.Context, executionID, newStatus string) error {
	m, err := s.GetManifest(ctx, executionID)
	if err != nil {
		return err
	}

	oldStatus := m.Status
	now := time.Now()

	m.Status = newStatus
	m.UpdatedAt = now
	m.Transitions = append(m.Transitions, StatusChange{
		From:      oldStatus,
		To:        newStatus,
		Timestamp: now,
	})

	switch newStatus {
	case "completed", "failed", "aborted":
		if m.EndTime == nil {
			m.EndTime = &now
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := s.executions.Put(ctx, executionID, data); err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}
	return nil
}

// ListManifests returns all execution manifests.
func (s *Store) ListManifests(ctx context.Context) ([]*Manifest, error) {
	keys, err := s.executions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list manifest keys: %w", err)
	}

	manifests := make([]*Manifest, 0, len(keys))
	for _, key := range keys {
		entry, err := s.executions.Get(ctx, key)
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			continue
		}
		manifests = append(manifests, &m)
	}
	return manifests, nil
}

// DeleteManifest removes an execution manifest.
func (s *Store) DeleteManifest(ctx context.Context, executionID string) error {
	if err := s.executions.Delete(ctx, executionID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete manifest: %w", err)
	}
	return nil
}

// PutArchiveRef records where an execution's ledger archive lives.
func (s *Store) PutArchiveRef(ctx context.Context, ref *ArchiveRef) error {
	if ref.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal archive ref: %w", err)
	}
	if _, err := s.archives.Put(ctx, ref.ExecutionID, data); err != nil {
		return fmt.Errorf("store archive ref: %w", err)
	}
	return nil
}

// GetArchiveRef retrieves the archive reference for an execution.
func (s *Store) GetArchiveRef(ctx context.Context, executionID string) (*ArchiveRef, error) {
	entry, err := s.archives.Get(ctx, executionID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get archive ref: %w", err)
	}

	var ref ArchiveRef
	if err := json.Unmarshal(entry.Value(), &ref); err != nil {
		return nil, fmt.Errorf("unmarshal archive ref: %w", err)
	}
	return &ref, nil
}

// ListArchiveRefs returns all archive references.
func (s *Store) ListArchiveRefs(ctx context.Context) ([]*ArchiveRef, error) {
	keys, err := s.archives.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archive keys: %w", err)
	}

	refs := make([]*ArchiveRef, 0, len(keys))
	for _, key := range keys {
		entry, err := s.archives.Get(ctx, key)
		if err != nil {
			continue
		}
		var ref ArchiveRef
		if err := json.Unmarshal(entry.Value(), &ref); err != nil {
			continue
		}
		refs = append(refs, &ref)
	}
	return refs, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, jetstream.ErrKeyNotFound) || strings.Contains(err.Error(), "key not found")
}
