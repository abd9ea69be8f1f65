package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/qflow/canonical"
	"github.com/c360studio/qflow/ledger"
)

// DirStore keeps one directory per execution on the local filesystem:
//
//	<root>/<executionID>/ledger.jsonl         append-only canonical records
//	<root>/<executionID>/manifest.json        execution metadata snapshot
//	<root>/<executionID>/results/<stepID>.cid step result content digests
//
// Records and manifests are written canonically so the on-disk bytes
// are reproducible for identical state. DirStore implements
// ledger.Sink.
type DirStore struct {
	root string
	mu   sync.Mutex
}

const (
	ledgerFile   = "ledger.jsonl"
	manifestFile = "manifest.json"
	resultsDir   = "results"
)

// NewDirStore creates root if needed and returns the store.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("dir store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create dir store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the store's base directory.
func (d *DirStore) Root() string { return d.root }

func safeSegment(name, what string) error {
	if name == "" {
		return fmt.Errorf("%s is required", what)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%s %q is not a valid path segment", what, name)
	}
	return nil
}

func (d *DirStore) execDir(executionID string) (string, error) {
	if err := safeSegment(executionID, "execution id"); err != nil {
		return "", err
	}
	return filepath.Join(d.root, executionID), nil
}

// AppendRecord implements ledger.Sink: it appends one canonical JSON
// line to the execution's ledger.jsonl.
func (d *DirStore) AppendRecord(_ context.Context, rec *ledger.Record) error {
	dir, err := d.execDir(rec.ExecID)
	if err != nil {
		return err
	}
	line, err := canonical.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create execution dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, ledgerFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	return f.Sync()
}

// ReadRecords loads the persisted chain for an execution in append
// order.
func (d *DirStore) ReadRecords(executionID string) ([]*ledger.Record, error) {
	dir, err := d.execDir(executionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, ledgerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	var records []*ledger.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec ledger.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse ledger line %d: %w", len(records)+1, err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	return records, nil
}

// WriteManifest stores the manifest snapshot atomically.
func (d *DirStore) WriteManifest(m *Manifest) error {
	dir, err := d.execDir(m.ExecutionID)
	if err != nil {
		return err
	}
	data, err := canonical.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create execution dir: %w", err)
	}
	return atomicWrite(filepath.Join(dir, manifestFile), data)
}

// ReadManifest loads the persisted manifest.
func (d *DirStore) ReadManifest(executionID string) (*Manifest, error) {
	dir, err := d.execDir(executionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

// WriteResultDigest records the content digest of a step result.
func (d *DirStore) WriteResultDigest(executionID, stepID, digest string) error {
	dir, err := d.execDir(executionID)
	if err != nil {
		return err
	}
	if err := safeSegment(stepID, "step id"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	resDir := filepath.Join(dir, resultsDir)
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	return atomicWrite(filepath.Join(resDir, stepID+".cid"), []byte(digest+"\n"))
}

// ReadResultDigest returns the recorded digest for a step result.
func (d *DirStore) ReadResultDigest(executionID, stepID string) (string, error) {
	dir, err := d.execDir(executionID)
	if err != nil {
		return "", err
	}
	if err := safeSegment(stepID, "step id"); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, resultsDir, stepID+".cid"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read result digest: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ListExecutions returns the executions with a directory, sorted.
func (d *DirStore) ListExecutions() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveExecution deletes an execution's directory tree.
func (d *DirStore) RemoveExecution(executionID string) error {
	dir, err := d.execDir(executionID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove execution dir: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
