package flowrunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// flowWatcher registers flow definitions dropped into a directory.
// Changes debounce before parsing, and unchanged content is skipped by
// hash so editor save storms register once.
type flowWatcher struct {
	dir      string
	register func(ctx context.Context, doc []byte) error
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: collect changed paths before processing
	pendingMu sync.Mutex
	pending   map[string]struct{}

	// path → content hash, touched from the run goroutine only
	hashes map[string]string
}

func newFlowWatcher(dir string, register func(ctx context.Context, doc []byte) error, logger *slog.Logger) (*flowWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return &flowWatcher{
		dir:      dir,
		register: register,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]struct{}),
		hashes:   make(map[string]string),
	}, nil
}

// close stops the underlying filesystem watcher, which also ends run.
func (w *flowWatcher) close() {
	_ = w.watcher.Close()
}

// run registers existing definitions, then processes change events
// with debouncing until the context ends or the watcher closes.
func (w *flowWatcher) run(ctx context.Context) {
	w.scan(ctx)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Flow watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

// scan registers every definition already present in the directory.
func (w *flowWatcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("Cannot scan flow directory", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isFlowFile(entry.Name()) {
			continue
		}
		w.load(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// handleFSEvent accumulates a change for the next debounce flush.
func (w *flowWatcher) handleFSEvent(event fsnotify.Event) {
	if !isFlowFile(filepath.Base(event.Name)) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("Flow file change detected",
		"path", event.Name,
		"op", event.Op.String())
}

// flushPending processes accumulated changes.
func (w *flowWatcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := make([]string, 0, len(w.pending))
	for path := range w.pending {
		toProcess = append(toProcess, path)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, path := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			// Registered flows stay registered; dropping the hash only
			// lets a re-created file register again.
			delete(w.hashes, path)
			w.logger.Info("Flow definition removed", "path", path)
			continue
		}
		w.load(ctx, path)
	}
}

// load reads, dedups, and registers one definition file.
func (w *flowWatcher) load(ctx context.Context, path string) {
	doc, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Cannot read flow definition", "path", path, "error", err)
		return
	}

	sum := sha256.Sum256(doc)
	hash := hex.EncodeToString(sum[:])
	if w.hashes[path] == hash {
		return
	}

	if err := w.register(ctx, doc); err != nil {
		w.logger.Warn("Cannot register flow definition", "path", path, "error", err)
		return
	}
	w.hashes[path] = hash
	w.logger.Info("Flow definition registered", "path", path)
}

// isFlowFile reports whether a file name looks like a flow definition.
func isFlowFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
