package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/qflow/canonical"
)

// BlobStore stores opaque payloads addressed by their SHA-256 digest.
// Put is idempotent: storing the same bytes twice yields the same
// digest and one stored copy.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
}

// FSBlobStore is a filesystem BlobStore sharded by digest prefix.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates the root directory if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store root: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) path(digest string) (string, error) {
	if len(digest) < 3 {
		return "", fmt.Errorf("digest %q too short", digest)
	}
	if err := safeSegment(digest, "digest"); err != nil {
		return "", err
	}
	return filepath.Join(s.root, digest[:2], digest), nil
}

// Put stores data and returns its digest.
func (s *FSBlobStore) Put(_ context.Context, data []byte) (string, error) {
	digest := canonical.SHA256Hex(data)
	path, err := s.path(digest)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return digest, nil // content-addressed, already stored
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return digest, nil
}

// Get returns the bytes for digest, or ErrNotFound.
func (s *FSBlobStore) Get(_ context.Context, digest string) ([]byte, error) {
	path, err := s.path(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// ObjectBlobStore is a BlobStore backed by a NATS object store bucket,
// used when blobs must be reachable from every node.
type ObjectBlobStore struct {
	bucket jetstream.ObjectStore
}

// NewObjectBlobStore opens or creates the named object store bucket.
func NewObjectBlobStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectBlobStore, error) {
	store, err := js.ObjectStore(ctx, bucket)
	if err == nil {
		return &ObjectBlobStore{bucket: store}, nil
	}
	store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "qflow content-addressed blobs",
	})
	if err != nil {
		return nil, fmt.Errorf("create object store bucket: %w", err)
	}
	return &ObjectBlobStore{bucket: store}, nil
}

// Put stores data under its digest.
func (s *ObjectBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := canonical.SHA256Hex(data)
	if _, err := s.bucket.PutBytes(ctx, digest, data); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return digest, nil
}

// Get returns the bytes for digest, or ErrNotFound.
func (s *ObjectBlobStore) Get(ctx context.Context, digest string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, digest)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
