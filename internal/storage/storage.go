// Package storage stores opaque blobs: serialized chunk handoffs and run
// attachments.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Object kinds.
const (
	KindHandoff    = "handoffs"
	KindAttachment = "attachments"
)

// ErrNotFound is returned by Open when the object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectKey identifies a blob.
// Storage path format: {kind}/{run_id}/{name}
type ObjectKey struct {
	Kind  string
	RunID int64
	Name  string
}

// Storage defines the interface for blob persistence.
// Implementations include GCS for production and MinIO for self-hosted setups.
type Storage interface {
	// Put stores the contents of r under key. A negative size means the
	// length is unknown.
	Put(ctx context.Context, key ObjectKey, r io.Reader, size int64, contentType string) error

	// Open returns a reader over the object. Returns ErrNotFound when the
	// object does not exist.
	Open(ctx context.Context, key ObjectKey) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key ObjectKey) error

	// List returns the names of the objects of one kind stored for a run.
	List(ctx context.Context, kind string, runID int64) ([]string, error)

	// Close releases any resources held by the storage client.
	Close() error
}

// FormatObjectPath creates the object path from a key.
func FormatObjectPath(key ObjectKey) string {
	return ObjectPrefix(key.Kind, key.RunID) + key.Name
}

// ObjectPrefix is the path prefix shared by the objects of one kind for a run.
func ObjectPrefix(kind string, runID int64) string {
	return fmt.Sprintf("%s/%d/", kind, runID)
}

// ValidateObjectKey validates that the key fields are usable as a path.
func ValidateObjectKey(key ObjectKey) error {
	switch key.Kind {
	case KindHandoff, KindAttachment:
	case "":
		return errors.New("kind is required")
	default:
		return errors.Newf("unknown kind %q", key.Kind)
	}
	if key.RunID <= 0 {
		return errors.New("run id is required")
	}
	if key.Name == "" {
		return errors.New("name is required")
	}
	if strings.Contains(key.Name, "..") || strings.HasPrefix(key.Name, "/") {
		return errors.Newf("invalid object name %q", key.Name)
	}
	return nil
}

// Memory keeps objects in process memory. It backs the local runner and
// tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key ObjectKey, r io.Reader, _ int64, _ string) error {
	if err := ValidateObjectKey(key); err != nil {
		return err
	}
	if r == nil {
		return errors.New("reader is nil")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "failed to read object %s", FormatObjectPath(key))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[FormatObjectPath(key)] = data
	return nil
}

func (m *Memory) Open(ctx context.Context, key ObjectKey) (io.ReadCloser, error) {
	if err := ValidateObjectKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[FormatObjectPath(key)]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, FormatObjectPath(key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(ctx context.Context, key ObjectKey) error {
	if err := ValidateObjectKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, FormatObjectPath(key))
	return nil
}

func (m *Memory) List(ctx context.Context, kind string, runID int64) ([]string, error) {
	prefix := ObjectPrefix(kind, runID)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for path := range m.objects {
		if name, ok := strings.CutPrefix(path, prefix); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Close() error {
	return nil
}
