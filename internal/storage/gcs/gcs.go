package gcs

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"
	"google.golang.org/api/iterator"

	storagepkg "github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
)

// GCSStorage implements the Storage interface using Google Cloud Storage.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// NewGCSStorage creates a new GCS storage client.
// It uses Application Default Credentials (ADC) for authentication.
func NewGCSStorage(ctx context.Context, bucket string) (*GCSStorage, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}

	return &GCSStorage{
		client: client,
		bucket: bucket,
	}, nil
}

// Put streams r into the object for key.
func (g *GCSStorage) Put(ctx context.Context, key storagepkg.ObjectKey, r io.Reader, size int64, contentType string) error {
	if err := storagepkg.ValidateObjectKey(key); err != nil {
		return err
	}
	if r == nil {
		return errors.New("reader is nil")
	}

	objectPath := storagepkg.FormatObjectPath(key)
	w := g.client.Bucket(g.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	if size > 0 && size < int64(w.ChunkSize) {
		// Small objects go up in a single request.
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to copy data to GCS object %s", objectPath)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to close GCS writer for %s", objectPath)
	}

	return nil
}

// Open returns a reader over the object, or ErrNotFound.
func (g *GCSStorage) Open(ctx context.Context, key storagepkg.ObjectKey) (io.ReadCloser, error) {
	if err := storagepkg.ValidateObjectKey(key); err != nil {
		return nil, err
	}

	objectPath := storagepkg.FormatObjectPath(key)
	r, err := g.client.Bucket(g.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrap(storagepkg.ErrNotFound, objectPath)
		}
		return nil, errors.Wrapf(err, "failed to open GCS object %s", objectPath)
	}
	return r, nil
}

// Delete removes the object; a missing object is ignored.
func (g *GCSStorage) Delete(ctx context.Context, key storagepkg.ObjectKey) error {
	if err := storagepkg.ValidateObjectKey(key); err != nil {
		return err
	}

	objectPath := storagepkg.FormatObjectPath(key)
	err := g.client.Bucket(g.bucket).Object(objectPath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "failed to delete GCS object %s", objectPath)
	}
	return nil
}

// List returns the names of the objects of one kind stored for a run.
func (g *GCSStorage) List(ctx context.Context, kind string, runID int64) ([]string, error) {
	prefix := storagepkg.ObjectPrefix(kind, runID)
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to list objects")
		}
		names = append(names, attrs.Name[len(prefix):])
	}
	return names, nil
}

// Close releases resources held by the storage client.
func (g *GCSStorage) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
