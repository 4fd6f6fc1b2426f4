package minio

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	storagepkg "github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
)

// MinIOStorage implements the Storage interface using MinIO (S3-compatible storage).
type MinIOStorage struct {
	client *minio.Client
	bucket string
}

// MinIOConfig holds the configuration for MinIO client initialization.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// NewMinIOStorage creates a new MinIO storage client and makes sure the
// bucket exists.
func NewMinIOStorage(ctx context.Context, config MinIOConfig) (*MinIOStorage, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if config.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if config.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MinIO client")
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check bucket existence")
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "failed to create bucket %s", config.Bucket)
		}
	}

	return &MinIOStorage{
		client: client,
		bucket: config.Bucket,
	}, nil
}

// Put streams r into the object for key. MinIO switches to a multipart
// upload when size is negative.
func (m *MinIOStorage) Put(ctx context.Context, key storagepkg.ObjectKey, r io.Reader, size int64, contentType string) error {
	if err := storagepkg.ValidateObjectKey(key); err != nil {
		return err
	}
	if r == nil {
		return errors.New("reader is nil")
	}
	if size < 0 {
		size = -1
	}

	objectPath := storagepkg.FormatObjectPath(key)
	_, err := m.client.PutObject(ctx, m.bucket, objectPath, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload MinIO object %s", objectPath)
	}
	return nil
}

// Open returns a reader over the object, or ErrNotFound.
func (m *MinIOStorage) Open(ctx context.Context, key storagepkg.ObjectKey) (io.ReadCloser, error) {
	if err := storagepkg.ValidateObjectKey(key); err != nil {
		return nil, err
	}

	objectPath := storagepkg.FormatObjectPath(key)
	obj, err := m.client.GetObject(ctx, m.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get MinIO object %s", objectPath)
	}

	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, errors.Wrap(storagepkg.ErrNotFound, objectPath)
		}
		return nil, errors.Wrapf(err, "failed to stat MinIO object %s", objectPath)
	}
	return obj, nil
}

// Delete removes the object; a missing object is ignored.
func (m *MinIOStorage) Delete(ctx context.Context, key storagepkg.ObjectKey) error {
	if err := storagepkg.ValidateObjectKey(key); err != nil {
		return err
	}

	objectPath := storagepkg.FormatObjectPath(key)
	if err := m.client.RemoveObject(ctx, m.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return errors.Wrapf(err, "failed to delete MinIO object %s", objectPath)
	}
	return nil
}

// List returns the names of the objects of one kind stored for a run.
func (m *MinIOStorage) List(ctx context.Context, kind string, runID int64) ([]string, error) {
	prefix := storagepkg.ObjectPrefix(kind, runID)
	objectCh := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var names []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, errors.Wrap(object.Err, "failed to list objects")
		}
		names = append(names, object.Key[len(prefix):])
	}
	return names, nil
}

// Close is a no-op; the MinIO client holds no resources that need releasing.
func (m *MinIOStorage) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
