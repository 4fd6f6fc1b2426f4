package minio

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagepkg "github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
)

func TestNewMinIOStorage(t *testing.T) {
	valid := MinIOConfig{
		Endpoint:        "localhost:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		Bucket:          "tradefed",
	}

	tests := []struct {
		name     string
		mutate   func(*MinIOConfig)
		errorMsg string
	}{
		{name: "empty endpoint", mutate: func(c *MinIOConfig) { c.Endpoint = "" }, errorMsg: "endpoint is required"},
		{name: "empty access key ID", mutate: func(c *MinIOConfig) { c.AccessKeyID = "" }, errorMsg: "access key ID is required"},
		{name: "empty secret access key", mutate: func(c *MinIOConfig) { c.SecretAccessKey = "" }, errorMsg: "secret access key is required"},
		{name: "empty bucket name", mutate: func(c *MinIOConfig) { c.Bucket = "" }, errorMsg: "bucket name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			storage, err := NewMinIOStorage(context.Background(), config)
			require.Error(t, err)
			assert.Nil(t, storage)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestMinIOStorage_Validation(t *testing.T) {
	m := &MinIOStorage{bucket: "tradefed"}
	ctx := context.Background()

	err := m.Put(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindAttachment, Name: "x"}, strings.NewReader("x"), 1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run id is required")

	err = m.Put(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindAttachment, RunID: 1, Name: "x"}, nil, 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reader is nil")

	_, err = m.Open(ctx, storagepkg.ObjectKey{Kind: "screenshots", RunID: 1, Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")

	err = m.Delete(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindHandoff, RunID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestIsNoSuchKey(t *testing.T) {
	assert.True(t, isNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNoSuchKey(errors.New("connection refused")))
}

func TestMinIOStorage_Close(t *testing.T) {
	assert.NoError(t, (&MinIOStorage{}).Close())
}
