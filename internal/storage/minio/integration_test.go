package minio

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagepkg "github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/testutil"
)

// TestMinIOStorage_Integration runs against a real MinIO instance.
func TestMinIOStorage_Integration(t *testing.T) {
	ctx := context.Background()
	endpoint := testutil.StartMinIO(t)

	storage, err := NewMinIOStorage(ctx, MinIOConfig{
		Endpoint:        endpoint,
		AccessKeyID:     testutil.MinIOUser,
		SecretAccessKey: testutil.MinIOPassword,
		Bucket:          "tradefed-attachments",
	})
	require.NoError(t, err)
	defer storage.Close()

	read := func(t *testing.T, key storagepkg.ObjectKey) []byte {
		t.Helper()
		r, err := storage.Open(ctx, key)
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		return data
	}

	t.Run("put and open cycle", func(t *testing.T) {
		key := storagepkg.ObjectKey{Kind: storagepkg.KindAttachment, RunID: 1, Name: "test_results.xml"}
		data := []byte(`<Result><Module name="foo"/></Result>`)

		require.NoError(t, storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/xml"))
		assert.Equal(t, data, read(t, key))
	})

	t.Run("unknown size", func(t *testing.T) {
		key := storagepkg.ObjectKey{Kind: storagepkg.KindHandoff, RunID: 1, Name: "chunk.json.zst"}
		data := []byte(strings.Repeat("x", 4096))

		require.NoError(t, storage.Put(ctx, key, bytes.NewReader(data), -1, "application/zstd"))
		assert.Equal(t, data, read(t, key))
	})

	t.Run("overwrite", func(t *testing.T) {
		key := storagepkg.ObjectKey{Kind: storagepkg.KindAttachment, RunID: 2, Name: "logo.png"}
		require.NoError(t, storage.Put(ctx, key, strings.NewReader("first"), 5, "image/png"))
		require.NoError(t, storage.Put(ctx, key, strings.NewReader("second"), 6, "image/png"))
		assert.Equal(t, []byte("second"), read(t, key))
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := storage.Open(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindAttachment, RunID: 99, Name: "nope"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, storagepkg.ErrNotFound))
	})

	t.Run("list and delete", func(t *testing.T) {
		for _, name := range []string{"a", "b", "c"} {
			key := storagepkg.ObjectKey{Kind: storagepkg.KindHandoff, RunID: 5, Name: name}
			require.NoError(t, storage.Put(ctx, key, strings.NewReader(name), 1, "text/plain"))
		}
		require.NoError(t, storage.Put(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindHandoff, RunID: 55, Name: "z"}, strings.NewReader("z"), 1, ""))

		names, err := storage.List(ctx, storagepkg.KindHandoff, 5)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, names)

		for _, name := range names {
			require.NoError(t, storage.Delete(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindHandoff, RunID: 5, Name: name}))
		}
		require.NoError(t, storage.Delete(ctx, storagepkg.ObjectKey{Kind: storagepkg.KindHandoff, RunID: 5, Name: "a"}))

		names, err = storage.List(ctx, storagepkg.KindHandoff, 5)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("large object", func(t *testing.T) {
		key := storagepkg.ObjectKey{Kind: storagepkg.KindAttachment, RunID: 3, Name: "tradefed_logcat.txt"}
		var buf strings.Builder
		for i := 0; i < 20000; i++ {
			buf.WriteString("01-01 00:00:00.000  1234  1234 I ActivityManager: Start proc\n")
		}
		data := []byte(buf.String())

		require.NoError(t, storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "text/plain"))
		assert.Equal(t, len(data), len(read(t, key)))
	})
}
