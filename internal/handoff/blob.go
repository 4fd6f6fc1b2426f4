package handoff

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

const blobSuffix = ".json.zst"

// Blob keeps handoffs as objects in blob storage, which keeps large chunks
// out of the database.
type Blob struct {
	storage storage.Storage
}

// NewBlob creates a blob-backed handoff store.
func NewBlob(s storage.Storage) *Blob {
	return &Blob{storage: s}
}

func key(runID int64, id string) storage.ObjectKey {
	return storage.ObjectKey{Kind: storage.KindHandoff, RunID: runID, Name: id + blobSuffix}
}

func (b *Blob) Save(ctx context.Context, runID int64, chunk tradefed.Chunk) (string, error) {
	payload, err := Encode(chunk)
	if err != nil {
		return "", err
	}
	id := newID()
	if err := b.storage.Put(ctx, key(runID, id), bytes.NewReader(payload), int64(len(payload)), "application/zstd"); err != nil {
		return "", errors.Wrapf(err, "failed to save handoff %s", id)
	}
	return id, nil
}

func (b *Blob) Load(ctx context.Context, runID int64, id string) (tradefed.Chunk, error) {
	r, err := b.storage.Open(ctx, key(runID, id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return tradefed.Chunk{}, errors.Mark(errors.Wrapf(err, "failed to load handoff %s", id), ErrNotFound)
		}
		return tradefed.Chunk{}, errors.Wrapf(err, "failed to load handoff %s", id)
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return tradefed.Chunk{}, errors.Wrapf(err, "failed to read handoff %s", id)
	}
	return Decode(payload)
}

func (b *Blob) Delete(ctx context.Context, runID int64, id string) error {
	return b.storage.Delete(ctx, key(runID, id))
}

func (b *Blob) Purge(ctx context.Context, runID int64) (int, error) {
	names, err := b.storage.List(ctx, storage.KindHandoff, runID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		id, ok := strings.CutSuffix(name, blobSuffix)
		if !ok {
			continue
		}
		if err := b.Delete(ctx, runID, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
