package handoff

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

// Database keeps handoffs in the handoffs table next to the results.
type Database struct {
	store *store.Store
}

// NewDatabase creates a database-backed handoff store.
func NewDatabase(s *store.Store) *Database {
	return &Database{store: s}
}

func (d *Database) Save(ctx context.Context, runID int64, chunk tradefed.Chunk) (string, error) {
	payload, err := Encode(chunk)
	if err != nil {
		return "", err
	}
	id := newID()
	if err := d.store.SaveHandoff(ctx, &store.Handoff{ID: id, TestRunID: runID, Payload: payload}); err != nil {
		return "", err
	}
	return id, nil
}

func (d *Database) Load(ctx context.Context, _ int64, id string) (tradefed.Chunk, error) {
	h, err := d.store.LoadHandoff(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return tradefed.Chunk{}, errors.Mark(err, ErrNotFound)
		}
		return tradefed.Chunk{}, err
	}
	return Decode(h.Payload)
}

func (d *Database) Delete(ctx context.Context, _ int64, id string) error {
	return d.store.DeleteHandoff(ctx, id)
}

func (d *Database) Purge(ctx context.Context, runID int64) (int, error) {
	n, err := d.store.PurgeHandoffs(ctx, runID)
	return int(n), err
}
