// Package handoff carries serialized chunks from the dispatcher to the
// workers. A handoff lives from dispatch until its worker finishes or gives
// up on it.
package handoff

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

var (
	// ErrNotFound is returned by Load when the handoff is gone.
	ErrNotFound = errors.New("handoff not found")

	// ErrCorrupt is returned by Load when the payload cannot be decoded.
	ErrCorrupt = errors.New("corrupt handoff")
)

// Store persists chunks by opaque id.
type Store interface {
	// Save serializes chunk and returns the id it is stored under.
	Save(ctx context.Context, runID int64, chunk tradefed.Chunk) (string, error)

	// Load returns the chunk stored under id.
	Load(ctx context.Context, runID int64, id string) (tradefed.Chunk, error)

	// Delete removes a handoff. Deleting a missing handoff is not an error.
	Delete(ctx context.Context, runID int64, id string) error

	// Purge removes every handoff left for a run and returns how many
	// there were.
	Purge(ctx context.Context, runID int64) (int, error)
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

func newID() string {
	return uuid.NewString()
}

// Encode serializes a chunk as zstd-compressed JSON.
func Encode(chunk tradefed.Chunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode chunk")
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

// Decode reverses Encode.
func Decode(payload []byte) (tradefed.Chunk, error) {
	var chunk tradefed.Chunk
	data, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return chunk, errors.Mark(errors.Wrap(err, "failed to decompress chunk"), ErrCorrupt)
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return chunk, errors.Mark(errors.Wrap(err, "failed to decode chunk"), ErrCorrupt)
	}
	return chunk, nil
}
