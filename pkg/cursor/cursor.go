package cursor

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrCorruptState distinguishes an unreadable cursor from a missing one.
// A missing cursor means a cold start; a corrupt one needs an operator.
var ErrCorruptState = errors.New("cursor state corrupted")

// Cursor is the durable high-water-mark for one stream. LastSequenceKey is
// non-decreasing for the lifetime of the stream.
type Cursor struct {
	StreamID        string    `json:"stream_id"`
	LastSequenceKey int64     `json:"last_sequence_key"`
	UpdatedAt       time.Time `json:"updated_at"`
	Checksum        uint64    `json:"checksum"`
}

// Store persists cursors. Exactly one active producer owns a stream's cursor;
// implementations do not arbitrate concurrent writers.
type Store interface {
	// Load returns the stored sequence key, or ok=false on a cold start.
	Load(streamID string) (key int64, ok bool, err error)
	// Save persists a new high-water-mark. Regressions are rejected.
	Save(streamID string, key int64) error
	Close() error
}

func checksum(streamID string, key int64, updatedAt time.Time) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s|%d|%d", streamID, key, updatedAt.UnixNano()))
}

func (c Cursor) verify() error {
	if c.StreamID == "" {
		return fmt.Errorf("%w: missing stream id", ErrCorruptState)
	}
	if want := checksum(c.StreamID, c.LastSequenceKey, c.UpdatedAt); c.Checksum != want {
		return fmt.Errorf("%w: checksum mismatch for stream %s (stored %d, computed %d)",
			ErrCorruptState, c.StreamID, c.Checksum, want)
	}
	return nil
}

func newCursor(streamID string, key int64) Cursor {
	now := time.Now().UTC()
	return Cursor{
		StreamID:        streamID,
		LastSequenceKey: key,
		UpdatedAt:       now,
		Checksum:        checksum(streamID, key, now),
	}
}
