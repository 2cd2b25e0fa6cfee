package cursor

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

const dirMode = 0o755 // Default directory permissions

var json = jsoniter.ConfigFastest

// FileStore keeps one JSON cursor file per stream under a state directory.
// Saves are atomic (write to temp, fsync, rename) so a crash mid-write never
// leaves a truncated cursor behind.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(streamID string) string {
	return filepath.Join(s.dir, streamID+".cursor.json")
}

func (s *FileStore) Load(streamID string) (int64, bool, error) {
	data, err := os.ReadFile(s.path(streamID))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor for %s: %w", streamID, err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, false, fmt.Errorf("%w: unparsable cursor file for %s: %v", ErrCorruptState, streamID, err)
	}
	if err := c.verify(); err != nil {
		return 0, false, err
	}
	if c.StreamID != streamID {
		return 0, false, fmt.Errorf("%w: cursor file for %s names stream %s", ErrCorruptState, streamID, c.StreamID)
	}
	return c.LastSequenceKey, true, nil
}

func (s *FileStore) Save(streamID string, key int64) error {
	if prev, ok, err := s.Load(streamID); err != nil {
		return err
	} else if ok && key < prev {
		return fmt.Errorf("cursor for %s would regress from %d to %d", streamID, prev, key)
	}

	data, err := json.Marshal(newCursor(streamID, key))
	if err != nil {
		return fmt.Errorf("marshal cursor for %s: %w", streamID, err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(s.dir, streamID+".cursor.*")
	if err != nil {
		return fmt.Errorf("create temp cursor: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cursor: %w", err)
	}

	if err := os.Rename(tmpName, s.path(streamID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cursor for %s: %w", streamID, err)
	}

	log.Printf("[Cursor] Stream %s advanced to %d", streamID, key)
	return nil
}

func (s *FileStore) Close() error { return nil }
