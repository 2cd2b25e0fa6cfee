package cursor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// CheckpointConfig controls periodic S3 snapshots of the badger state
// directory.
type CheckpointConfig struct {
	Enabled bool

	S3 struct {
		Enabled   bool
		Bucket    string
		Region    string
		AccessKey string
		SecretKey string
		Endpoint  string
		Prefix    string
	}
}

// BadgerStore keeps cursors for many streams in one badger database. Used by
// deployments running several producers out of a shared state volume, where
// per-stream files get unwieldy.
type BadgerStore struct {
	db       *badger.DB
	basePath string
	name     string
	cp       CheckpointConfig
}

func NewBadgerStore(dir, name string, cp CheckpointConfig) (*BadgerStore, error) {
	path := filepath.Join(dir, name, "badger")
	if err := os.MkdirAll(path, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create state path: %w", err)
	}

	st := &BadgerStore{basePath: path, name: name, cp: cp}

	// An empty directory is a fresh host: pull the last checkpoint if one
	// exists before opening the database.
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state path: %w", err)
	}
	if len(entries) == 0 {
		if restoreErr := st.RestoreCheckpointIfAvailable(); restoreErr != nil {
			return nil, fmt.Errorf("failed to restore checkpoint: %w", restoreErr)
		}
	} else {
		log.Printf("[Cursor] Skipping checkpoint restore for %s: directory is not empty", name)
	}

	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	st.db = db
	return st, nil
}

func cursorKey(streamID string) []byte {
	return fmt.Appendf(nil, "cursor:%s", streamID)
}

func (s *BadgerStore) Load(streamID string) (int64, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(streamID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			data = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor for %s: %w", streamID, err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, false, fmt.Errorf("%w: unparsable cursor record for %s: %v", ErrCorruptState, streamID, err)
	}
	if err := c.verify(); err != nil {
		return 0, false, err
	}
	return c.LastSequenceKey, true, nil
}

func (s *BadgerStore) Save(streamID string, key int64) error {
	if prev, ok, err := s.Load(streamID); err != nil {
		return err
	} else if ok && key < prev {
		return fmt.Errorf("cursor for %s would regress from %d to %d", streamID, prev, key)
	}

	data, err := json.Marshal(newCursor(streamID, key))
	if err != nil {
		return fmt.Errorf("marshal cursor for %s: %w", streamID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(streamID), data)
	})
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", streamID, err)
	}

	log.Printf("[Cursor] Stream %s advanced to %d", streamID, key)
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
