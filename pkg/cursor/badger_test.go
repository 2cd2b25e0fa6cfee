package cursor

import (
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func TestBadgerStoreSaveLoad(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), "transfers", CheckpointConfig{})
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Load("transfers")
	if err != nil {
		t.Fatalf("Load on cold start failed: %v", err)
	}
	if ok {
		t.Error("Expected ok=false on cold start")
	}

	if err := store.Save("transfers", 21); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	key, ok, err := store.Load("transfers")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok || key != 21 {
		t.Errorf("Expected (21, true), got (%d, %v)", key, ok)
	}
}

func TestBadgerStoreRejectsRegression(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), "transfers", CheckpointConfig{})
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Save("transfers", 50); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("transfers", 49); err == nil {
		t.Error("Expected error when cursor regresses, got nil")
	}
}

func TestBadgerStoreCorruptRecord(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), "transfers", CheckpointConfig{})
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	defer store.Close()

	// Write garbage directly under the cursor key.
	if err := store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey("transfers"), []byte("{broken"))
	}); err != nil {
		t.Fatalf("Failed to plant corrupt record: %v", err)
	}

	_, _, err = store.Load("transfers")
	if !errors.Is(err, ErrCorruptState) {
		t.Errorf("Expected ErrCorruptState for corrupt record, got %v", err)
	}
}
