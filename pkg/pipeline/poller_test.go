package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPoller(source Source, broker *memBroker, cursors *memCursor) *Poller {
	pub := NewPublisher(broker, cursors, "transfers", "transfers-stream", "test-producer")
	return NewPoller(
		source, pub, cursors, "transfers-stream",
		10*time.Millisecond, 10*time.Millisecond,
		FieldSequenceKey("blockNumber"),
		FieldPartitionKey("contractAddress", FallbackPartitionKey),
	)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestPollerRepollIsIdempotent(t *testing.T) {
	source := &fakeSource{}
	source.add(transferRows(10, 11, 12)...)
	broker := newMemBroker()
	cursors := newMemCursor()
	poller := newTestPoller(source, broker, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	// Let the poller go around several times with no new rows.
	waitFor(t, 2*time.Second, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.calls >= 4
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Poller.Run returned error: %v", err)
	}

	if broker.publishedCount() != 3 {
		t.Errorf("Expected exactly 3 published records across re-polls, got %d", broker.publishedCount())
	}
	if cur, _, _ := cursors.Load("transfers-stream"); cur != 12 {
		t.Errorf("Expected cursor 12, got %d", cur)
	}
}

func TestPollerFetchErrorRetriesWithoutMovingCursor(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("upstream 502")}
	broker := newMemBroker()
	cursors := newMemCursor()
	cursors.keys["transfers-stream"] = 7
	poller := newTestPoller(source, broker, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.calls >= 3
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Expected fetch errors to be retried, got %v", err)
	}

	if broker.publishedCount() != 0 {
		t.Errorf("Expected nothing published while the source is down, got %d", broker.publishedCount())
	}
	if cur, _, _ := cursors.Load("transfers-stream"); cur != 7 {
		t.Errorf("Expected cursor to stay at 7 across failed polls, got %d", cur)
	}
}

func TestPollerResumesStrictlyBeyondCursor(t *testing.T) {
	source := &fakeSource{}
	source.add(transferRows(10, 11, 12, 13, 14)...)
	broker := newMemBroker()
	cursors := newMemCursor()
	cursors.keys["transfers-stream"] = 12
	poller := newTestPoller(source, broker, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return broker.publishedCount() >= 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Poller.Run returned error: %v", err)
	}

	if broker.publishedCount() != 2 {
		t.Errorf("Expected only rows 13 and 14 beyond cursor 12, got %d records", broker.publishedCount())
	}
	if cur, _, _ := cursors.Load("transfers-stream"); cur != 14 {
		t.Errorf("Expected cursor 14, got %d", cur)
	}
}

func TestPollerCancellationMidPublishExitsCleanly(t *testing.T) {
	source := &fakeSource{}
	source.add(transferRows(10, 11)...)
	broker := newMemBroker()
	broker.publishErr = context.Canceled
	cursors := newMemCursor()
	cursors.keys["transfers-stream"] = 9
	poller := newTestPoller(source, broker, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := poller.Run(ctx); err != nil {
		t.Fatalf("Expected a clean exit when a publish fails during shutdown, got %v", err)
	}
	if cur, _, _ := cursors.Load("transfers-stream"); cur != 9 {
		t.Errorf("Expected the cursor untouched across the aborted window, got %d", cur)
	}
}

func TestPollerMalformedRowStopsTheLoop(t *testing.T) {
	source := &fakeSource{}
	source.add(map[string]any{"blockNumber": int64(10), "contractAddress": "0xabc"})
	broker := newMemBroker()
	poller := newTestPoller(source, broker, newMemCursor())
	poller.seqFn = FieldSequenceKey("missingField")

	err := poller.Run(context.Background())
	if err == nil {
		t.Fatal("Expected Run to fail on a row without the sequence field")
	}
	if broker.publishedCount() != 0 {
		t.Errorf("Expected no partial publish of a malformed window, got %d", broker.publishedCount())
	}
}
