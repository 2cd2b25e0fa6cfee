package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/onchaindata/chainflow/pkg/kafka"
	"github.com/onchaindata/chainflow/pkg/sink"
)

const testPartitions = 4

// memCursor is an in-memory cursor.Store for wiring tests.
type memCursor struct {
	mu   sync.Mutex
	keys map[string]int64
}

func newMemCursor() *memCursor {
	return &memCursor{keys: make(map[string]int64)}
}

func (m *memCursor) Load(streamID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[streamID]
	return key, ok, nil
}

func (m *memCursor) Save(streamID string, key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.keys[streamID]; ok && key < prev {
		return errors.New("cursor regression")
	}
	m.keys[streamID] = key
	return nil
}

func (m *memCursor) Close() error { return nil }

// memBroker is an in-memory log shared between a publisher and a consumer.
// Partitions are derived from the key the same way every time, offsets are
// append positions, and commits track highest offset+1 per partition.
type memBroker struct {
	mu         sync.Mutex
	msgs       []*kafka.Message
	next       int
	committed  map[int]int64
	publishErr error
	published  int
}

func newMemBroker() *memBroker {
	return &memBroker{committed: make(map[int]int64)}
}

func partitionOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % testPartitions)
}

func (b *memBroker) PublishBatch(_ context.Context, topic string, msgs []kafka.OutMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	for _, m := range msgs {
		value := make(map[string]any, len(m.Value))
		for k, v := range m.Value {
			value[k] = v
		}
		b.msgs = append(b.msgs, &kafka.Message{
			Key:       []byte(m.Key),
			Value:     value,
			Topic:     topic,
			Time:      time.Now(),
			Partition: partitionOf(m.Key),
			Offset:    int64(len(b.msgs)),
		})
		b.published++
	}
	return nil
}

func (b *memBroker) Read(timeout time.Duration) (*kafka.Message, error) {
	b.mu.Lock()
	if b.next < len(b.msgs) {
		m := b.msgs[b.next]
		b.next++
		b.mu.Unlock()
		return m, nil
	}
	b.mu.Unlock()
	time.Sleep(timeout)
	return nil, nil
}

func (b *memBroker) CommitBatch(msgs []*kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		if next := m.Offset + 1; next > b.committed[m.Partition] {
			b.committed[m.Partition] = next
		}
	}
	return nil
}

func (b *memBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

func (b *memBroker) committedTotal() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, off := range b.committed {
		if off > total {
			total = off
		}
	}
	return total
}

// rewind simulates a supervisor restart: redelivery resumes from the last
// committed offset.
func (b *memBroker) rewind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	for i, m := range b.msgs {
		if m.Offset >= b.committed[m.Partition] {
			b.next = i
			return
		}
		b.next = i + 1
	}
}

// failingLoader fails its first failures writes, then records everything.
type failingLoader struct {
	mu       sync.Mutex
	failures int
	writes   [][]map[string]any
}

func (l *failingLoader) Write(_ context.Context, rows []map[string]any, _, _ string, _ sink.Disposition, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return errors.New("sink unavailable")
	}
	batch := make([]map[string]any, len(rows))
	for i, row := range rows {
		clone := make(map[string]any, len(row))
		for k, v := range row {
			clone[k] = v
		}
		batch[i] = clone
	}
	l.writes = append(l.writes, batch)
	return nil
}

func (l *failingLoader) Close() error { return nil }

func (l *failingLoader) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func (l *failingLoader) totalRows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.writes {
		n += len(w)
	}
	return n
}

// cancelAwareLoader refuses writes on a canceled context, so a consumer that
// forwards its run context into the sink write fails the shutdown flush.
type cancelAwareLoader struct {
	failingLoader
}

func (l *cancelAwareLoader) Write(ctx context.Context, rows []map[string]any, schema, table string, d sink.Disposition, pk string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return l.failingLoader.Write(ctx, rows, schema, table, d, pk)
}

// erringReader fails its first readErrs reads, then delegates to the broker.
type erringReader struct {
	*memBroker
	mu       sync.Mutex
	readErrs int
}

func (r *erringReader) Read(timeout time.Duration) (*kafka.Message, error) {
	r.mu.Lock()
	if r.readErrs > 0 {
		r.readErrs--
		r.mu.Unlock()
		return nil, errors.New("broker unavailable")
	}
	r.mu.Unlock()
	return r.memBroker.Read(timeout)
}

// fakeSource serves a fixed row set, honoring the exclusive lower bound.
type fakeSource struct {
	mu       sync.Mutex
	rows     []map[string]any
	fetchErr error
	calls    int
}

func (s *fakeSource) add(rows ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

func (s *fakeSource) Fetch(_ context.Context, after int64) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []map[string]any
	for _, row := range s.rows {
		if seq := row["blockNumber"].(int64); seq > after {
			out = append(out, row)
		}
	}
	return out, nil
}
