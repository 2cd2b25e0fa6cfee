package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/onchaindata/chainflow/pkg/cursor"
)

// Source is any upstream that can return rows strictly beyond a sequence key,
// in ascending order. A negative bound means "from the beginning".
type Source interface {
	Fetch(ctx context.Context, after int64) ([]map[string]any, error)
}

// Poller drives the produce side: fetch beyond the cursor, hand the window to
// the publisher, sleep, repeat. Upstream errors are retried in place without
// touching the cursor; publish or cursor failures stop the loop.
type Poller struct {
	source    Source
	publisher *Publisher
	cursors   cursor.Store
	streamID  string

	interval   time.Duration
	retryDelay time.Duration

	seqFn SequenceKeyFunc
	keyFn PartitionKeyFunc
}

func NewPoller(
	source Source,
	publisher *Publisher,
	cursors cursor.Store,
	streamID string,
	interval, retryDelay time.Duration,
	seqFn SequenceKeyFunc,
	keyFn PartitionKeyFunc,
) *Poller {
	return &Poller{
		source:     source,
		publisher:  publisher,
		cursors:    cursors,
		streamID:   streamID,
		interval:   interval,
		retryDelay: retryDelay,
		seqFn:      seqFn,
		keyFn:      keyFn,
	}
}

// Run loops until ctx is canceled. A corrupt cursor store fails immediately;
// it is not treated as a cold start.
func (p *Poller) Run(ctx context.Context) error {
	after := int64(-1)
	if cur, ok, err := p.cursors.Load(p.streamID); err != nil {
		return fmt.Errorf("load cursor for %s: %w", p.streamID, err)
	} else if ok {
		after = cur
		log.Printf("[Producer] Resuming stream %s from sequence %d", p.streamID, cur)
	} else {
		log.Printf("[Producer] No previous state for stream %s, starting fresh", p.streamID)
	}

	pollCount := 0
	totalRecords := 0

	for {
		pollCount++

		rows, err := p.source.Fetch(ctx, after)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[Producer] Poll %d failed for stream %s (cursor %d): %v", pollCount, p.streamID, after, err)
			if !sleep(ctx, p.retryDelay) {
				return nil
			}
			continue
		}

		if len(rows) > 0 {
			records, err := BuildRecords(rows, p.seqFn, p.keyFn)
			if err != nil {
				return fmt.Errorf("stream %s returned a malformed row: %w", p.streamID, err)
			}

			maxSeq, err := p.publisher.PublishWindow(ctx, records)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			after = maxSeq
			totalRecords += len(records)
			log.Printf("[Producer] Poll %d published %d records for %s, max sequence %d (total %d)",
				pollCount, len(records), p.streamID, maxSeq, totalRecords)
		}

		if !sleep(ctx, p.interval) {
			return nil
		}
	}
}

// sleep waits d or until cancellation; false means the context is done.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
