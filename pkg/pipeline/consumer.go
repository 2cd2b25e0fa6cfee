package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/onchaindata/chainflow/pkg/kafka"
	"github.com/onchaindata/chainflow/pkg/sink"
)

// defaultReadTimeout bounds each blocking read so the flush timer fires even
// when the topic goes quiet.
const defaultReadTimeout = 200 * time.Millisecond

type logReader interface {
	Read(timeout time.Duration) (*kafka.Message, error)
	CommitBatch(msgs []*kafka.Message) error
}

// BatchConsumer drains the log into the sink: accumulate up to batchSize
// records or batchTimeout, write the batch in one Loader call, and commit
// offsets only after the write lands. A failed write returns without
// committing, so a supervisor restart redelivers the same batch.
type BatchConsumer struct {
	reader logReader
	loader sink.Loader

	schema      string
	table       string
	disposition sink.Disposition
	primaryKey  string

	batchSize    int
	batchTimeout time.Duration
	readTimeout  time.Duration
}

func NewBatchConsumer(
	reader logReader,
	loader sink.Loader,
	schema, table string,
	disposition sink.Disposition,
	primaryKey string,
	batchSize int,
	batchTimeout time.Duration,
) (*BatchConsumer, error) {
	if err := sink.ValidateWrite(disposition, primaryKey); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", sink.ErrConfiguration, batchSize)
	}
	if batchTimeout <= 0 {
		return nil, fmt.Errorf("%w: batch timeout must be positive, got %v", sink.ErrConfiguration, batchTimeout)
	}

	readTimeout := defaultReadTimeout
	if batchTimeout < readTimeout {
		readTimeout = batchTimeout
	}

	return &BatchConsumer{
		reader:       reader,
		loader:       loader,
		schema:       schema,
		table:        table,
		disposition:  disposition,
		primaryKey:   primaryKey,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		readTimeout:  readTimeout,
	}, nil
}

// Run loops until ctx is canceled or a write fails. On cancellation the
// current partial batch gets one best-effort flush before teardown.
func (c *BatchConsumer) Run(ctx context.Context) error {
	batch := make([]*kafka.Message, 0, c.batchSize)
	var batchStart time.Time

	for {
		if ctx.Err() != nil {
			if len(batch) == 0 {
				return nil
			}
			log.Printf("[Consumer] Shutting down, flushing %d pending records", len(batch))
			return c.flush(ctx, batch)
		}

		msg, err := c.reader.Read(c.readTimeout)
		if err != nil {
			log.Printf("[Consumer] Read error on %s.%s: %v", c.schema, c.table, err)
			// A failing read returns immediately; pace the retry so a broker
			// outage does not spin a hot loop.
			time.Sleep(c.readTimeout)
			continue
		}
		if msg != nil {
			if len(batch) == 0 {
				batchStart = time.Now()
			}
			batch = append(batch, msg)
		}

		if len(batch) >= c.batchSize || (len(batch) > 0 && time.Since(batchStart) >= c.batchTimeout) {
			if err := c.flush(ctx, batch); err != nil {
				return err
			}
			for _, m := range batch {
				m.Release()
			}
			batch = batch[:0]
		}
	}
}

// flush performs the write-then-commit sequence for one batch. The sink write
// runs on a non-cancelable context: a signal arriving mid-write must let the
// write finish, or redelivery would double-write an uncommitted batch.
func (c *BatchConsumer) flush(ctx context.Context, batch []*kafka.Message) error {
	rows := make([]map[string]any, len(batch))
	for i, m := range batch {
		StripMetadata(m.Value)
		rows[i] = m.Value
	}

	writeCtx := context.WithoutCancel(ctx)
	if err := c.loader.Write(writeCtx, rows, c.schema, c.table, c.disposition, c.primaryKey); err != nil {
		return fmt.Errorf("flush batch of %d to %s.%s: %w", len(batch), c.schema, c.table, err)
	}

	if err := c.reader.CommitBatch(batch); err != nil {
		// The write landed but offsets did not move; halting here trades a
		// duplicate batch on restart for never losing one.
		return fmt.Errorf("commit offsets for batch of %d: %w", len(batch), err)
	}

	log.Printf("[Consumer] Flushed %d records to %s.%s", len(batch), c.schema, c.table)
	return nil
}
