package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/onchaindata/chainflow/pkg/cursor"
	"github.com/onchaindata/chainflow/pkg/kafka"
)

type logWriter interface {
	PublishBatch(ctx context.Context, topic string, msgs []kafka.OutMessage) error
}

// Publisher pushes one fetched window to the log and, only once the whole
// window is acked, persists the new cursor. A crash between the two steps
// re-publishes at most that one window on restart; it never skips one.
type Publisher struct {
	writer     logWriter
	cursors    cursor.Store
	topic      string
	streamID   string
	producerID string
}

func NewPublisher(writer logWriter, cursors cursor.Store, topic, streamID, producerID string) *Publisher {
	return &Publisher{
		writer:     writer,
		cursors:    cursors,
		topic:      topic,
		streamID:   streamID,
		producerID: producerID,
	}
}

// PublishWindow enriches, publishes and acks a window of records, then
// advances the cursor to the window's max sequence key. Any error leaves the
// cursor untouched.
func (p *Publisher) PublishWindow(ctx context.Context, records []Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	msgs := make([]kafka.OutMessage, 0, len(records))
	maxSeq := records[0].Seq
	for _, rec := range records {
		rec.Value[MetaIngestedAt] = now
		rec.Value[MetaSource] = SourceName
		rec.Value[MetaProducerID] = p.producerID

		msgs = append(msgs, kafka.OutMessage{Key: rec.Key, Value: rec.Value})
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}

	if err := p.writer.PublishBatch(ctx, p.topic, msgs); err != nil {
		return 0, fmt.Errorf("publish window of %d to %s: %w", len(records), p.topic, err)
	}

	if err := p.cursors.Save(p.streamID, maxSeq); err != nil {
		return 0, fmt.Errorf("persist cursor for %s at %d: %w", p.streamID, maxSeq, err)
	}

	return maxSeq, nil
}
