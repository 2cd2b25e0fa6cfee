package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/onchaindata/chainflow/pkg/avro"
	"github.com/onchaindata/chainflow/pkg/config"
)

const (
	// Maximum value for signed 32-bit integer
	maxInt32       = 0x7FFFFFFF
	defaultMapSize = 16 // Default size for payload maps
)

var (
	msgPool        = sync.Pool{New: func() any { return new(Message) }}
	payloadMapPool = sync.Pool{New: func() any { m := make(map[string]any, defaultMapSize); return &m }}
	json           = jsonFast
)

// ConsumerOptions tune group behavior per consumer role. The sink consumer
// commits manually after each flush; the metrics consumer auto-commits and
// only cares about live traffic.
type ConsumerOptions struct {
	AutoCommit    bool
	StartAtLatest bool
}

type Consumer struct {
	ctx            context.Context
	c              *ck.Consumer
	topic          string
	useAvro        bool
	schemaRegistry string
}

// Message is one decoded log record with its broker position.
type Message struct {
	Key        []byte
	Value      map[string]any
	Topic      string
	Time       time.Time
	Offset     int64
	Partition  int
	poolMapPtr *map[string]any
}

func (m *Message) Release() {
	if m.poolMapPtr != nil {
		// Clear map and return to pool
		for k := range *m.poolMapPtr {
			delete(*m.poolMapPtr, k)
		}
		payloadMapPool.Put(m.poolMapPtr)
		m.poolMapPtr = nil
	}
	msgPool.Put(m)
}

// NewConsumer joins the consumer group; the broker owns offsets and assigns
// partitions across group members. It panics on unrecoverable config errors
// since no caller can make progress without a consumer.
func NewConsumer(
	ctx context.Context,
	brokers []string,
	topic, groupID string,
	cfg config.KafkaConfig,
	opts ConsumerOptions,
) *Consumer {
	offsetReset := "earliest"
	if opts.StartAtLatest {
		offsetReset = "latest"
	}

	cm := &ck.ConfigMap{
		"bootstrap.servers":  strings.Join(brokers, ","),
		"group.id":           groupID,
		"enable.auto.commit": opts.AutoCommit,
		"auto.offset.reset":  offsetReset,
	}
	c, err := ck.NewConsumer(cm)
	if err != nil {
		log.Fatalf("failed to create confluent consumer: %v", err)
	}

	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		log.Fatalf("subscribe failed: %v", err)
	}

	return &Consumer{
		ctx:            ctx,
		c:              c,
		topic:          topic,
		useAvro:        cfg.UseAvro,
		schemaRegistry: cfg.SchemaRegistry,
	}
}

// Read waits up to timeout for one message. Returns (nil, nil) on timeout,
// which is what lets a batching caller check its flush timer even when the
// topic is quiet.
func (c *Consumer) Read(timeout time.Duration) (*Message, error) {
	msg, err := c.c.ReadMessage(timeout)
	if err != nil {
		var ke ck.Error
		if errors.As(err, &ke) && ke.Code() == ck.ErrTimedOut {
			return nil, nil
		}
		return nil, err
	}

	m := msgPool.Get().(*Message)
	m.Topic = *msg.TopicPartition.Topic
	m.Partition = int(msg.TopicPartition.Partition)
	m.Offset = int64(msg.TopicPartition.Offset)
	m.Key = msg.Key
	m.Time = msg.Timestamp
	m.poolMapPtr = nil

	if c.useAvro {
		decoded, err := avro.DecodeAvro(c.schemaRegistry, m.Topic+"-value", msg.Value)
		if err != nil {
			msgPool.Put(m)
			return nil, err
		}
		m.Value = decoded
	} else {
		mp := payloadMapPool.Get().(*map[string]any)
		payload := *mp
		for k := range payload {
			delete(payload, k)
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			payloadMapPool.Put(mp)
			msgPool.Put(m)
			return nil, err
		}
		m.Value = payload
		m.poolMapPtr = mp
	}

	return m, nil
}

// CommitBatch commits a group of messages in one RPC to reduce overhead.
// Offsets move to highest offset+1 per partition, and only after the caller
// has durably written the batch: write-then-commit, never the reverse.
func (c *Consumer) CommitBatch(msgs []*Message) error {
	byPart := make(map[int]int64)
	for _, m := range msgs {
		next := m.Offset + 1
		if curr, ok := byPart[m.Partition]; !ok || next > curr {
			byPart[m.Partition] = next
		}
	}

	tps := make([]ck.TopicPartition, 0, len(byPart))
	for p, off := range byPart {
		if p > maxInt32 { // Ensure partition fits in int32
			return fmt.Errorf("partition %d exceeds int32 limit", p)
		}
		tps = append(tps, ck.TopicPartition{
			Topic:     &c.topic,
			Partition: int32(p), //nolint:gosec // Bounded by int32 max check above
			Offset:    ck.Offset(off),
		})
	}

	if _, err := c.c.CommitOffsets(tps); err != nil {
		return fmt.Errorf("commit batch failed: %w", err)
	}
	return nil
}

func (c *Consumer) Close() error { return c.c.Close() }

func (c *Consumer) LogStats() {
	if s := c.c.String(); s != "" {
		log.Printf("[Confluent] %s", s)
	}
}
