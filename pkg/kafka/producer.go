package kafka

import (
	"context"
	"fmt"
	"log"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/riferrei/srclient"
	"github.com/segmentio/kafka-go"

	"github.com/onchaindata/chainflow/pkg/avro"
	"github.com/onchaindata/chainflow/pkg/config"
)

const (
	batchTimeoutMillis = 100 // Batch timeout in milliseconds
	writeTimeoutSecs   = 10  // Batch write timeout in seconds
)

var (
	// jsonFast is our high-performance JSON API.
	jsonFast = jsoniter.ConfigFastest
)

// OutMessage is one record headed for the log: the partition key and the
// payload map.
type OutMessage struct {
	Key   string
	Value map[string]any
}

// Producer wraps a kafka.Writer and optional Avro support. Writes are
// synchronous and ack-gated: WriteMessages only returns once every broker
// replica has confirmed the batch, which is what lets the caller advance its
// cursor afterwards.
type Producer struct {
	ctx            context.Context
	writer         *kafka.Writer
	useAvro        bool
	schemaRegistry string
	schemaClient   *srclient.SchemaRegistryClient
}

// NewProducer creates a new Kafka producer.
// Pass in a Context and your KafkaConfig.
func NewProducer(
	ctx context.Context,
	cfg config.KafkaConfig,
) (*Producer, error) {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers: cfg.Brokers,
		// Hash keeps every partition key pinned to one partition across
		// restarts, which is the ordering guarantee downstream relies on.
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeoutMillis * time.Millisecond,
		// RequiredAcks is an int, so cast the constant.
		RequiredAcks: int(kafka.RequireAll),
	})

	var client *srclient.SchemaRegistryClient
	if cfg.UseAvro {
		client = srclient.CreateSchemaRegistryClient(cfg.SchemaRegistry)
	}

	return &Producer{
		ctx:            ctx,
		writer:         w,
		useAvro:        cfg.UseAvro,
		schemaRegistry: cfg.SchemaRegistry,
		schemaClient:   client,
	}, nil
}

// PublishBatch serializes every message and writes the whole batch in one
// acked call. An encode failure fails the batch up front: partial windows
// would let the cursor skip records.
func (p *Producer) PublishBatch(ctx context.Context, topic string, msgs []OutMessage) error {
	kmsgs := make([]kafka.Message, 0, len(msgs))
	now := time.Now() // One syscall instead of one per message

	for i := range msgs {
		var (
			payload []byte
			err     error
		)

		if p.useAvro {
			payload, err = avro.EncodeAvro(p.schemaClient, topic+"-value", msgs[i].Value)
		} else {
			payload, err = jsonFast.Marshal(msgs[i].Value)
		}
		if err != nil {
			return fmt.Errorf("encode message %d for %s: %w", i, topic, err)
		}

		kmsgs = append(kmsgs, kafka.Message{
			Topic: topic,
			Key:   []byte(msgs[i].Key),
			Value: payload,
			Time:  now,
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeoutSecs*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, kmsgs...); err != nil {
		log.Printf("[Kafka] publish failed topic=%s count=%d: %v", topic, len(kmsgs), err)
		return err
	}
	return nil
}

// Publish sends a single message, encoding as Avro or JSON.
func (p *Producer) Publish(topic, key string, value map[string]any) error {
	return p.PublishBatch(p.ctx, topic, []OutMessage{{Key: key, Value: value}})
}

// Close shuts down the writer cleanly.
func (p *Producer) Close() error {
	return p.writer.Close()
}
