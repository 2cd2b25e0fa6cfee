package kafka

import (
	"context"
	"testing"

	"github.com/onchaindata/chainflow/pkg/config"
)

func TestProducerCreation(t *testing.T) {
	ctx := context.Background()
	kafkaConfig := config.KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "stablecoin-transfers",
	}

	producer, err := NewProducer(ctx, kafkaConfig)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	if producer.useAvro {
		t.Error("Expected JSON encoding when UseAvro is off")
	}
	if producer.schemaClient != nil {
		t.Error("Expected no schema registry client without Avro")
	}
	if err := producer.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestProducerCreationWithAvro(t *testing.T) {
	producer, err := NewProducer(context.Background(), config.KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		Topic:          "stablecoin-transfers",
		SchemaRegistry: "http://localhost:8081",
		UseAvro:        true,
	})
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	defer producer.Close()

	if !producer.useAvro {
		t.Error("Expected Avro encoding to be enabled")
	}
	if producer.schemaClient == nil {
		t.Error("Expected a schema registry client when Avro is on")
	}
}
