package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onchaindata/chainflow/pkg/sink"
)

// Named type to allow reuse and clearer code
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	SchemaRegistry string   `yaml:"schemaRegistry"`
	UseAvro        bool     `yaml:"useAvro"`
}

// SourceConfig describes the upstream GraphQL endpoint the producer polls.
type SourceConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Table        string        `yaml:"table"`
	Fields       []string      `yaml:"fields"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PageSize     int           `yaml:"pageSize"`
}

type ProducerConfig struct {
	StreamID      string        `yaml:"streamId"`
	PartitionKey  string        `yaml:"partitionKey"`  // record field routed to the partition key
	SequenceKey   string        `yaml:"sequenceKey"`   // monotonic record field gating the cursor
	RetryDelay    time.Duration `yaml:"retryDelay"`    // capped delay between failed polls
	CursorBackend string        `yaml:"cursorBackend"` // "file" or "badger"
}

type ConsumerConfig struct {
	GroupID      string        `yaml:"groupId"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	Schema       string        `yaml:"schema"`
	Table        string        `yaml:"table"`
	Disposition  string        `yaml:"disposition"`
	PrimaryKey   string        `yaml:"primaryKey"`
}

type SinkConfig struct {
	Driver     string `yaml:"driver"` // "postgres" or "duckdb"
	DSN        string `yaml:"dsn"`
	DuckDBPath string `yaml:"duckdbPath"`
}

type MetricsConfig struct {
	GroupID  string        `yaml:"groupId"`
	Window   time.Duration `yaml:"window"`
	GroupBy  string        `yaml:"groupBy"`
	ValueKey string        `yaml:"valueKey"`
}

type AppConfig struct {
	Kafka    KafkaConfig    `yaml:"kafka"`
	Source   SourceConfig   `yaml:"source"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Sink     SinkConfig     `yaml:"sink"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Cursor struct {
		Path string `yaml:"path"` // state directory for cursor files / badger

		Checkpoint struct {
			Enabled  bool          `yaml:"enabled"`
			Interval time.Duration `yaml:"interval"`

			S3 struct {
				Enabled   bool   `yaml:"enabled"`
				Bucket    string `yaml:"bucket"`
				Region    string `yaml:"region"`
				AccessKey string `yaml:"accessKey"`
				SecretKey string `yaml:"secretKey"`
				Endpoint  string `yaml:"endpoint"`
				Prefix    string `yaml:"prefix"`
			} `yaml:"s3"`
		} `yaml:"checkpoint"`
	} `yaml:"cursor"`
}

// Default returns an AppConfig carrying the defaults of the original ingestion
// scripts, before YAML and flag overrides are applied.
func Default() AppConfig {
	var cfg AppConfig

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "stablecoin-transfers"

	cfg.Source.Endpoint = "http://localhost:8080/v1/graphql"
	cfg.Source.Table = "stablesTransfers"
	cfg.Source.Fields = []string{"id", "blockNumber", "timestamp", "contractAddress", "from", "to", "value"}
	cfg.Source.PollInterval = 5 * time.Second
	cfg.Source.PageSize = 1000

	cfg.Producer.StreamID = "stablesTransfers"
	cfg.Producer.PartitionKey = "contractAddress"
	cfg.Producer.SequenceKey = "blockNumber"
	cfg.Producer.RetryDelay = 10 * time.Second
	cfg.Producer.CursorBackend = "file"

	cfg.Consumer.GroupID = "postgres-sink"
	cfg.Consumer.BatchSize = 100
	cfg.Consumer.BatchTimeout = 5 * time.Second
	cfg.Consumer.Schema = "raw"
	cfg.Consumer.Table = "transfers"
	cfg.Consumer.Disposition = "append"

	cfg.Sink.Driver = "postgres"

	cfg.Metrics.GroupID = "metrics-calculator"
	cfg.Metrics.Window = time.Minute
	cfg.Metrics.GroupBy = "symbol"
	cfg.Metrics.ValueKey = "value"

	cfg.Cursor.Path = ".chainflow/state"
	cfg.Cursor.Checkpoint.Interval = 5 * time.Minute

	return cfg
}

// Load reads and parses a YAML config file into an AppConfig struct.
// It will terminate the program if the file is not found or invalid.
func Load(path string) AppConfig {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Fatalf("Config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("Error parsing config file: %v", err)
	}

	return cfg
}

func (c *AppConfig) validateKafka() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: at least one kafka broker is required", sink.ErrConfiguration)
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required", sink.ErrConfiguration)
	}
	if c.Kafka.UseAvro && c.Kafka.SchemaRegistry == "" {
		return fmt.Errorf("%w: avro encoding requires a schema registry url", sink.ErrConfiguration)
	}
	return nil
}

// ValidateProducer fails fast on producer-side settings.
func (c *AppConfig) ValidateProducer() error {
	if err := c.validateKafka(); err != nil {
		return err
	}
	if c.Source.PollInterval <= 0 {
		return fmt.Errorf("%w: source poll interval must be positive, got %v", sink.ErrConfiguration, c.Source.PollInterval)
	}
	if c.Source.Endpoint == "" {
		return fmt.Errorf("%w: source endpoint is required", sink.ErrConfiguration)
	}
	switch c.Producer.CursorBackend {
	case "file", "badger":
	default:
		return fmt.Errorf("%w: unknown cursor backend %q", sink.ErrConfiguration, c.Producer.CursorBackend)
	}
	return nil
}

// ValidateConsumer fails fast on consumer-side settings, notably a merge
// disposition without a primary key.
func (c *AppConfig) ValidateConsumer() error {
	if err := c.validateKafka(); err != nil {
		return err
	}
	if c.Consumer.BatchSize <= 0 {
		return fmt.Errorf("%w: consumer batch size must be positive, got %d", sink.ErrConfiguration, c.Consumer.BatchSize)
	}
	if c.Consumer.BatchTimeout <= 0 {
		return fmt.Errorf("%w: consumer batch timeout must be positive, got %v", sink.ErrConfiguration, c.Consumer.BatchTimeout)
	}

	d, err := sink.ParseDisposition(c.Consumer.Disposition)
	if err != nil {
		return err
	}
	if err := sink.ValidateWrite(d, c.Consumer.PrimaryKey); err != nil {
		return err
	}

	switch c.Sink.Driver {
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("%w: postgres sink requires a dsn", sink.ErrConfiguration)
		}
	case "duckdb":
	default:
		return fmt.Errorf("%w: unknown sink driver %q", sink.ErrConfiguration, c.Sink.Driver)
	}
	return nil
}

// ValidateMetrics fails fast on metrics-side settings.
func (c *AppConfig) ValidateMetrics() error {
	if err := c.validateKafka(); err != nil {
		return err
	}
	if c.Metrics.Window <= 0 {
		return fmt.Errorf("%w: metrics window must be positive, got %v", sink.ErrConfiguration, c.Metrics.Window)
	}
	return nil
}
