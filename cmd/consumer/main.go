package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/onchaindata/chainflow/pkg/config"
	"github.com/onchaindata/chainflow/pkg/kafka"
	"github.com/onchaindata/chainflow/pkg/pipeline"
	"github.com/onchaindata/chainflow/pkg/sink"
)

func main() {
	app := &cli.App{
		Name:  "chainflow-consumer",
		Usage: "Drain a Kafka topic into a relational sink in batches",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "Path to config file"},
			&cli.StringFlag{Name: "kafka-bootstrap", Usage: "Kafka bootstrap servers, comma-separated"},
			&cli.StringFlag{Name: "kafka-topic", Usage: "Kafka topic name"},
			&cli.StringFlag{Name: "group-id", Usage: "Consumer group id"},
			&cli.IntFlag{Name: "batch-size", Usage: "Messages per sink write"},
			&cli.DurationFlag{Name: "batch-timeout", Usage: "Max wait before a partial batch flushes"},
			&cli.StringFlag{Name: "table", Usage: "Target table name"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("[Consumer] Fatal: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Load(c.String("config"))
	applyOverrides(&cfg, c)

	if err := cfg.ValidateConsumer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, err := openLoader(&cfg)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer loader.Close()

	reader := kafka.NewConsumer(
		ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Consumer.GroupID,
		cfg.Kafka, kafka.ConsumerOptions{},
	)
	defer reader.Close()

	disposition, err := sink.ParseDisposition(cfg.Consumer.Disposition)
	if err != nil {
		return err
	}

	consumer, err := pipeline.NewBatchConsumer(
		reader, loader,
		cfg.Consumer.Schema, cfg.Consumer.Table,
		disposition, cfg.Consumer.PrimaryKey,
		cfg.Consumer.BatchSize, cfg.Consumer.BatchTimeout,
	)
	if err != nil {
		return err
	}

	log.Printf("[Consumer] %s into %s.%s (group %s, batch %d/%v)",
		cfg.Kafka.Topic, cfg.Consumer.Schema, cfg.Consumer.Table,
		cfg.Consumer.GroupID, cfg.Consumer.BatchSize, cfg.Consumer.BatchTimeout)

	go logStats(ctx, reader)

	if err := consumer.Run(ctx); err != nil {
		return fmt.Errorf("topic %s, group %s, batch size %d: %w",
			cfg.Kafka.Topic, cfg.Consumer.GroupID, cfg.Consumer.BatchSize, err)
	}
	log.Printf("[Consumer] Shutdown complete for group %s", cfg.Consumer.GroupID)
	return nil
}

func applyOverrides(cfg *config.AppConfig, c *cli.Context) {
	if c.IsSet("kafka-bootstrap") {
		cfg.Kafka.Brokers = strings.Split(c.String("kafka-bootstrap"), ",")
	}
	if c.IsSet("kafka-topic") {
		cfg.Kafka.Topic = c.String("kafka-topic")
	}
	if c.IsSet("group-id") {
		cfg.Consumer.GroupID = c.String("group-id")
	}
	if c.IsSet("batch-size") {
		cfg.Consumer.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("batch-timeout") {
		cfg.Consumer.BatchTimeout = c.Duration("batch-timeout")
	}
	if c.IsSet("table") {
		cfg.Consumer.Table = c.String("table")
	}
}

func openLoader(cfg *config.AppConfig) (sink.Loader, error) {
	switch cfg.Sink.Driver {
	case "duckdb":
		return sink.NewDuckDBLoader(cfg.Sink.DuckDBPath)
	default:
		return sink.NewPostgresLoader(cfg.Sink.DSN)
	}
}

func logStats(ctx context.Context, reader *kafka.Consumer) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reader.LogStats()
		}
	}
}
