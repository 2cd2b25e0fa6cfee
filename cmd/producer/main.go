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
	"golang.org/x/sync/errgroup"

	"github.com/onchaindata/chainflow/pkg/config"
	"github.com/onchaindata/chainflow/pkg/cursor"
	"github.com/onchaindata/chainflow/pkg/kafka"
	"github.com/onchaindata/chainflow/pkg/pipeline"
	"github.com/onchaindata/chainflow/pkg/source"
)

func main() {
	app := &cli.App{
		Name:  "chainflow-producer",
		Usage: "Poll a GraphQL transfer table and publish new rows to Kafka",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "Path to config file"},
			&cli.StringFlag{Name: "endpoint", Usage: "GraphQL endpoint URL"},
			&cli.StringFlag{Name: "graphql-table", Usage: "GraphQL table/query name"},
			&cli.StringFlag{Name: "kafka-bootstrap", Usage: "Kafka bootstrap servers, comma-separated"},
			&cli.StringFlag{Name: "kafka-topic", Usage: "Kafka topic name"},
			&cli.DurationFlag{Name: "poll-interval", Usage: "Wait between polls"},
			&cli.StringFlag{Name: "state-dir", Usage: "Cursor state directory"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("[Producer] Fatal: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Load(c.String("config"))
	applyOverrides(&cfg, c)

	if err := cfg.ValidateProducer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openCursorStore(&cfg)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer store.Close()

	producer, err := kafka.NewProducer(ctx, cfg.Kafka)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	defer producer.Close()

	src := source.NewGraphQL(source.Config{
		Endpoint:      cfg.Source.Endpoint,
		Table:         cfg.Source.Table,
		Fields:        cfg.Source.Fields,
		PageSize:      cfg.Source.PageSize,
		SequenceField: cfg.Producer.SequenceKey,
	})

	publisher := pipeline.NewPublisher(
		producer, store, cfg.Kafka.Topic, cfg.Producer.StreamID, producerID())
	poller := pipeline.NewPoller(
		src, publisher, store,
		cfg.Producer.StreamID,
		cfg.Source.PollInterval, cfg.Producer.RetryDelay,
		pipeline.FieldSequenceKey(cfg.Producer.SequenceKey),
		pipeline.FieldPartitionKey(cfg.Producer.PartitionKey, pipeline.FallbackPartitionKey),
	)

	log.Printf("[Producer] Streaming %s to %s (stream %s, poll %v)",
		cfg.Source.Endpoint, cfg.Kafka.Topic, cfg.Producer.StreamID, cfg.Source.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })

	if bs, ok := store.(*cursor.BadgerStore); ok && cfg.Cursor.Checkpoint.Enabled {
		g.Go(func() error { return runCheckpoints(ctx, bs, cfg.Cursor.Checkpoint.Interval) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("stream %s halted: %w", cfg.Producer.StreamID, err)
	}
	log.Printf("[Producer] Shutdown complete for stream %s", cfg.Producer.StreamID)
	return nil
}

func applyOverrides(cfg *config.AppConfig, c *cli.Context) {
	if c.IsSet("endpoint") {
		cfg.Source.Endpoint = c.String("endpoint")
	}
	if c.IsSet("graphql-table") {
		cfg.Source.Table = c.String("graphql-table")
	}
	if c.IsSet("kafka-bootstrap") {
		cfg.Kafka.Brokers = strings.Split(c.String("kafka-bootstrap"), ",")
	}
	if c.IsSet("kafka-topic") {
		cfg.Kafka.Topic = c.String("kafka-topic")
	}
	if c.IsSet("poll-interval") {
		cfg.Source.PollInterval = c.Duration("poll-interval")
	}
	if c.IsSet("state-dir") {
		cfg.Cursor.Path = c.String("state-dir")
	}
}

func openCursorStore(cfg *config.AppConfig) (cursor.Store, error) {
	if cfg.Producer.CursorBackend == "badger" {
		var cp cursor.CheckpointConfig
		cp.Enabled = cfg.Cursor.Checkpoint.Enabled
		cp.S3.Enabled = cfg.Cursor.Checkpoint.S3.Enabled
		cp.S3.Bucket = cfg.Cursor.Checkpoint.S3.Bucket
		cp.S3.Region = cfg.Cursor.Checkpoint.S3.Region
		cp.S3.AccessKey = cfg.Cursor.Checkpoint.S3.AccessKey
		cp.S3.SecretKey = cfg.Cursor.Checkpoint.S3.SecretKey
		cp.S3.Endpoint = cfg.Cursor.Checkpoint.S3.Endpoint
		cp.S3.Prefix = cfg.Cursor.Checkpoint.S3.Prefix
		return cursor.NewBadgerStore(cfg.Cursor.Path, cfg.Producer.StreamID, cp)
	}
	return cursor.NewFileStore(cfg.Cursor.Path)
}

func runCheckpoints(ctx context.Context, store *cursor.BadgerStore, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := store.CreateCheckpointIfEnabled(); err != nil {
				log.Printf("[Checkpoint] Error creating checkpoint: %v", err)
			}
		}
	}
}

func producerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "chainflow"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
