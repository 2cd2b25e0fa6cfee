package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/onchaindata/chainflow/pkg/config"
	"github.com/onchaindata/chainflow/pkg/kafka"
	"github.com/onchaindata/chainflow/pkg/metrics"
)

func main() {
	app := &cli.App{
		Name:  "chainflow-metrics",
		Usage: "Tally live transfer traffic in sliding windows",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "Path to config file"},
			&cli.StringFlag{Name: "kafka-bootstrap", Usage: "Kafka bootstrap servers, comma-separated"},
			&cli.StringFlag{Name: "kafka-topic", Usage: "Kafka topic name"},
			&cli.DurationFlag{Name: "window", Usage: "Aggregation window"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("[Metrics] Fatal: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Load(c.String("config"))
	if c.IsSet("kafka-bootstrap") {
		cfg.Kafka.Brokers = strings.Split(c.String("kafka-bootstrap"), ",")
	}
	if c.IsSet("kafka-topic") {
		cfg.Kafka.Topic = c.String("kafka-topic")
	}
	if c.IsSet("window") {
		cfg.Metrics.Window = c.Duration("window")
	}

	if err := cfg.ValidateMetrics(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live traffic only: auto-commit, start at latest. This consumer never
	// owns pipeline state, so losing its position on restart is fine.
	reader := kafka.NewConsumer(
		ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Metrics.GroupID,
		cfg.Kafka, kafka.ConsumerOptions{AutoCommit: true, StartAtLatest: true},
	)
	defer reader.Close()

	agg := metrics.NewAggregator(cfg.Metrics.Window, cfg.Metrics.GroupBy, cfg.Metrics.ValueKey)
	log.Printf("[Metrics] Watching %s in %v windows, grouped by %s",
		cfg.Kafka.Topic, cfg.Metrics.Window, cfg.Metrics.GroupBy)

	for {
		if ctx.Err() != nil {
			agg.Flush()
			return nil
		}

		msg, err := reader.Read(200 * time.Millisecond)
		if err != nil {
			log.Printf("[Metrics] Read error: %v", err)
			continue
		}
		if msg != nil {
			agg.Observe(msg.Value)
			msg.Release()
		}
		agg.MaybeRoll(time.Now())
	}
}
