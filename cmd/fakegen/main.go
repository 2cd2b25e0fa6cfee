package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/onchaindata/chainflow/pkg/config"
	"github.com/onchaindata/chainflow/pkg/faker"
	"github.com/onchaindata/chainflow/pkg/kafka"
	"github.com/onchaindata/chainflow/pkg/pipeline"
)

func main() {
	app := &cli.App{
		Name:  "chainflow-fakegen",
		Usage: "Publish synthetic stablecoin transfers for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "Path to config file"},
			&cli.Int64Flag{Name: "start-block", Value: 19_000_000, Usage: "First generated block number"},
			&cli.DurationFlag{Name: "rate", Value: time.Second, Usage: "Delay between generated transfers"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("[Fakegen] Fatal: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Load(c.String("config"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Kafka.UseAvro && cfg.Kafka.SchemaRegistry != "" {
		log.Printf("[Fakegen] Registering schema at %s", cfg.Kafka.SchemaRegistry)
		faker.RegisterSchema(cfg.Kafka.SchemaRegistry, cfg.Kafka.Topic)
	}

	producer, err := kafka.NewProducer(ctx, cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	gen := faker.NewGenerator(c.Int64("start-block"))
	log.Printf("[Fakegen] Generating transfers to %s from block %d", cfg.Kafka.Topic, c.Int64("start-block"))

	for {
		select {
		case <-ctx.Done():
			log.Println("[Fakegen] Stopped")
			return nil
		case <-time.After(c.Duration("rate")):
		}

		row := gen.NextTransfer()
		row[pipeline.MetaIngestedAt] = time.Now().UnixMilli()
		row[pipeline.MetaSource] = pipeline.SourceName
		row[pipeline.MetaProducerID] = "fakegen"
		key, _ := row["contractAddress"].(string)
		if err := producer.Publish(cfg.Kafka.Topic, key, row); err != nil {
			log.Printf("[Fakegen] Publish failed: %v", err)
		}
	}
}
