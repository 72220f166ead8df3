// The janitor service consumes blob cleanup requests from Kafka and deletes
// the orphaned page images left behind by note deletions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mynote-app/notepipe/internal/ingest/blob"
	"github.com/mynote-app/notepipe/internal/janitor"
	"github.com/mynote-app/notepipe/pkg/config"
	"github.com/mynote-app/notepipe/pkg/kafka"
	"github.com/mynote-app/notepipe/pkg/logger"
	"github.com/mynote-app/notepipe/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithComponent("janitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := blob.New(cfg.Blob)
	if err != nil {
		log.Error("blob store init failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	worker := janitor.New(blobs, cfg.Janitor, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CleanupRequests, worker.HandleMessage)

	log.Info("janitor started", "topic", cfg.Kafka.Topics.CleanupRequests)
	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer stopped with error", "error", err)
	}

	if shutdownMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			log.Error("metrics server shutdown failed", "error", err)
		}
	}
	log.Info("janitor stopped")
}
