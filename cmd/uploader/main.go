// The uploader service accepts document submissions, runs the ingestion
// pipeline, and streams progress events to clients over SSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mynote-app/notepipe/internal/ingest/applier"
	"github.com/mynote-app/notepipe/internal/ingest/blob"
	"github.com/mynote-app/notepipe/internal/ingest/handler"
	"github.com/mynote-app/notepipe/internal/ingest/notify"
	"github.com/mynote-app/notepipe/internal/ingest/ocr"
	"github.com/mynote-app/notepipe/internal/ingest/pipeline"
	"github.com/mynote-app/notepipe/internal/ingest/render"
	"github.com/mynote-app/notepipe/internal/ingest/store"
	"github.com/mynote-app/notepipe/internal/ingest/summarize"
	"github.com/mynote-app/notepipe/pkg/config"
	"github.com/mynote-app/notepipe/pkg/health"
	"github.com/mynote-app/notepipe/pkg/kafka"
	"github.com/mynote-app/notepipe/pkg/logger"
	"github.com/mynote-app/notepipe/pkg/metrics"
	"github.com/mynote-app/notepipe/pkg/middleware"
	"github.com/mynote-app/notepipe/pkg/postgres"
	"github.com/mynote-app/notepipe/pkg/redis"
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
	log := logger.WithComponent("uploader")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	blobs, err := blob.New(cfg.Blob)
	if err != nil {
		log.Error("blob store init failed", "error", err)
		os.Exit(1)
	}

	cache, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	m := metrics.New()
	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	runEvents := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunEvents)
	defer runEvents.Close()
	cleanupQueue := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CleanupRequests)
	defer cleanupQueue.Close()

	notes := store.New(db)
	notifier := notify.New(cfg.Pipeline.EventBuffer, cfg.Pipeline.IdleTimeout, m.ActiveStreams)
	pipe := pipeline.New(
		render.New(),
		blobs,
		ocr.New(cfg.OCR),
		summarize.New(cfg.AI),
		notes,
		applier.New(db),
		notifier,
		runEvents,
		cfg.Render,
		cfg.Pipeline.MaxConcurrentRuns,
		m,
	)

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("redis", health.PingCheck(cache.Ping))
	checker.Register("blob", health.PingCheck(blobs.Ping))

	mux := http.NewServeMux()
	handler.New(pipe, notes, notifier, cache, cleanupQueue, m, cfg.Server.MaxUploadBytes).Register(mux)
	mux.HandleFunc("GET /health", checker.LiveHandler())
	mux.HandleFunc("GET /ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Metrics(m)(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("uploader listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	if shutdownMetrics != nil {
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	log.Info("uploader stopped")
}
