// Package janitor consumes blob cleanup requests and deletes the objects
// under each requested prefix. Listing failures are retried with backoff;
// individual object failures are counted and skipped so one bad object never
// wedges the queue.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mynote-app/notepipe/pkg/config"
	"github.com/mynote-app/notepipe/pkg/kafka"
	"github.com/mynote-app/notepipe/pkg/metrics"
	"github.com/mynote-app/notepipe/pkg/resilience"
)

// CleanupRequest mirrors the message the ingestion service enqueues after a
// note is deleted.
type CleanupRequest struct {
	Prefix string `json:"prefix"`
	NoteID int64  `json:"note_id"`
	UserID int64  `json:"user_id"`
}

// BlobDeleter removes every object under a prefix, reporting per-object
// failure counts.
type BlobDeleter interface {
	DeleteByPrefix(ctx context.Context, prefix string) (deleted, failed int, err error)
}

// Janitor processes cleanup requests.
type Janitor struct {
	blobs        BlobDeleter
	retry        resilience.RetryConfig
	batchTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a Janitor. m may be nil.
func New(blobs BlobDeleter, cfg config.JanitorConfig, m *metrics.Metrics) *Janitor {
	return &Janitor{
		blobs: blobs,
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialDelay,
		},
		batchTimeout: cfg.BatchTimeout,
		metrics:      m,
		logger:       slog.Default().With("component", "janitor"),
	}
}

// HandleMessage is the Kafka message handler for the cleanup topic. Returning
// an error leaves the message uncommitted for redelivery; malformed messages
// are dropped instead, since redelivering them can never succeed.
func (j *Janitor) HandleMessage(ctx context.Context, key, value []byte) error {
	req, err := kafka.DecodeJSON[CleanupRequest](value)
	if err != nil {
		j.logger.Error("dropping malformed cleanup request", "key", string(key), "error", err)
		j.observeBatch("malformed")
		return nil
	}
	if req.Prefix == "" {
		j.logger.Error("dropping cleanup request without prefix", "key", string(key))
		j.observeBatch("malformed")
		return nil
	}

	var deleted, failed int
	err = resilience.Retry(ctx, "blob-cleanup", j.retry, func() error {
		return resilience.WithTimeout(ctx, j.batchTimeout, "blob-cleanup", func(ctx context.Context) error {
			var retryErr error
			deleted, failed, retryErr = j.blobs.DeleteByPrefix(ctx, req.Prefix)
			return retryErr
		})
	})
	if err != nil {
		j.observeBatch("error")
		return fmt.Errorf("cleaning prefix %s: %w", req.Prefix, err)
	}

	if j.metrics != nil {
		j.metrics.CleanupObjectsDeleted.Add(float64(deleted))
		j.metrics.CleanupFailuresTotal.Add(float64(failed))
	}
	status := "ok"
	if failed > 0 {
		status = "partial"
		j.logger.Warn("cleanup left objects behind",
			"prefix", req.Prefix, "note_id", req.NoteID, "deleted", deleted, "failed", failed)
	} else {
		j.logger.Info("cleanup finished",
			"prefix", req.Prefix, "note_id", req.NoteID, "deleted", deleted)
	}
	j.observeBatch(status)
	return nil
}

func (j *Janitor) observeBatch(status string) {
	if j.metrics != nil {
		j.metrics.CleanupBatchesTotal.WithLabelValues(status).Inc()
	}
}
