// Package pipeline orchestrates a full ingestion run: render pages, upload
// them, extract text, generate the structured summary, and persist it. Each
// run executes in its own goroutine and reports progress through the notifier
// keyed by run ID.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mynote-app/notepipe/internal/ingest"
	"github.com/mynote-app/notepipe/internal/ingest/render"
	"github.com/mynote-app/notepipe/internal/ingest/summarize"
	"github.com/mynote-app/notepipe/pkg/config"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/kafka"
	"github.com/mynote-app/notepipe/pkg/logger"
	"github.com/mynote-app/notepipe/pkg/metrics"
	"github.com/mynote-app/notepipe/pkg/tracing"
)

// Renderer rasterizes a document into ordered pages.
type Renderer interface {
	Render(ctx context.Context, document []byte, opts render.Options, sink render.Sink) (int, error)
}

// BlobStore uploads page images.
type BlobStore interface {
	PutPage(ctx context.Context, ownerID, categoryID, noteID int64, pageNumber int, data []byte, contentType string) (publicURL, locator string, err error)
}

// TextExtractor runs OCR over page locators.
type TextExtractor interface {
	Extract(ctx context.Context, locators []string) (string, error)
}

// Summarizer generates the structured document summary.
type Summarizer interface {
	Summarize(ctx context.Context, fullText, tocPrompt, pagePrompt string) (*summarize.DocumentSummary, error)
}

// NoteStore persists the placeholder note and its pages.
type NoteStore interface {
	CreateNote(ctx context.Context, userID, categoryID int64, title, originalFilename string) (int64, error)
	InsertPages(ctx context.Context, noteID int64, pages []ingest.PageArtifact) error
}

// SummaryApplier writes the generated summary back to the note.
type SummaryApplier interface {
	Apply(ctx context.Context, noteID int64, summary *summarize.DocumentSummary) error
}

// Notifier delivers progress events to the run's subscriber.
type Notifier interface {
	Register(runID string) <-chan ingest.ProgressEvent
	Publish(runID string, event ingest.ProgressEvent)
}

// EventSink receives the terminal run record. A nil sink disables publishing.
type EventSink interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Request describes one ingestion run. The caller has already validated the
// submission and resolved the category.
type Request struct {
	UserID     int64
	CategoryID int64
	Title      string
	Filename   string
	Document   []byte
	Mode       ingest.Mode
	TOCPrompt  string
	PagePrompt string
}

// Pipeline runs ingestion end to end.
type Pipeline struct {
	renderer   Renderer
	blobs      BlobStore
	ocr        TextExtractor
	summarizer Summarizer
	store      NoteStore
	applier    SummaryApplier
	notifier   Notifier
	runEvents  EventSink

	renderOpts config.RenderConfig
	sem        *semaphore.Weighted
	metrics    *metrics.Metrics
}

// New creates a Pipeline. runEvents and m may be nil.
func New(
	renderer Renderer,
	blobs BlobStore,
	ocr TextExtractor,
	summarizer Summarizer,
	store NoteStore,
	applier SummaryApplier,
	notifier Notifier,
	runEvents EventSink,
	renderOpts config.RenderConfig,
	maxConcurrent int64,
	m *metrics.Metrics,
) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Pipeline{
		renderer:   renderer,
		blobs:      blobs,
		ocr:        ocr,
		summarizer: summarizer,
		store:      store,
		applier:    applier,
		notifier:   notifier,
		runEvents:  runEvents,
		renderOpts: renderOpts,
		sem:        semaphore.NewWeighted(maxConcurrent),
		metrics:    m,
	}
}

// Run validates the request, registers a progress channel, and starts the run
// in the background. It returns the run ID and the channel the caller should
// stream from. The background run is detached from the caller's context, so a
// disconnecting subscriber never aborts processing.
func (p *Pipeline) Run(ctx context.Context, req Request) (string, <-chan ingest.ProgressEvent, error) {
	if len(req.Document) == 0 {
		return "", nil, apperrors.New(apperrors.ErrEmptyDocument, 400, "document is empty")
	}
	if strings.TrimSpace(req.Title) == "" {
		return "", nil, apperrors.New(apperrors.ErrInvalidInput, 400, "title is required")
	}
	if req.CategoryID <= 0 {
		return "", nil, apperrors.New(apperrors.ErrInvalidInput, 400, "category is required")
	}

	if !p.sem.TryAcquire(1) {
		return "", nil, apperrors.New(apperrors.ErrTooManyRuns, 429, "too many concurrent ingestion runs")
	}

	runID := uuid.NewString()
	events := p.notifier.Register(runID)

	runCtx := logger.WithRunID(context.WithoutCancel(ctx), runID)
	go func() {
		defer p.sem.Release(1)
		p.execute(runCtx, runID, req)
	}()

	return runID, events, nil
}

func (p *Pipeline) execute(ctx context.Context, runID string, req Request) {
	log := logger.FromContext(ctx).With("component", "pipeline", "mode", req.Mode)
	ctx, span := tracing.StartSpan(ctx, "ingestion-run", runID)
	defer func() {
		span.End()
		span.Log()
	}()
	span.SetAttr("mode", string(req.Mode))

	if p.metrics != nil {
		p.metrics.RunsInFlight.Inc()
		defer p.metrics.RunsInFlight.Dec()
	}

	var noteID *int64
	start := time.Now()

	fail := func(err error) {
		log.Error("run failed", "error", err, "elapsed", time.Since(start))
		p.notifier.Publish(runID, ingest.EventError(noteID, fmt.Sprintf("processing failed: %v", err), req.Mode))
		p.finish(ctx, runID, req, noteID, "error", err.Error(), 0)
	}

	// Stage 1: placeholder note.
	id, err := p.store.CreateNote(ctx, req.UserID, req.CategoryID, req.Title, req.Filename)
	if err != nil {
		fail(fmt.Errorf("creating note: %w", err))
		return
	}
	noteID = &id
	log = log.With("note_id", id)

	// Stage 2: render and upload pages.
	pages, err := p.renderAndUpload(ctx, req, id)
	if err != nil {
		fail(err)
		return
	}
	if err := p.store.InsertPages(ctx, id, pages); err != nil {
		fail(fmt.Errorf("persisting pages: %w", err))
		return
	}
	p.notifier.Publish(runID, ingest.EventUploadDone(id, req.Mode))
	log.Info("pages uploaded", "pages", len(pages))

	// Stage 3: obtain the document text.
	fullText, skippedOCR, err := p.extractText(ctx, req.Mode, pages)
	if err != nil {
		fail(err)
		return
	}
	if skippedOCR {
		if p.metrics != nil {
			p.metrics.OCRSkippedTotal.Inc()
		}
		p.notifier.Publish(runID, ingest.EventOCRSkipped(id, req.Mode))
	} else {
		p.notifier.Publish(runID, ingest.EventOCRDone(id, req.Mode))
	}

	// Stage 4: structured summary.
	summary, err := timedStage(p, ctx, "summarize", func(ctx context.Context) (*summarize.DocumentSummary, error) {
		return p.summarizer.Summarize(ctx, fullText, req.TOCPrompt, req.PagePrompt)
	})
	if err != nil {
		fail(fmt.Errorf("generating summary: %w", err))
		return
	}
	p.notifier.Publish(runID, ingest.EventAIDone(id, req.Mode))

	// Stage 5: persist the summary.
	if _, err := timedStage(p, ctx, "apply", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.applier.Apply(ctx, id, summary)
	}); err != nil {
		fail(fmt.Errorf("applying summary: %w", err))
		return
	}

	p.notifier.Publish(runID, ingest.EventComplete(id, req.Mode))
	p.finish(ctx, runID, req, noteID, "complete", "", len(pages))
	log.Info("run complete", "pages", len(pages), "elapsed", time.Since(start))
}

// renderAndUpload streams rendered pages straight into blob storage so only
// one rasterized page is in memory at a time.
func (p *Pipeline) renderAndUpload(ctx context.Context, req Request, noteID int64) ([]ingest.PageArtifact, error) {
	return timedStage(p, ctx, "render-upload", func(ctx context.Context) ([]ingest.PageArtifact, error) {
		var pages []ingest.PageArtifact
		_, err := p.renderer.Render(ctx, req.Document, render.Options{
			DPI:         p.renderOpts.DPI,
			MaxPages:    p.renderOpts.MaxPages,
			ExtractText: req.Mode == ingest.ModeSimple,
		}, func(page render.Page) error {
			publicURL, locator, err := p.blobs.PutPage(ctx, req.UserID, req.CategoryID, noteID,
				page.Number, page.Image, page.ContentType)
			if err != nil {
				return err
			}
			pages = append(pages, ingest.PageArtifact{
				PageNumber:   page.Number,
				PublicURL:    publicURL,
				Locator:      locator,
				EmbeddedText: page.EmbeddedText,
			})
			if p.metrics != nil {
				p.metrics.PagesRenderedTotal.Inc()
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("rendering document: %w", err)
		}
		return pages, nil
	})
}

// extractText returns the page-block text for the run. SIMPLE mode uses the
// embedded text layer when any page has one and falls back to OCR otherwise.
func (p *Pipeline) extractText(ctx context.Context, mode ingest.Mode, pages []ingest.PageArtifact) (string, bool, error) {
	if mode == ingest.ModeSimple && ingest.HasEmbeddedText(pages) {
		return ingest.JoinEmbeddedText(pages), true, nil
	}

	locators := make([]string, 0, len(pages))
	for _, page := range pages {
		locators = append(locators, page.Locator)
	}
	text, err := timedStage(p, ctx, "ocr", func(ctx context.Context) (string, error) {
		return p.ocr.Extract(ctx, locators)
	})
	if err != nil {
		return "", false, fmt.Errorf("extracting text: %w", err)
	}
	return text, false, nil
}

// timedStage wraps a stage with a child span and a duration observation.
func timedStage[T any](p *Pipeline, ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.StartChildSpan(ctx, "stage:"+name)
	start := time.Now()
	out, err := fn(ctx)
	span.End()
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return out, err
}

// finish records the terminal outcome: the mode/outcome counter and the
// best-effort Kafka run record.
func (p *Pipeline) finish(ctx context.Context, runID string, req Request, noteID *int64, outcome, message string, pageCount int) {
	if p.metrics != nil {
		p.metrics.RunsTotal.WithLabelValues(string(req.Mode), outcome).Inc()
	}
	if p.runEvents == nil {
		return
	}
	err := p.runEvents.Publish(ctx, kafka.Event{
		Key: runID,
		Value: ingest.RunEvent{
			RunID:      runID,
			NoteID:     noteID,
			Mode:       req.Mode,
			Outcome:    outcome,
			Message:    message,
			PageCount:  pageCount,
			FinishedAt: time.Now().UTC(),
		},
	})
	if err != nil {
		logger.FromContext(ctx).Warn("run event publish failed", "run_id", runID, "error", err)
	}
}
