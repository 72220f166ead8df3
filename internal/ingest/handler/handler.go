// Package handler exposes the ingestion HTTP API: a multipart upload endpoint
// that streams pipeline progress over Server-Sent Events, and note deletion
// with asynchronous blob cleanup.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mynote-app/notepipe/internal/ingest"
	"github.com/mynote-app/notepipe/internal/ingest/blob"
	"github.com/mynote-app/notepipe/internal/ingest/pipeline"
	"github.com/mynote-app/notepipe/internal/ingest/store"
	"github.com/mynote-app/notepipe/internal/ingest/validator"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/kafka"
	"github.com/mynote-app/notepipe/pkg/metrics"
	"github.com/mynote-app/notepipe/pkg/middleware"
	"github.com/mynote-app/notepipe/pkg/redis"
)

// userIDHeader carries the authenticated user id, set by the fronting proxy.
const userIDHeader = "X-User-ID"

// CleanupRequest is the message enqueued for the janitor after a note is
// deleted.
type CleanupRequest struct {
	Prefix string `json:"prefix"`
	NoteID int64  `json:"note_id"`
	UserID int64  `json:"user_id"`
}

// cachedPrompts is the Redis representation of a category's prompt defaults.
type cachedPrompts struct {
	TOCPrompt  string `json:"tocPrompt"`
	PagePrompt string `json:"pagePrompt"`
}

// Handler serves the ingestion API.
type Handler struct {
	pipeline       *pipeline.Pipeline
	store          *store.Store
	notifier       interface{ Unregister(runID string) }
	cache          *redis.Client
	cleanupQueue   *kafka.Producer
	metrics        *metrics.Metrics
	maxUploadBytes int64
	logger         *slog.Logger
}

// New creates a Handler. cache and cleanupQueue may be nil in tests.
func New(
	p *pipeline.Pipeline,
	s *store.Store,
	notifier interface{ Unregister(runID string) },
	cache *redis.Client,
	cleanupQueue *kafka.Producer,
	m *metrics.Metrics,
	maxUploadBytes int64,
) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 64 << 20
	}
	return &Handler{
		pipeline:       p,
		store:          s,
		notifier:       notifier,
		cache:          cache,
		cleanupQueue:   cleanupQueue,
		metrics:        m,
		maxUploadBytes: maxUploadBytes,
		logger:         slog.Default().With("component", "ingest-handler"),
	}
}

// Register wires the API routes into mux. The ingest route streams SSE and
// must not sit behind a request timeout; deletion gets one.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/notes/ingest", h.Ingest)
	mux.Handle("DELETE /api/v1/notes/{id}", middleware.Timeout(30*time.Second)(http.HandlerFunc(h.DeleteNote)))
}

// Ingest accepts a multipart document submission, starts the pipeline, and
// streams progress events over SSE until the run reaches a terminal state or
// the client disconnects. Disconnecting does not abort the run.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authUser(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "parsing multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, 400, "file field is required"))
		return
	}
	defer file.Close()
	document, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, apperrors.Newf(apperrors.ErrInvalidInput, 400, "reading upload: %v", err))
		return
	}

	sub := validator.Submission{
		Title:             r.FormValue("noteTitle"),
		Filename:          header.Filename,
		DocumentSize:      int64(len(document)),
		Mode:              r.FormValue("mode"),
		CreateNewCategory: parseBool(r.FormValue("createNewCategory")),
		NewCategoryName:   r.FormValue("newCategoryName"),
		CategoryID:        parseInt64(r.FormValue("existingCategoryId")),
	}
	if err := validator.Validate(sub); err != nil {
		h.writeValidationError(w, err)
		return
	}

	categoryID, tocPrompt, pagePrompt, err := h.resolveCategory(r, userID, sub)
	if err != nil {
		h.writeError(w, err)
		return
	}

	runID, events, err := h.pipeline.Run(r.Context(), pipeline.Request{
		UserID:     userID,
		CategoryID: categoryID,
		Title:      strings.TrimSpace(sub.Title),
		Filename:   header.Filename,
		Document:   document,
		Mode:       ingest.ParseMode(sub.Mode),
		TOCPrompt:  tocPrompt,
		PagePrompt: pagePrompt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.streamEvents(w, r, runID, events)
}

// resolveCategory returns the category to ingest into plus the effective
// guidance prompts. Explicit prompts in the form win over category defaults;
// saveAsDefault persists the submitted prompts on the category.
func (h *Handler) resolveCategory(r *http.Request, userID int64, sub validator.Submission) (int64, string, string, error) {
	ctx := r.Context()
	tocPrompt := r.FormValue("tocPrompt")
	pagePrompt := r.FormValue("pagePrompt")
	saveAsDefault := parseBool(r.FormValue("saveAsDefault"))

	var categoryID int64
	if sub.CreateNewCategory {
		id, err := h.store.CreateCategory(ctx, userID, strings.TrimSpace(sub.NewCategoryName), tocPrompt, pagePrompt)
		if err != nil {
			return 0, "", "", err
		}
		return id, tocPrompt, pagePrompt, nil
	}
	categoryID = sub.CategoryID

	if tocPrompt == "" && pagePrompt == "" {
		cached, err := h.loadPromptDefaults(r, userID, categoryID)
		if err != nil {
			return 0, "", "", err
		}
		tocPrompt, pagePrompt = cached.TOCPrompt, cached.PagePrompt
	} else if _, err := h.store.FindCategory(ctx, userID, categoryID); err != nil {
		return 0, "", "", err
	}

	if saveAsDefault {
		if err := h.store.SaveCategoryPrompts(ctx, userID, categoryID, tocPrompt, pagePrompt); err != nil {
			return 0, "", "", err
		}
		if h.cache != nil {
			if err := h.cache.Del(ctx, promptCacheKey(userID, categoryID)); err != nil {
				h.logger.Warn("prompt cache invalidation failed", "category_id", categoryID, "error", err)
			}
		}
	}
	return categoryID, tocPrompt, pagePrompt, nil
}

// loadPromptDefaults reads a category's prompt defaults through the Redis
// cache, falling back to PostgreSQL on a miss. Cache failures degrade to the
// database, never to an error.
func (h *Handler) loadPromptDefaults(r *http.Request, userID, categoryID int64) (cachedPrompts, error) {
	ctx := r.Context()
	key := promptCacheKey(userID, categoryID)

	if h.cache != nil {
		var cached cachedPrompts
		found, err := h.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			h.logger.Warn("prompt cache read failed", "key", key, "error", err)
		} else if found {
			if h.metrics != nil {
				h.metrics.PromptCacheHitsTotal.Inc()
			}
			return cached, nil
		}
		if h.metrics != nil {
			h.metrics.PromptCacheMissesTotal.Inc()
		}
	}

	category, err := h.store.FindCategory(ctx, userID, categoryID)
	if err != nil {
		return cachedPrompts{}, err
	}
	prompts := cachedPrompts{TOCPrompt: category.TOCPrompt, PagePrompt: category.PagePrompt}
	if h.cache != nil {
		if err := h.cache.SetJSON(ctx, key, prompts); err != nil {
			h.logger.Warn("prompt cache write failed", "key", key, "error", err)
		}
	}
	return prompts, nil
}

func promptCacheKey(userID, categoryID int64) string {
	return fmt.Sprintf("prompts:%d:%d", userID, categoryID)
}

// streamEvents relays the run's progress events over SSE. Each event uses the
// progress code as the SSE event name with the full JSON payload as data.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, runID string, events <-chan ingest.ProgressEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, apperrors.New(apperrors.ErrInternal, 500, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-ID", runID)
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connect\ndata: {\"runId\":%q}\n\n", runID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.notifier.Unregister(runID)
			h.logger.Info("subscriber disconnected", "run_id", runID)
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encoding progress event", "run_id", runID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Code, payload)
			flusher.Flush()
		}
	}
}

// DeleteNote removes a note's rows and enqueues its blob prefix for the
// janitor. Object deletion is asynchronous; the API returns as soon as the
// rows are gone.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authUser(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	noteID := parseInt64(r.PathValue("id"))
	if noteID <= 0 {
		h.writeError(w, apperrors.New(apperrors.ErrInvalidInput, 400, "invalid note id"))
		return
	}

	note, err := h.store.DeleteNote(r.Context(), userID, noteID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if h.cleanupQueue != nil {
		prefix := blob.NotePrefix(note.UserID, note.CategoryID, note.ID)
		err := h.cleanupQueue.Publish(r.Context(), kafka.Event{
			Key:   strconv.FormatInt(note.ID, 10),
			Value: CleanupRequest{Prefix: prefix, NoteID: note.ID, UserID: note.UserID},
		})
		if err != nil {
			// Rows are already gone; orphaned objects are caught by a later
			// manual sweep, so log and keep the 204.
			h.logger.Error("cleanup enqueue failed", "note_id", note.ID, "prefix", prefix, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authUser(r *http.Request) (int64, error) {
	userID := parseInt64(r.Header.Get(userIDHeader))
	if userID <= 0 {
		return 0, apperrors.New(apperrors.ErrUnauthorized, 401, "missing or invalid "+userIDHeader+" header")
	}
	return userID, nil
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= 500 {
		h.logger.Error("request failed", "status", status, "error", err)
	} else {
		h.logger.Warn("request rejected", "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	var verr *validator.ValidationError
	if !errors.As(err, &verr) {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(errorResponse{Error: "validation failed", Fields: verr.Fields})
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}
