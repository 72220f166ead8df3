package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mynote-app/notepipe/internal/ingest"
	"github.com/mynote-app/notepipe/internal/ingest/notify"
	"github.com/mynote-app/notepipe/internal/ingest/render"
	"github.com/mynote-app/notepipe/internal/ingest/summarize"
	"github.com/mynote-app/notepipe/pkg/config"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/kafka"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRenderer struct {
	pages []render.Page
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, document []byte, opts render.Options, sink render.Sink) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for _, p := range f.pages {
		page := p
		if !opts.ExtractText {
			page.EmbeddedText = ""
		}
		if err := sink(page); err != nil {
			return 0, err
		}
	}
	return len(f.pages), nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	puts int
	err  error
}

func (f *fakeBlobs) PutPage(ctx context.Context, ownerID, categoryID, noteID int64, pageNumber int, data []byte, contentType string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", "", f.err
	}
	f.puts++
	return fmt.Sprintf("http://blob/%d", pageNumber), fmt.Sprintf("s3://bucket/%d", pageNumber), nil
}

type fakeOCR struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeOCR) Extract(ctx context.Context, locators []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeOCR) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSummarizer struct {
	mu      sync.Mutex
	gotText string
	summary *summarize.DocumentSummary
	err     error
	block   chan struct{}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, fullText, tocPrompt, pagePrompt string) (*summarize.DocumentSummary, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotText = fullText
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

func (f *fakeSummarizer) receivedText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotText
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	pageCount int
	createErr error
}

func (f *fakeStore) CreateNote(ctx context.Context, userID, categoryID int64, title, originalFilename string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) InsertPages(ctx context.Context, noteID int64, pages []ingest.PageArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCount = len(pages)
	return nil
}

type fakeApplier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeApplier) Apply(ctx context.Context, noteID int64, summary *summarize.DocumentSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (f *fakeSink) Publish(ctx context.Context, event kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) last() (kafka.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return kafka.Event{}, false
	}
	return f.events[len(f.events)-1], true
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type fixture struct {
	renderer   *fakeRenderer
	blobs      *fakeBlobs
	ocr        *fakeOCR
	summarizer *fakeSummarizer
	store      *fakeStore
	applier    *fakeApplier
	sink       *fakeSink
	pipeline   *Pipeline
}

func validSummary() *summarize.DocumentSummary {
	return &summarize.DocumentSummary{
		DocumentSummary: []summarize.SummaryFragment{{OverallSummaryMd: "summary"}},
		Sections:        []summarize.Section{{Title: "All", StartPage: 1, EndPage: 2, ContentSummaryMd: "x"}},
		PageDetails:     []summarize.PageDetail{},
	}
}

func newFixture(maxConcurrent int64) *fixture {
	f := &fixture{
		renderer: &fakeRenderer{pages: []render.Page{
			{Number: 1, Image: []byte{1}, ContentType: "image/png", EmbeddedText: "page one text"},
			{Number: 2, Image: []byte{2}, ContentType: "image/png", EmbeddedText: "page two text"},
		}},
		blobs:      &fakeBlobs{},
		ocr:        &fakeOCR{text: "--- Page 1 ---\nocr one\n\n--- Page 2 ---\nocr two"},
		summarizer: &fakeSummarizer{summary: validSummary()},
		store:      &fakeStore{},
		applier:    &fakeApplier{},
		sink:       &fakeSink{},
	}
	notifier := notify.New(16, time.Minute, nil)
	f.pipeline = New(
		f.renderer, f.blobs, f.ocr, f.summarizer, f.store, f.applier,
		notifier, f.sink,
		config.RenderConfig{DPI: 72, MaxPages: 10},
		maxConcurrent, nil,
	)
	return f
}

func validRequest(mode ingest.Mode) Request {
	return Request{
		UserID:     1,
		CategoryID: 2,
		Title:      "Notes",
		Filename:   "notes.pdf",
		Document:   []byte("%PDF-"),
		Mode:       mode,
	}
}

// collect drains the event channel until it closes or times out.
func collect(t *testing.T, events <-chan ingest.ProgressEvent) []ingest.ProgressEvent {
	t.Helper()
	var got []ingest.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, open := <-events:
			if !open {
				return got
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("event stream never closed; got %v", codes(got))
		}
	}
}

func codes(events []ingest.ProgressEvent) []ingest.Code {
	out := make([]ingest.Code, 0, len(events))
	for _, e := range events {
		out = append(out, e.Code)
	}
	return out
}

func assertCodes(t *testing.T, events []ingest.ProgressEvent, want ...ingest.Code) {
	t.Helper()
	got := codes(events)
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v, want %v", got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFullModeEventOrder(t *testing.T) {
	f := newFixture(4)
	runID, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeFull))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runID == "" {
		t.Error("empty run ID")
	}

	got := collect(t, events)
	assertCodes(t, got, ingest.CodeUploadDone, ingest.CodeOCRDone, ingest.CodeAIDone, ingest.CodeComplete)

	for _, e := range got {
		if e.NoteID == nil || *e.NoteID != 1 {
			t.Errorf("event %s noteID = %v, want 1", e.Code, e.NoteID)
		}
		if e.Mode != ingest.ModeFull {
			t.Errorf("event %s mode = %s", e.Code, e.Mode)
		}
	}
	if f.ocr.callCount() != 1 {
		t.Errorf("ocr called %d times, want 1", f.ocr.callCount())
	}
	if f.applier.callCount() != 1 {
		t.Errorf("applier called %d times, want 1", f.applier.callCount())
	}
	if f.blobs.puts != 2 {
		t.Errorf("uploaded %d pages, want 2", f.blobs.puts)
	}

	last, ok := f.sink.last()
	if !ok {
		t.Fatal("no terminal run event published")
	}
	record, isRun := last.Value.(ingest.RunEvent)
	if !isRun || record.Outcome != "complete" || record.PageCount != 2 {
		t.Errorf("run event = %+v", last.Value)
	}
}

func TestSimpleModeSkipsOCRWithEmbeddedText(t *testing.T) {
	f := newFixture(4)
	_, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeSimple))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collect(t, events)
	assertCodes(t, got, ingest.CodeUploadDone, ingest.CodeOCRSkipped, ingest.CodeAIDone, ingest.CodeComplete)

	if f.ocr.callCount() != 0 {
		t.Errorf("ocr called %d times in skip path", f.ocr.callCount())
	}
	text := f.summarizer.receivedText()
	if !strings.Contains(text, "--- Page 1 ---\npage one text") {
		t.Errorf("summarizer did not receive embedded text: %q", text)
	}
}

func TestSimpleModeFallsBackToOCRWithoutEmbeddedText(t *testing.T) {
	f := newFixture(4)
	for i := range f.renderer.pages {
		f.renderer.pages[i].EmbeddedText = "   "
	}

	_, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeSimple))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collect(t, events)
	assertCodes(t, got, ingest.CodeUploadDone, ingest.CodeOCRDone, ingest.CodeAIDone, ingest.CodeComplete)

	if f.ocr.callCount() != 1 {
		t.Errorf("ocr called %d times, want 1 (fallback)", f.ocr.callCount())
	}
	if !strings.Contains(f.summarizer.receivedText(), "ocr one") {
		t.Errorf("summarizer did not receive OCR text: %q", f.summarizer.receivedText())
	}
}

func TestOCRFailureEmitsSingleError(t *testing.T) {
	f := newFixture(4)
	f.ocr.err = errors.New("provider down")

	_, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeFull))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collect(t, events)
	assertCodes(t, got, ingest.CodeUploadDone, ingest.CodeError)

	errEvent := got[1]
	if !errEvent.Finished {
		t.Error("ERROR event not marked finished")
	}
	if errEvent.NoteID == nil {
		t.Error("ERROR event missing note ID after note creation")
	}
	if !strings.Contains(errEvent.Message, "provider down") {
		t.Errorf("ERROR message %q does not carry the cause", errEvent.Message)
	}
	if f.applier.callCount() != 0 {
		t.Error("applier called after OCR failure")
	}

	last, _ := f.sink.last()
	if record, ok := last.Value.(ingest.RunEvent); !ok || record.Outcome != "error" {
		t.Errorf("terminal run event = %+v", last.Value)
	}
}

func TestSummarizerFailureSkipsApply(t *testing.T) {
	f := newFixture(4)
	f.summarizer.err = apperrors.New(apperrors.ErrBadAIResponse, 502, "schema violation")

	_, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeFull))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collect(t, events)
	assertCodes(t, got, ingest.CodeUploadDone, ingest.CodeOCRDone, ingest.CodeError)

	if f.applier.callCount() != 0 {
		t.Error("applier called after summarizer failure")
	}
}

func TestCreateNoteFailureErrorsWithoutNoteID(t *testing.T) {
	f := newFixture(4)
	f.store.createErr = errors.New("db down")

	_, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeFull))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collect(t, events)
	assertCodes(t, got, ingest.CodeError)
	if got[0].NoteID != nil {
		t.Errorf("ERROR noteID = %v, want nil before note creation", got[0].NoteID)
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	f := newFixture(4)

	tests := []struct {
		name     string
		mutate   func(*Request)
		sentinel error
	}{
		{"empty document", func(r *Request) { r.Document = nil }, apperrors.ErrEmptyDocument},
		{"blank title", func(r *Request) { r.Title = " " }, apperrors.ErrInvalidInput},
		{"missing category", func(r *Request) { r.CategoryID = 0 }, apperrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(ingest.ModeFull)
			tt.mutate(&req)
			_, _, err := f.pipeline.Run(context.Background(), req)
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Run error = %v, want %v", err, tt.sentinel)
			}
		})
	}
}

func TestRunRejectsWhenAtCapacity(t *testing.T) {
	f := newFixture(1)
	f.summarizer.block = make(chan struct{})
	defer close(f.summarizer.block)

	_, events, err := f.pipeline.Run(context.Background(), validRequest(ingest.ModeFull))
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Wait for the first run to hold the slot.
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	_, _, err = f.pipeline.Run(context.Background(), validRequest(ingest.ModeFull))
	if !errors.Is(err, apperrors.ErrTooManyRuns) {
		t.Errorf("second Run error = %v, want ErrTooManyRuns", err)
	}
}

func TestRunSurvivesCancelledCaller(t *testing.T) {
	f := newFixture(4)
	ctx, cancel := context.WithCancel(context.Background())

	_, events, err := f.pipeline.Run(ctx, validRequest(ingest.ModeFull))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()

	got := collect(t, events)
	if len(got) == 0 || got[len(got)-1].Code != ingest.CodeComplete {
		t.Errorf("run did not complete after caller cancel: %v", codes(got))
	}
}
