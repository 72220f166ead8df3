// Package ingest defines the shared types of the document ingestion pipeline:
// run modes, progress events, page artifacts, and the page-block text format
// used by both the embedded-text path and the OCR output.
package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how the pipeline obtains document text. FULL always runs OCR
// over the uploaded page images; SIMPLE prefers the document's embedded text
// and falls back to OCR when none is present.
type Mode string

const (
	ModeFull   Mode = "FULL"
	ModeSimple Mode = "SIMPLE"
)

// ParseMode maps a client-supplied string to a Mode, defaulting to FULL.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeSimple)) {
		return ModeSimple
	}
	return ModeFull
}

// Code identifies a progress event on the run's event stream.
type Code string

const (
	CodeUploadDone Code = "UPLOAD_DONE"
	CodeOCRDone    Code = "OCR_DONE"
	CodeOCRSkipped Code = "OCR_SKIPPED"
	CodeAIDone     Code = "AI_DONE"
	CodeError      Code = "ERROR"
	CodeComplete   Code = "COMPLETE"
)

// ProgressEvent is the transport-only status value streamed to the client.
// NoteID is nil until the placeholder note exists. Finished is true exactly
// for COMPLETE and ERROR.
type ProgressEvent struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	NoteID   *int64 `json:"noteId"`
	Finished bool   `json:"finished"`
	Mode     Mode   `json:"mode"`
}

// EventUploadDone reports that all page images are stored.
func EventUploadDone(noteID int64, mode Mode) ProgressEvent {
	return ProgressEvent{Code: CodeUploadDone, Message: "upload complete", NoteID: &noteID, Mode: mode}
}

// EventOCRDone reports that text extraction finished.
func EventOCRDone(noteID int64, mode Mode) ProgressEvent {
	return ProgressEvent{Code: CodeOCRDone, Message: "text extraction complete", NoteID: &noteID, Mode: mode}
}

// EventOCRSkipped reports that embedded text made OCR unnecessary.
func EventOCRSkipped(noteID int64, mode Mode) ProgressEvent {
	return ProgressEvent{Code: CodeOCRSkipped, Message: "text extraction skipped", NoteID: &noteID, Mode: mode}
}

// EventAIDone reports that the structured summary was generated.
func EventAIDone(noteID int64, mode Mode) ProgressEvent {
	return ProgressEvent{Code: CodeAIDone, Message: "summary generation complete", NoteID: &noteID, Mode: mode}
}

// EventComplete is the successful terminal event.
func EventComplete(noteID int64, mode Mode) ProgressEvent {
	return ProgressEvent{Code: CodeComplete, Message: "processing complete", NoteID: &noteID, Finished: true, Mode: mode}
}

// EventError is the failure terminal event. NoteID may be nil when the
// placeholder note was never created.
func EventError(noteID *int64, message string, mode Mode) ProgressEvent {
	return ProgressEvent{Code: CodeError, Message: message, NoteID: noteID, Finished: true, Mode: mode}
}

// PageArtifact describes one rendered, uploaded page. EmbeddedText is only
// populated in SIMPLE mode.
type PageArtifact struct {
	PageNumber   int
	PublicURL    string
	Locator      string
	EmbeddedText string
}

// RunEvent is the terminal record published to Kafka after a run ends.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	NoteID     *int64    `json:"note_id"`
	Mode       Mode      `json:"mode"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	PageCount  int       `json:"page_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// FormatPageBlock renders one page's text in the canonical block format used
// throughout the pipeline. Blank text becomes the "(no text)" placeholder.
func FormatPageBlock(pageNumber int, text string) string {
	body := strings.TrimSpace(text)
	if body == "" {
		body = "(no text)"
	}
	return fmt.Sprintf("--- Page %d ---\n%s", pageNumber, body)
}

// JoinEmbeddedText concatenates the pages' embedded text as page blocks in
// page order. It returns "" for an empty page list.
func JoinEmbeddedText(pages []PageArtifact) string {
	if len(pages) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(pages))
	for _, p := range pages {
		blocks = append(blocks, FormatPageBlock(p.PageNumber, p.EmbeddedText))
	}
	return strings.Join(blocks, "\n\n")
}

// HasEmbeddedText reports whether any page carries non-blank embedded text.
// The OCR fallback in SIMPLE mode triggers when this is false.
func HasEmbeddedText(pages []PageArtifact) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.EmbeddedText) != "" {
			return true
		}
	}
	return false
}
