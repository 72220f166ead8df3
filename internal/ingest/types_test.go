package ingest

import (
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"FULL", ModeFull},
		{"SIMPLE", ModeSimple},
		{"simple", ModeSimple},
		{" Simple ", ModeSimple},
		{"", ModeFull},
		{"garbage", ModeFull},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPageBlock(t *testing.T) {
	got := FormatPageBlock(3, "hello\nworld")
	want := "--- Page 3 ---\nhello\nworld"
	if got != want {
		t.Errorf("FormatPageBlock = %q, want %q", got, want)
	}

	got = FormatPageBlock(1, "   \n\t ")
	want = "--- Page 1 ---\n(no text)"
	if got != want {
		t.Errorf("FormatPageBlock blank = %q, want %q", got, want)
	}
}

func TestJoinEmbeddedText(t *testing.T) {
	if got := JoinEmbeddedText(nil); got != "" {
		t.Errorf("JoinEmbeddedText(nil) = %q, want empty", got)
	}

	pages := []PageArtifact{
		{PageNumber: 1, EmbeddedText: "first"},
		{PageNumber: 2, EmbeddedText: ""},
		{PageNumber: 3, EmbeddedText: "third"},
	}
	got := JoinEmbeddedText(pages)
	for _, want := range []string{"--- Page 1 ---\nfirst", "--- Page 2 ---\n(no text)", "--- Page 3 ---\nthird"} {
		if !strings.Contains(got, want) {
			t.Errorf("JoinEmbeddedText missing %q in %q", want, got)
		}
	}
	if strings.Count(got, "--- Page") != 3 {
		t.Errorf("expected 3 page blocks, got %q", got)
	}
}

func TestHasEmbeddedText(t *testing.T) {
	if HasEmbeddedText(nil) {
		t.Error("HasEmbeddedText(nil) = true")
	}
	allBlank := []PageArtifact{{PageNumber: 1, EmbeddedText: "  "}, {PageNumber: 2}}
	if HasEmbeddedText(allBlank) {
		t.Error("HasEmbeddedText = true for blank pages")
	}
	onePage := []PageArtifact{{PageNumber: 1}, {PageNumber: 2, EmbeddedText: "x"}}
	if !HasEmbeddedText(onePage) {
		t.Error("HasEmbeddedText = false with one non-blank page")
	}
}

func TestTerminalEvents(t *testing.T) {
	complete := EventComplete(7, ModeFull)
	if !complete.Finished || complete.Code != CodeComplete {
		t.Errorf("EventComplete not terminal: %+v", complete)
	}
	if complete.NoteID == nil || *complete.NoteID != 7 {
		t.Errorf("EventComplete noteID = %v", complete.NoteID)
	}

	errEvent := EventError(nil, "boom", ModeSimple)
	if !errEvent.Finished || errEvent.Code != CodeError {
		t.Errorf("EventError not terminal: %+v", errEvent)
	}
	if errEvent.NoteID != nil {
		t.Errorf("EventError noteID = %v, want nil", errEvent.NoteID)
	}

	for _, e := range []ProgressEvent{
		EventUploadDone(7, ModeFull),
		EventOCRDone(7, ModeFull),
		EventOCRSkipped(7, ModeSimple),
		EventAIDone(7, ModeFull),
	} {
		if e.Finished {
			t.Errorf("event %s marked finished", e.Code)
		}
	}
}
