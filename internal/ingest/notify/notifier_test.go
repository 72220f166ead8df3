package notify

import (
	"testing"
	"time"

	"github.com/mynote-app/notepipe/internal/ingest"
)

func TestPublishPreservesOrder(t *testing.T) {
	n := New(16, time.Minute, nil)
	ch := n.Register("run-1")

	n.Publish("run-1", ingest.EventUploadDone(1, ingest.ModeFull))
	n.Publish("run-1", ingest.EventOCRDone(1, ingest.ModeFull))
	n.Publish("run-1", ingest.EventAIDone(1, ingest.ModeFull))
	n.Publish("run-1", ingest.EventComplete(1, ingest.ModeFull))

	want := []ingest.Code{ingest.CodeUploadDone, ingest.CodeOCRDone, ingest.CodeAIDone, ingest.CodeComplete}
	for i, code := range want {
		event, open := <-ch
		if !open {
			t.Fatalf("channel closed after %d events, want %d", i, len(want))
		}
		if event.Code != code {
			t.Errorf("event %d = %s, want %s", i, event.Code, code)
		}
	}
	if _, open := <-ch; open {
		t.Error("channel still open after terminal event")
	}
}

func TestErrorEventClosesChannel(t *testing.T) {
	n := New(16, time.Minute, nil)
	ch := n.Register("run-1")

	n.Publish("run-1", ingest.EventError(nil, "boom", ingest.ModeFull))

	event := <-ch
	if event.Code != ingest.CodeError || !event.Finished {
		t.Errorf("got %+v, want terminal ERROR", event)
	}
	if _, open := <-ch; open {
		t.Error("channel still open after ERROR")
	}

	// Publishing after close must be a silent no-op.
	n.Publish("run-1", ingest.EventComplete(1, ingest.ModeFull))
}

func TestRegisterReplacesExistingChannel(t *testing.T) {
	n := New(16, time.Minute, nil)
	old := n.Register("run-1")
	fresh := n.Register("run-1")

	if _, open := <-old; open {
		t.Error("superseded channel not closed")
	}

	n.Publish("run-1", ingest.EventUploadDone(1, ingest.ModeFull))
	event := <-fresh
	if event.Code != ingest.CodeUploadDone {
		t.Errorf("fresh channel got %s", event.Code)
	}
}

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	n := New(16, time.Minute, nil)
	// No Register call; must not panic or block.
	n.Publish("ghost", ingest.EventUploadDone(1, ingest.ModeFull))
}

func TestOverflowClosesChannel(t *testing.T) {
	n := New(2, time.Minute, nil)
	ch := n.Register("run-1")

	n.Publish("run-1", ingest.EventUploadDone(1, ingest.ModeFull))
	n.Publish("run-1", ingest.EventOCRDone(1, ingest.ModeFull))
	// Buffer is full; this one overflows and closes the stream.
	n.Publish("run-1", ingest.EventAIDone(1, ingest.ModeFull))

	var got []ingest.Code
	for event := range ch {
		got = append(got, event.Code)
	}
	if len(got) != 2 {
		t.Fatalf("got %d buffered events, want 2", len(got))
	}
}

func TestUnregister(t *testing.T) {
	n := New(16, time.Minute, nil)
	ch := n.Register("run-1")
	n.Unregister("run-1")
	if _, open := <-ch; open {
		t.Error("channel still open after Unregister")
	}
}

func TestIdleTimeoutClosesChannel(t *testing.T) {
	n := New(16, 20*time.Millisecond, nil)
	ch := n.Register("run-1")

	select {
	case _, open := <-ch:
		if open {
			t.Error("unexpected event on idle channel")
		}
	case <-time.After(time.Second):
		t.Fatal("idle channel never closed")
	}
}
