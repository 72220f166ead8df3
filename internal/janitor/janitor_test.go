package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mynote-app/notepipe/pkg/config"
)

type fakeDeleter struct {
	calls   int
	deleted int
	failed  int
	errs    []error
}

func (f *fakeDeleter) DeleteByPrefix(ctx context.Context, prefix string) (int, int, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, 0, err
		}
	}
	return f.deleted, f.failed, nil
}

func testConfig() config.JanitorConfig {
	return config.JanitorConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
}

func marshal(t *testing.T, req CleanupRequest) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleMessageDeletesPrefix(t *testing.T) {
	deleter := &fakeDeleter{deleted: 5}
	j := New(deleter, testConfig(), nil)

	msg := marshal(t, CleanupRequest{Prefix: "users/1/categories/2/notes/3/", NoteID: 3})
	if err := j.HandleMessage(context.Background(), []byte("3"), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if deleter.calls != 1 {
		t.Errorf("deleter called %d times, want 1", deleter.calls)
	}
}

func TestHandleMessageRetriesListingErrors(t *testing.T) {
	deleter := &fakeDeleter{deleted: 2, errs: []error{errors.New("transient"), nil}}
	j := New(deleter, testConfig(), nil)

	msg := marshal(t, CleanupRequest{Prefix: "users/1/", NoteID: 1})
	if err := j.HandleMessage(context.Background(), []byte("1"), msg); err != nil {
		t.Fatalf("HandleMessage after retry: %v", err)
	}
	if deleter.calls != 2 {
		t.Errorf("deleter called %d times, want 2", deleter.calls)
	}
}

func TestHandleMessageReturnsErrorWhenRetriesExhausted(t *testing.T) {
	deleter := &fakeDeleter{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	j := New(deleter, testConfig(), nil)

	msg := marshal(t, CleanupRequest{Prefix: "users/1/", NoteID: 1})
	if err := j.HandleMessage(context.Background(), []byte("1"), msg); err == nil {
		t.Fatal("expected error so the message is redelivered")
	}
	if deleter.calls != 3 {
		t.Errorf("deleter called %d times, want 3", deleter.calls)
	}
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	deleter := &fakeDeleter{}
	j := New(deleter, testConfig(), nil)

	// Malformed payloads must not be retried forever.
	if err := j.HandleMessage(context.Background(), []byte("k"), []byte("not json")); err != nil {
		t.Errorf("malformed payload returned error: %v", err)
	}
	if err := j.HandleMessage(context.Background(), []byte("k"), marshal(t, CleanupRequest{})); err != nil {
		t.Errorf("empty prefix returned error: %v", err)
	}
	if deleter.calls != 0 {
		t.Errorf("deleter called %d times for bad input", deleter.calls)
	}
}

func TestHandleMessagePartialFailureStillCommits(t *testing.T) {
	deleter := &fakeDeleter{deleted: 3, failed: 2}
	j := New(deleter, testConfig(), nil)

	msg := marshal(t, CleanupRequest{Prefix: "users/1/", NoteID: 1})
	if err := j.HandleMessage(context.Background(), []byte("1"), msg); err != nil {
		t.Errorf("partial failure should commit, got error: %v", err)
	}
}
