package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func trip(b *Breaker, times int) {
	for i := 0; i < times; i++ {
		b.Execute(func() error { return errBoom })
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	trip(b, 2)
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v before threshold", b.State())
	}

	trip(b, 1)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v after threshold", b.State())
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker let a call through: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	trip(b, 2)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	trip(b, 2)
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, success should have reset the count", b.State())
	}
}

func TestBreakerRecoversThroughProbe(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	trip(b, 1)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v after trip", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v after successful probe", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	trip(b, 1)
	time.Sleep(20 * time.Millisecond)

	b.Execute(func() error { return errBoom })
	if b.State() != BreakerOpen {
		t.Errorf("state = %v after failed probe", b.State())
	}
}
