package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeSourceAdvance(t *testing.T) {
	src := NewFakeSource(1000)
	ts, err := src.Now(context.Background())
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	if ts != 1000 {
		t.Fatalf("got %d, want 1000", ts)
	}

	src.Advance(2 * time.Second)
	ts, _ = src.Now(context.Background())
	if ts != 3000 {
		t.Fatalf("got %d, want 3000", ts)
	}
}

func TestMonotonicGuardAcceptsForwardTime(t *testing.T) {
	fake := NewFakeSource(1000)
	guard := NewMonotonicGuard(fake)

	if _, err := guard.Now(context.Background()); err != nil {
		t.Fatalf("first observation: %v", err)
	}
	fake.Advance(time.Second)
	if _, err := guard.Now(context.Background()); err != nil {
		t.Fatalf("second observation: %v", err)
	}
}

func TestMonotonicGuardRejectsBackwardTime(t *testing.T) {
	fake := NewFakeSource(1000)
	guard := NewMonotonicGuard(fake)

	if _, err := guard.Now(context.Background()); err != nil {
		t.Fatalf("first observation: %v", err)
	}

	fake.Set(500)
	_, err := guard.Now(context.Background())
	if err == nil {
		t.Fatalf("expected error for backward time")
	}
	if !errors.Is(err, ErrBackwardTime) {
		t.Fatalf("expected ErrBackwardTime, got %v", err)
	}
}

func TestTimestampArithmetic(t *testing.T) {
	a := Timestamp(1000)
	b := a.Add(5 * time.Second)
	if b != 6000 {
		t.Fatalf("add: got %d, want 6000", b)
	}
	if b.Sub(a) != 5*time.Second {
		t.Fatalf("sub: got %v, want 5s", b.Sub(a))
	}
	if !a.Before(b) {
		t.Fatalf("expected a before b")
	}
}
