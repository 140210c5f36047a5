// Package clock abstracts "what time is it on this ledger" away from the
// local wall clock. Timelock decisions must be made against the ledger
// that will actually enforce them — a local clock that drifts, or a
// ledger whose block production stalls, must never silently substitute
// for the other.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Timestamp is milliseconds since the Unix epoch, as reported by a
// ledger's own notion of time (block timestamp, node time, etc).
type Timestamp int64

// Before reports whether t occurs before other.
func (t Timestamp) Before(other Timestamp) bool { return t < other }

// Add returns t advanced by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Milliseconds())
}

// Sub returns the duration between t and other (t - other).
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(t-other) * time.Millisecond
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Source reports the current time of one ledger. Implementations wrap a
// ledger.Adapter's Now() call; they must never fall back to the local
// wall clock, since the whole point is to key timelock decisions off the
// ledger that will enforce them.
type Source interface {
	Now(ctx context.Context) (Timestamp, error)
}

// SourceFunc adapts a plain function to a Source.
type SourceFunc func(ctx context.Context) (Timestamp, error)

func (f SourceFunc) Now(ctx context.Context) (Timestamp, error) { return f(ctx) }

// MonotonicGuard wraps a Source and rejects any observation that moves
// backward relative to the last observation it returned. A ledger whose
// reported time regresses (reorg, misconfigured node, clock skew) is
// treated as a transient fault rather than silently accepted — timelock
// safety depends on time only ever moving forward.
type MonotonicGuard struct {
	inner Source

	mu   sync.Mutex
	last Timestamp
	seen bool
}

// NewMonotonicGuard wraps inner.
func NewMonotonicGuard(inner Source) *MonotonicGuard {
	return &MonotonicGuard{inner: inner}
}

// ErrBackwardTime is returned when the wrapped Source reports a time
// earlier than one it already reported.
var ErrBackwardTime = fmt.Errorf("clock: time moved backward")

func (g *MonotonicGuard) Now(ctx context.Context) (Timestamp, error) {
	ts, err := g.inner.Now(ctx)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen && ts.Before(g.last) {
		return 0, fmt.Errorf("%w: observed %d after %d", ErrBackwardTime, ts, g.last)
	}
	g.last = ts
	g.seen = true
	return ts, nil
}

// FakeSource is a deterministic, manually-advanced time source for
// exercising timeout logic in tests without wall-clock sleeps.
type FakeSource struct {
	mu  sync.Mutex
	now Timestamp
}

// NewFakeSource returns a FakeSource starting at now.
func NewFakeSource(now Timestamp) *FakeSource {
	return &FakeSource{now: now}
}

func (f *FakeSource) Now(ctx context.Context) (Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

// Advance moves the fake clock forward by d. Negative durations are
// rejected by MonotonicGuard if one wraps this source, but FakeSource
// itself permits them so tests can exercise that rejection path.
func (f *FakeSource) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to an exact timestamp.
func (f *FakeSource) Set(ts Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = ts
}
