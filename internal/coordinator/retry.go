package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
)

// classify sorts a ledger error into transient (retried with backoff) vs.
// fatal (propagated immediately so the caller can decide how to fail the
// order). ErrNonceConflict is fatal here alongside ErrInsufficientFunds
// and ErrInvalidSignature: a retry would just resubmit against the same
// stale nonce, so it needs operator action (or a fresh nonce read),
// never a blind retry. ErrConfirmationTimeout stays transient for
// general use, but doDeposit special-cases it rather than letting a
// retry re-invoke Deposit for an escrow that may already be funded.
// clock.ErrBackwardTime (a ledger clock that moved backward) is transient.
func classify(err error) (transient bool) {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ledger.ErrTransient),
		errors.Is(err, ledger.ErrConfirmationTimeout),
		errors.Is(err, clock.ErrBackwardTime):
		return true
	default:
		return false
	}
}

// withRetry runs fn, retrying with exponential backoff (capped at
// cfg.RetryMaxBackoff) while the error classifies as transient, up to
// cfg.MaxRetries attempts. A fatal error or context cancellation returns
// immediately.
func withRetry(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	backoff := cfg.RetryInitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := cfg.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classify(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}
