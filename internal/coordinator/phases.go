package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/secret"
	"github.com/klingon-labs/htlc-swap/internal/store"
	"github.com/klingon-labs/htlc-swap/internal/stream"
)

// Step names used as the second half of the (order_id, step_name)
// idempotency key.
const (
	stepDepositL1 = "deposit-l1"
	stepDepositL2 = "deposit-l2"
	stepClaimL2   = "claim-l2"
	stepClaimL1   = "claim-l1"
	stepRefundL1  = "refund-l1"
	stepRefundL2  = "refund-l2"
)

// driveOrder is the per-order task loop: it re-reads the order from the
// store, dispatches to the phase matching its current state, and
// repeats until the order reaches a terminal state or the context is
// cancelled (operator cancel, or shutdown). Every phase function leaves
// the order in a new persisted state before returning, so a crash
// between loop iterations only ever loses in-memory scheduling, never
// durable progress.
func (c *Coordinator) driveOrder(ctx context.Context, orderID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		order, err := c.store.GetOrder(ctx, orderID)
		if err != nil {
			c.log.Error("load order", "order_id", orderID, "error", err)
			return
		}
		if order.State.Terminal() {
			return
		}

		var stepErr error
		switch order.State {
		case store.StateNew, store.StatePhase1Locking:
			stepErr = c.runPhase1(ctx, order)
		case store.StateLocked, store.StatePhase2Claiming:
			stepErr = c.runPhase2(ctx, order)
		case store.StateRefunding:
			stepErr = c.runRefund(ctx, order)
		default:
			c.log.Error("order in unexpected state", "order_id", orderID, "state", order.State)
			return
		}

		if stepErr != nil {
			if errors.Is(stepErr, context.Canceled) || errors.Is(stepErr, context.DeadlineExceeded) {
				return
			}
			c.log.Error("order step failed, will retry", "order_id", orderID, "state", order.State, "error", stepErr)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval()):
			}
		}
	}
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.cfg.PollInterval <= 0 {
		return 10 * time.Second
	}
	return c.cfg.PollInterval
}

// runPhase1 performs the lock phase: deposit on ledger A (the side that
// will be claimed last), then deposit on ledger B. Each deposit is
// checkpointed before and after, and keyed by (order_id, step_name) so
// a retry after crash cannot double-spend.
func (c *Coordinator) runPhase1(ctx context.Context, order *store.Order) error {
	l1, err := c.ledgerFor(order.L1Ledger)
	if err != nil {
		return c.fail(ctx, order, err)
	}
	l2, err := c.ledgerFor(order.L2Ledger)
	if err != nil {
		return c.fail(ctx, order, err)
	}
	hash, err := order.SecretHash()
	if err != nil {
		return c.fail(ctx, order, err)
	}

	if order.State == store.StateNew {
		order.State = store.StatePhase1Locking
		if err := c.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("coordinator: checkpoint phase1 start: %w", err)
		}
	}

	if order.L1.DepositTx == "" {
		txRef, err := c.doDeposit(ctx, l1, order, stepDepositL1, order.L1, hash)
		if err != nil {
			return c.fail(ctx, order, fmt.Errorf("deposit l1: %w", err))
		}
		order.L1.DepositTx = txRef
		if err := c.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("coordinator: checkpoint deposit l1: %w", err)
		}
		c.bus.Publish(order.OrderID, stream.KindDepositSent, payload(map[string]string{"leg": "l1", "tx": txRef}))
	}

	c.markPhase1Done(order.OrderID)

	if order.L2.DepositTx == "" {
		txRef, err := c.doDeposit(ctx, l2, order, stepDepositL2, order.L2, hash)
		if err != nil {
			if classify(err) {
				return fmt.Errorf("deposit l2: %w", err)
			}
			// L1 is already locked; a non-retryable failure depositing L2
			// means the swap cannot proceed, but L1's funds are ours to
			// reclaim rather than freeze forever — abort to refund instead
			// of FAILED.
			order.State = store.StateRefunding
			if saveErr := c.store.SaveOrder(ctx, order); saveErr != nil {
				return fmt.Errorf("coordinator: checkpoint refunding (l2 deposit failed): %w", saveErr)
			}
			c.bus.Publish(order.OrderID, stream.KindOrderFailed, payload(map[string]string{"reason": "deposit l2: " + err.Error()}))
			return nil
		}
		order.L2.DepositTx = txRef
		if err := c.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("coordinator: checkpoint deposit l2: %w", err)
		}
		c.bus.Publish(order.OrderID, stream.KindDepositSent, payload(map[string]string{"leg": "l2", "tx": txRef}))
	}

	order.State = store.StateLocked
	if err := c.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: checkpoint both-locked: %w", err)
	}
	c.bus.Publish(order.OrderID, stream.KindBothLocked, nil)
	return nil
}

// depositConfirmationTimeout wraps ledger.ErrConfirmationTimeout without
// unwrapping to it, so classify (and withRetry) see it as fatal and stop
// after a single Deposit attempt instead of resubmitting. A submitted
// deposit may already be broadcast and waiting to confirm; resubmitting
// it would risk double-funding the escrow.
type depositConfirmationTimeout struct {
	cause error
}

func (e *depositConfirmationTimeout) Error() string { return e.cause.Error() }

func (c *Coordinator) doDeposit(ctx context.Context, adapter ledger.Adapter, order *store.Order, stepName string, leg store.LegRecord, hash secret.Hash) (string, error) {
	done, result, err := c.store.IsStepDone(ctx, order.OrderID, stepName)
	if err != nil {
		return "", err
	}
	if done {
		return result, nil
	}
	// A deposit that already timed out once is only ever waited on, never
	// submitted again.
	pendingStep := stepName + "_pending"
	pending, _, err := c.store.IsStepDone(ctx, order.OrderID, pendingStep)
	if err != nil {
		return "", err
	}
	if pending {
		return c.waitForDepositConfirmation(ctx, adapter, order, stepName, leg)
	}

	var res ledger.DepositResult
	err = withRetry(ctx, c.cfg, func(ctx context.Context) error {
		var depErr error
		res, depErr = adapter.Deposit(ctx, ledger.DepositRequest{
			EscrowID:       leg.EscrowID,
			Algorithm:      order.Algorithm,
			SecretHash:     hash,
			Depositor:      leg.Depositor,
			Claimant:       leg.Claimant,
			Amount:         leg.Amount,
			Timelock:       clock.Timestamp(leg.Timelock),
			AllowPartial:   order.AllowPartial,
			MinClaimAmount: order.MinClaimAmount,
		})
		if errors.Is(depErr, ledger.ErrConfirmationTimeout) {
			return &depositConfirmationTimeout{cause: depErr}
		}
		return depErr
	})

	var timeout *depositConfirmationTimeout
	if errors.As(err, &timeout) {
		if err := c.store.StepDone(ctx, order.OrderID, pendingStep, ""); err != nil {
			return "", err
		}
		return c.waitForDepositConfirmation(ctx, adapter, order, stepName, leg)
	}
	if err != nil {
		return "", err
	}
	if err := c.store.StepDone(ctx, order.OrderID, stepName, res.TxRef); err != nil {
		return "", err
	}
	return res.TxRef, nil
}

// waitForDepositConfirmation polls the ledger's own view of escrowID
// after a deposit submission timed out waiting for confirmation, rather
// than resubmitting a deposit that may already be in flight. It returns
// once the ledger shows the escrow funded, or ledger.ErrConfirmationTimeout
// again after exhausting its attempts — still a transient error, so the
// caller retries this same wait on the next pass instead of ever calling
// Deposit a second time for this escrow.
func (c *Coordinator) waitForDepositConfirmation(ctx context.Context, adapter ledger.Adapter, order *store.Order, stepName string, leg store.LegRecord) (string, error) {
	poll := c.pollInterval()
	attempts := c.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
		obs, err := adapter.Observe(ctx, leg.EscrowID)
		if err != nil {
			continue
		}
		if obs.Status != ledger.ObservationNotFound && obs.Status != ledger.ObservationPending {
			txRef := leg.EscrowID
			if err := c.store.StepDone(ctx, order.OrderID, stepName, txRef); err != nil {
				return "", err
			}
			return txRef, nil
		}
	}
	return "", fmt.Errorf("coordinator: deposit for escrow %s did not confirm after %d attempts: %w", leg.EscrowID, attempts, ledger.ErrConfirmationTimeout)
}

// runPhase2 performs the claim phase: claim ledger B (revealing the
// preimage on-chain), re-observe it to confirm the reveal actually
// landed, then claim ledger A with the confirmed preimage. The
// coordinator already knows the secret — re-observing rather than
// trusting its own cache is what makes the claim-A step safe to retry
// after a crash between the two claims.
func (c *Coordinator) runPhase2(ctx context.Context, order *store.Order) error {
	l1, err := c.ledgerFor(order.L1Ledger)
	if err != nil {
		return c.fail(ctx, order, err)
	}
	l2, err := c.ledgerFor(order.L2Ledger)
	if err != nil {
		return c.fail(ctx, order, err)
	}

	if order.State == store.StateLocked {
		order.State = store.StatePhase2Claiming
		if err := c.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("coordinator: checkpoint phase2 start: %w", err)
		}
	}

	preimage, err := order.Secret()
	if err != nil {
		return c.fail(ctx, order, fmt.Errorf("load secret: %w", err))
	}

	// If ledger B's own timelock has already passed and we never
	// claimed it, the swap cannot complete — abort to the refund path
	// rather than keep attempting a claim the escrow will reject.
	if order.L2.ClaimTx == "" {
		expired, err := c.timelockPassed(ctx, l2, order.L2.Timelock)
		if err != nil {
			return c.fail(ctx, order, fmt.Errorf("check l2 timelock: %w", err))
		}
		if expired {
			order.State = store.StateRefunding
			if err := c.store.SaveOrder(ctx, order); err != nil {
				return fmt.Errorf("coordinator: checkpoint refunding (l2 timelock expired): %w", err)
			}
			c.bus.Publish(order.OrderID, stream.KindOrderFailed, payload(map[string]string{"reason": "l2 timelock expired before claim"}))
			return nil
		}
	}

	if order.L2.ClaimTx == "" {
		done, result, err := c.store.IsStepDone(ctx, order.OrderID, stepClaimL2)
		if err != nil {
			return err
		}
		var txRef string
		if done {
			txRef = result
		} else {
			var res ledger.ClaimResult
			err = withRetry(ctx, c.cfg, func(ctx context.Context) error {
				var claimErr error
				res, claimErr = l2.Claim(ctx, ledger.ClaimRequest{
					EscrowID: order.L2.EscrowID,
					Claimant: order.L2.Claimant,
					Amount:   order.L2.Amount,
					Preimage: preimage,
				})
				return claimErr
			})
			if err != nil {
				// Not fatal: the claim may simply be failing because the
				// ledger is unavailable or the escrow cannot yet be
				// satisfied. Leave the order in PHASE2_CLAIMING and let
				// driveOrder retry; the timelock check above eventually
				// diverts to refund if the claim never succeeds.
				return fmt.Errorf("claim l2: %w", err)
			}
			if err := c.store.StepDone(ctx, order.OrderID, stepClaimL2, res.TxRef); err != nil {
				return err
			}
			txRef = res.TxRef
		}
		order.L2.ClaimTx = txRef
		if err := c.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("coordinator: checkpoint claim l2: %w", err)
		}
		c.bus.Publish(order.OrderID, stream.KindClaimSent, payload(map[string]string{"leg": "l2", "tx": txRef}))
	}

	// Re-observe ledger B rather than trusting the in-memory preimage:
	// this is the step that would recover correctly even if the process
	// crashed immediately after submitting the l2 claim above.
	obs, err := l2.Observe(ctx, order.L2.EscrowID)
	if err != nil {
		return c.fail(ctx, order, fmt.Errorf("observe l2 after claim: %w", err))
	}
	if obs.RevealedSecret == nil {
		return fmt.Errorf("coordinator: l2 claim tx %s did not reveal a preimage", order.L2.ClaimTx)
	}
	wantHash, err := order.SecretHash()
	if err != nil {
		return c.fail(ctx, order, err)
	}
	if !secret.Verify(order.Algorithm, *obs.RevealedSecret, wantHash) {
		// BadSecret inconsistency: the on-chain reveal does not hash to
		// our own order's secret_hash. This can only mean the order was
		// misconstructed; it is a fatal, non-retryable state-machine
		// violation.
		return c.fail(ctx, order, fmt.Errorf("revealed secret hash mismatch: on-chain reveal does not match order secret_hash"))
	}
	order.RevealedSecretHex = obs.RevealedSecret.String()
	if err := c.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: checkpoint revealed secret: %w", err)
	}
	c.bus.Publish(order.OrderID, stream.KindSecretRevealed, nil)

	if order.L1.ClaimTx == "" {
		done, result, err := c.store.IsStepDone(ctx, order.OrderID, stepClaimL1)
		if err != nil {
			return err
		}
		var txRef string
		if done {
			txRef = result
		} else {
			var res ledger.ClaimResult
			err = withRetry(ctx, c.cfg, func(ctx context.Context) error {
				var claimErr error
				res, claimErr = l1.Claim(ctx, ledger.ClaimRequest{
					EscrowID: order.L1.EscrowID,
					Claimant: order.L1.Claimant,
					Amount:   order.L1.Amount,
					Preimage: *obs.RevealedSecret,
				})
				return claimErr
			})
			if err != nil {
				// The secret is already public on ledger B; a failed
				// claim on ledger A is always worth retrying rather than
				// abandoning the funds, so this is not a terminal
				// failure either.
				return fmt.Errorf("claim l1: %w", err)
			}
			if err := c.store.StepDone(ctx, order.OrderID, stepClaimL1, res.TxRef); err != nil {
				return err
			}
			txRef = res.TxRef
		}
		order.L1.ClaimTx = txRef
		if err := c.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("coordinator: checkpoint claim l1: %w", err)
		}
		c.bus.Publish(order.OrderID, stream.KindClaimSent, payload(map[string]string{"leg": "l1", "tx": txRef}))
	}

	order.State = store.StateCompleted
	if err := c.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: checkpoint completed: %w", err)
	}
	c.bus.Publish(order.OrderID, stream.KindOrderCompleted, nil)
	return nil
}

// runRefund attempts to refund whichever legs still have a remaining
// balance, independently per side. Refund attempts retry unbounded with
// backoff, since funds are at stake and the timelock has already passed
// by the time this phase runs.
func (c *Coordinator) runRefund(ctx context.Context, order *store.Order) error {
	l1, err := c.ledgerFor(order.L1Ledger)
	if err != nil {
		return c.fail(ctx, order, err)
	}
	l2, err := c.ledgerFor(order.L2Ledger)
	if err != nil {
		return c.fail(ctx, order, err)
	}

	if order.L1.DepositTx != "" && order.L1.ClaimTx == "" && order.L1.RefundTx == "" {
		if err := c.doRefund(ctx, l1, order, stepRefundL1, &order.L1); err != nil {
			return c.fail(ctx, order, fmt.Errorf("refund l1: %w", err))
		}
		c.bus.Publish(order.OrderID, stream.KindRefundSent, payload(map[string]string{"leg": "l1", "tx": order.L1.RefundTx}))
	}
	if order.L2.DepositTx != "" && order.L2.ClaimTx == "" && order.L2.RefundTx == "" {
		if err := c.doRefund(ctx, l2, order, stepRefundL2, &order.L2); err != nil {
			return c.fail(ctx, order, fmt.Errorf("refund l2: %w", err))
		}
		c.bus.Publish(order.OrderID, stream.KindRefundSent, payload(map[string]string{"leg": "l2", "tx": order.L2.RefundTx}))
	}

	order.State = store.StateRefunded
	if err := c.store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: checkpoint refunded: %w", err)
	}
	c.bus.Publish(order.OrderID, stream.KindOrderRefunded, nil)
	return nil
}

func (c *Coordinator) doRefund(ctx context.Context, adapter ledger.Adapter, order *store.Order, stepName string, leg *store.LegRecord) error {
	done, result, err := c.store.IsStepDone(ctx, order.OrderID, stepName)
	if err != nil {
		return err
	}
	if done {
		leg.RefundTx = result
		return c.store.SaveOrder(ctx, order)
	}

	if err := c.waitForTimelock(ctx, adapter, leg.Timelock); err != nil {
		return err
	}

	// Unbounded retry with backoff for refunds — unlike deposits/claims,
	// there is no order-expiry escalation to FAILED; the funds are ours
	// to eventually reclaim.
	var res ledger.RefundResult
	backoffCfg := c.cfg
	backoffCfg.MaxRetries = 1 << 30 // effectively unbounded within one call
	err = withRetry(ctx, backoffCfg, func(ctx context.Context) error {
		var refundErr error
		res, refundErr = adapter.Refund(ctx, ledger.RefundRequest{EscrowID: leg.EscrowID})
		return refundErr
	})
	if err != nil {
		return err
	}
	if err := c.store.StepDone(ctx, order.OrderID, stepName, res.TxRef); err != nil {
		return err
	}
	leg.RefundTx = res.TxRef
	return c.store.SaveOrder(ctx, order)
}

// fail marks order FAILED with reason and freezes it for human review.
// State-machine violations like this are never silently retried.
func (c *Coordinator) fail(ctx context.Context, order *store.Order, reason error) error {
	if classify(reason) {
		// Transient errors are the caller's responsibility to retry on
		// the next driveOrder loop iteration/restart, not a terminal
		// failure.
		return reason
	}
	order.State = store.StateFailed
	order.FailureReason = reason.Error()
	if err := c.store.SaveOrder(ctx, order); err != nil {
		c.log.Error("failed to persist FAILED state", "order_id", order.OrderID, "error", err)
	}
	c.bus.Publish(order.OrderID, stream.KindOrderFailed, payload(map[string]string{"reason": reason.Error()}))
	return reason
}

// waitForTimelock blocks until adapter's own ledger clock passes
// timelockMS, polling at cfg.PollInterval. A leg entering the refund
// path does not imply its own timelock has passed yet — only that the
// swap as a whole has been aborted — so the escrow contract will reject
// a refund submitted too early; this avoids hammering it with rejected
// attempts.
func (c *Coordinator) waitForTimelock(ctx context.Context, adapter ledger.Adapter, timelockMS int64) error {
	poll := c.cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	for {
		passed, err := c.timelockPassed(ctx, adapter, timelockMS)
		if err != nil {
			return err
		}
		if passed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// timelockPassed reports whether adapter's own ledger clock is strictly
// after timelockMS — the same boundary internal/escrow enforces, where
// the timelock instant itself still belongs to the claim window and
// only the instant after it opens the refund window. Timeout decisions
// are always made against the ledger that will actually enforce the
// timelock, never the local wall clock (internal/clock's whole reason
// for existing).
func (c *Coordinator) timelockPassed(ctx context.Context, adapter ledger.Adapter, timelockMS int64) (bool, error) {
	now, err := adapter.Now(ctx)
	if err != nil {
		return false, err
	}
	return clock.Timestamp(timelockMS).Before(now), nil
}

func payload(v map[string]string) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
