// Package verifier re-checks an order's on-chain state against both
// ledgers, independent of whatever the coordinator has persisted,
// building a status snapshot from raw on-chain facts rather than
// trusting cached fields. Side-effect free: it never writes to the
// store and never calls Deposit/Claim/Refund.
package verifier

import (
	"context"
	"fmt"

	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/store"
)

// LegReport is the observed, live state of one leg of a swap.
type LegReport struct {
	Ledger          string
	EscrowID        string
	Status          ledger.ObservationStatus
	DepositedAmount uint64
	ClaimedAmount   uint64
	RevealedSecret  string // hex, empty if not yet revealed on this leg
	Confirmations   uint32
	StoredState     store.State
	Consistent      bool // live observation agrees with the stored leg state
	Note            string

	// TxChecked is the transaction reference VerifyTx was asked about,
	// empty if the leg has not submitted a transaction yet.
	TxChecked string
	// TxStatus is VerifyTx's report for TxChecked: whether it was found,
	// confirmed, and which block included it. This is what distinguishes
	// a transaction that is still pending from one that was never
	// broadcast, something Observe alone cannot answer.
	TxStatus ledger.TxVerification
}

// Report is the result of verifying one order across both legs.
type Report struct {
	OrderID   string
	L1        LegReport
	L2        LegReport
	Mismatch  bool // true if either leg's live state disagrees with the store
	Decisions []string
}

// Verifier holds the two ledger adapters a swap runs across. One
// Verifier instance is scoped to a single order's pair of chains; the
// CLI's verify command constructs one per call using
// whichever adapters back the order's L1Ledger/L2Ledger names.
type Verifier struct {
	L1 ledger.Adapter
	L2 ledger.Adapter
}

// New constructs a Verifier over the two adapters backing an order.
func New(l1, l2 ledger.Adapter) *Verifier {
	return &Verifier{L1: l1, L2: l2}
}

// Verify re-observes both legs of order and reports whether the live
// on-chain state matches what the store last recorded. It never mutates
// order or either ledger.
func (v *Verifier) Verify(ctx context.Context, order *store.Order) (*Report, error) {
	report := &Report{OrderID: order.OrderID}

	l1obs, err := v.L1.Observe(ctx, order.L1.EscrowID)
	if err != nil {
		return nil, fmt.Errorf("observe l1 leg: %w", err)
	}
	report.L1, err = buildLegReport(ctx, v.L1, order.L1Ledger, order.L1, l1obs, order.State, true)
	if err != nil {
		return nil, fmt.Errorf("verify l1 leg tx: %w", err)
	}

	l2obs, err := v.L2.Observe(ctx, order.L2.EscrowID)
	if err != nil {
		return nil, fmt.Errorf("observe l2 leg: %w", err)
	}
	report.L2, err = buildLegReport(ctx, v.L2, order.L2Ledger, order.L2, l2obs, order.State, false)
	if err != nil {
		return nil, fmt.Errorf("verify l2 leg tx: %w", err)
	}

	report.Mismatch = !report.L1.Consistent || !report.L2.Consistent
	report.Decisions = decideActions(order, report)
	return report, nil
}

// mostRecentTxRef returns the leg's furthest-along transaction reference —
// a refund or claim supersedes the original deposit — so VerifyTx checks
// the transaction that actually determines the leg's current phase.
func mostRecentTxRef(leg store.LegRecord) string {
	switch {
	case leg.RefundTx != "":
		return leg.RefundTx
	case leg.ClaimTx != "":
		return leg.ClaimTx
	default:
		return leg.DepositTx
	}
}

func buildLegReport(ctx context.Context, adapter ledger.Adapter, ledgerName string, leg store.LegRecord, obs ledger.Observation, orderState store.State, isL1 bool) (LegReport, error) {
	lr := LegReport{
		Ledger:          ledgerName,
		EscrowID:        leg.EscrowID,
		Status:          obs.Status,
		DepositedAmount: obs.DepositedAmount,
		ClaimedAmount:   obs.ClaimedAmount,
		Confirmations:   obs.Confirmations,
	}
	if obs.RevealedSecret != nil {
		lr.RevealedSecret = obs.RevealedSecret.String()
	}

	if txRef := mostRecentTxRef(leg); txRef != "" {
		txv, err := adapter.VerifyTx(ctx, txRef)
		if err != nil {
			return LegReport{}, err
		}
		lr.TxChecked = txRef
		lr.TxStatus = txv
	}

	lr.Consistent, lr.Note = checkConsistency(obs, orderState, isL1)
	if lr.Consistent && lr.TxChecked != "" && !lr.TxStatus.Found {
		lr.Consistent = false
		lr.Note = "recorded transaction " + lr.TxChecked + " was not found on chain"
	} else if lr.Consistent && lr.TxStatus.Status == ledger.TxStatusReverted {
		lr.Consistent = false
		lr.Note = "recorded transaction " + lr.TxChecked + " reverted on chain"
	}
	return lr, nil
}

// checkConsistency judges whether a leg's live observation is plausible
// given the order's last recorded overall state. This is a sanity check,
// not a full replay of escrow invariants (internal/escrow already owns
// those) — it exists to surface drift between what the store believes
// happened and what the chain actually shows.
func checkConsistency(obs ledger.Observation, orderState store.State, isL1 bool) (bool, string) {
	switch orderState {
	case store.StateNew:
		if obs.Status != ledger.ObservationNotFound && obs.Status != ledger.ObservationPending {
			return false, "order is NEW but chain already shows activity"
		}
	case store.StatePhase1Locking:
		// Either leg may or may not be deposited yet; any status is plausible.
		return true, ""
	case store.StateLocked:
		if obs.Status == ledger.ObservationNotFound {
			return false, "order is LOCKED but this leg shows no deposit on chain"
		}
	case store.StatePhase2Claiming:
		return true, ""
	case store.StateCompleted:
		if isL1 {
			// The L1 (depositor's) leg is claimed by the counterparty in a
			// completed swap.
			if obs.Status != ledger.ObservationClaimed && obs.Status != ledger.ObservationFullyClaimed {
				return false, "order is COMPLETED but l1 leg is not claimed on chain"
			}
		} else {
			if obs.Status != ledger.ObservationClaimed && obs.Status != ledger.ObservationFullyClaimed {
				return false, "order is COMPLETED but l2 leg is not claimed on chain"
			}
		}
	case store.StateRefunding, store.StateRefunded:
		if obs.Status == ledger.ObservationClaimed || obs.Status == ledger.ObservationFullyClaimed {
			return false, "order is refunding/refunded but this leg was claimed on chain"
		}
	case store.StateFailed:
		return true, ""
	}
	return true, ""
}

// decideActions turns a Report into plain-English next steps, the way an
// operator running `swap verify` would want summarized: whether a refund
// is available, whether the order can be safely marked complete, or
// whether it needs investigation.
func decideActions(order *store.Order, report *Report) []string {
	var decisions []string
	if report.Mismatch {
		decisions = append(decisions, "live chain state disagrees with the stored order — do not retry blindly, inspect before resuming")
		return decisions
	}

	switch order.State {
	case store.StateLocked, store.StatePhase2Claiming:
		if report.L2.RevealedSecret != "" && report.L1.Status != ledger.ObservationClaimed && report.L1.Status != ledger.ObservationFullyClaimed {
			decisions = append(decisions, "secret is revealed on the l2 leg — safe to claim the l1 leg")
		}
	case store.StateCompleted:
		decisions = append(decisions, "both legs claimed — order is done")
	case store.StateRefunded:
		decisions = append(decisions, "refund observed on chain — order is done")
	}
	return decisions
}
