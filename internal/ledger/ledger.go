// Package ledger defines the uniform interface the coordinator uses to
// drive deposits, claims, refunds, and observations on any underlying
// chain, plus the error taxonomy every adapter must map its failures
// into. This package is read-only with respect to private keys; signing
// is the adapter implementation's concern, never the coordinator's.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

// Error taxonomy every Adapter implementation must map its underlying
// failures into. The coordinator switches on these with errors.Is/As —
// an adapter that returns a bare fmt.Errorf instead of one of these
// breaks retry/fatal classification.
var (
	// ErrTransient covers network blips, node unavailability, and other
	// faults where a retry with backoff is the correct response.
	ErrTransient = errors.New("ledger: transient error")

	// ErrInsufficientFunds means the depositor's balance cannot cover
	// the requested deposit. Not retryable without operator action.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidSignature means a signature the adapter produced or
	// verified did not check out. Always a fatal, non-retryable bug.
	ErrInvalidSignature = errors.New("ledger: invalid signature")

	// ErrNonceConflict is account-ledger specific: a concurrent
	// transaction consumed the nonce first. Retryable after re-reading
	// the current nonce.
	ErrNonceConflict = errors.New("ledger: nonce conflict")

	// ErrTransactionNotFound means the referenced transaction or escrow
	// id does not exist on this ledger — including deliberately invalid
	// or placeholder ids, which are rejected outright rather than
	// special-cased.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")

	// ErrConfirmationTimeout means a submitted transaction was broadcast
	// but did not confirm within the adapter's patience window.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
)

// ContractRejectError wraps an on-chain revert/rejection with the
// underlying reason string the contract or script returned. Always
// fatal: the chain itself refused the operation.
type ContractRejectError struct {
	Reason string
}

func (e *ContractRejectError) Error() string {
	return fmt.Sprintf("ledger: contract rejected: %s", e.Reason)
}

// DepositRequest describes a request to fund a new HTLC escrow.
type DepositRequest struct {
	EscrowID       string
	Algorithm      secret.HashAlgorithm
	SecretHash     secret.Hash
	Depositor      string
	Claimant       string
	Amount         uint64
	Timelock       clock.Timestamp
	AllowPartial   bool
	MinClaimAmount uint64
}

// DepositResult is returned once a deposit has been submitted.
type DepositResult struct {
	TxRef string
}

// ClaimRequest describes a claim against an existing escrow.
type ClaimRequest struct {
	EscrowID string
	Claimant string
	Amount   uint64
	Preimage secret.Secret
}

// ClaimResult is returned once a claim has been submitted.
type ClaimResult struct {
	TxRef string
}

// RefundRequest describes a refund of an escrow's remaining balance back
// to the original depositor.
type RefundRequest struct {
	EscrowID string
}

// RefundResult is returned once a refund has been submitted.
type RefundResult struct {
	TxRef string
}

// ObservationStatus is the coarse-grained state an Observe call reports.
type ObservationStatus string

const (
	ObservationNotFound     ObservationStatus = "NOT_FOUND"
	ObservationPending      ObservationStatus = "PENDING"
	ObservationDeposited    ObservationStatus = "DEPOSITED"
	ObservationClaimed      ObservationStatus = "CLAIMED"
	ObservationFullyClaimed ObservationStatus = "FULLY_CLAIMED"
	ObservationRefunded     ObservationStatus = "REFUNDED"
)

// Observation is a read-only snapshot of an escrow's on-chain state,
// including any preimage the claim(s) revealed — this is how the
// coordinator learns the secret from the counterparty's claim on the
// other ledger.
type Observation struct {
	Status          ObservationStatus
	DepositedAmount uint64
	ClaimedAmount   uint64
	RevealedSecret  *secret.Secret
	Confirmations   uint32
}

// TxStatus is the coarse-grained confirmation state VerifyTx reports for
// a single transaction reference.
type TxStatus string

const (
	TxStatusUnknown   TxStatus = "UNKNOWN"
	TxStatusPending   TxStatus = "PENDING"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusReverted  TxStatus = "REVERTED"
)

// TxVerification is the result of looking up a single transaction by
// reference, independent of any particular escrow's state.
type TxVerification struct {
	Found       bool
	Confirmed   bool
	BlockNumber uint64
	Status      TxStatus
}

// Adapter is the uniform surface the coordinator drives every ledger
// through. A single coordinator implementation works against any
// pair of Adapters — including the deterministic simulated one used in
// tests — because nothing about the coordinator's logic depends on
// which concrete ledger it is talking to.
type Adapter interface {
	// Name identifies the ledger this adapter talks to, e.g. "btc-testnet".
	Name() string

	// Now reports the adapter's ledger-relative notion of current time,
	// for use as a clock.Source.
	Now(ctx context.Context) (clock.Timestamp, error)

	// Address returns the adapter's own deposit/claim address on this
	// ledger, for inclusion in order records.
	Address(ctx context.Context) (string, error)

	// Balance returns the adapter's own spendable balance in the
	// ledger's smallest unit.
	Balance(ctx context.Context) (uint64, error)

	// Deposit funds a new HTLC escrow. Must be idempotent: calling it
	// twice with the same EscrowID after a crash must not double-spend.
	Deposit(ctx context.Context, req DepositRequest) (DepositResult, error)

	// Claim reveals preimage and withdraws amount from escrowID.
	Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error)

	// Refund withdraws the remaining balance of escrowID back to the
	// depositor, once its timelock has passed.
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)

	// Observe returns the current on-chain state of escrowID, including
	// any preimage revealed by a claim.
	Observe(ctx context.Context, escrowID string) (Observation, error)

	// VerifyTx looks up a single transaction reference (as returned in a
	// DepositResult/ClaimResult/RefundResult.TxRef) and reports whether
	// it was found, whether it has confirmed, and which block included
	// it. Unlike Observe, which is scoped to an escrow, VerifyTx answers
	// "did this specific transaction land" for any txRef the adapter
	// produced, which is what distinguishes a submitted-but-stuck
	// transaction from one that was never broadcast at all.
	VerifyTx(ctx context.Context, txRef string) (TxVerification, error)

	// ExplorerURL returns a human-readable link for a transaction
	// reference, for inclusion in progress events and CLI output.
	ExplorerURL(txRef string) string
}

// AsClockSource adapts an Adapter's Now method to a clock.Source.
func AsClockSource(a Adapter) clock.SourceFunc {
	return clock.SourceFunc(a.Now)
}
