// Package escrow implements the per-leg HTLC state machine: a single
// escrow (one deposit on one ledger, locked to one secret hash) and its
// partial-fill claim ledger. This package performs no I/O and holds no
// ledger handle — it is pure bookkeeping over amounts, hashes, and
// timestamps, so the same logic runs unchanged whether the deposit lives
// on the UTXO side or the account side.
package escrow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

// State is the lifecycle stage of an escrow.
type State string

const (
	StateOpen         State = "OPEN"
	StateFullyClaimed State = "FULLY_CLAIMED"
	StateRefunded     State = "REFUNDED"
)

// Errors returned by Deposit/Claim/Refund. Callers (the coordinator)
// switch on these, so they must stay distinguishable — never collapse
// them into a single opaque wrapped error.
var (
	ErrBadSecret         = errors.New("escrow: preimage does not match secret hash")
	ErrUnauthorized      = errors.New("escrow: claimant is not the designated recipient")
	ErrAmountOutOfRange  = errors.New("escrow: claim amount out of range")
	ErrPartialNotAllowed = errors.New("escrow: partial claims are not permitted for this escrow")
	ErrExpired           = errors.New("escrow: timelock has passed, claim window closed")
	ErrTooEarly          = errors.New("escrow: timelock has not yet passed, refund window not open")
	ErrNothingToRefund   = errors.New("escrow: no remaining balance to refund")
	ErrAlreadyTerminal   = errors.New("escrow: escrow has already reached a terminal state")
	ErrAlreadyDeposited  = errors.New("escrow: deposit already recorded for this escrow")
	ErrNotDeposited      = errors.New("escrow: escrow has not been funded yet")
)

// ClaimRecord is one append-only entry in the partial-fill ledger.
// The sum of Amount across all ClaimRecords never exceeds the deposited
// total, and is exactly the total once the escrow reaches
// StateFullyClaimed.
type ClaimRecord struct {
	Claimant  string
	Amount    uint64
	Preimage  secret.Secret
	ClaimedAt clock.Timestamp
	TxRef     string
}

// RefundRecord is the single refund event an escrow can ever have.
type RefundRecord struct {
	Amount     uint64
	RefundedAt clock.Timestamp
	TxRef      string
}

// Escrow is one HTLC-locked deposit: a total amount, a secret-hash
// commitment, a designated claimant and depositor, a timelock, and the
// running ledger of partial claims against it.
type Escrow struct {
	mu sync.Mutex

	OrderID   string
	EscrowID  string
	Algorithm secret.HashAlgorithm
	SecretHash secret.Hash

	Depositor string
	Claimant  string

	TotalAmount    uint64
	MinClaimAmount uint64 // 0 means "no minimum beyond >0"
	AllowPartial   bool

	// Timelock is the ledger timestamp at and before which Claim is
	// valid; Refund becomes valid strictly after it: claim window is
	// [funded, Timelock], refund window is (Timelock, inf).
	Timelock clock.Timestamp

	State     State
	Deposited bool
	DepositedAt clock.Timestamp

	Claims []ClaimRecord
	Refund *RefundRecord
}

// New constructs an unfunded escrow. Deposit must be called before any
// Claim or Refund is accepted.
func New(orderID, escrowID string, algo secret.HashAlgorithm, hash secret.Hash, depositor, claimant string, total uint64, allowPartial bool, minClaim uint64, timelock clock.Timestamp) (*Escrow, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("escrow: invalid hash algorithm %q", algo)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: total amount must be positive", ErrAmountOutOfRange)
	}
	if minClaim > total {
		return nil, fmt.Errorf("%w: minimum claim %d exceeds total %d", ErrAmountOutOfRange, minClaim, total)
	}
	return &Escrow{
		OrderID:        orderID,
		EscrowID:       escrowID,
		Algorithm:      algo,
		SecretHash:     hash,
		Depositor:      depositor,
		Claimant:       claimant,
		TotalAmount:    total,
		MinClaimAmount: minClaim,
		AllowPartial:   allowPartial,
		Timelock:       timelock,
		State:          StateOpen,
	}, nil
}

// Deposit marks the escrow funded, as observed on-chain at observedAt.
// Idempotent: depositing twice with the same observation is a no-op, so
// the coordinator can safely re-run a step it crashed mid-way through.
func (e *Escrow) Deposit(observedAt clock.Timestamp) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Deposited {
		return nil
	}
	if e.State != StateOpen {
		return ErrAlreadyTerminal
	}
	e.Deposited = true
	e.DepositedAt = observedAt
	return nil
}

// claimedTotal returns the sum of all recorded claims. Caller must hold e.mu.
func (e *Escrow) claimedTotal() uint64 {
	var sum uint64
	for _, c := range e.Claims {
		sum += c.Amount
	}
	return sum
}

// Claim records a claim of amount against the escrow, revealing preimage.
// The preimage must hash (under e.Algorithm) to e.SecretHash; the caller
// must be e.Claimant; now must not be strictly after e.Timelock (the claim
// window includes the timelock instant itself); amount must respect the
// partial-fill policy and not exceed the remaining balance.
func (e *Escrow) Claim(claimant string, amount uint64, preimage secret.Secret, now clock.Timestamp, txRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Deposited {
		return ErrNotDeposited
	}
	if e.State != StateOpen {
		return ErrAlreadyTerminal
	}
	if claimant != e.Claimant {
		return ErrUnauthorized
	}
	if !secret.Verify(e.Algorithm, preimage, e.SecretHash) {
		return ErrBadSecret
	}
	if e.Timelock.Before(now) {
		return ErrExpired
	}

	remaining := e.TotalAmount - e.claimedTotal()
	if amount == 0 || amount > remaining {
		return fmt.Errorf("%w: requested %d, remaining %d", ErrAmountOutOfRange, amount, remaining)
	}
	if amount < remaining {
		if !e.AllowPartial {
			return ErrPartialNotAllowed
		}
		if e.MinClaimAmount > 0 && amount < e.MinClaimAmount {
			return fmt.Errorf("%w: %d below minimum %d", ErrAmountOutOfRange, amount, e.MinClaimAmount)
		}
	}

	e.Claims = append(e.Claims, ClaimRecord{
		Claimant:  claimant,
		Amount:    amount,
		Preimage:  preimage,
		ClaimedAt: now,
		TxRef:     txRef,
	})

	if e.claimedTotal() == e.TotalAmount {
		e.State = StateFullyClaimed
	}
	return nil
}

// Refund records a refund of the remaining, unclaimed balance back to the
// depositor. Only valid once now is strictly after e.Timelock (at the
// timelock instant itself the claim window is still open), and only while
// some balance remains.
func (e *Escrow) Refund(now clock.Timestamp, txRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Deposited {
		return ErrNotDeposited
	}
	if e.State != StateOpen {
		return ErrAlreadyTerminal
	}
	if !e.Timelock.Before(now) {
		return ErrTooEarly
	}

	remaining := e.TotalAmount - e.claimedTotal()
	if remaining == 0 {
		return ErrNothingToRefund
	}

	e.Refund = &RefundRecord{
		Amount:     remaining,
		RefundedAt: now,
		TxRef:      txRef,
	}
	e.State = StateRefunded
	return nil
}

// IsTerminal reports whether the escrow has reached FULLY_CLAIMED or
// REFUNDED and will never transition again.
func (e *Escrow) IsTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State != StateOpen
}

// RemainingAmount returns the unclaimed, unrefunded balance.
func (e *Escrow) RemainingAmount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TotalAmount - e.claimedTotal()
}

// Snapshot is a point-in-time, concurrency-safe copy of escrow state for
// callers (store, verifier) that need to read without holding the lock.
type Snapshot struct {
	State           State
	Deposited       bool
	ClaimedTotal    uint64
	RemainingAmount uint64
	Claims          []ClaimRecord
	Refund          *RefundRecord
}

func (e *Escrow) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	claims := make([]ClaimRecord, len(e.Claims))
	copy(claims, e.Claims)
	return Snapshot{
		State:           e.State,
		Deposited:       e.Deposited,
		ClaimedTotal:    e.claimedTotal(),
		RemainingAmount: e.TotalAmount - e.claimedTotal(),
		Claims:          claims,
		Refund:          e.Refund,
	}
}

// Rehydrate reconstructs an Escrow's in-memory state from durable records
// recovered from the store or replayed from ledger events after a
// crash. It bypasses the normal transition validation since the
// events it replays were already validated when they first occurred.
func Rehydrate(base *Escrow, deposited bool, depositedAt clock.Timestamp, claims []ClaimRecord, refund *RefundRecord) *Escrow {
	base.Deposited = deposited
	base.DepositedAt = depositedAt
	base.Claims = append([]ClaimRecord(nil), claims...)
	base.Refund = refund

	switch {
	case refund != nil:
		base.State = StateRefunded
	case deposited && base.claimedTotal() == base.TotalAmount && base.TotalAmount > 0:
		base.State = StateFullyClaimed
	default:
		base.State = StateOpen
	}
	return base
}
