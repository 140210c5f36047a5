// Package simulated provides a deterministic, in-memory ledger.Adapter
// used only by tests. The coordinator cannot distinguish it from a real
// adapter — it implements exactly the same interface and error taxonomy
// as l1utxo and l2account, so coordinator- and order-level tests can run
// fast and deterministically without a live chain.
package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

type escrowRecord struct {
	req            ledger.DepositRequest
	claimedAmount  uint64
	revealedSecret *secret.Secret
	refunded       bool
	txCounter      int
}

// txRecord is the simulated chain's synchronous notion of a submitted
// transaction: every Deposit/Claim/Refund confirms in the same block it
// was submitted in, since there is no real network to observe.
type txRecord struct {
	blockNumber uint64
}

// Adapter is a single simulated ledger. Two Adapters sharing a clock
// model one end each of a cross-chain swap in tests.
type Adapter struct {
	name  string
	clock *clock.FakeSource
	addr  string

	mu       sync.Mutex
	balance  uint64
	escrows  map[string]*escrowRecord
	txSeq    int
	txs      map[string]txRecord
	failNext map[string]error // escrowID -> next-call error, for fault injection
}

// New constructs a simulated adapter named name, with the given starting
// balance, sharing fakeClock so multiple adapters can model a single
// cross-chain timeline.
func New(name string, addr string, startingBalance uint64, fakeClock *clock.FakeSource) *Adapter {
	return &Adapter{
		name:    name,
		clock:   fakeClock,
		addr:    addr,
		balance: startingBalance,
		escrows: make(map[string]*escrowRecord),
		txs:     make(map[string]txRecord),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Now(ctx context.Context) (clock.Timestamp, error) {
	return a.clock.Now(ctx)
}

func (a *Adapter) Address(ctx context.Context) (string, error) {
	return a.addr, nil
}

func (a *Adapter) Balance(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// InjectFailure arranges for the next operation against escrowID to
// return err instead of succeeding, then clears the injection. Used by
// coordinator tests to exercise retry/recovery paths.
func (a *Adapter) InjectFailure(escrowID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext == nil {
		a.failNext = make(map[string]error)
	}
	a.failNext[escrowID] = err
}

func (a *Adapter) takeInjectedFailure(escrowID string) error {
	if a.failNext == nil {
		return nil
	}
	err, ok := a.failNext[escrowID]
	if !ok {
		return nil
	}
	delete(a.failNext, escrowID)
	return err
}

func (a *Adapter) nextTxRef() string {
	a.txSeq++
	return fmt.Sprintf("%s-tx-%d", a.name, a.txSeq)
}

// recordTx notes that txRef confirmed in the given simulated block. Caller
// must hold a.mu.
func (a *Adapter) recordTx(txRef string) {
	a.txSeq++
	a.txs[txRef] = txRecord{blockNumber: uint64(a.txSeq)}
}

func (a *Adapter) Deposit(ctx context.Context, req ledger.DepositRequest) (ledger.DepositResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.takeInjectedFailure(req.EscrowID); err != nil {
		return ledger.DepositResult{}, err
	}

	if _, ok := a.escrows[req.EscrowID]; ok {
		// Idempotent replay of an already-funded escrow.
		return ledger.DepositResult{TxRef: fmt.Sprintf("%s-deposit-%s", a.name, req.EscrowID)}, nil
	}
	if req.Amount > a.balance {
		return ledger.DepositResult{}, ledger.ErrInsufficientFunds
	}

	a.balance -= req.Amount
	a.escrows[req.EscrowID] = &escrowRecord{req: req}
	txRef := fmt.Sprintf("%s-deposit-%s", a.name, req.EscrowID)
	a.recordTx(txRef)
	return ledger.DepositResult{TxRef: txRef}, nil
}

func (a *Adapter) Claim(ctx context.Context, req ledger.ClaimRequest) (ledger.ClaimResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.takeInjectedFailure(req.EscrowID); err != nil {
		return ledger.ClaimResult{}, err
	}

	rec, ok := a.escrows[req.EscrowID]
	if !ok {
		return ledger.ClaimResult{}, ledger.ErrTransactionNotFound
	}
	if req.Claimant != rec.req.Claimant {
		return ledger.ClaimResult{}, &ledger.ContractRejectError{Reason: "claimant mismatch"}
	}
	if !secret.Verify(rec.req.Algorithm, req.Preimage, rec.req.SecretHash) {
		return ledger.ClaimResult{}, &ledger.ContractRejectError{Reason: "preimage does not match secret hash"}
	}
	now, err := a.clock.Now(ctx)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	if rec.req.Timelock.Before(now) {
		return ledger.ClaimResult{}, &ledger.ContractRejectError{Reason: "timelock has passed"}
	}
	remaining := rec.req.Amount - rec.claimedAmount
	if req.Amount == 0 || req.Amount > remaining {
		return ledger.ClaimResult{}, &ledger.ContractRejectError{Reason: "claim amount exceeds remaining balance"}
	}
	if req.Amount < remaining && !rec.req.AllowPartial {
		return ledger.ClaimResult{}, &ledger.ContractRejectError{Reason: "partial claims not permitted"}
	}

	rec.claimedAmount += req.Amount
	preimage := req.Preimage
	rec.revealedSecret = &preimage
	a.balance += req.Amount // claimant's own adapter credits its balance when it observes, not here in general; simulated keeps it simple for symmetry in tests

	txRef := fmt.Sprintf("%s-claim-%s", a.name, req.EscrowID)
	a.recordTx(txRef)
	return ledger.ClaimResult{TxRef: txRef}, nil
}

func (a *Adapter) Refund(ctx context.Context, req ledger.RefundRequest) (ledger.RefundResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.takeInjectedFailure(req.EscrowID); err != nil {
		return ledger.RefundResult{}, err
	}

	rec, ok := a.escrows[req.EscrowID]
	if !ok {
		return ledger.RefundResult{}, ledger.ErrTransactionNotFound
	}
	now, err := a.clock.Now(ctx)
	if err != nil {
		return ledger.RefundResult{}, err
	}
	if !rec.req.Timelock.Before(now) {
		return ledger.RefundResult{}, &ledger.ContractRejectError{Reason: "timelock has not yet passed"}
	}
	remaining := rec.req.Amount - rec.claimedAmount
	if remaining == 0 || rec.refunded {
		return ledger.RefundResult{}, &ledger.ContractRejectError{Reason: "nothing left to refund"}
	}

	rec.refunded = true
	a.balance += remaining
	txRef := fmt.Sprintf("%s-refund-%s", a.name, req.EscrowID)
	a.recordTx(txRef)
	return ledger.RefundResult{TxRef: txRef}, nil
}

func (a *Adapter) Observe(ctx context.Context, escrowID string) (ledger.Observation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.escrows[escrowID]
	if !ok {
		return ledger.Observation{Status: ledger.ObservationNotFound}, nil
	}

	status := ledger.ObservationDeposited
	switch {
	case rec.refunded:
		status = ledger.ObservationRefunded
	case rec.claimedAmount == rec.req.Amount && rec.req.Amount > 0:
		status = ledger.ObservationFullyClaimed
	case rec.claimedAmount > 0:
		status = ledger.ObservationClaimed
	}

	return ledger.Observation{
		Status:          status,
		DepositedAmount: rec.req.Amount,
		ClaimedAmount:   rec.claimedAmount,
		RevealedSecret:  rec.revealedSecret,
		Confirmations:   6,
	}, nil
}

func (a *Adapter) VerifyTx(ctx context.Context, txRef string) (ledger.TxVerification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, ok := a.txs[txRef]
	if !ok {
		return ledger.TxVerification{Status: ledger.TxStatusUnknown}, nil
	}
	return ledger.TxVerification{
		Found:       true,
		Confirmed:   true,
		BlockNumber: tx.blockNumber,
		Status:      ledger.TxStatusConfirmed,
	}, nil
}

func (a *Adapter) ExplorerURL(txRef string) string {
	return fmt.Sprintf("sim://%s/tx/%s", a.name, txRef)
}

var _ ledger.Adapter = (*Adapter)(nil)
