package simulated

import (
	"context"
	"errors"
	"testing"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

func TestDepositClaimFlow(t *testing.T) {
	fc := clock.NewFakeSource(0)
	a := New("sim-a", "addr-a", 10_000, fc)
	ctx := context.Background()

	s, _ := secret.Generate()
	h, _ := secret.SHA256.Hash(s)

	req := ledger.DepositRequest{
		EscrowID:   "esc-1",
		Algorithm:  secret.SHA256,
		SecretHash: h,
		Depositor:  "addr-a",
		Claimant:   "addr-b",
		Amount:     1000,
		Timelock:   clock.Timestamp(10_000),
	}
	if _, err := a.Deposit(ctx, req); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	bal, _ := a.Balance(ctx)
	if bal != 9000 {
		t.Fatalf("got balance %d, want 9000", bal)
	}

	obs, err := a.Observe(ctx, "esc-1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Status != ledger.ObservationDeposited {
		t.Fatalf("got status %s, want DEPOSITED", obs.Status)
	}

	if _, err := a.Claim(ctx, ledger.ClaimRequest{EscrowID: "esc-1", Claimant: "addr-b", Amount: 1000, Preimage: s}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	obs, _ = a.Observe(ctx, "esc-1")
	if obs.Status != ledger.ObservationFullyClaimed {
		t.Fatalf("got status %s, want FULLY_CLAIMED", obs.Status)
	}
	if obs.RevealedSecret == nil || *obs.RevealedSecret != s {
		t.Fatalf("revealed secret mismatch")
	}
}

func TestDepositIsIdempotent(t *testing.T) {
	fc := clock.NewFakeSource(0)
	a := New("sim-a", "addr-a", 10_000, fc)
	ctx := context.Background()

	s, _ := secret.Generate()
	h, _ := secret.SHA256.Hash(s)
	req := ledger.DepositRequest{EscrowID: "esc-1", Algorithm: secret.SHA256, SecretHash: h, Amount: 1000, Claimant: "addr-b", Timelock: clock.Timestamp(10_000)}

	if _, err := a.Deposit(ctx, req); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if _, err := a.Deposit(ctx, req); err != nil {
		t.Fatalf("replayed deposit should succeed idempotently: %v", err)
	}
	bal, _ := a.Balance(ctx)
	if bal != 9000 {
		t.Fatalf("replayed deposit should not double-spend: got balance %d", bal)
	}
}

func TestClaimWithWrongPreimageRejected(t *testing.T) {
	fc := clock.NewFakeSource(0)
	a := New("sim-a", "addr-a", 10_000, fc)
	ctx := context.Background()

	s, _ := secret.Generate()
	h, _ := secret.SHA256.Hash(s)
	req := ledger.DepositRequest{EscrowID: "esc-1", Algorithm: secret.SHA256, SecretHash: h, Amount: 1000, Claimant: "addr-b", Timelock: clock.Timestamp(10_000)}
	if _, err := a.Deposit(ctx, req); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var wrong secret.Secret
	wrong[0] = 0x01
	_, err := a.Claim(ctx, ledger.ClaimRequest{EscrowID: "esc-1", Claimant: "addr-b", Amount: 1000, Preimage: wrong})
	var rejectErr *ledger.ContractRejectError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("expected ContractRejectError, got %v", err)
	}
}

func TestClaimUnknownEscrowNotFound(t *testing.T) {
	fc := clock.NewFakeSource(0)
	a := New("sim-a", "addr-a", 10_000, fc)
	ctx := context.Background()

	s, _ := secret.Generate()
	_, err := a.Claim(ctx, ledger.ClaimRequest{EscrowID: "0x0000000000000000000000000000000000000000000000000000000000000001", Claimant: "addr-b", Amount: 1, Preimage: s})
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("got %v, want ErrTransactionNotFound", err)
	}
}

func TestRefundAfterTimelock(t *testing.T) {
	fc := clock.NewFakeSource(0)
	a := New("sim-a", "addr-a", 10_000, fc)
	ctx := context.Background()

	s, _ := secret.Generate()
	h, _ := secret.SHA256.Hash(s)
	req := ledger.DepositRequest{EscrowID: "esc-1", Algorithm: secret.SHA256, SecretHash: h, Amount: 1000, Claimant: "addr-b", Timelock: clock.Timestamp(5000)}
	if _, err := a.Deposit(ctx, req); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := a.Refund(ctx, ledger.RefundRequest{EscrowID: "esc-1"}); err == nil {
		t.Fatalf("expected refund before timelock to fail")
	}

	fc.Set(clock.Timestamp(5000))
	if _, err := a.Refund(ctx, ledger.RefundRequest{EscrowID: "esc-1"}); err == nil {
		t.Fatalf("expected refund exactly at the timelock to still fail")
	}

	fc.Set(clock.Timestamp(5001))
	if _, err := a.Refund(ctx, ledger.RefundRequest{EscrowID: "esc-1"}); err != nil {
		t.Fatalf("refund after timelock: %v", err)
	}
	bal, _ := a.Balance(ctx)
	if bal != 10_000 {
		t.Fatalf("got balance %d, want 10000 after refund", bal)
	}
}

func TestInjectedFailureIsConsumedOnce(t *testing.T) {
	fc := clock.NewFakeSource(0)
	a := New("sim-a", "addr-a", 10_000, fc)
	ctx := context.Background()

	s, _ := secret.Generate()
	h, _ := secret.SHA256.Hash(s)
	req := ledger.DepositRequest{EscrowID: "esc-1", Algorithm: secret.SHA256, SecretHash: h, Amount: 1000, Claimant: "addr-b", Timelock: clock.Timestamp(5000)}

	a.InjectFailure("esc-1", ledger.ErrTransient)
	if _, err := a.Deposit(ctx, req); !errors.Is(err, ledger.ErrTransient) {
		t.Fatalf("got %v, want injected ErrTransient", err)
	}
	if _, err := a.Deposit(ctx, req); err != nil {
		t.Fatalf("retry after injected failure should succeed: %v", err)
	}
}
