package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/ledger/simulated"
	"github.com/klingon-labs/htlc-swap/internal/secret"
	"github.com/klingon-labs/htlc-swap/internal/store"
	"github.com/klingon-labs/htlc-swap/internal/stream"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SafetyMargin = 1000 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

// waitForState polls the store until orderID reaches one of the wanted
// states or the deadline elapses.
func waitForState(t *testing.T, st *store.Store, orderID string, timeout time.Duration, want ...store.State) *store.Order {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		order, err := st.GetOrder(context.Background(), orderID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		for _, w := range want {
			if order.State == w {
				return order
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	order, _ := st.GetOrder(context.Background(), orderID)
	t.Fatalf("order %s did not reach state %v within %s, last state %s", orderID, want, timeout, order.State)
	return nil
}

func newHappyOrderParams(orderID string) NewOrderParams {
	return NewOrderParams{
		OrderID:      orderID,
		Algorithm:    secret.SHA256,
		L1Ledger:     "l1-sim",
		L2Ledger:     "l2-sim",
		L1Depositor:  "alice-l1",
		L1Claimant:   "bob-l1",
		L1Amount:     1000,
		L1TimelockMS: 100_000,
		L2Depositor:  "bob-l2",
		L2Claimant:   "alice-l2",
		L2Amount:     900,
		L2TimelockMS: 50_000,
	}
}

func TestNewOrderRejectsBadTimelockOrdering(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	p := newHappyOrderParams("order-bad-timelock")
	p.L2TimelockMS = p.L1TimelockMS // no margin at all
	_, err := c.NewOrder(context.Background(), p)
	if !errors.Is(err, ErrTimelockOrdering) {
		t.Fatalf("expected ErrTimelockOrdering, got %v", err)
	}
}

func TestNewOrderRejectsDuplicateID(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	ctx := context.Background()
	p := newHappyOrderParams("order-dup")
	if _, err := c.NewOrder(ctx, p); err != nil {
		t.Fatalf("first NewOrder: %v", err)
	}
	if _, err := c.NewOrder(ctx, p); !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists, got %v", err)
	}
}

func TestHappyPathCompletesBothLegs(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	order, err := c.NewOrder(ctx, newHappyOrderParams("order-happy"))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if err := c.Start(ctx, order.OrderID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForState(t, st, order.OrderID, time.Second, store.StateCompleted)
	if final.L1.ClaimTx == "" || final.L2.ClaimTx == "" {
		t.Fatalf("expected both legs claimed, got %+v", final)
	}
	if final.RevealedSecretHex == "" {
		t.Fatalf("expected revealed secret to be recorded")
	}

	l1obs, err := l1.Observe(ctx, order.L1.EscrowID)
	if err != nil {
		t.Fatalf("observe l1: %v", err)
	}
	if l1obs.Status != ledger.ObservationFullyClaimed {
		t.Fatalf("expected l1 fully claimed on chain, got %s", l1obs.Status)
	}
}

func TestCounterpartyNeverClaimsFallsBackToRefund(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newHappyOrderParams("order-refund")
	p.L1TimelockMS = 2000
	p.L2TimelockMS = 500
	order, err := c.NewOrder(ctx, p)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}

	// The injected failure hits the next operation on the l2 escrow, its
	// deposit. A ContractRejectError is non-transient, so with l1 already
	// locked the order aborts to the refund path; only l1 was funded, so
	// only l1 is refunded once its timelock passes.
	l2.InjectFailure(order.L2.EscrowID, &ledger.ContractRejectError{Reason: "injected claimant unavailable"})

	if err := c.Start(ctx, order.OrderID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Advance the shared clock past both timelocks so the refund path's
	// waitForTimelock calls return promptly.
	time.Sleep(5 * time.Millisecond)
	fc.Advance(3 * time.Second)

	final := waitForState(t, st, order.OrderID, 2*time.Second, store.StateRefunded, store.StateFailed)
	if final.State != store.StateRefunded {
		t.Fatalf("expected order to refund, got state=%s reason=%s", final.State, final.FailureReason)
	}
	if final.L1.RefundTx == "" {
		t.Fatalf("expected l1 leg refunded, got %+v", final.L1)
	}
}

func TestPartialFillClaim(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newHappyOrderParams("order-partial")
	p.AllowPartial = true
	p.MinClaimAmount = 100
	order, err := c.NewOrder(ctx, p)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if err := c.Start(ctx, order.OrderID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForState(t, st, order.OrderID, time.Second, store.StateCompleted)
	if !final.AllowPartial {
		t.Fatalf("expected AllowPartial to persist")
	}
}

// TestRecoveryResumesNonTerminalOrdersIdempotently exercises the crash
// recovery sweep: a second Coordinator instance over the
// same store and ledgers, starting from an order already PHASE1_LOCKING
// with l1 deposited but l2 not, must finish the order without
// re-depositing l1.
func TestRecoveryResumesNonTerminalOrdersIdempotently(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}

	ctx := context.Background()
	seed := New(ledgers, st, stream.NewBus(), testConfig())
	order, err := seed.NewOrder(ctx, newHappyOrderParams("order-recover"))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}

	hash, err := order.SecretHash()
	if err != nil {
		t.Fatalf("secret hash: %v", err)
	}
	depositRes, err := l1.Deposit(ctx, ledger.DepositRequest{
		EscrowID:   order.L1.EscrowID,
		Algorithm:  order.Algorithm,
		SecretHash: hash,
		Depositor:  order.L1.Depositor,
		Claimant:   order.L1.Claimant,
		Amount:     order.L1.Amount,
		Timelock:   clock.Timestamp(order.L1.Timelock),
	})
	if err != nil {
		t.Fatalf("pre-seed l1 deposit: %v", err)
	}
	order.L1.DepositTx = depositRes.TxRef
	order.State = store.StatePhase1Locking
	if err := st.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save pre-seeded order: %v", err)
	}
	if err := st.StepDone(ctx, order.OrderID, stepDepositL1, depositRes.TxRef); err != nil {
		t.Fatalf("mark deposit-l1 done: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resumed := New(ledgers, st, stream.NewBus(), testConfig())
	go resumed.Run(runCtx)

	final := waitForState(t, st, order.OrderID, time.Second, store.StateCompleted)
	if final.L1.DepositTx != depositRes.TxRef {
		t.Fatalf("expected l1 deposit tx to be preserved from before recovery, got %q want %q", final.L1.DepositTx, depositRes.TxRef)
	}
}

func TestCancelOnUnknownOrderFails(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	if err := c.Cancel("never-started"); !errors.Is(err, ErrOrderNotRunning) {
		t.Fatalf("expected ErrOrderNotRunning, got %v", err)
	}
}

func TestCancelAfterTaskFinishedIsRejected(t *testing.T) {
	st := newTestStore(t)
	fc := clock.NewFakeSource(0)
	l1 := simulated.New("l1-sim", "l1-addr", 1_000_000, fc)
	l2 := simulated.New("l2-sim", "l2-addr", 1_000_000, fc)
	ledgers := map[string]ledger.Adapter{"l1-sim": l1, "l2-sim": l2}
	c := New(ledgers, st, stream.NewBus(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	order, err := c.NewOrder(ctx, newHappyOrderParams("order-no-cancel"))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if err := c.Start(ctx, order.OrderID); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForState(t, st, order.OrderID, time.Second, store.StateCompleted)
	if err := c.Cancel(order.OrderID); !errors.Is(err, ErrOrderNotRunning) {
		t.Fatalf("expected ErrOrderNotRunning once the task has finished, got %v", err)
	}
}
