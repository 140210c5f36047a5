// Package coordinator implements the swap coordinator: the two-phase
// protocol driver that locks both legs of an atomic swap,
// claims the side that reveals the secret on-chain, then claims the
// other leg with the now-public preimage, falling back to refund if a
// leg's counterparty never shows. Every step is checkpointed to the
// store before and after the ledger call it guards, and keyed by
// (order_id, step_name) so a crash can never cause a double-submit.
// A long-lived Coordinator holds a map of per-ledger backends plus an
// in-memory view of active orders, with all durable state living in the
// store rather than the map.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/secret"
	"github.com/klingon-labs/htlc-swap/internal/store"
	"github.com/klingon-labs/htlc-swap/internal/stream"
	"github.com/klingon-labs/htlc-swap/pkg/logging"
)

// Errors returned by NewOrder and order/task lookups.
var (
	ErrUnknownLedger      = errors.New("coordinator: unknown ledger")
	ErrOrderExists        = errors.New("coordinator: order already exists")
	ErrTimelockOrdering   = errors.New("coordinator: timelock_b + safety_margin must be <= timelock_a")
	ErrInvalidAlgorithm   = errors.New("coordinator: unknown hash algorithm")
	ErrCancelWindowClosed = errors.New("coordinator: order has passed phase 1 step 2, cannot be cancelled")
	ErrOrderNotRunning    = errors.New("coordinator: order is not an active in-memory task")
)

// Config holds the coordinator's policy knobs: options that govern
// coordinator behavior rather than a single order's terms.
type Config struct {
	SafetyMargin        time.Duration
	MaxRetries          int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	PollInterval        time.Duration
	OrderRetention      time.Duration
}

// DefaultConfig returns sane defaults for production use.
func DefaultConfig() Config {
	return Config{
		SafetyMargin:        5 * time.Minute,
		MaxRetries:          8,
		RetryInitialBackoff: 2 * time.Second,
		RetryMaxBackoff:     2 * time.Minute,
		PollInterval:        10 * time.Second,
		OrderRetention:      7 * 24 * time.Hour,
	}
}

// NewOrderParams describes a fresh order, supplied by the CLI/RPC layer.
type NewOrderParams struct {
	OrderID        string
	Algorithm      secret.HashAlgorithm
	L1Ledger       string
	L2Ledger       string
	L1Depositor    string
	L1Claimant     string
	L1Amount       uint64
	L1TimelockMS   int64
	L2Depositor    string
	L2Claimant     string
	L2Amount       uint64
	L2TimelockMS   int64
	AllowPartial   bool
	MinClaimAmount uint64
}

// orderTask is the coordinator's in-memory handle on one running order;
// all state that must survive a crash lives in the store, never here.
type orderTask struct {
	cancel     context.CancelFunc
	phase1Done bool // true once Phase 1 step 2 (deposit on ledger B) has begun; gates cancellation
}

// Coordinator drives every non-terminal order's per-order task. Its only
// in-memory state is the set of currently-running tasks (for
// cancellation and duplicate-Start suppression) — restarting the process
// and calling Run again reconstructs every in-flight task from the store.
type Coordinator struct {
	mu      sync.Mutex
	ledgers map[string]ledger.Adapter
	store   *store.Store
	bus     *stream.Bus
	cfg     Config
	log     *logging.Logger

	tasks map[string]*orderTask
	wg    sync.WaitGroup
}

// New constructs a Coordinator over the given ledger registry (ledger
// name -> adapter), store, and event bus.
func New(ledgers map[string]ledger.Adapter, st *store.Store, bus *stream.Bus, cfg Config) *Coordinator {
	return &Coordinator{
		ledgers: ledgers,
		store:   st,
		bus:     bus,
		cfg:     cfg,
		log:     logging.GetDefault().Component("coordinator"),
		tasks:   make(map[string]*orderTask),
	}
}

// NewOrder validates params — including the timelock ordering invariant
// (timelock_b + safety_margin <= timelock_a) — generates a fresh secret,
// and persists the order in NEW state before any ledger I/O occurs. Call
// Start to begin driving it.
func (c *Coordinator) NewOrder(ctx context.Context, p NewOrderParams) (*store.Order, error) {
	if !p.Algorithm.Valid() {
		return nil, ErrInvalidAlgorithm
	}
	if _, err := c.ledgerFor(p.L1Ledger); err != nil {
		return nil, err
	}
	if _, err := c.ledgerFor(p.L2Ledger); err != nil {
		return nil, err
	}
	safetyMarginMS := c.cfg.SafetyMargin.Milliseconds()
	if p.L2TimelockMS+safetyMarginMS > p.L1TimelockMS {
		return nil, fmt.Errorf("%w: timelock_b=%d + safety_margin=%d > timelock_a=%d",
			ErrTimelockOrdering, p.L2TimelockMS, safetyMarginMS, p.L1TimelockMS)
	}

	if _, err := c.store.GetOrder(ctx, p.OrderID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderExists, p.OrderID)
	} else if !errors.Is(err, store.ErrOrderNotFound) {
		return nil, fmt.Errorf("coordinator: check existing order: %w", err)
	}

	s, err := secret.Generate()
	if err != nil {
		return nil, fmt.Errorf("coordinator: generate secret: %w", err)
	}
	hash, err := p.Algorithm.Hash(s)
	if err != nil {
		return nil, fmt.Errorf("coordinator: hash secret: %w", err)
	}

	order := &store.Order{
		OrderID:       p.OrderID,
		Algorithm:     p.Algorithm,
		SecretHashHex: hash.String(),
		SecretHex:     s.String(),
		L1Ledger:      p.L1Ledger,
		L2Ledger:      p.L2Ledger,
		L1: store.LegRecord{
			EscrowID:  p.OrderID + "-l1",
			Depositor: p.L1Depositor,
			Claimant:  p.L1Claimant,
			Amount:    p.L1Amount,
			Timelock:  p.L1TimelockMS,
		},
		L2: store.LegRecord{
			EscrowID:  p.OrderID + "-l2",
			Depositor: p.L2Depositor,
			Claimant:  p.L2Claimant,
			Amount:    p.L2Amount,
			Timelock:  p.L2TimelockMS,
		},
		AllowPartial:   p.AllowPartial,
		MinClaimAmount: p.MinClaimAmount,
		State:          store.StateNew,
	}

	if err := c.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("coordinator: persist new order: %w", err)
	}
	c.bus.Publish(order.OrderID, stream.KindOrderCreated, nil)
	return order, nil
}

// Start begins driving order as a background task. Safe to call once
// per order, either right after NewOrder or during the crash-recovery
// sweep in Run; a second Start call for an already-running order is a
// no-op.
func (c *Coordinator) Start(ctx context.Context, orderID string) error {
	c.mu.Lock()
	if _, running := c.tasks[orderID]; running {
		c.mu.Unlock()
		return nil
	}
	taskCtx, cancel := context.WithCancel(ctx)
	c.tasks[orderID] = &orderTask{cancel: cancel}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.tasks, orderID)
			c.mu.Unlock()
		}()
		c.driveOrder(taskCtx, orderID)
	}()
	return nil
}

// Cancel aborts orderID, but only before Phase 1 step 2 (deposit on
// ledger B) has begun. Past that point the only escape is the refund
// path.
func (c *Coordinator) Cancel(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[orderID]
	if !ok {
		return ErrOrderNotRunning
	}
	if t.phase1Done {
		return ErrCancelWindowClosed
	}
	t.cancel()
	return nil
}

func (c *Coordinator) markPhase1Done(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[orderID]; ok {
		t.phase1Done = true
	}
}

// Run scans the store for every non-terminal order on startup and
// resumes each one as a task — the crash-recovery sweep. It then blocks
// until ctx is cancelled, at which point every running task is cancelled
// and Run waits for them to exit.
func (c *Coordinator) Run(ctx context.Context) error {
	orders, err := c.store.ScanNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: scan non-terminal orders: %w", err)
	}
	c.log.Info("resuming non-terminal orders", "count", len(orders))
	for _, o := range orders {
		if err := c.Start(ctx, o.OrderID); err != nil {
			c.log.Error("failed to resume order", "order_id", o.OrderID, "error", err)
		}
	}

	<-ctx.Done()
	c.mu.Lock()
	for _, t := range c.tasks {
		t.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// ledgerFor looks up a registered ledger adapter by name.
func (c *Coordinator) ledgerFor(name string) (ledger.Adapter, error) {
	a, ok := c.ledgers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, name)
	}
	return a, nil
}
