package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/config"
	"github.com/klingon-labs/htlc-swap/internal/coordinator"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/ledger/l1utxo"
	"github.com/klingon-labs/htlc-swap/internal/ledger/l2account"
	"github.com/klingon-labs/htlc-swap/internal/ledger/simulated"
	"github.com/klingon-labs/htlc-swap/internal/secret"
	"github.com/klingon-labs/htlc-swap/internal/store"
	"github.com/klingon-labs/htlc-swap/internal/stream"
	"github.com/klingon-labs/htlc-swap/internal/verifier"
	"github.com/klingon-labs/htlc-swap/pkg/helpers"
)

// buildLedger constructs a ledger.Adapter from one named config entry.
// Kept in lockstep with swapd's buildLedger since both binaries must
// construct identical adapters from the same config file.
func buildLedger(ctx context.Context, name string, lc config.LedgerConfig) (ledger.Adapter, error) {
	switch lc.Kind {
	case config.LedgerKindL1UTXO:
		return l1utxo.New(l1utxo.Config{
			Name:             name,
			Client:           l1utxo.NewMempoolClient(lc.RPCURL),
			Testnet:          lc.Testnet,
			PrivateKeyHex:    lc.PrivateKeyHex(),
			BlockTimeSeconds: lc.BlockTimeSeconds,
			ExplorerBaseURL:  lc.ExplorerBaseURL,
		})
	case config.LedgerKindL2Account:
		return l2account.New(ctx, l2account.Config{
			Name:             name,
			RPCURL:           lc.RPCURL,
			ContractAddress:  lc.ContractAddress,
			PrivateKeyHex:    lc.PrivateKeyHex(),
			ConfirmationWait: lc.ConfirmationWait,
			ExplorerBaseURL:  lc.ExplorerBaseURL,
		})
	case config.LedgerKindSimulated:
		fakeClock := clock.NewFakeSource(clock.Timestamp(time.Now().UnixMilli()))
		return simulated.New(name, lc.Address, lc.StartingBalance, fakeClock), nil
	default:
		return nil, fmt.Errorf("swapctl: unknown ledger kind %q for ledger %q", lc.Kind, name)
	}
}

// runtime holds everything a subcommand needs to touch a swapd data
// directory directly: the loaded config, the order store, and one
// adapter per configured ledger.
type runtime struct {
	cfg     *config.Config
	store   *store.Store
	ledgers map[string]ledger.Adapter
	bus     *stream.Bus
}

func openRuntime(ctx context.Context, dataDir string) (*runtime, error) {
	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.New(store.Config{DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ledgers := make(map[string]ledger.Adapter, len(cfg.Ledgers))
	for name, lc := range cfg.Ledgers {
		adapter, err := buildLedger(ctx, name, lc)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("construct ledger %q: %w", name, err)
		}
		ledgers[name] = adapter
	}

	return &runtime{cfg: cfg, store: st, ledgers: ledgers, bus: stream.NewBus()}, nil
}

func (r *runtime) Close() {
	r.store.Close()
}

// decimalsFor reports how many fractional digits a ledger's amount
// flags should be parsed/formatted with: satoshis for l1utxo, wei for
// l2account, raw smallest units (no conversion) for simulated.
func decimalsFor(kind config.LedgerKind) uint8 {
	switch kind {
	case config.LedgerKindL1UTXO:
		return 8
	case config.LedgerKindL2Account:
		return 18
	default:
		return 0
	}
}

func (r *runtime) parseAmount(ledgerName, amount string) (uint64, error) {
	lc, ok := r.cfg.Ledgers[ledgerName]
	if !ok {
		return 0, fmt.Errorf("unknown ledger %q", ledgerName)
	}
	return helpers.ParseAmount(amount, decimalsFor(lc.Kind))
}

var startCommand = cli.Command{
	Name:      "start",
	Usage:     "create and drive a new swap order",
	ArgsUsage: "order-id",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "algorithm", Value: string(secret.SHA256), Usage: "sha256 or blake2b256"},
		cli.StringFlag{Name: "l1-ledger", Usage: "name of the configured ledger backing leg 1"},
		cli.StringFlag{Name: "l2-ledger", Usage: "name of the configured ledger backing leg 2"},
		cli.StringFlag{Name: "l1-depositor", Usage: "leg 1 depositor address"},
		cli.StringFlag{Name: "l1-claimant", Usage: "leg 1 claimant address"},
		cli.StringFlag{Name: "l1-amount", Usage: "leg 1 amount, decimal (e.g. 0.5)"},
		cli.Int64Flag{Name: "l1-timelock", Usage: "leg 1 timelock, unix ms"},
		cli.StringFlag{Name: "l2-depositor", Usage: "leg 2 depositor address"},
		cli.StringFlag{Name: "l2-claimant", Usage: "leg 2 claimant address"},
		cli.StringFlag{Name: "l2-amount", Usage: "leg 2 amount, decimal (e.g. 0.5)"},
		cli.Int64Flag{Name: "l2-timelock", Usage: "leg 2 timelock, unix ms"},
		cli.BoolFlag{Name: "allow-partial", Usage: "allow partial claims against either leg"},
		cli.StringFlag{Name: "min-claim-amount", Value: "0", Usage: "minimum partial claim, decimal, leg 1 units"},
		cli.DurationFlag{Name: "wait", Value: 10 * time.Minute, Usage: "how long to wait for a terminal state before giving up"},
	},
	Action: runStart,
}

func runStart(c *cli.Context) error {
	orderID := c.Args().First()
	if orderID == "" {
		return fmt.Errorf("swap start requires an order-id argument")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("wait"))
	defer cancel()

	rt, err := openRuntime(ctx, c.GlobalString("data-dir"))
	if err != nil {
		return err
	}
	defer rt.Close()

	l1Amount, err := rt.parseAmount(c.String("l1-ledger"), c.String("l1-amount"))
	if err != nil {
		return fmt.Errorf("parse l1-amount: %w", err)
	}
	l2Amount, err := rt.parseAmount(c.String("l2-ledger"), c.String("l2-amount"))
	if err != nil {
		return fmt.Errorf("parse l2-amount: %w", err)
	}
	minClaim, err := rt.parseAmount(c.String("l1-ledger"), c.String("min-claim-amount"))
	if err != nil {
		return fmt.Errorf("parse min-claim-amount: %w", err)
	}

	coord := coordinator.New(rt.ledgers, rt.store, rt.bus, rt.cfg.Coordinator.ToCoordinatorConfig())

	order, err := coord.NewOrder(ctx, coordinator.NewOrderParams{
		OrderID:        orderID,
		Algorithm:      secret.HashAlgorithm(c.String("algorithm")),
		L1Ledger:       c.String("l1-ledger"),
		L2Ledger:       c.String("l2-ledger"),
		L1Depositor:    c.String("l1-depositor"),
		L1Claimant:     c.String("l1-claimant"),
		L1Amount:       l1Amount,
		L1TimelockMS:   c.Int64("l1-timelock"),
		L2Depositor:    c.String("l2-depositor"),
		L2Claimant:     c.String("l2-claimant"),
		L2Amount:       l2Amount,
		L2TimelockMS:   c.Int64("l2-timelock"),
		AllowPartial:   c.Bool("allow-partial"),
		MinClaimAmount: minClaim,
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	events, unsubscribe := rt.bus.Subscribe(64)
	defer unsubscribe()

	if err := coord.Start(ctx, order.OrderID); err != nil {
		return fmt.Errorf("start order: %w", err)
	}

	return waitForTerminal(ctx, rt.store, events, order.OrderID)
}

// waitForTerminal prints progress events for orderID as they arrive and
// returns once the order reaches a terminal state, or the context
// expires first.
func waitForTerminal(ctx context.Context, st *store.Store, events <-chan stream.Event, orderID string) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before order %s reached a terminal state", orderID)
			}
			if ev.OrderID != orderID {
				continue
			}
			fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Time.Format(time.RFC3339), ev.Kind)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for order %s: %w", orderID, ctx.Err())
		}

		order, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		if order.State.Terminal() {
			printOrder(order)
			if order.State == store.StateCompleted {
				return nil
			}
			return cli.NewExitError(fmt.Sprintf("order %s ended in state %s", orderID, order.State), 3)
		}
	}
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "print an order's last recorded state",
	ArgsUsage: "order-id",
	Action: func(c *cli.Context) error {
		orderID := c.Args().First()
		if orderID == "" {
			return fmt.Errorf("swap status requires an order-id argument")
		}

		ctx := context.Background()
		rt, err := openRuntime(ctx, c.GlobalString("data-dir"))
		if err != nil {
			return err
		}
		defer rt.Close()

		order, err := rt.store.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		printOrder(order)
		return nil
	},
}

var verifyCommand = cli.Command{
	Name:      "verify",
	Usage:     "re-check an order's live on-chain state against the store",
	ArgsUsage: "order-id",
	Action: func(c *cli.Context) error {
		orderID := c.Args().First()
		if orderID == "" {
			return fmt.Errorf("swap verify requires an order-id argument")
		}

		ctx := context.Background()
		rt, err := openRuntime(ctx, c.GlobalString("data-dir"))
		if err != nil {
			return err
		}
		defer rt.Close()

		order, err := rt.store.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		l1, ok := rt.ledgers[order.L1Ledger]
		if !ok {
			return fmt.Errorf("ledger %q is not configured", order.L1Ledger)
		}
		l2, ok := rt.ledgers[order.L2Ledger]
		if !ok {
			return fmt.Errorf("ledger %q is not configured", order.L2Ledger)
		}

		report, err := verifier.New(l1, l2).Verify(ctx, order)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if report.Mismatch {
			return cli.NewExitError(fmt.Sprintf("order %s: live state disagrees with the store", orderID), 2)
		}
		return nil
	},
}

var refundCommand = cli.Command{
	Name:      "refund",
	Usage:     "force an order into the refund path and drive it to completion",
	ArgsUsage: "order-id",
	Flags: []cli.Flag{
		cli.DurationFlag{Name: "wait", Value: 10 * time.Minute, Usage: "how long to wait for the refund to finish"},
	},
	Action: func(c *cli.Context) error {
		orderID := c.Args().First()
		if orderID == "" {
			return fmt.Errorf("swap refund requires an order-id argument")
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.Duration("wait"))
		defer cancel()

		rt, err := openRuntime(ctx, c.GlobalString("data-dir"))
		if err != nil {
			return err
		}
		defer rt.Close()

		order, err := rt.store.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		if order.State.Terminal() {
			return fmt.Errorf("order %s is already in terminal state %s", orderID, order.State)
		}

		order.State = store.StateRefunding
		if err := rt.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("mark order for refund: %w", err)
		}

		coord := coordinator.New(rt.ledgers, rt.store, rt.bus, rt.cfg.Coordinator.ToCoordinatorConfig())
		events, unsubscribe := rt.bus.Subscribe(64)
		defer unsubscribe()

		if err := coord.Start(ctx, orderID); err != nil {
			return fmt.Errorf("start refund: %w", err)
		}

		return waitForRefund(ctx, rt.store, events, orderID)
	},
}

// waitForRefund prints progress events for orderID and returns once it
// reaches StateRefunded (success) or another terminal state (failure).
func waitForRefund(ctx context.Context, st *store.Store, events <-chan stream.Event, orderID string) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before order %s finished refunding", orderID)
			}
			if ev.OrderID == orderID {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Time.Format(time.RFC3339), ev.Kind)
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for order %s to refund: %w", orderID, ctx.Err())
		}

		order, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		if !order.State.Terminal() {
			continue
		}
		printOrder(order)
		if order.State == store.StateRefunded {
			return nil
		}
		return cli.NewExitError(fmt.Sprintf("order %s ended in state %s instead of REFUNDED", orderID, order.State), 3)
	}
}

func printOrder(order *store.Order) {
	out, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}
