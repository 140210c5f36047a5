// Package main provides swapd, the daemon that drives atomic swap orders
// across whichever ledgers its config file names.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/config"
	"github.com/klingon-labs/htlc-swap/internal/coordinator"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/ledger/l1utxo"
	"github.com/klingon-labs/htlc-swap/internal/ledger/l2account"
	"github.com/klingon-labs/htlc-swap/internal/ledger/simulated"
	"github.com/klingon-labs/htlc-swap/internal/store"
	"github.com/klingon-labs/htlc-swap/internal/stream"
	"github.com/klingon-labs/htlc-swap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.htlc-swap", "Data directory")
		listenAddr  = flag.String("listen", "", "Websocket listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Stream.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logCfg := &logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatal("failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		logCfg.Output = f
	}
	log = logging.New(logCfg)
	logging.SetDefault(log)

	log.Info("config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(store.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer st.Close()
	log.Info("store opened", "data_dir", cfg.DataDir)

	ledgers := make(map[string]ledger.Adapter, len(cfg.Ledgers))
	for name, lc := range cfg.Ledgers {
		adapter, err := buildLedger(ctx, name, lc)
		if err != nil {
			log.Fatal("failed to construct ledger", "ledger", name, "error", err)
		}
		ledgers[name] = adapter
		log.Info("ledger ready", "ledger", name, "kind", lc.Kind)
	}

	bus := stream.NewBus()

	var wsServer *http.Server
	if cfg.Stream.ListenAddr != "" {
		wsHandler := stream.NewWebSocketHandler(bus)
		mux := http.NewServeMux()
		mux.Handle("/ws", wsHandler)
		wsServer = &http.Server{Addr: cfg.Stream.ListenAddr, Handler: mux}
		go func() {
			log.Info("websocket stream listening", "addr", cfg.Stream.ListenAddr)
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("websocket server stopped", "error", err)
			}
		}()
	}

	coord := coordinator.New(ledgers, st, bus, cfg.Coordinator.ToCoordinatorConfig())

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- coord.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down...")
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Error("coordinator exited", "error", err)
		}
		cancel()
	}

	if wsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error stopping websocket server", "error", err)
		}
	}

	log.Info("goodbye")
}

// buildLedger constructs a ledger.Adapter from one named config entry.
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
		return nil, fmt.Errorf("swapd: unknown ledger kind %q for ledger %q", lc.Kind, name)
	}
}
