package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("expected data dir %q, got %q", dir, cfg.DataDir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %q", cfg.Logging.Level)
	}
	if cfg.Coordinator.SafetyMargin != 5*time.Minute {
		t.Errorf("expected default safety margin 5m, got %v", cfg.Coordinator.SafetyMargin)
	}

	if _, err := os.Stat(ConfigPath(dir)); err != nil {
		t.Errorf("expected config file to be written: %v", err)
	}
}

func TestLoadConfigReadsBackSavedChanges(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	cfg.Logging.Level = "debug"
	cfg.Ledgers["btc-testnet"] = LedgerConfig{
		Kind:            LedgerKindL1UTXO,
		Testnet:         true,
		PrivateKeyEnv:   "BTC_TESTNET_KEY",
		ExplorerBaseURL: "https://mempool.space/testnet/tx/",
	}
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("save config: %v", err)
	}

	reloaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.Logging.Level != "debug" {
		t.Errorf("expected reloaded logging level debug, got %q", reloaded.Logging.Level)
	}
	ledger, ok := reloaded.Ledgers["btc-testnet"]
	if !ok {
		t.Fatal("expected btc-testnet ledger to survive a save/load round trip")
	}
	if ledger.Kind != LedgerKindL1UTXO || !ledger.Testnet {
		t.Errorf("unexpected reloaded ledger config: %+v", ledger)
	}
}

func TestLoadConfigRejectsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(":\tnot: valid: yaml:::"), 0600); err != nil {
		t.Fatalf("write bad config: %v", err)
	}

	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected an error parsing invalid yaml")
	}
}

func TestPrivateKeyHexResolvesEnvVar(t *testing.T) {
	t.Setenv("TEST_SWAP_KEY", "deadbeef")

	l := LedgerConfig{PrivateKeyEnv: "TEST_SWAP_KEY"}
	if got := l.PrivateKeyHex(); got != "deadbeef" {
		t.Errorf("expected deadbeef, got %q", got)
	}

	unset := LedgerConfig{}
	if got := unset.PrivateKeyHex(); got != "" {
		t.Errorf("expected empty string with no PrivateKeyEnv, got %q", got)
	}
}

func TestToCoordinatorConfigPassesThroughFields(t *testing.T) {
	cc := CoordinatorConfig{
		SafetyMargin:        time.Minute,
		MaxRetries:          3,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     time.Minute,
		PollInterval:        2 * time.Second,
		OrderRetention:      24 * time.Hour,
	}
	got := cc.ToCoordinatorConfig()
	if got.SafetyMargin != cc.SafetyMargin || got.MaxRetries != cc.MaxRetries ||
		got.RetryInitialBackoff != cc.RetryInitialBackoff || got.RetryMaxBackoff != cc.RetryMaxBackoff ||
		got.PollInterval != cc.PollInterval || got.OrderRetention != cc.OrderRetention {
		t.Errorf("ToCoordinatorConfig() = %+v, want fields matching %+v", got, cc)
	}
}

func TestExpandPathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir available: %v", err)
	}
	got := expandPath("~/.htlc-swap")
	want := filepath.Join(home, ".htlc-swap")
	if got != want {
		t.Errorf("expandPath(~/.htlc-swap) = %q, want %q", got, want)
	}
}
