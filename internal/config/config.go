// Package config loads the daemon's on-disk YAML configuration: data
// directory, logging, coordinator policy knobs, the websocket listen
// address, and the set of ledgers this instance knows how to drive.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-labs/htlc-swap/internal/coordinator"
)

// LedgerKind selects which ledger.Adapter implementation a Ledgers entry
// constructs.
type LedgerKind string

const (
	LedgerKindL1UTXO    LedgerKind = "l1utxo"
	LedgerKindL2Account LedgerKind = "l2account"
	LedgerKindSimulated LedgerKind = "simulated"
)

// Config is the top-level daemon configuration.
type Config struct {
	// DataDir is the directory for the order store. Private keys are not
	// kept here; each ledger reads its key from the environment variable
	// named by its PrivateKeyEnv.
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`

	// Coordinator holds the coordinator's policy knobs, in the
	// human-friendly form this file is written/read in.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Stream is the address the progress/receipt websocket listens on.
	Stream StreamConfig `yaml:"stream"`

	// Ledgers holds one entry per ledger this instance can drive,
	// keyed by the name orders reference in L1Ledger/L2Ledger.
	Ledgers map[string]LedgerConfig `yaml:"ledgers,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// CoordinatorConfig is the YAML form of coordinator.Config: the same
// knobs, expressed as durations a human can read and edit directly.
type CoordinatorConfig struct {
	SafetyMargin        time.Duration `yaml:"safety_margin"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	OrderRetention      time.Duration `yaml:"order_retention"`
}

// ToCoordinatorConfig converts to the type coordinator.New expects.
func (c CoordinatorConfig) ToCoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		SafetyMargin:        c.SafetyMargin,
		MaxRetries:          c.MaxRetries,
		RetryInitialBackoff: c.RetryInitialBackoff,
		RetryMaxBackoff:     c.RetryMaxBackoff,
		PollInterval:        c.PollInterval,
		OrderRetention:      c.OrderRetention,
	}
}

// StreamConfig configures the websocket progress/receipt feed.
type StreamConfig struct {
	// ListenAddr is the address WebSocketHandler's http.Server listens
	// on, e.g. ":8089". Empty disables the websocket listener.
	ListenAddr string `yaml:"listen_addr"`
}

// LedgerConfig is one named ledger's construction parameters. Only the
// fields relevant to Kind are used; the rest are ignored.
type LedgerConfig struct {
	Kind LedgerKind `yaml:"kind"`

	// RPCURL is the node/explorer API endpoint (l1utxo, l2account).
	RPCURL string `yaml:"rpc_url,omitempty"`

	// ContractAddress is the deployed HTLC contract address
	// (l2account only). Left empty to fall back to the chain's
	// registered default via GetHTLCContract.
	ContractAddress string `yaml:"contract_address,omitempty"`

	// PrivateKeyEnv names the environment variable holding the hex
	// private key this ledger signs with (l1utxo, l2account). Keys are
	// never stored in the config file itself.
	PrivateKeyEnv string `yaml:"private_key_env,omitempty"`

	// Testnet selects the Bitcoin-family network parameters (l1utxo).
	Testnet bool `yaml:"testnet,omitempty"`

	// BlockTimeSeconds overrides the assumed average block time used to
	// convert an order's timelock into a CSV relative block count (l1utxo).
	BlockTimeSeconds int64 `yaml:"block_time_seconds,omitempty"`

	// ConfirmationWait is how long to wait for a transaction to mine
	// before giving up with ErrConfirmationTimeout (l2account).
	ConfirmationWait time.Duration `yaml:"confirmation_wait,omitempty"`

	// ExplorerBaseURL builds human-facing transaction links.
	ExplorerBaseURL string `yaml:"explorer_base_url,omitempty"`

	// StartingBalance seeds a simulated ledger (simulated only).
	StartingBalance uint64 `yaml:"starting_balance,omitempty"`

	// Address is the simulated ledger's reported address (simulated
	// only).
	Address string `yaml:"address,omitempty"`
}

// PrivateKeyHex resolves the configured environment variable. Returns an
// empty string if PrivateKeyEnv is unset.
func (l LedgerConfig) PrivateKeyHex() string {
	if l.PrivateKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.PrivateKeyEnv)
}

// DefaultConfig returns a Config with sensible defaults and no ledgers
// configured; an operator adds Ledgers entries before a daemon using
// this config can drive any swaps.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "~/.htlc-swap",
		Logging:     LoggingConfig{Level: "info"},
		Coordinator: CoordinatorConfig(coordinator.DefaultConfig()),
		Stream:      StreamConfig{ListenAddr: ":8089"},
		Ledgers:     map[string]LedgerConfig{},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file under dataDir. If the
// file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	header := []byte("# htlc-swap daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
