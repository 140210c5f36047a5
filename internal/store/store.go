// Package store is the durable order record store: a SQLite-backed,
// versioned, checkpointed record of every swap order, plus the idempotent
// step ledger the coordinator uses to make crash recovery safe.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

// SchemaVersion is written into every order record on save, so a future
// migration can distinguish rows written by an older binary.
const SchemaVersion = 1

var ErrOrderNotFound = errors.New("store: order not found")

// State is an order's top-level lifecycle stage, driven by the
// coordinator.
type State string

const (
	StateNew            State = "NEW"
	StatePhase1Locking  State = "PHASE1_LOCKING"
	StateLocked         State = "LOCKED"
	StatePhase2Claiming State = "PHASE2_CLAIMING"
	StateCompleted      State = "COMPLETED"
	StateRefunding      State = "REFUNDING"
	StateRefunded       State = "REFUNDED"
	StateFailed         State = "FAILED"
)

// Terminal reports whether state is one the coordinator will never move
// an order out of.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateFailed:
		return true
	default:
		return false
	}
}

// LegRecord is the durable state of one leg (one HTLC deposit) of an
// order.
type LegRecord struct {
	EscrowID  string `json:"escrow_id"`
	Depositor string `json:"depositor"`
	Claimant  string `json:"claimant"`
	Amount    uint64 `json:"amount"`
	Timelock  int64  `json:"timelock_ms"`
	DepositTx string `json:"deposit_tx,omitempty"`
	ClaimTx   string `json:"claim_tx,omitempty"`
	RefundTx  string `json:"refund_tx,omitempty"`
}

// Order is the durable record of one atomic swap order. The coordinator
// self-custodies both legs (it is not a two-party peer protocol), so it
// knows the preimage from the moment the order is created; SecretHex
// holds it from then on. RevealedSecretHex is set separately, only once
// the coordinator has actually observed the preimage appear in an
// on-chain claim (the observation's confirmation count is not checked)
// — the distinction lets the verifier confirm
// an order completed for real rather than trusting its own cached
// secret.
type Order struct {
	OrderID           string               `json:"order_id"`
	Algorithm         secret.HashAlgorithm `json:"algorithm"`
	SecretHashHex     string               `json:"secret_hash"`
	SecretHex         string               `json:"secret,omitempty"`
	RevealedSecretHex string               `json:"revealed_secret,omitempty"`

	L1Ledger string    `json:"l1_ledger"`
	L2Ledger string    `json:"l2_ledger"`
	L1       LegRecord `json:"l1"`
	L2       LegRecord `json:"l2"`

	AllowPartial   bool   `json:"allow_partial"`
	MinClaimAmount uint64 `json:"min_claim_amount,omitempty"`

	State         State  `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`

	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SecretHash parses the order's stored secret hash.
func (o *Order) SecretHash() (secret.Hash, error) {
	return secret.ParseHash(o.SecretHashHex)
}

// Secret parses the order's stored preimage, if known.
func (o *Order) Secret() (secret.Secret, error) {
	return secret.ParseSecret(o.SecretHex)
}

// Store is the durable order record store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Config configures a new Store.
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the SQLite database under
// cfg.DataDir, in WAL mode with a single-writer connection pool.
func New(cfg Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "swaps.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	secret_hex TEXT,
	revealed_secret TEXT,
	l1_ledger TEXT NOT NULL,
	l2_ledger TEXT NOT NULL,
	l1_leg TEXT NOT NULL,
	l2_leg TEXT NOT NULL,
	allow_partial INTEGER NOT NULL DEFAULT 0,
	min_claim_amount INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	failure_reason TEXT,
	schema_version INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);

CREATE TABLE IF NOT EXISTS order_steps (
	order_id TEXT NOT NULL,
	step_name TEXT NOT NULL,
	result TEXT,
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (order_id, step_name)
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveOrder upserts order as a single atomic checkpoint. The coordinator
// calls this both before and after every ledger operation, so a crash
// mid-step always leaves either the pre- or post-step record durable,
// never a half-written one.
func (s *Store) SaveOrder(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.SchemaVersion = SchemaVersion

	l1Leg, err := json.Marshal(order.L1)
	if err != nil {
		return fmt.Errorf("store: marshal l1 leg: %w", err)
	}
	l2Leg, err := json.Marshal(order.L2)
	if err != nil {
		return fmt.Errorf("store: marshal l2 leg: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, algorithm, secret_hash, secret_hex, revealed_secret,
			l1_ledger, l2_ledger, l1_leg, l2_leg,
			allow_partial, min_claim_amount,
			state, failure_reason, schema_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			secret_hex = excluded.secret_hex,
			revealed_secret = excluded.revealed_secret,
			l1_leg = excluded.l1_leg,
			l2_leg = excluded.l2_leg,
			allow_partial = excluded.allow_partial,
			min_claim_amount = excluded.min_claim_amount,
			state = excluded.state,
			failure_reason = excluded.failure_reason,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at
	`,
		order.OrderID, string(order.Algorithm), order.SecretHashHex, nullableString(order.SecretHex), nullableString(order.RevealedSecretHex),
		order.L1Ledger, order.L2Ledger, string(l1Leg), string(l2Leg),
		order.AllowPartial, order.MinClaimAmount,
		string(order.State), nullableString(order.FailureReason), order.SchemaVersion, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*Order, error) {
	var (
		o                                    Order
		algorithm, secretHash                string
		secretHex, revealedSecret, failureReason sql.NullString
		l1Ledger, l2Ledger, l1Leg, l2Leg, st string
	)
	if err := row.Scan(
		&o.OrderID, &algorithm, &secretHash, &secretHex, &revealedSecret,
		&l1Ledger, &l2Ledger, &l1Leg, &l2Leg,
		&o.AllowPartial, &o.MinClaimAmount,
		&st, &failureReason, &o.SchemaVersion, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	o.Algorithm = secret.HashAlgorithm(algorithm)
	o.SecretHashHex = secretHash
	o.SecretHex = secretHex.String
	o.RevealedSecretHex = revealedSecret.String
	o.L1Ledger = l1Ledger
	o.L2Ledger = l2Ledger
	o.State = State(st)
	o.FailureReason = failureReason.String

	if err := json.Unmarshal([]byte(l1Leg), &o.L1); err != nil {
		return nil, fmt.Errorf("store: unmarshal l1 leg: %w", err)
	}
	if err := json.Unmarshal([]byte(l2Leg), &o.L2); err != nil {
		return nil, fmt.Errorf("store: unmarshal l2 leg: %w", err)
	}
	return &o, nil
}

const orderColumns = `order_id, algorithm, secret_hash, secret_hex, revealed_secret,
		l1_ledger, l2_ledger, l1_leg, l2_leg,
		allow_partial, min_claim_amount,
		state, failure_reason, schema_version, created_at, updated_at`

// GetOrder loads a single order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE order_id = ?", orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order: %w", err)
	}
	return order, nil
}

// ScanNonTerminal returns every order not yet in a terminal state, for
// the coordinator's crash-recovery sweep on startup.
func (s *Store) ScanNonTerminal(ctx context.Context) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+orderColumns+` FROM orders WHERE state NOT IN (?, ?, ?)`,
		string(StateCompleted), string(StateRefunded), string(StateFailed))
	if err != nil {
		return nil, fmt.Errorf("store: scan non-terminal: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// StepDone records that step stepName of order orderID has completed,
// with an optional JSON-serializable result. The coordinator checks this
// before re-running a step after a crash, so a step that already
// committed its on-chain side effect is never repeated.
func (s *Store) StepDone(ctx context.Context, orderID, stepName string, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_steps (order_id, step_name, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(order_id, step_name) DO UPDATE SET result = excluded.result, completed_at = excluded.completed_at
	`, orderID, stepName, nullableString(result), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record step done: %w", err)
	}
	return nil
}

// IsStepDone reports whether step stepName of order orderID already
// completed, and its recorded result if so.
func (s *Store) IsStepDone(ctx context.Context, orderID, stepName string) (done bool, result string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res sql.NullString
	row := s.db.QueryRowContext(ctx, "SELECT result FROM order_steps WHERE order_id = ? AND step_name = ?", orderID, stepName)
	switch scanErr := row.Scan(&res); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return false, "", nil
	case scanErr != nil:
		return false, "", fmt.Errorf("store: check step done: %w", scanErr)
	default:
		return true, res.String, nil
	}
}

// NowFromWallClock is a convenience for callers that need a
// clock.Timestamp for CreatedAt/UpdatedAt bookkeeping outside the
// per-ledger clock.Source abstraction (store timestamps are audit
// metadata, not timelock-enforcing values).
func NowFromWallClock() clock.Timestamp {
	return clock.Timestamp(time.Now().UnixMilli())
}
