// Package l2account implements the ledger.Adapter interface for an
// account-based (EVM) chain: it drives a deployed HTLC contract via
// go-ethereum's bind.BoundContract. This package defines only the
// minimal ABI surface it calls, rather than depending on full generated
// contract bindings.
package l2account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/config"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

// SwapState mirrors the on-chain contract's state enum.
type SwapState uint8

const (
	SwapStateEmpty    SwapState = 0
	SwapStateActive   SwapState = 1
	SwapStateClaimed  SwapState = 2
	SwapStateRefunded SwapState = 3
)

// onChainSwap is the parsed result of a getSwap view call.
type onChainSwap struct {
	Sender        common.Address
	Receiver      common.Address
	Amount        *big.Int
	ClaimedAmount *big.Int
	SecretHash    [32]byte
	Timelock      *big.Int
	State         SwapState
}

// Adapter implements ledger.Adapter for an EVM chain's HTLC contract.
type Adapter struct {
	name       string
	client     *ethclient.Client
	contract   *bind.BoundContract
	contractAddr common.Address
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address

	confirmationWait time.Duration
	explorerBaseURL   string
}

// Config configures a new Adapter.
type Config struct {
	Name             string
	RPCURL           string
	ContractAddress  string
	PrivateKeyHex    string
	ConfirmationWait time.Duration
	ExplorerBaseURL  string
}

// New dials rpcURL and binds the HTLC contract at contractAddress. If
// cfg.ContractAddress is empty, it falls back to the chain's registered
// default escrow address (config.GetHTLCContract) once the live chain ID
// is known.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("l2account: dial %s: %w", cfg.RPCURL, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contractABIJSON))
	if err != nil {
		return nil, fmt.Errorf("l2account: parse abi: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("l2account: chain id: %w", err)
	}

	contractAddr := common.HexToAddress(cfg.ContractAddress)
	if cfg.ContractAddress == "" {
		contractAddr = config.GetHTLCContract(chainID.Uint64())
		if (contractAddr == common.Address{}) {
			return nil, fmt.Errorf("l2account: no contract address configured and no default registered for chain %s", chainID)
		}
	}
	contract := bind.NewBoundContract(contractAddr, parsedABI, client, client, client)

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("l2account: parse private key: %w", err)
	}

	wait := cfg.ConfirmationWait
	if wait <= 0 {
		wait = 12 * time.Second
	}

	return &Adapter{
		name:             cfg.Name,
		client:           client,
		contract:         contract,
		contractAddr:     contractAddr,
		chainID:          chainID,
		privateKey:       privKey,
		address:          crypto.PubkeyToAddress(privKey.PublicKey),
		confirmationWait: wait,
		explorerBaseURL:  cfg.ExplorerBaseURL,
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Now(ctx context.Context) (clock.Timestamp, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	return clock.Timestamp(int64(header.Time) * 1000), nil
}

func (a *Adapter) Address(ctx context.Context) (string, error) {
	return a.address.Hex(), nil
}

func (a *Adapter) Balance(ctx context.Context) (uint64, error) {
	bal, err := a.client.BalanceAt(ctx, a.address, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if !bal.IsUint64() {
		return 0, fmt.Errorf("l2account: balance %s exceeds uint64 range", bal)
	}
	return bal.Uint64(), nil
}

func (a *Adapter) ExplorerURL(txRef string) string {
	if a.explorerBaseURL == "" {
		return txRef
	}
	return fmt.Sprintf("%s/tx/%s", a.explorerBaseURL, txRef)
}

func (a *Adapter) transactor(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(a.privateKey, a.chainID)
	if err != nil {
		return nil, fmt.Errorf("l2account: new transactor: %w", err)
	}
	auth.Context = ctx
	if value != nil {
		auth.Value = value
	}
	return auth, nil
}

func classifyRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientFunds, err)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		return fmt.Errorf("%w: %v", ledger.ErrNonceConflict, err)
	case strings.Contains(msg, "execution reverted"):
		return &ledger.ContractRejectError{Reason: msg}
	default:
		return fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
}

func (a *Adapter) waitMined(ctx context.Context, tx *types.Transaction) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.confirmationWait)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, a.client, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", &ledger.ContractRejectError{Reason: fmt.Sprintf("transaction %s reverted", tx.Hash().Hex())}
	}
	return tx.Hash().Hex(), nil
}

func (a *Adapter) Deposit(ctx context.Context, req ledger.DepositRequest) (ledger.DepositResult, error) {
	swapID := common.HexToHash(req.EscrowID)
	receiver := common.HexToAddress(req.Claimant)
	timelock := big.NewInt(int64(req.Timelock) / 1000)
	amount := new(big.Int).SetUint64(req.Amount)

	// Replaying a deposit for an already-active swap is idempotent: read
	// the contract state first rather than re-submit a transaction that
	// would revert.
	if existing, err := a.getSwap(ctx, swapID); err == nil && existing.State == SwapStateActive {
		return ledger.DepositResult{TxRef: swapID.Hex()}, nil
	}

	auth, err := a.transactor(ctx, amount)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	tx, err := a.contract.Transact(auth, "createSwap", swapID, receiver, [32]byte(req.SecretHash), timelock)
	if err != nil {
		return ledger.DepositResult{}, classifyRevert(err)
	}
	txHash, err := a.waitMined(ctx, tx)
	if err != nil {
		return ledger.DepositResult{}, err
	}
	return ledger.DepositResult{TxRef: txHash}, nil
}

func (a *Adapter) Claim(ctx context.Context, req ledger.ClaimRequest) (ledger.ClaimResult, error) {
	swapID := common.HexToHash(req.EscrowID)
	amount := new(big.Int).SetUint64(req.Amount)

	auth, err := a.transactor(ctx, nil)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	tx, err := a.contract.Transact(auth, "claim", swapID, [32]byte(req.Preimage), amount)
	if err != nil {
		return ledger.ClaimResult{}, classifyRevert(err)
	}
	txHash, err := a.waitMined(ctx, tx)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	return ledger.ClaimResult{TxRef: txHash}, nil
}

func (a *Adapter) Refund(ctx context.Context, req ledger.RefundRequest) (ledger.RefundResult, error) {
	swapID := common.HexToHash(req.EscrowID)

	auth, err := a.transactor(ctx, nil)
	if err != nil {
		return ledger.RefundResult{}, err
	}
	tx, err := a.contract.Transact(auth, "refund", swapID)
	if err != nil {
		return ledger.RefundResult{}, classifyRevert(err)
	}
	txHash, err := a.waitMined(ctx, tx)
	if err != nil {
		return ledger.RefundResult{}, err
	}
	return ledger.RefundResult{TxRef: txHash}, nil
}

func (a *Adapter) getSwap(ctx context.Context, swapID common.Hash) (*onChainSwap, error) {
	opts := &bind.CallOpts{Context: ctx}
	var out []interface{}
	if err := a.contract.Call(opts, &out, "getSwap", swapID); err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("l2account: unexpected getSwap return arity %d", len(out))
	}
	swap := &onChainSwap{
		Sender:        *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Receiver:      *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:        *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		ClaimedAmount: *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		SecretHash:    *abi.ConvertType(out[4], new([32]byte)).(*[32]byte),
		Timelock:      *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		State:         SwapState(*abi.ConvertType(out[6], new(uint8)).(*uint8)),
	}
	return swap, nil
}

func (a *Adapter) Observe(ctx context.Context, escrowID string) (ledger.Observation, error) {
	swapID := common.HexToHash(escrowID)
	swap, err := a.getSwap(ctx, swapID)
	if err != nil {
		return ledger.Observation{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}

	if swap.State == SwapStateEmpty {
		return ledger.Observation{Status: ledger.ObservationNotFound}, nil
	}

	obs := ledger.Observation{
		DepositedAmount: swap.Amount.Uint64(),
		ClaimedAmount:   swap.ClaimedAmount.Uint64(),
	}
	switch swap.State {
	case SwapStateRefunded:
		obs.Status = ledger.ObservationRefunded
	case SwapStateClaimed:
		if swap.ClaimedAmount.Cmp(swap.Amount) == 0 {
			obs.Status = ledger.ObservationFullyClaimed
		} else {
			obs.Status = ledger.ObservationClaimed
		}
		if preimage, err := a.findRevealedPreimage(ctx, swapID); err == nil && preimage != nil {
			obs.RevealedSecret = preimage
		}
	default:
		obs.Status = ledger.ObservationDeposited
	}
	return obs, nil
}

func (a *Adapter) VerifyTx(ctx context.Context, txRef string) (ledger.TxVerification, error) {
	txHash := common.HexToHash(txRef)

	receipt, err := a.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			if _, isPending, txErr := a.client.TransactionByHash(ctx, txHash); txErr == nil && isPending {
				return ledger.TxVerification{Found: true, Status: ledger.TxStatusPending}, nil
			}
			return ledger.TxVerification{Status: ledger.TxStatusUnknown}, nil
		}
		return ledger.TxVerification{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}

	status := ledger.TxStatusConfirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = ledger.TxStatusReverted
	}
	return ledger.TxVerification{
		Found:       true,
		Confirmed:   true,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      status,
	}, nil
}

// findRevealedPreimage scans Claimed logs for swapID to recover the
// preimage the claimant revealed on-chain. This is how the coordinator
// learns the secret from the counterparty's claim.
func (a *Adapter) findRevealedPreimage(ctx context.Context, swapID common.Hash) (*secret.Secret, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contractABIJSON))
	if err != nil {
		return nil, err
	}
	event, ok := parsedABI.Events["Claimed"]
	if !ok {
		return nil, fmt.Errorf("l2account: Claimed event not in ABI")
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{a.contractAddr},
		Topics:    [][]common.Hash{{event.ID}, {swapID}},
	}
	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, lg := range logs {
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			continue
		}
		if len(values) == 0 {
			continue
		}
		preimageBytes, ok := values[0].([32]byte)
		if !ok {
			continue
		}
		var s secret.Secret
		copy(s[:], preimageBytes[:])
		return &s, nil
	}
	return nil, fmt.Errorf("l2account: no Claimed log found for swap %s", swapID.Hex())
}

var _ ledger.Adapter = (*Adapter)(nil)
