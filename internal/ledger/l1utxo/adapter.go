package l1utxo

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	ecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-labs/htlc-swap/internal/clock"
	"github.com/klingon-labs/htlc-swap/internal/ledger"
	"github.com/klingon-labs/htlc-swap/internal/secret"
)

// feeRateSatsPerVByte is a conservative flat fee rate. A production
// adapter would source this from the chain client's fee-estimate
// endpoint; fixed here to keep fee selection deterministic for tests.
const feeRateSatsPerVByte = 10

// estimatedTxVBytes is a rough fixed virtual size for a single-input,
// two-output P2WPKH-spending transaction, used only to size the fee.
const estimatedTxVBytes = 180

// Adapter implements ledger.Adapter for a Bitcoin-family UTXO chain.
type Adapter struct {
	name    string
	client  ChainClient
	params  *chaincfg.Params
	privKey *btcec.PrivateKey
	pubKey  *btcec.PublicKey

	// ownAddr is the adapter's P2WPKH funding/change/refund address,
	// derived from privKey.
	ownAddr btcutil.Address
	ownPkScript []byte

	// htlcs holds the ScriptData for each escrow id this adapter has
	// deposited into, so Claim/Refund/Observe can rebuild the spending
	// script. It lives in memory only; an escrow id missing from it is
	// unknown to Claim/Refund/Observe.
	htlcs map[string]*ScriptData

	// blockTimeSeconds approximates this chain's average block interval,
	// used to translate Timelock (a clock.Timestamp, i.e. wall time) into
	// a CSV relative-block count at Deposit time.
	blockTimeSeconds int64

	explorerBaseURL string
}

// Config configures a new Adapter.
type Config struct {
	Name             string
	Client           ChainClient
	Testnet          bool
	PrivateKeyHex    string
	BlockTimeSeconds int64
	ExplorerBaseURL  string
}

// New constructs an l1utxo Adapter from Config.
func New(cfg Config) (*Adapter, error) {
	keyBytes, err := hex.DecodeString(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("l1utxo: decode private key: %w", err)
	}
	priv, pub := btcec.PrivKeyFromBytes(keyBytes)

	params := ChainParams(cfg.Testnet)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return nil, fmt.Errorf("l1utxo: derive own address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("l1utxo: build own pkscript: %w", err)
	}

	blockTime := cfg.BlockTimeSeconds
	if blockTime <= 0 {
		blockTime = 600 // Bitcoin mainnet average
	}

	return &Adapter{
		name:             cfg.Name,
		client:           cfg.Client,
		params:           params,
		privKey:          priv,
		pubKey:           pub,
		ownAddr:          addr,
		ownPkScript:      pkScript,
		htlcs:            make(map[string]*ScriptData),
		blockTimeSeconds: blockTime,
		explorerBaseURL:  cfg.ExplorerBaseURL,
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Now(ctx context.Context) (clock.Timestamp, error) {
	// UTXO-chain time is block-height derived, but the coordinator deals
	// in wall-clock timestamps uniformly across ledgers; this adapter
	// reports local wall time stamped at the moment of the call, which
	// is safe because all actual timeout enforcement happens on-chain
	// via CSV against block height, not against this value.
	return clock.Timestamp(time.Now().UnixMilli()), nil
}

func (a *Adapter) Address(ctx context.Context) (string, error) {
	return a.ownAddr.EncodeAddress(), nil
}

func (a *Adapter) Balance(ctx context.Context) (uint64, error) {
	utxos, err := a.client.GetAddressUTXOs(ctx, a.ownAddr.EncodeAddress())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

func (a *Adapter) ExplorerURL(txRef string) string {
	if a.explorerBaseURL == "" {
		return txRef
	}
	return fmt.Sprintf("%s/tx/%s", a.explorerBaseURL, txRef)
}

// timeoutBlocks converts a clock.Timestamp timelock into a CSV relative
// block count, measured from now.
func (a *Adapter) timeoutBlocks(ctx context.Context, timelock clock.Timestamp) (uint32, error) {
	now := time.Now().UnixMilli()
	remainingSeconds := (int64(timelock) - now) / 1000
	if remainingSeconds <= 0 {
		return 0, fmt.Errorf("l1utxo: timelock %d is not in the future", timelock)
	}
	blocks := remainingSeconds / a.blockTimeSeconds
	if blocks <= 0 {
		blocks = 1
	}
	if blocks > 0xFFFF {
		return 0, fmt.Errorf("l1utxo: timelock requires %d blocks, exceeds CSV maximum", blocks)
	}
	return uint32(blocks), nil
}

// parsePubKey decodes a hex-encoded public key. DepositRequest.Claimant
// and Depositor are such hex pubkeys on this ledger, since a UTXO chain
// has no persistent account registry the way an account-based chain does.
func parsePubKey(hexStr string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("l1utxo: decode pubkey: %w", err)
	}
	return btcec.ParsePubKey(b)
}

func (a *Adapter) Deposit(ctx context.Context, req ledger.DepositRequest) (ledger.DepositResult, error) {
	if existing, ok := a.htlcs[req.EscrowID]; ok {
		return ledger.DepositResult{TxRef: existing.Address}, nil
	}

	timeoutBlocks, err := a.timeoutBlocks(ctx, req.Timelock)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	receiverPub, err := parsePubKey(req.Claimant)
	if err != nil {
		return ledger.DepositResult{}, fmt.Errorf("l1utxo: claimant: %w", err)
	}

	scriptData, err := BuildScriptData(req.SecretHash[:], receiverPub, a.pubKey, timeoutBlocks, a.params)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	utxos, err := a.client.GetAddressUTXOs(ctx, a.ownAddr.EncodeAddress())
	if err != nil {
		return ledger.DepositResult{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	fee := uint64(feeRateSatsPerVByte * estimatedTxVBytes)
	selected, total, err := selectUTXOs(utxos, req.Amount+fee)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	fundingAddr, err := btcutil.DecodeAddress(scriptData.Address, a.params)
	if err != nil {
		return ledger.DepositResult{}, fmt.Errorf("l1utxo: decode funding address: %w", err)
	}
	fundingScript, err := txscript.PayToAddrScript(fundingAddr)
	if err != nil {
		return ledger.DepositResult{}, fmt.Errorf("l1utxo: build funding pkscript: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make([]*wire.TxOut, 0, len(selected))
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return ledger.DepositResult{}, fmt.Errorf("l1utxo: parse utxo txid: %w", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
		prevOuts = append(prevOuts, wire.NewTxOut(int64(u.Amount), u.ScriptPubKey))
	}
	tx.AddTxOut(wire.NewTxOut(int64(req.Amount), fundingScript))
	if change := total - req.Amount - fee; change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), a.ownPkScript))
	}

	if err := a.signP2WPKHInputs(tx, prevOuts); err != nil {
		return ledger.DepositResult{}, err
	}

	txid, err := a.broadcast(ctx, tx)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	a.htlcs[req.EscrowID] = scriptData
	return ledger.DepositResult{TxRef: txid}, nil
}

func (a *Adapter) signP2WPKHInputs(tx *wire.MsgTx, prevOuts []*wire.TxOut) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		sigHash, err := txscript.CalcWitnessSigHash(a.ownPkScript, sigHashes, txscript.SigHashAll, tx, i, prevOuts[i].Value)
		if err != nil {
			return fmt.Errorf("l1utxo: calc sighash: %w", err)
		}
		sig := ecdsa.Sign(a.privKey, sigHash)
		sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))
		tx.TxIn[i].Witness = wire.TxWitness{sigBytes, a.pubKey.SerializeCompressed()}
	}
	return nil
}

func (a *Adapter) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf []byte
	w := &byteSliceWriter{}
	if err := tx.Serialize(w); err != nil {
		return "", fmt.Errorf("l1utxo: serialize tx: %w", err)
	}
	buf = w.buf

	txid, err := a.client.BroadcastTransaction(ctx, hex.EncodeToString(buf))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return txid, nil
}

func (a *Adapter) Claim(ctx context.Context, req ledger.ClaimRequest) (ledger.ClaimResult, error) {
	scriptData, ok := a.htlcs[req.EscrowID]
	if !ok {
		return ledger.ClaimResult{}, ledger.ErrTransactionNotFound
	}

	// Find the funding UTXO at the HTLC address.
	fundingUTXOs, err := a.client.GetAddressUTXOs(ctx, scriptData.Address)
	if err != nil {
		return ledger.ClaimResult{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if len(fundingUTXOs) == 0 {
		return ledger.ClaimResult{}, ledger.ErrTransactionNotFound
	}
	fundingUTXO := fundingUTXOs[0]

	fee := uint64(feeRateSatsPerVByte * estimatedTxVBytes)
	if req.Amount+fee > fundingUTXO.Amount {
		return ledger.ClaimResult{}, fmt.Errorf("%w: claim amount %d exceeds available %d after fee", ledger.ErrInsufficientFunds, req.Amount, fundingUTXO.Amount)
	}

	hash, err := chainhash.NewHashFromStr(fundingUTXO.TxID)
	if err != nil {
		return ledger.ClaimResult{}, fmt.Errorf("l1utxo: parse funding txid: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, fundingUTXO.Vout), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(req.Amount-fee), a.ownPkScript))

	prevOuts := []*wire.TxOut{wire.NewTxOut(int64(fundingUTXO.Amount), scriptData.Script)}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(tx.TxIn[0].PreviousOutPoint, prevOuts[0])
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sigHash, err := txscript.CalcWitnessSigHash(scriptData.Script, sigHashes, txscript.SigHashAll, tx, 0, prevOuts[0].Value)
	if err != nil {
		return ledger.ClaimResult{}, fmt.Errorf("l1utxo: calc claim sighash: %w", err)
	}
	sig := ecdsa.Sign(a.privKey, sigHash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	preimage := req.Preimage
	tx.TxIn[0].Witness = BuildClaimWitness(sigBytes, preimage[:], scriptData.Script)

	txid, err := a.broadcast(ctx, tx)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	return ledger.ClaimResult{TxRef: txid}, nil
}

func (a *Adapter) Refund(ctx context.Context, req ledger.RefundRequest) (ledger.RefundResult, error) {
	scriptData, ok := a.htlcs[req.EscrowID]
	if !ok {
		return ledger.RefundResult{}, ledger.ErrTransactionNotFound
	}

	fundingUTXOs, err := a.client.GetAddressUTXOs(ctx, scriptData.Address)
	if err != nil {
		return ledger.RefundResult{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if len(fundingUTXOs) == 0 {
		return ledger.RefundResult{}, &ledger.ContractRejectError{Reason: "no funding output remains to refund"}
	}
	fundingUTXO := fundingUTXOs[0]

	fee := uint64(feeRateSatsPerVByte * estimatedTxVBytes)
	if fee >= fundingUTXO.Amount {
		return ledger.RefundResult{}, fmt.Errorf("%w: refund amount too small to cover fee", ledger.ErrInsufficientFunds)
	}

	hash, err := chainhash.NewHashFromStr(fundingUTXO.TxID)
	if err != nil {
		return ledger.RefundResult{}, fmt.Errorf("l1utxo: parse funding txid: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(wire.NewOutPoint(hash, fundingUTXO.Vout), nil, nil)
	in.Sequence = uint32(scriptData.TimeoutBlocks)
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(fundingUTXO.Amount-fee), a.ownPkScript))

	prevOuts := []*wire.TxOut{wire.NewTxOut(int64(fundingUTXO.Amount), scriptData.Script)}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(tx.TxIn[0].PreviousOutPoint, prevOuts[0])
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sigHash, err := txscript.CalcWitnessSigHash(scriptData.Script, sigHashes, txscript.SigHashAll, tx, 0, prevOuts[0].Value)
	if err != nil {
		return ledger.RefundResult{}, fmt.Errorf("l1utxo: calc refund sighash: %w", err)
	}
	sig := ecdsa.Sign(a.privKey, sigHash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))
	tx.TxIn[0].Witness = BuildRefundWitness(sigBytes, scriptData.Script)

	txid, err := a.broadcast(ctx, tx)
	if err != nil {
		return ledger.RefundResult{}, err
	}
	return ledger.RefundResult{TxRef: txid}, nil
}

func (a *Adapter) Observe(ctx context.Context, escrowID string) (ledger.Observation, error) {
	scriptData, ok := a.htlcs[escrowID]
	if !ok {
		return ledger.Observation{Status: ledger.ObservationNotFound}, nil
	}

	utxos, err := a.client.GetAddressUTXOs(ctx, scriptData.Address)
	if err != nil {
		return ledger.Observation{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if len(utxos) > 0 {
		return ledger.Observation{Status: ledger.ObservationDeposited, DepositedAmount: utxos[0].Amount, Confirmations: uint32(utxos[0].Confirmations)}, nil
	}

	// No unspent output at the HTLC address: either never funded, or
	// funded and since spent (claimed or refunded). We don't have the
	// original funding txid here without the order's deposit tx ref, so
	// observation without it can only report NOT_FOUND. Observe therefore
	// never reports a claim, a refund or a revealed secret; only ObserveTx,
	// given the funding output, can.
	return ledger.Observation{Status: ledger.ObservationNotFound}, nil
}

// ObserveTx re-checks a specific funding output, distinguishing a claim
// (which reveals the secret) from a refund, given the funding txid and
// output index, since a UTXO chain has no escrow-id registry to look up
// independently of the funding output. It is not part of ledger.Adapter;
// the coordinator only calls Observe.
func (a *Adapter) ObserveTx(ctx context.Context, fundingTxID string, vout uint32) (ledger.Observation, error) {
	witness, _, confirmations, found, err := a.client.GetSpendingWitness(ctx, fundingTxID, vout)
	if err != nil {
		return ledger.Observation{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if !found {
		return ledger.Observation{Status: ledger.ObservationDeposited, Confirmations: uint32(confirmations)}, nil
	}
	if preimage, ok := IsClaimWitness(witness); ok {
		var s secret.Secret
		if len(preimage) == secret.Size {
			copy(s[:], preimage)
		}
		return ledger.Observation{Status: ledger.ObservationFullyClaimed, RevealedSecret: &s, Confirmations: uint32(confirmations)}, nil
	}
	return ledger.Observation{Status: ledger.ObservationRefunded, Confirmations: uint32(confirmations)}, nil
}

func (a *Adapter) VerifyTx(ctx context.Context, txRef string) (ledger.TxVerification, error) {
	found, confirmed, blockHeight, err := a.client.GetTxStatus(ctx, txRef)
	if err != nil {
		return ledger.TxVerification{}, fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}
	if !found {
		return ledger.TxVerification{Status: ledger.TxStatusUnknown}, nil
	}
	status := ledger.TxStatusPending
	if confirmed {
		status = ledger.TxStatusConfirmed
	}
	return ledger.TxVerification{
		Found:       true,
		Confirmed:   confirmed,
		BlockNumber: uint64(blockHeight),
		Status:      status,
	}, nil
}

func selectUTXOs(utxos []UTXO, target uint64) ([]UTXO, uint64, error) {
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Amount > utxos[j].Amount })
	var selected []UTXO
	var total uint64
	for _, u := range utxos {
		selected = append(selected, u)
		total += u.Amount
		if total >= target {
			return selected, total, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: need %d, have %d across %d utxos", ledger.ErrInsufficientFunds, target, total, len(utxos))
}

// byteSliceWriter adapts a growable []byte to io.Writer for wire.MsgTx.Serialize.
type byteSliceWriter struct{ buf []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

var _ ledger.Adapter = (*Adapter)(nil)
