// Package l1utxo implements the ledger.Adapter interface for a
// Bitcoin-family UTXO chain: HTLC script construction, P2WSH address
// derivation, and witness building on top of btcsuite/btcd, generalized
// from a single hardcoded swap session into a reusable adapter.
package l1utxo

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptData is everything needed to fund, claim, or refund one HTLC
// output.
//
// Script structure (claim path requires the secret; refund path requires
// the sender signature after the CSV timeout):
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timeout_blocks> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <sender_pubkey> OP_CHECKSIG
//	OP_ENDIF
type ScriptData struct {
	Script         []byte
	Address        string
	ScriptHash     [32]byte
	SecretHash     []byte
	ReceiverPubKey []byte
	SenderPubKey   []byte
	TimeoutBlocks  uint32
}

// BuildHTLCScript builds the raw script bytes.
func BuildHTLCScript(secretHash, receiverPubKey, senderPubKey []byte, timeoutBlocks uint32) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("l1utxo: secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(receiverPubKey) != 33 {
		return nil, fmt.Errorf("l1utxo: receiver pubkey must be 33 bytes (compressed), got %d", len(receiverPubKey))
	}
	if len(senderPubKey) != 33 {
		return nil, fmt.Errorf("l1utxo: sender pubkey must be 33 bytes (compressed), got %d", len(senderPubKey))
	}
	if timeoutBlocks == 0 {
		return nil, fmt.Errorf("l1utxo: timeout blocks must be greater than 0")
	}
	if timeoutBlocks > 0xFFFF {
		return nil, fmt.Errorf("l1utxo: timeout blocks exceeds maximum CSV value (65535)")
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(receiverPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timeoutBlocks))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	return builder.Script()
}

// BuildScriptData builds the full ScriptData, including the P2WSH address
// for the given chain params (mainnet or testnet).
func BuildScriptData(secretHash []byte, receiverPubKey, senderPubKey *btcec.PublicKey, timeoutBlocks uint32, params *chaincfg.Params) (*ScriptData, error) {
	receiverBytes := receiverPubKey.SerializeCompressed()
	senderBytes := senderPubKey.SerializeCompressed()

	script, err := BuildHTLCScript(secretHash, receiverBytes, senderBytes, timeoutBlocks)
	if err != nil {
		return nil, fmt.Errorf("l1utxo: build script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, fmt.Errorf("l1utxo: derive P2WSH address: %w", err)
	}

	return &ScriptData{
		Script:         script,
		Address:        addr.EncodeAddress(),
		ScriptHash:     scriptHash,
		SecretHash:     secretHash,
		ReceiverPubKey: receiverBytes,
		SenderPubKey:   senderBytes,
		TimeoutBlocks:  timeoutBlocks,
	}, nil
}

// BuildClaimWitness builds the witness stack that spends the OP_IF
// (claim) branch: signature, secret, OP_TRUE selector, script.
func BuildClaimWitness(signature, secretPreimage, script []byte) [][]byte {
	return [][]byte{
		signature,
		secretPreimage,
		{0x01},
		script,
	}
}

// BuildRefundWitness builds the witness stack that spends the OP_ELSE
// (refund) branch: signature, empty selector, script.
func BuildRefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// P2WSHScriptPubKey builds the scriptPubKey (OP_0 <32-byte-script-hash>)
// for the funding output that pays into an HTLC script.
func P2WSHScriptPubKey(script []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	return builder.Script()
}

// ChainParams returns the btcd chain parameters for mainnet/testnet
// Bitcoin. Other Bitcoin-family chains are out of scope here.
func ChainParams(testnet bool) *chaincfg.Params {
	if testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// IsClaimWitness reports whether a witness stack observed on-chain took
// the claim (OP_IF) branch, and if so returns the revealed preimage.
func IsClaimWitness(witness [][]byte) (preimage []byte, ok bool) {
	// signature, secret, selector(0x01), script
	if len(witness) != 4 {
		return nil, false
	}
	selector := witness[2]
	if len(selector) != 1 || selector[0] != 0x01 {
		return nil, false
	}
	return witness[1], true
}
