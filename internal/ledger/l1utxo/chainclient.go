package l1utxo

import (
	"context"
	"errors"
)

// Errors a ChainClient implementation maps its transport failures into.
var (
	ErrNotConnected    = errors.New("l1utxo: chain client not connected")
	ErrAddressNotFound = errors.New("l1utxo: address not found")
	ErrBroadcastFailed = errors.New("l1utxo: broadcast failed")
)

// UTXO is an unspent output available to fund a transaction.
type UTXO struct {
	TxID          string
	Vout          uint32
	Amount        uint64 // satoshis
	ScriptPubKey  []byte
	Confirmations int64
}

// ChainClient is the minimal read/broadcast surface the l1utxo adapter
// needs from a Bitcoin-family node or block-explorer API — exactly what
// an HTLC adapter touches.
type ChainClient interface {
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (txid string, err error)
	GetBlockHeight(ctx context.Context) (int64, error)
	// GetSpendingWitness returns the witness stack of the transaction
	// input that spends (txid, vout), if it has been spent, along with
	// the spending txid and its confirmation count.
	GetSpendingWitness(ctx context.Context, txid string, vout uint32) (witness [][]byte, spendingTxID string, confirmations int64, found bool, err error)
	// GetTxStatus reports whether txid exists on this chain and, if so,
	// whether it has confirmed and in which block.
	GetTxStatus(ctx context.Context, txid string) (found bool, confirmed bool, blockHeight int64, err error)
}
