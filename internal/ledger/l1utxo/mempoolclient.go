package l1utxo

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MempoolClient implements ChainClient against the mempool.space-style
// REST API (also served by litecoinspace.org, blockstream.info/esplora,
// and self-hosted mempool/esplora instances).
type MempoolClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMempoolClient returns a client against baseURL, e.g.
// "https://mempool.space/api" or "https://mempool.space/testnet/api".
func NewMempoolClient(baseURL string) *MempoolClient {
	return &MempoolClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ ChainClient = (*MempoolClient)(nil)

func (m *MempoolClient) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}
	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	currentHeight, err := m.GetBlockHeight(ctx)
	if err != nil {
		currentHeight = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confirmations int64
		switch {
		case u.Status.Confirmed && currentHeight > 0 && u.Status.BlockHeight > 0:
			confirmations = currentHeight - u.Status.BlockHeight + 1
		case u.Status.Confirmed:
			confirmations = 1
		}
		scriptHex, err := m.scriptPubKeyFor(ctx, u.TxID, u.Vout)
		if err != nil {
			return nil, err
		}
		scriptPubKey, err := hex.DecodeString(scriptHex)
		if err != nil {
			return nil, fmt.Errorf("l1utxo: decode scriptpubkey of %s:%d: %w", u.TxID, u.Vout, err)
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			ScriptPubKey:  scriptPubKey,
			Confirmations: confirmations,
		}
	}
	return utxos, nil
}

func (m *MempoolClient) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("l1utxo: broadcast: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func (m *MempoolClient) GetBlockHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("l1utxo: block height: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// mempoolTx mirrors the subset of the mempool.space transaction shape
// this client actually reads.
type mempoolTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vin []struct {
		TxID    string   `json:"txid"`
		Vout    uint32   `json:"vout"`
		Witness []string `json:"witness"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

// scriptPubKeyFor looks up the scriptPubKey hex of a single output,
// needed by GetAddressUTXOs since the /address/.../utxo endpoint
// doesn't return it directly.
func (m *MempoolClient) scriptPubKeyFor(ctx context.Context, txid string, vout uint32) (string, error) {
	var tx mempoolTx
	if err := m.get(ctx, "/tx/"+txid, &tx); err != nil {
		return "", err
	}
	if int(vout) >= len(tx.Vout) {
		return "", fmt.Errorf("l1utxo: tx %s has no output %d", txid, vout)
	}
	return tx.Vout[vout].ScriptPubKey, nil
}

// GetSpendingWitness finds the transaction that spends (txid, vout), if
// any, by fetching the funding output's address and scanning that
// address's transactions for a matching input. Esplora-family APIs
// don't expose a direct "who spent this" endpoint for every deployment,
// so this is the most portable approach across mempool.space,
// litecoinspace.org, and self-hosted instances.
func (m *MempoolClient) GetSpendingWitness(ctx context.Context, txid string, vout uint32) ([][]byte, string, int64, bool, error) {
	var fundingTx mempoolTx
	if err := m.get(ctx, "/tx/"+txid, &fundingTx); err != nil {
		return nil, "", 0, false, err
	}
	if int(vout) >= len(fundingTx.Vout) {
		return nil, "", 0, false, fmt.Errorf("l1utxo: tx %s has no output %d", txid, vout)
	}
	address := fundingTx.Vout[vout].ScriptPubKeyAddr
	if address == "" {
		return nil, "", 0, false, nil
	}

	var candidates []mempoolTx
	if err := m.get(ctx, "/address/"+address+"/txs", &candidates); err != nil {
		return nil, "", 0, false, err
	}

	currentHeight, err := m.GetBlockHeight(ctx)
	if err != nil {
		currentHeight = 0
	}

	for _, tx := range candidates {
		for _, in := range tx.Vin {
			if in.TxID != txid || in.Vout != vout {
				continue
			}
			witness := make([][]byte, len(in.Witness))
			for i, w := range in.Witness {
				b, err := hex.DecodeString(w)
				if err != nil {
					return nil, "", 0, false, fmt.Errorf("l1utxo: decode witness element: %w", err)
				}
				witness[i] = b
			}
			var confirmations int64
			if tx.Status.Confirmed && currentHeight > 0 && tx.Status.BlockHeight > 0 {
				confirmations = currentHeight - tx.Status.BlockHeight + 1
			} else if tx.Status.Confirmed {
				confirmations = 1
			}
			return witness, tx.TxID, confirmations, true, nil
		}
	}
	return nil, "", 0, false, nil
}

// GetTxStatus fetches a transaction by id and reports its confirmation
// status. A 404 from the explorer means the transaction was never
// broadcast (or was broadcast and then evicted from an unconfirmed
// mempool), which is reported as found=false rather than an error.
func (m *MempoolClient) GetTxStatus(ctx context.Context, txid string) (bool, bool, int64, error) {
	var tx mempoolTx
	if err := m.get(ctx, "/tx/"+txid, &tx); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return false, false, 0, nil
		}
		return false, false, 0, err
	}
	return true, tx.Status.Confirmed, tx.Status.BlockHeight, nil
}

func (m *MempoolClient) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAddressNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("l1utxo: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
