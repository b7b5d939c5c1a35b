package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WocUTXOProvider lists UTXOs through the public WhatsOnChain API. The
// unspent endpoint has no scripts, so each output's locking script is read
// from its parent transaction.
type WocUTXOProvider struct {
	BaseURL string
	Network string // "main" or "test"
	Client  *http.Client
}

func NewWocUTXOProvider() *WocUTXOProvider {
	return &WocUTXOProvider{
		BaseURL: "https://api.whatsonchain.com/v1/bsv",
		Network: "main",
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WocUTXOProvider) GetUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var unspent []struct {
		TxHash string `json:"tx_hash"`
		TxPos  uint32 `json:"tx_pos"`
		Value  uint64 `json:"value"`
	}
	if err := w.get(ctx, "address/"+address+"/unspent", &unspent); err != nil {
		return nil, fmt.Errorf("woc unspent: %w", err)
	}

	out := make([]UTXO, 0, len(unspent))
	for _, u := range unspent {
		lock, err := w.lockingScript(ctx, u.TxHash, u.TxPos)
		if err != nil {
			log.Printf("[anchor] Skipping %s:%d: %v", u.TxHash, u.TxPos, err)
			continue
		}
		out = append(out, UTXO{TxID: u.TxHash, Vout: u.TxPos, Satoshis: u.Value, LockingScript: lock})
	}
	return out, nil
}

func (w *WocUTXOProvider) lockingScript(ctx context.Context, txid string, vout uint32) (string, error) {
	var tx struct {
		Vout []struct {
			N            uint32 `json:"n"`
			ScriptPubKey struct {
				Hex string `json:"hex"`
			} `json:"scriptPubKey"`
		} `json:"vout"`
	}
	if err := w.get(ctx, "tx/hash/"+txid, &tx); err != nil {
		return "", err
	}
	for _, o := range tx.Vout {
		if o.N == vout {
			return o.ScriptPubKey.Hex, nil
		}
	}
	return "", fmt.Errorf("tx %s has no output %d", txid, vout)
}

func (w *WocUTXOProvider) get(ctx context.Context, path string, v interface{}) error {
	url := fmt.Sprintf("%s/%s/%s", w.BaseURL, w.Network, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
