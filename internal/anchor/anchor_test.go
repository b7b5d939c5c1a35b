package anchor

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction/template/p2pkh"
)

var fastRetry = RetryConfig{
	MaxRetries: 3,
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: 20 * time.Millisecond,
}

const seedHex = "b20dd8bdd812e18599a5f4b49437265f5ef51619181f1b0f6f57775bf1fbae60"

func TestPoolDigestIgnoresOrder(t *testing.T) {
	a := PoolDigest([]int64{103, 101, 102})
	b := PoolDigest([]int64{101, 102, 103})
	if a != b {
		t.Errorf("digest depends on order: %s vs %s", a, b)
	}
	if a == PoolDigest([]int64{101, 102}) {
		t.Error("different pools share a digest")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d", len(a))
	}
}

func TestPushes(t *testing.T) {
	commit, err := CommitPayload("d1", 7, []int64{11, 12, 13}, []int64{1, 2}).Pushes()
	if err != nil {
		t.Fatalf("commit pushes: %v", err)
	}
	if len(commit) != 5 || string(commit[0]) != "drawd" || string(commit[1]) != "commit" ||
		string(commit[2]) != "7" || string(commit[3]) != "11,12,13" || len(commit[4]) != 32 {
		t.Errorf("commit pushes = %q", commit)
	}

	reveal, err := RevealPayload("d1", 7, seedHex, 101).Pushes()
	if err != nil {
		t.Fatalf("reveal pushes: %v", err)
	}
	if string(reveal[1]) != "reveal" || hex.EncodeToString(reveal[3]) != seedHex || string(reveal[4]) != "101" {
		t.Errorf("reveal pushes = %q", reveal)
	}

	if _, err := RevealPayload("d1", 7, "not-hex", 1).Pushes(); err == nil {
		t.Error("expected error for non-hex seed")
	}
	if _, err := (Payload{Kind: "bogus"}).Pushes(); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestNoopPublisher(t *testing.T) {
	result, err := NoopPublisher{}.Publish(context.Background(), RevealPayload("d1", 1, seedHex, 5))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !result.Success || result.Action != ActionDone {
		t.Errorf("result = %+v", result)
	}
}

func TestHTTPPublisher_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Kind != KindCommit || req.DrawNumber != 3 {
			t.Errorf("payload = %+v", req.Payload)
		}
		if req.Operator != "1TestAddress" {
			t.Errorf("operator = %s", req.Operator)
		}
		json.NewEncoder(w).Encode(Result{Success: true, Txid: "abc123def456", Action: ActionDone})
	}))
	defer server.Close()

	p := NewHTTPPublisher(server.URL, "1TestAddress")
	result, err := p.Publish(context.Background(), CommitPayload("d3", 3, []int64{5}, []int64{9}))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !result.Success || result.Txid != "abc123def456" {
		t.Errorf("result = %+v", result)
	}
}

func TestPublishWithRetry_Contention(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			json.NewEncoder(w).Encode(Result{Error: "utxo_spent", Action: ActionRetry})
			return
		}
		json.NewEncoder(w).Encode(Result{Success: true, Txid: "finally_worked", Action: ActionDone})
	}))
	defer server.Close()

	result := PublishWithRetry(context.Background(), NewHTTPPublisher(server.URL, ""), RevealPayload("d", 1, seedHex, 1), fastRetry)
	if !result.Success || result.Txid != "finally_worked" {
		t.Errorf("expected success after retries, got %+v", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPublishWithRetry_Stop(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		json.NewEncoder(w).Encode(Result{Error: "operator not allowed", Action: ActionStop})
	}))
	defer server.Close()

	result := PublishWithRetry(context.Background(), NewHTTPPublisher(server.URL, ""), RevealPayload("d", 1, seedHex, 1), fastRetry)
	if result.Success || result.Action != ActionStop {
		t.Errorf("result = %+v", result)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPublishWithRetry_MaxRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		json.NewEncoder(w).Encode(Result{Error: "utxo_spent", Action: ActionRetry})
	}))
	defer server.Close()

	cfg := fastRetry
	cfg.MaxRetries = 2
	result := PublishWithRetry(context.Background(), NewHTTPPublisher(server.URL, ""), RevealPayload("d", 1, seedHex, 1), cfg)
	if result.Success {
		t.Error("expected failure after max retries")
	}
	// MaxRetries=2 means 3 attempts total (0, 1, 2)
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPublishWithRetry_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{Error: "utxo_spent", Action: ActionRetry})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxRetries: 5, MinBackoff: time.Hour, MaxBackoff: 2 * time.Hour}

	done := make(chan *Result)
	go func() {
		done <- PublishWithRetry(ctx, NewHTTPPublisher(server.URL, ""), RevealPayload("d", 1, seedHex, 1), cfg)
	}()
	select {
	case r := <-done:
		if r.Success {
			t.Error("expected failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}

// mockUTXOProvider returns pre-configured UTXOs for testing.
type mockUTXOProvider struct {
	utxos []UTXO
	err   error
}

func (m *mockUTXOProvider) GetUTXOs(context.Context, string) ([]UTXO, error) {
	return m.utxos, m.err
}

func TestBSVPublisher_Create(t *testing.T) {
	privKey, err := ec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	b, err := NewBSVPublisher(BSVConfig{PrivateKey: privKey, UTXOs: &mockUTXOProvider{}})
	if err != nil {
		t.Fatalf("NewBSVPublisher: %v", err)
	}
	if b.Address() == "" {
		t.Error("address is empty")
	}
	if b.arcURL != "https://arc.taal.com" {
		t.Errorf("default arcURL = %s, want https://arc.taal.com", b.arcURL)
	}

	if _, err := NewBSVPublisher(BSVConfig{}); err == nil {
		t.Error("expected error without a key")
	}
}

func TestBSVPublisher_NoUTXOs(t *testing.T) {
	privKey, _ := ec.NewPrivateKey()
	b, _ := NewBSVPublisher(BSVConfig{PrivateKey: privKey, UTXOs: &mockUTXOProvider{}})

	result, err := b.Publish(context.Background(), RevealPayload("d", 1, seedHex, 1))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.Success || result.Action != ActionRetry {
		t.Errorf("result = %+v, want retry", result)
	}
}

func TestBSVPublisher_BuildTx(t *testing.T) {
	privKey, _ := ec.NewPrivateKey()
	b, _ := NewBSVPublisher(BSVConfig{PrivateKey: privKey, UTXOs: &mockUTXOProvider{}})

	addr, _ := script.NewAddressFromPublicKey(privKey.PubKey(), true)
	lock, err := p2pkh.Lock(addr)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	utxos := []UTXO{{
		TxID:          strings.Repeat("ab", 32),
		Vout:          0,
		Satoshis:      10000,
		LockingScript: hex.EncodeToString(*lock),
	}}

	tx, err := b.BuildTx(utxos, RevealPayload("d", 4, seedHex, 102))
	if err != nil {
		t.Fatalf("BuildTx: %v", err)
	}
	if len(tx.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(tx.Outputs))
	}
	data := []byte(*tx.Outputs[0].LockingScript)
	if tx.Outputs[0].Satoshis != 0 || !bytes.Contains(data, []byte("drawd")) || !bytes.Contains(data, []byte("reveal")) {
		t.Errorf("OP_RETURN output = %x", data)
	}
	seed, _ := hex.DecodeString(seedHex)
	if !bytes.Contains(data, seed) {
		t.Error("OP_RETURN output does not carry the seed")
	}
	if change := tx.Outputs[1].Satoshis; change == 0 || change >= 10000 {
		t.Errorf("change = %d", change)
	}
}

func TestIsUTXOContention(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"utxo_spent: already consumed", true},
		{"txn-mempool-conflict", true},
		{"Missing inputs", true},
		{"double spend detected", true},
		{"insufficient fee", false},
		{"network error", false},
	}

	for _, tc := range tests {
		got := isUTXOContention(tc.msg)
		if got != tc.want {
			t.Errorf("isUTXOContention(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestWocUTXOProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/address/1Addr/unspent"):
			w.Write([]byte(`[{"tx_hash":"aa","tx_pos":1,"value":5000,"height":800000},{"tx_hash":"bb","tx_pos":0,"value":10,"height":1}]`))
		case strings.HasSuffix(r.URL.Path, "/tx/hash/aa"):
			w.Write([]byte(`{"vout":[{"n":0,"scriptPubKey":{"hex":"00"}},{"n":1,"scriptPubKey":{"hex":"76a914"}}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	w := &WocUTXOProvider{BaseURL: server.URL, Network: "main"}
	utxos, err := w.GetUTXOs(context.Background(), "1Addr")
	if err != nil {
		t.Fatalf("GetUTXOs: %v", err)
	}
	// bb has no script available and is skipped.
	if len(utxos) != 1 || utxos[0].TxID != "aa" || utxos[0].LockingScript != "76a914" || utxos[0].Satoshis != 5000 {
		t.Errorf("utxos = %+v", utxos)
	}
}

func TestSelectInputs(t *testing.T) {
	utxos := []UTXO{
		{TxID: "small", Satoshis: 300},
		{TxID: "big", Satoshis: 1500},
		{TxID: "mid", Satoshis: 800},
		{TxID: "dust", Satoshis: 1},
	}
	got := selectInputs(utxos)
	if len(got) != 2 || got[0].TxID != "big" || got[1].TxID != "mid" {
		t.Errorf("selected = %+v", got)
	}
	if utxos[0].TxID != "small" {
		t.Error("input slice was reordered")
	}

	if got := selectInputs(utxos[3:]); len(got) != 1 {
		t.Errorf("short wallet should spend everything: %+v", got)
	}
}
