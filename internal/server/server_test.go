package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BitOpenCode/MRKT/internal/auth"
	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/lottery"
	"github.com/BitOpenCode/MRKT/internal/metrics"
)

const (
	secret  = "test-secret"
	seedABC = "b20dd8bdd812e18599a5f4b49437265f5ef51619181f1b0f6f57775bf1fbae60"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
	hashC = strings.Repeat("c", 64)
)

type fakeDaemon struct{}

func (fakeDaemon) NodeID() string                           { return "0123456789abcdef0123456789abcdef" }
func (fakeDaemon) Uptime() time.Duration                    { return 3 * time.Second }
func (fakeDaemon) PeerCount() int                           { return 2 }
func (fakeDaemon) GossipPeerID() string                     { return "12D3KooWtest" }
func (fakeDaemon) WalletStatus() map[string]interface{}     { return map[string]interface{}{"address": "1test"} }
func (fakeDaemon) HeaderSyncStatus() map[string]interface{} { return map[string]interface{}{"cached_headers": 0} }
func (fakeDaemon) AnchorStatus() map[string]interface{}     { return map[string]interface{}{"mode": "none"} }

type fakeChain struct {
	mu     sync.Mutex
	tip    int64
	hashes map[int64]string
}

func (f *fakeChain) Name() string { return "fake" }

func (f *fakeChain) setTip(t int64) {
	f.mu.Lock()
	f.tip = t
	f.mu.Unlock()
}

func (f *fakeChain) CurrentTip(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeChain) BlockHash(_ context.Context, h int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h > f.tip {
		return "", &chain.BlockNotMinedError{Height: h, Tip: f.tip}
	}
	return f.hashes[h], nil
}

type testEnv struct {
	srv   *httptest.Server
	svc   *draw.Service
	chain *fakeChain
}

func setup(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if err := db.Open(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(db.Close)

	fc := &fakeChain{tip: 10, hashes: map[int64]string{11: hashA, 12: hashB, 13: hashC}}
	svc := draw.New(draw.Config{}, fc)
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier(secret)
	}
	s := New("127.0.0.1", 0, fakeDaemon{}, svc, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, svc: svc, chain: fc}
}

func token(t *testing.T, user, role string) string {
	t.Helper()
	tok, err := auth.Issue(secret, user, role, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out response
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

// runDraw buys 101..103 for alice, commits them and reveals with tip 13.
func (e *testEnv) runDraw(t *testing.T, prize string) draw.Record {
	t.Helper()
	alice := token(t, "alice", "")
	for _, n := range []int64{101, 102, 103} {
		if code, r := e.do(t, "POST", "/lottery/tickets", alice, map[string]int64{"ticketNumber": n}); code != 201 {
			t.Fatalf("buy %d: %d %s", n, code, r.Error)
		}
	}
	code, r := e.do(t, "POST", "/lottery/draw", token(t, "root", auth.RoleAdmin),
		map[string]interface{}{"blockCount": 3, "prizeContractId": prize})
	if code != http.StatusAccepted {
		t.Fatalf("draw: %d %s", code, r.Error)
	}
	e.chain.setTip(13)
	if n := e.svc.RevealPending(context.Background()); n != 1 {
		t.Fatalf("revealed %d draws, want 1", n)
	}
	_, r = e.do(t, "GET", "/lottery/current", "", nil)
	var rec draw.Record
	decode(t, r.Data, &rec)
	return rec
}

func TestHealth(t *testing.T) {
	e := setup(t, Options{})
	resp, err := http.Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["node_id"] != "0123456789abcdef" {
		t.Errorf("node_id = %v", body["node_id"])
	}
}

func TestStatusIncludesLotteryStats(t *testing.T) {
	e := setup(t, Options{})
	e.do(t, "POST", "/lottery/tickets", token(t, "alice", ""), map[string]int64{"ticketNumber": 7})

	resp, err := http.Get(e.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Lottery draw.Stats `json:"lottery"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Lottery.OpenPool != 1 || body.Lottery.TotalTickets != 1 {
		t.Errorf("lottery stats = %+v", body.Lottery)
	}
}

func TestCurrentWithoutDraws(t *testing.T) {
	e := setup(t, Options{})
	code, r := e.do(t, "GET", "/lottery/current", "", nil)
	if code != 404 || r.Success || r.Error != "No draws yet" {
		t.Errorf("got %d %+v", code, r)
	}
}

func TestDrawRequiresAdmin(t *testing.T) {
	e := setup(t, Options{})
	e.do(t, "POST", "/lottery/tickets", token(t, "alice", ""), map[string]int64{"ticketNumber": 1})

	if code, _ := e.do(t, "POST", "/lottery/draw", "", map[string]int{"blockCount": 3}); code != 401 {
		t.Errorf("no token: %d, want 401", code)
	}
	if code, _ := e.do(t, "POST", "/lottery/draw", "garbage", map[string]int{"blockCount": 3}); code != 401 {
		t.Errorf("bad token: %d, want 401", code)
	}
	if code, _ := e.do(t, "POST", "/lottery/draw", token(t, "alice", ""), map[string]int{"blockCount": 3}); code != 403 {
		t.Errorf("non-admin: %d, want 403", code)
	}
}

func TestDrawErrors(t *testing.T) {
	e := setup(t, Options{})
	admin := token(t, "root", auth.RoleAdmin)

	if code, r := e.do(t, "POST", "/lottery/draw", admin, map[string]int{"blockCount": 3}); code != 400 {
		t.Errorf("empty pool: %d %s", code, r.Error)
	}
	e.do(t, "POST", "/lottery/tickets", token(t, "alice", ""), map[string]int64{"ticketNumber": 1})
	if code, _ := e.do(t, "POST", "/lottery/draw", admin, map[string]int{"blockCount": 11}); code != 400 {
		t.Errorf("blockCount 11: %d, want 400", code)
	}
	if code, _ := e.do(t, "POST", "/lottery/draw", admin, map[string]int{"blockCount": 2}); code != 202 {
		t.Fatalf("commit: %d", code)
	}
	e.do(t, "POST", "/lottery/tickets", token(t, "bob", ""), map[string]int64{"ticketNumber": 2})
	if code, _ := e.do(t, "POST", "/lottery/draw", admin, map[string]int{"blockCount": 2}); code != 409 {
		t.Errorf("second pending draw: %d, want 409", code)
	}
}

func TestPendingDrawIsPublished(t *testing.T) {
	e := setup(t, Options{})
	e.do(t, "POST", "/lottery/tickets", token(t, "alice", ""), map[string]int64{"ticketNumber": 5})
	_, r := e.do(t, "POST", "/lottery/draw", token(t, "root", auth.RoleAdmin), map[string]int{})

	var rec draw.Record
	decode(t, r.Data, &rec)
	if rec.Status != db.DrawPending || rec.Winner != nil {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.BlockHeights) != 3 || rec.BlockHeights[0] != 11 || rec.BlockHeights[2] != 13 {
		t.Errorf("heights = %v, want 11..13", rec.BlockHeights)
	}

	code, r := e.do(t, "POST", "/lottery/draws/1/verify?chain=false", "", nil)
	if code != 409 {
		t.Errorf("verify pending: %d %s", code, r.Error)
	}
}

func TestDrawLifecycle(t *testing.T) {
	e := setup(t, Options{})
	rec := e.runDraw(t, "")

	if rec.Status != db.DrawCompleted || rec.Winner == nil || *rec.Winner != 101 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.SeedHex != seedABC {
		t.Errorf("seed = %s", rec.SeedHex)
	}

	code, r := e.do(t, "GET", "/lottery/draws/1", "", nil)
	if code != 200 {
		t.Fatalf("get draw: %d", code)
	}
	if code, _ := e.do(t, "GET", "/lottery/draws/9", "", nil); code != 404 {
		t.Errorf("missing draw: %d", code)
	}
	if code, _ := e.do(t, "GET", "/lottery/draws/abc", "", nil); code != 400 {
		t.Errorf("bad draw number: %d", code)
	}

	code, r = e.do(t, "GET", "/lottery/history?page=1&perPage=5", "", nil)
	var page draw.HistoryPage
	decode(t, r.Data, &page)
	if code != 200 || page.Total != 1 || len(page.Items) != 1 || page.PerPage != 5 {
		t.Errorf("history = %d %+v", code, page)
	}

	code, r = e.do(t, "POST", "/lottery/draws/1/verify", "", nil)
	var rep lottery.Report
	decode(t, r.Data, &rep)
	if code != 200 || !rep.Valid || !rep.HashesChecked {
		t.Errorf("verify draw = %d %+v", code, rep)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	e := setup(t, Options{})

	claim := map[string]interface{}{
		"seedHex":       seedABC,
		"tickets":       []int64{103, 101, 102},
		"claimedWinner": 101,
		"blockHashes":   []string{hashA, hashB, hashC},
	}
	code, r := e.do(t, "POST", "/lottery/verify", "", claim)
	var rep lottery.Report
	decode(t, r.Data, &rep)
	if code != 200 || !rep.Valid || rep.Message != "Verified! Winner is ticket #101" {
		t.Errorf("valid claim = %d %+v", code, rep)
	}

	claim["claimedWinner"] = 102
	code, r = e.do(t, "POST", "/lottery/verify", "", claim)
	rep = lottery.Report{}
	decode(t, r.Data, &rep)
	if code != 200 || rep.Valid || rep.Message != "Invalid! Expected winner: #101, claimed: #102" {
		t.Errorf("mismatch = %d %+v", code, rep)
	}

	claim["claimedWinner"] = 101
	claim["seedHex"] = strings.ToUpper(seedABC)
	if code, r := e.do(t, "POST", "/lottery/verify", "", claim); code != 400 || !strings.Contains(r.Error, "lowercase hex") {
		t.Errorf("uppercase seed: %d %s", code, r.Error)
	}
	claim["seedHex"] = seedABC

	delete(claim, "claimedWinner")
	if code, _ := e.do(t, "POST", "/lottery/verify", "", claim); code != 400 {
		t.Errorf("missing claimedWinner: %d", code)
	}
}

func TestUserTickets(t *testing.T) {
	e := setup(t, Options{})
	alice := token(t, "alice", "")
	e.do(t, "POST", "/lottery/tickets", alice, map[string]int64{"ticketNumber": 4})
	e.do(t, "POST", "/lottery/tickets", alice, map[string]int64{})
	e.do(t, "POST", "/lottery/tickets", token(t, "bob", ""), map[string]int64{"ticketNumber": 5})

	if code, _ := e.do(t, "POST", "/lottery/tickets", alice, map[string]int64{"ticketNumber": 5}); code != 409 {
		t.Errorf("duplicate number: %d, want 409", code)
	}

	code, r := e.do(t, "GET", "/lottery/tickets/user", alice, nil)
	var tickets []draw.TicketRecord
	decode(t, r.Data, &tickets)
	if code != 200 || len(tickets) != 2 {
		t.Fatalf("alice tickets = %d %+v", code, tickets)
	}
	for _, tk := range tickets {
		if tk.OwnerID != "alice" || tk.Status != db.TicketPending {
			t.Errorf("ticket = %+v", tk)
		}
	}

	if code, _ := e.do(t, "GET", "/lottery/tickets/user", "", nil); code != 401 {
		t.Errorf("anonymous: %d, want 401", code)
	}

	_, r = e.do(t, "GET", "/lottery/tickets/pool", "", nil)
	var pool struct {
		Count int `json:"count"`
	}
	decode(t, r.Data, &pool)
	if pool.Count != 3 {
		t.Errorf("pool count = %d, want 3", pool.Count)
	}
}

func TestClaimPrize(t *testing.T) {
	e := setup(t, Options{})
	e.runDraw(t, "prize-1")
	alice := token(t, "alice", "")

	_, r := e.do(t, "GET", "/lottery/tickets/user", alice, nil)
	var tickets []draw.TicketRecord
	decode(t, r.Data, &tickets)
	var winner, loser string
	for _, tk := range tickets {
		switch tk.TicketNumber {
		case 101:
			winner = tk.ID
		case 102:
			loser = tk.ID
		}
	}

	if code, r := e.do(t, "POST", "/lottery/claim-prize/"+winner, token(t, "bob", ""), nil); code != 404 || r.Error != "Ticket not found" {
		t.Errorf("other owner: %d %s", code, r.Error)
	}
	if code, _ := e.do(t, "POST", "/lottery/claim-prize/"+loser, alice, nil); code != 400 {
		t.Errorf("losing ticket: %d, want 400", code)
	}
	code, r := e.do(t, "POST", "/lottery/claim-prize/"+winner, alice, nil)
	var tk draw.TicketRecord
	decode(t, r.Data, &tk)
	if code != 200 || !tk.Claimed || tk.Status != db.TicketWon {
		t.Errorf("claim = %d %+v", code, tk)
	}
	if code, r := e.do(t, "POST", "/lottery/claim-prize/"+winner, alice, nil); code != 400 || r.Error != "Prize already claimed" {
		t.Errorf("second claim: %d %s", code, r.Error)
	}
}

func TestClaimPrizeWithoutContract(t *testing.T) {
	e := setup(t, Options{})
	e.runDraw(t, "")
	alice := token(t, "alice", "")

	_, r := e.do(t, "GET", "/lottery/tickets/user", alice, nil)
	var tickets []draw.TicketRecord
	decode(t, r.Data, &tickets)
	for _, tk := range tickets {
		if tk.TicketNumber != 101 {
			continue
		}
		code, r := e.do(t, "POST", "/lottery/claim-prize/"+tk.ID, alice, nil)
		if code != 404 || r.Error != "No prize available" {
			t.Errorf("claim = %d %s", code, r.Error)
		}
	}
}

func TestAuthNotConfigured(t *testing.T) {
	e := setup(t, Options{Verifier: auth.NewVerifier("")})
	code, r := e.do(t, "GET", "/lottery/tickets/user", "whatever", nil)
	if code != 503 || r.Error != "Authentication is not configured" {
		t.Errorf("got %d %s", code, r.Error)
	}
}

func TestRateLimit(t *testing.T) {
	e := setup(t, Options{RateLimit: 0.001, RateBurst: 2})
	body := map[string]interface{}{"seedHex": seedABC, "tickets": []int64{1}, "claimedWinner": 1}

	for i := 0; i < 2; i++ {
		if code, _ := e.do(t, "POST", "/lottery/verify", "", body); code != 200 {
			t.Fatalf("request %d: %d", i, code)
		}
	}
	code, r := e.do(t, "POST", "/lottery/verify", "", body)
	if code != http.StatusTooManyRequests || r.Error != "Too many requests" {
		t.Errorf("third request: %d %s", code, r.Error)
	}
	if code, _ := e.do(t, "GET", "/lottery/history", "", nil); code != 200 {
		t.Errorf("reads are not limited: %d", code)
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	e := setup(t, Options{Metrics: m})
	e.svc.SetMetrics(m)
	e.do(t, "POST", "/lottery/tickets", token(t, "alice", ""), map[string]int64{"ticketNumber": 3})

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(buf.String(), "drawd_tickets_purchased_total 1") {
		t.Errorf("metrics body missing purchase counter:\n%s", buf.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	e := setup(t, Options{})
	req, _ := http.NewRequest("OPTIONS", e.srv.URL+"/lottery/draw", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Errorf("allow headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
}
