package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/lottery"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// --- Input types ---

type emptyInput struct{}

type historyInput struct {
	Page    int `json:"page" jsonschema:"page number, starting at 1"`
	PerPage int `json:"perPage" jsonschema:"draws per page (max 100)"`
}

type drawInput struct {
	BlockCount      int    `json:"blockCount" jsonschema:"number of future blocks to commit to (0 = default)"`
	PrizeContractID string `json:"prizeContractId,omitempty" jsonschema:"prize contract the winner may claim"`
}

type verifyInput struct {
	SeedHex       string   `json:"seedHex" jsonschema:"hex seed published with the draw"`
	Tickets       []int64  `json:"tickets" jsonschema:"ticket numbers in the draw"`
	ClaimedWinner int64    `json:"claimedWinner" jsonschema:"winning ticket number to check"`
	BlockHashes   []string `json:"blockHashes,omitempty" jsonschema:"block hashes the seed was derived from"`
	BlockHeights  []int64  `json:"blockHeights,omitempty" jsonschema:"heights of those blocks, to re-fetch from the chain"`
	CheckChain    bool     `json:"checkChain,omitempty" jsonschema:"re-fetch block hashes from the chain source"`
}

type verifyDrawInput struct {
	DrawNumber int64 `json:"drawNumber" jsonschema:"draw number to audit"`
	CheckChain bool  `json:"checkChain,omitempty" jsonschema:"re-fetch block hashes from the chain source"`
}

// registerTools adds all drawd MCP tools to the server.
func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "drawd_status",
		Description: "Node status: ID, uptime, peers, pool size, draws, header sync, wallet, anchoring",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "drawd_peers",
		Description: "Gossip peers with their draw-verification reputation",
	}, s.handlePeers)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lottery_current",
		Description: "Latest draw: committed heights, and once revealed the seed, winner and proof",
	}, s.handleCurrent)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lottery_history",
		Description: "Past draws, newest first",
	}, s.handleHistory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lottery_verify",
		Description: "Recompute the winner of a claim and check its seed and block hashes",
	}, s.handleVerify)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lottery_verify_draw",
		Description: "Audit a stored draw against its own published data",
	}, s.handleVerifyDraw)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lottery_draw",
		Description: "Freeze the open ticket pool and commit it to future block heights",
	}, s.handleDraw)
}

// --- Handlers ---

func (s *MCPServer) handleStatus(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	peers, _ := db.GetActivePeers()
	stats, err := s.lottery.Stats()
	if err != nil {
		return errResult(fmt.Sprintf("failed to read stats: %v", err)), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# drawd Status\n\n")
	fmt.Fprintf(&b, "**Node ID:** `%s`\n", s.daemon.NodeID())
	fmt.Fprintf(&b, "**Uptime:** %s\n", s.daemon.Uptime().Round(1e9))
	fmt.Fprintf(&b, "**Gossip Peer ID:** `%s`\n\n", s.daemon.GossipPeerID())

	fmt.Fprintf(&b, "## Lottery\n")
	fmt.Fprintf(&b, "- Open pool: %d tickets\n", stats.OpenPool)
	fmt.Fprintf(&b, "- Pending draws: %d\n", stats.PendingDraws)
	fmt.Fprintf(&b, "- Completed draws: %d\n", stats.CompletedDraws)
	fmt.Fprintf(&b, "- Tickets sold: %d\n\n", stats.TotalTickets)

	fmt.Fprintf(&b, "## Network\n")
	fmt.Fprintf(&b, "- Connected peers: %d\n", s.daemon.PeerCount())
	fmt.Fprintf(&b, "- Known peers: %d\n", len(peers))

	writeSection(&b, "Headers", s.daemon.HeaderSyncStatus())
	writeSection(&b, "Wallet", s.daemon.WalletStatus())
	writeSection(&b, "Anchoring", s.daemon.AnchorStatus())

	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handlePeers(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	peers, err := db.GetActivePeers()
	if err != nil {
		return errResult(fmt.Sprintf("failed to get peers: %v", err)), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Peers (%d)\n\n", len(peers))
	if len(peers) == 0 {
		fmt.Fprintf(&b, "No active peers.\n")
		return textResult(b.String()), nil, nil
	}
	fmt.Fprintf(&b, "| Peer ID | Reputation | Valid draws | Invalid draws |\n")
	fmt.Fprintf(&b, "|---------|------------|-------------|---------------|\n")
	for _, p := range peers {
		peerID := p.PeerID
		if len(peerID) > 16 {
			peerID = peerID[:16] + "..."
		}
		fmt.Fprintf(&b, "| `%s` | %d | %d | %d |\n", peerID, p.ReputationScore, p.ValidDraws, p.InvalidDraws)
	}
	return textResult(b.String()), nil, nil
}

func (s *MCPServer) handleCurrent(_ context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	rec, err := s.lottery.Current()
	if errors.Is(err, draw.ErrNotFound) {
		return textResult("No draws yet."), nil, nil
	}
	if err != nil {
		return errResult(fmt.Sprintf("failed to read draw: %v", err)), nil, nil
	}
	return textResult(formatDraw(rec)), rec, nil
}

func (s *MCPServer) handleHistory(_ context.Context, _ *mcp.CallToolRequest, input historyInput) (*mcp.CallToolResult, any, error) {
	page, err := s.lottery.History(input.Page, input.PerPage)
	if err != nil {
		return errResult(fmt.Sprintf("failed to read history: %v", err)), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Draw History (page %d/%d, %d draws)\n\n", page.Page, max(page.TotalPages, 1), page.Total)
	if len(page.Items) == 0 {
		fmt.Fprintf(&b, "No draws yet.\n")
		return textResult(b.String()), page, nil
	}
	fmt.Fprintf(&b, "| Draw | Status | Tickets | Heights | Winner |\n")
	fmt.Fprintf(&b, "|------|--------|---------|---------|--------|\n")
	for _, r := range page.Items {
		winner := "-"
		if r.Winner != nil {
			winner = fmt.Sprintf("#%d", *r.Winner)
		}
		fmt.Fprintf(&b, "| %d | %s | %d | %s | %s |\n",
			r.DrawNumber, r.Status, len(r.Tickets), heightRange(r.BlockHeights), winner)
	}
	return textResult(b.String()), page, nil
}

func (s *MCPServer) handleVerify(ctx context.Context, _ *mcp.CallToolRequest, input verifyInput) (*mcp.CallToolResult, any, error) {
	if input.SeedHex == "" || len(input.Tickets) == 0 {
		return errResult("seedHex and tickets are required"), nil, nil
	}
	rep := s.lottery.Verify(ctx, lottery.Claim{
		SeedHex:      input.SeedHex,
		Tickets:      input.Tickets,
		Winner:       input.ClaimedWinner,
		BlockHashes:  input.BlockHashes,
		BlockHeights: input.BlockHeights,
	}, input.CheckChain)
	return reportResult(rep), rep, nil
}

func (s *MCPServer) handleVerifyDraw(ctx context.Context, _ *mcp.CallToolRequest, input verifyDrawInput) (*mcp.CallToolResult, any, error) {
	rep, err := s.lottery.VerifyDraw(ctx, input.DrawNumber, input.CheckChain)
	if err != nil {
		return errResult(fmt.Sprintf("draw #%d: %v", input.DrawNumber, err)), nil, nil
	}
	return reportResult(rep), rep, nil
}

func (s *MCPServer) handleDraw(ctx context.Context, _ *mcp.CallToolRequest, input drawInput) (*mcp.CallToolResult, any, error) {
	rec, err := s.lottery.Commit(ctx, input.BlockCount, input.PrizeContractID)
	if err != nil {
		return errResult(fmt.Sprintf("commit failed: %v", err)), nil, nil
	}
	return textResult(formatDraw(rec)), rec, nil
}

// --- Helpers ---

func formatDraw(r *draw.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Draw #%d (%s)\n\n", r.DrawNumber, r.Status)
	fmt.Fprintf(&b, "- **Tickets:** %d\n", len(r.Tickets))
	fmt.Fprintf(&b, "- **Committed at tip:** %d\n", r.CommittedTipHeight)
	fmt.Fprintf(&b, "- **Block heights:** %s\n", heightRange(r.BlockHeights))
	if r.Winner == nil {
		fmt.Fprintf(&b, "\nWaiting for the committed blocks to be mined.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "- **Seed:** `%s`\n", r.SeedHex)
	fmt.Fprintf(&b, "- **Winner:** #%d\n", *r.Winner)
	if r.Proof != nil {
		fmt.Fprintf(&b, "- **Method:** %s\n", r.Proof.Method)
	}
	fmt.Fprintf(&b, "\n## Block hashes\n")
	for i, h := range r.BlockHashes {
		fmt.Fprintf(&b, "- %d: `%s`\n", r.BlockHeights[i], h)
	}
	return b.String()
}

func heightRange(hs []int64) string {
	switch len(hs) {
	case 0:
		return "-"
	case 1:
		return fmt.Sprintf("%d", hs[0])
	}
	return fmt.Sprintf("%d..%d", hs[0], hs[len(hs)-1])
}

func reportResult(rep *lottery.Report) *mcp.CallToolResult {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rep.Message)
	fmt.Fprintf(&b, "- **Winner matches:** %v\n", rep.WinnerOK)
	fmt.Fprintf(&b, "- **Winner in pool:** %v\n", rep.WinnerInPool)
	if rep.SeedChecked {
		fmt.Fprintf(&b, "- **Seed matches block hashes:** %v\n", rep.SeedOK)
	}
	if rep.HashesChecked {
		fmt.Fprintf(&b, "- **Block hashes match chain:** %v\n", rep.HashesOK)
	}
	for _, d := range rep.Diagnostics {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	res := textResult(b.String())
	if err := rep.Err(); err != nil && !lottery.IsMismatch(err) {
		res.IsError = true
	}
	return res
}

func writeSection(b *strings.Builder, title string, m map[string]interface{}) {
	fmt.Fprintf(b, "\n## %s\n", title)
	if len(m) == 0 {
		fmt.Fprintf(b, "- not available\n")
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %v\n", k, m[k])
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
