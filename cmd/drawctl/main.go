// Command drawctl audits draws offline and issues operator tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BitOpenCode/MRKT/internal/auth"
	"github.com/BitOpenCode/MRKT/internal/chain"
	"github.com/BitOpenCode/MRKT/internal/draw"
	"github.com/BitOpenCode/MRKT/internal/lottery"
)

const usage = `usage: drawctl <command> [flags]

commands:
  seed    -hashes h1,h2,...                      derive the draw seed
  score   -seed S -tickets t1,t2,...             score tickets and pick the winner
  verify  -seed S -tickets ... -winner N         re-verify a draw
          [-hashes ...] [-heights ...] [-chain] [-esplora URL]
          or -api URL -draw N                    audit a published draw
  token   -secret S -user ID [-role admin] [-ttl 24h]
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "drawctl:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}
	switch args[0] {
	case "seed":
		return cmdSeed(args[1:], out)
	case "score":
		return cmdScore(args[1:], out)
	case "verify":
		return cmdVerify(args[1:], out)
	case "token":
		return cmdToken(args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func cmdSeed(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	hashes := fs.String("hashes", "", "comma-separated block hashes in height order")
	if err := fs.Parse(args); err != nil {
		return err
	}
	seed, err := lottery.DeriveSeed(splitList(*hashes))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, seed)
	return nil
}

func cmdScore(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	seed := fs.String("seed", "", "seed hex")
	ticketsFlag := fs.String("tickets", "", "comma-separated ticket numbers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tickets, err := parseInts(*ticketsFlag)
	if err != nil {
		return err
	}
	res, err := lottery.PickWinner(*seed, tickets)
	if err != nil {
		return err
	}
	for _, t := range tickets {
		fmt.Fprintf(out, "%d\t%s\n", t, res.Scores[strconv.FormatInt(t, 10)])
	}
	fmt.Fprintf(out, "winner: %d (%s)\n", res.Winner, res.Proof.Method)
	return nil
}

func cmdVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	seed := fs.String("seed", "", "seed hex")
	ticketsFlag := fs.String("tickets", "", "comma-separated ticket numbers")
	winner := fs.Int64("winner", 0, "claimed winning ticket")
	hashesFlag := fs.String("hashes", "", "comma-separated block hashes")
	heightsFlag := fs.String("heights", "", "comma-separated block heights")
	checkChain := fs.Bool("chain", false, "re-fetch block hashes from the explorer")
	esplora := fs.String("esplora", "https://blockstream.info/api", "Esplora base URL for -chain")
	api := fs.String("api", "", "drawd base URL to fetch the draw from")
	drawNumber := fs.Int64("draw", 0, "draw number to fetch with -api")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var c lottery.Claim
	if *api != "" {
		if *drawNumber <= 0 {
			return fmt.Errorf("-api needs -draw")
		}
		rec, err := fetchDraw(ctx, *api, *drawNumber)
		if err != nil {
			return err
		}
		if rec.Winner == nil {
			return fmt.Errorf("draw #%d is %s, nothing to verify yet", rec.DrawNumber, rec.Status)
		}
		c = rec.Claim()
	} else {
		tickets, err := parseInts(*ticketsFlag)
		if err != nil {
			return err
		}
		heights, err := parseInts(*heightsFlag)
		if err != nil {
			return err
		}
		c = lottery.Claim{
			SeedHex:      *seed,
			Tickets:      tickets,
			Winner:       *winner,
			BlockHashes:  splitList(*hashesFlag),
			BlockHeights: heights,
		}
	}

	var lookup lottery.HashLookup
	if *checkChain {
		src, err := chain.New(chain.Config{EsploraURLs: []string{*esplora}, Retries: 2})
		if err != nil {
			return err
		}
		lookup = src
	}

	rep := lottery.Verify(ctx, c, lookup)
	fmt.Fprintln(out, rep.Message)
	for _, d := range rep.Diagnostics {
		fmt.Fprintln(out, "  "+d)
	}
	return rep.Err()
}

func cmdToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("DRAWD_JWT_SECRET"), "HS256 secret (default $DRAWD_JWT_SECRET)")
	user := fs.String("user", "", "user id (sub claim)")
	role := fs.String("role", "", "role claim, e.g. admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	tok, err := auth.Issue(*secret, *user, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func fetchDraw(ctx context.Context, base string, n int64) (*draw.Record, error) {
	url := fmt.Sprintf("%s/lottery/draws/%d", strings.TrimRight(base, "/"), n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("%s: %s (HTTP %d)", url, env.Error, resp.StatusCode)
	}
	var rec draw.Record
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInts(s string) ([]int64, error) {
	var out []int64
	for _, p := range splitList(s) {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
