// Package lottery implements the provably-fair winner selection used by drawd.
//
// The seed is SHA-256 over the ASCII concatenation of the revealed block
// hashes. Each ticket is scored as SHA-256("<seedHex>:<ticket>") read as a
// big-endian integer, and the ticket with the smallest score wins. Equal
// scores fall back to the smallest ticket number.
package lottery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Proof methods.
const (
	MethodDirect   = "direct"
	MethodFallback = "fallback"
)

// Proof records how the winner was chosen.
type Proof struct {
	Seed        string  `json:"seed"`
	Winner      int64   `json:"winner"`
	WinnerScore string  `json:"winnerScore"`
	Method      string  `json:"method"`
	TieBreaker  bool    `json:"tieBreaker"`
	TiedTickets []int64 `json:"tiedTickets,omitempty"`
}

// Result is the full outcome of a winner selection.
type Result struct {
	Winner  int64             `json:"winner"`
	SeedHex string            `json:"seedHex"`
	Scores  map[string]string `json:"allScores"`
	Proof   Proof             `json:"proof"`
}

// IsCanonicalHash reports whether s is 64 lowercase hex characters.
func IsCanonicalHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func checkHash(what, s string) error {
	if !IsCanonicalHash(s) {
		return fmt.Errorf("%s %q: %w", what, s, ErrMalformedHash)
	}
	return nil
}

// DeriveSeed hashes the concatenated block hashes in positional order and
// returns the lowercase hex digest. Every hash must be canonical.
func DeriveSeed(blockHashes []string) (string, error) {
	if len(blockHashes) == 0 {
		return "", ErrNoBlockHashes
	}
	for i, h := range blockHashes {
		if err := checkHash(fmt.Sprintf("block hash %d", i), h); err != nil {
			return "", err
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(blockHashes, "")))
	return hex.EncodeToString(sum[:]), nil
}

// Score returns the ranking value of a ticket under the given seed.
func Score(seedHex string, ticket int64) *big.Int {
	sum := sha256.Sum256([]byte(seedHex + ":" + strconv.FormatInt(ticket, 10)))
	return new(big.Int).SetBytes(sum[:])
}

// PickWinner scores every ticket and returns the one with the smallest score.
// The result does not depend on the order of tickets.
func PickWinner(seedHex string, tickets []int64) (*Result, error) {
	if err := checkHash("seed", seedHex); err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, ErrEmptyPool
	}

	seen := make(map[int64]struct{}, len(tickets))
	scored := make([]scoredTicket, len(tickets))
	for i, t := range tickets {
		if _, dup := seen[t]; dup {
			return nil, ErrDuplicateTicket
		}
		seen[t] = struct{}{}
		scored[i] = scoredTicket{ticket: t, score: Score(seedHex, t)}
	}

	res := pickFrom(scored)
	res.SeedHex = seedHex
	res.Proof.Seed = seedHex
	return res, nil
}

type scoredTicket struct {
	ticket int64
	score  *big.Int
}

// pickFrom selects the minimum score. Equal minimum scores go to the
// smallest ticket and are recorded in the proof. scored must be non-empty.
func pickFrom(scored []scoredTicket) *Result {
	scores := make(map[string]string, len(scored))
	best := scored[0]
	tied := []int64{best.ticket}
	for _, st := range scored {
		scores[strconv.FormatInt(st.ticket, 10)] = st.score.String()
	}
	for _, st := range scored[1:] {
		switch c := st.score.Cmp(best.score); {
		case c < 0:
			best, tied = st, []int64{st.ticket}
		case c == 0:
			tied = append(tied, st.ticket)
			if st.ticket < best.ticket {
				best = st
			}
		}
	}

	proof := Proof{
		Winner:      best.ticket,
		WinnerScore: best.score.String(),
		Method:      MethodDirect,
	}
	if len(tied) > 1 {
		sort.Slice(tied, func(i, j int) bool { return tied[i] < tied[j] })
		proof.Method = MethodFallback
		proof.TieBreaker = true
		proof.TiedTickets = tied
	}
	return &Result{Winner: best.ticket, Scores: scores, Proof: proof}
}

// Draw derives the seed from block hashes and picks the winner in one step.
func Draw(blockHashes []string, tickets []int64) (*Result, error) {
	seed, err := DeriveSeed(blockHashes)
	if err != nil {
		return nil, err
	}
	return PickWinner(seed, tickets)
}

// Contains reports whether ticket is in pool.
func Contains(pool []int64, ticket int64) bool {
	for _, t := range pool {
		if t == ticket {
			return true
		}
	}
	return false
}
