package lottery

import (
	"context"
	"fmt"
	"strconv"
)

// HashLookup fetches the hash of a mined block. chain.Source satisfies it.
type HashLookup interface {
	BlockHash(ctx context.Context, height int64) (string, error)
}

// Claim is the published data of a draw as seen by an auditor.
// BlockHashes and BlockHeights are optional.
type Claim struct {
	SeedHex      string   `json:"seedHex"`
	Tickets      []int64  `json:"tickets"`
	Winner       int64    `json:"claimedWinner"`
	BlockHashes  []string `json:"blockHashes,omitempty"`
	BlockHeights []int64  `json:"blockHeights,omitempty"`
}

// Report is the outcome of a verification. Checks that were not performed
// leave their *Checked flag false.
type Report struct {
	Valid            bool     `json:"valid"`
	Message          string   `json:"message"`
	WinnerOK         bool     `json:"winnerOk"`
	WinnerInPool     bool     `json:"winnerInPool"`
	RecomputedWinner *int64   `json:"recomputedWinner,omitempty"`
	SeedChecked      bool     `json:"seedChecked"`
	SeedOK           bool     `json:"seedOk"`
	RecomputedSeed   string   `json:"recomputedSeed,omitempty"`
	HashesChecked    bool     `json:"blockHashesChecked"`
	HashesOK         bool     `json:"blockHashesOk"`
	Diagnostics      []string `json:"diagnostics,omitempty"`

	mismatch *VerificationMismatchError
	inputErr error
}

// Err returns nil for a valid report, a *VerificationMismatchError when a
// performed check disagreed with the claim, or the input error that kept the
// winner from being recomputed.
func (r *Report) Err() error {
	if r.Valid {
		return nil
	}
	if r.mismatch != nil {
		return r.mismatch
	}
	if r.inputErr != nil {
		return r.inputErr
	}
	return fmt.Errorf("verification failed")
}

func (r *Report) note(format string, args ...interface{}) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

func (r *Report) fail(check, expected, got string) {
	if r.mismatch == nil {
		r.mismatch = &VerificationMismatchError{Check: check, Expected: expected, Got: got}
	}
}

// VerifyWinner recomputes the winner of (seedHex, tickets) and compares it to
// claimed. It never trusts claimed for anything but the final comparison.
func VerifyWinner(seedHex string, tickets []int64, claimed int64) (bool, error) {
	res, err := PickWinner(seedHex, tickets)
	if err != nil {
		return false, err
	}
	return res.Winner == claimed, nil
}

// validateClaim rejects claims whose published values are not in canonical
// form. Seed and hashes are hashed as text, so a differently spelled copy
// of a real hash must not be accepted as equal to it.
func validateClaim(c Claim) error {
	if err := checkHash("seed", c.SeedHex); err != nil {
		return err
	}
	for i, h := range c.BlockHashes {
		if err := checkHash(fmt.Sprintf("block hash %d", i), h); err != nil {
			return err
		}
	}
	if len(c.BlockHeights) > 0 && len(c.BlockHashes) > 0 && len(c.BlockHeights) != len(c.BlockHashes) {
		return fmt.Errorf("%w: %d block heights, %d block hashes", ErrLengthMismatch, len(c.BlockHeights), len(c.BlockHashes))
	}
	return nil
}

// Verify runs every check the claim and lookup allow: the winner always, the
// seed when block hashes are given, and block-hash authenticity when heights,
// hashes and a lookup are given. A nil lookup skips the chain check and says
// so in the diagnostics. A claim that is not well formed is an input error
// and never valid.
func Verify(ctx context.Context, c Claim, lookup HashLookup) *Report {
	r := &Report{WinnerInPool: Contains(c.Tickets, c.Winner)}

	if err := validateClaim(c); err != nil {
		r.inputErr = err
		r.note("claim rejected: %v", err)
		r.Message = fmt.Sprintf("Verification error: %v", err)
		return r
	}

	if len(c.BlockHashes) > 0 {
		r.SeedChecked = true
		seed, err := DeriveSeed(c.BlockHashes)
		if err != nil {
			r.inputErr = err
			r.Message = fmt.Sprintf("Verification error: %v", err)
			return r
		}
		r.RecomputedSeed = seed
		r.SeedOK = seed == c.SeedHex
		if !r.SeedOK {
			r.note("seed does not match block hashes: recomputed %s", seed)
			r.fail(CheckSeed, seed, c.SeedHex)
		}
	}

	switch {
	case len(c.BlockHeights) == 0:
		r.note("block hashes not checked: no block heights published")
	case len(c.BlockHashes) == 0:
		r.note("block hashes not checked: no block hashes published")
	case lookup == nil:
		r.note("block hashes not checked: no chain source available")
	default:
		r.checkHashes(ctx, c, lookup)
	}

	res, err := PickWinner(c.SeedHex, c.Tickets)
	if err != nil {
		r.inputErr = err
		r.note("winner not recomputed: %v", err)
		r.Message = fmt.Sprintf("Verification error: %v", err)
		return r
	}
	w := res.Winner
	r.RecomputedWinner = &w
	r.WinnerOK = w == c.Winner
	if !r.WinnerOK {
		if !r.WinnerInPool {
			r.note("claimed winner %d is not in the ticket pool", c.Winner)
		}
		r.fail(CheckWinner, strconv.FormatInt(w, 10), strconv.FormatInt(c.Winner, 10))
	}

	r.Valid = r.WinnerOK &&
		(!r.SeedChecked || r.SeedOK) &&
		(!r.HashesChecked || r.HashesOK)

	switch {
	case r.Valid:
		r.Message = fmt.Sprintf("Verified! Winner is ticket #%d", w)
	case !r.WinnerOK:
		r.Message = fmt.Sprintf("Invalid! Expected winner: #%d, claimed: #%d", w, c.Winner)
	default:
		r.Message = fmt.Sprintf("Invalid! %s check failed", r.mismatch.Check)
	}
	return r
}

func (r *Report) checkHashes(ctx context.Context, c Claim, lookup HashLookup) {
	fetched := make([]string, len(c.BlockHeights))
	for i, h := range c.BlockHeights {
		hash, err := lookup.BlockHash(ctx, h)
		if err != nil {
			// An unreachable source is missing data, not a mismatch.
			r.note("block hashes not checked: height %d: %v", h, err)
			return
		}
		fetched[i] = hash
	}

	r.HashesChecked = true
	r.HashesOK = true
	for i := range fetched {
		if fetched[i] != c.BlockHashes[i] {
			r.HashesOK = false
			r.note("block %d hash mismatch: chain has %s, draw has %s", c.BlockHeights[i], fetched[i], c.BlockHashes[i])
			r.fail(CheckBlockHashes, fetched[i], c.BlockHashes[i])
		}
	}
}
