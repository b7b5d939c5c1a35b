package lottery

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPool is returned when a draw or verification is attempted
	// without any tickets.
	ErrEmptyPool = errors.New("ticket pool is empty")

	// ErrDuplicateTicket is returned when the same ticket number appears
	// twice in a pool.
	ErrDuplicateTicket = errors.New("duplicate ticket number in pool")

	// ErrNoBlockHashes is returned when a seed is requested from zero hashes.
	ErrNoBlockHashes = errors.New("no block hashes")

	// ErrMalformedHash is returned for a seed or block hash that is not
	// exactly 64 lowercase hex characters. Both are hashed as text, so any
	// other spelling of the same value would produce a different winner.
	ErrMalformedHash = errors.New("hash must be 64 lowercase hex characters")

	// ErrLengthMismatch is returned when a claim publishes a different
	// number of block heights and block hashes.
	ErrLengthMismatch = errors.New("block heights and block hashes differ in length")
)

// Check names used in verification reports.
const (
	CheckWinner      = "winner"
	CheckSeed        = "seed"
	CheckBlockHashes = "block_hashes"
)

// VerificationMismatchError reports that a recomputed value disagrees with a
// published one. It is a finding about the draw, not a failure of the
// verifier.
type VerificationMismatchError struct {
	Check    string
	Expected string
	Got      string
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("verification mismatch (%s): expected %s, got %s", e.Check, e.Expected, e.Got)
}

// IsMismatch reports whether err is a *VerificationMismatchError.
func IsMismatch(err error) bool {
	var m *VerificationMismatchError
	return errors.As(err, &m)
}
