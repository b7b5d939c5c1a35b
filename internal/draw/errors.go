package draw

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDrawPending       = errors.New("a draw is already waiting for its blocks")
	ErrNotCompleted      = errors.New("draw has not been revealed yet")
	ErrInvalidBlockCount = errors.New("invalid block count")
	ErrInvalidTicket     = errors.New("ticket number must be positive")
	ErrNotWinner         = errors.New("this ticket did not win")
	ErrAlreadyClaimed    = errors.New("prize already claimed")
	ErrNoPrize           = errors.New("no prize available")
)
