package listing

import "errors"

// Every error aborts the whole operation: guards run before any balance
// movement, so a rejected call leaves no partial state.
var (
	ErrNotFound           = errors.New("listing: not found")
	ErrNotSeller          = errors.New("listing: caller is not the seller")
	ErrRevealTooEarly     = errors.New("listing: reveal before release time")
	ErrAlreadyRevealed    = errors.New("listing: key already revealed")
	ErrBadReveal          = errors.New("listing: key does not match commitment")
	ErrWrongValue         = errors.New("listing: payment must equal price exactly")
	ErrAlreadyPurchased   = errors.New("listing: already purchased by caller")
	ErrNotPaidListing     = errors.New("listing: refund requires a purchase")
	ErrRefundNotAvailable = errors.New("listing: refund not available")
	ErrAlreadyRefunded    = errors.New("listing: already refunded to caller")
	ErrDepositForfeited   = errors.New("listing: deposit already forfeited to a buyer")
	ErrInsufficientFunds  = errors.New("listing: insufficient funds")
	ErrNotTimelocked      = errors.New("listing: not a timelocked listing")
	ErrRoundNotReached    = errors.New("listing: beacon round not reached")
)
