package shortpool

import "errors"

// Error kinds surfaced to callers. Every operation fails with one of these so
// client software can distinguish recoverable conditions (post more
// collateral, retry a keeper sweep) from state mismatches.
var (
	// ErrInvalidAsset signals a ticker that does not match the pool's
	// instrument.
	ErrInvalidAsset = errors.New("shortpool: ticker does not match pool instrument")
	// ErrInvalidAmount rejects zero or negative quantities.
	ErrInvalidAmount = errors.New("shortpool: amount must be positive")
	// ErrInsufficientBalance means the depositor owns fewer shares than
	// requested.
	ErrInsufficientBalance = errors.New("shortpool: insufficient depositor balance")
	// ErrInsufficientPoolShares means the pool lacks free capacity for the
	// requested borrow or reservation.
	ErrInsufficientPoolShares = errors.New("shortpool: insufficient pool shares")
	// ErrInsufficientCollateral rejects an origination whose collateral does
	// not cover the full market value of the borrowed shares.
	ErrInsufficientCollateral = errors.New("shortpool: collateral below position value")
	// ErrInvalidPosition means the borrower has no open position, or the
	// position has already been closed.
	ErrInvalidPosition = errors.New("shortpool: no open position")
	// ErrPositionAlreadyOpen enforces the one-position-per-borrower model.
	ErrPositionAlreadyOpen = errors.New("shortpool: borrower already holds an open position")
	// ErrNotFound is returned by registry lookups for absent borrowers.
	ErrNotFound = errors.New("shortpool: position not found")
	// ErrNoShares means a withdrawal cannot be satisfied even after forcing
	// every open position closed.
	ErrNoShares = errors.New("shortpool: withdrawal unsatisfiable after exhausting liquidation")
	// ErrUnauthorized means the caller is not the owner of the position.
	ErrUnauthorized = errors.New("shortpool: caller is not the position owner")
	// ErrOverflow signals arithmetic that would exceed the ledger amount cap.
	ErrOverflow = errors.New("shortpool: amount overflow")
	// ErrMarketOrder wraps an exchange leg that failed on insufficient
	// liquidity or a price limit breach. The position involved is left
	// unchanged and the operation may be retried by the caller.
	ErrMarketOrder = errors.New("shortpool: market order failed")
)

var (
	errNilState = errors.New("shortpool: state not configured")
)
