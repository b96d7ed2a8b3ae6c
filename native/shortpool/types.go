package shortpool

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address identifies a depositor or borrower within the pool. Identity
// resolution and signature verification happen upstream; the engine trusts the
// caller address it is handed.
type Address [20]byte

// ParseAddress decodes a 40-character hex address with optional 0x prefix.
func ParseAddress(value string) (Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(raw) != 20 {
		return Address{}, fmt.Errorf("invalid address %q: expected 20 bytes, got %d", value, len(raw))
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}

// Hex renders the address in its canonical 0x form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// Compare orders addresses lexicographically by their raw bytes. Used to break
// ties deterministically when two positions share an open sequence.
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}

// Pool captures the aggregate share accounting for a single instrument. Amount
// values are expressed as big integers so the bookkeeping matches the fixed
// point interest arithmetic without intermediate truncation.
type Pool struct {
	// Ticker identifies the one instrument this pool trades.
	Ticker string
	// DepositorShares maps each depositor to their claim on the pool.
	DepositorShares map[Address]*big.Int
	// TotalDeposited is the sum of all outstanding depositor shares.
	TotalDeposited *big.Int
	// TotalBorrowed tracks the shares currently lent out across all open
	// positions.
	TotalBorrowed *big.Int
	// RetainedEarnings accumulates interest and liquidation surplus owed to
	// the depositors collectively.
	RetainedEarnings *big.Int
}

// NewPool constructs an empty pool for the given instrument.
func NewPool(ticker string) *Pool {
	return &Pool{
		Ticker:           strings.TrimSpace(ticker),
		DepositorShares:  make(map[Address]*big.Int),
		TotalDeposited:   big.NewInt(0),
		TotalBorrowed:    big.NewInt(0),
		RetainedEarnings: big.NewInt(0),
	}
}

// Clone returns a deep copy so engine operations can stage mutations without
// touching the persisted aggregate.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := NewPool(p.Ticker)
	for addr, shares := range p.DepositorShares {
		if shares != nil {
			clone.DepositorShares[addr] = new(big.Int).Set(shares)
		}
	}
	if p.TotalDeposited != nil {
		clone.TotalDeposited = new(big.Int).Set(p.TotalDeposited)
	}
	if p.TotalBorrowed != nil {
		clone.TotalBorrowed = new(big.Int).Set(p.TotalBorrowed)
	}
	if p.RetainedEarnings != nil {
		clone.RetainedEarnings = new(big.Int).Set(p.RetainedEarnings)
	}
	return clone
}

// EnsureDefaults populates nil fields so decoded records are safe to mutate.
func (p *Pool) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.DepositorShares == nil {
		p.DepositorShares = make(map[Address]*big.Int)
	}
	if p.TotalDeposited == nil {
		p.TotalDeposited = big.NewInt(0)
	}
	if p.TotalBorrowed == nil {
		p.TotalBorrowed = big.NewInt(0)
	}
	if p.RetainedEarnings == nil {
		p.RetainedEarnings = big.NewInt(0)
	}
}

// ShortPosition records one open short sale. A borrower holds at most one
// position per pool; a closed or liquidated position is removed rather than
// zeroed in place.
type ShortPosition struct {
	// Borrower is the short seller that opened the position.
	Borrower Address
	// Ticker always equals the owning pool's ticker.
	Ticker string
	// SharesBorrowed is the borrowed quantity, positive while the position is
	// open.
	SharesBorrowed *big.Int
	// InterestRate is the fixed point rate locked at origination. It is never
	// recomputed for the life of the position.
	InterestRate *big.Int
	// OpenSequence orders positions oldest first for forced liquidation.
	OpenSequence uint64
	// PostedCollateral is the cash reserved from the borrower, sized to cover
	// the market value of the borrowed shares at origination.
	PostedCollateral *big.Int
	// Proceeds is the cash realized by the origination market sell. It may
	// differ from the quoted value due to slippage.
	Proceeds *big.Int
}

// Clone returns a deep copy of the position.
func (s *ShortPosition) Clone() *ShortPosition {
	if s == nil {
		return nil
	}
	clone := &ShortPosition{
		Borrower:     s.Borrower,
		Ticker:       s.Ticker,
		OpenSequence: s.OpenSequence,
	}
	if s.SharesBorrowed != nil {
		clone.SharesBorrowed = new(big.Int).Set(s.SharesBorrowed)
	}
	if s.InterestRate != nil {
		clone.InterestRate = new(big.Int).Set(s.InterestRate)
	}
	if s.PostedCollateral != nil {
		clone.PostedCollateral = new(big.Int).Set(s.PostedCollateral)
	}
	if s.Proceeds != nil {
		clone.Proceeds = new(big.Int).Set(s.Proceeds)
	}
	return clone
}

// EnsureDefaults populates nil amounts on decoded records.
func (s *ShortPosition) EnsureDefaults() {
	if s == nil {
		return
	}
	if s.SharesBorrowed == nil {
		s.SharesBorrowed = big.NewInt(0)
	}
	if s.InterestRate == nil {
		s.InterestRate = big.NewInt(0)
	}
	if s.PostedCollateral == nil {
		s.PostedCollateral = big.NewInt(0)
	}
	if s.Proceeds == nil {
		s.Proceeds = big.NewInt(0)
	}
}
