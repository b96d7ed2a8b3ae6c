package shortpool

import (
	"math/big"
	"sort"
)

// Registry owns every open short position for one pool, keyed by borrower.
type Registry struct {
	Ticker    string
	Positions map[Address]*ShortPosition
}

// NewRegistry constructs an empty registry for the given instrument.
func NewRegistry(ticker string) *Registry {
	return &Registry{Ticker: ticker, Positions: make(map[Address]*ShortPosition)}
}

// Clone returns a deep copy of the registry.
func (r *Registry) Clone() *Registry {
	if r == nil {
		return nil
	}
	clone := NewRegistry(r.Ticker)
	for borrower, pos := range r.Positions {
		clone.Positions[borrower] = pos.Clone()
	}
	return clone
}

// EnsureDefaults populates nil fields on decoded registries.
func (r *Registry) EnsureDefaults() {
	if r == nil {
		return
	}
	if r.Positions == nil {
		r.Positions = make(map[Address]*ShortPosition)
	}
	for _, pos := range r.Positions {
		pos.EnsureDefaults()
	}
}

// Len reports the number of open positions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Positions)
}

// Open inserts a new position, enforcing the one-position-per-borrower model.
func (r *Registry) Open(pos *ShortPosition) error {
	if pos == nil || pos.SharesBorrowed == nil || pos.SharesBorrowed.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, exists := r.Positions[pos.Borrower]; exists {
		return ErrPositionAlreadyOpen
	}
	r.Positions[pos.Borrower] = pos
	return nil
}

// Get returns the borrower's open position.
func (r *Registry) Get(borrower Address) (*ShortPosition, error) {
	pos, ok := r.Positions[borrower]
	if !ok {
		return nil, ErrNotFound
	}
	return pos, nil
}

// OldestOpen returns the position with the smallest open sequence, breaking
// ties by borrower address so forced liquidation order is deterministic. It
// returns nil when the registry is empty.
func (r *Registry) OldestOpen() *ShortPosition {
	if r == nil {
		return nil
	}
	var oldest *ShortPosition
	for _, pos := range r.Positions {
		if oldest == nil {
			oldest = pos
			continue
		}
		if pos.OpenSequence < oldest.OpenSequence {
			oldest = pos
			continue
		}
		if pos.OpenSequence == oldest.OpenSequence && pos.Borrower.Compare(oldest.Borrower) < 0 {
			oldest = pos
		}
	}
	return oldest
}

// Remove deletes the borrower's position.
func (r *Registry) Remove(borrower Address) error {
	if _, ok := r.Positions[borrower]; !ok {
		return ErrNotFound
	}
	delete(r.Positions, borrower)
	return nil
}

// AddCollateral increases the posted collateral on an open position.
func (r *Registry) AddCollateral(borrower Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pos, ok := r.Positions[borrower]
	if !ok {
		return ErrNotFound
	}
	total, err := checkedAdd(pos.PostedCollateral, amount)
	if err != nil {
		return err
	}
	pos.PostedCollateral = total
	return nil
}

// Snapshot returns the open positions ordered oldest first. The slice holds
// copies, so the registry may be mutated while a caller walks the snapshot.
func (r *Registry) Snapshot() []*ShortPosition {
	if r == nil {
		return nil
	}
	out := make([]*ShortPosition, 0, len(r.Positions))
	for _, pos := range r.Positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenSequence != out[j].OpenSequence {
			return out[i].OpenSequence < out[j].OpenSequence
		}
		return out[i].Borrower.Compare(out[j].Borrower) < 0
	})
	return out
}
