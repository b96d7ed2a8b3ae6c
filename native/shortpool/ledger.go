package shortpool

import "math/big"

// Ledger operations on the pool aggregate. The ledger only moves quantities
// that already exist; it never creates or destroys shares, and it never
// triggers liquidation on its own — freeing capacity is the engine's job.

// AvailableShares returns the shares on hand for withdrawal or new borrows.
func (p *Pool) AvailableShares() *big.Int {
	if p == nil || p.TotalDeposited == nil {
		return big.NewInt(0)
	}
	borrowed := p.TotalBorrowed
	if borrowed == nil {
		borrowed = big.NewInt(0)
	}
	available := new(big.Int).Sub(p.TotalDeposited, borrowed)
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

// Deposit credits the depositor and grows the aggregate total.
func (p *Pool) Deposit(depositor Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance := p.DepositorShares[depositor]
	if balance == nil {
		balance = big.NewInt(0)
	}
	newBalance, err := checkedAdd(balance, amount)
	if err != nil {
		return err
	}
	newTotal, err := checkedAdd(p.TotalDeposited, amount)
	if err != nil {
		return err
	}
	p.DepositorShares[depositor] = newBalance
	p.TotalDeposited = newTotal
	return nil
}

// Withdraw debits the depositor and shrinks the aggregate total. The pool must
// hold enough free capacity; when it does not, the caller is expected to force
// positions closed first and retry.
func (p *Pool) Withdraw(depositor Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance := p.DepositorShares[depositor]
	if balance == nil || balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if p.AvailableShares().Cmp(amount) < 0 {
		return ErrInsufficientPoolShares
	}
	remaining := new(big.Int).Sub(balance, amount)
	if remaining.Sign() == 0 {
		delete(p.DepositorShares, depositor)
	} else {
		p.DepositorShares[depositor] = remaining
	}
	p.TotalDeposited = new(big.Int).Sub(p.TotalDeposited, amount)
	return nil
}

// ReserveForBorrow marks shares as lent out.
func (p *Pool) ReserveForBorrow(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.AvailableShares().Cmp(amount) < 0 {
		return ErrInsufficientPoolShares
	}
	p.TotalBorrowed = new(big.Int).Add(p.TotalBorrowed, amount)
	return nil
}

// ReleaseFromBorrow returns previously lent shares to the free pool.
func (p *Pool) ReleaseFromBorrow(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.TotalBorrowed == nil || p.TotalBorrowed.Cmp(amount) < 0 {
		return ErrInsufficientPoolShares
	}
	p.TotalBorrowed = new(big.Int).Sub(p.TotalBorrowed, amount)
	return nil
}

// CreditEarnings adds realized interest or liquidation surplus to the pool's
// retained earnings.
func (p *Pool) CreditEarnings(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	total, err := checkedAdd(p.RetainedEarnings, amount)
	if err != nil {
		return err
	}
	p.RetainedEarnings = total
	return nil
}
