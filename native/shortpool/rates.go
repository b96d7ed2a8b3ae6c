package shortpool

import "math/big"

// RateModel maps pool utilization to the fixed point interest rate locked into
// new positions. The curve is rate = e^(1/(1-u)): roughly 2.7 near zero
// utilization, climbing steeply past 80% and clamped before the exponent can
// overflow the fixed point representation.
type RateModel struct {
	// maxExponent clamps 1/(1-u) so fully utilized pools produce the maximum
	// representable rate instead of overflowing.
	maxExponent *big.Rat
}

// taylorTerms bounds the e^x expansion. With the exponent clamped at 8 the
// 48th term is below the fixed point resolution.
const taylorTerms = 48

// defaultMaxExponent keeps the peak rate just under e^8 (~2981 in whole rate
// units), which the accrual arithmetic absorbs without widening.
var defaultMaxExponent = big.NewRat(8, 1)

// NewRateModel constructs the model with the default exponent clamp.
func NewRateModel() *RateModel {
	return &RateModel{maxExponent: new(big.Rat).Set(defaultMaxExponent)}
}

// Rate evaluates the curve at the utilization implied by the pool totals. A
// pool with no deposits has no supply to price and yields a zero rate.
func (m *RateModel) Rate(totalBorrowed, totalDeposited *big.Int) *big.Int {
	if totalDeposited == nil || totalDeposited.Sign() == 0 {
		return big.NewInt(0)
	}
	if totalBorrowed == nil {
		totalBorrowed = big.NewInt(0)
	}
	return m.RateAtUtilization(new(big.Rat).SetFrac(totalBorrowed, totalDeposited))
}

// RateAtUtilization evaluates the curve at an explicit utilization ratio,
// clamped into [0,1]. The result is deterministic: the expansion uses exact
// rational arithmetic and rounds once at the end.
func (m *RateModel) RateAtUtilization(utilization *big.Rat) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	u := new(big.Rat)
	if utilization != nil {
		u.Set(utilization)
	}
	if u.Sign() < 0 {
		u.SetInt64(0)
	}
	one := big.NewRat(1, 1)
	exponent := new(big.Rat)
	remaining := new(big.Rat).Sub(one, u)
	if remaining.Sign() <= 0 {
		exponent.Set(m.maxExponent)
	} else {
		exponent.Inv(remaining)
		if exponent.Cmp(m.maxExponent) > 0 {
			exponent.Set(m.maxExponent)
		}
	}
	return expFixed(exponent)
}

// MaxRate returns the largest rate the model can produce, reached at full
// utilization.
func (m *RateModel) MaxRate() *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	return expFixed(new(big.Rat).Set(m.maxExponent))
}

// expFixed computes e^x scaled by rateScale using a truncated Taylor series.
func expFixed(x *big.Rat) *big.Int {
	sum := big.NewRat(1, 1)
	term := big.NewRat(1, 1)
	for k := int64(1); k <= taylorTerms; k++ {
		term.Mul(term, x)
		term.Quo(term, new(big.Rat).SetInt64(k))
		sum.Add(sum, term)
	}
	scaled := new(big.Rat).Mul(sum, new(big.Rat).SetInt(rateScale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}
