package shortpool

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// rateScale is the fixed point denominator for interest rates; a rate of
	// 2.718 is stored as 2_718_281_828.
	rateScale = big.NewInt(1_000_000_000)
	// maxLedgerAmount caps every share and cash quantity the ledger tracks.
	// Additions past the cap fail with ErrOverflow instead of wrapping.
	maxLedgerAmount = mustBigInt("340282366920938463463374607431768211455") // 2^128 - 1
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// checkedAdd returns a+b, or ErrOverflow when the sum exceeds the ledger cap.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(maxLedgerAmount) > 0 {
		return nil, ErrOverflow
	}
	return sum, nil
}

// interestOn applies a fixed point rate to a collateral amount, truncating
// toward zero.
func interestOn(collateral, rate *big.Int) *big.Int {
	if collateral == nil || collateral.Sign() <= 0 || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(collateral, rate)
	return interest.Quo(interest, rateScale)
}

// belowMarginThreshold reports whether value/collateral has dropped under the
// threshold expressed in basis points. The comparison cross-multiplies so no
// precision is lost: value*10000 < collateral*thresholdBps.
func belowMarginThreshold(value, collateral *big.Int, thresholdBps uint64) bool {
	if collateral == nil || collateral.Sign() == 0 {
		return true
	}
	if value == nil {
		value = big.NewInt(0)
	}
	lhs := new(big.Int).Mul(value, basisPoints)
	rhs := new(big.Int).Mul(collateral, new(big.Int).SetUint64(thresholdBps))
	return lhs.Cmp(rhs) < 0
}

// clampNonNegative floors a computed payout at zero.
func clampNonNegative(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}
