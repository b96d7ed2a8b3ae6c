package shortpool

import (
	"errors"
	"math/big"
	"testing"
)

func TestWithdrawForcesOldestLiquidation(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500)); err != nil {
		t.Fatalf("short sell: %v", err)
	}

	// Only 60 shares are free; withdrawing 90 must force B's position closed.
	forced, err := h.engine.WithdrawShares(depositor, "ACME", big.NewInt(90))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(forced) != 1 || forced[0] != borrower {
		t.Fatalf("expected forced liquidation of %s, got %v", borrower, forced)
	}
	pool := h.state.pool
	if pool.TotalDeposited.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected total deposited: %s", pool.TotalDeposited)
	}
	if pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected borrowed shares released, got %s", pool.TotalBorrowed)
	}
	if h.state.registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d positions", h.state.registry.Len())
	}
	if len(h.custody.transfersOut) != 1 || h.custody.transfersOut[0].Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("expected custody transfer of 90, got %v", h.custody.transfersOut)
	}
	if h.exchange.buys != 1 {
		t.Fatalf("expected one buy-back, got %d", h.exchange.buys)
	}
	checkPoolInvariants(t, pool)
}

func TestWithdrawLiquidatesOldestFirst(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	first := makeAddress(0x02)
	second := makeAddress(0x03)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(first, "ACME", big.NewInt(30), big.NewInt(300)); err != nil {
		t.Fatalf("first short sell: %v", err)
	}
	if _, err := h.engine.ShortSell(second, "ACME", big.NewInt(30), big.NewInt(300)); err != nil {
		t.Fatalf("second short sell: %v", err)
	}

	// 40 free; withdrawing 60 needs one liquidation and it must be the oldest.
	forced, err := h.engine.WithdrawShares(depositor, "ACME", big.NewInt(60))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(forced) != 1 || forced[0] != first {
		t.Fatalf("expected oldest position %s forced, got %v", first, forced)
	}
	if _, err := h.engine.Position(second); err != nil {
		t.Fatalf("second position should survive: %v", err)
	}
}

func TestWithdrawFailsNoShares(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	// Registry is empty but the pool reports outstanding borrows: the forcing
	// loop has nothing left to liquidate and must fail loudly.
	pool := NewPool("ACME")
	pool.DepositorShares[depositor] = big.NewInt(100)
	pool.TotalDeposited = big.NewInt(100)
	pool.TotalBorrowed = big.NewInt(50)
	h.state.pool = pool

	_, err := h.engine.WithdrawShares(depositor, "ACME", big.NewInt(80))
	if !errors.Is(err, ErrNoShares) {
		t.Fatalf("expected ErrNoShares, got %v", err)
	}
	if h.state.pool.TotalDeposited.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected no ledger mutation, total deposited %s", h.state.pool.TotalDeposited)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.WithdrawShares(depositor, "ACME", big.NewInt(150)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestWithdrawAbortsWhenBuyBackFails(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500)); err != nil {
		t.Fatalf("short sell: %v", err)
	}
	h.exchange.buyErr = errors.New("price limit breached")

	_, err := h.engine.WithdrawShares(depositor, "ACME", big.NewInt(90))
	if !errors.Is(err, ErrMarketOrder) {
		t.Fatalf("expected ErrMarketOrder, got %v", err)
	}
	// Nothing committed: position open, ledger untouched.
	if h.state.registry.Len() != 1 {
		t.Fatalf("expected position to remain open, registry has %d", h.state.registry.Len())
	}
	if h.state.pool.TotalDeposited.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected total deposited: %s", h.state.pool.TotalDeposited)
	}
	if h.state.pool.TotalBorrowed.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected total borrowed: %s", h.state.pool.TotalBorrowed)
	}
}

func TestCheckLiquidationThreshold(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	borrower := makeAddress(0x02)
	h.oracle.price = big.NewInt(25)
	h.exchange.proceeds = big.NewInt(1_750)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 70 shares at 25 is a 1750 value against 2000 collateral.
	if _, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(70), big.NewInt(2_000)); err != nil {
		t.Fatalf("short sell: %v", err)
	}

	// Ratio 70*15/2000 = 0.525: healthy, nothing to do.
	h.oracle.price = big.NewInt(15)
	liquidated, err := h.engine.CheckLiquidation()
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	if len(liquidated) != 0 {
		t.Fatalf("expected no liquidations at ratio 0.525, got %v", liquidated)
	}

	// Ratio 70*10/2000 = 0.35: below the 0.4 threshold, forced out.
	h.oracle.price = big.NewInt(10)
	h.exchange.cost = big.NewInt(700)
	liquidated, err = h.engine.CheckLiquidation()
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	if len(liquidated) != 1 || liquidated[0] != borrower {
		t.Fatalf("expected %s liquidated, got %v", borrower, liquidated)
	}
	if h.state.registry.Len() != 0 {
		t.Fatalf("expected position removed, registry has %d", h.state.registry.Len())
	}
	if h.state.pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected shares released, borrowed=%s", h.state.pool.TotalBorrowed)
	}
	checkPoolInvariants(t, h.state.pool)
}

func TestCheckLiquidationBoundaryRatioStaysOpen(t *testing.T) {
	h := newTestHarness()
	h.oracle.price = big.NewInt(25)
	h.exchange.proceeds = big.NewInt(1_250)
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(makeAddress(0x02), "ACME", big.NewInt(50), big.NewInt(1_250)); err != nil {
		t.Fatalf("short sell: %v", err)
	}

	// 50*10/1250 is exactly 0.4; the threshold is strict, so nothing happens.
	h.oracle.price = big.NewInt(10)
	liquidated, err := h.engine.CheckLiquidation()
	if err != nil {
		t.Fatalf("check liquidation: %v", err)
	}
	if len(liquidated) != 0 {
		t.Fatalf("expected no liquidations at the exact threshold, got %v", liquidated)
	}
}

func TestCheckLiquidationReportsFailedLegAndContinues(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	underwater := makeAddress(0x02)
	h.oracle.price = big.NewInt(25)
	h.exchange.proceeds = big.NewInt(1_750)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(underwater, "ACME", big.NewInt(70), big.NewInt(2_000)); err != nil {
		t.Fatalf("short sell: %v", err)
	}

	h.oracle.price = big.NewInt(10)
	h.exchange.buyErr = errors.New("insufficient liquidity")
	liquidated, err := h.engine.CheckLiquidation()
	if !errors.Is(err, ErrMarketOrder) {
		t.Fatalf("expected ErrMarketOrder in sweep report, got %v", err)
	}
	if len(liquidated) != 0 {
		t.Fatalf("expected no liquidations, got %v", liquidated)
	}
	if h.state.registry.Len() != 1 {
		t.Fatalf("failed liquidation must leave the position open")
	}

	// A later keeper invocation succeeds once the exchange recovers.
	h.exchange.buyErr = nil
	h.exchange.cost = big.NewInt(700)
	liquidated, err = h.engine.CheckLiquidation()
	if err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if len(liquidated) != 1 || liquidated[0] != underwater {
		t.Fatalf("expected retry to liquidate %s, got %v", underwater, liquidated)
	}
}

func TestLiquidationAccounting(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	borrower := makeAddress(0x02)
	h.oracle.price = big.NewInt(25)
	h.exchange.proceeds = big.NewInt(1_750)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pos, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(70), big.NewInt(2_000))
	if err != nil {
		t.Fatalf("short sell: %v", err)
	}

	h.oracle.price = big.NewInt(10)
	h.exchange.cost = big.NewInt(700)
	if _, err := h.engine.CheckLiquidation(); err != nil {
		t.Fatalf("check liquidation: %v", err)
	}

	wantInterest := interestOn(pos.PostedCollateral, pos.InterestRate)
	if h.state.pool.RetainedEarnings.Cmp(wantInterest) != 0 {
		t.Fatalf("unexpected retained earnings: got %s want %s", h.state.pool.RetainedEarnings, wantInterest)
	}
	if h.reserve.repatriated[borrower].Cmp(wantInterest) != 0 {
		t.Fatalf("unexpected interest repatriation: %s", h.reserve.repatriated[borrower])
	}
	// Refund is collateral minus buy-back cost minus interest, floored at 0.
	wantRefund := clampNonNegative(new(big.Int).Sub(new(big.Int).Sub(big.NewInt(2_000), big.NewInt(700)), wantInterest))
	released := h.reserve.released[borrower]
	if wantRefund.Sign() == 0 {
		if released != nil && released.Sign() != 0 {
			t.Fatalf("expected no refund, got %s", released)
		}
	} else if released == nil || released.Cmp(wantRefund) != 0 {
		t.Fatalf("unexpected refund: got %v want %s", released, wantRefund)
	}
}
