package shortpool

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "stocklend/native/common"
)

type mockEngineState struct {
	pool     *Pool
	registry *Registry
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{}
}

func (m *mockEngineState) GetPool(string) (*Pool, error) {
	return m.pool, nil
}

func (m *mockEngineState) PutPool(pool *Pool) error {
	m.pool = pool
	return nil
}

func (m *mockEngineState) GetRegistry(string) (*Registry, error) {
	return m.registry, nil
}

func (m *mockEngineState) PutRegistry(registry *Registry) error {
	m.registry = registry
	return nil
}

type fakeCustody struct {
	transfersIn  []*big.Int
	transfersOut []*big.Int
	inErr        error
	outErr       error
}

func (c *fakeCustody) TransferIn(_ Address, _ string, amount *big.Int) error {
	if c.inErr != nil {
		return c.inErr
	}
	c.transfersIn = append(c.transfersIn, new(big.Int).Set(amount))
	return nil
}

func (c *fakeCustody) TransferOut(_ Address, _ string, amount *big.Int) error {
	if c.outErr != nil {
		return c.outErr
	}
	c.transfersOut = append(c.transfersOut, new(big.Int).Set(amount))
	return nil
}

type fakeReserve struct {
	reserved    map[Address]*big.Int
	released    map[Address]*big.Int
	repatriated map[Address]*big.Int
	reserveErr  error
}

func newFakeReserve() *fakeReserve {
	return &fakeReserve{
		reserved:    make(map[Address]*big.Int),
		released:    make(map[Address]*big.Int),
		repatriated: make(map[Address]*big.Int),
	}
}

func (r *fakeReserve) add(m map[Address]*big.Int, owner Address, amount *big.Int) {
	if m[owner] == nil {
		m[owner] = big.NewInt(0)
	}
	m[owner] = new(big.Int).Add(m[owner], amount)
}

func (r *fakeReserve) Reserve(owner Address, amount *big.Int) error {
	if r.reserveErr != nil {
		return r.reserveErr
	}
	r.add(r.reserved, owner, amount)
	return nil
}

func (r *fakeReserve) Release(owner Address, amount *big.Int) error {
	r.add(r.released, owner, amount)
	return nil
}

func (r *fakeReserve) Repatriate(from, _ Address, amount *big.Int) error {
	r.add(r.repatriated, from, amount)
	return nil
}

type fakeOracle struct {
	price *big.Int
	err   error
}

func (o *fakeOracle) CurrentPrice(string) (*big.Int, error) {
	if o.err != nil {
		return nil, o.err
	}
	return new(big.Int).Set(o.price), nil
}

type fakeExchange struct {
	proceeds *big.Int
	cost     *big.Int
	sellErr  error
	buyErr   error
	sells    int
	buys     int
}

func (x *fakeExchange) MarketSell(string, *big.Int) (*big.Int, error) {
	if x.sellErr != nil {
		return nil, x.sellErr
	}
	x.sells++
	return new(big.Int).Set(x.proceeds), nil
}

func (x *fakeExchange) MarketBuy(string, *big.Int, *big.Int) (*big.Int, error) {
	if x.buyErr != nil {
		return nil, x.buyErr
	}
	x.buys++
	return new(big.Int).Set(x.cost), nil
}

type fakeSequence struct {
	next uint64
}

func (s *fakeSequence) NextSequence() (uint64, error) {
	s.next++
	return s.next, nil
}

func makeAddress(suffix byte) Address {
	var addr Address
	addr[19] = suffix
	return addr
}

type testHarness struct {
	engine   *Engine
	state    *mockEngineState
	custody  *fakeCustody
	reserve  *fakeReserve
	oracle   *fakeOracle
	exchange *fakeExchange
	sequence *fakeSequence
}

func newTestHarness() *testHarness {
	h := &testHarness{
		state:    newMockEngineState(),
		custody:  &fakeCustody{},
		reserve:  newFakeReserve(),
		oracle:   &fakeOracle{price: big.NewInt(10)},
		exchange: &fakeExchange{proceeds: big.NewInt(400), cost: big.NewInt(400)},
		sequence: &fakeSequence{},
	}
	h.engine = NewEngine("ACME", makeAddress(0xEE), RiskParameters{})
	h.engine.SetState(h.state)
	h.engine.SetCollaborators(h.custody, h.reserve, h.oracle, h.exchange, h.sequence)
	return h
}

func checkPoolInvariants(t *testing.T, pool *Pool) {
	t.Helper()
	sum := big.NewInt(0)
	for _, shares := range pool.DepositorShares {
		sum.Add(sum, shares)
	}
	if sum.Cmp(pool.TotalDeposited) != 0 {
		t.Fatalf("depositor shares sum %s != total deposited %s", sum, pool.TotalDeposited)
	}
	if pool.TotalBorrowed.Sign() < 0 || pool.TotalBorrowed.Cmp(pool.TotalDeposited) > 0 {
		t.Fatalf("borrowed %s outside [0, %s]", pool.TotalBorrowed, pool.TotalDeposited)
	}
}

func TestDepositShares(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)

	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pool := h.state.pool
	if pool.TotalDeposited.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected total deposited: %s", pool.TotalDeposited)
	}
	if pool.DepositorShares[depositor].Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected depositor balance: %s", pool.DepositorShares[depositor])
	}
	if pool.AvailableShares().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected available shares: %s", pool.AvailableShares())
	}
	if len(h.custody.transfersIn) != 1 || h.custody.transfersIn[0].Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected one custody transfer of 100, got %v", h.custody.transfersIn)
	}
	checkPoolInvariants(t, pool)
}

func TestDepositSharesRejectsTickerMismatch(t *testing.T) {
	h := newTestHarness()
	if err := h.engine.DepositShares(makeAddress(0x01), "OTHER", big.NewInt(10)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestDepositSharesCustodyFailureLeavesNoLedgerEntry(t *testing.T) {
	h := newTestHarness()
	h.custody.inErr = errors.New("custody offline")
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err == nil {
		t.Fatal("expected error")
	}
	if h.state.pool != nil {
		t.Fatalf("expected no pool commit, got %+v", h.state.pool)
	}
}

func TestShortSellOpensPosition(t *testing.T) {
	h := newTestHarness()
	depositor := makeAddress(0x01)
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(depositor, "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	pos, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500))
	if err != nil {
		t.Fatalf("short sell: %v", err)
	}
	if pos.SharesBorrowed.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected shares borrowed: %s", pos.SharesBorrowed)
	}
	if pos.PostedCollateral.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected collateral: %s", pos.PostedCollateral)
	}
	if pos.Proceeds.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected proceeds: %s", pos.Proceeds)
	}
	if pos.OpenSequence != 1 {
		t.Fatalf("unexpected open sequence: %d", pos.OpenSequence)
	}
	// Rate locked at zero pre-trade utilization: e^1 in fixed point.
	if pos.InterestRate.Cmp(big.NewInt(2_718_281_828)) != 0 {
		t.Fatalf("unexpected locked rate: %s", pos.InterestRate)
	}
	pool := h.state.pool
	if pool.TotalBorrowed.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected total borrowed: %s", pool.TotalBorrowed)
	}
	if h.reserve.reserved[borrower].Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected reserved collateral: %s", h.reserve.reserved[borrower])
	}
	checkPoolInvariants(t, pool)
}

func TestShortSellRejectsThinCollateral(t *testing.T) {
	h := newTestHarness()
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 40 shares at price 10 is a 400 value; 399 must be rejected.
	_, err := h.engine.ShortSell(makeAddress(0x02), "ACME", big.NewInt(40), big.NewInt(399))
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if h.state.pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected no borrow, got %s", h.state.pool.TotalBorrowed)
	}
}

func TestShortSellRejectsOversizedBorrow(t *testing.T) {
	h := newTestHarness()
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(30)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := h.engine.ShortSell(makeAddress(0x02), "ACME", big.NewInt(40), big.NewInt(500))
	if !errors.Is(err, ErrInsufficientPoolShares) {
		t.Fatalf("expected ErrInsufficientPoolShares, got %v", err)
	}
}

func TestShortSellSecondPositionRejected(t *testing.T) {
	h := newTestHarness()
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(10), big.NewInt(100)); err != nil {
		t.Fatalf("first short sell: %v", err)
	}
	_, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(10), big.NewInt(100))
	if !errors.Is(err, ErrPositionAlreadyOpen) {
		t.Fatalf("expected ErrPositionAlreadyOpen, got %v", err)
	}
}

func TestShortSellReleasesCollateralOnFailedSell(t *testing.T) {
	h := newTestHarness()
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.exchange.sellErr = errors.New("no liquidity")

	_, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500))
	if !errors.Is(err, ErrMarketOrder) {
		t.Fatalf("expected ErrMarketOrder, got %v", err)
	}
	if h.reserve.released[borrower] == nil || h.reserve.released[borrower].Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected collateral release of 500, got %v", h.reserve.released[borrower])
	}
	if h.state.pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected no borrow after failed sell, got %s", h.state.pool.TotalBorrowed)
	}
	if h.state.registry != nil && h.state.registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d positions", h.state.registry.Len())
	}
}

func TestClosePositionIdempotence(t *testing.T) {
	h := newTestHarness()
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pos, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500))
	if err != nil {
		t.Fatalf("short sell: %v", err)
	}

	wantInterest := interestOn(pos.PostedCollateral, pos.InterestRate)
	payout, err := h.engine.ClosePosition(borrower, borrower, "ACME")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	wantPayout := clampNonNegative(new(big.Int).Sub(pos.Proceeds, wantInterest))
	if payout.Cmp(wantPayout) != 0 {
		t.Fatalf("unexpected payout: got %s want %s", payout, wantPayout)
	}
	pool := h.state.pool
	if pool.RetainedEarnings.Cmp(wantInterest) != 0 {
		t.Fatalf("unexpected retained earnings: got %s want %s", pool.RetainedEarnings, wantInterest)
	}
	if pool.TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected shares released, borrowed=%s", pool.TotalBorrowed)
	}
	if h.reserve.repatriated[borrower].Cmp(wantInterest) != 0 {
		t.Fatalf("unexpected interest repatriation: %s", h.reserve.repatriated[borrower])
	}
	checkPoolInvariants(t, pool)

	if _, err := h.engine.ClosePosition(borrower, borrower, "ACME"); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition on second close, got %v", err)
	}
}

func TestClosePositionUnauthorized(t *testing.T) {
	h := newTestHarness()
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500)); err != nil {
		t.Fatalf("short sell: %v", err)
	}
	if _, err := h.engine.ClosePosition(makeAddress(0x03), borrower, "ACME"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAddMargin(t *testing.T) {
	h := newTestHarness()
	borrower := makeAddress(0x02)
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ShortSell(borrower, "ACME", big.NewInt(40), big.NewInt(500)); err != nil {
		t.Fatalf("short sell: %v", err)
	}
	if err := h.engine.AddMargin(borrower, "ACME", big.NewInt(250)); err != nil {
		t.Fatalf("add margin: %v", err)
	}
	pos, err := h.engine.Position(borrower)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.PostedCollateral.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("unexpected collateral after top-up: %s", pos.PostedCollateral)
	}
	if h.reserve.reserved[borrower].Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("unexpected total reserved: %s", h.reserve.reserved[borrower])
	}
}

func TestAddMarginWithoutPosition(t *testing.T) {
	h := newTestHarness()
	if err := h.engine.AddMargin(makeAddress(0x05), "ACME", big.NewInt(10)); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
}

func TestPausedModuleRejectsFlows(t *testing.T) {
	h := newTestHarness()
	h.engine.SetPauses(nativecommon.StaticPauses{moduleName: true})
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(10)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestInterestRateView(t *testing.T) {
	h := newTestHarness()
	rate, err := h.engine.InterestRate()
	if err != nil {
		t.Fatalf("interest rate: %v", err)
	}
	if rate.Sign() != 0 {
		t.Fatalf("expected zero rate on empty pool, got %s", rate)
	}
	if err := h.engine.DepositShares(makeAddress(0x01), "ACME", big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	rate, err = h.engine.InterestRate()
	if err != nil {
		t.Fatalf("interest rate: %v", err)
	}
	if rate.Cmp(big.NewInt(2_718_281_828)) != 0 {
		t.Fatalf("unexpected idle rate: %s", rate)
	}
}
