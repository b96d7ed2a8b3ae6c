package shortpool

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	nativecommon "stocklend/native/common"
)

const moduleName = "shortpool"

// engineState is the narrow persistence surface the engine mutates. Reads
// return decoded copies; a Put is the commit point for one atomic operation.
type engineState interface {
	GetPool(ticker string) (*Pool, error)
	PutPool(pool *Pool) error
	GetRegistry(ticker string) (*Registry, error)
	PutRegistry(registry *Registry) error
}

// ShareCustody moves the traded instrument between external custody and pool
// custody. Both directions are atomic-or-fail.
type ShareCustody interface {
	TransferIn(owner Address, ticker string, amount *big.Int) error
	TransferOut(owner Address, ticker string, amount *big.Int) error
}

// CashReserve manages cash collateral holds with the custodian.
type CashReserve interface {
	Reserve(owner Address, amount *big.Int) error
	Release(owner Address, amount *big.Int) error
	Repatriate(from, to Address, amount *big.Int) error
}

// PriceOracle supplies the spot price for the pool's instrument. Lookups may
// fail or return stale data; the engine surfaces failures unchanged.
type PriceOracle interface {
	CurrentPrice(ticker string) (*big.Int, error)
}

// Exchange executes market orders at the prevailing price. Either leg may fail
// on insufficient liquidity or a price limit breach.
type Exchange interface {
	MarketSell(ticker string, shares *big.Int) (*big.Int, error)
	MarketBuy(ticker string, shares, fundingLimit *big.Int) (*big.Int, error)
}

// SequenceSource hands out the monotonic counters recorded on new positions.
type SequenceSource interface {
	NextSequence() (uint64, error)
}

// Engine orchestrates every public operation over the pool ledger and position
// registry. It holds no persistent state of its own: reads load clones,
// mutations are staged on those clones, and nothing is visible until the
// commit Puts at the end of a successful operation.
type Engine struct {
	state         engineState
	ticker        string
	moduleAccount Address
	params        RiskParameters
	rates         *RateModel
	custody       ShareCustody
	reserve       CashReserve
	oracle        PriceOracle
	exchange      Exchange
	sequence      SequenceSource
	pauses        nativecommon.PauseView
}

// NewEngine constructs an engine for a single instrument with the given risk
// parameters. Collaborators are wired afterwards with the Set methods.
func NewEngine(ticker string, moduleAccount Address, params RiskParameters) *Engine {
	params.EnsureDefaults()
	return &Engine{
		ticker:        strings.TrimSpace(ticker),
		moduleAccount: moduleAccount,
		params:        params,
		rates:         NewRateModel(),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCollaborators wires the external custody, cash, pricing, exchange and
// sequencing dependencies.
func (e *Engine) SetCollaborators(custody ShareCustody, reserve CashReserve, oracle PriceOracle, exchange Exchange, sequence SequenceSource) {
	if e == nil {
		return
	}
	e.custody = custody
	e.reserve = reserve
	e.oracle = oracle
	e.exchange = exchange
	e.sequence = sequence
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Ticker returns the instrument this engine trades.
func (e *Engine) Ticker() string {
	if e == nil {
		return ""
	}
	return e.ticker
}

// DepositShares moves shares from the depositor's external custody into the
// pool and credits their claim. The custody transfer happens before the ledger
// commit so a failed transfer leaves no ledger entry.
func (e *Engine) DepositShares(depositor Address, ticker string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool(ticker)
	if err != nil {
		return err
	}
	if err := pool.Deposit(depositor, amount); err != nil {
		return err
	}
	if err := e.custody.TransferIn(depositor, e.ticker, amount); err != nil {
		return fmt.Errorf("shortpool: transfer in: %w", err)
	}
	return e.state.PutPool(pool)
}

// WithdrawShares returns shares to the depositor's external custody. When the
// pool lacks free capacity it forces the oldest open positions closed, one at
// a time, until the withdrawal fits or the registry empties. The loop is
// bounded by the number of open positions and the whole operation commits
// once: a failed liquidation or transfer leaves every position and ledger
// entry untouched. The borrowers whose positions were forced are returned.
func (e *Engine) WithdrawShares(depositor Address, ticker string, shares *big.Int) ([]Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := e.loadPool(ticker)
	if err != nil {
		return nil, err
	}
	balance := pool.DepositorShares[depositor]
	if balance == nil || balance.Cmp(shares) < 0 {
		return nil, ErrInsufficientBalance
	}
	registry, err := e.loadRegistry()
	if err != nil {
		return nil, err
	}

	var forced []Address
	for pool.AvailableShares().Cmp(shares) < 0 {
		oldest := registry.OldestOpen()
		if oldest == nil {
			return nil, ErrNoShares
		}
		if err := e.liquidate(pool, registry, oldest); err != nil {
			return nil, err
		}
		forced = append(forced, oldest.Borrower)
	}

	if err := pool.Withdraw(depositor, shares); err != nil {
		return nil, err
	}
	if err := e.custody.TransferOut(depositor, e.ticker, shares); err != nil {
		return nil, fmt.Errorf("shortpool: transfer out: %w", err)
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutRegistry(registry); err != nil {
		return nil, err
	}
	return forced, nil
}

// ShortSell borrows shares from the pool against posted collateral and sells
// them at market. The interest rate is locked from the pre-trade utilization
// and never recalculated for this position. Collateral must cover the full
// quoted value of the borrowed shares so the pool cannot lose money even on an
// immediate liquidation. If the exchange leg fails after the collateral has
// been reserved, the reservation is released before the error returns.
func (e *Engine) ShortSell(borrower Address, ticker string, shares, collateral *big.Int) (*ShortPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 || collateral == nil || collateral.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := e.loadPool(ticker)
	if err != nil {
		return nil, err
	}
	registry, err := e.loadRegistry()
	if err != nil {
		return nil, err
	}
	if _, err := registry.Get(borrower); err == nil {
		return nil, ErrPositionAlreadyOpen
	}
	if pool.AvailableShares().Cmp(shares) < 0 {
		return nil, ErrInsufficientPoolShares
	}

	price, err := e.oracle.CurrentPrice(e.ticker)
	if err != nil {
		return nil, fmt.Errorf("shortpool: price lookup: %w", err)
	}
	value := new(big.Int).Mul(shares, price)
	if collateral.Cmp(value) < 0 {
		return nil, ErrInsufficientCollateral
	}

	// Lock the rate at the pre-trade utilization. Later borrowers entering at
	// higher utilization pay more; this position is unaffected.
	rate := e.rates.Rate(pool.TotalBorrowed, pool.TotalDeposited)

	if err := e.reserve.Reserve(borrower, collateral); err != nil {
		return nil, fmt.Errorf("shortpool: reserve collateral: %w", err)
	}
	proceeds, err := e.exchange.MarketSell(e.ticker, shares)
	if err != nil {
		if releaseErr := e.reserve.Release(borrower, collateral); releaseErr != nil {
			return nil, fmt.Errorf("shortpool: release collateral after failed sell: %v: %w", releaseErr, ErrMarketOrder)
		}
		return nil, fmt.Errorf("%w: %v", ErrMarketOrder, err)
	}
	seq, err := e.sequence.NextSequence()
	if err != nil {
		if releaseErr := e.reserve.Release(borrower, collateral); releaseErr != nil {
			return nil, fmt.Errorf("shortpool: release collateral after sequence failure: %v: %w", releaseErr, err)
		}
		return nil, fmt.Errorf("shortpool: next sequence: %w", err)
	}

	if err := pool.ReserveForBorrow(shares); err != nil {
		return nil, err
	}
	pos := &ShortPosition{
		Borrower:         borrower,
		Ticker:           e.ticker,
		SharesBorrowed:   new(big.Int).Set(shares),
		InterestRate:     rate,
		OpenSequence:     seq,
		PostedCollateral: new(big.Int).Set(collateral),
		Proceeds:         proceeds,
	}
	if err := registry.Open(pos); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutRegistry(registry); err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// ClosePosition voluntarily covers the caller's short. Interest is the posted
// collateral times the locked rate; the borrower walks away with the sale
// proceeds minus that interest (their collateral plus trading profit, or less
// the loss), floored at zero. The interest moves to the pool account and is
// credited to retained earnings. Closing the same position twice fails with
// ErrInvalidPosition on the second call.
func (e *Engine) ClosePosition(caller, borrower Address, ticker string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if caller != borrower {
		return nil, ErrUnauthorized
	}
	pool, err := e.loadPool(ticker)
	if err != nil {
		return nil, err
	}
	registry, err := e.loadRegistry()
	if err != nil {
		return nil, err
	}
	pos, err := registry.Get(borrower)
	if err != nil {
		return nil, ErrInvalidPosition
	}
	if pos.Ticker != ticker {
		return nil, ErrInvalidAsset
	}
	if pos.SharesBorrowed == nil || pos.SharesBorrowed.Sign() == 0 {
		return nil, ErrInvalidPosition
	}

	interest := interestOn(pos.PostedCollateral, pos.InterestRate)
	payout := clampNonNegative(new(big.Int).Sub(pos.Proceeds, interest))

	if interest.Sign() > 0 {
		if err := e.reserve.Repatriate(borrower, e.moduleAccount, interest); err != nil {
			return nil, fmt.Errorf("shortpool: repatriate interest: %w", err)
		}
	}
	if payout.Sign() > 0 {
		if err := e.reserve.Release(borrower, payout); err != nil {
			return nil, fmt.Errorf("shortpool: release payout: %w", err)
		}
	}

	if err := pool.CreditEarnings(interest); err != nil {
		return nil, err
	}
	if err := pool.ReleaseFromBorrow(pos.SharesBorrowed); err != nil {
		return nil, err
	}
	if err := registry.Remove(borrower); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := e.state.PutRegistry(registry); err != nil {
		return nil, err
	}
	return payout, nil
}

// AddMargin reserves additional collateral against the borrower's open
// position so a losing trade can be defended instead of liquidated.
func (e *Engine) AddMargin(borrower Address, ticker string, collateral *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(ticker) == "" || ticker != e.ticker {
		return ErrInvalidAsset
	}
	registry, err := e.loadRegistry()
	if err != nil {
		return err
	}
	pos, err := registry.Get(borrower)
	if err != nil {
		return ErrInvalidPosition
	}
	if pos.SharesBorrowed == nil || pos.SharesBorrowed.Sign() == 0 {
		return ErrInvalidPosition
	}
	if err := e.reserve.Reserve(borrower, collateral); err != nil {
		return fmt.Errorf("shortpool: reserve collateral: %w", err)
	}
	if err := registry.AddCollateral(borrower, collateral); err != nil {
		return err
	}
	return e.state.PutRegistry(registry)
}

// CheckLiquidation sweeps every open position and force-liquidates those whose
// market value has fallen below the margin threshold of their posted
// collateral. Any caller may invoke it; it acts as a permissionless keeper
// trigger. Each liquidation commits on its own, so one failed exchange leg
// leaves that position open while the sweep continues, and a later invocation
// can safely retry.
func (e *Engine) CheckLiquidation() ([]Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	pool, err := e.loadPool(e.ticker)
	if err != nil {
		return nil, err
	}
	registry, err := e.loadRegistry()
	if err != nil {
		return nil, err
	}

	var liquidated []Address
	var sweepErrs []error
	for _, pos := range registry.Snapshot() {
		price, err := e.oracle.CurrentPrice(pos.Ticker)
		if err != nil {
			sweepErrs = append(sweepErrs, fmt.Errorf("shortpool: price lookup for %s: %w", pos.Borrower, err))
			continue
		}
		value := new(big.Int).Mul(pos.SharesBorrowed, price)
		if !belowMarginThreshold(value, pos.PostedCollateral, e.params.LiquidationThresholdBps) {
			continue
		}
		live, err := registry.Get(pos.Borrower)
		if err != nil {
			continue
		}
		if err := e.liquidate(pool, registry, live); err != nil {
			sweepErrs = append(sweepErrs, fmt.Errorf("shortpool: liquidate %s: %w", pos.Borrower, err))
			continue
		}
		if err := e.state.PutPool(pool); err != nil {
			return liquidated, err
		}
		if err := e.state.PutRegistry(registry); err != nil {
			return liquidated, err
		}
		liquidated = append(liquidated, pos.Borrower)
	}
	return liquidated, errors.Join(sweepErrs...)
}

// liquidate force-closes one position against the staged pool and registry.
// The buy-back is funded from the posted collateral; when the exchange leg
// fails nothing is mutated and the position stays open. Callers own the commit.
func (e *Engine) liquidate(pool *Pool, registry *Registry, pos *ShortPosition) error {
	cost, err := e.exchange.MarketBuy(pos.Ticker, pos.SharesBorrowed, pos.PostedCollateral)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMarketOrder, err)
	}
	interest := interestOn(pos.PostedCollateral, pos.InterestRate)
	refund := new(big.Int).Sub(pos.PostedCollateral, cost)
	refund.Sub(refund, interest)
	refund = clampNonNegative(refund)

	if interest.Sign() > 0 {
		if err := e.reserve.Repatriate(pos.Borrower, e.moduleAccount, interest); err != nil {
			return fmt.Errorf("shortpool: repatriate interest: %w", err)
		}
	}
	if refund.Sign() > 0 {
		if err := e.reserve.Release(pos.Borrower, refund); err != nil {
			return fmt.Errorf("shortpool: release collateral remainder: %w", err)
		}
	}

	if err := pool.CreditEarnings(interest); err != nil {
		return err
	}
	if err := pool.ReleaseFromBorrow(pos.SharesBorrowed); err != nil {
		return err
	}
	return registry.Remove(pos.Borrower)
}

// InterestRate reports the rate a new position would lock at the pool's
// current utilization.
func (e *Engine) InterestRate() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.loadPool(e.ticker)
	if err != nil {
		return nil, err
	}
	return e.rates.Rate(pool.TotalBorrowed, pool.TotalDeposited), nil
}

// PoolSnapshot returns a copy of the pool aggregate for read-only views.
func (e *Engine) PoolSnapshot() (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadPool(e.ticker)
}

// Position returns a copy of the borrower's open position.
func (e *Engine) Position(borrower Address) (*ShortPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	registry, err := e.loadRegistry()
	if err != nil {
		return nil, err
	}
	pos, err := registry.Get(borrower)
	if err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

func (e *Engine) loadPool(ticker string) (*Pool, error) {
	if strings.TrimSpace(ticker) == "" || ticker != e.ticker {
		return nil, ErrInvalidAsset
	}
	pool, err := e.state.GetPool(e.ticker)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = NewPool(e.ticker)
	}
	pool = pool.Clone()
	pool.EnsureDefaults()
	return pool, nil
}

func (e *Engine) loadRegistry() (*Registry, error) {
	registry, err := e.state.GetRegistry(e.ticker)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry(e.ticker)
	}
	registry = registry.Clone()
	registry.EnsureDefaults()
	return registry, nil
}
