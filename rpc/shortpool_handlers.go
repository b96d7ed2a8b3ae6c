package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	nativecommon "stocklend/native/common"
	"stocklend/native/shortpool"
	"stocklend/observability"
)

type depositParams struct {
	Depositor string `json:"depositor"`
	Ticker    string `json:"ticker"`
	Amount    string `json:"amount"`
}

type withdrawParams struct {
	Depositor string `json:"depositor"`
	Ticker    string `json:"ticker"`
	Shares    string `json:"shares"`
}

type shortSellParams struct {
	Borrower   string `json:"borrower"`
	Ticker     string `json:"ticker"`
	Shares     string `json:"shares"`
	Collateral string `json:"collateral"`
}

type closePositionParams struct {
	Caller   string `json:"caller"`
	Borrower string `json:"borrower"`
	Ticker   string `json:"ticker"`
}

type addMarginParams struct {
	Borrower   string `json:"borrower"`
	Ticker     string `json:"ticker"`
	Collateral string `json:"collateral"`
}

type positionQueryParams struct {
	Borrower string `json:"borrower"`
}

type depositResult struct {
	Ticker  string `json:"ticker"`
	Amount  string `json:"amount"`
	Applied bool   `json:"applied"`
}

type withdrawResult struct {
	Ticker             string   `json:"ticker"`
	Shares             string   `json:"shares"`
	ForcedLiquidations []string `json:"forcedLiquidations"`
}

type positionResult struct {
	Borrower         string `json:"borrower"`
	Ticker           string `json:"ticker"`
	SharesBorrowed   string `json:"sharesBorrowed"`
	InterestRate     string `json:"interestRate"`
	OpenSequence     uint64 `json:"openSequence"`
	PostedCollateral string `json:"postedCollateral"`
	Proceeds         string `json:"proceeds"`
}

type closeResult struct {
	Borrower string `json:"borrower"`
	Payout   string `json:"payout"`
}

type addMarginResult struct {
	Borrower   string `json:"borrower"`
	Collateral string `json:"collateral"`
}

type checkLiquidationResult struct {
	Liquidated []string `json:"liquidated"`
}

type poolResult struct {
	Ticker           string `json:"ticker"`
	TotalDeposited   string `json:"totalDeposited"`
	TotalBorrowed    string `json:"totalBorrowed"`
	AvailableShares  string `json:"availableShares"`
	RetainedEarnings string `json:"retainedEarnings"`
	Depositors       int    `json:"depositors"`
	OpenPositions    int    `json:"openPositions,omitempty"`
}

type interestRateResult struct {
	Ticker string `json:"ticker"`
	Rate   string `json:"rate"`
}

func (s *Server) handleDepositShares(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input depositParams
	if !decodeSingleParam(w, req, &input) {
		return
	}
	depositor, ok := parseAddressParam(w, req, "depositor", input.Depositor)
	if !ok {
		return
	}
	amount, ok := parseAmountParam(w, req, "amount", input.Amount)
	if !ok {
		return
	}
	err := s.engine.DepositShares(depositor, input.Ticker, amount)
	observability.Pool().RecordOperation("deposit", err)
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	s.recordPoolGauges()
	writeResult(w, req.ID, depositResult{Ticker: input.Ticker, Amount: amount.String(), Applied: true})
}

func (s *Server) handleWithdrawShares(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input withdrawParams
	if !decodeSingleParam(w, req, &input) {
		return
	}
	depositor, ok := parseAddressParam(w, req, "depositor", input.Depositor)
	if !ok {
		return
	}
	shares, ok := parseAmountParam(w, req, "shares", input.Shares)
	if !ok {
		return
	}
	forced, err := s.engine.WithdrawShares(depositor, input.Ticker, shares)
	observability.Pool().RecordOperation("withdraw", err)
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	observability.Pool().RecordLiquidations("withdrawal", len(forced))
	s.recordPoolGauges()
	writeResult(w, req.ID, withdrawResult{
		Ticker:             input.Ticker,
		Shares:             shares.String(),
		ForcedLiquidations: hexAddresses(forced),
	})
}

func (s *Server) handleShortSell(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input shortSellParams
	if !decodeSingleParam(w, req, &input) {
		return
	}
	borrower, ok := parseAddressParam(w, req, "borrower", input.Borrower)
	if !ok {
		return
	}
	shares, ok := parseAmountParam(w, req, "shares", input.Shares)
	if !ok {
		return
	}
	collateral, ok := parseAmountParam(w, req, "collateral", input.Collateral)
	if !ok {
		return
	}
	pos, err := s.engine.ShortSell(borrower, input.Ticker, shares, collateral)
	observability.Pool().RecordOperation("short_sell", err)
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	s.recordPoolGauges()
	writeResult(w, req.ID, renderPosition(pos))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input closePositionParams
	if !decodeSingleParam(w, req, &input) {
		return
	}
	caller, ok := parseAddressParam(w, req, "caller", input.Caller)
	if !ok {
		return
	}
	borrower, ok := parseAddressParam(w, req, "borrower", input.Borrower)
	if !ok {
		return
	}
	payout, err := s.engine.ClosePosition(caller, borrower, input.Ticker)
	observability.Pool().RecordOperation("close_position", err)
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	s.recordPoolGauges()
	writeResult(w, req.ID, closeResult{Borrower: borrower.Hex(), Payout: payout.String()})
}

func (s *Server) handleAddMargin(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input addMarginParams
	if !decodeSingleParam(w, req, &input) {
		return
	}
	borrower, ok := parseAddressParam(w, req, "borrower", input.Borrower)
	if !ok {
		return
	}
	collateral, ok := parseAmountParam(w, req, "collateral", input.Collateral)
	if !ok {
		return
	}
	err := s.engine.AddMargin(borrower, input.Ticker, collateral)
	observability.Pool().RecordOperation("add_margin", err)
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, addMarginResult{Borrower: borrower.Hex(), Collateral: collateral.String()})
}

func (s *Server) handleCheckLiquidation(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	liquidated, err := s.engine.CheckLiquidation()
	observability.Pool().RecordOperation("check_liquidation", err)
	observability.Pool().RecordLiquidations("margin_sweep", len(liquidated))
	if err != nil {
		// Partial sweeps still report the positions that were closed.
		writeError(w, http.StatusBadGateway, req.ID, codeServerError, err.Error(), checkLiquidationResult{Liquidated: hexAddresses(liquidated)})
		return
	}
	s.recordPoolGauges()
	writeResult(w, req.ID, checkLiquidationResult{Liquidated: hexAddresses(liquidated)})
}

func (s *Server) handleGetPool(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	pool, err := s.engine.PoolSnapshot()
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, poolResult{
		Ticker:           pool.Ticker,
		TotalDeposited:   pool.TotalDeposited.String(),
		TotalBorrowed:    pool.TotalBorrowed.String(),
		AvailableShares:  pool.AvailableShares().String(),
		RetainedEarnings: pool.RetainedEarnings.String(),
		Depositors:       len(pool.DepositorShares),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input positionQueryParams
	if !decodeSingleParam(w, req, &input) {
		return
	}
	borrower, ok := parseAddressParam(w, req, "borrower", input.Borrower)
	if !ok {
		return
	}
	pos, err := s.engine.Position(borrower)
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, renderPosition(pos))
}

func (s *Server) handleGetInterestRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	rate, err := s.engine.InterestRate()
	if err != nil {
		writeEngineError(w, req, err)
		return
	}
	observability.Pool().RecordInterestRate(s.engine.Ticker(), rate)
	writeResult(w, req.ID, interestRateResult{Ticker: s.engine.Ticker(), Rate: rate.String()})
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

func parseAddressParam(w http.ResponseWriter, req *RPCRequest, field, value string) (shortpool.Address, bool) {
	addr, err := shortpool.ParseAddress(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid "+field, err.Error())
		return shortpool.Address{}, false
	}
	return addr, true
}

func parseAmountParam(w http.ResponseWriter, req *RPCRequest, field, value string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, field+" required", nil)
		return nil, false
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid "+field, value)
		return nil, false
	}
	return amount, true
}

func writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) {
	status, code := engineErrorStatus(err)
	writeError(w, status, req.ID, code, err.Error(), nil)
}

// engineErrorStatus maps engine sentinels onto HTTP statuses and JSON-RPC
// error codes so clients can react without string matching.
func engineErrorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, shortpool.ErrInvalidAmount),
		errors.Is(err, shortpool.ErrInvalidAsset):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, shortpool.ErrUnauthorized):
		return http.StatusForbidden, codeUnauthorized
	case errors.Is(err, shortpool.ErrNotFound),
		errors.Is(err, shortpool.ErrInvalidPosition):
		return http.StatusNotFound, codeServerError
	case errors.Is(err, shortpool.ErrInsufficientBalance),
		errors.Is(err, shortpool.ErrInsufficientPoolShares),
		errors.Is(err, shortpool.ErrInsufficientCollateral),
		errors.Is(err, shortpool.ErrNoShares),
		errors.Is(err, shortpool.ErrPositionAlreadyOpen),
		errors.Is(err, shortpool.ErrOverflow):
		return http.StatusConflict, codeServerError
	case errors.Is(err, shortpool.ErrMarketOrder):
		return http.StatusBadGateway, codeServerError
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, codeServerError
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

func renderPosition(pos *shortpool.ShortPosition) positionResult {
	return positionResult{
		Borrower:         pos.Borrower.Hex(),
		Ticker:           pos.Ticker,
		SharesBorrowed:   pos.SharesBorrowed.String(),
		InterestRate:     pos.InterestRate.String(),
		OpenSequence:     pos.OpenSequence,
		PostedCollateral: pos.PostedCollateral.String(),
		Proceeds:         pos.Proceeds.String(),
	}
}

func hexAddresses(addrs []shortpool.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Hex())
	}
	return out
}

func (s *Server) recordPoolGauges() {
	pool, err := s.engine.PoolSnapshot()
	if err != nil {
		return
	}
	observability.Pool().RecordLedger(pool.Ticker, pool.TotalDeposited, pool.TotalBorrowed, pool.RetainedEarnings)
}
