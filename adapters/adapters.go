// Package adapters bridges the pool engine's collaborator interfaces to the
// external custody, reserve, oracle and exchange services over JSON-RPC.
package adapters

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"stocklend/native/shortpool"
)

type amountParam struct {
	Owner  string `json:"owner,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Ticker string `json:"ticker,omitempty"`
	Amount string `json:"amount"`
}

type orderParam struct {
	Ticker       string `json:"ticker"`
	Shares       string `json:"shares"`
	FundingLimit string `json:"fundingLimit,omitempty"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

type priceResult struct {
	Price string `json:"price"`
}

// Custody moves shares between depositor custody accounts and the pool's
// omnibus account at the custodian.
type Custody struct {
	client *Client
}

// NewCustody wraps the client as a share custody adapter.
func NewCustody(client *Client) *Custody { return &Custody{client: client} }

func (c *Custody) TransferIn(owner shortpool.Address, ticker string, amount *big.Int) error {
	return c.client.Call(context.Background(), "custody_transferIn", amountParam{
		Owner:  owner.Hex(),
		Ticker: ticker,
		Amount: encodeAmount(amount),
	}, nil)
}

func (c *Custody) TransferOut(owner shortpool.Address, ticker string, amount *big.Int) error {
	return c.client.Call(context.Background(), "custody_transferOut", amountParam{
		Owner:  owner.Hex(),
		Ticker: ticker,
		Amount: encodeAmount(amount),
	}, nil)
}

// Reserve places and lifts holds on borrower cash collateral.
type Reserve struct {
	client *Client
}

// NewReserve wraps the client as a cash reserve adapter.
func NewReserve(client *Client) *Reserve { return &Reserve{client: client} }

func (r *Reserve) Reserve(owner shortpool.Address, amount *big.Int) error {
	return r.client.Call(context.Background(), "reserve_lock", amountParam{
		Owner:  owner.Hex(),
		Amount: encodeAmount(amount),
	}, nil)
}

func (r *Reserve) Release(owner shortpool.Address, amount *big.Int) error {
	return r.client.Call(context.Background(), "reserve_release", amountParam{
		Owner:  owner.Hex(),
		Amount: encodeAmount(amount),
	}, nil)
}

func (r *Reserve) Repatriate(from, to shortpool.Address, amount *big.Int) error {
	return r.client.Call(context.Background(), "reserve_repatriate", amountParam{
		From:   from.Hex(),
		To:     to.Hex(),
		Amount: encodeAmount(amount),
	}, nil)
}

// Oracle looks up spot prices from the market data service.
type Oracle struct {
	client *Client
}

// NewOracle wraps the client as a price oracle adapter.
func NewOracle(client *Client) *Oracle { return &Oracle{client: client} }

func (o *Oracle) CurrentPrice(ticker string) (*big.Int, error) {
	var out priceResult
	if err := o.client.Call(context.Background(), "oracle_price", map[string]string{"ticker": ticker}, &out); err != nil {
		return nil, err
	}
	return decodeAmount(out.Price)
}

// Exchange routes market orders to the trading venue.
type Exchange struct {
	client *Client
}

// NewExchange wraps the client as an exchange adapter.
func NewExchange(client *Client) *Exchange { return &Exchange{client: client} }

// MarketSell sells the shares at market and returns the realized proceeds.
func (x *Exchange) MarketSell(ticker string, shares *big.Int) (*big.Int, error) {
	var out amountResult
	err := x.client.Call(context.Background(), "exchange_marketSell", orderParam{
		Ticker: ticker,
		Shares: encodeAmount(shares),
	}, &out)
	if err != nil {
		return nil, err
	}
	return decodeAmount(out.Amount)
}

// MarketBuy buys the shares back, spending at most fundingLimit, and returns
// the realized cost.
func (x *Exchange) MarketBuy(ticker string, shares, fundingLimit *big.Int) (*big.Int, error) {
	var out amountResult
	err := x.client.Call(context.Background(), "exchange_marketBuy", orderParam{
		Ticker:       ticker,
		Shares:       encodeAmount(shares),
		FundingLimit: encodeAmount(fundingLimit),
	}, &out)
	if err != nil {
		return nil, err
	}
	return decodeAmount(out.Amount)
}

func encodeAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func decodeAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("adapters: empty amount in response")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("adapters: invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("adapters: negative amount %q", value)
	}
	return amount, nil
}
