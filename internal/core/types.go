// Package core holds the domain types and interfaces shared by every
// component of the arbitrage daemon: tickers and funding snapshots coming
// off the exchange, candidate pairs the scanner ranks, and the positions
// the order manager and guardian track through their lifecycle.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or leg.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionStatus is the lifecycle state of an ActivePosition.
type PositionStatus string

const (
	StatusOpening PositionStatus = "OPENING"
	StatusOpen    PositionStatus = "OPEN"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
	StatusFailed  PositionStatus = "FAILED"
)

// FundingSnapshot is the funding-rate and market state for one symbol on
// one exchange, as returned by a single Gateway query.
type FundingSnapshot struct {
	Symbol          string
	Exchange        string
	FundingRate     decimal.Decimal
	NextFundingTime time.Time
	MarkPrice       decimal.Decimal
	SpotPrice       decimal.Decimal
	Volume24h       decimal.Decimal
	FetchedAt       time.Time
}

// Spread returns the contango/backwardation spread between the perpetual
// mark price and the spot price, expressed as a fraction of spot price.
// Positive means the perp trades above spot (contango).
func (s FundingSnapshot) Spread() decimal.Decimal {
	if s.SpotPrice.IsZero() {
		return decimal.Zero
	}
	return s.MarkPrice.Sub(s.SpotPrice).Div(s.SpotPrice)
}

// CandidatePair is a symbol the scanner has evaluated against the entry
// filter and ranked for potential entry this tick.
type CandidatePair struct {
	Symbol        string
	FundingRate   decimal.Decimal
	Spread        decimal.Decimal
	Volume24h     decimal.Decimal
	MarkPrice     decimal.Decimal
	SpotPrice     decimal.Decimal
	EvaluatedAt   time.Time
}

// Leg is one side of a delta-neutral pair: the spot leg or the perpetual
// leg of an ActivePosition.
type Leg struct {
	Exchange   string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	OrderID    string
	Fee        decimal.Decimal
}

// ActivePosition is an open or in-flight delta-neutral funding-rate
// position: a spot leg and a perpetual leg entered (and later exited)
// together.
type ActivePosition struct {
	ID              string
	Symbol          string
	SpotLeg         Leg
	PerpLeg         Leg
	NotionalUSD     decimal.Decimal
	EntryFundingAPR decimal.Decimal
	EntrySpread     decimal.Decimal
	Status          PositionStatus
	OpenedAt        time.Time
	ClosedAt        time.Time
	RealizedPnL     decimal.Decimal
	TotalFees       decimal.Decimal
	FailureReason   string
}

// VolumeWeightedEntryPrice returns the quantity-weighted average of the
// two legs' entry prices, used for trade telemetry.
func (p ActivePosition) VolumeWeightedEntryPrice() decimal.Decimal {
	totalQty := p.SpotLeg.Quantity.Add(p.PerpLeg.Quantity)
	if totalQty.IsZero() {
		return decimal.Zero
	}
	weighted := p.SpotLeg.EntryPrice.Mul(p.SpotLeg.Quantity).Add(p.PerpLeg.EntryPrice.Mul(p.PerpLeg.Quantity))
	return weighted.Div(totalQty)
}

// IsDeltaNeutral reports whether the two legs' quantities offset each
// other, within a small epsilon, given their opposite sides.
func (p ActivePosition) IsDeltaNeutral(epsilon decimal.Decimal) bool {
	if p.SpotLeg.Side == p.PerpLeg.Side {
		return false
	}
	diff := p.SpotLeg.Quantity.Sub(p.PerpLeg.Quantity).Abs()
	return diff.LessThanOrEqual(epsilon)
}

// OrderRequest is what the order manager asks the Gateway to place for a
// single leg. Every entry/exit uses market orders scoped to the position's
// notional, so there is no price field: the exchange fills at the best
// available price.
type OrderRequest struct {
	Exchange      string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool

	// StepSize and MinQty are the instrument rules the caller resolved
	// before sizing Quantity. When set (non-zero) the Gateway re-validates
	// Quantity against them before placing the order. Callers that size
	// off an already-accepted fill (leg recovery, exits) may leave these
	// zero to skip re-validation.
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// OrderResult is what the Gateway reports back after placing an order.
type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	Status      string
	SubmittedAt time.Time
}

// Filled reports whether the order achieved any execution at all.
func (r OrderResult) Filled() bool {
	return r.ExecutedQty.IsPositive()
}

// ExchangePosition is the exchange's view of our live position in a
// symbol, used by the Supervisor's startup reconciliation pass.
type ExchangePosition struct {
	Exchange string
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
}

// WalletBalance is the free and total balance of one asset on one
// exchange wallet (spot or perpetual futures).
type WalletBalance struct {
	Wallet string // "spot" | "perp"
	Asset  string
	Free   decimal.Decimal
	Total  decimal.Decimal
}

// AccountSnapshot is the Gateway's fetch_account() response: the
// balances backing the PositionGuardian's margin-usage calculation.
type AccountSnapshot struct {
	Balances       []WalletBalance
	MarginUsed     decimal.Decimal
	AccountValue   decimal.Decimal
	MarginUsagePct decimal.Decimal
}

// Venue distinguishes the spot order book from the perpetual futures order
// book on the same exchange; instrument rules (step size, min quantity)
// can differ between the two for the same symbol.
type Venue string

const (
	VenueSpot Venue = "spot"
	VenuePerp Venue = "perp"
)

// InstrumentRules are the exchange's trading constraints for a symbol:
// the minimum order size and the quantity/price rounding increments.
type InstrumentRules struct {
	Symbol   string
	MinQty   decimal.Decimal
	StepSize decimal.Decimal
	TickSize decimal.Decimal
}

// TransferRequest moves an asset between an account's internal wallets
// (e.g. spot -> perpetual futures) ahead of a margin top-up.
type TransferRequest struct {
	Exchange   string
	Asset      string
	Amount     decimal.Decimal
	FromWallet string
	ToWallet   string
}
