package core

import (
	"context"
	"time"
)

// Logger is the narrow structured-logging contract every component takes
// a dependency on, implemented by pkg/logging.ZapLogger in production and
// by a no-op/observer logger in tests.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ExchangeClient is the set of calls the Gateway makes against a live
// exchange. A concrete implementation wraps the exchange's REST API; the
// mock implementation in internal/exchange lets tests drive every
// component without network access.
type ExchangeClient interface {
	// GetFundingSnapshot fetches the current funding rate, mark/spot
	// prices and 24h volume for symbol.
	GetFundingSnapshot(ctx context.Context, symbol string) (FundingSnapshot, error)

	// PlaceOrder submits a market order and blocks until the exchange
	// reports its terminal fill state (fully filled, partially filled on
	// an IOC-style order, or rejected).
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// GetOrderStatus polls the current state of a previously placed
	// order, used to resolve AMBIGUOUS_WRITE outcomes.
	GetOrderStatus(ctx context.Context, exchange, symbol, orderID string) (OrderResult, error)

	// GetPosition returns the exchange's live view of our position in
	// symbol, used by startup reconciliation.
	GetPosition(ctx context.Context, exchange, symbol string) (ExchangePosition, error)

	// ListSymbols returns every symbol the scanner should consider this
	// tick.
	ListSymbols(ctx context.Context) ([]string, error)

	// GetInstrumentRules returns the minimum order size and rounding
	// increments for symbol on the given venue (spot or perp), used to
	// floor an entry's notional into a valid order quantity. The caller
	// combines spot and perp rules into the coarser of the two before
	// sizing an order that spans both venues.
	GetInstrumentRules(ctx context.Context, venue Venue, symbol string) (InstrumentRules, error)

	// GetAccount returns wallet balances and margin usage, used by the
	// PositionGuardian's rebalancing check.
	GetAccount(ctx context.Context) (AccountSnapshot, error)

	// Transfer moves funds between an account's wallets ahead of a
	// margin top-up; not retried by the Gateway on ambiguous failure.
	Transfer(ctx context.Context, req TransferRequest) error
}

// PositionStore persists ActivePosition rows across restarts.
type PositionStore interface {
	Save(ctx context.Context, pos ActivePosition) error
	Get(ctx context.Context, id string) (ActivePosition, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]ActivePosition, error)
	Close() error
}

// MetricsSink is the narrow metrics-reporting contract components depend
// on, backed by pkg/telemetry in production.
type MetricsSink interface {
	// RecordEntry reports a completed entry: notional sized, the
	// volume-weighted entry price across both legs, and the leg size.
	RecordEntry(symbol string, notional, entryPrice, size float64)
	// RecordExit reports a completed exit; exitType is "full" for a
	// position close or "rebalance" for a guardian partial close.
	RecordExit(symbol string, pnl float64, exitType string)
	SetOpenPositions(count int64)
	SetFundingRate(symbol string, rate float64)
	SetSpread(symbol string, spread float64)
	SetMarginUsage(ratio float64)
	SetCircuitBreakerOpen(open bool)
	SetLegImbalance(symbol string, imbalanced bool)
	ObserveGatewayLatency(exchange, op string, d time.Duration)
}
