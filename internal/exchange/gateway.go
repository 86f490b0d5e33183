// Package exchange provides the rate-limited, retrying facade over a
// single exchange's spot and perpetual endpoints, plus an in-memory
// mock implementation for tests.
package exchange

import (
	"context"
	"fmt"
	"time"

	"fundingarb/internal/core"
	"fundingarb/pkg/apperrors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"
)

var _ core.ExchangeClient = (*Gateway)(nil)

// QueryTimeout and WriteTimeout bound every Gateway call per spec §5:
// queries get 5s, writes get 10s, composing with retries inside that
// budget.
const (
	QueryTimeout = 5 * time.Second
	WriteTimeout = 10 * time.Second
)

// Gateway wraps a raw exchange client with a process-wide rate limiter
// and an exponential-backoff retry policy, surfacing ambiguous write
// outcomes to the caller instead of guessing.
type Gateway struct {
	name    string
	raw     core.ExchangeClient
	limiter *rate.Limiter
	metrics core.MetricsSink
	logger  core.Logger

	queryExecutor failsafe.Executor[any]
}

// GatewayConfig holds the backoff and rate-limit parameters from spec §4.1.
type GatewayConfig struct {
	RequestsPerSecond float64
	Burst             int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffFactor     float64
	JitterPct         float64
	MaxRetries        int
}

// NewGateway wraps raw with the resilience pipeline described by cfg.
func NewGateway(name string, raw core.ExchangeClient, cfg GatewayConfig, metrics core.MetricsSink, logger core.Logger) *Gateway {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithBackoff(cfg.BackoffBase, cfg.BackoffCap).
		WithJitterFactor(cfg.JitterPct).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	return &Gateway{
		name:          name,
		raw:           raw,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		metrics:       metrics,
		logger:        logger.WithField("component", "gateway").WithField("exchange", name),
		queryExecutor: failsafe.NewExecutor[any](retryPolicy),
	}
}

// GetFundingSnapshot queries the current funding rate, prices and
// volume for symbol, composed with retry + rate limiting.
func (g *Gateway) GetFundingSnapshot(ctx context.Context, symbol string) (core.FundingSnapshot, error) {
	out, err := g.query(ctx, "get_funding_snapshot", func(ctx context.Context) (any, error) {
		return g.raw.GetFundingSnapshot(ctx, symbol)
	})
	if err != nil {
		return core.FundingSnapshot{}, err
	}
	return out.(core.FundingSnapshot), nil
}

// GetOrderStatus polls a previously placed order's terminal state.
func (g *Gateway) GetOrderStatus(ctx context.Context, exchange, symbol, orderID string) (core.OrderResult, error) {
	out, err := g.query(ctx, "get_order_status", func(ctx context.Context) (any, error) {
		return g.raw.GetOrderStatus(ctx, exchange, symbol, orderID)
	})
	if err != nil {
		return core.OrderResult{}, err
	}
	return out.(core.OrderResult), nil
}

// GetPosition returns the exchange's live view of our position in symbol.
func (g *Gateway) GetPosition(ctx context.Context, exchange, symbol string) (core.ExchangePosition, error) {
	out, err := g.query(ctx, "get_position", func(ctx context.Context) (any, error) {
		return g.raw.GetPosition(ctx, exchange, symbol)
	})
	if err != nil {
		return core.ExchangePosition{}, err
	}
	return out.(core.ExchangePosition), nil
}

// ListSymbols returns every symbol the scanner should consider this tick.
func (g *Gateway) ListSymbols(ctx context.Context) ([]string, error) {
	out, err := g.query(ctx, "list_symbols", func(ctx context.Context) (any, error) {
		return g.raw.ListSymbols(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

// GetInstrumentRules queries the minimum order size and rounding
// increments for symbol on the given venue.
func (g *Gateway) GetInstrumentRules(ctx context.Context, venue core.Venue, symbol string) (core.InstrumentRules, error) {
	out, err := g.query(ctx, "get_instrument_rules", func(ctx context.Context) (any, error) {
		return g.raw.GetInstrumentRules(ctx, venue, symbol)
	})
	if err != nil {
		return core.InstrumentRules{}, err
	}
	return out.(core.InstrumentRules), nil
}

// GetAccount returns wallet balances and margin usage for the
// PositionGuardian's rebalancing check.
func (g *Gateway) GetAccount(ctx context.Context) (core.AccountSnapshot, error) {
	out, err := g.query(ctx, "get_account", func(ctx context.Context) (any, error) {
		return g.raw.GetAccount(ctx)
	})
	if err != nil {
		return core.AccountSnapshot{}, err
	}
	return out.(core.AccountSnapshot), nil
}

// Transfer moves funds between wallets. Like PlaceOrder, this is a
// write and is never retried by the Gateway on an ambiguous failure.
func (g *Gateway) Transfer(ctx context.Context, req core.TransferRequest) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()

	start := time.Now()
	err := g.raw.Transfer(writeCtx, req)
	g.metrics.ObserveGatewayLatency(g.name, "transfer", time.Since(start))
	if err != nil {
		class := apperrors.Classify(err)
		g.logger.Warn("transfer failed", "asset", req.Asset, "classification", string(class))
	}
	return err
}

// PlaceOrder submits a market order in a single attempt; the Gateway
// never retries a write. A failure that apperrors.Classify does not
// recognize is surfaced immediately as apperrors.ErrAmbiguousWrite, since
// retrying an unresolved write risks a double fill.
func (g *Gateway) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResult, error) {
	if err := validateQuantity(req); err != nil {
		g.logger.Warn("place_order rejected", "symbol", req.Symbol, "quantity", req.Quantity.String(), "error", err.Error())
		return core.OrderResult{}, err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return core.OrderResult{}, fmt.Errorf("rate limiter: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()

	start := time.Now()
	result, err := g.raw.PlaceOrder(writeCtx, req)
	g.metrics.ObserveGatewayLatency(g.name, "place_order", time.Since(start))

	if err != nil {
		class := apperrors.Classify(err)
		g.logger.Warn("place_order failed", "symbol", req.Symbol, "side", string(req.Side), "classification", string(class))
		if class == apperrors.ClassUnknown {
			return core.OrderResult{}, fmt.Errorf("%w: %v", apperrors.ErrAmbiguousWrite, err)
		}
		return core.OrderResult{}, err
	}
	return result, nil
}

// validateQuantity rejects a quantity that does not conform to the
// instrument rules the caller resolved, per spec §4.1: the Gateway is the
// last line of defense before a write reaches the exchange. A zero
// StepSize/MinQty means the caller didn't carry rules for this request
// (e.g. a reduce-only recovery order sized off an already-accepted fill)
// and validation is skipped.
func validateQuantity(req core.OrderRequest) error {
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s is not positive", apperrors.ErrInvalidQuantity, req.Quantity)
	}
	if req.MinQty.IsPositive() && req.Quantity.LessThan(req.MinQty) {
		return fmt.Errorf("%w: quantity %s below minimum %s", apperrors.ErrInvalidQuantity, req.Quantity, req.MinQty)
	}
	if req.StepSize.IsPositive() && !req.Quantity.Mod(req.StepSize).IsZero() {
		return fmt.Errorf("%w: quantity %s does not conform to step size %s", apperrors.ErrInvalidQuantity, req.Quantity, req.StepSize)
	}
	return nil
}

func (g *Gateway) query(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	start := time.Now()
	out, err := g.queryExecutor.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return fn(queryCtx)
	})
	g.metrics.ObserveGatewayLatency(g.name, op, time.Since(start))

	if err != nil {
		g.logger.Warn("gateway query failed", "op", op, "error", err.Error())
		return nil, err
	}
	return out, nil
}
