// Package guardian implements the PositionGuardian: one instance per
// OPEN ActivePosition, sampling funding rate, spread and margin usage on
// a fixed tick and requesting an exit or a margin-usage rebalance
// through the OrderManager.
package guardian

import (
	"context"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/order"

	"github.com/shopspring/decimal"
)

// tickBudget bounds the work done within a single Guardian tick, per
// spec §5's 8s budget.
const tickBudget = 8 * time.Second

// negativeFRDebounceDefault is the number of consecutive qualifying
// samples the negative-funding-rate exit requires before it fires, used
// when the configured FundingDebounceCount is not positive.
const negativeFRDebounceDefault = 3

// Guardian watches a single OPEN position and triggers its exit or
// rebalance.
type Guardian struct {
	position core.ActivePosition
	client   core.ExchangeClient
	orders   *order.Manager
	metrics  core.MetricsSink
	logger   core.Logger

	tickPeriod         time.Duration
	negativeFRThresh   decimal.Decimal
	backwardationThresh decimal.Decimal
	debounceTarget     int
	marginUsageHigh    decimal.Decimal
	marginUsageTarget  decimal.Decimal

	consecutiveNegativeFR int
}

// New builds a Guardian for pos.
func New(pos core.ActivePosition, client core.ExchangeClient, orders *order.Manager, cfg *config.Config, metrics core.MetricsSink, logger core.Logger) *Guardian {
	debounce := cfg.Trading.FundingDebounceCount
	if debounce <= 0 {
		debounce = negativeFRDebounceDefault
	}
	return &Guardian{
		position:            pos,
		client:              client,
		orders:              orders,
		metrics:              metrics,
		logger:               logger.WithField("component", "guardian").WithField("symbol", pos.Symbol),
		tickPeriod:           time.Duration(cfg.Timing.GuardianIntervalSeconds) * time.Second,
		negativeFRThresh:     decimal.NewFromFloat(cfg.Trading.ExitFundingRateThresh),
		backwardationThresh:  decimal.NewFromFloat(cfg.Trading.ExitSpreadThreshold),
		debounceTarget:       debounce,
		marginUsageHigh:      decimal.NewFromFloat(cfg.Risk.MarginUsageHigh),
		marginUsageTarget:    decimal.NewFromFloat(cfg.Risk.MarginUsageTarget),
	}
}

// Run ticks until the position exits, either on an exit trigger or via
// context cancellation: once ctx is done, Run requests an exit of the
// position before returning. A returned error means the exit request
// itself failed irrecoverably (the OrderManager already escalated to
// MANUAL_INTERVENTION); a nil return means the position closed.
func (g *Guardian) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done, so the exit runs on a fresh context.
			return g.requestExit(context.Background())
		case <-ticker.C:
			done, err := g.tick(ctx)
			if err != nil {
				g.logger.Error("guardian tick failed", "error", err.Error())
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// tick samples the position's market state once and evaluates exit
// triggers in spec order, then rebalances if no trigger fired. Returns
// true if the position has exited and this Guardian should terminate.
func (g *Guardian) tick(ctx context.Context) (bool, error) {
	tickCtx, cancel := context.WithTimeout(ctx, tickBudget)
	defer cancel()

	snap, err := g.client.GetFundingSnapshot(tickCtx, g.position.Symbol)
	if err != nil {
		g.logger.Warn("funding snapshot fetch failed, skipping tick", "error", err.Error())
		return false, nil
	}
	spread := snap.Spread()

	g.metrics.SetFundingRate(g.position.Symbol, snap.FundingRate.InexactFloat64())
	g.metrics.SetSpread(g.position.Symbol, spread.InexactFloat64())

	if qualifiesNegativeFR(snap.FundingRate, g.negativeFRThresh) {
		g.consecutiveNegativeFR++
	} else {
		g.consecutiveNegativeFR = 0
	}

	if g.consecutiveNegativeFR >= g.debounceTarget {
		g.logger.Info("negative-FR exit triggered", "funding_rate", snap.FundingRate.String(), "samples", g.consecutiveNegativeFR)
		return true, g.requestExit(tickCtx)
	}

	if spread.LessThanOrEqual(g.backwardationThresh) {
		g.logger.Info("backwardation exit triggered", "spread", spread.String())
		return true, g.requestExit(tickCtx)
	}

	g.rebalanceIfNeeded(tickCtx)
	return false, nil
}

func qualifiesNegativeFR(fundingRate, threshold decimal.Decimal) bool {
	return fundingRate.LessThanOrEqual(threshold) || !fundingRate.IsPositive()
}

func (g *Guardian) requestExit(ctx context.Context) error {
	_, err := g.orders.ExecuteExit(ctx, g.position)
	return err
}

// rebalanceIfNeeded implements spec §4.4's rebalancing path: a spot
// wallet transfer if funds are free, otherwise a coordinated partial
// close of both legs targeting marginUsageTarget. A rebalance attempt is
// skipped (not retried) if margin has already recovered by the time the
// account snapshot is read.
func (g *Guardian) rebalanceIfNeeded(ctx context.Context) {
	account, err := g.client.GetAccount(ctx)
	if err != nil {
		g.logger.Warn("account snapshot fetch failed, skipping rebalance check", "error", err.Error())
		return
	}
	if account.MarginUsagePct.LessThan(g.marginUsageHigh) {
		return
	}

	var freeSpot decimal.Decimal
	for _, bal := range account.Balances {
		if bal.Wallet == "spot" {
			freeSpot = freeSpot.Add(bal.Free)
		}
	}

	if freeSpot.IsPositive() {
		g.transferToTarget(ctx, account, freeSpot)
		return
	}

	g.shrinkToTarget(ctx, account)
}

// transferToTarget moves the lesser of (amount needed to reach
// marginUsageTarget) and (available free spot balance) into the
// perpetual wallet.
func (g *Guardian) transferToTarget(ctx context.Context, account core.AccountSnapshot, freeSpot decimal.Decimal) {
	needed := marginTopUpNeeded(account, g.marginUsageTarget)
	if !needed.IsPositive() {
		return
	}
	amount := decimal.Min(needed, freeSpot)

	err := g.client.Transfer(ctx, core.TransferRequest{
		Exchange:   g.position.PerpLeg.Exchange,
		Asset:      "USDT",
		Amount:     amount,
		FromWallet: "spot",
		ToWallet:   "perp",
	})
	if err != nil {
		g.logger.Error("margin top-up transfer failed", "amount", amount.String(), "error", err.Error())
		return
	}
	g.logger.Info("margin top-up transfer completed", "amount", amount.String())
}

// marginTopUpNeeded estimates the margin top-up (in margin-used terms)
// that would bring usage down to target, given the account's current
// margin-used and account-value figures.
func marginTopUpNeeded(account core.AccountSnapshot, target decimal.Decimal) decimal.Decimal {
	if target.IsZero() {
		return decimal.Zero
	}
	targetValue := account.MarginUsed.Div(target)
	return targetValue.Sub(account.AccountValue)
}

// shrinkToTarget partially closes both legs via the OrderManager,
// computing a shrink ratio r so post-shrink margin-usage approximates
// marginUsageTarget.
func (g *Guardian) shrinkToTarget(ctx context.Context, account core.AccountSnapshot) {
	r := shrinkRatio(account.MarginUsagePct, g.marginUsageTarget)
	if !r.IsPositive() {
		return
	}
	if r.GreaterThan(decimal.NewFromInt(1)) {
		r = decimal.NewFromInt(1)
	}

	spotQty := g.position.SpotLeg.Quantity.Mul(r)
	perpQty := g.position.PerpLeg.Quantity.Mul(r)
	if spotQty.IsZero() || perpQty.IsZero() {
		return
	}

	updated, err := g.orders.PartialClose(ctx, g.position, spotQty, perpQty)
	if err != nil {
		g.logger.Error("rebalance partial close failed", "error", err.Error())
		return
	}
	g.position = *updated
}

// shrinkRatio computes the fraction of the position to close so that
// margin-usage moves from current to target, assuming margin-used
// scales linearly with position size.
func shrinkRatio(current, target decimal.Decimal) decimal.Decimal {
	if !current.IsPositive() {
		return decimal.Zero
	}
	return current.Sub(target).Div(current)
}
