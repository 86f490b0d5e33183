// Package order implements the OrderManager: the atomic two-leg
// executor for entries and exits, and its per-symbol recovery paths.
// Entries and exits run as DBOS durable workflows so a crash mid-entry
// resumes from its last completed step instead of re-dispatching
// orders that already landed.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundingarb/internal/core"
	"fundingarb/pkg/apperrors"
	"fundingarb/pkg/retry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// errNotConverged signals pollAmbiguous's retry loop that the observed
// position has not yet caught up to the expected quantity.
var errNotConverged = errors.New("position not yet converged")

// legOutcome classifies a dispatched leg's result per spec §4.3.1.
type legOutcome string

const (
	legFilled    legOutcome = "FILLED"
	legRejected  legOutcome = "REJECTED"
	legAmbiguous legOutcome = "AMBIGUOUS"
)

// EntryRequest is the durable workflow input for an entry attempt.
type EntryRequest struct {
	Symbol       string
	Quantity     decimal.Decimal
	SpotExchange string
	PerpExchange string
	NotionalUSD  decimal.Decimal
	EntryFunding decimal.Decimal

	// StepSize and MinQty are the combined (coarser-of-spot-and-perp)
	// instrument rules Quantity was sized against; threaded onto each
	// leg's OrderRequest so the Gateway can re-validate before placing.
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// EntryOutcome is the durable workflow output for an entry attempt.
type EntryOutcome struct {
	Position *core.ActivePosition
	Outcome  string // ENTRY_SUCCESS | ENTRY_ABORTED_LEG_RECOVERED | ENTRY_ABORTED_CLEAN
}

// ExitRequest is the durable workflow input for an exit attempt.
type ExitRequest struct {
	Position core.ActivePosition
}

// Workflows hosts the durable step functions executed by DBOS. Every
// exported method matches the dbos.WorkflowFunc shape
// (func(dbos.DBOSContext, any) (any, error)) so it can be passed
// directly to ctx.RunWorkflow.
type Workflows struct {
	client        core.ExchangeClient
	entryTimeout  time.Duration
	ambiguousPoll time.Duration
	ambiguousMax  time.Duration
	logger        core.Logger
}

// NewWorkflows builds the durable workflow host against client.
func NewWorkflows(client core.ExchangeClient, entryTimeout, ambiguousPoll, ambiguousMax time.Duration, logger core.Logger) *Workflows {
	return &Workflows{
		client:        client,
		entryTimeout:  entryTimeout,
		ambiguousPoll: ambiguousPoll,
		ambiguousMax:  ambiguousMax,
		logger:        logger.WithField("component", "order_workflows"),
	}
}

// ExecuteEntry is the durable workflow implementing spec §4.3.1's
// "Concurrent Taker" algorithm: place the spot buy and then the perp
// sell as two consecutive durable steps, each bounded by entryTimeout
// (the perp leg is placed whatever the spot leg's outcome), join on
// their joint outcome, and never return with a partially-hedged position
// attributable to this call. The two legs are not dispatched
// concurrently.
func (w *Workflows) ExecuteEntry(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(*EntryRequest)

	spotResRaw, spotErr := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		stepCtx, cancel := context.WithTimeout(stepCtx, w.entryTimeout)
		defer cancel()
		return w.client.PlaceOrder(stepCtx, core.OrderRequest{
			Exchange: req.SpotExchange,
			Symbol:   req.Symbol,
			Side:     core.SideBuy,
			Quantity: req.Quantity,
			StepSize: req.StepSize,
			MinQty:   req.MinQty,
		})
	})

	perpResRaw, perpErr := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		stepCtx, cancel := context.WithTimeout(stepCtx, w.entryTimeout)
		defer cancel()
		return w.client.PlaceOrder(stepCtx, core.OrderRequest{
			Exchange: req.PerpExchange,
			Symbol:   req.Symbol,
			Side:     core.SideSell,
			Quantity: req.Quantity,
			StepSize: req.StepSize,
			MinQty:   req.MinQty,
		})
	})

	spotLeg, spotOutcome := w.classifyLeg(spotResRaw, spotErr)
	perpLeg, perpOutcome := w.classifyLeg(perpResRaw, perpErr)

	spotLeg.Exchange, perpLeg.Exchange = req.SpotExchange, req.PerpExchange
	spotLeg.Symbol, perpLeg.Symbol = req.Symbol, req.Symbol
	spotLeg.Side, perpLeg.Side = core.SideBuy, core.SideSell

	return w.resolveEntry(ctx, req, spotLeg, spotOutcome, perpLeg, perpOutcome)
}

func (w *Workflows) classifyLeg(resRaw any, err error) (core.Leg, legOutcome) {
	if err != nil {
		if apperrors.Classify(err) == apperrors.ClassRejectedPrePlace {
			return core.Leg{}, legRejected
		}
		return core.Leg{}, legAmbiguous
	}
	res := resRaw.(core.OrderResult)
	if !res.Filled() {
		return core.Leg{}, legRejected
	}
	return core.Leg{Quantity: res.ExecutedQty, EntryPrice: res.AvgPrice, OrderID: res.OrderID, Fee: res.Fee}, legFilled
}

// resolveEntry implements the joint-outcome table from spec §4.3.1 step 4.
func (w *Workflows) resolveEntry(ctx dbos.DBOSContext, req *EntryRequest, spotLeg core.Leg, spotOutcome legOutcome, perpLeg core.Leg, perpOutcome legOutcome) (any, error) {
	switch {
	case spotOutcome == legFilled && perpOutcome == legFilled:
		return w.finalizeBalanced(ctx, req, spotLeg, perpLeg)

	case spotOutcome == legFilled && perpOutcome == legRejected:
		w.recoverLeg(ctx, req.SpotExchange, req.Symbol, core.SideSell, spotLeg.Quantity)
		return &EntryOutcome{Outcome: "ENTRY_ABORTED_LEG_RECOVERED"}, nil

	case spotOutcome == legRejected && perpOutcome == legFilled:
		w.recoverLeg(ctx, req.PerpExchange, req.Symbol, core.SideBuy, perpLeg.Quantity)
		return &EntryOutcome{Outcome: "ENTRY_ABORTED_LEG_RECOVERED"}, nil

	case spotOutcome == legRejected && perpOutcome == legRejected:
		return &EntryOutcome{Outcome: "ENTRY_ABORTED_CLEAN"}, nil

	case spotOutcome == legFilled && perpOutcome == legAmbiguous:
		resolved, qty := w.pollAmbiguous(ctx, req.PerpExchange, req.Symbol, spotLeg.Quantity.Neg())
		if !resolved {
			return nil, apperrors.ErrManualIntervention
		}
		if qty.IsZero() {
			w.recoverLeg(ctx, req.SpotExchange, req.Symbol, core.SideSell, spotLeg.Quantity)
			return &EntryOutcome{Outcome: "ENTRY_ABORTED_LEG_RECOVERED"}, nil
		}
		perpLeg.Quantity = qty.Abs()
		return w.finalizeBalanced(ctx, req, spotLeg, perpLeg)

	case spotOutcome == legAmbiguous && perpOutcome == legFilled:
		resolved, qty := w.pollAmbiguous(ctx, req.SpotExchange, req.Symbol, perpLeg.Quantity)
		if !resolved {
			return nil, apperrors.ErrManualIntervention
		}
		if qty.IsZero() {
			w.recoverLeg(ctx, req.PerpExchange, req.Symbol, core.SideBuy, perpLeg.Quantity)
			return &EntryOutcome{Outcome: "ENTRY_ABORTED_LEG_RECOVERED"}, nil
		}
		spotLeg.Quantity = qty
		return w.finalizeBalanced(ctx, req, spotLeg, perpLeg)

	case spotOutcome == legAmbiguous && perpOutcome == legAmbiguous:
		spotResolved, spotQty := w.pollAmbiguous(ctx, req.SpotExchange, req.Symbol, req.Quantity)
		perpResolved, perpQty := w.pollAmbiguous(ctx, req.PerpExchange, req.Symbol, req.Quantity.Neg())
		if !spotResolved || !perpResolved {
			return nil, apperrors.ErrManualIntervention
		}
		if spotQty.IsZero() && perpQty.IsZero() {
			return &EntryOutcome{Outcome: "ENTRY_ABORTED_CLEAN"}, nil
		}
		if spotQty.IsZero() {
			w.recoverLeg(ctx, req.PerpExchange, req.Symbol, core.SideBuy, perpQty.Abs())
			return &EntryOutcome{Outcome: "ENTRY_ABORTED_LEG_RECOVERED"}, nil
		}
		if perpQty.IsZero() {
			w.recoverLeg(ctx, req.SpotExchange, req.Symbol, core.SideSell, spotQty)
			return &EntryOutcome{Outcome: "ENTRY_ABORTED_LEG_RECOVERED"}, nil
		}
		spotLeg.Quantity, perpLeg.Quantity = spotQty, perpQty.Abs()
		return w.finalizeBalanced(ctx, req, spotLeg, perpLeg)
	}

	return nil, fmt.Errorf("unreachable joint outcome: spot=%s perp=%s", spotOutcome, perpOutcome)
}

// finalizeBalanced applies step 5 of spec §4.3.1: if filled quantities
// differ by more than one step, treat the larger leg as partially
// orphaned and close the excess before recording the position.
func (w *Workflows) finalizeBalanced(ctx dbos.DBOSContext, req *EntryRequest, spotLeg, perpLeg core.Leg) (any, error) {
	if excess := spotLeg.Quantity.Sub(perpLeg.Quantity); excess.GreaterThan(req.StepSize) {
		w.recoverLeg(ctx, req.SpotExchange, req.Symbol, core.SideSell, excess)
		spotLeg.Quantity = perpLeg.Quantity
	} else if excess := perpLeg.Quantity.Sub(spotLeg.Quantity); excess.GreaterThan(req.StepSize) {
		w.recoverLeg(ctx, req.PerpExchange, req.Symbol, core.SideBuy, excess)
		perpLeg.Quantity = spotLeg.Quantity
	}

	spread := decimal.Zero
	if !spotLeg.EntryPrice.IsZero() {
		spread = perpLeg.EntryPrice.Sub(spotLeg.EntryPrice).Div(spotLeg.EntryPrice)
	}

	pos := &core.ActivePosition{
		Symbol:          req.Symbol,
		SpotLeg:         spotLeg,
		PerpLeg:         perpLeg,
		NotionalUSD:     req.NotionalUSD,
		EntryFundingAPR: req.EntryFunding,
		EntrySpread:     spread,
		Status:          core.StatusOpen,
		OpenedAt:        time.Now(),
		TotalFees:       spotLeg.Fee.Add(perpLeg.Fee),
	}
	return &EntryOutcome{Position: pos, Outcome: "ENTRY_SUCCESS"}, nil
}

// recoverLeg immediately closes an orphaned fill on the opposite side,
// as a best-effort durable step; failure here is logged, not retried
// inline, since the caller is already on the abort path.
func (w *Workflows) recoverLeg(ctx dbos.DBOSContext, exchange, symbol string, side core.Side, quantity decimal.Decimal) {
	if quantity.IsZero() {
		return
	}
	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.client.PlaceOrder(stepCtx, core.OrderRequest{
			Exchange: exchange,
			Symbol:   symbol,
			Side:     side,
			Quantity: quantity,
			ReduceOnly: true,
		})
	})
	if err != nil {
		w.logger.Error("leg recovery failed, position may require manual reconciliation",
			"exchange", exchange, "symbol", symbol, "side", string(side), "error", err.Error())
	}
}

// pollAmbiguous resolves an AMBIGUOUS leg outcome by polling the live
// exchange position for up to the configured window, per spec §4.3.1
// step 4's AMBIGUOUS branches. It returns the signed quantity actually
// observed (positive = long/filled-buy, negative = short/filled-sell)
// relative to expected, or (false, _) if unresolved within the window.
func (w *Workflows) pollAmbiguous(ctx dbos.DBOSContext, exchange, symbol string, expected decimal.Decimal) (bool, decimal.Decimal) {
	var observed decimal.Decimal

	attempts := int(w.ambiguousMax/w.ambiguousPoll) + 1
	policy := retry.RetryPolicy{MaxAttempts: attempts, InitialBackoff: w.ambiguousPoll, MaxBackoff: w.ambiguousPoll}

	err := retry.Do(context.Background(), policy, func(error) bool { return true }, func() error {
		posRaw, stepErr := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
			return w.client.GetPosition(stepCtx, exchange, symbol)
		})
		if stepErr != nil {
			return errNotConverged
		}
		pos := posRaw.(core.ExchangePosition)
		o := pos.Quantity
		if pos.Side == core.SideSell {
			o = o.Neg()
		}
		if o.Abs().LessThan(expected.Abs().Mul(decimal.NewFromFloat(0.999))) {
			return errNotConverged
		}
		observed = o
		return nil
	})

	return err == nil, observed
}

// ExecuteExit is the durable workflow implementing spec §4.3.2: mirror
// of entry with reversed sides, closing the position's recorded legs.
func (w *Workflows) ExecuteExit(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(*ExitRequest)
	pos := req.Position

	h1, err := ctx.RunWorkflow(ctx, w.executeSingleLegExit, &singleLegExitReq{
		Exchange: pos.SpotLeg.Exchange,
		Symbol:   pos.Symbol,
		Side:     core.SideSell,
		Quantity: pos.SpotLeg.Quantity,
	})
	if err != nil {
		return nil, err
	}

	h2, err := ctx.RunWorkflow(ctx, w.executeSingleLegExit, &singleLegExitReq{
		Exchange: pos.PerpLeg.Exchange,
		Symbol:   pos.Symbol,
		Side:     core.SideBuy,
		Quantity: pos.PerpLeg.Quantity,
	})
	if err != nil {
		return nil, err
	}

	spotRes, spotErr := h1.GetResult()
	perpRes, perpErr := h2.GetResult()

	if spotErr != nil || perpErr != nil {
		return nil, fmt.Errorf("exit leg failed: spot=%v perp=%v", spotErr, perpErr)
	}

	spotOrder := spotRes.(core.OrderResult)
	perpOrder := perpRes.(core.OrderResult)

	pos.Status = core.StatusClosed
	pos.ClosedAt = time.Now()
	pos.RealizedPnL = computeExitPnL(pos, spotOrder, perpOrder)
	pos.TotalFees = pos.TotalFees.Add(spotOrder.Fee).Add(perpOrder.Fee)

	return &pos, nil
}

func computeExitPnL(pos core.ActivePosition, spotExit, perpExit core.OrderResult) decimal.Decimal {
	spotPnL := spotExit.AvgPrice.Sub(pos.SpotLeg.EntryPrice).Mul(pos.SpotLeg.Quantity)
	perpPnL := pos.PerpLeg.EntryPrice.Sub(perpExit.AvgPrice).Mul(pos.PerpLeg.Quantity)
	return spotPnL.Add(perpPnL)
}

// PartialCloseRequest is the durable workflow input for shrinking both
// legs of an OPEN position by a fixed quantity each, used by the
// Guardian's margin-usage rebalancing path. The position stays OPEN.
type PartialCloseRequest struct {
	Position     core.ActivePosition
	SpotQty      decimal.Decimal
	PerpQty      decimal.Decimal
}

// ExecutePartialClose reduces both legs by the given quantities via two
// independently-resumable reduce-only orders, mirroring ExecuteExit but
// leaving the position OPEN with its remaining leg quantities.
func (w *Workflows) ExecutePartialClose(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(*PartialCloseRequest)
	pos := req.Position

	h1, err := ctx.RunWorkflow(ctx, w.executeSingleLegExit, &singleLegExitReq{
		Exchange: pos.SpotLeg.Exchange,
		Symbol:   pos.Symbol,
		Side:     core.SideSell,
		Quantity: req.SpotQty,
	})
	if err != nil {
		return nil, err
	}
	h2, err := ctx.RunWorkflow(ctx, w.executeSingleLegExit, &singleLegExitReq{
		Exchange: pos.PerpLeg.Exchange,
		Symbol:   pos.Symbol,
		Side:     core.SideBuy,
		Quantity: req.PerpQty,
	})
	if err != nil {
		return nil, err
	}

	spotRes, spotErr := h1.GetResult()
	perpRes, perpErr := h2.GetResult()
	if spotErr != nil || perpErr != nil {
		return nil, fmt.Errorf("partial close leg failed: spot=%v perp=%v", spotErr, perpErr)
	}

	spotOrder := spotRes.(core.OrderResult)
	perpOrder := perpRes.(core.OrderResult)

	pos.RealizedPnL = pos.RealizedPnL.Add(computePartialPnL(pos, req.SpotQty, req.PerpQty, spotOrder, perpOrder))
	pos.TotalFees = pos.TotalFees.Add(spotOrder.Fee).Add(perpOrder.Fee)
	pos.SpotLeg.Quantity = pos.SpotLeg.Quantity.Sub(req.SpotQty)
	pos.PerpLeg.Quantity = pos.PerpLeg.Quantity.Sub(req.PerpQty)
	return &pos, nil
}

// computePartialPnL realizes the PnL on the slice of each leg closed by a
// guardian rebalance, using the position's original entry prices against
// this close's exit prices.
func computePartialPnL(pos core.ActivePosition, spotQty, perpQty decimal.Decimal, spotExit, perpExit core.OrderResult) decimal.Decimal {
	spotPnL := spotExit.AvgPrice.Sub(pos.SpotLeg.EntryPrice).Mul(spotQty)
	perpPnL := pos.PerpLeg.EntryPrice.Sub(perpExit.AvgPrice).Mul(perpQty)
	return spotPnL.Add(perpPnL)
}

type singleLegExitReq struct {
	Exchange string
	Symbol   string
	Side     core.Side
	Quantity decimal.Decimal
}

// executeSingleLegExit runs as its own sub-workflow so the two exit
// legs execute and resume independently, per the teacher's
// ExecuteSingleLegExit pattern for concurrent, durable leg closure.
func (w *Workflows) executeSingleLegExit(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(*singleLegExitReq)
	return ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.client.PlaceOrder(stepCtx, core.OrderRequest{
			Exchange:   req.Exchange,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			ReduceOnly: true,
		})
	})
}
