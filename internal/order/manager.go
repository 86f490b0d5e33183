package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/pkg/apperrors"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Manager is the OrderManager: it exposes ExecuteEntry/ExecuteExit,
// serializing calls per symbol (spec §5's "at most one OrderManager
// call per symbol in flight at a time") and dispatching the
// corresponding durable DBOS workflow.
type Manager struct {
	dbosCtx   dbos.DBOSContext
	workflows *Workflows
	store     core.PositionStore
	metrics   core.MetricsSink
	logger    core.Logger

	exitMaxAttempts int
	exitBackoffBase time.Duration

	mu          sync.Mutex
	symbolLocks map[string]*sync.Mutex
}

// New builds the OrderManager against an already-launched DBOS context.
func New(dbosCtx dbos.DBOSContext, client core.ExchangeClient, store core.PositionStore, cfg *config.Config, metrics core.MetricsSink, logger core.Logger) *Manager {
	entryTimeout := time.Duration(cfg.Timing.EntryJoinTimeoutSeconds) * time.Second
	ambiguousPoll := time.Duration(cfg.Timing.AmbiguousPollIntervalMs) * time.Millisecond
	ambiguousMax := time.Duration(cfg.Timing.AmbiguousDoubleLegMaxSeconds) * time.Second

	return &Manager{
		dbosCtx:         dbosCtx,
		workflows:       NewWorkflows(client, entryTimeout, ambiguousPoll, ambiguousMax, logger),
		store:           store,
		metrics:         metrics,
		logger:          logger.WithField("component", "order_manager"),
		exitMaxAttempts: cfg.Timing.ExitRetryMaxAttempts,
		exitBackoffBase: time.Second,
		symbolLocks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symbolLocks[symbol] = lock
	}
	return lock
}

// ExecuteEntry runs the atomic two-leg entry for symbol at the given
// USD notional, computing the common step-rounded quantity and
// dispatching the durable entry workflow. Per spec §5, this call runs
// to its joint outcome uninterruptibly; cancellation is only observed
// at the next tick boundary, never mid-join.
func (m *Manager) ExecuteEntry(ctx context.Context, symbol string, notionalUSD decimal.Decimal, spotExchange, perpExchange string, referencePrice, stepSize, minQty decimal.Decimal, fundingRate decimal.Decimal) (*core.ActivePosition, error) {
	lock := m.lockFor(symbol)
	lock.Lock()
	defer lock.Unlock()

	quantity := floorToStep(notionalUSD.Div(referencePrice), stepSize)
	if quantity.LessThan(minQty) {
		return nil, fmt.Errorf("%w: quantity %s below minimum %s", apperrors.ErrValidation, quantity, minQty)
	}

	req := &EntryRequest{
		Symbol:       symbol,
		Quantity:     quantity,
		SpotExchange: spotExchange,
		PerpExchange: perpExchange,
		NotionalUSD:  notionalUSD,
		EntryFunding: fundingRate,
		StepSize:     stepSize,
		MinQty:       minQty,
	}

	handle, err := m.dbosCtx.RunWorkflow(m.dbosCtx, m.workflows.ExecuteEntry, req, dbos.WithWorkflowID(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("dispatch entry workflow: %w", err)
	}

	outcomeRaw, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	outcome := outcomeRaw.(*EntryOutcome)

	m.logger.Info("entry resolved", "symbol", symbol, "outcome", outcome.Outcome)

	if outcome.Outcome != "ENTRY_SUCCESS" {
		return nil, nil
	}

	outcome.Position.ID = uuid.NewString()
	if err := m.store.Save(ctx, *outcome.Position); err != nil {
		m.logger.Error("failed to persist opened position", "symbol", symbol, "error", err.Error())
	}
	m.metrics.RecordEntry(symbol, notionalUSD.InexactFloat64(), outcome.Position.VolumeWeightedEntryPrice().InexactFloat64(), outcome.Position.SpotLeg.Quantity.InexactFloat64())
	return outcome.Position, nil
}

// ExecuteExit runs the atomic two-leg exit for an OPEN ActivePosition.
// The position is moved to CLOSING immediately and to CLOSED only once
// both legs are confirmed filled; failures retry with backoff up to
// exitMaxAttempts before escalating to MANUAL_INTERVENTION.
func (m *Manager) ExecuteExit(ctx context.Context, pos core.ActivePosition) (*core.ActivePosition, error) {
	lock := m.lockFor(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	pos.Status = core.StatusClosing
	if err := m.store.Save(ctx, pos); err != nil {
		m.logger.Error("failed to persist CLOSING transition", "symbol", pos.Symbol, "error", err.Error())
	}

	var lastErr error
	for attempt := 0; attempt < m.exitMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.exitBackoffBase * time.Duration(1<<uint(attempt-1)))
		}

		handle, err := m.dbosCtx.RunWorkflow(m.dbosCtx, m.workflows.ExecuteExit, &ExitRequest{Position: pos}, dbos.WithWorkflowID(uuid.NewString()))
		if err != nil {
			lastErr = err
			continue
		}
		resultRaw, err := handle.GetResult()
		if err != nil {
			lastErr = err
			continue
		}

		closed := resultRaw.(*core.ActivePosition)
		if err := m.store.Save(ctx, *closed); err != nil {
			m.logger.Error("failed to persist CLOSED position", "symbol", pos.Symbol, "error", err.Error())
		}
		m.metrics.RecordExit(pos.Symbol, closed.RealizedPnL.InexactFloat64(), "full")
		m.logger.Info("exit completed", "symbol", pos.Symbol, "realized_pnl", closed.RealizedPnL.String())
		return closed, nil
	}

	m.logger.Error("exit exhausted retry budget, escalating", "symbol", pos.Symbol, "attempts", m.exitMaxAttempts, "error", lastErr)
	return nil, fmt.Errorf("%w: exit failed after %d attempts: %v", apperrors.ErrManualIntervention, m.exitMaxAttempts, lastErr)
}

// PartialClose shrinks both legs of an OPEN position by spotQty/perpQty,
// used by the PositionGuardian's margin-usage rebalancing path when no
// spot-wallet transfer is available. The position remains OPEN.
func (m *Manager) PartialClose(ctx context.Context, pos core.ActivePosition, spotQty, perpQty decimal.Decimal) (*core.ActivePosition, error) {
	lock := m.lockFor(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	handle, err := m.dbosCtx.RunWorkflow(m.dbosCtx, m.workflows.ExecutePartialClose, &PartialCloseRequest{
		Position: pos,
		SpotQty:  spotQty,
		PerpQty:  perpQty,
	}, dbos.WithWorkflowID(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("dispatch partial close workflow: %w", err)
	}

	resultRaw, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	updated := resultRaw.(*core.ActivePosition)

	if err := m.store.Save(ctx, *updated); err != nil {
		m.logger.Error("failed to persist partial close", "symbol", pos.Symbol, "error", err.Error())
	}
	incrementalPnL := updated.RealizedPnL.Sub(pos.RealizedPnL)
	m.metrics.RecordExit(pos.Symbol, incrementalPnL.InexactFloat64(), "rebalance")
	m.logger.Info("rebalance partial close completed", "symbol", pos.Symbol, "spot_qty_closed", spotQty.String(), "perp_qty_closed", perpQty.String())
	return updated, nil
}

// floorToStep rounds qty down to the nearest multiple of step.
func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
