package supervisor

import (
	"context"
	"fmt"

	"fundingarb/internal/core"
	"fundingarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// reconcileEpsilon is the tolerance applied when comparing a persisted
// leg quantity against the exchange's live view, accounting for the
// step-size rounding every fill already goes through.
var reconcileEpsilon = decimal.NewFromFloat(0.0001)

// reconcileStartup loads every persisted OPEN/CLOSING position and
// compares it against the exchange's live view of each leg, per spec
// §6's startup reconciliation pass. Any discrepancy is surfaced as
// apperrors.ErrManualIntervention rather than silently corrected, since
// the daemon cannot safely guess which side is authoritative.
func reconcileStartup(ctx context.Context, store core.PositionStore, client core.ExchangeClient, logger core.Logger) ([]core.ActivePosition, error) {
	rows, err := store.ListByStatus(ctx, core.StatusOpen, core.StatusClosing)
	if err != nil {
		return nil, fmt.Errorf("load persisted positions: %w", err)
	}

	reconciled := make([]core.ActivePosition, 0, len(rows))
	for _, pos := range rows {
		if err := reconcileOne(ctx, pos, client, logger); err != nil {
			return nil, err
		}
		reconciled = append(reconciled, pos)
	}
	return reconciled, nil
}

func reconcileOne(ctx context.Context, pos core.ActivePosition, client core.ExchangeClient, logger core.Logger) error {
	spotPos, err := client.GetPosition(ctx, pos.SpotLeg.Exchange, pos.Symbol)
	if err != nil {
		return fmt.Errorf("%w: fetch live spot position for %s: %v", apperrors.ErrManualIntervention, pos.Symbol, err)
	}
	perpPos, err := client.GetPosition(ctx, pos.PerpLeg.Exchange, pos.Symbol)
	if err != nil {
		return fmt.Errorf("%w: fetch live perp position for %s: %v", apperrors.ErrManualIntervention, pos.Symbol, err)
	}

	if !legMatches(pos.SpotLeg.Quantity, spotPos.Quantity) {
		logger.Error("startup reconciliation mismatch on spot leg", "symbol", pos.Symbol,
			"recorded", pos.SpotLeg.Quantity.String(), "live", spotPos.Quantity.String())
		return fmt.Errorf("%w: spot leg mismatch for %s", apperrors.ErrManualIntervention, pos.Symbol)
	}
	if !legMatches(pos.PerpLeg.Quantity, perpPos.Quantity) {
		logger.Error("startup reconciliation mismatch on perp leg", "symbol", pos.Symbol,
			"recorded", pos.PerpLeg.Quantity.String(), "live", perpPos.Quantity.String())
		return fmt.Errorf("%w: perp leg mismatch for %s", apperrors.ErrManualIntervention, pos.Symbol)
	}
	return nil
}

func legMatches(recorded, live decimal.Decimal) bool {
	return recorded.Sub(live).Abs().LessThanOrEqual(reconcileEpsilon)
}
