// Package supervisor owns the ActivePosition registry and the process-
// wide controls: the entry cap, the kill switch, and startup
// reconciliation against the persisted store and the live exchange.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/guardian"
	"fundingarb/internal/order"
	"fundingarb/internal/scanner"
	"fundingarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// ErrDrainTimeout is returned by Run when the kill-switch drain window
// elapses before the registry empties.
var ErrDrainTimeout = errors.New("kill switch drain timeout exceeded")

// Supervisor wires the Scanner's ranked candidates into new entries,
// spawns a Guardian per OPEN position, and enforces the entry cap and
// kill switch.
type Supervisor struct {
	cfg      *config.Config
	client   core.ExchangeClient
	orders   *order.Manager
	scanner  *scanner.Scanner
	store    core.PositionStore
	metrics  core.MetricsSink
	logger   core.Logger
	registry *Registry
	breaker  *PnLCircuitBreaker

	maxOpenPositions int
	killSwitchEnvVar string
	killSwitch       atomic.Bool
	supervisorTick   time.Duration
	drainTimeout     time.Duration

	wg sync.WaitGroup
}

// New builds a Supervisor. breaker may be nil to disable the PnL
// circuit breaker.
func New(cfg *config.Config, client core.ExchangeClient, orders *order.Manager, sc *scanner.Scanner, store core.PositionStore, metrics core.MetricsSink, logger core.Logger, breaker *PnLCircuitBreaker) *Supervisor {
	return &Supervisor{
		cfg:              cfg,
		client:           client,
		orders:           orders,
		scanner:          sc,
		store:            store,
		metrics:          metrics,
		logger:           logger.WithField("component", "supervisor"),
		registry:         NewRegistry(),
		breaker:          breaker,
		maxOpenPositions: cfg.Trading.MaxOpenPositions,
		killSwitchEnvVar: cfg.App.KillSwitchEnvVar,
		supervisorTick:   time.Duration(cfg.Timing.SupervisorIntervalSeconds) * time.Second,
		drainTimeout:     time.Duration(cfg.Timing.KillSwitchDrainTimeoutSeconds) * time.Second,
	}
}

// Run performs startup reconciliation, resumes Guardians for every
// persisted OPEN position, then drives the main supervisor loop until
// ctx is canceled, the kill switch engages and drains, or an
// unrecoverable condition is hit. The returned error (if non-nil)
// distinguishes MANUAL_INTERVENTION, FATAL, and drain-timeout exits so
// the caller can map it to spec §6's exit codes.
func (s *Supervisor) Run(ctx context.Context) error {
	reconciled, err := reconcileStartup(ctx, s.store, s.client, s.logger)
	if err != nil {
		s.logger.Error("startup reconciliation failed", "error", err.Error())
		return err
	}

	for _, pos := range reconciled {
		if pos.Status != core.StatusOpen {
			continue
		}
		s.spawnGuardian(ctx, pos)
	}
	s.metrics.SetOpenPositions(int64(s.registry.Len()))

	if s.killSwitchEnvVar != "" && os.Getenv(s.killSwitchEnvVar) == "true" {
		s.logger.Warn("kill switch engaged at startup via environment variable")
		s.killSwitch.Store(true)
	}

	candidatesCh := make(chan []core.CandidatePair, 1)
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.scanner.Run(scanCtx, func(c []core.CandidatePair) {
			select {
			case candidatesCh <- c:
			default:
			}
		})
	}()

	ticker := time.NewTicker(s.supervisorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain(s.drainTimeout)

		case <-ticker.C:
			if s.killSwitchEnvVar != "" && os.Getenv(s.killSwitchEnvVar) == "true" {
				s.killSwitch.Store(true)
			}
			if s.breaker != nil && s.breaker.IsTripped() {
				s.killSwitch.Store(true)
			}
			if s.killSwitch.Load() {
				s.logger.Warn("kill switch active, draining registry")
				if err := s.drain(s.drainTimeout); err != nil {
					return err
				}
				return apperrors.ErrManualIntervention
			}

		case candidates := <-candidatesCh:
			if s.killSwitch.Load() {
				continue
			}
			s.openEntries(ctx, candidates)
		}
	}
}

// Registry exposes the Supervisor's position registry for health checks
// and tests; callers must not mutate it directly.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// openEntries walks ranked candidates, opening positions until the cap
// is reached and skipping symbols already in the registry, per spec
// §4.5's entry selection rule.
func (s *Supervisor) openEntries(ctx context.Context, candidates []core.CandidatePair) {
	for _, candidate := range candidates {
		if s.registry.Len() >= s.maxOpenPositions {
			return
		}
		if s.registry.Has(candidate.Symbol) {
			continue
		}
		s.openEntry(ctx, candidate)
	}
}

func (s *Supervisor) openEntry(ctx context.Context, candidate core.CandidatePair) {
	spotRules, err := s.client.GetInstrumentRules(ctx, core.VenueSpot, candidate.Symbol)
	if err != nil {
		s.logger.Warn("instrument rules fetch failed, skipping entry", "symbol", candidate.Symbol, "venue", "spot", "error", err.Error())
		return
	}
	perpRules, err := s.client.GetInstrumentRules(ctx, core.VenuePerp, candidate.Symbol)
	if err != nil {
		s.logger.Warn("instrument rules fetch failed, skipping entry", "symbol", candidate.Symbol, "venue", "perp", "error", err.Error())
		return
	}
	// Per spec §4.3.1 step 1, size against the coarser of the two venues'
	// rules so the same quantity is valid on both legs.
	stepSize := decimal.Max(spotRules.StepSize, perpRules.StepSize)
	minQty := decimal.Max(spotRules.MinQty, perpRules.MinQty)

	notional := s.cfg.Trading.NotionalPerEntryUSDDecimal()
	pos, err := s.orders.ExecuteEntry(ctx, candidate.Symbol, notional,
		s.cfg.Exchange.Name, s.cfg.Exchange.Name,
		candidate.SpotPrice, stepSize, minQty, candidate.FundingRate)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			s.logger.Warn("entry skipped: insufficient notional", "symbol", candidate.Symbol)
			return
		}
		s.logger.Error("entry execution failed", "symbol", candidate.Symbol, "error", err.Error())
		return
	}
	if pos == nil {
		s.logger.Info("entry aborted cleanly, no position opened", "symbol", candidate.Symbol)
		return
	}

	s.spawnGuardian(ctx, *pos)
	s.metrics.SetOpenPositions(int64(s.registry.Len()))
}

func (s *Supervisor) spawnGuardian(ctx context.Context, pos core.ActivePosition) {
	guardianCtx, cancel := context.WithCancel(ctx)
	if !s.registry.Add(pos, cancel) {
		cancel()
		return
	}

	g := guardian.New(pos, s.client, s.orders, s.cfg, s.metrics, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registry.Remove(pos.Symbol)
		defer s.metrics.SetOpenPositions(int64(s.registry.Len()))
		if err := g.Run(guardianCtx); err != nil {
			s.logger.Error("guardian exited with error", "symbol", pos.Symbol, "error", err.Error())
		}
	}()
}

// drain requests an exit on every registered position and waits until
// the registry empties or timeout elapses, per spec §4.5's kill switch
// drain behavior.
func (s *Supervisor) drain(timeout time.Duration) error {
	s.registry.CancelAll()

	deadline := time.After(timeout)
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		if s.registry.Len() == 0 {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("%w: %d positions still open", ErrDrainTimeout, s.registry.Len())
		case <-poll.C:
		}
	}
}
