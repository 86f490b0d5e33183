// Package scanner implements the MarketScanner: a periodic, concurrent
// sweep of the exchange's symbol universe, filtered and ranked into the
// candidate list the Supervisor uses to open new positions.
package scanner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// staleAfter is the number of scanner ticks after which a symbol's last
// successful snapshot is considered stale and omitted from the ranked
// output, per spec §4.2.
const staleAfter = 2

// Scanner ranks the symbol universe each tick by funding rate, applying
// the four entry criteria from spec §4.2.
type Scanner struct {
	client  core.ExchangeClient
	pool    *concurrency.WorkerPool
	metrics core.MetricsSink
	logger  core.Logger

	quoteCurrency        string
	minFundingRate        decimal.Decimal
	minVolume24h          decimal.Decimal
	minSpread             decimal.Decimal
	tickPeriod            time.Duration
}

// New builds a Scanner against client, pooling per-symbol fetches
// through a bounded worker pool sized by cfg.Concurrency.
func New(client core.ExchangeClient, cfg *config.Config, metrics core.MetricsSink, logger core.Logger) *Scanner {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "scanner",
		MaxWorkers:  cfg.Concurrency.ScannerPoolSize,
		MaxCapacity: cfg.Concurrency.ScannerPoolBuffer,
	}, logger)

	return &Scanner{
		client:         client,
		pool:           pool,
		metrics:        metrics,
		logger:         logger.WithField("component", "scanner"),
		quoteCurrency:  cfg.Trading.QuoteCurrency,
		minFundingRate: decimal.NewFromFloat(cfg.Trading.EntryFundingRateThresh),
		minVolume24h:   decimal.NewFromFloat(cfg.Trading.MinVolume24h),
		minSpread:      decimal.NewFromFloat(cfg.Trading.EntrySpreadThreshold),
		tickPeriod:     time.Duration(cfg.Timing.ScannerIntervalSeconds) * time.Second,
	}
}

// symbolResult carries one symbol's fetch outcome for the current tick:
// the snapshot, or the error that makes the scanner skip the symbol.
type symbolResult struct {
	snapshot core.FundingSnapshot
	err      error
}

// Scan fetches a fresh snapshot for every symbol concurrently and
// returns the ranked candidates passing all four entry criteria.
// Per-symbol errors are logged and that symbol is skipped; a tick
// yielding zero candidates is a valid outcome.
func (s *Scanner) Scan(ctx context.Context) ([]core.CandidatePair, error) {
	symbols, err := s.client.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]symbolResult, len(symbols))
	var wg sync.WaitGroup
	wg.Add(len(symbols))

	for i, symbol := range symbols {
		i, symbol := i, symbol
		_ = s.pool.Submit(func() {
			defer wg.Done()
			snap, err := s.client.GetFundingSnapshot(ctx, symbol)
			results[i] = symbolResult{snapshot: snap, err: err}
		})
	}
	wg.Wait()

	now := time.Now()
	candidates := make([]core.CandidatePair, 0, len(symbols))
	for i, symbol := range symbols {
		r := results[i]
		if r.err != nil {
			s.logger.Warn("snapshot fetch failed, skipping symbol this tick", "symbol", symbol, "error", r.err.Error())
			continue
		}
		r.snapshot.Symbol = symbol
		if now.Sub(r.snapshot.FetchedAt) > time.Duration(staleAfter)*s.tickPeriod {
			s.logger.Warn("stale snapshot, skipping symbol this tick", "symbol", symbol)
			continue
		}

		s.metrics.SetFundingRate(symbol, r.snapshot.FundingRate.InexactFloat64())
		spread := r.snapshot.Spread()
		s.metrics.SetSpread(symbol, spread.InexactFloat64())

		if !s.passesFilter(r.snapshot, spread) {
			continue
		}

		candidates = append(candidates, core.CandidatePair{
			Symbol:      symbol,
			FundingRate: r.snapshot.FundingRate,
			Spread:      spread,
			Volume24h:   r.snapshot.Volume24h,
			MarkPrice:   r.snapshot.MarkPrice,
			SpotPrice:   r.snapshot.SpotPrice,
			EvaluatedAt: now,
		})
	}

	rank(candidates)
	return candidates, nil
}

func (s *Scanner) passesFilter(snap core.FundingSnapshot, spread decimal.Decimal) bool {
	if !strings.HasSuffix(snap.Symbol, s.quoteCurrency) {
		return false
	}
	if snap.FundingRate.LessThan(s.minFundingRate) {
		return false
	}
	if snap.Volume24h.LessThan(s.minVolume24h) {
		return false
	}
	if spread.LessThan(s.minSpread) || !spread.IsPositive() {
		return false
	}
	return true
}

// rank sorts candidates by funding rate descending, ties broken by
// 24h volume descending, then symbol lexicographically — a total order
// so identical snapshots always yield identical output (spec §8's
// "Scanner determinism" law).
func rank(candidates []core.CandidatePair) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.FundingRate.Equal(b.FundingRate) {
			return a.FundingRate.GreaterThan(b.FundingRate)
		}
		if !a.Volume24h.Equal(b.Volume24h) {
			return a.Volume24h.GreaterThan(b.Volume24h)
		}
		return a.Symbol < b.Symbol
	})
}

// Run ticks Scan every configured interval until ctx is canceled,
// invoking onTick with each ranked candidate list.
func (s *Scanner) Run(ctx context.Context, onTick func([]core.CandidatePair)) error {
	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()
	defer s.pool.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			candidates, err := s.Scan(ctx)
			if err != nil {
				s.logger.Error("scan tick failed", "error", err.Error())
				continue
			}
			onTick(candidates)
		}
	}
}
