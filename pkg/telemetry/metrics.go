package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "fundingarb_pnl_realized_total"
	MetricEntriesTotal       = "fundingarb_entries_total"
	MetricExitsTotal         = "fundingarb_exits_total"
	MetricOpenPositions      = "fundingarb_open_positions"
	MetricFundingRate        = "fundingarb_funding_rate"
	MetricSpread             = "fundingarb_spread"
	MetricMarginUsage        = "fundingarb_margin_usage_ratio"
	MetricCircuitBreakerOpen = "fundingarb_circuit_breaker_open"
	MetricLegImbalance       = "fundingarb_leg_imbalance"
	MetricGatewayLatency     = "fundingarb_gateway_latency_ms"
)

// MetricsHolder holds initialized instruments for the funding-rate
// arbitrage daemon. It implements core.MetricsSink via the adapter in
// sink.go.
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	EntriesTotal       metric.Int64Counter
	ExitsTotal         metric.Int64Counter
	OpenPositions      metric.Int64ObservableGauge
	FundingRate        metric.Float64ObservableGauge
	Spread             metric.Float64ObservableGauge
	MarginUsage        metric.Float64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	LegImbalance       metric.Int64ObservableGauge
	GatewayLatency     metric.Float64Histogram

	mu              sync.RWMutex
	openPositions   int64
	fundingRateMap  map[string]float64
	spreadMap       map[string]float64
	marginUsage     float64
	cbOpen          int64
	legImbalanceMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			fundingRateMap:  make(map[string]float64),
			spreadMap:       make(map[string]float64),
			legImbalanceMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in USD"))
	if err != nil {
		return err
	}

	m.EntriesTotal, err = meter.Int64Counter(MetricEntriesTotal, metric.WithDescription("Total entry executions"))
	if err != nil {
		return err
	}

	m.ExitsTotal, err = meter.Int64Counter(MetricExitsTotal, metric.WithDescription("Total exit executions"))
	if err != nil {
		return err
	}

	m.GatewayLatency, err = meter.Float64Histogram(MetricGatewayLatency, metric.WithDescription("Exchange gateway call latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Currently open arbitrage positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.FundingRate, err = meter.Float64ObservableGauge(MetricFundingRate, metric.WithDescription("Last observed funding rate per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.fundingRateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Spread, err = meter.Float64ObservableGauge(MetricSpread, metric.WithDescription("Last observed spot/perp spread per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.spreadMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarginUsage, err = meter.Float64ObservableGauge(MetricMarginUsage, metric.WithDescription("Current margin usage ratio"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.marginUsage)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("PnL circuit breaker state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.cbOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	m.LegImbalance, err = meter.Int64ObservableGauge(MetricLegImbalance, metric.WithDescription("Position leg imbalance state per symbol (1=imbalanced)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.legImbalanceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) setOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

func (m *MetricsHolder) setFundingRate(symbol string, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundingRateMap[symbol] = rate
}

func (m *MetricsHolder) setSpread(symbol string, spread float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spreadMap[symbol] = spread
}

func (m *MetricsHolder) setMarginUsage(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marginUsage = ratio
}

func (m *MetricsHolder) setCircuitBreakerOpen(open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpen = val
}

func (m *MetricsHolder) setLegImbalance(symbol string, imbalanced bool) {
	val := int64(0)
	if imbalanced {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legImbalanceMap[symbol] = val
}

// GetFundingRates returns a snapshot of the last-observed funding rate
// per symbol.
func (m *MetricsHolder) GetFundingRates() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.fundingRateMap))
	for k, v := range m.fundingRateMap {
		res[k] = v
	}
	return res
}
