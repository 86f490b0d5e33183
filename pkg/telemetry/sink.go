package telemetry

import (
	"context"
	"time"

	"fundingarb/internal/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ core.MetricsSink = (*MetricsSink)(nil)

// MetricsSink adapts the package-level MetricsHolder singleton to
// core.MetricsSink so domain components never import OTel directly.
type MetricsSink struct {
	holder *MetricsHolder
}

// NewMetricsSink wraps the global metrics holder as a core.MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{holder: GetGlobalMetrics()}
}

func (s *MetricsSink) RecordEntry(symbol string, notional, entryPrice, size float64) {
	attrs := metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.Float64("notional", notional),
		attribute.Float64("entry_price", entryPrice),
		attribute.Float64("size", size),
	)
	s.holder.EntriesTotal.Add(context.Background(), 1, attrs)
}

func (s *MetricsSink) RecordExit(symbol string, pnl float64, exitType string) {
	attrs := metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("exit_type", exitType))
	s.holder.ExitsTotal.Add(context.Background(), 1, attrs)
	s.holder.PnLRealizedTotal.Add(context.Background(), pnl, attrs)
}

func (s *MetricsSink) SetOpenPositions(count int64) {
	s.holder.setOpenPositions(count)
}

func (s *MetricsSink) SetFundingRate(symbol string, rate float64) {
	s.holder.setFundingRate(symbol, rate)
}

func (s *MetricsSink) SetSpread(symbol string, spread float64) {
	s.holder.setSpread(symbol, spread)
}

func (s *MetricsSink) SetMarginUsage(ratio float64) {
	s.holder.setMarginUsage(ratio)
}

func (s *MetricsSink) SetCircuitBreakerOpen(open bool) {
	s.holder.setCircuitBreakerOpen(open)
}

func (s *MetricsSink) SetLegImbalance(symbol string, imbalanced bool) {
	s.holder.setLegImbalance(symbol, imbalanced)
}

func (s *MetricsSink) ObserveGatewayLatency(exchange, op string, d time.Duration) {
	s.holder.GatewayLatency.Record(context.Background(), float64(d.Milliseconds()))
	_ = exchange
	_ = op
}
