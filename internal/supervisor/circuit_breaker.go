package supervisor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CircuitState is the current state of a PnLCircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig configures the thresholds a PnLCircuitBreaker trips on.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// CircuitBreakerStatus is a point-in-time snapshot of breaker state.
type CircuitBreakerStatus struct {
	IsOpen            bool
	ConsecutiveLosses int
	TotalPnL          decimal.Decimal
	OpenedAt          time.Time
}

// PnLCircuitBreaker trips the kill switch when realized exits show
// sustained losses, independent of the environment-variable kill switch.
type PnLCircuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
	onTrip            func(reason string)
}

// NewPnLCircuitBreaker creates a breaker with the given thresholds.
// onTrip, if non-nil, is invoked the moment the breaker opens.
func NewPnLCircuitBreaker(config CircuitConfig, onTrip func(reason string)) *PnLCircuitBreaker {
	return &PnLCircuitBreaker{
		state:  CircuitClosed,
		config: config,
		onTrip: onTrip,
	}
}

// RecordExit updates the breaker's loss streak and drawdown with the
// realized PnL of a just-closed position.
func (cb *PnLCircuitBreaker) RecordExit(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
	cb.totalPnL = cb.totalPnL.Add(pnl)

	cb.checkThresholds()
}

func (cb *PnLCircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip("max consecutive losses reached")
		return
	}
	if !cb.config.MaxDrawdownAmount.IsZero() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.trip("max drawdown amount reached")
		return
	}
}

func (cb *PnLCircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.lastTripped = time.Now()
	if cb.onTrip != nil {
		cb.onTrip(reason)
	}
}

// IsTripped reports whether the breaker is currently open, auto-resetting
// it if its cooldown period has elapsed.
func (cb *PnLCircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = CircuitClosed
			cb.consecutiveLosses = 0
			cb.totalPnL = decimal.Zero
			return false
		}
		return true
	}
	return false
}

// Reset manually closes the breaker and clears its counters.
func (cb *PnLCircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero
}

// Open manually trips the breaker, e.g. in response to a reconciliation
// discrepancy.
func (cb *PnLCircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason)
}

// Status returns a snapshot of the breaker's current state.
func (cb *PnLCircuitBreaker) Status() CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStatus{
		IsOpen:            cb.state == CircuitOpen,
		ConsecutiveLosses: cb.consecutiveLosses,
		TotalPnL:          cb.totalPnL,
		OpenedAt:          cb.lastTripped,
	}
}
