package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingarb/internal/core"

	"github.com/shopspring/decimal"
)

// MockClient is an in-memory core.ExchangeClient used by tests and by
// the daemon's "mock" exchange mode. Snapshots and order outcomes are
// fully scripted so tests can drive every OrderManager/Scanner/Guardian
// branch deterministically.
type MockClient struct {
	mu sync.Mutex

	symbols   []string
	snapshots map[string]core.FundingSnapshot
	positions map[string]core.ExchangePosition
	account    core.AccountSnapshot
	transfers  []core.TransferRequest
	rules      map[string]core.InstrumentRules
	ruleErrs   map[string]error
	venueRules map[core.Venue]map[string]core.InstrumentRules

	// OrderOutcomes scripts what PlaceOrder returns per symbol+side,
	// in call order. If empty for a key, orders fill completely at the
	// snapshot's mark/spot price.
	OrderOutcomes map[string][]OrderOutcome

	orderSeq int
}

// OrderOutcome scripts a single PlaceOrder response or forces an error.
type OrderOutcome struct {
	Result core.OrderResult
	Err    error
}

// mockTakerFeeRate simulates a taker-fee schedule for unscripted fills, so
// components that sum OrderResult.Fee exercise nonzero values under test.
var mockTakerFeeRate = decimal.NewFromFloat(0.0004)

var _ core.ExchangeClient = (*MockClient)(nil)

// NewMockClient builds an empty mock client; use the With* helpers to
// seed it before exercising a component.
func NewMockClient() *MockClient {
	return &MockClient{
		snapshots:     make(map[string]core.FundingSnapshot),
		positions:     make(map[string]core.ExchangePosition),
		rules:         make(map[string]core.InstrumentRules),
		OrderOutcomes: make(map[string][]OrderOutcome),
	}
}

// WithSymbols sets the universe returned by ListSymbols.
func (m *MockClient) WithSymbols(symbols ...string) *MockClient {
	m.symbols = symbols
	return m
}

// WithSnapshot seeds the funding snapshot returned for symbol.
func (m *MockClient) WithSnapshot(symbol string, snap core.FundingSnapshot) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[symbol] = snap
	return m
}

// WithPosition seeds the live exchange position returned for symbol.
func (m *MockClient) WithPosition(symbol string, pos core.ExchangePosition) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = pos
	return m
}

// WithAccount seeds the snapshot returned by GetAccount.
func (m *MockClient) WithAccount(snap core.AccountSnapshot) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = snap
	return m
}

// Transfers returns every Transfer call recorded so far, for assertions.
func (m *MockClient) Transfers() []core.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.TransferRequest, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// QueueOrderOutcome appends a scripted PlaceOrder response for key
// (conventionally "SYMBOL:SIDE").
func (m *MockClient) QueueOrderOutcome(key string, outcome OrderOutcome) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrderOutcomes[key] = append(m.OrderOutcomes[key], outcome)
	return m
}

func (m *MockClient) ListSymbols(ctx context.Context) ([]string, error) {
	return m.symbols, nil
}

func (m *MockClient) GetFundingSnapshot(ctx context.Context, symbol string) (core.FundingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[symbol]
	if !ok {
		return core.FundingSnapshot{}, fmt.Errorf("mock: no snapshot seeded for %s", symbol)
	}
	return snap, nil
}

func (m *MockClient) GetPosition(ctx context.Context, exchange, symbol string) (core.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[symbol], nil
}

// WithRules seeds the instrument rules returned for symbol on every venue.
// Use WithVenueRules when a test needs spot and perp rules to differ.
func (m *MockClient) WithRules(symbol string, rules core.InstrumentRules) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[symbol] = rules
	return m
}

// WithVenueRules seeds the instrument rules returned for symbol on a
// specific venue only, overriding WithRules' cross-venue default.
func (m *MockClient) WithVenueRules(venue core.Venue, symbol string, rules core.InstrumentRules) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.venueRules == nil {
		m.venueRules = make(map[core.Venue]map[string]core.InstrumentRules)
	}
	if m.venueRules[venue] == nil {
		m.venueRules[venue] = make(map[string]core.InstrumentRules)
	}
	m.venueRules[venue][symbol] = rules
	return m
}

// WithRulesError scripts GetInstrumentRules to fail for symbol, e.g. to
// exercise a gateway outage on the rules lookup ahead of an entry.
func (m *MockClient) WithRulesError(symbol string, err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ruleErrs == nil {
		m.ruleErrs = make(map[string]error)
	}
	m.ruleErrs[symbol] = err
	return m
}

func (m *MockClient) GetInstrumentRules(ctx context.Context, venue core.Venue, symbol string) (core.InstrumentRules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.ruleErrs[symbol]; ok {
		return core.InstrumentRules{}, err
	}
	if byVenue, ok := m.venueRules[venue]; ok {
		if rules, ok := byVenue[symbol]; ok {
			return rules, nil
		}
	}
	if rules, ok := m.rules[symbol]; ok {
		return rules, nil
	}
	return core.InstrumentRules{
		Symbol:   symbol,
		MinQty:   decimal.NewFromFloat(0.0001),
		StepSize: decimal.NewFromFloat(0.0001),
		TickSize: decimal.NewFromFloat(0.01),
	}, nil
}

func (m *MockClient) GetAccount(ctx context.Context) (core.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, nil
}

func (m *MockClient) Transfer(ctx context.Context, req core.TransferRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, req)
	return nil
}

func (m *MockClient) GetOrderStatus(ctx context.Context, exchange, symbol, orderID string) (core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return core.OrderResult{OrderID: orderID, Symbol: symbol, Status: "FILLED"}, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResult, error) {
	m.mu.Lock()
	key := fmt.Sprintf("%s:%s", req.Symbol, req.Side)
	var outcome *OrderOutcome
	if queue := m.OrderOutcomes[key]; len(queue) > 0 {
		outcome = &queue[0]
		m.OrderOutcomes[key] = queue[1:]
	}
	m.orderSeq++
	seq := m.orderSeq
	snap := m.snapshots[req.Symbol]
	m.mu.Unlock()

	if outcome != nil {
		return outcome.Result, outcome.Err
	}

	price := snap.SpotPrice
	if req.Side == core.SideSell && !snap.MarkPrice.IsZero() {
		price = snap.MarkPrice
	}
	if price.IsZero() {
		price = decimal.NewFromInt(1)
	}

	return core.OrderResult{
		OrderID:     fmt.Sprintf("mock-%d", seq),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		ExecutedQty: req.Quantity,
		AvgPrice:    price,
		Fee:         req.Quantity.Mul(price).Mul(mockTakerFeeRate),
		Status:      "FILLED",
		SubmittedAt: time.Now(),
	}, nil
}
