package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/exchange"
	"fundingarb/internal/order"
	"fundingarb/internal/scanner"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                    {}
func (noopLogger) Info(string, ...interface{})                     {}
func (noopLogger) Warn(string, ...interface{})                     {}
func (noopLogger) Error(string, ...interface{})                    {}
func (noopLogger) Fatal(string, ...interface{})                    {}
func (l noopLogger) WithField(string, interface{}) core.Logger     { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.Logger { return l }

type noopMetricsSink struct{}

func (noopMetricsSink) RecordEntry(string, float64, float64, float64)                         {}
func (noopMetricsSink) RecordExit(string, float64, string)                          {}
func (noopMetricsSink) SetOpenPositions(int64)                              {}
func (noopMetricsSink) SetFundingRate(string, float64)                      {}
func (noopMetricsSink) SetSpread(string, float64)                           {}
func (noopMetricsSink) SetMarginUsage(float64)                              {}
func (noopMetricsSink) SetCircuitBreakerOpen(bool)                          {}
func (noopMetricsSink) SetLegImbalance(string, bool)                        {}
func (noopMetricsSink) ObserveGatewayLatency(string, string, time.Duration) {}

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]core.ActivePosition
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]core.ActivePosition)} }

func (s *fakeStore) Save(ctx context.Context, pos core.ActivePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pos.ID] = pos
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (core.ActivePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id], nil
}

func (s *fakeStore) ListByStatus(ctx context.Context, statuses ...core.PositionStatus) ([]core.ActivePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ActivePosition
	for _, row := range s.rows {
		for _, st := range statuses {
			if row.Status == st {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

// mockDBOSContext runs steps and sub-workflows inline against whatever
// exchange client the test has scripted, mirroring internal/order's
// test double.
type mockDBOSContext struct {
	dbos.DBOSContext
}

func (m *mockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	return fn(context.Background())
}

func (m *mockDBOSContext) RunWorkflow(ctx dbos.DBOSContext, fn dbos.WorkflowFunc, input any, opts ...dbos.WorkflowOption) (dbos.WorkflowHandle, error) {
	result, err := fn(m, input)
	return &mockWorkflowHandle{result: result, err: err}, nil
}

type mockWorkflowHandle struct {
	dbos.WorkflowHandle
	result any
	err    error
}

func (h *mockWorkflowHandle) GetResult() (any, error) { return h.result, h.err }

func newTestSupervisor(t *testing.T, client *exchange.MockClient, store core.PositionStore, cfg *config.Config) *Supervisor {
	t.Helper()
	orders := order.New(&mockDBOSContext{}, client, store, cfg, noopMetricsSink{}, noopLogger{})
	sc := scanner.New(client, cfg, noopMetricsSink{}, noopLogger{})
	return New(cfg, client, orders, sc, store, noopMetricsSink{}, noopLogger{}, nil)
}

func TestSupervisor_OpenEntries_RespectsCapAndSkipsRegistered(t *testing.T) {
	client := exchange.NewMockClient().WithRules("AUSDT", core.InstrumentRules{
		MinQty: decimal.NewFromFloat(1), StepSize: decimal.NewFromFloat(1),
	})
	cfg := config.DefaultConfig()
	cfg.Trading.MaxOpenPositions = 1
	store := newFakeStore()
	s := newTestSupervisor(t, client, store, cfg)

	candidates := []core.CandidatePair{
		{Symbol: "AUSDT", SpotPrice: decimal.NewFromFloat(1), FundingRate: decimal.NewFromFloat(0.001)},
		{Symbol: "BUSDT", SpotPrice: decimal.NewFromFloat(1), FundingRate: decimal.NewFromFloat(0.001)},
	}

	s.openEntries(context.Background(), candidates)

	assert.Equal(t, 1, s.registry.Len(), "cap of 1 should admit only the first candidate")
	assert.True(t, s.registry.Has("AUSDT"))
	assert.False(t, s.registry.Has("BUSDT"))

	s.openEntries(context.Background(), candidates)
	assert.Equal(t, 1, s.registry.Len(), "already-registered and over-cap candidates stay excluded")
}

func TestSupervisor_OpenEntry_CombinesCoarserOfSpotAndPerpRules(t *testing.T) {
	client := exchange.NewMockClient().
		WithVenueRules(core.VenueSpot, "CUSDT", core.InstrumentRules{MinQty: decimal.NewFromFloat(1), StepSize: decimal.NewFromFloat(1)}).
		WithVenueRules(core.VenuePerp, "CUSDT", core.InstrumentRules{MinQty: decimal.NewFromFloat(5), StepSize: decimal.NewFromFloat(5)})
	cfg := config.DefaultConfig()
	cfg.Trading.NotionalPerEntryUSD = 100
	store := newFakeStore()
	s := newTestSupervisor(t, client, store, cfg)

	s.openEntry(context.Background(), core.CandidatePair{Symbol: "CUSDT", SpotPrice: decimal.NewFromFloat(10), FundingRate: decimal.NewFromFloat(0.001)})

	require.Equal(t, 1, s.registry.Len(), "entry should succeed sized against the coarser perp rules")
	pos, ok := s.registry.Get("CUSDT")
	require.True(t, ok)
	assert.True(t, pos.SpotLeg.Quantity.Mod(decimal.NewFromFloat(5)).IsZero(), "quantity must conform to the coarser (perp) step size, got %s", pos.SpotLeg.Quantity)
}

func TestSupervisor_OpenEntry_SkipsOnInstrumentRuleFailure(t *testing.T) {
	client := exchange.NewMockClient().WithRulesError("ZUSDT", errors.New("mock: rules lookup unavailable"))
	cfg := config.DefaultConfig()
	store := newFakeStore()
	s := newTestSupervisor(t, client, store, cfg)

	s.openEntry(context.Background(), core.CandidatePair{Symbol: "ZUSDT", SpotPrice: decimal.NewFromFloat(1)})

	assert.Equal(t, 0, s.registry.Len(), "a failed rules lookup must abort the entry before any order is placed")
}

func TestSupervisor_Drain_EmptiesRegistry(t *testing.T) {
	client := exchange.NewMockClient()
	cfg := config.DefaultConfig()
	store := newFakeStore()
	s := newTestSupervisor(t, client, store, cfg)

	pos := core.ActivePosition{ID: "1", Symbol: "CUSDT", Status: core.StatusOpen}
	_, cancel := context.WithCancel(context.Background())
	require.True(t, s.registry.Add(pos, func() { s.registry.Remove(pos.Symbol); cancel() }))

	err := s.drain(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, s.registry.Len())
}

func TestSupervisor_Drain_TimesOutWhenPositionNeverClears(t *testing.T) {
	s := newTestSupervisor(t, exchange.NewMockClient(), newFakeStore(), config.DefaultConfig())

	pos := core.ActivePosition{ID: "1", Symbol: "DUSDT", Status: core.StatusOpen}
	require.True(t, s.registry.Add(pos, func() {})) // cancel does nothing, position stays registered

	err := s.drain(100 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDrainTimeout)
}

func TestSupervisor_SpawnGuardian_RunsUntilExitAndDeregisters(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("EUSDT", core.FundingSnapshot{
			FundingRate: decimal.NewFromFloat(0.0001),
			SpotPrice:   decimal.NewFromFloat(1),
			MarkPrice:   decimal.NewFromFloat(0.985),
		})
	cfg := config.DefaultConfig()
	cfg.Timing.GuardianIntervalSeconds = 1
	store := newFakeStore()
	s := newTestSupervisor(t, client, store, cfg)

	pos := core.ActivePosition{
		ID:     "1",
		Symbol: "EUSDT",
		Status: core.StatusOpen,
		SpotLeg: core.Leg{Exchange: "spot", Symbol: "EUSDT", Side: core.SideBuy, Quantity: decimal.NewFromInt(10)},
		PerpLeg: core.Leg{Exchange: "perp", Symbol: "EUSDT", Side: core.SideSell, Quantity: decimal.NewFromInt(10)},
	}
	_ = store.Save(context.Background(), pos)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.spawnGuardian(ctx, pos)

	require.Eventually(t, func() bool { return s.registry.Len() == 0 }, 3*time.Second, 20*time.Millisecond,
		"backwardation exit should drive the guardian to completion and self-deregister")
}
