package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/exchange"
	"fundingarb/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopMetricsSink struct{}

func (noopMetricsSink) RecordEntry(string, float64, float64, float64)                    {}
func (noopMetricsSink) RecordExit(string, float64, string)                     {}
func (noopMetricsSink) SetOpenPositions(int64)                         {}
func (noopMetricsSink) SetFundingRate(string, float64)                 {}
func (noopMetricsSink) SetSpread(string, float64)                      {}
func (noopMetricsSink) SetMarginUsage(float64)                         {}
func (noopMetricsSink) SetCircuitBreakerOpen(bool)                     {}
func (noopMetricsSink) SetLegImbalance(string, bool)                   {}
func (noopMetricsSink) ObserveGatewayLatency(string, string, time.Duration) {}

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]core.ActivePosition
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]core.ActivePosition)}
}

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

func TestManager_ExecuteEntry_Success(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{SpotPrice: decimal.NewFromFloat(0.10), MarkPrice: decimal.NewFromFloat(0.1003)})
	store := newFakeStore()
	cfg := config.DefaultConfig()
	mgr := New(&mockDBOSContext{}, client, store, cfg, noopMetricsSink{}, noopLogger{})

	pos, err := mgr.ExecuteEntry(context.Background(), "DOGEUSDT",
		decimal.NewFromInt(1000), "spot", "perp",
		decimal.NewFromFloat(0.10), decimal.NewFromFloat(1), decimal.NewFromFloat(1),
		decimal.RequireFromString("0.0005"))

	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, core.StatusOpen, pos.Status)

	saved, _ := store.Get(context.Background(), pos.ID)
	assert.Equal(t, pos.Symbol, saved.Symbol)
}

func TestManager_ExecuteEntry_InsufficientNotional(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{SpotPrice: decimal.NewFromFloat(0.10), MarkPrice: decimal.NewFromFloat(0.1003)})
	store := newFakeStore()
	cfg := config.DefaultConfig()
	mgr := New(&mockDBOSContext{}, client, store, cfg, noopMetricsSink{}, noopLogger{})

	_, err := mgr.ExecuteEntry(context.Background(), "DOGEUSDT",
		decimal.NewFromFloat(0.05), "spot", "perp",
		decimal.NewFromFloat(0.10), decimal.NewFromFloat(1), decimal.NewFromFloat(1),
		decimal.RequireFromString("0.0005"))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestManager_ExecuteExit_Success(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{SpotPrice: decimal.NewFromFloat(0.11), MarkPrice: decimal.NewFromFloat(0.12)})
	store := newFakeStore()
	cfg := config.DefaultConfig()
	mgr := New(&mockDBOSContext{}, client, store, cfg, noopMetricsSink{}, noopLogger{})

	pos := core.ActivePosition{
		ID:     "pos-1",
		Symbol: "DOGEUSDT",
		SpotLeg: core.Leg{Exchange: "spot", Symbol: "DOGEUSDT", Side: core.SideBuy, Quantity: decimal.NewFromInt(100), EntryPrice: decimal.NewFromFloat(0.10)},
		PerpLeg: core.Leg{Exchange: "perp", Symbol: "DOGEUSDT", Side: core.SideSell, Quantity: decimal.NewFromInt(100), EntryPrice: decimal.NewFromFloat(0.1003)},
		Status:  core.StatusOpen,
	}
	require.NoError(t, store.Save(context.Background(), pos))

	closed, err := mgr.ExecuteExit(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, closed.Status)

	saved, _ := store.Get(context.Background(), pos.ID)
	assert.Equal(t, core.StatusClosed, saved.Status)
}
