package guardian

import (
	"context"
	"testing"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/exchange"
	"fundingarb/internal/order"

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

func (noopMetricsSink) RecordEntry(string, float64, float64, float64)                        {}
func (noopMetricsSink) RecordExit(string, float64, string)                         {}
func (noopMetricsSink) SetOpenPositions(int64)                             {}
func (noopMetricsSink) SetFundingRate(string, float64)                     {}
func (noopMetricsSink) SetSpread(string, float64)                          {}
func (noopMetricsSink) SetMarginUsage(float64)                             {}
func (noopMetricsSink) SetCircuitBreakerOpen(bool)                         {}
func (noopMetricsSink) SetLegImbalance(string, bool)                       {}
func (noopMetricsSink) ObserveGatewayLatency(string, string, time.Duration) {}

type fakeStore struct {
	rows map[string]core.ActivePosition
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]core.ActivePosition)} }

func (s *fakeStore) Save(ctx context.Context, pos core.ActivePosition) error {
	s.rows[pos.ID] = pos
	return nil
}
func (s *fakeStore) Get(ctx context.Context, id string) (core.ActivePosition, error) {
	return s.rows[id], nil
}
func (s *fakeStore) ListByStatus(ctx context.Context, statuses ...core.PositionStatus) ([]core.ActivePosition, error) {
	return nil, nil
}
func (s *fakeStore) Close() error { return nil }

// mockDBOSContext mirrors internal/order's test double: it runs steps
// and sub-workflows inline against whatever exchange client the test
// wired up, rather than through a live DBOS runtime.
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

func testPosition() core.ActivePosition {
	return core.ActivePosition{
		ID:     "pos-1",
		Symbol: "DOGEUSDT",
		SpotLeg: core.Leg{Exchange: "spot", Symbol: "DOGEUSDT", Side: core.SideBuy, Quantity: decimal.NewFromInt(100), EntryPrice: decimal.NewFromFloat(0.10)},
		PerpLeg: core.Leg{Exchange: "perp", Symbol: "DOGEUSDT", Side: core.SideSell, Quantity: decimal.NewFromInt(100), EntryPrice: decimal.NewFromFloat(0.1003)},
		Status:  core.StatusOpen,
	}
}

func newTestOrderManager(client core.ExchangeClient) *order.Manager {
	cfg := config.DefaultConfig()
	return order.New(&mockDBOSContext{}, client, newFakeStore(), cfg, noopMetricsSink{}, noopLogger{})
}

func TestGuardian_NegativeFRExit_FiresAfterDebounce(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{
			FundingRate: decimal.RequireFromString("0.00002"),
			SpotPrice:   decimal.NewFromFloat(0.11),
			MarkPrice:   decimal.NewFromFloat(0.12),
		})
	cfg := config.DefaultConfig()
	g := New(testPosition(), client, newTestOrderManager(client), cfg, noopMetricsSink{}, noopLogger{})

	for i := 0; i < 2; i++ {
		done, err := g.tick(context.Background())
		require.NoError(t, err)
		assert.False(t, done, "should not exit before debounce target reached")
	}
	done, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done, "third consecutive qualifying sample should trigger exit")
}

func TestGuardian_NegativeFRDebounce_ResetsOnNonQualifier(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{
			FundingRate: decimal.RequireFromString("0.00002"),
			SpotPrice:   decimal.NewFromFloat(0.11),
			MarkPrice:   decimal.NewFromFloat(0.12),
		})
	cfg := config.DefaultConfig()
	g := New(testPosition(), client, newTestOrderManager(client), cfg, noopMetricsSink{}, noopLogger{})

	_, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, g.consecutiveNegativeFR)

	client.WithSnapshot("DOGEUSDT", core.FundingSnapshot{
		FundingRate: decimal.RequireFromString("0.001"),
		SpotPrice:   decimal.NewFromFloat(0.11),
		MarkPrice:   decimal.NewFromFloat(0.12),
	})
	done, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, g.consecutiveNegativeFR)
}

func TestGuardian_BackwardationExit_FiresOnSingleSample(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{
			FundingRate: decimal.RequireFromString("0.001"),
			SpotPrice:   decimal.NewFromFloat(0.10),
			MarkPrice:   decimal.NewFromFloat(0.0985),
		})
	cfg := config.DefaultConfig()
	g := New(testPosition(), client, newTestOrderManager(client), cfg, noopMetricsSink{}, noopLogger{})

	done, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done, "backwardation exit should not require debounce")
}

func TestGuardian_Rebalance_TransfersFromFreeSpotBalance(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{
			FundingRate: decimal.RequireFromString("0.001"),
			SpotPrice:   decimal.NewFromFloat(0.11),
			MarkPrice:   decimal.NewFromFloat(0.12),
		}).
		WithAccount(core.AccountSnapshot{
			Balances:       []core.WalletBalance{{Wallet: "spot", Asset: "USDT", Free: decimal.NewFromInt(500)}},
			MarginUsed:     decimal.NewFromInt(800),
			AccountValue:   decimal.NewFromInt(1000),
			MarginUsagePct: decimal.NewFromFloat(0.85),
		})
	cfg := config.DefaultConfig()
	g := New(testPosition(), client, newTestOrderManager(client), cfg, noopMetricsSink{}, noopLogger{})

	done, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	transfers := client.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "spot", transfers[0].FromWallet)
	assert.Equal(t, "perp", transfers[0].ToWallet)
	assert.True(t, transfers[0].Amount.IsPositive())
}

func TestGuardian_Rebalance_ShrinksPositionWhenNoFreeBalance(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{
			FundingRate: decimal.RequireFromString("0.001"),
			SpotPrice:   decimal.NewFromFloat(0.11),
			MarkPrice:   decimal.NewFromFloat(0.12),
		}).
		WithAccount(core.AccountSnapshot{
			MarginUsed:     decimal.NewFromInt(800),
			AccountValue:   decimal.NewFromInt(1000),
			MarginUsagePct: decimal.NewFromFloat(0.85),
		})
	cfg := config.DefaultConfig()
	g := New(testPosition(), client, newTestOrderManager(client), cfg, noopMetricsSink{}, noopLogger{})

	done, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, g.position.SpotLeg.Quantity.LessThan(decimal.NewFromInt(100)), "spot leg should have shrunk")
	assert.True(t, g.position.PerpLeg.Quantity.LessThan(decimal.NewFromInt(100)), "perp leg should have shrunk")
}

func TestGuardian_NoRebalanceBelowThreshold(t *testing.T) {
	client := exchange.NewMockClient().
		WithSnapshot("DOGEUSDT", core.FundingSnapshot{
			FundingRate: decimal.RequireFromString("0.001"),
			SpotPrice:   decimal.NewFromFloat(0.11),
			MarkPrice:   decimal.NewFromFloat(0.12),
		}).
		WithAccount(core.AccountSnapshot{
			MarginUsed:     decimal.NewFromInt(400),
			AccountValue:   decimal.NewFromInt(1000),
			MarginUsagePct: decimal.NewFromFloat(0.40),
		})
	cfg := config.DefaultConfig()
	g := New(testPosition(), client, newTestOrderManager(client), cfg, noopMetricsSink{}, noopLogger{})

	done, err := g.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, client.Transfers())
	assert.True(t, g.position.SpotLeg.Quantity.Equal(decimal.NewFromInt(100)))
}
