package storage

import (
	"context"
	"fundingarb/internal/core"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func samplePosition() core.ActivePosition {
	return core.ActivePosition{
		ID:     "pos-1",
		Symbol: "BTCUSDT",
		SpotLeg: core.Leg{
			Exchange: "mock", Symbol: "BTCUSDT", Side: core.SideBuy,
			Quantity: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromInt(50000), OrderID: "spot-1",
		},
		PerpLeg: core.Leg{
			Exchange: "mock", Symbol: "BTCUSDT", Side: core.SideSell,
			Quantity: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromInt(50010), OrderID: "perp-1",
		},
		NotionalUSD:     decimal.NewFromInt(1000),
		EntryFundingAPR: decimal.NewFromFloat(0.15),
		EntrySpread:     decimal.NewFromFloat(0.0002),
		TotalFees:       decimal.NewFromFloat(0.4),
		Status:          core.StatusOpen,
		OpenedAt:        time.Now(),
	}
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := samplePosition()

	if err := store.Save(ctx, pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Symbol != pos.Symbol || got.Status != pos.Status {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if !got.SpotLeg.Quantity.Equal(pos.SpotLeg.Quantity) {
		t.Errorf("expected spot quantity %s, got %s", pos.SpotLeg.Quantity, got.SpotLeg.Quantity)
	}
	if !got.EntrySpread.Equal(pos.EntrySpread) {
		t.Errorf("expected entry spread %s, got %s", pos.EntrySpread, got.EntrySpread)
	}
	if !got.TotalFees.Equal(pos.TotalFees) {
		t.Errorf("expected total fees %s, got %s", pos.TotalFees, got.TotalFees)
	}
}

func TestSQLiteStore_MigratesOlderSchemaMissingFeeColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := store.db.Exec("ALTER TABLE positions DROP COLUMN entry_spread"); err != nil {
		t.Skipf("sqlite3 build does not support DROP COLUMN, skipping: %v", err)
	}
	if _, err := store.db.Exec("ALTER TABLE positions DROP COLUMN total_fees"); err != nil {
		t.Fatalf("drop total_fees: %v", err)
	}
	if err := migrate(store.db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pos := samplePosition()
	if err := store.Save(ctx, pos); err != nil {
		t.Fatalf("Save after migrate: %v", err)
	}
	got, err := store.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get after migrate: %v", err)
	}
	if !got.TotalFees.Equal(pos.TotalFees) {
		t.Errorf("expected total fees %s after migration, got %s", pos.TotalFees, got.TotalFees)
	}
	_ = store.Close()
}

func TestSQLiteStore_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pos := samplePosition()

	if err := store.Save(ctx, pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pos.Status = core.StatusClosed
	pos.ClosedAt = time.Now()
	pos.RealizedPnL = decimal.NewFromFloat(12.5)
	if err := store.Save(ctx, pos); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	got, err := store.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != core.StatusClosed {
		t.Errorf("expected CLOSED, got %s", got.Status)
	}
	if !got.RealizedPnL.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("expected pnl 12.5, got %s", got.RealizedPnL)
	}
}

func TestSQLiteStore_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	open := samplePosition()
	open.ID = "open-1"
	open.Status = core.StatusOpen

	closed := samplePosition()
	closed.ID = "closed-1"
	closed.Status = core.StatusClosed

	if err := store.Save(ctx, open); err != nil {
		t.Fatalf("Save open: %v", err)
	}
	if err := store.Save(ctx, closed); err != nil {
		t.Fatalf("Save closed: %v", err)
	}

	rows, err := store.ListByStatus(ctx, core.StatusOpen, core.StatusOpening)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "open-1" {
		t.Errorf("expected only open-1, got %+v", rows)
	}
}
