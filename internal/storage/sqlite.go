// Package storage persists ActivePosition rows so the daemon can resume
// its registry across restarts.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"fundingarb/internal/core"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	symbol            TEXT NOT NULL,
	spot_exchange     TEXT NOT NULL,
	spot_side         TEXT NOT NULL,
	spot_quantity     TEXT NOT NULL,
	spot_entry_price  TEXT NOT NULL,
	spot_order_id     TEXT NOT NULL,
	perp_exchange     TEXT NOT NULL,
	perp_side         TEXT NOT NULL,
	perp_quantity     TEXT NOT NULL,
	perp_entry_price  TEXT NOT NULL,
	perp_order_id     TEXT NOT NULL,
	notional_usd      TEXT NOT NULL,
	entry_funding_apr TEXT NOT NULL,
	entry_spread      TEXT NOT NULL DEFAULT '0',
	status            TEXT NOT NULL,
	opened_at         INTEGER NOT NULL,
	closed_at         INTEGER,
	realized_pnl      TEXT NOT NULL DEFAULT '0',
	total_fees        TEXT NOT NULL DEFAULT '0',
	failure_reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
`

// migrationColumns adds columns introduced after the initial schema to
// databases created by an older build. SQLite has no "ADD COLUMN IF NOT
// EXISTS", so duplicate-column errors from a fresh database (which already
// has the column via schema above) are swallowed.
var migrationColumns = []string{
	"ALTER TABLE positions ADD COLUMN entry_spread TEXT NOT NULL DEFAULT '0'",
	"ALTER TABLE positions ADD COLUMN total_fees TEXT NOT NULL DEFAULT '0'",
}

func migrate(db *sql.DB) error {
	for _, stmt := range migrationColumns {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate: %s: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// SQLiteStore implements core.PositionStore over a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the positions database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts pos inside a serializable transaction.
func (s *SQLiteStore) Save(ctx context.Context, pos core.ActivePosition) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var closedAt any
	if !pos.ClosedAt.IsZero() {
		closedAt = pos.ClosedAt.UnixNano()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (
			id, symbol,
			spot_exchange, spot_side, spot_quantity, spot_entry_price, spot_order_id,
			perp_exchange, perp_side, perp_quantity, perp_entry_price, perp_order_id,
			notional_usd, entry_funding_apr, entry_spread, status, opened_at, closed_at,
			realized_pnl, total_fees, failure_reason
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			spot_side=excluded.spot_side, spot_quantity=excluded.spot_quantity,
			spot_entry_price=excluded.spot_entry_price, spot_order_id=excluded.spot_order_id,
			perp_side=excluded.perp_side, perp_quantity=excluded.perp_quantity,
			perp_entry_price=excluded.perp_entry_price, perp_order_id=excluded.perp_order_id,
			status=excluded.status, closed_at=excluded.closed_at,
			realized_pnl=excluded.realized_pnl, total_fees=excluded.total_fees,
			failure_reason=excluded.failure_reason
	`,
		pos.ID, pos.Symbol,
		pos.SpotLeg.Exchange, string(pos.SpotLeg.Side), pos.SpotLeg.Quantity.String(), pos.SpotLeg.EntryPrice.String(), pos.SpotLeg.OrderID,
		pos.PerpLeg.Exchange, string(pos.PerpLeg.Side), pos.PerpLeg.Quantity.String(), pos.PerpLeg.EntryPrice.String(), pos.PerpLeg.OrderID,
		pos.NotionalUSD.String(), pos.EntryFundingAPR.String(), pos.EntrySpread.String(), string(pos.Status), pos.OpenedAt.UnixNano(), closedAt,
		pos.RealizedPnL.String(), pos.TotalFees.String(), pos.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return tx.Commit()
}

// Get loads a single position by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (core.ActivePosition, error) {
	rows, err := s.query(ctx, "SELECT "+selectCols+" FROM positions WHERE id = ?", id)
	if err != nil {
		return core.ActivePosition{}, err
	}
	if len(rows) == 0 {
		return core.ActivePosition{}, sql.ErrNoRows
	}
	return rows[0], nil
}

// ListByStatus returns every position currently in one of the given
// statuses, used for startup reconciliation.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...core.PositionStatus) ([]core.ActivePosition, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	return s.query(ctx, "SELECT "+selectCols+" FROM positions WHERE status IN ("+placeholders+")", args...)
}

const selectCols = `id, symbol,
	spot_exchange, spot_side, spot_quantity, spot_entry_price, spot_order_id,
	perp_exchange, perp_side, perp_quantity, perp_entry_price, perp_order_id,
	notional_usd, entry_funding_apr, entry_spread, status, opened_at, closed_at,
	realized_pnl, total_fees, failure_reason`

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]core.ActivePosition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []core.ActivePosition
	for rows.Next() {
		var pos core.ActivePosition
		var spotQty, spotPrice, perpQty, perpPrice, notional, apr, spread, pnl, fees string
		var openedAt int64
		var closedAt sql.NullInt64

		if err := rows.Scan(
			&pos.ID, &pos.Symbol,
			&pos.SpotLeg.Exchange, &pos.SpotLeg.Side, &spotQty, &spotPrice, &pos.SpotLeg.OrderID,
			&pos.PerpLeg.Exchange, &pos.PerpLeg.Side, &perpQty, &perpPrice, &pos.PerpLeg.OrderID,
			&notional, &apr, &spread, &pos.Status, &openedAt, &closedAt, &pnl, &fees, &pos.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}

		pos.SpotLeg.Quantity = mustDecimal(spotQty)
		pos.SpotLeg.EntryPrice = mustDecimal(spotPrice)
		pos.PerpLeg.Quantity = mustDecimal(perpQty)
		pos.PerpLeg.EntryPrice = mustDecimal(perpPrice)
		pos.NotionalUSD = mustDecimal(notional)
		pos.EntryFundingAPR = mustDecimal(apr)
		pos.EntrySpread = mustDecimal(spread)
		pos.RealizedPnL = mustDecimal(pnl)
		pos.TotalFees = mustDecimal(fees)
		pos.OpenedAt = time.Unix(0, openedAt)
		if closedAt.Valid {
			pos.ClosedAt = time.Unix(0, closedAt.Int64)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
