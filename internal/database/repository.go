package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/ledger"
)

// Repository provides typed access to the schema. It implements
// ledger.Store so the ledger can write through on every fill.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveFill upserts one execution report. Fills are keyed by exchange trade
// ID so replayed reconciliation passes stay idempotent.
func (r *Repository) SaveFill(ctx context.Context, fill exchange.Fill) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO fills (trade_id, order_id, client_order_id, symbol, side, price,
			quantity, quote_quantity, commission, realized_pnl, liquidation, fill_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trade_id) DO NOTHING`,
		fill.TradeID, fill.OrderID, fill.ClientOrderID, fill.Symbol, string(fill.Side),
		fill.Price, fill.Quantity, fill.QuoteQuantity, fill.Commission,
		fill.RealizedPnL, fill.Liquidation, fill.Time,
	)
	if err != nil {
		return fmt.Errorf("save fill %d: %w", fill.TradeID, err)
	}
	return nil
}

// SaveOrder upserts an order's latest state.
func (r *Repository) SaveOrder(ctx context.Context, o exchange.Order) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO orders (order_id, client_order_id, symbol, side, order_type, status,
			price, stop_price, avg_price, orig_qty, executed_qty, reduce_only, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			avg_price = EXCLUDED.avg_price,
			executed_qty = EXCLUDED.executed_qty,
			stop_price = EXCLUDED.stop_price,
			updated_at = EXCLUDED.updated_at`,
		o.OrderID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Status),
		o.Price, o.StopPrice, o.AvgPrice, o.OrigQty, o.ExecutedQty, o.ReduceOnly,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save order %d: %w", o.OrderID, err)
	}
	return nil
}

// UpsertPosition writes the ledger's view of one open position.
func (r *Repository) UpsertPosition(ctx context.Context, pos ledger.Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (symbol, position_amt, entry_price, leverage, realized_pnl, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			position_amt = EXCLUDED.position_amt,
			entry_price = EXCLUDED.entry_price,
			leverage = EXCLUDED.leverage,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at`,
		pos.Symbol, pos.PositionAmt, pos.EntryPrice, pos.Leverage,
		pos.RealizedPnL, pos.OpenedAt, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (r *Repository) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

// RecordBalance appends one balance ledger entry.
func (r *Repository) RecordBalance(ctx context.Context, balance, delta float64, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO balance_ledger (balance, delta, reason) VALUES ($1, $2, $3)`,
		balance, delta, reason,
	)
	if err != nil {
		return fmt.Errorf("record balance: %w", err)
	}
	return nil
}

// SaveEquitySnapshot appends one periodic equity snapshot.
func (r *Repository) SaveEquitySnapshot(ctx context.Context, wallet, unrealized, equity float64, openPositions int) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO equity_snapshots (wallet_balance, unrealized_pnl, equity, open_positions)
		VALUES ($1, $2, $3, $4)`,
		wallet, unrealized, equity, openPositions,
	)
	if err != nil {
		return fmt.Errorf("save equity snapshot: %w", err)
	}
	return nil
}

// LoadPositions returns the persisted open positions, used to warm the
// ledger before the first reconciliation on startup.
func (r *Repository) LoadPositions(ctx context.Context) ([]ledger.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, position_amt, entry_price, leverage, realized_pnl, opened_at, updated_at
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Position
	for rows.Next() {
		var p ledger.Position
		if err := rows.Scan(&p.Symbol, &p.PositionAmt, &p.EntryPrice, &p.Leverage,
			&p.RealizedPnL, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastBalance returns the most recent balance ledger entry, or ok=false when
// the table is empty.
func (r *Repository) LastBalance(ctx context.Context) (balance float64, ok bool, err error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT balance FROM balance_ledger ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("last balance: %w", err)
	}
	return balance, true, nil
}

// RecentFills returns the newest fills, most recent first.
func (r *Repository) RecentFills(ctx context.Context, symbol string, limit int) ([]exchange.Fill, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT trade_id, order_id, client_order_id, symbol, side, price,
			quantity, quote_quantity, commission, realized_pnl, liquidation, fill_time
		FROM fills`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = $1 ORDER BY fill_time DESC LIMIT $2`
		args = append(args, symbol, limit)
	} else {
		query += ` ORDER BY fill_time DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent fills: %w", err)
	}
	defer rows.Close()

	var out []exchange.Fill
	for rows.Next() {
		var f exchange.Fill
		var side string
		if err := rows.Scan(&f.TradeID, &f.OrderID, &f.ClientOrderID, &f.Symbol, &side,
			&f.Price, &f.Quantity, &f.QuoteQuantity, &f.Commission,
			&f.RealizedPnL, &f.Liquidation, &f.Time); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = exchange.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

// EquityCurve returns equity snapshots between two times, oldest first.
func (r *Repository) EquityCurve(ctx context.Context, from, to time.Time) ([]EquityPoint, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT wallet_balance, unrealized_pnl, equity, open_positions, created_at
		FROM equity_snapshots
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("equity curve: %w", err)
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.WalletBalance, &p.UnrealizedPnL, &p.Equity,
			&p.OpenPositions, &p.Time); err != nil {
			return nil, fmt.Errorf("scan equity point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EquityPoint is one row of the equity curve.
type EquityPoint struct {
	WalletBalance float64   `json:"wallet_balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Equity        float64   `json:"equity"`
	OpenPositions int       `json:"open_positions"`
	Time          time.Time `json:"time"`
}

var _ ledger.Store = (*Repository)(nil)
