package db

import (
	"context"
	"fmt"
	"time"
)

// Order is one order attempt, filled or not.
type Order struct {
	ID              string    `json:"id"` // client order id
	ExchangeOrderID string    `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Type            string    `json:"type"`
	Qty             float64   `json:"qty"`
	ExecutedQty     float64   `json:"executed_qty"`
	AvgPrice        float64   `json:"avg_price"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Trade is a closed round trip: one entry and the exit that flattened it.
type Trade struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	EntryOrderID string    `json:"entry_order_id"`
	ExitOrderID  string    `json:"exit_order_id"`
	Qty          float64   `json:"qty"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	PnLPercent   float64   `json:"pnl_pct"`
	PnLQuote     float64   `json:"pnl_quote"`
	Reason       string    `json:"reason"`
	OpenedAt     time.Time `json:"opened_at"`
	ClosedAt     time.Time `json:"closed_at"`
}

// Position is an open position that survives restarts.
type Position struct {
	Symbol     string
	Qty        float64
	EntryPrice float64
	OrderID    string
	OpenedAt   time.Time
}

// SymbolSummary aggregates closed trades for one symbol.
type SymbolSummary struct {
	Symbol      string  `json:"symbol"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	PnLQuote    float64 `json:"pnl_quote"`
	AvgPnLPct   float64 `json:"avg_pnl_pct"`
	BestPnLPct  float64 `json:"best_pnl_pct"`
	WorstPnLPct float64 `json:"worst_pnl_pct"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

// RecordOrder inserts an order row, or updates it if the id was already recorded.
func (d *Database) RecordOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, exchange_order_id, symbol, side, type, qty, executed_qty, avg_price, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			executed_qty = excluded.executed_qty,
			avg_price = excluded.avg_price,
			status = excluded.status,
			error = excluded.error
	`,
		o.ID, o.ExchangeOrderID, o.Symbol, o.Side, o.Type, o.Qty, o.ExecutedQty, o.AvgPrice, o.Status, o.Error, millis(o.CreatedAt),
	)
	return err
}

// ListOrders returns the most recent orders first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange_order_id, symbol, side, type, qty, executed_qty, avg_price, status, error, created_at
		FROM orders ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var (
			o  Order
			ts int64
		)
		if err := rows.Scan(&o.ID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Type, &o.Qty, &o.ExecutedQty, &o.AvgPrice, &o.Status, &o.Error, &ts); err != nil {
			return nil, err
		}
		o.CreatedAt = time.UnixMilli(ts)
		res = append(res, o)
	}
	return res, rows.Err()
}

// CountFilledEntriesSince counts filled BUY orders created at or after since.
func (d *Database) CountFilledEntriesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE side = 'BUY' AND status = 'FILLED' AND created_at >= ?`, since.UnixMilli()).Scan(&n)
	return n, err
}

// SavePosition stores the open position for a symbol, replacing any previous row.
func (d *Database) SavePosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, entry_price, order_id, opened_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			order_id = excluded.order_id,
			opened_at = excluded.opened_at
	`, p.Symbol, p.Qty, p.EntryPrice, p.OrderID, millis(p.OpenedAt))
	return err
}

// DeletePosition removes a symbol's open position without recording a trade.
func (d *Database) DeletePosition(ctx context.Context, symbol string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

// ListPositions returns all open positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, qty, entry_price, order_id, opened_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var (
			p  Position
			ts int64
		)
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.EntryPrice, &p.OrderID, &ts); err != nil {
			return nil, err
		}
		p.OpenedAt = time.UnixMilli(ts)
		res = append(res, p)
	}
	return res, rows.Err()
}

// CloseTrade records a round trip and deletes the symbol's open position in one transaction.
func (d *Database) CloseTrade(ctx context.Context, t Trade) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, symbol, entry_order_id, exit_order_id, qty, entry_price, exit_price, pnl_pct, pnl_quote, reason, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Symbol, t.EntryOrderID, t.ExitOrderID, t.Qty, t.EntryPrice, t.ExitPrice, t.PnLPercent, t.PnLQuote, t.Reason,
		millis(t.OpenedAt), millis(t.ClosedAt),
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, t.Symbol); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return tx.Commit()
}

// ListTrades returns the most recent closed trades first.
func (d *Database) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, entry_order_id, exit_order_id, qty, entry_price, exit_price, pnl_pct, pnl_quote, reason, opened_at, closed_at
		FROM trades ORDER BY closed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var (
			t              Trade
			opened, closed int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.EntryOrderID, &t.ExitOrderID, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&t.PnLPercent, &t.PnLQuote, &t.Reason, &opened, &closed); err != nil {
			return nil, err
		}
		t.OpenedAt = time.UnixMilli(opened)
		t.ClosedAt = time.UnixMilli(closed)
		res = append(res, t)
	}
	return res, rows.Err()
}

// Summarize aggregates closed trades per symbol, optionally only those closed at or after since.
func (d *Database) Summarize(ctx context.Context, since time.Time) ([]SymbolSummary, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixMilli()
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol,
		       COUNT(*),
		       SUM(CASE WHEN pnl_quote > 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN pnl_quote < 0 THEN 1 ELSE 0 END),
		       SUM(pnl_quote),
		       AVG(pnl_pct),
		       MAX(pnl_pct),
		       MIN(pnl_pct)
		FROM trades
		WHERE closed_at >= ?
		GROUP BY symbol
		ORDER BY symbol`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SymbolSummary
	for rows.Next() {
		var s SymbolSummary
		if err := rows.Scan(&s.Symbol, &s.Trades, &s.Wins, &s.Losses, &s.PnLQuote, &s.AvgPnLPct, &s.BestPnLPct, &s.WorstPnLPct); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
