package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/store"
)

// orderTx is the store.OrderTx of one locked order row.
type orderTx struct {
	ctx   context.Context
	tx    pgx.Tx
	order *domain.Order
	fills []domain.Fill
}

var _ store.OrderTx = (*orderTx)(nil)

func (t *orderTx) Order() *domain.Order {
	return t.order
}

func (t *orderTx) Fills() []domain.Fill {
	return append([]domain.Fill(nil), t.fills...)
}

func (t *orderTx) InsertFill(f domain.Fill) (bool, error) {
	f.ClientOrderID = t.order.ClientOrderID
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(t.ctx, `
		INSERT INTO fills (fill_id, client_order_id, symbol, side, price, quantity, executed_at,
			synthetic, superseded, corrects_fill_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (fill_id) DO NOTHING
	`, f.FillID, f.ClientOrderID, f.Symbol, string(f.Side), f.Price.String(), f.Quantity,
		f.ExecutedAt, f.Synthetic, f.Superseded, f.CorrectsFillID, f.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	t.fills = append(t.fills, f)
	return true, nil
}

func (t *orderTx) SupersedeFill(fillID string) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE fills SET superseded = TRUE WHERE fill_id = $1 AND client_order_id = $2`,
		fillID, t.order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("supersede fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fill %s not found on order %s", fillID, t.order.ClientOrderID)
	}
	for i := range t.fills {
		if t.fills[i].FillID == fillID {
			t.fills[i].Superseded = true
		}
	}
	return nil
}

func (t *orderTx) SaveOrder(o *domain.Order) error {
	var version int64
	err := t.tx.QueryRow(t.ctx, `
		UPDATE orders
		SET broker_order_id = NULLIF($2, ''), filled_quantity = $3, average_price = $4,
			status = $5, updated_at = $6, priority = $7, version = version + 1
		WHERE client_order_id = $1
		RETURNING version
	`, o.ClientOrderID, o.BrokerOrderID, o.FilledQuantity, o.AveragePrice.String(),
		string(o.Status), o.UpdatedAt, int16(o.Priority)).Scan(&version)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	o.Version = version
	if o != t.order {
		t.order = o.Clone()
	}
	return nil
}

// RecomputePosition locks the position row, replays the symbol's fills as
// seen by this transaction and writes the result if it changed.
func (t *orderTx) RecomputePosition(symbol string) (domain.Position, error) {
	if _, err := t.tx.Exec(t.ctx, `INSERT INTO positions (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING`, symbol); err != nil {
		return domain.Position{}, fmt.Errorf("ensure position row: %w", err)
	}
	cur, err := scanPosition(t.tx.QueryRow(t.ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = $1 FOR UPDATE`, symbol))
	if err != nil {
		return domain.Position{}, fmt.Errorf("lock position: %w", err)
	}
	fills, err := queryFills(t.ctx, t.tx, `symbol = $1`, symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("load symbol fills: %w", err)
	}

	next := domain.ComputePosition(symbol, fills)
	if cur.SameHoldings(next) {
		return cur, nil
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	_, err = t.tx.Exec(t.ctx, `
		UPDATE positions SET quantity = $2, avg_cost = $3, realized_pnl = $4, version = $5, updated_at = $6
		WHERE symbol = $1
	`, symbol, next.Quantity, next.AvgCost.String(), next.RealizedPnL.String(), next.Version, next.UpdatedAt)
	if err != nil {
		return domain.Position{}, fmt.Errorf("write position: %w", err)
	}
	return next, nil
}
