// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/store"
)

//go:embed schema.sql
var schema string

const orderColumns = `client_order_id, COALESCE(broker_order_id, ''), owner, symbol, side, order_type,
	quantity, price::text, filled_quantity, average_price::text, status,
	submitted_at, updated_at, version, priority`

const fillColumns = `fill_id, client_order_id, symbol, side, price::text, quantity, executed_at,
	synthetic, superseded, COALESCE(corrects_fill_id, ''), created_at`

const positionColumns = `symbol, quantity, avg_cost::text, realized_pnl::text, version, updated_at`

const orphanColumns = `orphan_id, side, client_order_id, broker_order_id, symbol, detail,
	detected_at, last_seen_at, acknowledged, acknowledged_at`

const terminalStatuses = `('filled', 'cancelled', 'rejected', 'expired')`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL system of record.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Connect opens a pool for databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("database schema applied")
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                  domain.Order
		side, typ, status  string
		priceStr, avgPxStr string
		priority           int16
	)
	err := row.Scan(&o.ClientOrderID, &o.BrokerOrderID, &o.Owner, &o.Symbol, &side, &typ,
		&o.Quantity, &priceStr, &o.FilledQuantity, &avgPxStr, &status,
		&o.SubmittedAt, &o.UpdatedAt, &o.Version, &priority)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.Priority = domain.SourcePriority(priority)
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.AveragePrice, err = decimal.NewFromString(avgPxStr); err != nil {
		return nil, fmt.Errorf("parse average price: %w", err)
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*domain.Order, error) {
	defer rows.Close()
	result := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanFill(row pgx.Row) (domain.Fill, error) {
	var (
		f        domain.Fill
		side     string
		priceStr string
	)
	err := row.Scan(&f.FillID, &f.ClientOrderID, &f.Symbol, &side, &priceStr, &f.Quantity,
		&f.ExecutedAt, &f.Synthetic, &f.Superseded, &f.CorrectsFillID, &f.CreatedAt)
	if err != nil {
		return domain.Fill{}, err
	}
	f.Side = domain.OrderSide(side)
	if f.Price, err = decimal.NewFromString(priceStr); err != nil {
		return domain.Fill{}, fmt.Errorf("parse fill price: %w", err)
	}
	return f, nil
}

func queryFills(ctx context.Context, q querier, where string, args ...any) ([]domain.Fill, error) {
	rows, err := q.Query(ctx, `SELECT `+fillColumns+` FROM fills WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make([]domain.Fill, 0)
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p              domain.Position
		avgStr, pnlStr string
	)
	if err := row.Scan(&p.Symbol, &p.Quantity, &avgStr, &pnlStr, &p.Version, &p.UpdatedAt); err != nil {
		return domain.Position{}, err
	}
	var err error
	if p.AvgCost, err = decimal.NewFromString(avgStr); err != nil {
		return domain.Position{}, fmt.Errorf("parse avg cost: %w", err)
	}
	if p.RealizedPnL, err = decimal.NewFromString(pnlStr); err != nil {
		return domain.Position{}, fmt.Errorf("parse realized pnl: %w", err)
	}
	return p, nil
}

func scanOrphan(row pgx.Row) (*domain.Orphan, error) {
	var (
		o    domain.Orphan
		side string
	)
	err := row.Scan(&o.OrphanID, &side, &o.ClientOrderID, &o.BrokerOrderID, &o.Symbol, &o.Detail,
		&o.DetectedAt, &o.LastSeenAt, &o.Acknowledged, &o.AcknowledgedAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrphanSide(side)
	return &o, nil
}

// GetOrder implements store.Store.
func (s *Store) GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID))
}

// GetOrderByBrokerID implements store.Store.
func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_order_id = $1`, brokerOrderID))
}

// CreateOrder implements store.Store.
func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (client_order_id, broker_order_id, owner, symbol, side, order_type,
			quantity, price, filled_quantity, average_price, status, submitted_at, updated_at, version, priority)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, o.ClientOrderID, o.BrokerOrderID, o.Owner, o.Symbol, string(o.Side), string(o.Type),
		o.Quantity, o.Price.String(), o.FilledQuantity, o.AveragePrice.String(), string(o.Status),
		o.SubmittedAt, o.UpdatedAt, o.Version, int16(o.Priority))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// CompareAndSetOrder implements store.Store. The UPDATE waits on the row
// lock held by a concurrent InOrderTx.
func (s *Store) CompareAndSetOrder(ctx context.Context, o *domain.Order, expectedVersion int64) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET broker_order_id = NULLIF($2, ''), filled_quantity = $3, average_price = $4,
			status = $5, updated_at = $6, priority = $7, version = version + 1
		WHERE client_order_id = $1 AND version = $8 AND priority <= $7
		RETURNING `+orderColumns,
		o.ClientOrderID, o.BrokerOrderID, o.FilledQuantity, o.AveragePrice.String(),
		string(o.Status), o.UpdatedAt, int16(o.Priority), expectedVersion)
	updated, err := scanOrder(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, fmt.Errorf("update order: %w", err)
	}

	cur, err := s.GetOrder(ctx, o.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return cur, domain.ErrVersionConflict
	}
	return cur, domain.ErrPriorityConflict
}

// InOrderTx implements store.Store with SELECT ... FOR UPDATE on the order row.
func (s *Store) InOrderTx(ctx context.Context, clientOrderID string, fn func(tx store.OrderTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1 FOR UPDATE`, clientOrderID))
	if err != nil {
		return err
	}
	fills, err := queryFills(ctx, tx, `client_order_id = $1`, clientOrderID)
	if err != nil {
		return fmt.Errorf("load fills: %w", err)
	}

	if err := fn(&orderTx{ctx: ctx, tx: tx, order: o, fills: fills}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// ListOpenOrders implements store.Store.
func (s *Store) ListOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN `+terminalStatuses+` ORDER BY submitted_at, client_order_id`)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListOrders implements store.Store.
func (s *Store) ListOrders(ctx context.Context, f store.OrderFilter) ([]*domain.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY submitted_at DESC, client_order_id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// OpenExposure implements store.Store.
func (s *Store) OpenExposure(ctx context.Context, symbol string) (domain.OpenExposure, error) {
	var e domain.OpenExposure
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(GREATEST(quantity - filled_quantity, 0)) FILTER (WHERE side = 'buy'), 0)::bigint,
			-COALESCE(SUM(GREATEST(quantity - filled_quantity, 0)) FILTER (WHERE side = 'sell'), 0)::bigint
		FROM orders
		WHERE symbol = $1 AND status NOT IN `+terminalStatuses, symbol).Scan(&e.Long, &e.Short)
	return e, err
}

// ListFills implements store.Store.
func (s *Store) ListFills(ctx context.Context, clientOrderID string) ([]domain.Fill, error) {
	return queryFills(ctx, s.pool, `client_order_id = $1`, clientOrderID)
}

// ListFillsBySymbol implements store.Store.
func (s *Store) ListFillsBySymbol(ctx context.Context, symbol string) ([]domain.Fill, error) {
	return queryFills(ctx, s.pool, `symbol = $1`, symbol)
}

// ListFillSymbols implements store.Store.
func (s *Store) ListFillSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM fills ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetPosition implements store.Store.
func (s *Store) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{Symbol: symbol}, nil
	}
	return p, err
}

// ListPositions implements store.Store.
func (s *Store) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make([]domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// CompareAndSetPosition implements store.Store.
func (s *Store) CompareAndSetPosition(ctx context.Context, p domain.Position, expectedVersion int64) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO positions (symbol, quantity, avg_cost, realized_pnl, version, updated_at)
		VALUES ($1, $2, $3, $4, $5 + 1, $6)
		ON CONFLICT (symbol) DO UPDATE
		SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost,
			realized_pnl = EXCLUDED.realized_pnl, version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE positions.version = $5
	`, p.Symbol, p.Quantity, p.AvgCost.String(), p.RealizedPnL.String(), expectedVersion, updatedAt)
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// AppendRecord implements store.Store.
func (s *Store) AppendRecord(ctx context.Context, r *domain.ReconciliationRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_records (record_id, pass_id, stage, client_order_id, symbol,
			previous_status, new_status, source, resolution, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.RecordID, r.PassID, string(r.Stage), r.ClientOrderID, r.Symbol,
		string(r.PreviousStatus), string(r.NewStatus), string(r.Source), string(r.Resolution),
		r.Detail, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListRecords implements store.Store.
func (s *Store) ListRecords(ctx context.Context, f store.RecordFilter) ([]*domain.ReconciliationRecord, error) {
	var (
		conds []string
		args  []any
	)
	if f.PassID != "" {
		args = append(args, f.PassID)
		conds = append(conds, fmt.Sprintf("pass_id = $%d", len(args)))
	}
	if f.ClientOrderID != "" {
		args = append(args, f.ClientOrderID)
		conds = append(conds, fmt.Sprintf("client_order_id = $%d", len(args)))
	}
	q := `SELECT record_id, pass_id, stage, client_order_id, symbol, previous_status, new_status,
		source, resolution, detail, created_at FROM reconciliation_records`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make([]*domain.ReconciliationRecord, 0)
	for rows.Next() {
		var (
			r                                     domain.ReconciliationRecord
			stage, prev, next, source, resolution string
		)
		if err := rows.Scan(&r.RecordID, &r.PassID, &stage, &r.ClientOrderID, &r.Symbol,
			&prev, &next, &source, &resolution, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Stage = domain.ReconciliationStage(stage)
		r.PreviousStatus = domain.OrderStatus(prev)
		r.NewStatus = domain.OrderStatus(next)
		r.Source = domain.TruthSource(source)
		r.Resolution = domain.Resolution(resolution)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, like the memory store.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// UpsertOrphan implements store.Store.
func (s *Store) UpsertOrphan(ctx context.Context, o *domain.Orphan) (*domain.Orphan, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := scanOrphan(s.pool.QueryRow(ctx, `
			UPDATE orphans SET last_seen_at = $4, detail = $5
			WHERE side = $1 AND client_order_id = $2 AND broker_order_id = $3 AND NOT acknowledged
			RETURNING `+orphanColumns,
			string(o.Side), o.ClientOrderID, o.BrokerOrderID, o.LastSeenAt, o.Detail))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("refresh orphan: %w", err)
		}

		inserted, err := scanOrphan(s.pool.QueryRow(ctx, `
			INSERT INTO orphans (orphan_id, side, client_order_id, broker_order_id, symbol, detail,
				detected_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+orphanColumns,
			o.OrphanID, string(o.Side), o.ClientOrderID, o.BrokerOrderID, o.Symbol, o.Detail,
			o.DetectedAt, o.LastSeenAt))
		if err == nil {
			return inserted, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("insert orphan: %w", err)
		}
		// Lost the insert race to a concurrent pass; refresh its row instead.
	}
	return nil, fmt.Errorf("upsert orphan %s: conflicting writers", o.OrphanID)
}

// ListOrphans implements store.Store.
func (s *Store) ListOrphans(ctx context.Context, includeAcknowledged bool) ([]*domain.Orphan, error) {
	q := `SELECT ` + orphanColumns + ` FROM orphans`
	if !includeAcknowledged {
		q += ` WHERE NOT acknowledged`
	}
	q += ` ORDER BY detected_at, orphan_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make([]*domain.Orphan, 0)
	for rows.Next() {
		o, err := scanOrphan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// AcknowledgeOrphan implements store.Store.
func (s *Store) AcknowledgeOrphan(ctx context.Context, orphanID string, at time.Time) (*domain.Orphan, error) {
	o, err := scanOrphan(s.pool.QueryRow(ctx, `
		UPDATE orphans SET acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, $2)
		WHERE orphan_id = $1
		RETURNING `+orphanColumns, orphanID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrphanNotFound
	}
	return o, err
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
