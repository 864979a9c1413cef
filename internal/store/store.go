// Package store defines the system of record of the gateway (orders, fills,
// positions and the reconciliation log) and its in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/efreitasn/execgateway/internal/domain"
)

// OrderFilter scopes order listings. Zero values mean "any".
type OrderFilter struct {
	Status *domain.OrderStatus
	Symbol string
	Owner  string
	Limit  int
}

// RecordFilter scopes reconciliation log listings. Zero values mean "any".
// Limit keeps the most recent records.
type RecordFilter struct {
	PassID        string
	ClientOrderID string
	Limit         int
}

// Store is the system of record.
//
// Orders are written by three paths only: CreateOrder (submission, Phase 3),
// InOrderTx (fill processing and cancel, under an exclusive row lock) and
// CompareAndSetOrder (reconciliation). Positions have exactly two writers:
// OrderTx.RecomputePosition (fill processing) and CompareAndSetPosition
// (reconciliation).
type Store interface {
	// GetOrder is the idempotency lookup keyed by client order id.
	// It returns domain.ErrOrderNotFound if the order does not exist.
	GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*domain.Order, error)
	// CreateOrder inserts a new order. It returns domain.ErrDuplicateOrder
	// if the client order id already exists.
	CreateOrder(ctx context.Context, o *domain.Order) error
	// CompareAndSetOrder writes the mutable fields of o only if the stored
	// version equals expectedVersion and o.Priority is >= the stored
	// priority. On conflict it returns the current stored order together with
	// domain.ErrVersionConflict or domain.ErrPriorityConflict.
	CompareAndSetOrder(ctx context.Context, o *domain.Order, expectedVersion int64) (*domain.Order, error)
	// InOrderTx runs fn with an exclusive lock on the order row. Changes are
	// committed atomically when fn returns nil and discarded otherwise.
	InOrderTx(ctx context.Context, clientOrderID string, fn func(tx OrderTx) error) error
	ListOpenOrders(ctx context.Context) ([]*domain.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*domain.Order, error)
	// OpenExposure sums the remaining quantity of non-terminal orders per side.
	OpenExposure(ctx context.Context, symbol string) (domain.OpenExposure, error)

	ListFills(ctx context.Context, clientOrderID string) ([]domain.Fill, error)
	ListFillsBySymbol(ctx context.Context, symbol string) ([]domain.Fill, error)
	ListFillSymbols(ctx context.Context) ([]string, error)

	// GetPosition returns a zero position (version 0) for unknown symbols.
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	ListPositions(ctx context.Context) ([]domain.Position, error)
	CompareAndSetPosition(ctx context.Context, p domain.Position, expectedVersion int64) error

	AppendRecord(ctx context.Context, r *domain.ReconciliationRecord) error
	ListRecords(ctx context.Context, f RecordFilter) ([]*domain.ReconciliationRecord, error)

	// UpsertOrphan inserts the orphan or refreshes LastSeenAt of an existing
	// unacknowledged orphan for the same side and ids.
	UpsertOrphan(ctx context.Context, o *domain.Orphan) (*domain.Orphan, error)
	ListOrphans(ctx context.Context, includeAcknowledged bool) ([]*domain.Orphan, error)
	AcknowledgeOrphan(ctx context.Context, orphanID string, at time.Time) (*domain.Orphan, error)

	Ping(ctx context.Context) error
}

// OrderTx is the view of one locked order row inside InOrderTx.
type OrderTx interface {
	// Order returns the locked order. Mutate it and call SaveOrder.
	Order() *domain.Order
	// Fills returns every fill of the order, including superseded ones.
	Fills() []domain.Fill
	// InsertFill adds a fill. It returns false if the fill id is already known.
	InsertFill(f domain.Fill) (bool, error)
	SupersedeFill(fillID string) error
	// SaveOrder persists the mutable fields of o and bumps its version.
	SaveOrder(o *domain.Order) error
	// RecomputePosition replays the symbol's effective fills (including the
	// ones written by this transaction) into its position row.
	RecomputePosition(symbol string) (domain.Position, error)
}
