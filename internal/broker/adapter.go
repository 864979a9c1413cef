// Package broker defines the gateway's contract with the execution broker
// and ships three implementations of it: a paper broker, a signed HTTP
// adapter and a websocket event stream.
//
// Every Submit is idempotent on the client order id: submitting the same id
// twice returns the order created by the first call.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/domain"
)

// OrderRequest is the order sent to the broker.
type OrderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     domain.OrderSide `json:"side"`
	Type     domain.OrderType `json:"type"`
	Quantity int64            `json:"quantity"`
	Price    decimal.Decimal  `json:"price"`
}

// Order is the broker's view of an order.
type Order struct {
	BrokerOrderID  string             `json:"broker_order_id"`
	ClientOrderID  string             `json:"client_order_id"`
	Symbol         string             `json:"symbol"`
	Side           domain.OrderSide   `json:"side"`
	Type           domain.OrderType   `json:"type"`
	Quantity       int64              `json:"quantity"`
	Price          decimal.Decimal    `json:"price"`
	FilledQuantity int64              `json:"filled_quantity"`
	AveragePrice   decimal.Decimal    `json:"average_price"`
	Status         domain.OrderStatus `json:"status"`
	RejectReason   string             `json:"reject_reason,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Fill is one execution reported by the broker.
type Fill struct {
	FillID         string           `json:"fill_id"`
	BrokerOrderID  string           `json:"broker_order_id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           domain.OrderSide `json:"side"`
	Price          decimal.Decimal  `json:"price"`
	Quantity       int64            `json:"quantity"`
	ExecutedAt     time.Time        `json:"executed_at"`
	CorrectsFillID string           `json:"corrects_fill_id,omitempty"`
}

// ToDomain converts the broker fill into a ledger fill.
func (f Fill) ToDomain() domain.Fill {
	return domain.Fill{
		FillID:         f.FillID,
		ClientOrderID:  f.ClientOrderID,
		Symbol:         f.Symbol,
		Side:           f.Side,
		Price:          f.Price,
		Quantity:       f.Quantity,
		ExecutedAt:     f.ExecutedAt,
		CorrectsFillID: f.CorrectsFillID,
	}
}

// Position is the broker-reported net quantity of a symbol.
type Position struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// EventType distinguishes pushed broker events.
type EventType string

const (
	EventFill        EventType = "fill"
	EventOrderStatus EventType = "order_status"
)

// Event is the envelope of a broker push, delivered by webhook or stream.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Order      *Order    `json:"order,omitempty"`
	Fill       *Fill     `json:"fill,omitempty"`
}

// Adapter is the broker collaborator.
type Adapter interface {
	Name() string
	// Submit places the order, keyed by clientOrderID. Errors are
	// domain.ErrBrokerUnavailable, domain.ErrBrokerTimeout or a
	// *domain.BrokerRejectedError.
	Submit(ctx context.Context, clientOrderID string, req OrderRequest) (Order, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	// Query returns domain.ErrOrderNotFound for unknown ids.
	Query(ctx context.Context, brokerOrderID string) (Order, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	// Fills returns executions at or after since, oldest first.
	Fills(ctx context.Context, since time.Time) ([]Fill, error)
	Positions(ctx context.Context) ([]Position, error)
}
