package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes limit orders from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusPendingCancel   OrderStatus = "pending_cancel"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// ValidOrderStatuses lists every known status.
var ValidOrderStatuses = map[OrderStatus]bool{
	OrderStatusSubmitted:       true,
	OrderStatusAccepted:        true,
	OrderStatusPartiallyFilled: true,
	OrderStatusPendingCancel:   true,
	OrderStatusFilled:          true,
	OrderStatusCancelled:       true,
	OrderStatusRejected:        true,
	OrderStatusExpired:         true,
}

// transitions holds the forward-only edges of the order state machine.
var transitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusSubmitted: {
		OrderStatusAccepted:        true,
		OrderStatusPartiallyFilled: true,
		OrderStatusPendingCancel:   true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
		OrderStatusRejected:        true,
		OrderStatusExpired:         true,
	},
	OrderStatusAccepted: {
		OrderStatusPartiallyFilled: true,
		OrderStatusPendingCancel:   true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
		OrderStatusRejected:        true,
		OrderStatusExpired:         true,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPendingCancel: true,
		OrderStatusFilled:        true,
		OrderStatusCancelled:     true,
		OrderStatusExpired:       true,
	},
	OrderStatusPendingCancel: {
		OrderStatusFilled:    true,
		OrderStatusCancelled: true,
		OrderStatusExpired:   true,
	},
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a forward edge of the
// order state machine.
func CanTransition(from, to OrderStatus) bool {
	return transitions[from][to]
}

// SourcePriority ranks the writers of order state. A reconciliation write
// is applied only when its priority is >= the priority of the last writer.
type SourcePriority int

const (
	PriorityLocal       SourcePriority = 1
	PriorityWebhook     SourcePriority = 2
	PriorityBrokerQuery SourcePriority = 3
	PriorityOperator    SourcePriority = 4
)

func (p SourcePriority) String() string {
	switch p {
	case PriorityLocal:
		return "local"
	case PriorityWebhook:
		return "webhook"
	case PriorityBrokerQuery:
		return "broker_query"
	case PriorityOperator:
		return "operator"
	}
	return "unknown"
}

// Order is the local record of an order accepted by the broker.
type Order struct {
	ClientOrderID  string
	BrokerOrderID  string
	Owner          string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Quantity       int64
	Price          decimal.Decimal // zero for market orders
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	Status         OrderStatus
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	Version        int64
	Priority       SourcePriority
}

// Clone returns a copy safe to hand out of a store.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// RemainingQuantity is the unfilled part of the order.
func (o *Order) RemainingQuantity() int64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// OpenExposure is the signed quantity the order can still add to the
// position. Terminal orders carry no exposure.
func (o *Order) OpenExposure() int64 {
	if o.Status.IsTerminal() {
		return 0
	}
	return o.Side.Sign() * o.RemainingQuantity()
}

// ApplyFills recomputes FilledQuantity and AveragePrice from the order's
// effective fills and advances the status accordingly. Status only moves
// forward; it returns true when anything changed.
func (o *Order) ApplyFills(fills []Fill) bool {
	var qty int64
	notional := decimal.Zero
	for _, f := range fills {
		if !f.Effective() {
			continue
		}
		qty += f.Quantity
		notional = notional.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
	}

	avg := decimal.Zero
	if qty > 0 {
		avg = notional.Div(decimal.NewFromInt(qty)).Round(8)
	}

	changed := qty != o.FilledQuantity || !avg.Equal(o.AveragePrice)
	o.FilledQuantity = qty
	o.AveragePrice = avg

	var next OrderStatus
	switch {
	case qty >= o.Quantity && o.Quantity > 0:
		next = OrderStatusFilled
	case qty > 0 && o.Status != OrderStatusPendingCancel:
		next = OrderStatusPartiallyFilled
	}
	if next != "" && next != o.Status && CanTransition(o.Status, next) {
		o.Status = next
		changed = true
	}
	return changed
}

// ReducesPosition reports whether an order of side/qty strictly reduces
// the absolute size of position without flipping it.
func ReducesPosition(position int64, side OrderSide, qty int64) bool {
	switch {
	case position > 0:
		return side == OrderSideSell && qty <= position
	case position < 0:
		return side == OrderSideBuy && qty <= -position
	}
	return false
}
