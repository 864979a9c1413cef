package domain

import "time"

// Reservation is an ephemeral hold on position capacity taken before the
// broker call of a submission. It expires on its own if never released.
type Reservation struct {
	Token     string
	Symbol    string
	Delta     int64 // signed: positive for buys, negative for sells
	ExpiresAt time.Time
}

// PendingExposure summarises the live reservations of a symbol per direction.
type PendingExposure struct {
	Long  int64 // sum of positive deltas
	Short int64 // sum of negative deltas (<= 0)
}

// OpenExposure is the unfilled remainder of a symbol's open orders per
// direction. Buys and sells are kept apart because either side can still be
// cancelled.
type OpenExposure struct {
	Long  int64 // remaining quantity of open buys
	Short int64 // remaining quantity of open sells, as a non-positive number
}

// Add accumulates the open remainder of o.
func (e *OpenExposure) Add(o *Order) {
	x := o.OpenExposure()
	if x > 0 {
		e.Long += x
	} else {
		e.Short += x
	}
}

// Committed is the position a symbol reaches in side's direction if every
// open order on that side fills.
func (e OpenExposure) Committed(position int64, side OrderSide) int64 {
	if side == OrderSideSell {
		return position + e.Short
	}
	return position + e.Long
}

// Holds reports whether the reservations already taken, including the
// caller's own, still fit within [-limit, limit] on side's direction.
func (p PendingExposure) Holds(committed int64, side OrderSide, limit int64) bool {
	if side == OrderSideSell {
		return committed+p.Short >= -limit
	}
	return committed+p.Long <= limit
}

// WithinLimit reports whether adding delta on top of committed and the
// pending reservations keeps every outcome within [-limit, limit].
func (p PendingExposure) WithinLimit(committed, delta, limit int64) bool {
	if delta > 0 {
		return committed+p.Long+delta <= limit
	}
	if delta < 0 {
		return committed+p.Short+delta >= -limit
	}
	return true
}
