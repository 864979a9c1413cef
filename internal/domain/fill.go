package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is a single execution against an order. Fills are never deleted:
// a broker correction marks the earlier record superseded, and a synthetic
// fill produced by reconciliation is superseded once the real execution
// arrives.
type Fill struct {
	FillID         string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Price          decimal.Decimal
	Quantity       int64
	ExecutedAt     time.Time
	Synthetic      bool
	Superseded     bool
	CorrectsFillID string // set when this fill replaces an earlier broker fill
	CreatedAt      time.Time
}

// Effective reports whether the fill counts toward filled quantity and
// position.
func (f Fill) Effective() bool {
	return !f.Superseded
}

// SignedQuantity is the fill quantity signed by side.
func (f Fill) SignedQuantity() int64 {
	return f.Side.Sign() * f.Quantity
}

// RealQuantity sums the quantity of non-superseded, non-synthetic fills.
func RealQuantity(fills []Fill) int64 {
	var q int64
	for _, f := range fills {
		if f.Superseded || f.Synthetic {
			continue
		}
		q += f.Quantity
	}
	return q
}

// EffectiveQuantity sums the quantity of all non-superseded fills.
func EffectiveQuantity(fills []Fill) int64 {
	var q int64
	for _, f := range fills {
		if f.Effective() {
			q += f.Quantity
		}
	}
	return q
}
