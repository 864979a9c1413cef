package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the committed net quantity held in a symbol.
type Position struct {
	Symbol      string
	Quantity    int64
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
	Version     int64
	UpdatedAt   time.Time
}

// SameHoldings reports whether two positions agree on quantity, cost and
// realized P&L. Version and timestamps are ignored.
func (p Position) SameHoldings(o Position) bool {
	return p.Quantity == o.Quantity && p.AvgCost.Equal(o.AvgCost) && p.RealizedPnL.Equal(o.RealizedPnL)
}

// ComputePosition replays the effective fills of one symbol in execution
// order using average-cost accounting. Fills of other symbols are ignored.
// The result has no version; callers stamp it.
func ComputePosition(symbol string, fills []Fill) Position {
	ordered := make([]Fill, 0, len(fills))
	for _, f := range fills {
		if f.Symbol == symbol && f.Effective() {
			ordered = append(ordered, f)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExecutedAt.Equal(ordered[j].ExecutedAt) {
			return ordered[i].ExecutedAt.Before(ordered[j].ExecutedAt)
		}
		return ordered[i].FillID < ordered[j].FillID
	})

	p := Position{Symbol: symbol, AvgCost: decimal.Zero, RealizedPnL: decimal.Zero}
	for _, f := range ordered {
		p.apply(f.SignedQuantity(), f.Price)
	}
	return p
}

// apply adds a signed execution at price to the position.
func (p *Position) apply(qty int64, price decimal.Decimal) {
	if qty == 0 {
		return
	}
	// Opening or extending in the same direction.
	if p.Quantity == 0 || (p.Quantity > 0) == (qty > 0) {
		oldAbs := decimal.NewFromInt(abs64(p.Quantity))
		addAbs := decimal.NewFromInt(abs64(qty))
		total := oldAbs.Add(addAbs)
		p.AvgCost = p.AvgCost.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total).Round(8)
		p.Quantity += qty
		return
	}

	// Reducing, closing or flipping.
	closing := min64(abs64(qty), abs64(p.Quantity))
	direction := decimal.NewFromInt(sign64(p.Quantity))
	pnl := price.Sub(p.AvgCost).Mul(decimal.NewFromInt(closing)).Mul(direction)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Quantity += qty

	switch {
	case p.Quantity == 0:
		p.AvgCost = decimal.Zero
	case (p.Quantity > 0) == (qty > 0):
		// Flipped: the remainder opened at the execution price.
		p.AvgCost = price
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
