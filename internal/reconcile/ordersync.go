package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/store"
)

// syncOrders compares every open local order with the broker's view of it.
func (p *pass) syncOrders(ctx context.Context) error {
	open, err := p.e.store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.e.cfg.Concurrency)
	for _, o := range open {
		o := o
		g.Go(func() error {
			if err := p.syncOrder(ctx, o); err != nil {
				return fmt.Errorf("order %s: %w", o.ClientOrderID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *pass) syncOrder(ctx context.Context, local *domain.Order) error {
	if local.BrokerOrderID == "" {
		p.markMissing(local)
		return nil
	}
	bo, err := p.e.broker.Query(ctx, local.BrokerOrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		p.markMissing(local)
		return nil
	}
	if err != nil {
		return fmt.Errorf("query broker: %w", err)
	}

	if err := p.fillGap(ctx, local, bo); err != nil {
		return err
	}
	return p.syncStatus(ctx, local.ClientOrderID, bo)
}

// fillGap writes a synthetic fill when the broker reports more filled
// quantity than the ledger holds, so a missed execution report cannot
// leave the position short.
func (p *pass) fillGap(ctx context.Context, local *domain.Order, bo broker.Order) error {
	if bo.FilledQuantity <= local.FilledQuantity {
		return nil
	}
	fills, err := p.e.store.ListFills(ctx, local.ClientOrderID)
	if err != nil {
		return fmt.Errorf("list fills: %w", err)
	}
	known := domain.EffectiveQuantity(fills)
	missing := bo.FilledQuantity - known
	if missing <= 0 {
		return nil
	}

	f := domain.Fill{
		FillID:     fmt.Sprintf("synthetic-%s-%d-%d", local.ClientOrderID, bo.FilledQuantity, domain.RealQuantity(fills)),
		Symbol:     local.Symbol,
		Side:       local.Side,
		Price:      syntheticPrice(bo, fills, missing),
		Quantity:   missing,
		ExecutedAt: p.startedAt,
		Synthetic:  true,
	}
	if !f.Price.IsPositive() {
		return p.record(ctx, &domain.ReconciliationRecord{
			Stage:         domain.StageOrderSync,
			ClientOrderID: local.ClientOrderID,
			Symbol:        local.Symbol,
			Source:        domain.SourceBrokerOrder,
			Resolution:    domain.ResolutionConflict,
			Detail:        fmt.Sprintf("broker reports %d filled, ledger %d, and no price to synthesize", bo.FilledQuantity, known),
		})
	}

	applied, err := p.e.fills.ApplyFill(ctx, local.ClientOrderID, f, domain.PriorityBrokerQuery, "synthetic")
	if err != nil {
		return fmt.Errorf("apply synthetic fill: %w", err)
	}
	if !applied {
		return nil
	}
	return p.record(ctx, &domain.ReconciliationRecord{
		Stage:         domain.StageOrderSync,
		ClientOrderID: local.ClientOrderID,
		Symbol:        local.Symbol,
		Source:        domain.SourceBrokerOrder,
		Resolution:    domain.ResolutionSynthetic,
		Detail:        fmt.Sprintf("synthetic fill %s: %d @ %s", f.FillID, f.Quantity, f.Price),
	})
}

// syntheticPrice derives the price of the missing executions from the
// broker's average price and the fills already known. It falls back to
// the broker's average when the residual is not a usable price.
func syntheticPrice(bo broker.Order, fills []domain.Fill, missing int64) decimal.Decimal {
	knownNotional := decimal.Zero
	for _, f := range fills {
		if f.Effective() {
			knownNotional = knownNotional.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
		}
	}
	total := bo.AveragePrice.Mul(decimal.NewFromInt(bo.FilledQuantity))
	px := total.Sub(knownNotional).Div(decimal.NewFromInt(missing)).Round(domain.PriceDecimals)
	if !px.IsPositive() {
		return bo.AveragePrice
	}
	return px
}

// syncStatus brings the local status to the broker's with a priority-aware
// compare-and-set, re-evaluating after a version conflict. Only forward
// transitions are written; a broker flip back to a recently overwritten
// status is reported as oscillation first.
func (p *pass) syncStatus(ctx context.Context, clientOrderID string, bo broker.Order) error {
	cur, err := p.e.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if cur.Priority > domain.PriorityBrokerQuery {
			return p.recordStatus(ctx, cur, bo, domain.ResolutionSkipped,
				fmt.Sprintf("stored %s write outranks broker query", cur.Priority))
		}
		if cur.Status == bo.Status {
			if attempt > 0 {
				return p.recordStatus(ctx, cur, bo, domain.ResolutionNoop, "concurrent write already applied broker status")
			}
			return nil
		}
		if cur.FilledQuantity > bo.FilledQuantity {
			return p.recordStatus(ctx, cur, bo, domain.ResolutionKept,
				fmt.Sprintf("ledger has %d filled, broker reports %d", cur.FilledQuantity, bo.FilledQuantity))
		}
		if cur.Status.IsTerminal() {
			return p.recordStatus(ctx, cur, bo, domain.ResolutionKept, "local status is terminal")
		}

		oscillating, err := p.oscillating(ctx, cur.ClientOrderID, bo.Status)
		if err != nil {
			return err
		}
		if oscillating {
			p.e.logger.Error("order status oscillation",
				slog.String("pass_id", p.id),
				slog.String("client_order_id", cur.ClientOrderID),
				slog.String("local_status", string(cur.Status)),
				slog.String("broker_status", string(bo.Status)),
			)
			return p.recordStatus(ctx, cur, bo, domain.ResolutionOscillation,
				fmt.Sprintf("status %s was overwritten within the last %d writes", bo.Status, p.e.cfg.OscillationThreshold))
		}
		if !domain.CanTransition(cur.Status, bo.Status) {
			p.e.logger.Info("broker status behind local status",
				slog.String("pass_id", p.id),
				slog.String("client_order_id", cur.ClientOrderID),
				slog.String("local_status", string(cur.Status)),
				slog.String("broker_status", string(bo.Status)),
			)
			return p.recordStatus(ctx, cur, bo, domain.ResolutionKept,
				fmt.Sprintf("%s -> %s is not a forward transition", cur.Status, bo.Status))
		}

		next := cur.Clone()
		next.Status = bo.Status
		next.Priority = domain.PriorityBrokerQuery
		next.UpdatedAt = p.e.now()
		if next.BrokerOrderID == "" {
			next.BrokerOrderID = bo.BrokerOrderID
		}

		stored, err := p.e.store.CompareAndSetOrder(ctx, next, cur.Version)
		switch {
		case err == nil:
			return p.recordStatus(ctx, cur, bo, domain.ResolutionOverwritten, "")
		case errors.Is(err, domain.ErrPriorityConflict):
			return p.recordStatus(ctx, stored, bo, domain.ResolutionSkipped,
				fmt.Sprintf("stored %s write outranks broker query", stored.Priority))
		case errors.Is(err, domain.ErrVersionConflict):
			cur = stored
		default:
			return fmt.Errorf("compare and set: %w", err)
		}
	}
	return p.recordStatus(ctx, cur, bo, domain.ResolutionSkipped,
		fmt.Sprintf("version still moving after %d attempts", maxCASAttempts))
}

func (p *pass) recordStatus(ctx context.Context, local *domain.Order, bo broker.Order, resolution domain.Resolution, detail string) error {
	next := bo.Status
	if resolution != domain.ResolutionOverwritten {
		next = local.Status
	}
	return p.record(ctx, &domain.ReconciliationRecord{
		Stage:          domain.StageOrderSync,
		ClientOrderID:  local.ClientOrderID,
		Symbol:         local.Symbol,
		PreviousStatus: local.Status,
		NewStatus:      next,
		Source:         domain.SourceBrokerOrder,
		Resolution:     resolution,
		Detail:         joinDetail(fmt.Sprintf("broker status %s", bo.Status), detail),
	})
}

// oscillating reports whether moving the order to status would undo one of
// its recent reconciliation writes.
func (p *pass) oscillating(ctx context.Context, clientOrderID string, status domain.OrderStatus) (bool, error) {
	records, err := p.e.store.ListRecords(ctx, store.RecordFilter{
		ClientOrderID: clientOrderID,
		Limit:         p.e.cfg.OscillationThreshold,
	})
	if err != nil {
		return false, fmt.Errorf("list records: %w", err)
	}
	for _, r := range records {
		if r.Resolution == domain.ResolutionOverwritten && r.PreviousStatus == status {
			return true, nil
		}
	}
	return false, nil
}

func joinDetail(a, b string) string {
	if b == "" {
		return a
	}
	return a + ": " + b
}
