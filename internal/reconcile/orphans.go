package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/efreitasn/execgateway/internal/domain"
)

// detectOrphans flags orders that only one side knows. Orphans are stored
// for review and never resolved automatically.
func (p *pass) detectOrphans(ctx context.Context) error {
	brokerOpen, err := p.e.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list broker open orders: %w", err)
	}

	for _, bo := range brokerOpen {
		local, err := p.resolveOrder(ctx, bo.ClientOrderID, bo.BrokerOrderID)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			if err := p.flagOrphan(ctx, &domain.Orphan{
				Side:          domain.OrphanBrokerOnly,
				ClientOrderID: bo.ClientOrderID,
				BrokerOrderID: bo.BrokerOrderID,
				Symbol:        bo.Symbol,
				Detail:        fmt.Sprintf("broker reports %s %s %d %s with no local order", bo.Status, bo.Side, bo.Quantity, bo.Symbol),
			}); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("resolve broker order %s: %w", bo.BrokerOrderID, err)
		case local.Status.IsTerminal():
			if err := p.record(ctx, &domain.ReconciliationRecord{
				Stage:          domain.StageOrphans,
				ClientOrderID:  local.ClientOrderID,
				Symbol:         local.Symbol,
				PreviousStatus: local.Status,
				NewStatus:      local.Status,
				Source:         domain.SourceBrokerOrder,
				Resolution:     domain.ResolutionConflict,
				Detail:         fmt.Sprintf("broker still has order open as %s", bo.Status),
			}); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	missing := p.missing
	p.mu.Unlock()
	for _, o := range missing {
		// The order may have reached a terminal status since order sync
		// listed it; that is the safe case and needs no review.
		cur, err := p.e.store.GetOrder(ctx, o.ClientOrderID)
		if err != nil {
			return fmt.Errorf("reload order %s: %w", o.ClientOrderID, err)
		}
		if cur.Status.IsTerminal() {
			if err := p.record(ctx, &domain.ReconciliationRecord{
				Stage:          domain.StageOrphans,
				ClientOrderID:  cur.ClientOrderID,
				Symbol:         cur.Symbol,
				PreviousStatus: cur.Status,
				NewStatus:      cur.Status,
				Source:         domain.SourceBrokerOrder,
				Resolution:     domain.ResolutionNoop,
				Detail:         "broker does not know the order and it is already terminal locally",
			}); err != nil {
				return err
			}
			continue
		}
		if err := p.flagOrphan(ctx, &domain.Orphan{
			Side:          domain.OrphanLocalOnly,
			ClientOrderID: cur.ClientOrderID,
			BrokerOrderID: cur.BrokerOrderID,
			Symbol:        cur.Symbol,
			Detail:        fmt.Sprintf("local order is %s but the broker does not know it", cur.Status),
		}); err != nil {
			return err
		}
	}

	p.e.refreshOrphanGauge(ctx)
	return nil
}

func (p *pass) flagOrphan(ctx context.Context, o *domain.Orphan) error {
	now := p.e.now()
	o.OrphanID = uuid.NewString()
	o.DetectedAt = now
	o.LastSeenAt = now
	stored, err := p.e.store.UpsertOrphan(ctx, o)
	if err != nil {
		return fmt.Errorf("store orphan: %w", err)
	}
	p.e.logger.Warn("orphan order",
		slog.String("pass_id", p.id),
		slog.String("orphan_id", stored.OrphanID),
		slog.String("side", string(stored.Side)),
		slog.String("client_order_id", stored.ClientOrderID),
		slog.String("broker_order_id", stored.BrokerOrderID),
	)
	return p.record(ctx, &domain.ReconciliationRecord{
		Stage:         domain.StageOrphans,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Source:        domain.SourceBrokerOrder,
		Resolution:    domain.ResolutionOrphan,
		Detail:        fmt.Sprintf("%s orphan %s: %s", o.Side, stored.OrphanID, o.Detail),
	})
}
