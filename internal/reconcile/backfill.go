package reconcile

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/domain"
)

// backfill pulls the broker's recent fills and applies those the ledger
// is missing. Fills of one order are applied in broker order so a
// correction always lands after the fill it corrects; orders are handled
// concurrently.
func (p *pass) backfill(ctx context.Context) error {
	since := p.startedAt.Add(-p.e.cfg.FillLookback)
	brokerFills, err := p.e.broker.Fills(ctx, since)
	if err != nil {
		return fmt.Errorf("list broker fills: %w", err)
	}

	var (
		byOrder = make(map[string][]broker.Fill)
		order   []string
	)
	for _, f := range brokerFills {
		o, err := p.resolveOrder(ctx, f.ClientOrderID, f.BrokerOrderID)
		if errors.Is(err, domain.ErrOrderNotFound) {
			// Broker-only orders are reported by orphan detection.
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve fill %s: %w", f.FillID, err)
		}
		if _, ok := byOrder[o.ClientOrderID]; !ok {
			order = append(order, o.ClientOrderID)
		}
		byOrder[o.ClientOrderID] = append(byOrder[o.ClientOrderID], f)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.e.cfg.Concurrency)
	for _, id := range order {
		id := id
		g.Go(func() error {
			return p.backfillOrder(ctx, id, byOrder[id])
		})
	}
	return g.Wait()
}

func (p *pass) backfillOrder(ctx context.Context, clientOrderID string, fills []broker.Fill) error {
	for _, bf := range fills {
		f := bf.ToDomain()
		applied, err := p.e.fills.ApplyFill(ctx, clientOrderID, f, domain.PriorityBrokerQuery, "backfill")

		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrOverfill), errors.As(err, &verr):
			if err := p.record(ctx, &domain.ReconciliationRecord{
				Stage:         domain.StageFillBackfill,
				ClientOrderID: clientOrderID,
				Symbol:        bf.Symbol,
				Source:        domain.SourceBrokerFills,
				Resolution:    domain.ResolutionConflict,
				Detail:        fmt.Sprintf("fill %s not applied: %v", bf.FillID, err),
			}); err != nil {
				return err
			}
			continue
		case err != nil:
			return fmt.Errorf("backfill fill %s: %w", bf.FillID, err)
		case !applied:
			continue
		}

		resolution := domain.ResolutionBackfilled
		detail := fmt.Sprintf("fill %s: %d @ %s", bf.FillID, bf.Quantity, bf.Price)
		if bf.CorrectsFillID != "" {
			resolution = domain.ResolutionSuperseded
			detail = fmt.Sprintf("fill %s supersedes %s: %d @ %s", bf.FillID, bf.CorrectsFillID, bf.Quantity, bf.Price)
		}
		if err := p.record(ctx, &domain.ReconciliationRecord{
			Stage:         domain.StageFillBackfill,
			ClientOrderID: clientOrderID,
			Symbol:        bf.Symbol,
			Source:        domain.SourceBrokerFills,
			Resolution:    resolution,
			Detail:        detail,
		}); err != nil {
			return err
		}
	}
	return nil
}
