package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/execgateway/internal/domain"
)

// syncPositions recomputes every position from the fill ledger and writes
// it back with its own compare-and-set, independent of order sync. Broker
// positions that disagree with the ledger are recorded as drift and never
// applied.
func (p *pass) syncPositions(ctx context.Context) error {
	symbols, err := p.positionSymbols(ctx)
	if err != nil {
		return err
	}
	brokerPositions, err := p.e.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}
	held := make(map[string]int64, len(brokerPositions))
	for _, bp := range brokerPositions {
		held[bp.Symbol] = bp.Quantity
		symbols[bp.Symbol] = struct{}{}
	}

	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.e.cfg.Concurrency)
	for _, symbol := range ordered {
		symbol := symbol
		g.Go(func() error {
			computed, err := p.syncPosition(ctx, symbol)
			if err != nil {
				return fmt.Errorf("position %s: %w", symbol, err)
			}
			if brokerQty := held[symbol]; brokerQty != computed.Quantity {
				return p.record(ctx, &domain.ReconciliationRecord{
					Stage:      domain.StagePositionSync,
					Symbol:     symbol,
					Source:     domain.SourceBrokerPosition,
					Resolution: domain.ResolutionDrift,
					Detail:     fmt.Sprintf("ledger %d, broker %d", computed.Quantity, brokerQty),
				})
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *pass) positionSymbols(ctx context.Context) (map[string]struct{}, error) {
	symbols := make(map[string]struct{})
	fillSymbols, err := p.e.store.ListFillSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fill symbols: %w", err)
	}
	for _, s := range fillSymbols {
		symbols[s] = struct{}{}
	}
	stored, err := p.e.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	for _, pos := range stored {
		symbols[pos.Symbol] = struct{}{}
	}
	return symbols, nil
}

// syncPosition returns the ledger-derived position of symbol after making
// sure the stored row matches it.
func (p *pass) syncPosition(ctx context.Context, symbol string) (domain.Position, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		// The stored row is read before the fills so a fill committed in
		// between bumps its version and fails the write below.
		stored, err := p.e.store.GetPosition(ctx, symbol)
		if err != nil {
			return domain.Position{}, err
		}
		fills, err := p.e.store.ListFillsBySymbol(ctx, symbol)
		if err != nil {
			return domain.Position{}, err
		}
		computed := domain.ComputePosition(symbol, fills)
		if stored.SameHoldings(computed) {
			return computed, nil
		}

		computed.UpdatedAt = p.e.now()
		err = p.e.store.CompareAndSetPosition(ctx, computed, stored.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return domain.Position{}, err
		}
		return computed, p.record(ctx, &domain.ReconciliationRecord{
			Stage:      domain.StagePositionSync,
			Symbol:     symbol,
			Source:     domain.SourceFillsLedger,
			Resolution: domain.ResolutionCorrected,
			Detail: fmt.Sprintf("quantity %d -> %d, avg cost %s -> %s",
				stored.Quantity, computed.Quantity, stored.AvgCost, computed.AvgCost),
		})
	}

	// A writer kept moving the row; the fill processor recomputes from the
	// same ledger, so the latest value is already correct.
	fills, err := p.e.store.ListFillsBySymbol(ctx, symbol)
	if err != nil {
		return domain.Position{}, err
	}
	return domain.ComputePosition(symbol, fills), p.record(ctx, &domain.ReconciliationRecord{
		Stage:      domain.StagePositionSync,
		Symbol:     symbol,
		Source:     domain.SourceFillsLedger,
		Resolution: domain.ResolutionSkipped,
		Detail:     fmt.Sprintf("position still moving after %d attempts", maxCASAttempts),
	})
}
