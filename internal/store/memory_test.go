package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/efreitasn/execgateway/internal/domain"
)

var t0 = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func testOrder(id string, side domain.OrderSide, qty int64, submittedAt time.Time) *domain.Order {
	return &domain.Order{
		ClientOrderID: id,
		BrokerOrderID: "B-" + id,
		Owner:         "desk-1",
		Symbol:        "AAPL",
		Side:          side,
		Type:          domain.OrderTypeLimit,
		Quantity:      qty,
		Price:         decimal.NewFromInt(100),
		Status:        domain.OrderStatusAccepted,
		SubmittedAt:   submittedAt,
		UpdatedAt:     submittedAt,
		Priority:      domain.PriorityLocal,
	}
}

func testFill(id, orderID string, side domain.OrderSide, qty int64, px int64, at time.Time) domain.Fill {
	return domain.Fill{
		FillID:        id,
		ClientOrderID: orderID,
		Symbol:        "AAPL",
		Side:          side,
		Price:         decimal.NewFromInt(px),
		Quantity:      qty,
		ExecutedAt:    at,
	}
}

func applyFill(t *testing.T, s *Memory, f domain.Fill) {
	t.Helper()
	err := s.InOrderTx(context.Background(), f.ClientOrderID, func(tx OrderTx) error {
		inserted, err := tx.InsertFill(f)
		if err != nil || !inserted {
			return fmt.Errorf("insert fill %s: inserted=%v err=%v", f.FillID, inserted, err)
		}
		o := tx.Order()
		o.ApplyFills(tx.Fills())
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		_, err = tx.RecomputePosition(f.Symbol)
		return err
	})
	if err != nil {
		t.Errorf("apply fill: %v", err)
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	o := testOrder("c-1", domain.OrderSideBuy, 10, t0)
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if o.Version != 1 {
		t.Fatalf("expected version 1 stamped on insert, got %d", o.Version)
	}

	got, err := s.GetOrder(ctx, "c-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.BrokerOrderID != "B-c-1" {
		t.Fatalf("expected broker id B-c-1, got %s", got.BrokerOrderID)
	}

	byBroker, err := s.GetOrderByBrokerID(ctx, "B-c-1")
	if err != nil || byBroker.ClientOrderID != "c-1" {
		t.Fatalf("expected lookup by broker id to find c-1, got %v %v", byBroker, err)
	}

	// Returned orders are copies.
	got.Status = domain.OrderStatusFilled
	again, _ := s.GetOrder(ctx, "c-1")
	if again.Status != domain.OrderStatusAccepted {
		t.Fatalf("store mutated through returned copy: %s", again.Status)
	}
}

func TestMemory_CreateDuplicate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 10, t0)); err != nil {
		t.Fatal(err)
	}
	err := s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 99, t0))
	if !errors.Is(err, domain.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	got, _ := s.GetOrder(ctx, "c-1")
	if got.Quantity != 10 {
		t.Fatalf("duplicate insert overwrote the original: qty=%d", got.Quantity)
	}
}

func TestMemory_GetNotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.GetOrder(context.Background(), "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := s.GetOrderByBrokerID(context.Background(), "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestMemory_CompareAndSetOrder(t *testing.T) {
	tests := []struct {
		name         string
		storedPrio   domain.SourcePriority
		writePrio    domain.SourcePriority
		expectedVer  int64
		wantErr      error
		wantStatus   domain.OrderStatus
		wantVersion  int64
		wantPriority domain.SourcePriority
	}{
		{"higher priority applies", domain.PriorityLocal, domain.PriorityBrokerQuery, 1, nil, domain.OrderStatusCancelled, 2, domain.PriorityBrokerQuery},
		{"equal priority applies", domain.PriorityWebhook, domain.PriorityWebhook, 1, nil, domain.OrderStatusCancelled, 2, domain.PriorityWebhook},
		{"lower priority refused", domain.PriorityOperator, domain.PriorityBrokerQuery, 1, domain.ErrPriorityConflict, domain.OrderStatusAccepted, 1, domain.PriorityOperator},
		{"stale version refused", domain.PriorityLocal, domain.PriorityOperator, 7, domain.ErrVersionConflict, domain.OrderStatusAccepted, 1, domain.PriorityLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemory()
			ctx := context.Background()
			o := testOrder("c-1", domain.OrderSideBuy, 10, t0)
			o.Priority = tt.storedPrio
			if err := s.CreateOrder(ctx, o); err != nil {
				t.Fatal(err)
			}

			w := o.Clone()
			w.Status = domain.OrderStatusCancelled
			w.Priority = tt.writePrio
			cur, err := s.CompareAndSetOrder(ctx, w, tt.expectedVer)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if cur == nil {
				t.Fatal("expected current order to be returned")
			}
			if cur.Status != tt.wantStatus || cur.Version != tt.wantVersion || cur.Priority != tt.wantPriority {
				t.Fatalf("got status=%s version=%d priority=%s", cur.Status, cur.Version, cur.Priority)
			}
		})
	}
}

func TestMemory_CompareAndSetOrder_TerminalLeavesOpenIndex(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	o := testOrder("c-1", domain.OrderSideBuy, 10, t0)
	_ = s.CreateOrder(ctx, o)

	exp, _ := s.OpenExposure(ctx, "AAPL")
	if exp.Long != 10 {
		t.Fatalf("expected open long 10, got %+v", exp)
	}

	w := o.Clone()
	w.Status = domain.OrderStatusCancelled
	w.Priority = domain.PriorityBrokerQuery
	if _, err := s.CompareAndSetOrder(ctx, w, 1); err != nil {
		t.Fatal(err)
	}
	open, _ := s.ListOpenOrders(ctx)
	if len(open) != 0 {
		t.Fatalf("expected no open orders, got %d", len(open))
	}
	exp, _ = s.OpenExposure(ctx, "AAPL")
	if exp != (domain.OpenExposure{}) {
		t.Fatalf("expected no open exposure, got %+v", exp)
	}
}

func TestMemory_ListOpenOrders_OldestFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 4; i >= 0; i-- {
		_ = s.CreateOrder(ctx, testOrder(fmt.Sprintf("c-%d", i), domain.OrderSideBuy, 1, t0.Add(time.Duration(i)*time.Second)))
	}

	open, _ := s.ListOpenOrders(ctx)
	if len(open) != 5 {
		t.Fatalf("expected 5 open orders, got %d", len(open))
	}
	for i, o := range open {
		if o.ClientOrderID != fmt.Sprintf("c-%d", i) {
			t.Fatalf("position %d: expected c-%d, got %s", i, i, o.ClientOrderID)
		}
	}
}

func TestMemory_ListOrders_Filters(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		o := testOrder(fmt.Sprintf("c-%d", i), domain.OrderSideBuy, 1, t0.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			o.Symbol = "MSFT"
		}
		_ = s.CreateOrder(ctx, o)
	}

	msft, _ := s.ListOrders(ctx, OrderFilter{Symbol: "MSFT"})
	if len(msft) != 3 {
		t.Fatalf("expected 3 MSFT orders, got %d", len(msft))
	}
	if msft[0].ClientOrderID != "c-4" {
		t.Fatalf("expected newest first, got %s", msft[0].ClientOrderID)
	}

	limited, _ := s.ListOrders(ctx, OrderFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(limited))
	}

	filled := domain.OrderStatusFilled
	none, _ := s.ListOrders(ctx, OrderFilter{Status: &filled})
	if len(none) != 0 {
		t.Fatalf("expected no filled orders, got %d", len(none))
	}
}

func TestMemory_OpenExposure_PerSide(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.CreateOrder(ctx, testOrder("b", domain.OrderSideBuy, 30, t0))
	_ = s.CreateOrder(ctx, testOrder("s", domain.OrderSideSell, 12, t0))
	applyFill(t, s, testFill("f-1", "b", domain.OrderSideBuy, 10, 100, t0))

	exp, _ := s.OpenExposure(ctx, "AAPL")
	if exp.Long != 20 || exp.Short != -12 {
		t.Fatalf("expected long 20 and short -12, got %+v", exp)
	}
}

func TestMemory_InOrderTx_AppliesFillAndPosition(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 10, t0))

	applyFill(t, s, testFill("f-1", "c-1", domain.OrderSideBuy, 4, 100, t0))
	applyFill(t, s, testFill("f-2", "c-1", domain.OrderSideBuy, 6, 110, t0.Add(time.Second)))

	o, _ := s.GetOrder(ctx, "c-1")
	if o.Status != domain.OrderStatusFilled || o.FilledQuantity != 10 {
		t.Fatalf("expected filled 10, got %s %d", o.Status, o.FilledQuantity)
	}
	if !o.AveragePrice.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("expected avg 106, got %s", o.AveragePrice)
	}
	if o.Version != 3 {
		t.Fatalf("expected version 3, got %d", o.Version)
	}

	p, _ := s.GetPosition(ctx, "AAPL")
	if p.Quantity != 10 || !p.AvgCost.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("expected position 10 @ 106, got %d @ %s", p.Quantity, p.AvgCost)
	}
	if p.Version != 2 {
		t.Fatalf("expected position version 2, got %d", p.Version)
	}
}

func TestMemory_InOrderTx_DuplicateFill(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 10, t0))
	applyFill(t, s, testFill("f-1", "c-1", domain.OrderSideBuy, 4, 100, t0))

	err := s.InOrderTx(ctx, "c-1", func(tx OrderTx) error {
		inserted, err := tx.InsertFill(testFill("f-1", "c-1", domain.OrderSideBuy, 4, 100, t0))
		if err != nil {
			return err
		}
		if inserted {
			t.Fatal("expected duplicate fill to be reported as not inserted")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	fills, _ := s.ListFills(ctx, "c-1")
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
}

func TestMemory_InOrderTx_RollbackOnError(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 10, t0))
	boom := errors.New("boom")

	err := s.InOrderTx(ctx, "c-1", func(tx OrderTx) error {
		if _, err := tx.InsertFill(testFill("f-1", "c-1", domain.OrderSideBuy, 4, 100, t0)); err != nil {
			return err
		}
		o := tx.Order()
		o.ApplyFills(tx.Fills())
		_ = tx.SaveOrder(o)
		if _, err := tx.RecomputePosition("AAPL"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	fills, _ := s.ListFills(ctx, "c-1")
	if len(fills) != 0 {
		t.Fatalf("expected no fills after rollback, got %d", len(fills))
	}
	o, _ := s.GetOrder(ctx, "c-1")
	if o.FilledQuantity != 0 || o.Version != 1 {
		t.Fatalf("expected untouched order, got filled=%d version=%d", o.FilledQuantity, o.Version)
	}
	p, _ := s.GetPosition(ctx, "AAPL")
	if p.Quantity != 0 || p.Version != 0 {
		t.Fatalf("expected no position, got %d v%d", p.Quantity, p.Version)
	}
}

func TestMemory_InOrderTx_NotFound(t *testing.T) {
	s := NewMemory()
	err := s.InOrderTx(context.Background(), "missing", func(OrderTx) error { return nil })
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestMemory_SupersedeFill(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 10, t0))
	applyFill(t, s, testFill("f-1", "c-1", domain.OrderSideBuy, 4, 100, t0))

	err := s.InOrderTx(ctx, "c-1", func(tx OrderTx) error {
		if err := tx.SupersedeFill("f-1"); err != nil {
			return err
		}
		corrected := testFill("f-1b", "c-1", domain.OrderSideBuy, 3, 100, t0)
		corrected.CorrectsFillID = "f-1"
		if _, err := tx.InsertFill(corrected); err != nil {
			return err
		}
		o := tx.Order()
		o.ApplyFills(tx.Fills())
		_ = tx.SaveOrder(o)
		_, err := tx.RecomputePosition("AAPL")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetPosition(ctx, "AAPL")
	if p.Quantity != 3 {
		t.Fatalf("expected position 3 after correction, got %d", p.Quantity)
	}
	fills, _ := s.ListFills(ctx, "c-1")
	if len(fills) != 2 || !fills[0].Superseded {
		t.Fatalf("expected superseded original kept, got %+v", fills)
	}

	err = s.InOrderTx(ctx, "c-1", func(tx OrderTx) error { return tx.SupersedeFill("nope") })
	if err == nil {
		t.Fatal("expected error superseding an unknown fill")
	}
}

func TestMemory_CompareAndSetPosition(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	p := domain.Position{Symbol: "AAPL", Quantity: 5, AvgCost: decimal.NewFromInt(10)}
	if err := s.CompareAndSetPosition(ctx, p, 0); err != nil {
		t.Fatalf("expected insert at version 0, got %v", err)
	}
	if err := s.CompareAndSetPosition(ctx, p, 0); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, _ := s.GetPosition(ctx, "AAPL")
	if got.Version != 1 || got.Quantity != 5 {
		t.Fatalf("expected 5 v1, got %d v%d", got.Quantity, got.Version)
	}

	all, _ := s.ListPositions(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 position, got %d", len(all))
	}
}

func TestMemory_Records(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		pass := "p-1"
		if i >= 3 {
			pass = "p-2"
		}
		_ = s.AppendRecord(ctx, &domain.ReconciliationRecord{
			RecordID:      fmt.Sprintf("r-%d", i),
			PassID:        pass,
			ClientOrderID: "c-1",
			Resolution:    domain.ResolutionKept,
			CreatedAt:     t0,
		})
	}

	p2, _ := s.ListRecords(ctx, RecordFilter{PassID: "p-2"})
	if len(p2) != 2 {
		t.Fatalf("expected 2 records in p-2, got %d", len(p2))
	}
	last, _ := s.ListRecords(ctx, RecordFilter{Limit: 2})
	if len(last) != 2 || last[1].RecordID != "r-4" {
		t.Fatalf("expected the two most recent records, got %+v", last)
	}
}

func TestMemory_Orphans(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	o := &domain.Orphan{OrphanID: "o-1", Side: domain.OrphanBrokerOnly, BrokerOrderID: "B-9", DetectedAt: t0, LastSeenAt: t0}
	if _, err := s.UpsertOrphan(ctx, o); err != nil {
		t.Fatal(err)
	}
	again := &domain.Orphan{OrphanID: "o-2", Side: domain.OrphanBrokerOnly, BrokerOrderID: "B-9", DetectedAt: t0.Add(time.Minute), LastSeenAt: t0.Add(time.Minute)}
	got, _ := s.UpsertOrphan(ctx, again)
	if got.OrphanID != "o-1" || !got.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected o-1 refreshed, got %+v", got)
	}

	acked, err := s.AcknowledgeOrphan(ctx, "o-1", t0.Add(2*time.Minute))
	if err != nil || !acked.Acknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledged orphan, got %+v %v", acked, err)
	}
	open, _ := s.ListOrphans(ctx, false)
	if len(open) != 0 {
		t.Fatalf("expected no open orphans, got %d", len(open))
	}
	all, _ := s.ListOrphans(ctx, true)
	if len(all) != 1 {
		t.Fatalf("expected 1 orphan in total, got %d", len(all))
	}

	if _, err := s.AcknowledgeOrphan(ctx, "missing", t0); !errors.Is(err, domain.ErrOrphanNotFound) {
		t.Fatalf("expected ErrOrphanNotFound, got %v", err)
	}
}

func TestMemory_ConcurrentFills(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 1000, t0))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			applyFill(t, s, testFill(fmt.Sprintf("f-%d", i), "c-1", domain.OrderSideBuy, 1, 100, t0))
		}(i)
	}
	wg.Wait()

	o, _ := s.GetOrder(ctx, "c-1")
	if o.FilledQuantity != 100 {
		t.Fatalf("expected 100 filled, got %d", o.FilledQuantity)
	}
	p, _ := s.GetPosition(ctx, "AAPL")
	if p.Quantity != 100 {
		t.Fatalf("expected position 100, got %d", p.Quantity)
	}
}

func TestProperty_CompareAndSetNeverLowersPriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewMemory()
		ctx := context.Background()
		o := testOrder("c-1", domain.OrderSideBuy, 10, t0)
		_ = s.CreateOrder(ctx, o)

		writes := rapid.SliceOfN(rapid.IntRange(1, 4), 1, 20).Draw(t, "priorities")
		highest := domain.PriorityLocal
		for _, p := range writes {
			cur, _ := s.GetOrder(ctx, "c-1")
			w := cur.Clone()
			w.Priority = domain.SourcePriority(p)
			_, err := s.CompareAndSetOrder(ctx, w, cur.Version)
			if domain.SourcePriority(p) >= highest {
				if err != nil {
					t.Fatalf("write at priority %d refused: %v", p, err)
				}
				highest = domain.SourcePriority(p)
			} else if !errors.Is(err, domain.ErrPriorityConflict) {
				t.Fatalf("write at priority %d below %d accepted", p, highest)
			}
		}

		final, _ := s.GetOrder(ctx, "c-1")
		if final.Priority != highest {
			t.Fatalf("expected stored priority %d, got %d", highest, final.Priority)
		}
	})
}

// Concurrent writers re-read on version conflicts and give up once a
// higher priority is stored, the way reconciliation does. Whatever the
// interleaving, the highest priority written is the one left standing.
func TestProperty_ConcurrentCompareAndSetKeepsHighestPriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewMemory()
		ctx := context.Background()
		_ = s.CreateOrder(ctx, testOrder("c-1", domain.OrderSideBuy, 10, t0))

		writers := rapid.SliceOfN(rapid.IntRange(1, 4), 2, 12).Draw(t, "priorities")
		highest := domain.PriorityLocal
		for _, p := range writers {
			if domain.SourcePriority(p) > highest {
				highest = domain.SourcePriority(p)
			}
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		start := make(chan struct{})
		for _, p := range writers {
			wg.Add(1)
			go func(p domain.SourcePriority) {
				defer wg.Done()
				<-start
				for attempt := 0; attempt < 1000; attempt++ {
					cur, err := s.GetOrder(ctx, "c-1")
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					if cur.Priority > p {
						return
					}
					w := cur.Clone()
					w.Priority = p
					_, err = s.CompareAndSetOrder(ctx, w, cur.Version)
					switch {
					case err == nil, errors.Is(err, domain.ErrPriorityConflict):
						return
					case !errors.Is(err, domain.ErrVersionConflict):
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
				}
			}(domain.SourcePriority(p))
		}
		close(start)
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		final, _ := s.GetOrder(ctx, "c-1")
		if final.Priority != highest {
			t.Fatalf("expected stored priority %d, got %d", highest, final.Priority)
		}
	})
}

func TestProperty_PositionMatchesFillLedger(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewMemory()
		ctx := context.Background()

		n := rapid.IntRange(1, 8).Draw(t, "orders")
		for i := 0; i < n; i++ {
			side := domain.OrderSideBuy
			if rapid.Bool().Draw(t, "sell") {
				side = domain.OrderSideSell
			}
			id := fmt.Sprintf("c-%d", i)
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			_ = s.CreateOrder(ctx, testOrder(id, side, qty, t0))

			fillQty := rapid.Int64Range(1, qty).Draw(t, "fill")
			px := rapid.Int64Range(90, 110).Draw(t, "px")
			f := testFill(fmt.Sprintf("f-%d", i), id, side, fillQty, px, t0.Add(time.Duration(i)*time.Second))
			err := s.InOrderTx(ctx, id, func(tx OrderTx) error {
				if _, err := tx.InsertFill(f); err != nil {
					return err
				}
				_, err := tx.RecomputePosition("AAPL")
				return err
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		fills, _ := s.ListFillsBySymbol(ctx, "AAPL")
		want := domain.ComputePosition("AAPL", fills)
		got, _ := s.GetPosition(ctx, "AAPL")
		if !got.SameHoldings(want) {
			t.Fatalf("stored position %+v differs from ledger replay %+v", got, want)
		}
	})
}
