package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/domain"
)

func fillEvent(id, clientOrderID string, qty int64, px string) broker.Event {
	return broker.Event{
		EventID: "ev-" + id,
		Type:    broker.EventFill,
		Fill: &broker.Fill{
			FillID:        id,
			ClientOrderID: clientOrderID,
			Symbol:        "AAPL",
			Side:          domain.OrderSideBuy,
			Price:         decimal.RequireFromString(px),
			Quantity:      qty,
			ExecutedAt:    time.Now().UTC(),
		},
	}
}

func newFillTestEnv(t *testing.T) (*testServiceEnv, *domain.Order) {
	t.Helper()
	env := newTestServiceEnv(t, Limits{})
	env.paper.SetEventSink(nil)
	o := env.mustSubmit(t, limitOrder("c1", domain.OrderSideBuy, 100))
	return env, o
}

func TestHandleEvent_FillUpdatesOrderAndPosition(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ctx := context.Background()

	if err := env.fills.HandleEvent(ctx, fillEvent("F1", "c1", 40, "100"), "webhook"); err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	if err := env.fills.HandleEvent(ctx, fillEvent("F2", "c1", 60, "110"), "webhook"); err != nil {
		t.Fatalf("fill 2: %v", err)
	}

	o, _ := env.store.GetOrder(ctx, "c1")
	if o.Status != domain.OrderStatusFilled || o.FilledQuantity != 100 {
		t.Fatalf("expected filled 100, got %+v", o)
	}
	if !o.AveragePrice.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("expected avg 106, got %s", o.AveragePrice)
	}
	if o.Priority != domain.PriorityWebhook {
		t.Fatalf("expected webhook priority, got %s", o.Priority)
	}
	pos, _ := env.store.GetPosition(ctx, "AAPL")
	if pos.Quantity != 100 || !pos.AvgCost.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("expected position 100 @ 106, got %+v", pos)
	}
}

func TestHandleEvent_ResolvesByBrokerOrderID(t *testing.T) {
	env, o := newFillTestEnv(t)
	ev := fillEvent("F1", "", 10, "100")
	ev.Fill.BrokerOrderID = o.BrokerOrderID

	if err := env.fills.HandleEvent(context.Background(), ev, "webhook"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got, _ := env.store.GetOrder(context.Background(), "c1")
	if got.FilledQuantity != 10 {
		t.Fatalf("expected filled 10, got %d", got.FilledQuantity)
	}
}

func TestHandleEvent_DuplicateFillIgnored(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := env.fills.HandleEvent(ctx, fillEvent("F1", "c1", 40, "100"), "webhook"); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	fills, _ := env.store.ListFills(ctx, "c1")
	if len(fills) != 1 {
		t.Fatalf("expected one fill, got %d", len(fills))
	}
	pos, _ := env.store.GetPosition(ctx, "AAPL")
	if pos.Quantity != 40 {
		t.Fatalf("expected position 40, got %d", pos.Quantity)
	}
}

func TestHandleEvent_UnknownOrder(t *testing.T) {
	env, _ := newFillTestEnv(t)
	err := env.fills.HandleEvent(context.Background(), fillEvent("F1", "nope", 1, "100"), "webhook")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandleEvent_Malformed(t *testing.T) {
	env, _ := newFillTestEnv(t)
	tests := []struct {
		name string
		ev   broker.Event
	}{
		{"unknown type", broker.Event{Type: "heartbeat"}},
		{"fill without body", broker.Event{Type: broker.EventFill}},
		{"status without body", broker.Event{Type: broker.EventOrderStatus}},
		{"zero quantity", fillEvent("F1", "c1", 0, "100")},
		{"zero price", fillEvent("F1", "c1", 1, "0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *domain.ValidationError
			if err := env.fills.HandleEvent(context.Background(), tt.ev, "webhook"); !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestApplyFill_Overfill(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ctx := context.Background()

	if err := env.fills.HandleEvent(ctx, fillEvent("F1", "c1", 80, "100"), "webhook"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	err := env.fills.HandleEvent(ctx, fillEvent("F2", "c1", 30, "100"), "webhook")
	if !errors.Is(err, domain.ErrOverfill) {
		t.Fatalf("expected overfill, got %v", err)
	}
	fills, _ := env.store.ListFills(ctx, "c1")
	if len(fills) != 1 {
		t.Fatalf("expected the overfill to be rolled back, got %d fills", len(fills))
	}
}

func TestApplyFill_CorrectionSupersedes(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ctx := context.Background()

	_ = env.fills.HandleEvent(ctx, fillEvent("F1", "c1", 50, "100"), "webhook")
	correction := fillEvent("F1b", "c1", 45, "101")
	correction.Fill.CorrectsFillID = "F1"
	if err := env.fills.HandleEvent(ctx, correction, "webhook"); err != nil {
		t.Fatalf("correction: %v", err)
	}

	fills, _ := env.store.ListFills(ctx, "c1")
	if len(fills) != 2 {
		t.Fatalf("expected both fills kept, got %d", len(fills))
	}
	for _, f := range fills {
		if f.FillID == "F1" && !f.Superseded {
			t.Fatal("expected F1 superseded")
		}
		if f.FillID == "F1b" && f.Superseded {
			t.Fatal("expected F1b effective")
		}
	}
	o, _ := env.store.GetOrder(ctx, "c1")
	if o.FilledQuantity != 45 || !o.AveragePrice.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected 45 @ 101, got %d @ %s", o.FilledQuantity, o.AveragePrice)
	}
	pos, _ := env.store.GetPosition(ctx, "AAPL")
	if pos.Quantity != 45 {
		t.Fatalf("expected position 45, got %d", pos.Quantity)
	}
}

func TestApplyFill_RealFillSupersedesSynthetic(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ctx := context.Background()

	synthetic := domain.Fill{FillID: "syn-1", Price: decimal.NewFromInt(100), Quantity: 30, Synthetic: true}
	if _, err := env.fills.ApplyFill(ctx, "c1", synthetic, domain.PriorityBrokerQuery, "synthetic"); err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	o, _ := env.store.GetOrder(ctx, "c1")
	if o.FilledQuantity != 30 || o.Priority != domain.PriorityBrokerQuery {
		t.Fatalf("expected 30 filled at broker_query priority, got %+v", o)
	}

	if err := env.fills.HandleEvent(ctx, fillEvent("F1", "c1", 30, "100"), "webhook"); err != nil {
		t.Fatalf("real fill: %v", err)
	}
	o, _ = env.store.GetOrder(ctx, "c1")
	if o.FilledQuantity != 30 {
		t.Fatalf("expected the real fill to replace the synthetic one, got filled %d", o.FilledQuantity)
	}
	if o.Priority != domain.PriorityBrokerQuery {
		t.Fatalf("expected priority to stay at broker_query, got %s", o.Priority)
	}
	fills, _ := env.store.ListFills(ctx, "c1")
	for _, f := range fills {
		if f.Synthetic && !f.Superseded {
			t.Fatal("expected the synthetic fill to be superseded")
		}
	}
}

func TestApplyFill_SymbolMismatch(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ev := fillEvent("F1", "c1", 10, "100")
	ev.Fill.Symbol = "MSFT"
	var verr *domain.ValidationError
	if err := env.fills.HandleEvent(context.Background(), ev, "webhook"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyStatus_ForwardOnly(t *testing.T) {
	env, o := newFillTestEnv(t)
	ctx := context.Background()

	status := func(s domain.OrderStatus) broker.Event {
		return broker.Event{Type: broker.EventOrderStatus, Order: &broker.Order{BrokerOrderID: o.BrokerOrderID, ClientOrderID: "c1", Status: s}}
	}

	steps := []struct {
		status domain.OrderStatus
		want   domain.OrderStatus
	}{
		{domain.OrderStatusAccepted, domain.OrderStatusAccepted},
		{domain.OrderStatusSubmitted, domain.OrderStatusAccepted},
		{domain.OrderStatusFilled, domain.OrderStatusAccepted}, // fills drive filled
		{domain.OrderStatusCancelled, domain.OrderStatusCancelled},
		{domain.OrderStatusAccepted, domain.OrderStatusCancelled},
	}
	for i, step := range steps {
		if err := env.fills.HandleEvent(ctx, status(step.status), "webhook"); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got, _ := env.store.GetOrder(ctx, "c1")
		if got.Status != step.want {
			t.Fatalf("step %d: after %s expected %s, got %s", i, step.status, step.want, got.Status)
		}
	}

	// Terminal orders still take late fills.
	if err := env.fills.HandleEvent(ctx, fillEvent("F1", "c1", 10, "100"), "webhook"); err != nil {
		t.Fatalf("late fill: %v", err)
	}
	got, _ := env.store.GetOrder(ctx, "c1")
	if got.Status != domain.OrderStatusCancelled || got.FilledQuantity != 10 {
		t.Fatalf("expected cancelled with 10 filled, got %+v", got)
	}
}

func TestHandleEventWithRetry_WaitsForPersistence(t *testing.T) {
	env := newTestServiceEnv(t, Limits{})
	ctx := context.Background()

	// A market order's fill is pushed before the submission persists it.
	var (
		wg      sync.WaitGroup
		results []error
		mu      sync.Mutex
	)
	env.paper.SetEventSink(func(ev broker.Event) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.fills.HandleEventWithRetry(ctx, ev, "stream", 8, 5*time.Millisecond)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}()
	})

	if _, _, err := env.svc.Submit(ctx, SubmitOrderRequest{
		ClientOrderID: "m1", Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 5,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	wg.Wait()

	if len(results) != 1 || results[0] != nil {
		t.Fatalf("expected the fill to apply after retry, got %v", results)
	}
	o, _ := env.store.GetOrder(ctx, "m1")
	if o.Status != domain.OrderStatusFilled {
		t.Fatalf("expected filled, got %s", o.Status)
	}
}

func TestHandleEventWithRetry_GivesUp(t *testing.T) {
	env, _ := newFillTestEnv(t)
	err := env.fills.HandleEventWithRetry(context.Background(), fillEvent("F1", "ghost", 1, "100"), "stream", 3, time.Millisecond)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found after retries, got %v", err)
	}
}

func TestApplyFill_ConcurrentDeliveries(t *testing.T) {
	env, _ := newFillTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each fill is delivered twice.
			id := []string{"F0", "F1", "F2", "F3", "F4", "F5", "F6", "F7", "F8", "F9"}[i%10]
			_ = env.fills.HandleEvent(ctx, fillEvent(id, "c1", 10, "100"), "webhook")
		}(i)
	}
	wg.Wait()

	o, _ := env.store.GetOrder(ctx, "c1")
	if o.FilledQuantity != 100 || o.Status != domain.OrderStatusFilled {
		t.Fatalf("expected 100 filled, got %+v", o)
	}
	pos, _ := env.store.GetPosition(ctx, "AAPL")
	if pos.Quantity != 100 {
		t.Fatalf("expected position 100, got %d", pos.Quantity)
	}
}
