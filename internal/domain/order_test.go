package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusSubmitted, OrderStatusAccepted, true},
		{OrderStatusSubmitted, OrderStatusFilled, true},
		{OrderStatusAccepted, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusPendingCancel, true},
		{OrderStatusPendingCancel, OrderStatusCancelled, true},
		{OrderStatusPartiallyFilled, OrderStatusAccepted, false},
		{OrderStatusPendingCancel, OrderStatusPartiallyFilled, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusRejected, OrderStatusAccepted, false},
		{OrderStatusSubmitted, OrderStatusSubmitted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	for status := range ValidOrderStatuses {
		want := status == OrderStatusFilled || status == OrderStatusCancelled ||
			status == OrderStatusRejected || status == OrderStatusExpired
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
		if status.IsTerminal() && len(transitions[status]) != 0 {
			t.Errorf("terminal status %s has outgoing transitions", status)
		}
	}
}

func TestOrder_ApplyFills_Partial(t *testing.T) {
	o := &Order{Quantity: 100, Side: OrderSideBuy, Status: OrderStatusSubmitted}
	fills := []Fill{
		{FillID: "f1", Quantity: 30, Price: decimal.RequireFromString("10"), ExecutedAt: time.Now()},
		{FillID: "f2", Quantity: 10, Price: decimal.RequireFromString("14"), ExecutedAt: time.Now()},
	}
	if !o.ApplyFills(fills) {
		t.Fatal("ApplyFills() = false, want true")
	}
	if o.FilledQuantity != 40 {
		t.Errorf("FilledQuantity = %d, want 40", o.FilledQuantity)
	}
	if !o.AveragePrice.Equal(decimal.RequireFromString("11")) {
		t.Errorf("AveragePrice = %s, want 11", o.AveragePrice)
	}
	if o.Status != OrderStatusPartiallyFilled {
		t.Errorf("Status = %s, want partially_filled", o.Status)
	}
	if o.RemainingQuantity() != 60 {
		t.Errorf("RemainingQuantity() = %d, want 60", o.RemainingQuantity())
	}
	if o.OpenExposure() != 60 {
		t.Errorf("OpenExposure() = %d, want 60", o.OpenExposure())
	}
}

func TestOrder_ApplyFills_IgnoresSuperseded(t *testing.T) {
	o := &Order{Quantity: 50, Side: OrderSideSell, Status: OrderStatusAccepted}
	fills := []Fill{
		{FillID: "f1", Quantity: 50, Price: decimal.RequireFromString("10"), Superseded: true},
		{FillID: "f2", Quantity: 50, Price: decimal.RequireFromString("10.5")},
	}
	o.ApplyFills(fills)
	if o.FilledQuantity != 50 {
		t.Errorf("FilledQuantity = %d, want 50", o.FilledQuantity)
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("Status = %s, want filled", o.Status)
	}
	if o.OpenExposure() != 0 {
		t.Errorf("OpenExposure() = %d, want 0 for terminal order", o.OpenExposure())
	}
}

func TestOrder_ApplyFills_PendingCancelKeepsStatus(t *testing.T) {
	o := &Order{Quantity: 50, Side: OrderSideBuy, Status: OrderStatusPendingCancel}
	o.ApplyFills([]Fill{{FillID: "f1", Quantity: 10, Price: decimal.NewFromInt(5)}})
	if o.Status != OrderStatusPendingCancel {
		t.Errorf("Status = %s, want pending_cancel", o.Status)
	}
	if o.FilledQuantity != 10 {
		t.Errorf("FilledQuantity = %d, want 10", o.FilledQuantity)
	}
}

func TestOrder_ApplyFills_NoChange(t *testing.T) {
	o := &Order{Quantity: 50, Status: OrderStatusAccepted, AveragePrice: decimal.Zero}
	if o.ApplyFills(nil) {
		t.Error("ApplyFills(nil) = true, want false")
	}
}

func TestReducesPosition(t *testing.T) {
	tests := []struct {
		name     string
		position int64
		side     OrderSide
		qty      int64
		want     bool
	}{
		{"flat", 0, OrderSideSell, 10, false},
		{"sell reduces long", 100, OrderSideSell, 40, true},
		{"sell closes long", 100, OrderSideSell, 100, true},
		{"sell flips long", 100, OrderSideSell, 101, false},
		{"buy extends long", 100, OrderSideBuy, 1, false},
		{"buy reduces short", -20, OrderSideBuy, 20, true},
		{"sell extends short", -20, OrderSideSell, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReducesPosition(tt.position, tt.side, tt.qty); got != tt.want {
				t.Errorf("ReducesPosition(%d, %s, %d) = %v, want %v", tt.position, tt.side, tt.qty, got, tt.want)
			}
		})
	}
}
