package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/metrics"
	"github.com/efreitasn/execgateway/internal/store"
)

// errFillKnown rolls back a transaction whose fill id belongs to another order.
var errFillKnown = errors.New("fill id already recorded")

// FillService is the Fill/Webhook Processor. It applies broker-pushed fills
// and status changes under the order's row lock. It never consults the gate
// chain: broker state must be applied even while trading is halted.
type FillService struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewFillService creates a new FillService.
func NewFillService(st store.Store, logger *slog.Logger) *FillService {
	return &FillService{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent applies one broker event. source labels the delivery path
// ("webhook", "stream") in logs and metrics. Events for orders the gateway
// does not know return domain.ErrOrderNotFound.
func (s *FillService) HandleEvent(ctx context.Context, ev broker.Event, source string) error {
	switch ev.Type {
	case broker.EventFill:
		if ev.Fill == nil {
			return &domain.ValidationError{Message: "fill event without fill"}
		}
		id, err := s.resolve(ctx, ev.Fill.ClientOrderID, ev.Fill.BrokerOrderID)
		if err != nil {
			return err
		}
		_, err = s.ApplyFill(ctx, id, ev.Fill.ToDomain(), domain.PriorityWebhook, source)
		return err

	case broker.EventOrderStatus:
		if ev.Order == nil {
			return &domain.ValidationError{Message: "order_status event without order"}
		}
		id, err := s.resolve(ctx, ev.Order.ClientOrderID, ev.Order.BrokerOrderID)
		if err != nil {
			return err
		}
		_, err = s.ApplyStatus(ctx, id, ev.Order.BrokerOrderID, ev.Order.Status, domain.PriorityWebhook)
		return err
	}
	return &domain.ValidationError{Message: fmt.Sprintf("unknown event type %q", ev.Type)}
}

// HandleEventWithRetry is HandleEvent for asynchronous deliveries that may
// overtake the submission that created the order: an unknown order is
// retried up to attempts times, doubling wait in between.
func (s *FillService) HandleEventWithRetry(ctx context.Context, ev broker.Event, source string, attempts int, wait time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = s.HandleEvent(ctx, ev, source)
		if !errors.Is(err, domain.ErrOrderNotFound) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	if err != nil {
		s.logger.Warn("broker event not applied",
			slog.String("event_id", ev.EventID),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (s *FillService) resolve(ctx context.Context, clientOrderID, brokerOrderID string) (string, error) {
	if clientOrderID != "" {
		if _, err := s.store.GetOrder(ctx, clientOrderID); err == nil {
			return clientOrderID, nil
		} else if !errors.Is(err, domain.ErrOrderNotFound) {
			return "", err
		}
	}
	if brokerOrderID == "" {
		return "", domain.ErrOrderNotFound
	}
	o, err := s.store.GetOrderByBrokerID(ctx, brokerOrderID)
	if err != nil {
		return "", err
	}
	return o.ClientOrderID, nil
}

// ApplyFill writes f to the order's ledger, recomputes the order's filled
// quantity and status, and recomputes the symbol's position, all in one
// transaction. It returns false when the fill id is already known.
//
// A fill carrying CorrectsFillID supersedes the fill it corrects. A real
// fill supersedes the order's outstanding synthetic fills. A fill that would
// take the order's real executions over its quantity fails with
// domain.ErrOverfill.
func (s *FillService) ApplyFill(ctx context.Context, clientOrderID string, f domain.Fill, priority domain.SourcePriority, source string) (bool, error) {
	if f.FillID == "" || f.Quantity <= 0 {
		return false, &domain.ValidationError{Message: "fill requires fill_id and a positive quantity"}
	}
	if !f.Price.IsPositive() {
		return false, &domain.ValidationError{Message: "fill requires a positive price"}
	}

	var (
		applied bool
		order   domain.Order
	)
	err := s.store.InOrderTx(ctx, clientOrderID, func(tx store.OrderTx) error {
		o := tx.Order()
		fills := tx.Fills()
		for _, existing := range fills {
			if existing.FillID == f.FillID {
				return nil
			}
		}
		if f.Symbol == "" {
			f.Symbol = o.Symbol
		}
		if f.Symbol != o.Symbol || (f.Side != "" && f.Side != o.Side) {
			return &domain.ValidationError{Message: fmt.Sprintf("fill %s does not match order %s", f.FillID, o.ClientOrderID)}
		}
		f.Side = o.Side
		f.ClientOrderID = o.ClientOrderID
		if f.ExecutedAt.IsZero() {
			f.ExecutedAt = s.now()
		}
		f.CreatedAt = s.now()

		for i := range fills {
			switch {
			case f.CorrectsFillID != "" && fills[i].FillID == f.CorrectsFillID && !fills[i].Superseded:
			case !f.Synthetic && fills[i].Synthetic && !fills[i].Superseded:
			default:
				continue
			}
			if err := tx.SupersedeFill(fills[i].FillID); err != nil {
				return err
			}
			fills[i].Superseded = true
		}

		fills = append(fills, f)
		if real := domain.RealQuantity(fills); real > o.Quantity {
			return fmt.Errorf("%w: order %s would have %d real of %d", domain.ErrOverfill, o.ClientOrderID, real, o.Quantity)
		}

		inserted, err := tx.InsertFill(f)
		if err != nil {
			return err
		}
		if !inserted {
			return errFillKnown
		}

		o.ApplyFills(fills)
		o.Priority = max(o.Priority, priority)
		o.UpdatedAt = s.now()
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		if _, err := tx.RecomputePosition(o.Symbol); err != nil {
			return err
		}
		applied = true
		order = *o
		return nil
	})
	if errors.Is(err, errFillKnown) {
		s.logger.Warn("fill already recorded on another order",
			slog.String("client_order_id", clientOrderID),
			slog.String("fill_id", f.FillID),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if applied {
		metrics.IncFillApplied(source)
		s.logger.Info("fill applied",
			slog.String("client_order_id", clientOrderID),
			slog.String("fill_id", f.FillID),
			slog.String("source", source),
			slog.Int64("quantity", f.Quantity),
			slog.Bool("synthetic", f.Synthetic),
			slog.String("status", string(order.Status)),
			slog.Int64("filled_quantity", order.FilledQuantity),
		)
	}
	return applied, nil
}

// ApplyStatus moves the order to status if that is a forward transition.
// Fill-driven statuses (partially_filled, filled) are left to the fills.
// It returns true when the order changed.
func (s *FillService) ApplyStatus(ctx context.Context, clientOrderID, brokerOrderID string, status domain.OrderStatus, priority domain.SourcePriority) (bool, error) {
	if !domain.ValidOrderStatuses[status] {
		return false, &domain.ValidationError{Message: fmt.Sprintf("unknown order status %q", status)}
	}

	var (
		changed bool
		from    domain.OrderStatus
	)
	err := s.store.InOrderTx(ctx, clientOrderID, func(tx store.OrderTx) error {
		o := tx.Order()
		from = o.Status
		if o.BrokerOrderID == "" && brokerOrderID != "" {
			o.BrokerOrderID = brokerOrderID
			changed = true
		}
		switch status {
		case domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled:
		default:
			if domain.CanTransition(o.Status, status) {
				o.Status = status
				changed = true
			}
		}
		if !changed {
			return nil
		}
		o.Priority = max(o.Priority, priority)
		o.UpdatedAt = s.now()
		return tx.SaveOrder(o)
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("order status applied",
			slog.String("client_order_id", clientOrderID),
			slog.String("from", string(from)),
			slog.String("to", string(status)),
		)
	}
	return changed, nil
}
