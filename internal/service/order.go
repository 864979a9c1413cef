// Package service holds the Order Submission Orchestrator and the Fill
// Processor.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/gate"
	"github.com/efreitasn/execgateway/internal/metrics"
	"github.com/efreitasn/execgateway/internal/reservation"
	"github.com/efreitasn/execgateway/internal/store"
	"github.com/efreitasn/execgateway/internal/workpool"
)

// releaseTimeout bounds the reservation release that runs after the
// caller's context may already be gone.
const releaseTimeout = 2 * time.Second

// GateEvaluator runs the gate chain for a request.
type GateEvaluator interface {
	Evaluate(ctx context.Context, req gate.Request) error
}

// Limits holds the risk limits applied during submission.
type Limits struct {
	DefaultPosition  int64
	PositionBySymbol map[string]int64
	MaxOrderQuantity int64           // 0 disables the check
	MaxOrderNotional decimal.Decimal // zero disables the check
}

// PositionLimit returns the absolute position limit of symbol.
func (l Limits) PositionLimit(symbol string) int64 {
	if v, ok := l.PositionBySymbol[symbol]; ok {
		return v
	}
	return l.DefaultPosition
}

// SubmitOrderRequest represents the input for order submission.
type SubmitOrderRequest struct {
	ClientOrderID string
	Owner         string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      int64
	Price         *decimal.Decimal // required for limit, must be nil for market
}

// OrderService is the Order Submission Orchestrator.
type OrderService struct {
	store         store.Store
	reservations  reservation.Store
	gates         GateEvaluator
	broker        broker.Adapter
	pool          *workpool.Pool
	limits        Limits
	brokerTimeout time.Duration
	flights       singleflight.Group
	logger        *slog.Logger
	now           func() time.Time
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(
	st store.Store,
	reservations reservation.Store,
	gates GateEvaluator,
	adapter broker.Adapter,
	pool *workpool.Pool,
	limits Limits,
	brokerTimeout time.Duration,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		store:         st,
		reservations:  reservations,
		gates:         gates,
		broker:        adapter,
		pool:          pool,
		limits:        limits,
		brokerTimeout: brokerTimeout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the request, runs the gate chain and the three submission
// phases. It returns the order and whether this call created it; a duplicate
// client order id returns the existing order with created=false.
func (s *OrderService) Submit(ctx context.Context, req SubmitOrderRequest) (*domain.Order, bool, error) {
	return s.submitAs(ctx, req, gate.ClassSubmit)
}

type submitResult struct {
	order   *domain.Order
	created bool
}

func (s *OrderService) submitAs(ctx context.Context, req SubmitOrderRequest, class gate.EndpointClass) (*domain.Order, bool, error) {
	if err := validateStructure(req); err != nil {
		metrics.IncOrder("invalid")
		return nil, false, err
	}

	if err := s.gates.Evaluate(ctx, gate.Request{Class: class, Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity}); err != nil {
		metrics.IncOrder("blocked")
		return nil, false, err
	}

	// Concurrent submissions of one client order id share a single attempt.
	// The attempt outlives a caller that gives up; Phase 2 has its own
	// timeout.
	v, err, _ := s.flights.Do(req.ClientOrderID, func() (any, error) {
		o, created, err := s.submit(context.WithoutCancel(ctx), req)
		return submitResult{order: o, created: created}, err
	})
	if err != nil {
		metrics.IncOrder(outcome(err))
		return nil, false, err
	}
	res := v.(submitResult)
	if res.created {
		metrics.IncOrder("created")
	} else {
		metrics.IncOrder("duplicate")
	}
	return res.order.Clone(), res.created, nil
}

// submit runs Phases 1 to 3. The reservation taken in Phase 1 is released
// exactly once when submit returns, whatever the outcome.
func (s *OrderService) submit(ctx context.Context, req SubmitOrderRequest) (*domain.Order, bool, error) {
	logger := s.logger.With(slog.String("client_order_id", req.ClientOrderID), slog.String("symbol", req.Symbol))

	// Phase 1: reserve, idempotency, fat-finger.
	limit := s.limits.PositionLimit(req.Symbol)
	committed, err := s.committedExposure(ctx, req.Symbol, req.Side)
	if err != nil {
		return nil, false, err
	}
	delta := req.Side.Sign() * req.Quantity
	res, err := s.reservations.Reserve(ctx, req.Symbol, delta, committed, limit)
	if err != nil {
		if !errors.Is(err, domain.ErrPositionLimitExceeded) {
			return nil, false, &domain.GateBlockedError{
				Gate:      domain.GateReservationAvailable,
				Reason:    err.Error(),
				Retriable: true,
				Err:       domain.ErrGateUnavailable,
			}
		}
		return s.limitExceeded(ctx, req, err, logger)
	}
	defer s.release(ctx, res, logger)

	// committed was read before Reserve. A submission that persisted and
	// released in between is in neither term, so check again now that this
	// reservation is live.
	if err := s.recheckLimit(ctx, req, delta, limit); err != nil {
		if !errors.Is(err, domain.ErrPositionLimitExceeded) {
			return nil, false, err
		}
		return s.limitExceeded(ctx, req, err, logger)
	}

	existing, err := s.store.GetOrder(ctx, req.ClientOrderID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, domain.ErrOrderNotFound):
		return nil, false, fmt.Errorf("%w: idempotency lookup: %v", domain.ErrPersistenceFailure, err)
	}

	if err := s.checkFatFinger(req); err != nil {
		return nil, false, err
	}

	// Phase 2: broker call, no transaction open.
	bo, err := s.callBroker(ctx, req)
	if err != nil {
		logger.Warn("broker submit failed", slog.String("error", err.Error()))
		return nil, false, err
	}

	// Phase 3: persist.
	now := s.now()
	order := &domain.Order{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: bo.BrokerOrderID,
		Owner:         req.Owner,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         priceOrZero(req.Price),
		AveragePrice:  decimal.Zero,
		Status:        domain.OrderStatusSubmitted,
		SubmittedAt:   now,
		UpdatedAt:     now,
		Priority:      domain.PriorityLocal,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateOrder) {
			if winner, lookupErr := s.store.GetOrder(ctx, req.ClientOrderID); lookupErr == nil {
				return winner, false, nil
			}
		}
		logger.Error("order persistence failed after broker accepted",
			slog.String("broker_order_id", bo.BrokerOrderID),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}

	logger.Info("order submitted",
		slog.String("broker_order_id", order.BrokerOrderID),
		slog.String("side", string(order.Side)),
		slog.Int64("quantity", order.Quantity),
	)
	return order, true, nil
}

// committedExposure is the stored position plus the open remainder of the
// symbol's non-terminal orders on side. Open orders are read before the
// position so a fill landing in between is counted twice, never missed.
func (s *OrderService) committedExposure(ctx context.Context, symbol string, side domain.OrderSide) (int64, error) {
	open, err := s.store.OpenExposure(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: read open exposure: %v", domain.ErrPersistenceFailure, err)
	}
	pos, err := s.store.GetPosition(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: read position: %v", domain.ErrPersistenceFailure, err)
	}
	return open.Committed(pos.Quantity, side), nil
}

// recheckLimit verifies the limit with the caller's reservation already
// held. Pending is read before committed: a concurrent submission is then
// seen either as a live reservation or, once released, as a stored order.
func (s *OrderService) recheckLimit(ctx context.Context, req SubmitOrderRequest, delta, limit int64) error {
	pending, err := s.reservations.Pending(ctx, req.Symbol)
	if err != nil {
		return &domain.GateBlockedError{
			Gate:      domain.GateReservationAvailable,
			Reason:    err.Error(),
			Retriable: true,
			Err:       domain.ErrGateUnavailable,
		}
	}
	committed, err := s.committedExposure(ctx, req.Symbol, req.Side)
	if err != nil {
		return err
	}
	if pending.Holds(committed, req.Side, limit) {
		return nil
	}
	return &domain.PositionLimitError{
		Symbol:    req.Symbol,
		Committed: committed,
		Pending:   pending,
		Delta:     delta,
		Limit:     limit,
	}
}

// limitExceeded answers a refused reservation. A retry of an order that
// already exists must not be refused for capacity the order itself is using.
func (s *OrderService) limitExceeded(ctx context.Context, req SubmitOrderRequest, err error, logger *slog.Logger) (*domain.Order, bool, error) {
	if existing, lookupErr := s.store.GetOrder(ctx, req.ClientOrderID); lookupErr == nil {
		return existing, false, nil
	}
	logger.Info("position limit exceeded", slog.String("error", err.Error()))
	return nil, false, err
}

func (s *OrderService) release(ctx context.Context, r domain.Reservation, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.reservations.Release(rctx, r); err != nil {
		// The reservation's TTL reclaims it.
		logger.Warn("reservation release failed",
			slog.String("token", r.Token),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) callBroker(ctx context.Context, req SubmitOrderRequest) (broker.Order, error) {
	bctx, cancel := context.WithTimeout(ctx, s.brokerTimeout)
	defer cancel()

	start := time.Now()
	bo, err := s.broker.Submit(bctx, req.ClientOrderID, broker.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    priceOrZero(req.Price),
	})
	metrics.ObserveBrokerCall("submit", start, err)
	if err != nil {
		return broker.Order{}, classifyBrokerError(bctx, err)
	}
	if bo.Status == domain.OrderStatusRejected {
		return broker.Order{}, &domain.BrokerRejectedError{Reason: orDefault(bo.RejectReason, "rejected by broker")}
	}
	if bo.BrokerOrderID == "" {
		return broker.Order{}, fmt.Errorf("%w: broker returned no order id", domain.ErrBrokerUnavailable)
	}
	return bo, nil
}

// classifyBrokerError maps an adapter error onto the broker taxonomy.
func classifyBrokerError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrBrokerRejected),
		errors.Is(err, domain.ErrBrokerTimeout),
		errors.Is(err, domain.ErrBrokerUnavailable),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrOrderNotCancellable):
		return err
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrBrokerTimeout, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
}

// GetOrder returns an order with its fills. A non-empty owner restricts the
// lookup to that owner's orders.
func (s *OrderService) GetOrder(ctx context.Context, clientOrderID, owner string) (*domain.Order, []domain.Fill, error) {
	o, err := s.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, nil, err
	}
	if owner != "" && o.Owner != owner {
		return nil, nil, domain.ErrOrderNotFound
	}
	fills, err := s.store.ListFills(ctx, clientOrderID)
	if err != nil {
		return nil, nil, err
	}
	return o, fills, nil
}

// ListOrders returns a page of orders, newest first, and the total count.
func (s *OrderService) ListOrders(ctx context.Context, f store.OrderFilter, page, limit int) ([]*domain.Order, int, error) {
	if f.Status != nil && !domain.ValidOrderStatuses[*f.Status] {
		return nil, 0, &domain.ValidationError{Message: fmt.Sprintf("Invalid status filter: '%s'", *f.Status)}
	}
	if page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}

	f.Limit = 0
	all, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return []*domain.Order{}, total, nil
	}
	end := min(start+limit, total)
	return all[start:end], total, nil
}

// Cancel asks the broker to cancel the order and marks it pending_cancel.
// Cancellation runs no trading gates. The broker's cancelled event
// finalises the order.
func (s *OrderService) Cancel(ctx context.Context, clientOrderID, owner string) (*domain.Order, error) {
	if err := s.gates.Evaluate(ctx, gate.Request{Class: gate.ClassCancel}); err != nil {
		return nil, err
	}

	o, err := s.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if owner != "" && o.Owner != owner {
		return nil, domain.ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return nil, domain.ErrOrderNotCancellable
	}
	if o.Status == domain.OrderStatusPendingCancel {
		return o, nil
	}

	bctx, cancel := context.WithTimeout(ctx, s.brokerTimeout)
	start := time.Now()
	err = s.broker.Cancel(bctx, o.BrokerOrderID)
	metrics.ObserveBrokerCall("cancel", start, err)
	if err != nil {
		err = classifyBrokerError(bctx, err)
	}
	cancel()
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: broker does not know order %s", domain.ErrOrderNotCancellable, o.BrokerOrderID)
	}
	if err != nil {
		return nil, err
	}

	var updated *domain.Order
	err = s.store.InOrderTx(ctx, clientOrderID, func(tx store.OrderTx) error {
		cur := tx.Order()
		if domain.CanTransition(cur.Status, domain.OrderStatusPendingCancel) {
			cur.Status = domain.OrderStatusPendingCancel
			cur.UpdatedAt = s.now()
			if err := tx.SaveOrder(cur); err != nil {
				return err
			}
		}
		updated = cur.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: mark pending_cancel: %v", domain.ErrPersistenceFailure, err)
	}

	s.logger.Info("order cancel requested",
		slog.String("client_order_id", clientOrderID),
		slog.String("status", string(updated.Status)),
	)
	return updated, nil
}

func validateStructure(req SubmitOrderRequest) error {
	if !domain.ValidClientOrderID(req.ClientOrderID) {
		return &domain.ValidationError{Message: "client_order_id must match ^[A-Za-z0-9_-]{1,64}$"}
	}
	if req.Type != domain.OrderTypeLimit && req.Type != domain.OrderTypeMarket {
		return &domain.ValidationError{
			Message: fmt.Sprintf("Unknown order type: %s. Must be one of: limit, market", req.Type),
		}
	}
	if !domain.ValidSymbol(req.Symbol) {
		return &domain.ValidationError{Message: "symbol must match ^[A-Z][A-Z0-9.]{0,14}$"}
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	if req.Quantity <= 0 {
		return &domain.ValidationError{Message: "quantity must be a positive integer"}
	}

	if req.Type == domain.OrderTypeMarket {
		if req.Price != nil {
			return &domain.ValidationError{Message: "market orders must not include price"}
		}
		return nil
	}
	if req.Price == nil {
		return &domain.ValidationError{Message: "price is required for limit orders"}
	}
	if err := domain.CheckPrice(*req.Price); err != nil {
		return &domain.ValidationError{Message: err.Error()}
	}
	return nil
}

func (s *OrderService) checkFatFinger(req SubmitOrderRequest) error {
	if s.limits.MaxOrderQuantity > 0 && req.Quantity > s.limits.MaxOrderQuantity {
		return &domain.ValidationError{
			Message: fmt.Sprintf("quantity %d exceeds the maximum order quantity %d", req.Quantity, s.limits.MaxOrderQuantity),
		}
	}
	if req.Price != nil && s.limits.MaxOrderNotional.IsPositive() {
		notional := domain.Notional(*req.Price, req.Quantity)
		if notional.GreaterThan(s.limits.MaxOrderNotional) {
			return &domain.ValidationError{
				Message: fmt.Sprintf("notional %s exceeds the maximum order notional %s", notional, s.limits.MaxOrderNotional),
			}
		}
	}
	return nil
}

func outcome(err error) string {
	var blocked *domain.GateBlockedError
	switch {
	case errors.As(err, &blocked):
		return "blocked"
	case errors.Is(err, domain.ErrPositionLimitExceeded):
		return "limit"
	case errors.Is(err, domain.ErrBrokerRejected):
		return "rejected"
	case errors.Is(err, domain.ErrBrokerUnavailable), errors.Is(err, domain.ErrBrokerTimeout):
		return "broker_error"
	case errors.Is(err, domain.ErrPersistenceFailure):
		return "persistence_error"
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return "invalid"
	}
	return "error"
}

func priceOrZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
