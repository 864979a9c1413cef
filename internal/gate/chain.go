// Package gate evaluates the fail-closed checks that run before any trading
// side effect.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/metrics"
)

// EndpointClass selects which sequence of gates a request runs through.
type EndpointClass string

const (
	ClassSubmit  EndpointClass = "submit"
	ClassSlice   EndpointClass = "slice"
	ClassCancel  EndpointClass = "cancel"
	ClassAdmin   EndpointClass = "admin"
	ClassWebhook EndpointClass = "webhook"
)

// NotReadyPolicy decides what happens to submissions before the first
// reconciliation pass completes.
type NotReadyPolicy string

const (
	PolicyBlock      NotReadyPolicy = "block"
	PolicyReduceOnly NotReadyPolicy = "reduce_only"
)

// Request describes the order a trading endpoint is about to act on.
type Request struct {
	Class    EndpointClass
	Symbol   string
	Side     domain.OrderSide
	Quantity int64
}

// ReservationReader reports whether the reservation store is reachable and
// what it currently holds.
type ReservationReader interface {
	Ping(ctx context.Context) error
	Pending(ctx context.Context, symbol string) (domain.PendingExposure, error)
}

// Readiness reports whether reconciliation has completed a pass.
type Readiness interface {
	Ready() bool
}

// ExposureReader supplies the committed position and open orders for
// reduce-only checks.
type ExposureReader interface {
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	OpenExposure(ctx context.Context, symbol string) (domain.OpenExposure, error)
}

// Chain is the Gate Chain Evaluator.
type Chain struct {
	flags        Flags
	reservations ReservationReader
	readiness    Readiness
	positions    ExposureReader
	policy       NotReadyPolicy
	logger       *slog.Logger
}

// NewChain creates a chain.
func NewChain(flags Flags, reservations ReservationReader, readiness Readiness, positions ExposureReader, policy NotReadyPolicy, logger *slog.Logger) *Chain {
	if policy == "" {
		policy = PolicyBlock
	}
	return &Chain{
		flags:        flags,
		reservations: reservations,
		readiness:    readiness,
		positions:    positions,
		policy:       policy,
		logger:       logger,
	}
}

// Evaluate runs the gates of req.Class in their fixed order and returns the
// first block as a *domain.GateBlockedError, or nil if every gate passes.
// Cancel, admin and webhook requests have no gates.
func (c *Chain) Evaluate(ctx context.Context, req Request) error {
	switch req.Class {
	case ClassSubmit, ClassSlice:
	default:
		return nil
	}

	err := c.evaluateTrading(ctx, req)
	var blocked *domain.GateBlockedError
	if errors.As(err, &blocked) {
		metrics.IncGateBlock(blocked.Gate)
		c.logger.Warn("gate blocked",
			slog.String("gate", blocked.Gate),
			slog.String("reason", blocked.Reason),
			slog.String("class", string(req.Class)),
			slog.String("symbol", req.Symbol),
			slog.Bool("retriable", blocked.Retriable),
		)
	}
	return err
}

func unavailable(gate string, err error) error {
	return &domain.GateBlockedError{
		Gate:      gate,
		Reason:    err.Error(),
		Retriable: true,
		Err:       domain.ErrGateUnavailable,
	}
}

func (c *Chain) evaluateTrading(ctx context.Context, req Request) error {
	// Availability first: an unreadable store blocks exactly like an engaged halt.
	kill, err := c.flags.KillSwitch(ctx)
	if err != nil {
		return unavailable(domain.GateKillSwitchAvailable, err)
	}
	breaker, err := c.flags.CircuitBreaker(ctx)
	if err != nil {
		return unavailable(domain.GateCircuitBreakerAvailable, err)
	}
	if err := c.reservations.Ping(ctx); err != nil {
		return unavailable(domain.GateReservationAvailable, err)
	}

	if kill.On {
		return &domain.GateBlockedError{Gate: domain.GateKillSwitch, Reason: orDefault(kill.Reason, "kill switch engaged")}
	}
	if breaker.On {
		return &domain.GateBlockedError{Gate: domain.GateCircuitBreaker, Reason: orDefault(breaker.Reason, "circuit breaker tripped"), Retriable: true}
	}

	quarantine, err := c.flags.Quarantine(ctx, req.Symbol)
	if err != nil {
		return unavailable(domain.GateQuarantine, err)
	}
	if quarantine.On {
		return &domain.GateBlockedError{Gate: domain.GateQuarantine, Reason: orDefault(quarantine.Reason, req.Symbol+" quarantined")}
	}

	if c.readiness.Ready() {
		return nil
	}
	return c.notReady(ctx, req)
}

func (c *Chain) notReady(ctx context.Context, req Request) error {
	blocked := &domain.GateBlockedError{
		Gate:      domain.GateReconciliation,
		Reason:    "reconciliation has not completed a pass",
		Retriable: true,
	}
	if c.policy != PolicyReduceOnly {
		return blocked
	}

	held, err := c.heldOnSide(ctx, req)
	if err != nil {
		return unavailable(domain.GateReconciliation, err)
	}
	if domain.ReducesPosition(held, req.Side, req.Quantity) {
		return nil
	}
	blocked.Reason = "reduce-only until reconciliation completes a pass"
	return blocked
}

// heldOnSide is the position left once every open order and live
// reservation on req's side has executed. An order reduces only if it still
// reduces that.
func (c *Chain) heldOnSide(ctx context.Context, req Request) (int64, error) {
	open, err := c.positions.OpenExposure(ctx, req.Symbol)
	if err != nil {
		return 0, fmt.Errorf("read open exposure: %w", err)
	}
	pos, err := c.positions.GetPosition(ctx, req.Symbol)
	if err != nil {
		return 0, fmt.Errorf("read position: %w", err)
	}
	pending, err := c.reservations.Pending(ctx, req.Symbol)
	if err != nil {
		return 0, fmt.Errorf("read reservations: %w", err)
	}
	held := open.Committed(pos.Quantity, req.Side)
	if req.Side == domain.OrderSideSell {
		return held + pending.Short, nil
	}
	return held + pending.Long, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
