package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrOrderNotCancellable   = errors.New("order_not_cancellable")
	ErrDuplicateOrder        = errors.New("duplicate_order")
	ErrPositionLimitExceeded = errors.New("position_limit_exceeded")
	ErrBrokerUnavailable     = errors.New("broker_unavailable")
	ErrBrokerTimeout         = errors.New("broker_timeout")
	ErrBrokerRejected        = errors.New("broker_rejected")
	ErrPersistenceFailure    = errors.New("persistence_failure")
	ErrGateUnavailable       = errors.New("gate_unavailable")
	ErrVersionConflict       = errors.New("version_conflict")
	ErrPriorityConflict      = errors.New("priority_conflict")
	ErrReconciliationRunning = errors.New("reconciliation_in_progress")
	ErrOrphanNotFound        = errors.New("orphan_not_found")
	ErrOverfill              = errors.New("overfill")
	ErrInvalidSignature      = errors.New("invalid_signature")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Gate names, in evaluation order.
const (
	GateKillSwitchAvailable     = "kill_switch_available"
	GateCircuitBreakerAvailable = "circuit_breaker_available"
	GateReservationAvailable    = "reservation_store_available"
	GateKillSwitch              = "kill_switch"
	GateCircuitBreaker          = "circuit_breaker"
	GateQuarantine              = "quarantine"
	GateReconciliation          = "reconciliation_ready"
)

// GateBlockedError is returned when a gate of the chain blocks a request.
// Unavailable backing stores unwrap to ErrGateUnavailable.
type GateBlockedError struct {
	Gate      string
	Reason    string
	Retriable bool
	Err       error
}

func (e *GateBlockedError) Error() string {
	return fmt.Sprintf("blocked by %s: %s", e.Gate, e.Reason)
}

func (e *GateBlockedError) Unwrap() error {
	return e.Err
}

// PositionLimitError carries the numbers behind a rejected reservation.
type PositionLimitError struct {
	Symbol    string
	Committed int64
	Pending   PendingExposure
	Delta     int64
	Limit     int64
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit %d exceeded for %s: committed=%d pending_long=%d pending_short=%d delta=%d",
		e.Limit, e.Symbol, e.Committed, e.Pending.Long, e.Pending.Short, e.Delta)
}

func (e *PositionLimitError) Unwrap() error {
	return ErrPositionLimitExceeded
}

// BrokerRejectedError is a definitive refusal by the broker.
type BrokerRejectedError struct {
	Reason string
}

func (e *BrokerRejectedError) Error() string {
	return "broker rejected order: " + e.Reason
}

func (e *BrokerRejectedError) Unwrap() error {
	return ErrBrokerRejected
}

// IsRetriable reports whether a caller may retry the same request (with the
// same client order id) once the underlying condition clears.
func IsRetriable(err error) bool {
	var gateErr *GateBlockedError
	if errors.As(err, &gateErr) {
		return gateErr.Retriable
	}
	switch {
	case errors.Is(err, ErrBrokerUnavailable),
		errors.Is(err, ErrBrokerTimeout),
		errors.Is(err, ErrPersistenceFailure),
		errors.Is(err, ErrGateUnavailable):
		return true
	}
	return false
}
