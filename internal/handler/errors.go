package handler

import (
	"errors"
	"net/http"

	"github.com/efreitasn/execgateway/internal/domain"
)

// apiError is the body of every error response. Retriable is set when the
// same request may succeed once the condition clears; Gate and Reason name
// the gate that blocked a submission.
type apiError struct {
	Status    int    `json:"-"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
	Gate      string `json:"gate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// classifyError maps domain errors to HTTP responses. Unknown errors become
// a 500 that does not leak internals.
func classifyError(err error) apiError {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return apiError{Status: http.StatusBadRequest, Error: "validation_error", Message: validationErr.Message}
	}

	var gateErr *domain.GateBlockedError
	if errors.As(err, &gateErr) {
		return apiError{
			Status:    http.StatusServiceUnavailable,
			Error:     "gate_blocked",
			Message:   gateErr.Error(),
			Retriable: gateErr.Retriable,
			Gate:      gateErr.Gate,
			Reason:    gateErr.Reason,
		}
	}

	retriable := domain.IsRetriable(err)
	switch {
	case errors.Is(err, domain.ErrPositionLimitExceeded):
		return apiError{Status: http.StatusConflict, Error: "position_limit_exceeded", Message: err.Error()}
	case errors.Is(err, domain.ErrOrderNotFound):
		return apiError{Status: http.StatusNotFound, Error: "order_not_found", Message: "Order not found"}
	case errors.Is(err, domain.ErrOrderNotCancellable):
		return apiError{Status: http.StatusConflict, Error: "order_not_cancellable", Message: err.Error()}
	case errors.Is(err, domain.ErrOrphanNotFound):
		return apiError{Status: http.StatusNotFound, Error: "orphan_not_found", Message: "Orphan not found"}
	case errors.Is(err, domain.ErrReconciliationRunning):
		return apiError{Status: http.StatusConflict, Error: "reconciliation_in_progress", Message: "A reconciliation pass is already running", Retriable: true}
	case errors.Is(err, domain.ErrOverfill):
		return apiError{Status: http.StatusConflict, Error: "overfill", Message: err.Error()}
	case errors.Is(err, domain.ErrBrokerRejected):
		return apiError{Status: http.StatusUnprocessableEntity, Error: "broker_rejected", Message: err.Error()}
	case errors.Is(err, domain.ErrBrokerTimeout):
		return apiError{Status: http.StatusGatewayTimeout, Error: "broker_timeout", Message: "The broker did not answer in time", Retriable: retriable}
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return apiError{Status: http.StatusBadGateway, Error: "broker_unavailable", Message: "The broker is unavailable", Retriable: retriable}
	case errors.Is(err, domain.ErrGateUnavailable):
		return apiError{Status: http.StatusServiceUnavailable, Error: "gate_unavailable", Message: err.Error(), Retriable: retriable}
	case errors.Is(err, domain.ErrPersistenceFailure):
		return apiError{Status: http.StatusInternalServerError, Error: "persistence_failure", Message: "The order could not be recorded", Retriable: retriable}
	}
	return apiError{Status: http.StatusInternalServerError, Error: "internal_error", Message: "An unexpected error occurred"}
}

// writeDomainError writes err as classified by classifyError.
func writeDomainError(w http.ResponseWriter, err error) {
	e := classifyError(err)
	WriteJSON(w, e.Status, e)
}
