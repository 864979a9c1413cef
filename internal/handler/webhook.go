package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/service"
)

// maxWebhookBody bounds the size of a broker callback.
const maxWebhookBody = 1 << 20

// WebhookHandler receives signed broker callbacks.
type WebhookHandler struct {
	fillSvc   *service.FillService
	secret    []byte
	tolerance time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(fillSvc *service.FillService, secret string, tolerance time.Duration, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		fillSvc:   fillSvc,
		secret:    []byte(secret),
		tolerance: tolerance,
		logger:    logger,
		now:       time.Now,
	}
}

// Receive handles POST /webhooks/broker. The signature covers the raw body,
// so the body is read before it is decoded.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Webhook body is too large")
		return
	}

	if err := broker.Verify(h.secret, r.Header.Get(broker.SignatureHeader), body, h.now(), h.tolerance); err != nil {
		h.logger.Warn("webhook signature rejected", slog.String("error", err.Error()))
		WriteError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature is missing or invalid")
		return
	}

	var ev broker.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Webhook body must be a valid broker event")
		return
	}

	// An unknown order answers 404 so the broker redelivers once the
	// submission that created it has been recorded.
	if err := h.fillSvc.HandleEvent(r.Context(), ev, "webhook"); err != nil {
		h.logger.Warn("webhook event not applied",
			slog.String("event_id", ev.EventID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
