package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/reconcile"
	"github.com/efreitasn/execgateway/internal/store"
)

// AdminHandler exposes the reconciliation engine to operators.
type AdminHandler struct {
	engine *reconcile.Engine
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(engine *reconcile.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

// recordResponse is one entry of the reconciliation log.
type recordResponse struct {
	RecordID       string `json:"record_id"`
	PassID         string `json:"pass_id,omitempty"`
	Stage          string `json:"stage"`
	ClientOrderID  string `json:"client_order_id,omitempty"`
	Symbol         string `json:"symbol,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status,omitempty"`
	Source         string `json:"source"`
	Resolution     string `json:"resolution"`
	Detail         string `json:"detail,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// orphanResponse is one orphaned order.
type orphanResponse struct {
	OrphanID       string  `json:"orphan_id"`
	Side           string  `json:"side"`
	ClientOrderID  string  `json:"client_order_id,omitempty"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
	Symbol         string  `json:"symbol"`
	Detail         string  `json:"detail,omitempty"`
	DetectedAt     string  `json:"detected_at"`
	LastSeenAt     string  `json:"last_seen_at"`
	Acknowledged   bool    `json:"acknowledged"`
	AcknowledgedAt *string `json:"acknowledged_at"`
}

// overrideStatusRequest is the JSON request body for
// POST /admin/orders/{client_order_id}/status.
type overrideStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// RunReconciliation handles POST /admin/reconciliation/run. The pass is
// detached from the request so a client disconnect does not abort it.
func (h *AdminHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.RunNow(context.WithoutCancel(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// Status handles GET /admin/reconciliation.
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.Status())
}

// ListRecords handles GET /admin/reconciliation/records.
func (h *AdminHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RecordFilter{
		PassID:        q.Get("pass_id"),
		ClientOrderID: q.Get("client_order_id"),
		Limit:         100,
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 || limit > 1000 {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be an integer between 1 and 1000")
			return
		}
		f.Limit = limit
	}

	records, err := h.engine.Records(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]recordResponse, len(records))
	for i, rec := range records {
		resp[i] = recordResponse{
			RecordID:       rec.RecordID,
			PassID:         rec.PassID,
			Stage:          string(rec.Stage),
			ClientOrderID:  rec.ClientOrderID,
			Symbol:         rec.Symbol,
			PreviousStatus: string(rec.PreviousStatus),
			NewStatus:      string(rec.NewStatus),
			Source:         string(rec.Source),
			Resolution:     string(rec.Resolution),
			Detail:         rec.Detail,
			CreatedAt:      formatTime(rec.CreatedAt),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"records": resp})
}

// ListOrphans handles GET /admin/orphans.
func (h *AdminHandler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	includeAck := false
	if v := r.URL.Query().Get("include_acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "include_acknowledged must be a boolean")
			return
		}
		includeAck = b
	}

	orphans, err := h.engine.Orphans(r.Context(), includeAck)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]orphanResponse, len(orphans))
	for i, o := range orphans {
		resp[i] = buildOrphanResponse(o)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"orphans": resp})
}

// AcknowledgeOrphan handles POST /admin/orphans/{orphan_id}/acknowledge.
func (h *AdminHandler) AcknowledgeOrphan(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.AcknowledgeOrphan(r.Context(), chi.URLParam(r, "orphan_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrphanResponse(o))
}

// OverrideStatus handles POST /admin/orders/{client_order_id}/status.
func (h *AdminHandler) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	var req overrideStatusRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Reason == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "reason is required")
		return
	}

	order, err := h.engine.OverrideStatus(r.Context(), chi.URLParam(r, "client_order_id"), domain.OrderStatus(req.Status), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order, nil))
}

func buildOrphanResponse(o *domain.Orphan) orphanResponse {
	resp := orphanResponse{
		OrphanID:      o.OrphanID,
		Side:          string(o.Side),
		ClientOrderID: o.ClientOrderID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol,
		Detail:        o.Detail,
		DetectedAt:    formatTime(o.DetectedAt),
		LastSeenAt:    formatTime(o.LastSeenAt),
		Acknowledged:  o.Acknowledged,
	}
	if o.AcknowledgedAt != nil {
		at := formatTime(*o.AcknowledgedAt)
		resp.AcknowledgedAt = &at
	}
	return resp
}
