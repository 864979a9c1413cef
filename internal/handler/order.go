package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/service"
	"github.com/efreitasn/execgateway/internal/store"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// submitOrderRequest is the JSON request body for POST /orders.
type submitOrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Quantity      int64            `json:"quantity"`
	Price         *decimal.Decimal `json:"price"`
}

func (req submitOrderRequest) toService(owner string) service.SubmitOrderRequest {
	return service.SubmitOrderRequest{
		ClientOrderID: req.ClientOrderID,
		Owner:         owner,
		Symbol:        req.Symbol,
		Side:          domain.OrderSide(req.Side),
		Type:          domain.OrderType(req.Type),
		Quantity:      req.Quantity,
		Price:         req.Price,
	}
}

// sliceOrderRequest is the JSON request body for POST /orders/slice.
type sliceOrderRequest struct {
	submitOrderRequest
	MaxChildQuantity int64 `json:"max_child_quantity"`
}

// orderResponse is the JSON rendering of an order. Price is null for market
// orders and average_price is null until the first fill.
type orderResponse struct {
	ClientOrderID     string           `json:"client_order_id"`
	BrokerOrderID     string           `json:"broker_order_id"`
	Owner             string           `json:"owner"`
	Symbol            string           `json:"symbol"`
	Side              string           `json:"side"`
	Type              string           `json:"type"`
	Quantity          int64            `json:"quantity"`
	Price             *decimal.Decimal `json:"price"`
	FilledQuantity    int64            `json:"filled_quantity"`
	RemainingQuantity int64            `json:"remaining_quantity"`
	AveragePrice      *decimal.Decimal `json:"average_price"`
	Status            string           `json:"status"`
	SubmittedAt       string           `json:"submitted_at"`
	UpdatedAt         string           `json:"updated_at"`
	Fills             []fillResponse   `json:"fills,omitempty"`
}

// fillResponse is a single fill of an order.
type fillResponse struct {
	FillID         string          `json:"fill_id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	ExecutedAt     string          `json:"executed_at"`
	Synthetic      bool            `json:"synthetic"`
	Superseded     bool            `json:"superseded"`
	CorrectsFillID string          `json:"corrects_fill_id,omitempty"`
}

// orderListResponse is the JSON response for GET /orders.
type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// childResponse is one child of a sliced order.
type childResponse struct {
	ClientOrderID string         `json:"client_order_id"`
	Quantity      int64          `json:"quantity"`
	Created       bool           `json:"created"`
	Order         *orderResponse `json:"order,omitempty"`
	Error         *apiError      `json:"error,omitempty"`
}

// sliceResponse is the JSON response for POST /orders/slice.
type sliceResponse struct {
	ParentClientOrderID string          `json:"parent_client_order_id"`
	Children            []childResponse `json:"children"`
	Error               *apiError       `json:"error,omitempty"`
}

// SubmitOrder handles POST /orders. A new order answers 201, a resubmitted
// client order id answers 200 with the original order.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	owner := principalFrom(r.Context()).owner
	order, created, err := h.orderSvc.Submit(r.Context(), req.toService(owner))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, buildOrderResponse(order, nil))
}

// SliceOrder handles POST /orders/slice.
func (h *OrderHandler) SliceOrder(w http.ResponseWriter, r *http.Request) {
	var req sliceOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	owner := principalFrom(r.Context()).owner
	result, err := h.orderSvc.Slice(r.Context(), service.SliceOrderRequest{
		SubmitOrderRequest: req.toService(owner),
		MaxChildQuantity:   req.MaxChildQuantity,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := sliceResponse{ParentClientOrderID: result.ParentID, Children: make([]childResponse, 0, len(result.Children))}
	anyCreated := false
	for _, c := range result.Children {
		child := childResponse{ClientOrderID: c.ClientOrderID, Quantity: c.Quantity, Created: c.Created}
		if c.Order != nil {
			o := buildOrderResponse(c.Order, nil)
			child.Order = &o
		}
		if c.Err != nil {
			e := classifyError(c.Err)
			child.Error = &e
		}
		anyCreated = anyCreated || c.Created
		resp.Children = append(resp.Children, child)
	}

	status := http.StatusOK
	switch {
	case result.Err != nil:
		e := classifyError(result.Err)
		resp.Error = &e
		status = e.Status
	case anyCreated:
		status = http.StatusCreated
	}
	WriteJSON(w, status, resp)
}

// GetOrder handles GET /orders/{client_order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "client_order_id")

	order, fills, err := h.orderSvc.GetOrder(r.Context(), id, principalFrom(r.Context()).owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order, fills))
}

// ListOrders handles GET /orders.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OrderFilter{
		Owner:  principalFrom(r.Context()).owner,
		Symbol: q.Get("symbol"),
	}
	if s := q.Get("status"); s != "" {
		status := domain.OrderStatus(s)
		f.Status = &status
	}

	page := 1
	if p := q.Get("page"); p != "" {
		var err error
		page, err = strconv.Atoi(p)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "page must be a valid integer")
			return
		}
	}

	limit := 20
	if l := q.Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
			return
		}
	}

	orders, total, err := h.orderSvc.ListOrders(r.Context(), f, page, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := orderListResponse{Orders: make([]orderResponse, len(orders)), Total: total, Page: page, Limit: limit}
	for i, o := range orders {
		resp.Orders[i] = buildOrderResponse(o, nil)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// CancelOrder handles DELETE /orders/{client_order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "client_order_id")

	order, err := h.orderSvc.Cancel(r.Context(), id, principalFrom(r.Context()).owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order, nil))
}

func buildOrderResponse(o *domain.Order, fills []domain.Fill) orderResponse {
	resp := orderResponse{
		ClientOrderID:     o.ClientOrderID,
		BrokerOrderID:     o.BrokerOrderID,
		Owner:             o.Owner,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Type:              string(o.Type),
		Quantity:          o.Quantity,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity(),
		Status:            string(o.Status),
		SubmittedAt:       formatTime(o.SubmittedAt),
		UpdatedAt:         formatTime(o.UpdatedAt),
	}
	if o.Type == domain.OrderTypeLimit {
		p := o.Price
		resp.Price = &p
	}
	if o.FilledQuantity > 0 {
		avg := o.AveragePrice
		resp.AveragePrice = &avg
	}
	for _, f := range fills {
		resp.Fills = append(resp.Fills, fillResponse{
			FillID:         f.FillID,
			Price:          f.Price,
			Quantity:       f.Quantity,
			ExecutedAt:     formatTime(f.ExecutedAt),
			Synthetic:      f.Synthetic,
			Superseded:     f.Superseded,
			CorrectsFillID: f.CorrectsFillID,
		})
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
