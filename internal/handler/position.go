package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/domain"
)

// StateReader is the read side of the store used by positions and
// readiness probes.
type StateReader interface {
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	ListPositions(ctx context.Context) ([]domain.Position, error)
	Ping(ctx context.Context) error
}

// PositionHandler serves committed positions.
type PositionHandler struct {
	state StateReader
}

// NewPositionHandler creates a new PositionHandler.
func NewPositionHandler(state StateReader) *PositionHandler {
	return &PositionHandler{state: state}
}

// positionResponse is the JSON rendering of a position.
type positionResponse struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   *string         `json:"updated_at"`
}

// ListPositions handles GET /positions.
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.state.ListPositions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]positionResponse, len(positions))
	for i, p := range positions {
		resp[i] = buildPositionResponse(p)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"positions": resp})
}

// GetPosition handles GET /positions/{symbol}. Symbols never traded return
// a flat position.
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if !domain.ValidSymbol(symbol) {
		WriteError(w, http.StatusBadRequest, "validation_error", "symbol must be an upper-case ticker such as AAPL or BRK.B")
		return
	}

	p, err := h.state.GetPosition(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildPositionResponse(p))
}

func buildPositionResponse(p domain.Position) positionResponse {
	resp := positionResponse{
		Symbol:      p.Symbol,
		Quantity:    p.Quantity,
		AvgCost:     p.AvgCost,
		RealizedPnL: p.RealizedPnL,
	}
	if !p.UpdatedAt.IsZero() {
		at := formatTime(p.UpdatedAt)
		resp.UpdatedAt = &at
	}
	return resp
}
