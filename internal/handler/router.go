package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/execgateway/internal/reconcile"
	"github.com/efreitasn/execgateway/internal/service"
)

// Config carries the HTTP-layer settings of the router.
type Config struct {
	APIKeys          map[string]string // key -> owner
	AdminKeys        []string
	RateLimitRPS     float64
	RateLimitBurst   int
	WebhookSecret    string // empty disables the webhook route
	WebhookTolerance time.Duration
}

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(
	orderSvc *service.OrderService,
	fillSvc *service.FillService,
	engine *reconcile.Engine,
	state StateReader,
	cfg Config,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	auth := newAuthenticator(cfg.APIKeys, cfg.AdminKeys)
	limiter := newKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Create handlers.
	orderH := NewOrderHandler(orderSvc)
	positionH := NewPositionHandler(state)
	adminH := NewAdminHandler(engine)

	// Probes.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(engine, state))
	r.Handle("/metrics", promhttp.Handler())

	// Order routes.
	r.Group(func(r chi.Router) {
		r.Use(auth.require(isTrader))
		r.Use(limiter.middleware)
		r.Post("/orders", orderH.SubmitOrder)
		r.Post("/orders/slice", orderH.SliceOrder)
		r.Get("/orders", orderH.ListOrders)
		r.Get("/orders/{client_order_id}", orderH.GetOrder)
		r.Delete("/orders/{client_order_id}", orderH.CancelOrder)
	})

	// Position routes.
	r.Group(func(r chi.Router) {
		r.Use(auth.require(anyKey))
		r.Get("/positions", positionH.ListPositions)
		r.Get("/positions/{symbol}", positionH.GetPosition)
	})

	// Admin routes.
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.require(isAdmin))
		r.Get("/reconciliation", adminH.Status)
		r.Post("/reconciliation/run", adminH.RunReconciliation)
		r.Get("/reconciliation/records", adminH.ListRecords)
		r.Get("/orphans", adminH.ListOrphans)
		r.Post("/orphans/{orphan_id}/acknowledge", adminH.AcknowledgeOrphan)
		r.Post("/orders/{client_order_id}/status", adminH.OverrideStatus)
	})

	// Broker callbacks authenticate by signature, not API key.
	if cfg.WebhookSecret != "" {
		webhookH := NewWebhookHandler(fillSvc, cfg.WebhookSecret, cfg.WebhookTolerance, logger)
		r.Post("/webhooks/broker", webhookH.Receive)
	}

	return r
}

// readiness reports 200 once reconciliation has completed a clean pass and
// the store answers.
func readiness(engine *reconcile.Engine, state StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !engine.Ready() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "reconciling"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := state.Ping(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store_unavailable"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests that carry a body. If the Content-Type header doesn't start
// with "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasBody := r.ContentLength != 0
		if hasBody && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
