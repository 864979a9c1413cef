package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/efreitasn/execgateway/internal/domain"
)

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// HTTPAdapter talks to a REST broker. Every request is signed with
// X-Api-Key, X-Timestamp and X-Signature headers.
//
// Routes:
//
//	POST   /orders              submit (Idempotency-Key: client order id)
//	DELETE /orders/{broker_id}  cancel
//	GET    /orders/{broker_id}  query
//	GET    /orders?status=open  open orders
//	GET    /fills?since=RFC3339 fills
//	GET    /positions           positions
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

var _ Adapter = (*HTTPAdapter)(nil)

// NewHTTPAdapter creates an adapter. A zero timeout defaults to 5s.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

func (a *HTTPAdapter) Name() string { return "http" }

type submitBody struct {
	ClientOrderID string `json:"client_order_id"`
	OrderRequest
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Submit implements Adapter.
func (a *HTTPAdapter) Submit(ctx context.Context, clientOrderID string, req OrderRequest) (Order, error) {
	var o Order
	header := http.Header{"Idempotency-Key": []string{clientOrderID}}
	err := a.do(ctx, http.MethodPost, "/orders", header, submitBody{ClientOrderID: clientOrderID, OrderRequest: req}, &o)
	return o, err
}

// Cancel implements Adapter.
func (a *HTTPAdapter) Cancel(ctx context.Context, brokerOrderID string) error {
	err := a.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), nil, nil, nil)
	var rejected *domain.BrokerRejectedError
	if errors.As(err, &rejected) {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotCancellable, rejected.Reason)
	}
	return err
}

// Query implements Adapter.
func (a *HTTPAdapter) Query(ctx context.Context, brokerOrderID string) (Order, error) {
	var o Order
	err := a.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(brokerOrderID), nil, nil, &o)
	return o, err
}

// OpenOrders implements Adapter.
func (a *HTTPAdapter) OpenOrders(ctx context.Context) ([]Order, error) {
	var orders []Order
	err := a.do(ctx, http.MethodGet, "/orders?status=open", nil, nil, &orders)
	return orders, err
}

// Fills implements Adapter.
func (a *HTTPAdapter) Fills(ctx context.Context, since time.Time) ([]Fill, error) {
	var fills []Fill
	path := "/fills?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	err := a.do(ctx, http.MethodGet, path, nil, nil, &fills)
	return fills, err
}

// Positions implements Adapter.
func (a *HTTPAdapter) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := a.do(ctx, http.MethodGet, "/positions", nil, nil, &positions)
	return positions, err
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	ts := a.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", a.cfg.APIKey)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", signRequest(a.cfg.APISecret, ts, method, path, body))

	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return transportError(ctx, err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	var urlErr *url.Error
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrBrokerTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
}

func statusError(status int, payload []byte) error {
	var body errorBody
	_ = json.Unmarshal(payload, &body)
	reason := body.Message
	if reason == "" {
		reason = body.Error
	}
	if reason == "" {
		reason = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return domain.ErrOrderNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusConflict:
		return &domain.BrokerRejectedError{Reason: reason}
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrBrokerTimeout, reason)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrBrokerUnavailable, status, reason)
	}
}
