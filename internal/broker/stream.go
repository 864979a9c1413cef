package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one websocket message of the broker stream. Body is the same
// event envelope the webhook receives and Signature its
// X-Broker-Signature value.
type Frame struct {
	Signature string          `json:"signature"`
	Body      json.RawMessage `json:"body"`
}

// EventHandler receives verified stream events.
type EventHandler func(ctx context.Context, ev Event) error

// StreamConfig configures a Stream.
type StreamConfig struct {
	URL        string
	APIKey     string
	Secret     []byte
	Tolerance  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Stream consumes the broker's websocket event stream and hands every
// verified event to a handler. It reconnects with capped exponential backoff
// until its context ends.
type Stream struct {
	cfg     StreamConfig
	handler EventHandler
	logger  *slog.Logger
	dialer  *websocket.Dialer
	now     func() time.Time
}

// NewStream creates a stream.
func NewStream(cfg StreamConfig, handler EventHandler, logger *slog.Logger) *Stream {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Stream{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	backoff := s.cfg.MinBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.cfg.MinBackoff
		}
		s.logger.Warn("broker stream disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff),
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("X-Api-Key", s.cfg.APIKey)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("broker stream connected", slog.String("url", s.cfg.URL))

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Stream) dispatch(ctx context.Context, msg []byte) {
	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.logger.Warn("broker stream: malformed frame", slog.String("error", err.Error()))
		return
	}
	if err := Verify(s.cfg.Secret, frame.Signature, frame.Body, s.now(), s.cfg.Tolerance); err != nil {
		s.logger.Warn("broker stream: rejected frame", slog.String("error", err.Error()))
		return
	}
	var ev Event
	if err := json.Unmarshal(frame.Body, &ev); err != nil {
		s.logger.Warn("broker stream: malformed event", slog.String("error", err.Error()))
		return
	}
	if err := s.handler(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("broker stream: event not applied",
			slog.String("event_id", ev.EventID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
