package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/execgateway/internal/domain"
)

// Memory is a single-process Store.
type Memory struct {
	mu       sync.Mutex
	bySymbol map[string]map[string]domain.Reservation // symbol -> token -> reservation
	ttl      time.Duration
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store. Reservations expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		bySymbol: make(map[string]map[string]domain.Reservation),
		ttl:      ttl,
		now:      time.Now,
	}
}

// pendingLocked prunes expired reservations and sums the rest. Caller holds mu.
func (s *Memory) pendingLocked(symbol string, now time.Time) domain.PendingExposure {
	var p domain.PendingExposure
	for token, r := range s.bySymbol[symbol] {
		if !r.ExpiresAt.After(now) {
			delete(s.bySymbol[symbol], token)
			continue
		}
		if r.Delta > 0 {
			p.Long += r.Delta
		} else {
			p.Short += r.Delta
		}
	}
	return p
}

// Reserve implements Store.
func (s *Memory) Reserve(_ context.Context, symbol string, delta, committed, limit int64) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pending := s.pendingLocked(symbol, now)
	if !pending.WithinLimit(committed, delta, limit) {
		return domain.Reservation{}, limitError(symbol, pending, delta, committed, limit)
	}

	r := domain.Reservation{
		Token:     uuid.NewString(),
		Symbol:    symbol,
		Delta:     delta,
		ExpiresAt: now.Add(s.ttl),
	}
	if s.bySymbol[symbol] == nil {
		s.bySymbol[symbol] = make(map[string]domain.Reservation)
	}
	s.bySymbol[symbol][r.Token] = r
	return r, nil
}

// Release implements Store.
func (s *Memory) Release(_ context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bySymbol[r.Symbol], r.Token)
	return nil
}

// Pending implements Store.
func (s *Memory) Pending(_ context.Context, symbol string) (domain.PendingExposure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pendingLocked(symbol, s.now()), nil
}

// Ping implements Store.
func (s *Memory) Ping(context.Context) error {
	return nil
}
