// Package reservation holds position capacity for in-flight submissions.
//
// A reservation is taken before the broker call and released once the
// submission settles. Every reservation carries a TTL so that a process
// crash between reserve and release heals on its own.
package reservation

import (
	"context"

	"github.com/efreitasn/execgateway/internal/domain"
)

// Store reserves signed quantity against a per-symbol limit. The check and
// the increment happen in one atomic step.
type Store interface {
	// Reserve holds delta for symbol if committed plus the live reservations
	// in the same direction plus delta stays within [-limit, limit]. The
	// caller passes committed for delta's direction only. It returns a
	// *domain.PositionLimitError otherwise.
	Reserve(ctx context.Context, symbol string, delta, committed, limit int64) (domain.Reservation, error)
	// Release drops the reservation. Releasing an expired or already
	// released reservation is a no-op.
	Release(ctx context.Context, r domain.Reservation) error
	// Pending returns the live reservations of symbol.
	Pending(ctx context.Context, symbol string) (domain.PendingExposure, error)
	Ping(ctx context.Context) error
}

func limitError(symbol string, pending domain.PendingExposure, delta, committed, limit int64) error {
	return &domain.PositionLimitError{
		Symbol:    symbol,
		Committed: committed,
		Pending:   pending,
		Delta:     delta,
		Limit:     limit,
	}
}
