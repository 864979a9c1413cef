package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pgregory.net/rapid"

	"github.com/efreitasn/execgateway/internal/domain"
)

// fakeClock is a settable time source shared by both implementations.
// onSet mirrors every change into a server clock when one is attached.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	onSet func(time.Time)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	if c.onSet != nil {
		c.onSet(now)
	}
}

type testEnv struct {
	store Store
	clock *fakeClock
}

func newMemoryEnv(ttl time.Duration) testEnv {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)}
	s := NewMemory(ttl)
	s.now = clock.Now
	return testEnv{store: s, clock: clock}
}

// newRedisEnv drives the Redis server clock: the scripts read TIME, not the
// client's clock.
func newRedisEnv(mr *miniredis.Miniredis, ttl time.Duration) testEnv {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), onSet: mr.SetTime}
	mr.SetTime(clock.now)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", ttl)
	return testEnv{store: s, clock: clock}
}

// eachStore runs fn against the in-memory and the Redis implementation.
func eachStore(t *testing.T, ttl time.Duration, fn func(t *testing.T, env testEnv)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newMemoryEnv(ttl))
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, newRedisEnv(miniredis.RunT(t), ttl))
	})
}

func TestReserve_WithinAndOverLimit(t *testing.T) {
	tests := []struct {
		name      string
		committed int64
		held      []int64
		delta     int64
		limit     int64
		wantOK    bool
	}{
		{"empty book buy", 0, nil, 100, 1000, true},
		{"buy up to limit", 900, nil, 100, 1000, true},
		{"buy breaches with committed", 950, nil, 100, 1000, false},
		{"buy breaches with pending long", 500, []int64{400}, 200, 1000, false},
		{"pending short does not absorb a buy", 900, []int64{-300}, 200, 1000, false},
		{"sell within short limit", 0, nil, -1000, 1000, true},
		{"sell breaches with pending short", -200, []int64{-700}, -200, 1000, false},
		{"sell reducing long position", 1000, []int64{100}, -500, 1000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eachStore(t, time.Minute, func(t *testing.T, env testEnv) {
				ctx := context.Background()
				for _, h := range tt.held {
					if _, err := env.store.Reserve(ctx, "AAPL", h, 0, 1<<40); err != nil {
						t.Fatalf("seed reservation: %v", err)
					}
				}

				r, err := env.store.Reserve(ctx, "AAPL", tt.delta, tt.committed, tt.limit)
				if tt.wantOK {
					if err != nil {
						t.Fatalf("expected reservation, got %v", err)
					}
					if r.Token == "" || r.Delta != tt.delta {
						t.Fatalf("unexpected reservation %+v", r)
					}
					return
				}
				if !errors.Is(err, domain.ErrPositionLimitExceeded) {
					t.Fatalf("expected ErrPositionLimitExceeded, got %v", err)
				}
				var limitErr *domain.PositionLimitError
				if !errors.As(err, &limitErr) || limitErr.Limit != tt.limit || limitErr.Committed != tt.committed {
					t.Fatalf("expected PositionLimitError carrying the inputs, got %#v", err)
				}
			})
		})
	}
}

func TestRelease_FreesCapacity(t *testing.T) {
	eachStore(t, time.Minute, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		r, err := env.store.Reserve(ctx, "AAPL", 600, 0, 1000)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.store.Reserve(ctx, "AAPL", 600, 0, 1000); err == nil {
			t.Fatal("expected second reservation to breach the limit")
		}

		if err := env.store.Release(ctx, r); err != nil {
			t.Fatalf("release: %v", err)
		}
		// Releasing twice is harmless.
		if err := env.store.Release(ctx, r); err != nil {
			t.Fatalf("second release: %v", err)
		}

		if _, err := env.store.Reserve(ctx, "AAPL", 600, 0, 1000); err != nil {
			t.Fatalf("expected capacity after release, got %v", err)
		}
	})
}

func TestReserve_ExpiredReservationsSelfHeal(t *testing.T) {
	eachStore(t, 5*time.Second, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		if _, err := env.store.Reserve(ctx, "AAPL", 1000, 0, 1000); err != nil {
			t.Fatal(err)
		}
		p, _ := env.store.Pending(ctx, "AAPL")
		if p.Long != 1000 {
			t.Fatalf("expected pending long 1000, got %d", p.Long)
		}

		env.clock.Advance(5 * time.Second)

		p, _ = env.store.Pending(ctx, "AAPL")
		if p.Long != 0 {
			t.Fatalf("expected expired reservation to be pruned, got %d", p.Long)
		}
		if _, err := env.store.Reserve(ctx, "AAPL", 1000, 0, 1000); err != nil {
			t.Fatalf("expected capacity after expiry, got %v", err)
		}
	})
}

func TestReserve_SymbolsAreIndependent(t *testing.T) {
	eachStore(t, time.Minute, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		if _, err := env.store.Reserve(ctx, "AAPL", 1000, 0, 1000); err != nil {
			t.Fatal(err)
		}
		if _, err := env.store.Reserve(ctx, "MSFT", 1000, 0, 1000); err != nil {
			t.Fatalf("expected MSFT unaffected by AAPL, got %v", err)
		}
	})
}

func TestReserve_ConcurrentNeverOversubscribes(t *testing.T) {
	eachStore(t, time.Minute, func(t *testing.T, env testEnv) {
		ctx := context.Background()
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := env.store.Reserve(ctx, "AAPL", 100, 0, 1000); err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if granted != 10 {
			t.Fatalf("expected exactly 10 reservations of 100 under 1000, got %d", granted)
		}
	})
}

func TestRedis_UnavailableStoreErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newRedisEnv(mr, time.Minute)
	ctx := context.Background()

	mr.SetError("LOADING")
	if err := env.store.Ping(ctx); err == nil {
		t.Fatal("expected ping to fail")
	}
	if _, err := env.store.Reserve(ctx, "AAPL", 1, 0, 10); err == nil || errors.Is(err, domain.ErrPositionLimitExceeded) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	mr.SetError("")
	if err := env.store.Ping(ctx); err != nil {
		t.Fatalf("expected ping to recover, got %v", err)
	}
}

func TestRedis_ExpiryFollowsServerClock(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newRedisEnv(mr, 5*time.Second)
	ctx := context.Background()

	r, err := env.store.Reserve(ctx, "AAPL", 10, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if want := env.clock.Now().Add(5 * time.Second); !r.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want %s from the server clock", r.ExpiresAt, want)
	}

	// A second process whose own clock runs ahead still sees the
	// reservation, since pruning uses the server's time.
	other := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", 5*time.Second)
	p, err := other.Pending(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if p.Long != 10 {
		t.Fatalf("expected the live reservation to survive, got pending %+v", p)
	}
}

func TestRedis_KeysExpireWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newRedisEnv(mr, 2*time.Second)
	ctx := context.Background()

	if _, err := env.store.Reserve(ctx, "AAPL", 5, 0, 10); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:reservations:{AAPL}:deltas") {
		t.Fatal("expected deltas key to exist")
	}
	mr.FastForward(3 * time.Second)
	if mr.Exists("test:reservations:{AAPL}:deltas") {
		t.Fatal("expected deltas key to expire with the reservation TTL")
	}
}

// TestProperty_ReservationConservation checks that, for any sequence of
// reserve and release calls, committed plus the live reservations of each
// direction stays within the limit.
func TestProperty_ReservationConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()

		var env testEnv
		if rapid.Bool().Draw(t, "redis") {
			env = newRedisEnv(mr, time.Minute)
		} else {
			env = newMemoryEnv(time.Minute)
		}
		ctx := context.Background()

		limit := rapid.Int64Range(1, 1000).Draw(t, "limit")
		committed := rapid.Int64Range(-limit, limit).Draw(t, "committed")
		var held []domain.Reservation

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(held) > 0 && rapid.IntRange(0, 2).Draw(t, "op") == 0 {
				idx := rapid.IntRange(0, len(held)-1).Draw(t, "release")
				if err := env.store.Release(ctx, held[idx]); err != nil {
					t.Fatalf("release: %v", err)
				}
				held = append(held[:idx], held[idx+1:]...)
			} else {
				delta := rapid.Int64Range(-limit, limit).Filter(func(v int64) bool { return v != 0 }).Draw(t, "delta")
				r, err := env.store.Reserve(ctx, "AAPL", delta, committed, limit)
				if err == nil {
					held = append(held, r)
				} else if !errors.Is(err, domain.ErrPositionLimitExceeded) {
					t.Fatalf("reserve: %v", err)
				}
			}

			p, err := env.store.Pending(ctx, "AAPL")
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if committed+p.Long > limit || committed+p.Short < -limit {
				t.Fatalf("limit %d breached: committed=%d long=%d short=%d", limit, committed, p.Long, p.Short)
			}

			var long, short int64
			for _, r := range held {
				if r.Delta > 0 {
					long += r.Delta
				} else {
					short += r.Delta
				}
			}
			if p.Long != long || p.Short != short {
				t.Fatalf("pending %+v does not match held reservations long=%d short=%d", p, long, short)
			}
		}
	})
}
