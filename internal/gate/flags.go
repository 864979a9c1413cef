package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FlagState is the value of one trading halt flag.
type FlagState struct {
	On     bool
	Reason string
}

// Flags reads the halt flags maintained by operator tooling. Every method
// returns an error when the backing store cannot be read; the chain treats
// that as a block.
type Flags interface {
	KillSwitch(ctx context.Context) (FlagState, error)
	CircuitBreaker(ctx context.Context) (FlagState, error)
	Quarantine(ctx context.Context, symbol string) (FlagState, error)
}

// RedisFlags reads flags from Redis:
//
//	<prefix>:kill_switch       string, present = engaged, value = reason
//	<prefix>:circuit_breaker   string, present = tripped, value = reason
//	<prefix>:quarantine        hash, symbol -> reason
type RedisFlags struct {
	client redis.UniversalClient
	prefix string
}

var _ Flags = (*RedisFlags)(nil)

// NewRedisFlags creates a Redis flag reader.
func NewRedisFlags(client redis.UniversalClient, prefix string) *RedisFlags {
	if prefix == "" {
		prefix = "execgateway"
	}
	return &RedisFlags{client: client, prefix: prefix}
}

func (f *RedisFlags) key(name string) string {
	return f.prefix + ":" + name
}

func (f *RedisFlags) readString(ctx context.Context, name string) (FlagState, error) {
	reason, err := f.client.Get(ctx, f.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return FlagState{}, nil
	}
	if err != nil {
		return FlagState{}, fmt.Errorf("read %s: %w", name, err)
	}
	return FlagState{On: true, Reason: reason}, nil
}

// KillSwitch implements Flags.
func (f *RedisFlags) KillSwitch(ctx context.Context) (FlagState, error) {
	return f.readString(ctx, "kill_switch")
}

// CircuitBreaker implements Flags.
func (f *RedisFlags) CircuitBreaker(ctx context.Context) (FlagState, error) {
	return f.readString(ctx, "circuit_breaker")
}

// Quarantine implements Flags.
func (f *RedisFlags) Quarantine(ctx context.Context, symbol string) (FlagState, error) {
	reason, err := f.client.HGet(ctx, f.key("quarantine"), symbol).Result()
	if errors.Is(err, redis.Nil) {
		return FlagState{}, nil
	}
	if err != nil {
		return FlagState{}, fmt.Errorf("read quarantine %s: %w", symbol, err)
	}
	return FlagState{On: true, Reason: reason}, nil
}

// MemoryFlags is an in-process Flags for single-node and paper deployments.
// Failures can be injected to exercise fail-closed behaviour.
type MemoryFlags struct {
	mu          sync.RWMutex
	killSwitch  FlagState
	breaker     FlagState
	quarantined map[string]string
	killErr     error
	breakerErr  error
	quarErr     error
}

var _ Flags = (*MemoryFlags)(nil)

// NewMemoryFlags creates flags with every halt released.
func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{quarantined: make(map[string]string)}
}

func (f *MemoryFlags) KillSwitch(context.Context) (FlagState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.killErr != nil {
		return FlagState{}, f.killErr
	}
	return f.killSwitch, nil
}

func (f *MemoryFlags) CircuitBreaker(context.Context) (FlagState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.breakerErr != nil {
		return FlagState{}, f.breakerErr
	}
	return f.breaker, nil
}

func (f *MemoryFlags) Quarantine(_ context.Context, symbol string) (FlagState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.quarErr != nil {
		return FlagState{}, f.quarErr
	}
	reason, ok := f.quarantined[symbol]
	return FlagState{On: ok, Reason: reason}, nil
}

// SetKillSwitch engages (on) or releases the kill switch.
func (f *MemoryFlags) SetKillSwitch(on bool, reason string) {
	f.mu.Lock()
	f.killSwitch = FlagState{On: on, Reason: reason}
	f.mu.Unlock()
}

// SetCircuitBreaker trips (on) or resets the circuit breaker.
func (f *MemoryFlags) SetCircuitBreaker(on bool, reason string) {
	f.mu.Lock()
	f.breaker = FlagState{On: on, Reason: reason}
	f.mu.Unlock()
}

// SetQuarantine suspends (on) or resumes trading in symbol.
func (f *MemoryFlags) SetQuarantine(symbol string, on bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.quarantined[symbol] = reason
		return
	}
	delete(f.quarantined, symbol)
}

// FailKillSwitch makes kill-switch reads fail with err (nil heals).
func (f *MemoryFlags) FailKillSwitch(err error) {
	f.mu.Lock()
	f.killErr = err
	f.mu.Unlock()
}

// FailCircuitBreaker makes circuit-breaker reads fail with err (nil heals).
func (f *MemoryFlags) FailCircuitBreaker(err error) {
	f.mu.Lock()
	f.breakerErr = err
	f.mu.Unlock()
}

// FailQuarantine makes quarantine reads fail with err (nil heals).
func (f *MemoryFlags) FailQuarantine(err error) {
	f.mu.Lock()
	f.quarErr = err
	f.mu.Unlock()
}
