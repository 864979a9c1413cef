package reservation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/efreitasn/execgateway/internal/domain"
)

// nowLua reads the server clock in milliseconds so that every gateway
// process prunes against the same time. Requires Redis 5 or later.
const nowLua = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// pruneLua drops tokens whose expiry is at or before now and sums the live
// deltas per direction into long and short.
const pruneLua = `
local expired = redis.call('ZRANGEBYSCORE', expiry, '-inf', now)
for _, t in ipairs(expired) do
  redis.call('HDEL', deltas, t)
end
if #expired > 0 then
  redis.call('ZREMRANGEBYSCORE', expiry, '-inf', now)
end

local long, short = 0, 0
for _, v in ipairs(redis.call('HVALS', deltas)) do
  local d = tonumber(v)
  if d > 0 then long = long + d else short = short + d end
end
`

// reserveScript prunes expired tokens, checks the limit and records the new
// token, all in one server-side step. It returns {ok, long, short, expires_at_ms}.
//
// KEYS[1] deltas hash (token -> delta), KEYS[2] expiry zset (token -> expiry ms)
// ARGV: token, delta, committed, limit, ttl_ms
var reserveScript = redis.NewScript(`
local deltas = KEYS[1]
local expiry = KEYS[2]
local delta = tonumber(ARGV[2])
local committed = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
` + nowLua + pruneLua + `
local ok = true
if delta > 0 then
  ok = committed + long + delta <= limit
elseif delta < 0 then
  ok = committed + short + delta >= -limit
end
if not ok then
  return {0, long, short, 0}
end

local expires_at = now + ttl
redis.call('HSET', deltas, ARGV[1], delta)
redis.call('ZADD', expiry, expires_at, ARGV[1])
redis.call('PEXPIRE', deltas, ttl)
redis.call('PEXPIRE', expiry, ttl)
return {1, long, short, expires_at}
`)

// pendingScript prunes expired tokens and returns {long, short}.
var pendingScript = redis.NewScript(`
local deltas = KEYS[1]
local expiry = KEYS[2]
` + nowLua + pruneLua + `
return {long, short}
`)

// Redis is a Store shared by every gateway process through Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed store. Reservations expire after ttl.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "execgateway"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// keys returns the hash and zset of symbol. The hash tag keeps both keys in
// one cluster slot so the script can touch them together.
func (s *Redis) keys(symbol string) []string {
	base := fmt.Sprintf("%s:reservations:{%s}", s.prefix, symbol)
	return []string{base + ":deltas", base + ":expiry"}
}

// Reserve implements Store.
func (s *Redis) Reserve(ctx context.Context, symbol string, delta, committed, limit int64) (domain.Reservation, error) {
	token := uuid.NewString()
	res, err := reserveScript.Run(ctx, s.client, s.keys(symbol),
		token,
		strconv.FormatInt(delta, 10),
		strconv.FormatInt(committed, 10),
		strconv.FormatInt(limit, 10),
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	).Int64Slice()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve %s: %w", symbol, err)
	}
	if len(res) != 4 {
		return domain.Reservation{}, fmt.Errorf("reserve %s: unexpected script reply %v", symbol, res)
	}

	pending := domain.PendingExposure{Long: res[1], Short: res[2]}
	if res[0] != 1 {
		return domain.Reservation{}, limitError(symbol, pending, delta, committed, limit)
	}
	return domain.Reservation{
		Token:     token,
		Symbol:    symbol,
		Delta:     delta,
		ExpiresAt: time.UnixMilli(res[3]).UTC(),
	}, nil
}

// Release implements Store.
func (s *Redis) Release(ctx context.Context, r domain.Reservation) error {
	keys := s.keys(r.Symbol)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, keys[0], r.Token)
		pipe.ZRem(ctx, keys[1], r.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", r.Token, err)
	}
	return nil
}

// Pending implements Store.
func (s *Redis) Pending(ctx context.Context, symbol string) (domain.PendingExposure, error) {
	res, err := pendingScript.Run(ctx, s.client, s.keys(symbol)).Int64Slice()
	if err != nil {
		return domain.PendingExposure{}, fmt.Errorf("pending %s: %w", symbol, err)
	}
	if len(res) != 2 {
		return domain.PendingExposure{}, fmt.Errorf("pending %s: unexpected script reply %v", symbol, res)
	}
	return domain.PendingExposure{Long: res[0], Short: res[1]}, nil
}

// Ping implements Store.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
