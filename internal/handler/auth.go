package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// principal is the caller identified by its API key.
type principal struct {
	key   string
	owner string
	admin bool
}

type principalKey struct{}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// authenticator resolves bearer keys. Order keys carry the owner stamped
// on the orders they submit; admin keys unlock the admin endpoints.
type authenticator struct {
	owners map[string]string
	admins []string
}

func newAuthenticator(owners map[string]string, admins []string) *authenticator {
	return &authenticator{owners: owners, admins: admins}
}

func (a *authenticator) lookup(key string) (principal, bool) {
	if owner, ok := a.owners[key]; ok {
		return principal{key: key, owner: owner}, true
	}
	for _, admin := range a.admins {
		if subtle.ConstantTimeCompare([]byte(admin), []byte(key)) == 1 {
			return principal{key: key, admin: true}, true
		}
	}
	return principal{}, false
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// require returns middleware that admits callers accepted by allow.
func (a *authenticator) require(allow func(principal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearer(r)
			if key == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer API key")
				return
			}
			p, ok := a.lookup(key)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "Unknown API key")
				return
			}
			if !allow(p) {
				WriteError(w, http.StatusForbidden, "forbidden", "API key lacks permission for this endpoint")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func isTrader(p principal) bool { return p.owner != "" }
func isAdmin(p principal) bool  { return p.admin }
func anyKey(principal) bool     { return true }

// keyLimiter is a token bucket per API key.
type keyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	return &keyLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *keyLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// middleware rejects requests over the caller's budget with 429. It runs
// after authentication.
func (l *keyLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if !l.get(p.key).Allow() {
			w.Header().Set("Retry-After", "1")
			WriteJSON(w, http.StatusTooManyRequests, apiError{
				Error:     "rate_limited",
				Message:   "Too many requests for this API key",
				Retriable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
