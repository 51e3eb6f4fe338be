package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Principal identifies the caller; auth middleware populates it from the
// required x-srg-* headers.
type Principal struct {
	TenantID       string
	UserID         string
	Classification string
}

type contextKey int

const (
	requestIDKey contextKey = iota
	principalKey
)

var requiredHeaders = []string{"x-srg-tenant-id", "x-srg-user-id", "x-srg-classification"}

var bypassPaths = map[string]bool{
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/openapi.json": true,
}

// RequestID returns the request id stamped by the middleware, falling back
// to the inbound header or a fresh UUID.
func RequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	if id := r.Header.Get("x-request-id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey).(Principal)
	return p, ok
}

// WithRequestID stamps every request and response with an x-request-id,
// honoring a caller-provided header.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithAuth enforces the bearer key set and the required principal headers on
// every path outside the bypass set.
func WithAuth(keys map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			WriteErrorEnvelope(w, 401, "auth_missing", "auth", "Missing bearer token", RequestID(r))
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if !keys[token] {
			WriteErrorEnvelope(w, 401, "auth_invalid", "auth", "Invalid API key", RequestID(r))
			return
		}

		var missing []string
		for _, header := range requiredHeaders {
			if r.Header.Get(header) == "" {
				missing = append(missing, header)
			}
		}
		if len(missing) > 0 {
			WriteErrorEnvelope(w, 422, "missing_required_headers", "validation",
				"Missing required headers: "+strings.Join(missing, ", "), RequestID(r))
			return
		}

		principal := Principal{
			TenantID:       r.Header.Get("x-srg-tenant-id"),
			UserID:         r.Header.Get("x-srg-user-id"),
			Classification: r.Header.Get("x-srg-classification"),
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter applies a per-client-IP token bucket. Stale visitor entries
// are dropped after three minutes of inactivity.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter allowing rps requests per second with the
// given burst, and starts its background cleanup loop.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects requests over the per-IP limit with the standard
// envelope and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.getVisitor(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			WriteErrorEnvelope(w, 429, "rate_limited", "rate_limit",
				"Rate limit exceeded, retry later", RequestID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}
