package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type RateLimitOptions struct {
	Logger *slog.Logger
	// FailOpen lets traffic through when the limiter itself errors.
	FailOpen bool
	// RetryAfter is advertised on 429 responses.
	RetryAfter time.Duration
}

// RateLimit rejects clients over their budget with 429.
func RateLimit(l Limiter, opts RateLimitOptions) Middleware {
	retryAfter := ""
	if secs := int(opts.RetryAfter.Seconds()); secs > 0 {
		retryAfter = strconv.Itoa(secs)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), clientKey(r))
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.Warn("rate limiter error", "err", err)
				}
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}
			if !ok {
				if retryAfter != "" {
					w.Header().Set("Retry-After", retryAfter)
				}
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MemoryLimiter is a per-process fixed-window limiter. Expired entries are
// swept once per window.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	nextSweep time.Time
}

type visitor struct {
	count     int
	resetTime time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		visitors: map[string]*visitor{},
	}
}

func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.nextSweep) {
		for k, v := range rl.visitors {
			if now.After(v.resetTime) {
				delete(rl.visitors, k)
			}
		}
		rl.nextSweep = now.Add(rl.window)
	}

	v := rl.visitors[key]
	if v == nil || now.After(v.resetTime) {
		rl.visitors[key] = &visitor{count: 1, resetTime: now.Add(rl.window)}
		return true, nil
	}
	if v.count >= rl.limit {
		return false, nil
	}
	v.count++
	return true, nil
}

func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
