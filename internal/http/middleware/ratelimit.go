package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL      = 3 * time.Minute
	visitorJanitorEvery = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client address.
type visitors struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	items map[string]*visitor
}

func (v *visitors) limiter(ip string, now time.Time) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	item, ok := v.items[ip]
	if !ok {
		item = &visitor{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.items[ip] = item
	}
	item.lastSeen = now
	return item.limiter
}

func (v *visitors) forget(cutoff time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, item := range v.items {
		if item.lastSeen.Before(cutoff) {
			delete(v.items, key)
		}
	}
}

// RateLimit limits requests per client address. Idle buckets are dropped by a
// janitor that stops with ctx.
func RateLimit(ctx context.Context, rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}

	state := &visitors{
		rps:   rate.Limit(rps),
		burst: burst,
		items: make(map[string]*visitor),
	}

	go func() {
		ticker := time.NewTicker(visitorJanitorEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				state.forget(now.Add(-visitorIdleTTL))
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r.RemoteAddr)
			if !state.limiter(ip, time.Now()).Allow() {
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
