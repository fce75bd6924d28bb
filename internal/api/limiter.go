package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"coworking/internal/config"

	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 10000
	clientIdleTTL     = 10 * time.Minute
)

// rateLimiter throttles every API call per client address. It sits in front
// of the per-user hold throttle and only protects the process itself.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	cfg      *config.APIConfig
	now      func() time.Time
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg *config.APIConfig) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*clientLimiter),
		cfg:      cfg,
		now:      time.Now,
	}
}

func (l *rateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.cfg.RateLimit.RPS > 0 && !l.getLimiter(clientKey(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.limiters[key]; ok {
		c.lastSeen = now
		return c.lim
	}

	// забываем клиентов, которые давно не приходили
	if len(l.limiters) >= maxTrackedClients {
		for k, c := range l.limiters {
			if now.Sub(c.lastSeen) > clientIdleTTL {
				delete(l.limiters, k)
			}
		}
	}

	burst := l.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RateLimit.RPS), burst)
	l.limiters[key] = &clientLimiter{lim: lim, lastSeen: now}
	return lim
}

func (l *rateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}
