package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimiter is the per-process fallback when Redis is unavailable.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

func (r *MemoryRateLimiter) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.entries[key] = entry
	}
	entry.count++

	// чистим просроченные записи, чтобы карта не росла бесконечно
	if len(r.entries) > 10000 {
		for k, e := range r.entries {
			if !now.Before(e.expiresAt) {
				delete(r.entries, k)
			}
		}
	}

	return entry.count <= limit, nil
}
