// Package ratelimit is the per-user per-endpoint request limiter for the
// HTTP edges. A single in-memory map behind a lock; entries self-expire
// when read.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter applies a sliding one-minute window per key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	span    time.Duration
}

type window struct {
	count int
	start time.Time
}

func New(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   perMinute,
		span:    time.Minute,
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request under key (address + ":" + endpoint) fits
// inside the current window. Expired windows restart on read.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > l.span {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.limit
}

// cleanup drops windows idle for more than two spans so the map can't grow
// unbounded across one-shot clients.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for key, w := range l.windows {
			if now.Sub(w.start) > 2*l.span {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

// Len reports the live window count, for the health endpoint.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
