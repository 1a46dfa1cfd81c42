package authhttp

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiterEntries bounds the per-identifier limiter map. When the map
// fills up it is reset wholesale; a briefly generous limiter beats an
// unbounded one.
const maxLimiterEntries = 10000

// signinLimiter throttles magic-link requests per realm-scoped email.
type signinLimiter struct {
	mu      sync.Mutex
	entries map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

func newSigninLimiter(r rate.Limit, burst int) *signinLimiter {
	if r <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &signinLimiter{
		entries: make(map[string]*rate.Limiter),
		r:       r,
		burst:   burst,
	}
}

func (l *signinLimiter) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= maxLimiterEntries {
		l.entries = make(map[string]*rate.Limiter)
	}
	lim, ok := l.entries[id]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.entries[id] = lim
	}
	return lim.Allow()
}
