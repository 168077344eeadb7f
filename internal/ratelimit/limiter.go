package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultBurst is used when New is given a non-positive burst.
const DefaultBurst = 1

// Limiter manages request rates per source namespace
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// New creates a limiter from requests-per-second limits keyed by namespace.
// Namespaces without an entry, or with a non-positive limit, are unlimited.
func New(limits map[string]float64, burst int) *Limiter {
	if burst <= 0 {
		burst = DefaultBurst
	}

	l := &Limiter{
		limiters: make(map[string]*rate.Limiter, len(limits)),
	}
	for namespace, perSecond := range limits {
		if perSecond <= 0 {
			continue
		}
		l.limiters[namespace] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// Unlimited returns a limiter that never blocks.
func Unlimited() *Limiter {
	return New(nil, DefaultBurst)
}

// Set replaces the limit of one namespace.
func (l *Limiter) Set(namespace string, perSecond float64, burst int) {
	if burst <= 0 {
		burst = DefaultBurst
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if perSecond <= 0 {
		delete(l.limiters, namespace)
		return
	}
	l.limiters[namespace] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Wait blocks until the rate limiter permits a request to the given namespace
// It returns an error if the context is canceled before the event can proceed
func (l *Limiter) Wait(ctx context.Context, namespace string) error {
	l.mu.RLock()
	limiter, exists := l.limiters[namespace]
	l.mu.RUnlock()

	if !exists {
		// If no limiter exists for this namespace, allow the request without limiting
		return nil
	}

	return limiter.Wait(ctx)
}

// Allow reports whether a request to the given namespace may happen now
func (l *Limiter) Allow(namespace string) bool {
	l.mu.RLock()
	limiter, exists := l.limiters[namespace]
	l.mu.RUnlock()

	if !exists {
		// If no limiter exists for this namespace, allow the request
		return true
	}

	return limiter.Allow()
}
