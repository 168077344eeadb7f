package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/MITHaystack/scikit-dataaccess/internal/cache"
	"github.com/MITHaystack/scikit-dataaccess/internal/ratelimit"
	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

const (
	DefaultMaxRetries      = 0
	DefaultRetryWait       = 500 * time.Millisecond
	DefaultMaxRetryWait    = 5 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// Fetcher resolves queries into items and retrieves items according to a
// fetch mode. It is safe for concurrent use; iterators for different
// queries may share one Fetcher.
type Fetcher struct {
	registry *Registry
	store    cache.Store
	limiter  *ratelimit.Limiter
	metrics  Metrics
	logger   *slog.Logger

	maxRetries   int
	retryWait    time.Duration
	maxRetryWait time.Duration

	breakerFailures uint32
	breakerTimeout  time.Duration
	breakersMu      sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker

	downloads singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to NoopMetrics.
func WithMetrics(m Metrics) Option {
	return func(f *Fetcher) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithLimiter sets the per-namespace rate limiter applied before every
// source call. Defaults to unlimited.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.limiter = l
		}
	}
}

// WithRetry configures retries of retryable source failures. The wait
// doubles after every attempt up to maxWait.
func WithRetry(maxRetries int, wait, maxWait time.Duration) Option {
	return func(f *Fetcher) {
		f.maxRetries = max(maxRetries, 0)
		if wait > 0 {
			f.retryWait = wait
		}
		if maxWait > 0 {
			f.maxRetryWait = maxWait
		}
	}
}

// WithBreaker configures the per-namespace circuit breaker. It opens after
// failures consecutive retryable failures and probes again after timeout.
// Zero failures disables the breaker.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.breakerFailures = failures
		if timeout > 0 {
			f.breakerTimeout = timeout
		}
	}
}

// New creates a Fetcher over the given store and registry. A nil store
// limits the Fetcher to online_stream mode.
func New(store cache.Store, registry *Registry, opts ...Option) *Fetcher {
	f := &Fetcher{
		registry:        registry,
		store:           store,
		limiter:         ratelimit.Unlimited(),
		metrics:         NoopMetrics{},
		logger:          slog.Default(),
		maxRetries:      DefaultMaxRetries,
		retryWait:       DefaultRetryWait,
		maxRetryWait:    DefaultMaxRetryWait,
		breakerFailures: DefaultBreakerFailures,
		breakerTimeout:  DefaultBreakerTimeout,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the registry the Fetcher resolves namespaces against.
func (f *Fetcher) Registry() *Registry { return f.registry }

// Store returns the cache store, which may be nil.
func (f *Fetcher) Store() cache.Store { return f.store }

// Resolve expands q into its ordered, duplicate-free list of items.
func (f *Fetcher) Resolve(q Query) ([]Item, error) {
	src, err := f.registry.Lookup(q.Namespace())
	if err != nil {
		return nil, err
	}

	items, err := resolveItems(src, q)
	if err != nil {
		var qe *QueryError
		if errors.As(err, &qe) {
			return nil, err
		}
		return nil, NewQueryError("", err.Error())
	}

	f.logger.Debug("query resolved", "query", q.String(), "items", len(items))
	return items, nil
}

// Fetch retrieves one item in the given mode and parses it.
func (f *Fetcher) Fetch(ctx context.Context, item Item, mode Mode) (*wrapper.Wrapper, error) {
	src, err := f.registry.Lookup(item.Namespace())
	if err != nil {
		return nil, err
	}

	payload, err := f.payload(ctx, src, item, mode)
	if err != nil {
		f.metrics.RecordError(item.Namespace(), ErrorKind(err))
		return nil, err
	}

	w, err := src.Parse(item, payload)
	if err != nil {
		var pe *ParseError
		if !errors.As(err, &pe) {
			err = NewParseError(item.ID(), "invalid payload", err)
		}
		f.metrics.RecordError(item.Namespace(), ErrorKind(err))
		return nil, err
	}
	return w, nil
}

func (f *Fetcher) payload(ctx context.Context, src Source, item Item, mode Mode) ([]byte, error) {
	if mode.UsesCache() && f.store == nil {
		return nil, fmt.Errorf("mode %s requires a cache store", mode)
	}

	switch mode {
	case ModeCache:
		return f.fromCache(ctx, item)
	case ModeLocalDownload:
		return f.cachedOrDownload(ctx, src, item)
	case ModeOnlineStream:
		return f.download(ctx, src, item)
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", mode)
	}
}

func (f *Fetcher) fromCache(ctx context.Context, item Item) ([]byte, error) {
	entry, err := f.store.Get(ctx, item.ID())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrCorrupt) {
			f.metrics.RecordCacheMiss(item.Namespace())
			return nil, &CacheMissError{ID: item.ID(), Cause: err}
		}
		return nil, fmt.Errorf("reading cache for %s: %w", item.ID(), err)
	}
	f.metrics.RecordCacheHit(item.Namespace())
	return entry.Payload, nil
}

// cachedOrDownload serves a cache hit or downloads and stores the payload.
// Concurrent callers asking for the same identifier share one download.
func (f *Fetcher) cachedOrDownload(ctx context.Context, src Source, item Item) ([]byte, error) {
	id := item.ID()

	entry, err := f.store.Get(ctx, id)
	switch {
	case err == nil:
		f.metrics.RecordCacheHit(item.Namespace())
		return entry.Payload, nil
	case errors.Is(err, cache.ErrCorrupt):
		f.logger.Warn("replacing corrupt cache entry", "id", id, "error", err)
	case !errors.Is(err, cache.ErrNotFound):
		return nil, fmt.Errorf("reading cache for %s: %w", id, err)
	}
	f.metrics.RecordCacheMiss(item.Namespace())

	for {
		v, err, shared := f.downloads.Do(id, func() (any, error) {
			// A download that finished between the lookup above and this call
			// has already populated the cache.
			if entry, err := f.store.Get(ctx, id); err == nil {
				return entry.Payload, nil
			}

			payload, err := f.download(ctx, src, item)
			if err != nil {
				return nil, err
			}
			if err := f.store.Put(ctx, id, payload); err != nil {
				return nil, fmt.Errorf("caching %s: %w", id, err)
			}
			return payload, nil
		})
		if err != nil {
			// The shared download ran under another caller's context.
			if shared && ctx.Err() == nil && isContextError(err) {
				f.logger.Debug("shared download cancelled by another caller, retrying", "id", id)
				continue
			}
			return nil, err
		}
		if shared {
			f.logger.Debug("download shared with concurrent caller", "id", id)
		}
		payload, _ := v.([]byte)
		return payload, nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// download calls the source, retrying retryable failures with exponential
// backoff. Every attempt waits on the namespace rate limit and runs through
// the namespace circuit breaker.
func (f *Fetcher) download(ctx context.Context, src Source, item Item) ([]byte, error) {
	ns := src.Namespace()
	wait := f.retryWait

	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx, ns); err != nil {
			return nil, err
		}

		start := time.Now()
		payload, err := f.execute(ns, func() ([]byte, error) {
			return src.Fetch(ctx, item)
		})
		if err == nil {
			if len(payload) == 0 {
				return nil, NewParseError(item.ID(), "source returned an empty payload", nil)
			}
			f.metrics.RecordDownload(ns, len(payload), time.Since(start))
			f.logger.Debug("item downloaded",
				"id", item.ID(),
				"bytes", len(payload),
				"attempt", attempt+1)
			return payload, nil
		}

		if !IsRetryable(err) || attempt >= f.maxRetries {
			return nil, err
		}
		var fe *FetchError
		if errors.As(err, &fe) && fe.Type == ErrorTypeUnavailable {
			return nil, err
		}

		f.logger.Debug("retrying item",
			"id", item.ID(),
			"attempt", attempt+1,
			"wait", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, f.maxRetryWait)
	}
}

// execute runs fn through the breaker of namespace.
func (f *Fetcher) execute(namespace string, fn func() ([]byte, error)) ([]byte, error) {
	cb := f.breaker(namespace)
	if cb == nil {
		return fn()
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewUnavailableError(namespace, err)
		}
		return nil, err
	}
	payload, _ := result.([]byte)
	return payload, nil
}

func (f *Fetcher) breaker(namespace string) *gobreaker.CircuitBreaker {
	if f.breakerFailures == 0 {
		return nil
	}

	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()

	if cb, ok := f.breakers[namespace]; ok {
		return cb
	}

	failures := f.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        namespace,
		MaxRequests: 1,
		Timeout:     f.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only failures worth retrying say anything about the health of
		// the source; a 404 for one day does not.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("source circuit breaker changed state",
				"namespace", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	f.breakers[namespace] = cb
	return cb
}
