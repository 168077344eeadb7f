package fetcher

import (
	"context"
	"errors"
	"time"
)

// Metrics receives fetch events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordCacheHit(namespace string)
	RecordCacheMiss(namespace string)
	RecordDownload(namespace string, bytes int, duration time.Duration)
	RecordError(namespace string, kind string)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) RecordCacheHit(string) {}

func (NoopMetrics) RecordCacheMiss(string) {}

func (NoopMetrics) RecordDownload(string, int, time.Duration) {}

func (NoopMetrics) RecordError(string, string) {}

// ErrorKind returns a short label for err suitable for metrics.
func ErrorKind(err error) string {
	var (
		fe *FetchError
		cm *CacheMissError
		pe *ParseError
		qe *QueryError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return string(fe.Type)
	case errors.As(err, &cm):
		return "cache_miss"
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &qe):
		return "query"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return string(ErrorTypeUnknown)
	}
}
