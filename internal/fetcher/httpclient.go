package fetcher

import (
	"errors"
	"log/slog"
	"time"

	"resty.dev/v3"
)

const (
	// Default retry configuration
	DefaultRetryCount       = 3
	defaultRetryWaitTime    = 1 * time.Second
	defaultRetryMaxWaitTime = 10 * time.Second

	// DefaultHTTPTimeout bounds a single request, including reading the body.
	DefaultHTTPTimeout = 60 * time.Second

	userAgent = "scikit-dataaccess/1.0"
)

// HTTPOptions tunes the clients built by NewHTTPClient.
type HTTPOptions struct {
	// RetryCount is the number of transport-level retries. Zero disables them.
	RetryCount int
	// Timeout bounds a single request. Zero selects DefaultHTTPTimeout.
	Timeout time.Duration
}

// NewHTTPClient creates a new HTTP client with retry logic and exponential backoff
func NewHTTPClient(baseURL string, opts HTTPOptions) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", userAgent).
		SetTimeout(timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(defaultRetryWaitTime).
		SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
		AddRetryConditions(retryCondition).
		AddRetryHooks(retryHook)

	return client
}

// retryCondition determines whether a request should be retried based on the response and error
func retryCondition(r *resty.Response, err error) bool {
	// Retry on network errors
	if err != nil {
		return true
	}

	// Retry on server errors (5xx)
	if r.StatusCode() >= 500 {
		return true
	}

	// Retry on rate limit (429)
	if r.StatusCode() == 429 {
		return true
	}

	// Retry on request timeout (408)
	if r.StatusCode() == 408 {
		return true
	}

	// Don't retry on client errors (4xx except 429), including 404 for
	// days or stations the archive does not hold
	return false
}

// retryHook logs retry attempts for observability
func retryHook(r *resty.Response, err error) {
	if err != nil {
		slog.Debug("retrying request due to error",
			"url", r.Request.URL,
			"attempt", r.Request.Attempt,
			"error", err.Error())
		return
	}

	slog.Debug("retrying request due to status code",
		"url", r.Request.URL,
		"attempt", r.Request.Attempt,
		"status_code", r.StatusCode())
}

// ResponseError converts a failed resty call into a *FetchError. It returns
// nil for a successful 2xx response.
func ResponseError(resp *resty.Response, err error) error {
	if err != nil {
		if isTimeout(err) {
			return NewTimeoutError(err)
		}
		return NewNetworkError(err)
	}
	if !resp.IsSuccess() {
		return ClassifyHTTPError(resp.StatusCode())
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
