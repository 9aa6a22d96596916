package llm

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// RetryableError represents an error that can be retried
type RetryableError struct {
	Err        error
	StatusCode int
	Headers    map[string]string
	Retryable  bool
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.StatusCode)
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Retryable
	}
	return false
}

// GetStatusCode extracts status code from error
func GetStatusCode(err error) int {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.StatusCode
	}
	return 0
}

// GetHeaders extracts headers from error
func GetHeaders(err error) map[string]string {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Headers
	}
	return nil
}

// Retry runs fn until it succeeds, the error is not worth retrying, the
// attempts are exhausted or ctx is done.
func Retry[T any](ctx context.Context, options RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := options.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err, options) || attempt == attempts-1 {
			return zero, err
		}

		delay := calculateDelay(err, attempt, options)
		log.Debug("Retrying provider call", "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

func shouldRetry(err error, options RetryOptions) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return options.RetryAllErrors || IsRateLimitError(err) || IsRetryableError(err)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if GetStatusCode(err) == http.StatusTooManyRequests {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit",
		"too many requests",
		"quota exceeded",
		"rate exceeded",
		"throttled",
	} {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// calculateDelay honours rate limit headers, falling back to exponential backoff
func calculateDelay(err error, attempt int, options RetryOptions) time.Duration {
	headers := GetHeaders(err)

	if headers != nil {
		if retryAfter, exists := headers["retry-after"]; exists {
			if delay := parseRetryAfter(retryAfter); delay > 0 {
				return min(delay, options.MaxDelay)
			}
		}
		for _, key := range []string{"x-ratelimit-reset", "ratelimit-reset"} {
			if resetTime, exists := headers[key]; exists {
				if delay := parseRateLimitReset(resetTime); delay > 0 {
					return min(delay, options.MaxDelay)
				}
			}
		}
	}

	delay := time.Duration(float64(options.BaseDelay) * math.Pow(2, float64(attempt)))
	return min(delay, options.MaxDelay)
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}

// parseRateLimitReset parses rate limit reset headers, either a unix
// timestamp or delta seconds
func parseRateLimitReset(resetTime string) time.Duration {
	timestamp, err := strconv.ParseInt(resetTime, 10, 64)
	if err != nil {
		return 0
	}
	if timestamp > time.Now().Unix() {
		if delay := time.Until(time.Unix(timestamp, 0)); delay > 0 {
			return delay
		}
		return 0
	}
	return time.Duration(timestamp) * time.Second
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, statusCode int, headers map[string]string) *RetryableError {
	retryable := statusCode == http.StatusTooManyRequests ||
		statusCode >= 500 ||
		statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusConflict

	return &RetryableError{
		Err:        err,
		StatusCode: statusCode,
		Headers:    headers,
		Retryable:  retryable,
	}
}

// WrapHTTPError wraps an HTTP error with retry information
func WrapHTTPError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}

	headers := make(map[string]string)
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	return NewRetryableError(err, resp.StatusCode, headers)
}

// WithRetry wraps a handler so that opening a stream is retried. Failures
// after the stream has started are not retried.
func WithRetry(handler ApiHandler, options RetryOptions) ApiHandler {
	return &retryableHandler{handler: handler, options: options}
}

type retryableHandler struct {
	handler ApiHandler
	options RetryOptions
}

func (rh *retryableHandler) CreateMessage(ctx context.Context, messages []Message, opts ChatOptions) (ApiStream, error) {
	return Retry(ctx, rh.options, func(ctx context.Context) (ApiStream, error) {
		return rh.handler.CreateMessage(ctx, messages, opts)
	})
}

func (rh *retryableHandler) GetModel() ModelResponse {
	return rh.handler.GetModel()
}

func (rh *retryableHandler) Provider() ProviderType {
	return rh.handler.Provider()
}
