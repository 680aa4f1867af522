package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// StatusError is a non-2xx response from a webhook endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	// RetryAfter is set from the Retry-After header on 429 responses.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: status %d (retry after %s): %s", e.Op, e.StatusCode, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// ErrorClass represents whether a failed sink call is worth repeating.
type ErrorClass int

const (
	// ErrorClassRetryable covers rate limits, server errors and network failures.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal covers rejected requests: bad webhook, missing message, auth.
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts a sink error into retryable or fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500 {
			return ErrorClassRetryable
		}
		return ErrorClassFatal
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return ErrorClassRetryable
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		if sc.Code == http.StatusTooManyRequests || sc.Code >= 500 {
			return ErrorClassRetryable
		}
		return ErrorClassFatal
	}
	var sr slack.SlackErrorResponse
	if errors.As(err, &sr) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrorClassRetryable
	}
	// anything else (transport errors wrapped by http.Client) is treated as transient
	return ErrorClassRetryable
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool { return Classify(err) == ErrorClassRetryable }
