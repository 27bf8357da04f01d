package pacifica

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrMalformedResponse is returned when a response body cannot be decoded.
// The edge proxy answers throttled requests with HTML, so this is usually a block.
var ErrMalformedResponse = errors.New("malformed response")

// APIError is a structured rejection from the exchange.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pacifica api error [%d] code=%d message=%q", e.StatusCode, e.Code, e.Message)
}

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindBlocked
	KindTimeout
	KindInvalidLeverage
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindBlocked:
		return "blocked"
	case KindTimeout:
		return "timeout"
	case KindInvalidLeverage:
		return "invalid_leverage"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Retryable reports whether a query failing with this kind may be repeated after backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindBlocked || k == KindTimeout
}

type classRule struct {
	kind  ErrorKind
	match func(apiErr *APIError, msg string) bool
}

// Rules are evaluated in order; the first match wins.
var classRules = []classRule{
	{KindBlocked, func(e *APIError, _ string) bool {
		return e != nil && (e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusTooManyRequests)
	}},
	{KindBlocked, func(_ *APIError, msg string) bool {
		return strings.Contains(msg, "cloudfront")
	}},
	{KindInvalidLeverage, func(e *APIError, msg string) bool {
		return strings.Contains(msg, "invalidleverage") || strings.Contains(msg, "invalid leverage")
	}},
	{KindInvalidLeverage, func(e *APIError, msg string) bool {
		return e != nil && e.StatusCode == http.StatusBadRequest && strings.Contains(msg, "leverage")
	}},
	{KindFatal, func(e *APIError, msg string) bool {
		return (e != nil && e.StatusCode == http.StatusUnauthorized) ||
			strings.Contains(msg, "invalid signature") ||
			strings.Contains(msg, "unauthorized")
	}},
}

// Classify maps an error returned by the client onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrMalformedResponse) {
		return KindBlocked
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var apiErr *APIError
	errors.As(err, &apiErr)
	msg := strings.ToLower(err.Error())
	for _, rule := range classRules {
		if rule.match(apiErr, msg) {
			return rule.kind
		}
	}
	return KindUnknown
}
