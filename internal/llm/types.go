package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nugget/tubedigest/internal/httpkit"
)

// Kind separates failures worth retrying from those that are not.
type Kind int

const (
	// KindTerminal failures repeat on retry: bad request, bad key,
	// unknown model.
	KindTerminal Kind = iota
	// KindRetryable failures are timeouts, rate limits and server
	// errors.
	KindRetryable
)

func (k Kind) String() string {
	if k == KindRetryable {
		return "retryable"
	}
	return "terminal"
}

// Error is returned by every Completer in this package.
type Error struct {
	Provider   string
	StatusCode int
	Kind       Kind
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s error: HTTP %d: %s", e.Provider, e.Kind, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s error", e.Provider, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt. Errors from
// outside this package are retryable only when they are transient
// network failures.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindRetryable
	}
	return httpkit.IsTransientNetError(err)
}

// statusError classifies a non-200 response.
func statusError(provider string, code int, body string) *Error {
	kind := KindTerminal
	if httpkit.IsRetryableStatus(code) || code >= http.StatusInternalServerError {
		kind = KindRetryable
	}
	return &Error{Provider: provider, StatusCode: code, Kind: kind, Body: body}
}

// transportError classifies a failed round trip. Caller cancellation is
// terminal; deadlines and connection failures are retryable.
func transportError(provider string, err error) *Error {
	kind := KindTerminal
	if !errors.Is(err, context.Canceled) && httpkit.IsTransientNetError(err) {
		kind = KindRetryable
	}
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// decodeError wraps a malformed or empty response body. A truncated
// body is usually a dropped connection, so it is retried.
func decodeError(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindRetryable, Err: err}
}
