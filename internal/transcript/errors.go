package transcript

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCaptions means the video has no caption track the strategy
	// can reach. It is never retried.
	ErrNoCaptions = errors.New("no captions available")

	// ErrBlocked means the response was an anti-bot interception
	// (consent wall, sign-in challenge, rate-limit page) rather than
	// subtitle data.
	ErrBlocked = errors.New("interception detected")

	// ErrTransient covers network failures and server errors that may
	// clear on retry.
	ErrTransient = errors.New("transient network error")

	// ErrTool means the external tool is missing or failed in a way a
	// retry will not fix.
	ErrTool = errors.New("caption tool failed")

	// ErrEmpty means a genuine payload cleaned to no text.
	ErrEmpty = errors.New("empty transcript")
)

// Reasons recorded on a failed Outcome.
const (
	ReasonNoCaptions   = "no_captions"
	ReasonBlocked      = "blocked"
	ReasonNetworkError = "network_error"
	ReasonToolError    = "tool_error"
	ReasonEmpty        = "empty"
)

// InterceptionError carries the classifier verdict that rejected a
// payload. It matches ErrBlocked with errors.Is.
type InterceptionError struct {
	Strategy string
	Verdict  Verdict
}

func (e *InterceptionError) Error() string {
	return fmt.Sprintf("%s: interception detected (%s: %s)", e.Strategy, e.Verdict.Rule, e.Verdict.Detail)
}

// Is reports ErrBlocked as the sentinel for every interception.
func (e *InterceptionError) Is(target error) bool { return target == ErrBlocked }

// reasonFor maps a strategy error to an Outcome reason.
func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoCaptions):
		return ReasonNoCaptions
	case errors.Is(err, ErrBlocked):
		return ReasonBlocked
	case errors.Is(err, ErrEmpty):
		return ReasonEmpty
	case errors.Is(err, ErrTool):
		return ReasonToolError
	default:
		return ReasonNetworkError
	}
}
