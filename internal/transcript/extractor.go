// Package transcript obtains the caption text of a YouTube video. A
// primary strategy (yt-dlp) and an independent fallback (the watch
// page's timedtext tracks) each run under their own retry policy, and
// every payload passes the anti-bot classifier before it is trusted.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/tubedigest/internal/retry"
)

// Source says which strategy produced a transcript.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Request identifies the video to extract.
type Request struct {
	VideoID string
	// Duration, when known, raises the classifier's size floor.
	Duration time.Duration
}

// Outcome is the result of one extraction. Source is SourceNone on
// failure, with Reason set to one of the Reason constants.
type Outcome struct {
	VideoID  string
	Source   Source
	Strategy string
	Language string
	Text     string
	Reason   string
	Attempts int
	Err      error
}

// OK reports whether a transcript was obtained.
func (o Outcome) OK() bool { return o.Source == SourcePrimary || o.Source == SourceFallback }

// Extractor runs the primary strategy, then the fallback.
type Extractor struct {
	primary        Strategy
	fallback       Strategy
	primaryPolicy  retry.Policy
	fallbackPolicy retry.Policy
	langs          []string
	creds          Credentials
	logger         *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithPrimaryRetry sets the retry policy for the primary strategy.
func WithPrimaryRetry(p retry.Policy) Option { return func(e *Extractor) { e.primaryPolicy = p } }

// WithFallbackRetry sets the retry policy for the fallback strategy.
func WithFallbackRetry(p retry.Policy) Option { return func(e *Extractor) { e.fallbackPolicy = p } }

// WithLanguages sets the preferred caption languages.
func WithLanguages(langs ...string) Option { return func(e *Extractor) { e.langs = langs } }

// WithCredentials sets the credential source passed to strategies.
func WithCredentials(c Credentials) Option { return func(e *Extractor) { e.creds = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Extractor) { e.logger = l } }

// NewExtractor creates an Extractor. Either strategy may be nil.
func NewExtractor(primary, fallback Strategy, opts ...Option) *Extractor {
	e := &Extractor{
		primary:        primary,
		fallback:       fallback,
		primaryPolicy:  retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute, Jitter: 0.2},
		fallbackPolicy: retry.Policy{MaxAttempts: 2, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
		langs:          []string{"en"},
		creds:          Credentials{Source: CredentialsNone},
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract obtains the transcript for one video. It never persists
// anything; failures are reported in the Outcome, not as an error.
func (e *Extractor) Extract(ctx context.Context, req Request) Outcome {
	out := Outcome{VideoID: req.VideoID, Source: SourceNone}
	steps := []struct {
		source   Source
		strategy Strategy
		policy   retry.Policy
	}{
		{SourcePrimary, e.primary, e.primaryPolicy},
		{SourceFallback, e.fallback, e.fallbackPolicy},
	}

	var errs []error
	for _, st := range steps {
		if st.strategy == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		text, lang, n, err := e.run(ctx, st.strategy, st.policy, req)
		out.Attempts += n
		if err == nil {
			out.Source = st.source
			out.Strategy = st.strategy.Name()
			out.Language = lang
			out.Text = text
			e.logger.Info("transcript extracted",
				"video_id", req.VideoID,
				"source", st.source,
				"strategy", st.strategy.Name(),
				"language", lang,
				"chars", len([]rune(text)),
				"attempts", out.Attempts,
			)
			return out
		}

		e.logger.Warn("transcript strategy failed",
			"video_id", req.VideoID,
			"strategy", st.strategy.Name(),
			"attempts", n,
			"error", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", st.strategy.Name(), err))
	}

	out.Reason = failureReason(errs)
	out.Err = errors.Join(errs...)
	if out.Err == nil {
		out.Err = errors.New("no transcript strategy configured")
		out.Reason = ReasonToolError
	}
	return out
}

func (e *Extractor) run(ctx context.Context, s Strategy, p retry.Policy, req Request) (string, string, int, error) {
	attempts := 0
	p.Name = s.Name()
	p.Retryable = retryableFetch
	if p.Logger == nil {
		p.Logger = e.logger
	}

	resp, err := retry.Do(ctx, p, func(ctx context.Context) (*Response, error) {
		attempts++
		resp, err := s.Fetch(ctx, req.VideoID, e.langs, e.creds)
		if err != nil {
			return nil, err
		}
		if resp.Duration == 0 {
			resp.Duration = req.Duration
		}
		if v := Classify(*resp); !v.Genuine() {
			e.logger.Warn("caption payload rejected",
				"video_id", req.VideoID,
				"strategy", s.Name(),
				"rule", v.Rule,
				"detail", v.Detail,
				"bytes", len(resp.Body),
			)
			return nil, &InterceptionError{Strategy: s.Name(), Verdict: v}
		}
		return resp, nil
	})
	if err != nil {
		return "", "", attempts, err
	}

	text := Text(resp)
	if strings.TrimSpace(text) == "" {
		return "", "", attempts, ErrEmpty
	}
	return text, resp.Language, attempts, nil
}

// retryableFetch keeps retrying interceptions and transient failures;
// a missing track, a broken tool or an empty payload will not change.
func retryableFetch(err error) bool {
	switch {
	case errors.Is(err, ErrNoCaptions), errors.Is(err, ErrTool),
		errors.Is(err, ErrEmpty), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// failureReason summarizes why every strategy failed. An interception
// anywhere wins, then a definite "no captions", then the rest.
func failureReason(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	seen := make(map[string]bool)
	for _, err := range errs {
		seen[reasonFor(err)] = true
	}
	for _, r := range []string{ReasonBlocked, ReasonNoCaptions, ReasonNetworkError, ReasonEmpty, ReasonToolError} {
		if seen[r] {
			return r
		}
	}
	return ReasonNetworkError
}
