package transcript

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Format names the subtitle encoding a strategy asked for.
type Format string

// Subtitle formats understood by the classifier and the cleaner.
const (
	FormatUnknown   Format = ""
	FormatVTT       Format = "vtt"
	FormatSRT       Format = "srt"
	FormatTimedText Format = "timedtext"
	FormatJSON3     Format = "json3"
)

// Response is a raw caption payload as returned by a strategy, before
// it is trusted.
type Response struct {
	Body        []byte
	ContentType string
	Format      Format
	// Language is the caption track's language code.
	Language string
	// Duration is the video length when the strategy learned it; it
	// raises the minimum plausible payload size.
	Duration time.Duration
}

// Kind is the classifier's decision.
type Kind int

const (
	Genuine Kind = iota
	Interception
)

func (k Kind) String() string {
	if k == Genuine {
		return "genuine"
	}
	return "interception"
}

// Verdict is the classifier result plus the rule that decided it.
type Verdict struct {
	Kind   Kind
	Rule   string
	Detail string
}

// Genuine reports whether the payload may be treated as subtitles.
func (v Verdict) Genuine() bool { return v.Kind == Genuine }

// Classifier rule names.
const (
	RuleContentType = "content_type"
	RuleHTML        = "html_document"
	RuleChallenge   = "challenge_marker"
	RuleFormat      = "missing_format_marker"
	RuleSize        = "too_small"
)

const (
	minPayloadBytes = 64
	// bytesPerWindow over windowLength is a deliberately low floor for
	// real captions; speech produces far more.
	bytesPerWindow = 16
	windowLength   = 30 * time.Second
	scanLimit      = 64 << 10
)

// challengeMarkers appear on consent walls, sorry pages and sign-in
// challenges. Matching is case-insensitive.
var challengeMarkers = []string{
	"consent.youtube.com",
	"google.com/sorry",
	"recaptcha",
	"unusual traffic",
	"sign in to confirm you",
	"confirm you're not a bot",
	"before you continue",
}

// htmlOnlyTags never occur in subtitle payloads. body, head and p are
// left out because the srv3 timedtext format uses them.
var htmlOnlyTags = map[string]bool{
	"html": true, "script": true, "form": true, "iframe": true,
	"meta": true, "title": true, "style": true, "link": true,
	"noscript": true, "input": true, "button": true, "div": true,
}

// Classify decides whether a payload is genuine subtitle data or an
// anti-bot interception served in its place. Any rule firing yields
// Interception; a false negative poisons a summary, a false positive
// only costs a fallback attempt.
func Classify(r Response) Verdict {
	if ct := mediaType(r.ContentType); ct == "text/html" || ct == "application/xhtml+xml" {
		return Verdict{Kind: Interception, Rule: RuleContentType, Detail: ct}
	}

	body := bytes.TrimSpace(bytes.TrimPrefix(r.Body, []byte("\xef\xbb\xbf")))
	head := body
	if len(head) > scanLimit {
		head = head[:scanLimit]
	}
	lower := strings.ToLower(string(head))

	if tag, ok := findHTML(lower, r.Format); ok {
		return Verdict{Kind: Interception, Rule: RuleHTML, Detail: tag}
	}

	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return Verdict{Kind: Interception, Rule: RuleChallenge, Detail: m}
		}
	}

	if missing := missingFormatMarker(lower, r.Format); missing != "" {
		return Verdict{Kind: Interception, Rule: RuleFormat, Detail: missing}
	}

	if floor := minimumSize(r.Duration); len(body) < floor {
		return Verdict{Kind: Interception, Rule: RuleSize, Detail: fmt.Sprintf("%d bytes < %d", len(body), floor)}
	}

	return Verdict{Kind: Genuine}
}

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// findHTML reports an HTML document hiding in a caption response.
func findHTML(lower string, f Format) (string, bool) {
	if strings.HasPrefix(lower, "<!doctype html") {
		return "doctype", true
	}
	if strings.HasPrefix(lower, "<html") {
		return "html", true
	}
	if f == FormatJSON3 && strings.HasPrefix(lower, "{") {
		return "", false
	}

	z := html.NewTokenizer(strings.NewReader(lower))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.DoctypeToken:
			if strings.HasPrefix(strings.TrimSpace(string(z.Text())), "html") {
				return "doctype", true
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if htmlOnlyTags[string(name)] {
				return string(name), true
			}
		}
	}
}

func missingFormatMarker(lower string, f Format) string {
	hasCue := strings.Contains(lower, "-->")
	hasTimedText := (strings.Contains(lower, "<transcript") || strings.Contains(lower, "<timedtext")) &&
		(strings.Contains(lower, "<text") || strings.Contains(lower, "<p "))
	hasEvents := strings.Contains(lower, `"events"`)

	switch f {
	case FormatVTT:
		if !strings.HasPrefix(lower, "webvtt") && !hasCue {
			return "webvtt header or cue"
		}
	case FormatSRT:
		if !hasCue {
			return "srt cue"
		}
	case FormatTimedText:
		if !hasTimedText {
			return "timedtext elements"
		}
	case FormatJSON3:
		if !hasEvents {
			return "json3 events"
		}
	default:
		if !hasCue && !hasTimedText && !hasEvents {
			return "any subtitle marker"
		}
	}
	return ""
}

func minimumSize(d time.Duration) int {
	floor := minPayloadBytes
	if d > 0 {
		if n := int(d/windowLength) * bytesPerWindow; n > floor {
			floor = n
		}
	}
	return floor
}
