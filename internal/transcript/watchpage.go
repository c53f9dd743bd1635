package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/tubedigest/internal/httpkit"
)

const (
	playerResponseMarker = "ytInitialPlayerResponse = "
	maxWatchPageBytes    = 6 << 20
	maxCaptionBytes      = 4 << 20
)

// WatchPage is the fallback strategy. It reads the caption track list
// embedded in the watch page and downloads the timedtext XML directly,
// so it shares no code path with yt-dlp.
type WatchPage struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewWatchPage creates the fallback strategy. The client should carry
// the cookie jar when cookie-file credentials are configured. baseURL
// defaults to https://www.youtube.com.
func NewWatchPage(client *http.Client, baseURL string, logger *slog.Logger) *WatchPage {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithHeader("Accept-Language", "en-US,en;q=0.9"))
	}
	if baseURL == "" {
		baseURL = "https://www.youtube.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchPage{client: client, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// Name implements Strategy.
func (w *WatchPage) Name() string { return "watch-page" }

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
	Name         struct {
		SimpleText string `json:"simpleText"`
	} `json:"name"`
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	VideoDetails struct {
		LengthSeconds string `json:"lengthSeconds"`
	} `json:"videoDetails"`
}

// Fetch implements Strategy. Credentials are carried by the client's
// cookie jar; browser credentials only apply to yt-dlp.
func (w *WatchPage) Fetch(ctx context.Context, videoID string, langs []string, _ Credentials) (*Response, error) {
	page, err := w.get(ctx, w.baseURL+"/watch?v="+url.QueryEscape(videoID), maxWatchPageBytes)
	if err != nil {
		return nil, fmt.Errorf("watch page: %w", err)
	}

	idx := strings.Index(string(page.body), playerResponseMarker)
	if idx < 0 {
		if v := Classify(Response{Body: page.body, ContentType: page.contentType}); !v.Genuine() {
			return nil, &InterceptionError{Strategy: w.Name(), Verdict: v}
		}
		return nil, fmt.Errorf("%w: player response missing from watch page", ErrBlocked)
	}
	raw := extractJSON(page.body[idx+len(playerResponseMarker):])
	if raw == nil {
		return nil, fmt.Errorf("%w: unterminated player response", ErrTransient)
	}

	var pr playerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("%w: decode player response: %v", ErrTransient, err)
	}

	switch pr.PlayabilityStatus.Status {
	case "LOGIN_REQUIRED":
		return nil, fmt.Errorf("%w: %s", ErrBlocked, pr.PlayabilityStatus.Reason)
	case "ERROR", "UNPLAYABLE":
		return nil, fmt.Errorf("%w: %s", ErrNoCaptions, pr.PlayabilityStatus.Reason)
	}

	if pr.Captions == nil || len(pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks) == 0 {
		return nil, ErrNoCaptions
	}

	var tracks []Track
	for _, ct := range pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks {
		// Tracks marked exp=xpe need a proof-of-origin token only a
		// browser can mint.
		if ct.BaseURL == "" || strings.Contains(ct.BaseURL, "&exp=xpe") {
			continue
		}
		tracks = append(tracks, Track{
			Language: ct.LanguageCode,
			Auto:     ct.Kind == "asr",
			URL:      ct.BaseURL,
			Name:     ct.Name.SimpleText,
		})
	}
	track, ok := PickTrack(tracks, langs)
	if !ok {
		return nil, fmt.Errorf("%w: every caption track needs a browser token", ErrNoCaptions)
	}

	captionURL, err := w.resolve(track.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: caption url: %v", ErrTransient, err)
	}
	w.logger.Debug("fetching timedtext", "video_id", videoID, "language", track.Language, "auto", track.Auto)

	caps, err := w.get(ctx, captionURL, maxCaptionBytes)
	if err != nil {
		return nil, fmt.Errorf("timedtext: %w", err)
	}

	var duration time.Duration
	if secs, err := strconv.Atoi(pr.VideoDetails.LengthSeconds); err == nil {
		duration = time.Duration(secs) * time.Second
	}

	return &Response{
		Body:        caps.body,
		ContentType: caps.contentType,
		Format:      FormatTimedText,
		Language:    track.Language,
		Duration:    duration,
	}, nil
}

type fetched struct {
	body        []byte
	contentType string
}

func (w *WatchPage) get(ctx context.Context, rawURL string, limit int64) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP 429", ErrBlocked)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: HTTP 404", ErrNoCaptions)
	case httpkit.IsRetryableStatus(resp.StatusCode):
		return nil, fmt.Errorf("%w: HTTP %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: HTTP %d", ErrBlocked, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	return &fetched{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

func (w *WatchPage) resolve(ref string) (string, error) {
	base, err := url.Parse(w.baseURL + "/")
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// extractJSON returns the balanced JSON object at the start of b, or
// nil when b does not start with one or it never closes.
func extractJSON(b []byte) []byte {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	depth := 0
	inStr, escaped := false, false
	for i, c := range b {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1]
			}
		}
	}
	return nil
}
