// Package feed lists a channel's recent uploads from its YouTube Atom
// feed.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/nugget/tubedigest/internal/httpkit"
	"github.com/nugget/tubedigest/internal/state"
)

const (
	maxFeedBytes = 2 << 20
	maxPageBytes = 1 << 20
)

// Video is one upload as observed in a channel feed.
type Video struct {
	ID          string
	ChannelID   string
	Title       string
	Link        string
	Author      string
	Description string
	PublishedAt time.Time
}

// Source reads channel feeds over HTTP.
type Source struct {
	client *http.Client
	// baseURL replaces https://www.youtube.com for feed and channel
	// page requests.
	baseURL string
	parser  *gofeed.Parser
	logger  *slog.Logger
}

// NewSource creates a feed source. A nil client gets the shared
// defaults; an empty baseURL means https://www.youtube.com.
func NewSource(client *http.Client, baseURL string, logger *slog.Logger) *Source {
	if client == nil {
		client = httpkit.NewClient()
	}
	if baseURL == "" {
		baseURL = "https://www.youtube.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		parser:  gofeed.NewParser(),
		logger:  logger,
	}
}

// ListNewVideos returns the channel's videos published at or after
// since, oldest first, ties broken by id. Uploads sharing since's
// timestamp are included; callers drop the ones they already handled.
// When more than limit qualify, the oldest limit are returned.
// limit <= 0 means no cap.
func (s *Source) ListNewVideos(ctx context.Context, ch state.Channel, since time.Time, limit int) ([]Video, error) {
	feedURL := ch.FeedURL
	if feedURL == "" {
		var err error
		if feedURL, err = s.ResolveFeedURL(ctx, ch); err != nil {
			return nil, err
		}
	}

	videos, err := s.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	var out []Video
	for _, v := range videos {
		if v.ChannelID == "" {
			v.ChannelID = ch.ID
		}
		if !v.PublishedAt.Before(since) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, compareVideos)
	if limit > 0 && len(out) > limit {
		s.logger.Debug("more new videos than the per-run cap",
			"channel", ch.ID, "new", len(out), "limit", limit)
		out = out[:limit]
	}
	return out, nil
}

// compareVideos orders by publish time, then id.
func compareVideos(a, b Video) int {
	if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Fetch retrieves and parses one feed, in feed order.
func (s *Source) Fetch(ctx context.Context, feedURL string) ([]Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxFeedBytes)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned HTTP %d", feedURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	parsed, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	videos := make([]Video, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		v, ok := videoFromItem(item)
		if !ok {
			s.logger.Debug("skipping feed entry without video id", "guid", item.GUID, "title", item.Title)
			continue
		}
		videos = append(videos, v)
	}
	return videos, nil
}

// videoFromItem maps a feed entry, reading YouTube's yt: and media:
// extension elements.
func videoFromItem(item *gofeed.Item) (Video, bool) {
	v := Video{
		ID:    extValue(item, "yt", "videoId"),
		Title: strings.TrimSpace(item.Title),
		Link:  item.Link,
	}
	if v.ID == "" {
		v.ID = strings.TrimPrefix(item.GUID, "yt:video:")
		if v.ID == item.GUID {
			v.ID = ""
		}
	}
	if v.ID == "" {
		return Video{}, false
	}
	v.ChannelID = extValue(item, "yt", "channelId")
	if v.Link == "" {
		v.Link = "https://www.youtube.com/watch?v=" + v.ID
	}
	if item.PublishedParsed != nil {
		v.PublishedAt = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		v.PublishedAt = item.UpdatedParsed.UTC()
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		v.Author = item.Authors[0].Name
	}
	if groups := item.Extensions["media"]["group"]; len(groups) > 0 {
		if d := groups[0].Children["description"]; len(d) > 0 {
			v.Description = strings.TrimSpace(d[0].Value)
		}
	}
	if v.Description == "" {
		v.Description = strings.TrimSpace(item.Description)
	}
	return v, true
}

func extValue(item *gofeed.Item, ns, name string) string {
	if item.Extensions == nil {
		return ""
	}
	if vals := item.Extensions[ns][name]; len(vals) > 0 {
		return strings.TrimSpace(vals[0].Value)
	}
	return ""
}

// ytChannelIDRe matches YouTube channel IDs in page HTML.
var ytChannelIDRe = regexp.MustCompile(`"(?:channelId|externalId)"\s*:\s*"(UC[a-zA-Z0-9_-]{22})"`)

// ytCanonicalRe matches canonical URLs with channel IDs.
var ytCanonicalRe = regexp.MustCompile(`<link\s+rel="canonical"\s+href="[^"]*/channel/(UC[a-zA-Z0-9_-]+)"`)

// isYouTubeHost reports whether host is a known YouTube hostname.
func isYouTubeHost(host string) bool {
	switch strings.ToLower(host) {
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		return true
	}
	return false
}

// FeedURL returns the Atom feed URL for a channel id.
func (s *Source) FeedURL(channelID string) string {
	return s.baseURL + "/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

// ResolveFeedURL finds the feed URL for ch: directly from a UC… id or
// /channel/ URL, otherwise by fetching the @handle, /c/ or /user/ page
// and reading the channel id from it.
func (s *Source) ResolveFeedURL(ctx context.Context, ch state.Channel) (string, error) {
	if strings.HasPrefix(ch.ID, "UC") {
		return s.FeedURL(ch.ID), nil
	}
	id, err := s.ResolveChannelID(ctx, ch.URL)
	if err != nil {
		return "", err
	}
	return s.FeedURL(id), nil
}

// ResolveChannelID extracts the UC… channel id for a channel URL.
func (s *Source) ResolveChannelID(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("channel has neither a channel id nor a url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse channel url %q: %w", rawURL, err)
	}
	if id := parsed.Query().Get("channel_id"); strings.HasPrefix(id, "UC") {
		return id, nil
	}
	if rest, ok := strings.CutPrefix(parsed.Path, "/channel/"); ok {
		if id := strings.Split(rest, "/")[0]; strings.HasPrefix(id, "UC") {
			return id, nil
		}
	}
	if !isYouTubeHost(parsed.Hostname()) {
		return "", fmt.Errorf("%s is not a YouTube channel url", rawURL)
	}
	if !strings.HasPrefix(parsed.Path, "/@") && !strings.HasPrefix(parsed.Path, "/c/") &&
		!strings.HasPrefix(parsed.Path, "/user/") {
		return "", fmt.Errorf("unsupported channel url %s", rawURL)
	}

	// Fetch through baseURL so tests can stand in for youtube.com.
	pageURL := s.baseURL + parsed.EscapedPath()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch channel page: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxPageBytes)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("channel page returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read channel page: %w", err)
	}
	html := string(body)

	// Try canonical link first, then JSON metadata.
	if m := ytCanonicalRe.FindStringSubmatch(html); len(m) == 2 {
		return m[1], nil
	}
	if m := ytChannelIDRe.FindStringSubmatch(html); len(m) == 2 {
		return m[1], nil
	}
	return "", fmt.Errorf("could not extract channel id from %s; configure channel_id directly", rawURL)
}
