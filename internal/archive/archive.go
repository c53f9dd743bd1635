// Package archive keeps a durable markdown copy of every transcript
// and its summary, on local disk and optionally in S3.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/tubedigest/internal/feed"
)

// Archiver stores one finished entry.
type Archiver interface {
	Write(ctx context.Context, e Entry) error
}

// Entry is everything archived for one video.
type Entry struct {
	Video            feed.Video
	ChannelName      string
	TranscriptSource string
	Language         string
	Transcript       string
	Partials         []string
	Summary          string
	Outline          string
	ArchivedAt       time.Time
}

// frontmatter is the YAML header of an archived document.
type frontmatter struct {
	VideoID          string    `yaml:"video_id"`
	ChannelID        string    `yaml:"channel_id"`
	Channel          string    `yaml:"channel,omitempty"`
	Title            string    `yaml:"title"`
	URL              string    `yaml:"url"`
	Published        time.Time `yaml:"published"`
	Archived         time.Time `yaml:"archived"`
	TranscriptSource string    `yaml:"transcript_source,omitempty"`
	Language         string    `yaml:"language,omitempty"`
	TranscriptRunes  int       `yaml:"transcript_runes"`
	Chunks           int       `yaml:"chunks,omitempty"`
}

// Render returns the markdown document for e.
func Render(e Entry) ([]byte, error) {
	link := e.Video.Link
	if link == "" {
		link = "https://www.youtube.com/watch?v=" + e.Video.ID
	}
	archived := e.ArchivedAt
	if archived.IsZero() {
		archived = time.Now()
	}
	fm := frontmatter{
		VideoID:          e.Video.ID,
		ChannelID:        e.Video.ChannelID,
		Channel:          e.ChannelName,
		Title:            e.Video.Title,
		URL:              link,
		Published:        e.Video.PublishedAt.UTC(),
		Archived:         archived.UTC(),
		TranscriptSource: e.TranscriptSource,
		Language:         e.Language,
		TranscriptRunes:  len([]rune(e.Transcript)),
		Chunks:           len(e.Partials),
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n\n", e.Video.Title)
	fmt.Fprintf(&buf, "## Summary\n\n%s\n\n", strings.TrimSpace(e.Summary))
	fmt.Fprintf(&buf, "## Outline\n\n%s\n\n", strings.TrimSpace(e.Outline))
	if len(e.Partials) > 1 {
		buf.WriteString("## Partial summaries\n\n")
		for i, p := range e.Partials {
			fmt.Fprintf(&buf, "%d. %s\n", i+1, strings.TrimSpace(p))
		}
		buf.WriteString("\n")
	}
	fmt.Fprintf(&buf, "## Transcript\n\n%s\n", e.Transcript)
	return buf.Bytes(), nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Key is the slash-separated relative name of e's document:
// <channel_id>/<published date>-<video_id>.md.
func Key(e Entry) string {
	channel := unsafeName.ReplaceAllString(e.Video.ChannelID, "_")
	if channel == "" {
		channel = "unknown"
	}
	name := unsafeName.ReplaceAllString(e.Video.ID, "_")
	if !e.Video.PublishedAt.IsZero() {
		name = e.Video.PublishedAt.UTC().Format("2006-01-02") + "-" + name
	}
	return path.Join(channel, name+".md")
}

// Dir writes documents below a local directory.
type Dir struct {
	root   string
	logger *slog.Logger
}

// NewDir creates a directory archiver rooted at root.
func NewDir(root string, logger *slog.Logger) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{root: root, logger: logger}
}

// Write renders e and replaces any earlier copy atomically.
func (d *Dir) Write(_ context.Context, e Entry) error {
	doc, err := Render(e)
	if err != nil {
		return err
	}
	dest := filepath.Join(d.root, filepath.FromSlash(Key(e)))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into %s: %w", dest, err)
	}

	d.logger.Debug("archived", "video_id", e.Video.ID, "path", dest)
	return nil
}

// Multi writes to every archiver and joins the failures.
type Multi []Archiver

// Write implements [Archiver].
func (m Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, a := range m {
		if err := a.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
