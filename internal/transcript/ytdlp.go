package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// runFunc runs an external command and returns its output streams.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// YtDlp is the primary strategy: it asks the yt-dlp binary to write
// the subtitle track for a video without downloading any media.
type YtDlp struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
	run     runFunc
}

// NewYtDlp creates the yt-dlp strategy. A bare name is resolved on PATH
// at call time. timeout bounds one invocation; zero means none.
func NewYtDlp(path string, timeout time.Duration, logger *slog.Logger) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YtDlp{path: path, timeout: timeout, logger: logger, run: execRun}
}

// Name implements Strategy.
func (y *YtDlp) Name() string { return "yt-dlp" }

// ytdlpMeta is the subset of --print-json output used here.
type ytdlpMeta struct {
	ID                string                     `json:"id"`
	Title             string                     `json:"title"`
	Duration          float64                    `json:"duration"`
	Subtitles         map[string]json.RawMessage `json:"subtitles"`
	AutomaticCaptions map[string]json.RawMessage `json:"automatic_captions"`
}

// Fetch implements Strategy.
func (y *YtDlp) Fetch(ctx context.Context, videoID string, langs []string, creds Credentials) (*Response, error) {
	tmpDir, err := os.MkdirTemp("", "tubedigest-subs-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", ErrTool, err)
	}
	defer os.RemoveAll(tmpDir)

	preferred := ExpandLanguages(langs)
	subLangs := append(append([]string{}, preferred...), "en.*")

	meta, stderr, err := y.download(ctx, tmpDir, videoID, subLangs, creds)
	if err != nil {
		return nil, err
	}

	tracks := y.available(meta)
	if len(tracks) == 0 {
		return nil, ErrNoCaptions
	}

	files := subtitleFiles(tmpDir, videoID)
	if len(files) == 0 {
		// Nothing matched the preference list; take whatever the
		// language policy picks from what the video offers.
		if blockedStderr(stderr) {
			return nil, fmt.Errorf("%w: subtitle download refused: %s", ErrBlocked, trimStderr(stderr))
		}
		pick, _ := PickTrack(tracks, preferred)
		y.logger.Debug("no preferred subtitle written, retrying with available track",
			"video_id", videoID, "language", pick.Language, "auto", pick.Auto)
		if _, stderr, err = y.download(ctx, tmpDir, videoID, []string{pick.Language}, creds); err != nil {
			return nil, err
		}
		files = subtitleFiles(tmpDir, videoID)
		if len(files) == 0 {
			if blockedStderr(stderr) {
				return nil, fmt.Errorf("%w: subtitle download refused: %s", ErrBlocked, trimStderr(stderr))
			}
			return nil, fmt.Errorf("%w: yt-dlp wrote no subtitle file", ErrTransient)
		}
	}

	var written []Track
	for lang := range files {
		_, manual := meta.Subtitles[lang]
		written = append(written, Track{Language: lang, Auto: !manual})
	}
	sortTracks(written)
	pick, _ := PickTrack(written, preferred)

	body, err := os.ReadFile(files[pick.Language])
	if err != nil {
		return nil, fmt.Errorf("%w: read subtitle file: %v", ErrTool, err)
	}

	return &Response{
		Body:        body,
		ContentType: "text/vtt",
		Format:      FormatVTT,
		Language:    pick.Language,
		Duration:    time.Duration(meta.Duration * float64(time.Second)),
	}, nil
}

func (y *YtDlp) download(ctx context.Context, dir, videoID string, subLangs []string, creds Credentials) (*ytdlpMeta, []byte, error) {
	args := []string{
		"--skip-download",
		"--write-sub",
		"--write-auto-sub",
		"--sub-format", "vtt",
		"--sub-langs", strings.Join(subLangs, ","),
		"--print-json",
		"--no-progress",
		"-o", filepath.Join(dir, "%(id)s"),
	}
	switch creds.Source {
	case CredentialsCookieFile:
		if creds.CookieFile != "" {
			args = append(args, "--cookies", creds.CookieFile)
		}
	case CredentialsBrowser:
		if creds.Browser != "" {
			args = append(args, "--cookies-from-browser", creds.Browser)
		}
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}

	y.logger.Debug("running yt-dlp", "video_id", videoID, "sub_langs", subLangs, "credentials", creds.Source)

	stdout, stderr, err := y.run(ctx, y.path, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, stderr, fmt.Errorf("%w: %v", ErrTool, err)
		}
		if ctx.Err() != nil {
			return nil, stderr, fmt.Errorf("%w: yt-dlp: %v", ErrTransient, ctx.Err())
		}
		return nil, stderr, classifyStderr(stderr, err)
	}

	var meta ytdlpMeta
	line := firstJSONLine(stdout)
	if err := json.Unmarshal(line, &meta); err != nil {
		return nil, stderr, fmt.Errorf("%w: parse yt-dlp output: %v", ErrTool, err)
	}
	return &meta, stderr, nil
}

// available lists every track yt-dlp reports, manual ones first.
func (y *YtDlp) available(meta *ytdlpMeta) []Track {
	var tracks []Track
	for lang := range meta.Subtitles {
		if lang == "live_chat" {
			continue
		}
		tracks = append(tracks, Track{Language: lang})
	}
	for lang := range meta.AutomaticCaptions {
		tracks = append(tracks, Track{Language: lang, Auto: true})
	}
	sortTracks(tracks)
	return tracks
}

// sortTracks gives map-derived track lists a stable order: manual
// before automatic, then by language code.
func sortTracks(tracks []Track) {
	slices.SortFunc(tracks, func(a, b Track) int {
		if a.Auto != b.Auto {
			if a.Auto {
				return 1
			}
			return -1
		}
		return strings.Compare(a.Language, b.Language)
	})
}

// subtitleFiles maps language code to path for every "<id>.<lang>.vtt"
// in dir.
func subtitleFiles(dir, videoID string) map[string]string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	files := make(map[string]string)
	prefix := videoID + "."
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".vtt") {
			continue
		}
		lang := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".vtt")
		if lang != "" {
			files[lang] = filepath.Join(dir, name)
		}
	}
	return files
}

func firstJSONLine(out []byte) []byte {
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 && line[0] == '{' {
			return line
		}
	}
	return bytes.TrimSpace(out)
}

func blockedStderr(stderr []byte) bool {
	l := strings.ToLower(string(stderr))
	for _, m := range []string{"http error 429", "too many requests", "sign in to confirm", "not a bot"} {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// classifyStderr maps a failed yt-dlp run to a strategy error.
func classifyStderr(stderr []byte, runErr error) error {
	msg := trimStderr(stderr)
	l := strings.ToLower(msg)
	switch {
	case blockedStderr(stderr):
		return fmt.Errorf("%w: %s", ErrBlocked, msg)
	case strings.Contains(l, "no subtitles"), strings.Contains(l, "there are no subtitles"),
		strings.Contains(l, "video unavailable"), strings.Contains(l, "private video"),
		strings.Contains(l, "has been removed"):
		return fmt.Errorf("%w: %s", ErrNoCaptions, msg)
	case strings.Contains(l, "timed out"), strings.Contains(l, "connection"),
		strings.Contains(l, "temporary failure"), strings.Contains(l, "http error 5"),
		strings.Contains(l, "unable to download"):
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	default:
		return fmt.Errorf("%w: %v: %s", ErrTool, runErr, msg)
	}
}

func trimStderr(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
