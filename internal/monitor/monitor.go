// Package monitor drives one scan of every configured channel: list new
// uploads, then extract, summarize and notify each one while recording
// its progress in the state store.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nugget/tubedigest/internal/archive"
	"github.com/nugget/tubedigest/internal/feed"
	"github.com/nugget/tubedigest/internal/notify"
	"github.com/nugget/tubedigest/internal/state"
	"github.com/nugget/tubedigest/internal/summarize"
	"github.com/nugget/tubedigest/internal/transcript"
)

// FeedSource lists a channel's uploads published at or after since,
// oldest first, at most limit of them (limit <= 0 means all).
type FeedSource interface {
	ListNewVideos(ctx context.Context, ch state.Channel, since time.Time, limit int) ([]feed.Video, error)
}

// Extractor obtains a video's transcript.
type Extractor interface {
	Extract(ctx context.Context, req transcript.Request) transcript.Outcome
}

// Summarizer turns chunks into an artifact.
type Summarizer interface {
	Summarize(ctx context.Context, in summarize.Input) (*summarize.Artifact, error)
}

// Config bounds a run. Zero delays disable pacing.
type Config struct {
	MaxVideosPerChannel int
	// MaxVideoAttempts moves a video to failed when a stage fails on
	// this attempt or later. Zero never gives up.
	MaxVideoAttempts int
	ChannelDelay     time.Duration
	VideoDelay       time.Duration
	// VideoTimeout bounds one video's stages. They run detached from
	// the run context so a cancelled run still finishes the video in
	// flight.
	VideoTimeout time.Duration
	MaxChunkSize int
	// Language is recorded on notifications.
	Language string
}

// Deps are the collaborators a Monitor drives. Archive may be nil.
type Deps struct {
	Store      state.Store
	Feeds      FeedSource
	Extractor  Extractor
	Summarizer Summarizer
	Notifier   notify.Notifier
	Archive    archive.Archiver
}

// Monitor runs scans. A Monitor is not safe for concurrent RunOnce
// calls; the scheduler prevents overlap.
type Monitor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	channelPace *rate.Limiter
	videoPace   *rate.Limiter
	now         func() time.Time
}

// New creates a Monitor.
func New(deps Deps, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 15 * time.Minute
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 5000
	}
	return &Monitor{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		channelPace: pacer(cfg.ChannelDelay),
		videoPace:   pacer(cfg.VideoDelay),
		now:         time.Now,
	}
}

// pacer allows one event immediately and then one per d.
func pacer(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

// Status returns the processing record for videoID.
func (m *Monitor) Status(ctx context.Context, videoID string) (*state.Record, error) {
	return m.deps.Store.Get(ctx, videoID)
}

// RunOnce scans channels in order. Per-video and per-channel failures
// are recorded in the summary, never returned. The error is non-nil
// only when ctx ended the run before every channel was scanned.
func (m *Monitor) RunOnce(ctx context.Context, channels []state.Channel) (RunSummary, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	sum := RunSummary{RunID: id.String(), Started: m.now()}
	log := m.logger.With("run_id", sum.RunID)
	log.Info("run started", "channels", len(channels))

	var runErr error
	for _, ch := range channels {
		if err := m.channelPace.Wait(ctx); err != nil {
			runErr = fmt.Errorf("run interrupted: %w", contextErr(ctx, err))
			break
		}
		sum.Channels++
		if err := m.scanChannel(ctx, log, ch, &sum); err != nil {
			log.Warn("channel scan failed", "channel", ch.ID, "error", err)
			sum.Errors = append(sum.Errors, VideoError{ChannelID: ch.ID, Stage: StageFeed, Err: err.Error()})
		}
		if ctx.Err() != nil {
			runErr = fmt.Errorf("run interrupted: %w", ctx.Err())
			break
		}
	}

	sum.Finished = m.now()
	m.logger.Info("run finished", sum.LogAttrs()...)
	return sum, runErr
}

// contextErr prefers the context's own error over the limiter's
// "would exceed deadline" message.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
}

// scanChannel processes one channel's candidates and moves its marker.
func (m *Monitor) scanChannel(ctx context.Context, log *slog.Logger, cfgCh state.Channel, sum *RunSummary) error {
	log = log.With("channel", cfgCh.ID)
	// Marker bookkeeping must survive a cancelled run.
	bg := context.WithoutCancel(ctx)

	ch, firstRun, err := m.loadChannel(bg, cfgCh)
	if err != nil {
		return err
	}

	// The cap applies after dropping uploads already handled at the
	// marker, so the feed is read uncapped.
	videos, err := m.deps.Feeds.ListNewVideos(ctx, *ch, ch.LastSeenAt, 0)
	ch.LastCheckedAt = m.now()
	if err != nil {
		if saveErr := m.deps.Store.SaveChannel(bg, ch); saveErr != nil {
			log.Warn("save channel failed", "error", saveErr)
		}
		return fmt.Errorf("list videos: %w", err)
	}

	if firstRun && len(videos) > 0 {
		newest := videos[len(videos)-1]
		videos = videos[len(videos)-1:]
		// The marker sits on the newest upload without naming it, so
		// it stays in scope until it finishes.
		ch.LastSeenAt = newest.PublishedAt
		log.Info("first scan of channel, processing newest video only",
			"video_id", newest.ID,
			"title", newest.Title,
		)
	}
	videos = m.dropHandled(bg, ch, videos)
	if limit := m.cfg.MaxVideosPerChannel; limit > 0 && len(videos) > limit {
		log.Debug("more new videos than the per-run cap", "new", len(videos), "limit", limit)
		videos = videos[:limit]
	}
	if len(videos) == 0 {
		log.Debug("no new videos")
	}

	// The marker moves over the leading run of videos that reached a
	// terminal status and stops at the first one that did not. Videos
	// sharing its timestamp stay listed, so one left behind at the same
	// instant is still retried.
	advancing := true
	for _, v := range videos {
		if ctx.Err() != nil {
			break
		}
		if err := m.videoPace.Wait(ctx); err != nil {
			break
		}

		status := m.processVideo(ctx, log.With("video_id", v.ID), ch, v, sum)
		if advancing && status.Terminal() {
			if !v.PublishedAt.Before(ch.LastSeenAt) {
				ch.LastSeenAt = v.PublishedAt
				ch.LastVideoID = v.ID
			}
			continue
		}
		advancing = false
	}

	if err := m.deps.Store.SaveChannel(bg, ch); err != nil {
		return fmt.Errorf("save channel marker: %w", err)
	}
	log.Debug("channel marker saved", "last_seen_at", ch.LastSeenAt, "last_video_id", ch.LastVideoID)
	return nil
}

// dropHandled removes uploads published at the marker's instant whose
// records are already terminal. The feed lists them on every scan.
func (m *Monitor) dropHandled(ctx context.Context, ch *state.Channel, videos []feed.Video) []feed.Video {
	return slices.DeleteFunc(videos, func(v feed.Video) bool {
		if !v.PublishedAt.Equal(ch.LastSeenAt) {
			return false
		}
		rec, err := m.deps.Store.Get(ctx, v.ID)
		return err == nil && rec.Status.Terminal()
	})
}

// loadChannel merges the persisted marker into the configured channel.
// A channel without a marker is on its first scan.
func (m *Monitor) loadChannel(ctx context.Context, cfgCh state.Channel) (*state.Channel, bool, error) {
	ch := cfgCh
	saved, err := m.deps.Store.GetChannel(ctx, cfgCh.ID)
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return nil, false, fmt.Errorf("load channel: %w", err)
	default:
		ch.LastSeenAt = saved.LastSeenAt
		ch.LastVideoID = saved.LastVideoID
		ch.LastCheckedAt = saved.LastCheckedAt
		if ch.Name == "" {
			ch.Name = saved.Name
		}
		if ch.URL == "" {
			ch.URL = saved.URL
		}
		if ch.FeedURL == "" {
			ch.FeedURL = saved.FeedURL
		}
	}
	return &ch, ch.LastSeenAt.IsZero(), nil
}
