package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/tubedigest/internal/archive"
	"github.com/nugget/tubedigest/internal/chunk"
	"github.com/nugget/tubedigest/internal/feed"
	"github.com/nugget/tubedigest/internal/notify"
	"github.com/nugget/tubedigest/internal/state"
	"github.com/nugget/tubedigest/internal/summarize"
	"github.com/nugget/tubedigest/internal/transcript"
)

// videoRun carries one video through the pipeline.
type videoRun struct {
	m     *Monitor
	log   *slog.Logger
	ch    *state.Channel
	video feed.Video
	rec   *state.Record
	sum   *RunSummary
}

// processVideo drives v from its stored status to notified or a
// failure status and returns where it ended. Stages run on a context
// detached from ctx and bounded by the video timeout.
func (m *Monitor) processVideo(ctx context.Context, log *slog.Logger, ch *state.Channel, v feed.Video, sum *RunSummary) state.Status {
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.VideoTimeout)
	defer cancel()

	rec, created, err := m.deps.Store.GetOrCreate(vctx, v.ID, ch.ID, v.Title)
	if err != nil {
		log.Error("load processing record failed", "error", err)
		sum.fail(ch.ID, v.ID, StageState, err)
		return state.StatusPending
	}

	switch rec.Status {
	case state.StatusNotified:
		log.Debug("already notified, skipping")
		sum.Skipped++
		return rec.Status
	case state.StatusFailed:
		log.Debug("retries exhausted, skipping", "last_error", rec.LastError)
		sum.Skipped++
		return rec.Status
	}

	r := &videoRun{m: m, log: log, ch: ch, video: v, rec: rec, sum: sum}
	if !created && rec.Status != state.StatusPending {
		log.Info("retrying video", "previous_status", rec.Status, "last_error", rec.LastError)
		if err := r.advance(vctx, state.StatusPending, ""); err != nil {
			return r.abort(err)
		}
	}

	sum.Processed++
	status, err := r.run(vctx)
	if err != nil {
		return r.abort(err)
	}
	return status
}

// run executes the stages. A returned error is a store failure that
// aborts the video; stage failures are recorded and reported through
// the status.
func (r *videoRun) run(ctx context.Context) (state.Status, error) {
	m := r.m
	v := r.video

	out := m.deps.Extractor.Extract(ctx, transcript.Request{VideoID: v.ID})
	if !out.OK() {
		return r.stageFailed(ctx, StageTranscript, state.StatusTranscriptFailed,
			fmt.Errorf("%s: %w", out.Reason, out.Err))
	}
	if err := r.advance(ctx, state.StatusTranscriptOK, ""); err != nil {
		return "", err
	}

	chunks := chunk.Split(v.ID, out.Text, m.cfg.MaxChunkSize)
	art, err := m.deps.Summarizer.Summarize(ctx, summarize.Input{VideoID: v.ID, Title: v.Title, Chunks: chunks})
	if err != nil {
		return r.stageFailed(ctx, StageSummarize, state.StatusSummarizeFailed, err)
	}
	if err := r.advance(ctx, state.StatusSummarized, ""); err != nil {
		return "", err
	}

	if m.deps.Archive != nil {
		entry := archive.Entry{
			Video:            v,
			ChannelName:      r.ch.Name,
			TranscriptSource: string(out.Source),
			Language:         out.Language,
			Transcript:       out.Text,
			Partials:         art.Partials,
			Summary:          art.Summary,
			Outline:          art.Outline,
			ArchivedAt:       m.now(),
		}
		if err := m.deps.Archive.Write(ctx, entry); err != nil {
			r.log.Warn("archive write failed", "error", err)
		}
	}

	// A record notified by an earlier, interrupted send is never sent
	// again.
	done, err := m.deps.Store.IsNotified(ctx, v.ID)
	if err != nil {
		return "", err
	}
	if done {
		r.log.Warn("video already notified, not sending again")
		r.sum.Skipped++
		return state.StatusNotified, nil
	}

	msg := notify.Message{
		Video:            v,
		ChannelName:      r.ch.Name,
		Summary:          art.Summary,
		Outline:          art.Outline,
		TranscriptSource: string(out.Source),
		Language:         m.cfg.Language,
	}
	if err := m.deps.Notifier.Send(ctx, msg); err != nil {
		if !errors.Is(err, notify.ErrDelivery) {
			err = fmt.Errorf("%w: %w", notify.ErrDelivery, err)
		}
		// The video stays summarized so the next run sends it again.
		return r.stageFailed(ctx, StageNotify, state.StatusSummarized, err)
	}

	if err := r.advance(ctx, state.StatusNotified, ""); err != nil {
		// Delivered but not recorded. The video stays summarized; the
		// next run skips notifiers already in the delivery log.
		r.log.Error("notification sent but not recorded", "error", err)
		r.sum.Notified++
		return r.rec.Status, nil
	}
	r.sum.Notified++
	r.log.Info("video notified",
		"title", v.Title,
		"source", out.Source,
		"chunks", len(chunks),
	)
	return state.StatusNotified, nil
}

// stageFailed records cause on the record in status to and moves it
// to failed once the attempt budget is spent.
func (r *videoRun) stageFailed(ctx context.Context, stage Stage, to state.Status, cause error) (state.Status, error) {
	msg := fmt.Sprintf("%s: %v", stage, cause)
	r.log.Warn("video stage failed", "stage", stage, "attempt", r.rec.Attempts, "error", cause)
	if err := r.advance(ctx, to, msg); err != nil {
		return "", err
	}

	final := to
	if limit := r.m.cfg.MaxVideoAttempts; limit > 0 && r.rec.Attempts >= limit {
		if err := r.advance(ctx, state.StatusFailed, msg); err != nil {
			return "", err
		}
		r.log.Error("video failed permanently", "attempts", r.rec.Attempts, "error", cause)
		final = state.StatusFailed
	}
	r.sum.fail(r.ch.ID, r.video.ID, stage, cause)
	return final, nil
}

// advance moves the record and keeps the local copy in step.
func (r *videoRun) advance(ctx context.Context, to state.Status, errMsg string) error {
	if err := r.m.deps.Store.Advance(ctx, r.video.ID, to, errMsg); err != nil {
		return fmt.Errorf("advance %s to %s: %w", r.video.ID, to, err)
	}
	if to == state.StatusPending && r.rec.Status != state.StatusPending {
		r.rec.Attempts++
	}
	r.rec.Status = to
	r.rec.LastError = errMsg
	return nil
}

// abort stops the video after a store error. Invalid transitions mean
// the record changed under us; the run moves on either way.
func (r *videoRun) abort(err error) state.Status {
	if errors.Is(err, state.ErrInvalidTransition) {
		r.log.Error("invalid status transition, abandoning video", "status", r.rec.Status, "error", err)
	} else {
		r.log.Error("state store error, abandoning video", "status", r.rec.Status, "error", err)
	}
	r.sum.fail(r.ch.ID, r.video.ID, StageState, err)
	return r.rec.Status
}
