package monitor

import (
	"log/slog"
	"time"
)

// Stage names the pipeline step a failure came from.
type Stage string

const (
	StageFeed       Stage = "feed"
	StageState      Stage = "state"
	StageTranscript Stage = "transcript"
	StageSummarize  Stage = "summarize"
	StageNotify     Stage = "notify"
)

// VideoError is one failure recorded during a run. VideoID is empty
// for channel-level failures.
type VideoError struct {
	ChannelID string `json:"channel_id"`
	VideoID   string `json:"video_id,omitempty"`
	Stage     Stage  `json:"stage"`
	Err       string `json:"error"`
}

// RunSummary reports what one RunOnce did.
type RunSummary struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Channels int       `json:"channels"`
	// Processed counts videos that entered the pipeline this run.
	Processed int          `json:"processed"`
	Notified  int          `json:"notified"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Errors    []VideoError `json:"errors,omitempty"`
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// LogAttrs returns the summary as slog key/value pairs.
func (s RunSummary) LogAttrs() []any {
	return []any{
		slog.String("run_id", s.RunID),
		slog.Int("channels", s.Channels),
		slog.Int("processed", s.Processed),
		slog.Int("notified", s.Notified),
		slog.Int("failed", s.Failed),
		slog.Int("skipped", s.Skipped),
		slog.Duration("elapsed", s.Duration().Round(time.Millisecond)),
	}
}

func (s *RunSummary) fail(channelID, videoID string, stage Stage, err error) {
	s.Failed++
	s.Errors = append(s.Errors, VideoError{
		ChannelID: channelID,
		VideoID:   videoID,
		Stage:     stage,
		Err:       err.Error(),
	})
}
