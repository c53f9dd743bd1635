package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/nugget/tubedigest/internal/buildinfo"
	"github.com/nugget/tubedigest/internal/monitor"
	"github.com/nugget/tubedigest/internal/schedule"
	"github.com/nugget/tubedigest/internal/state"
)

// recentLimit is how many records status lists without arguments.
const recentLimit = 20

// runOnce handles "tubedigest run". An interrupt lets the video in
// flight finish before the command returns.
func runOnce(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, logger, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sum, runErr := a.runOnce(ctx)
	if opts.output == "json" {
		if err := writeJSON(stdout, sum); err != nil {
			return err
		}
	} else {
		printSummary(stdout, sum)
	}
	return runErr
}

// runServe handles "tubedigest serve". It runs scans on the configured
// schedule until SIGINT or SIGTERM, then waits for the scan in progress.
func runServe(ctx context.Context, stderr io.Writer, opts options) error {
	cfg, logger, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	logger.Info("starting tubedigest", buildinfo.LogAttrs(), "channels", len(cfg.Channels))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sched, err := schedule.New(schedule.Options{
		Cron:       cfg.Schedule.Cron,
		Interval:   cfg.Schedule.Interval,
		RunTimeout: cfg.Schedule.RunTimeout,
		RunOnStart: cfg.Schedule.RunOnStart,
	}, func(runCtx context.Context) error {
		_, err := a.runOnce(runCtx)
		return err
	}, logger.With("component", "schedule"))
	if err != nil {
		return err
	}

	sched.Start(ctx)
	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for the current run")

	// A cancelled run still finishes its current video.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.VideoTimeout+30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		return err
	}
	logger.Info("tubedigest stopped")
	return nil
}

// runStatus handles "tubedigest status". With video ids it shows those
// records; without, the status counts and the most recent records.
func runStatus(ctx context.Context, stdout, stderr io.Writer, opts options, ids []string) error {
	cfg, _, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(ids) > 0 {
		var recs []*state.Record
		var errs []error
		for _, id := range ids {
			rec, err := store.Get(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			recs = append(recs, rec)
		}
		if opts.output == "json" {
			if err := writeJSON(stdout, recordViews(recs)); err != nil {
				return err
			}
		} else {
			for _, rec := range recs {
				printRecord(stdout, rec)
			}
		}
		return errors.Join(errs...)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	recent, err := store.List(ctx, state.Filter{Limit: recentLimit})
	if err != nil {
		return err
	}

	if opts.output == "json" {
		byName := make(map[string]int, len(counts))
		for s, n := range counts {
			byName[string(s)] = n
		}
		return writeJSON(stdout, struct {
			Counts map[string]int `json:"counts"`
			Recent []recordView   `json:"recent"`
		}{byName, recordViews(recent)})
	}

	fmt.Fprintln(stdout, "Status counts:")
	for _, s := range state.Statuses {
		fmt.Fprintf(stdout, "  %-18s %d\n", statusColor(s).Sprint(string(s)), counts[s])
	}
	if len(recent) == 0 {
		return nil
	}
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Recent videos:")
	for _, rec := range recent {
		fmt.Fprintf(stdout, "  %-11s %-18s %s  %s\n",
			rec.VideoID, statusColor(rec.Status).Sprint(string(rec.Status)),
			rec.UpdatedAt.Local().Format(time.DateTime), rec.Title)
	}
	return nil
}

// runChannels handles "tubedigest channels": the configured channels
// with their persisted scan markers.
func runChannels(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	saved, err := store.ListChannels(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*state.Channel, len(saved))
	for _, ch := range saved {
		byID[ch.ID] = ch
	}

	views := make([]channelView, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		v := channelView{Name: cc.Name, ID: cc.ID, URL: cc.URL}
		if ch, ok := byID[cc.ID]; ok && cc.ID != "" {
			v.LastSeenAt = ch.LastSeenAt
			v.LastVideoID = ch.LastVideoID
			v.LastCheckedAt = ch.LastCheckedAt
		}
		views = append(views, v)
	}

	if opts.output == "json" {
		return writeJSON(stdout, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(stdout, "No channels configured.")
		return nil
	}
	for _, v := range views {
		id := v.ID
		if id == "" {
			id = color.New(color.FgYellow).Sprint("(resolved from URL at run time)")
		}
		fmt.Fprintf(stdout, "%s  %s\n", color.New(color.Bold).Sprint(v.Name), id)
		if v.URL != "" {
			fmt.Fprintf(stdout, "  url:          %s\n", v.URL)
		}
		if v.LastCheckedAt.IsZero() {
			fmt.Fprintf(stdout, "  last checked: %s\n", color.New(color.FgYellow).Sprint("never"))
			continue
		}
		fmt.Fprintf(stdout, "  last checked: %s\n", v.LastCheckedAt.Local().Format(time.DateTime))
		fmt.Fprintf(stdout, "  marker:       %s (%s)\n", v.LastSeenAt.Local().Format(time.DateTime), v.LastVideoID)
	}
	return nil
}

// runRetry handles "tubedigest retry": each video goes back to pending
// with a fresh attempt count. Notified videos cannot be reset.
func runRetry(ctx context.Context, stdout, stderr io.Writer, opts options, ids []string) error {
	cfg, _, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var errs []error
	for _, id := range ids {
		if err := store.Reset(ctx, id); err != nil {
			fmt.Fprintf(stdout, "  %s %s: %v\n", color.New(color.FgRed).Sprint("✗"), id, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(stdout, "  %s %s reset to pending\n", color.New(color.FgGreen).Sprint("✓"), id)
	}
	return errors.Join(errs...)
}

func printSummary(w io.Writer, sum monitor.RunSummary) {
	fmt.Fprintf(w, "Run %s finished in %s\n", sum.RunID, sum.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  channels:  %d\n", sum.Channels)
	fmt.Fprintf(w, "  processed: %d\n", sum.Processed)
	fmt.Fprintf(w, "  notified:  %s\n", color.New(color.FgGreen).Sprint(sum.Notified))
	failed := fmt.Sprint(sum.Failed)
	if sum.Failed > 0 {
		failed = color.New(color.FgRed).Sprint(sum.Failed)
	}
	fmt.Fprintf(w, "  failed:    %s\n", failed)
	fmt.Fprintf(w, "  skipped:   %d\n", sum.Skipped)
	if len(sum.Errors) == 0 {
		return
	}
	fmt.Fprintln(w, "  errors:")
	for _, e := range sum.Errors {
		where := e.ChannelID
		if e.VideoID != "" {
			where += "/" + e.VideoID
		}
		fmt.Fprintf(w, "    %s [%s] %s\n", where, e.Stage, e.Err)
	}
}

func printRecord(w io.Writer, rec *state.Record) {
	fmt.Fprintf(w, "%s  %s\n", color.New(color.Bold).Sprint(rec.VideoID), rec.Title)
	fmt.Fprintf(w, "  status:     %s\n", statusColor(rec.Status).Sprint(string(rec.Status)))
	fmt.Fprintf(w, "  channel:    %s\n", rec.ChannelID)
	fmt.Fprintf(w, "  attempts:   %d\n", rec.Attempts)
	fmt.Fprintf(w, "  updated:    %s\n", rec.UpdatedAt.Local().Format(time.DateTime))
	if !rec.NotifiedAt.IsZero() {
		fmt.Fprintf(w, "  notified:   %s\n", rec.NotifiedAt.Local().Format(time.DateTime))
	}
	if rec.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", rec.LastError)
	}
}

func statusColor(s state.Status) *color.Color {
	switch s {
	case state.StatusNotified:
		return color.New(color.FgGreen)
	case state.StatusFailed:
		return color.New(color.FgRed)
	case state.StatusTranscriptFailed, state.StatusSummarizeFailed:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

// recordView is the JSON shape of a record.
type recordView struct {
	VideoID    string     `json:"video_id"`
	ChannelID  string     `json:"channel_id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

func recordViews(recs []*state.Record) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, r := range recs {
		v := recordView{
			VideoID:   r.VideoID,
			ChannelID: r.ChannelID,
			Title:     r.Title,
			Status:    string(r.Status),
			LastError: r.LastError,
			Attempts:  r.Attempts,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		if !r.NotifiedAt.IsZero() {
			t := r.NotifiedAt
			v.NotifiedAt = &t
		}
		out = append(out, v)
	}
	return out
}

// channelView is the JSON shape of a configured channel.
type channelView struct {
	Name          string    `json:"name"`
	ID            string    `json:"channel_id,omitempty"`
	URL           string    `json:"channel_url,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at,omitzero"`
	LastVideoID   string    `json:"last_video_id,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at,omitzero"`
}
