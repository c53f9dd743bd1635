package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSpec(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    string
		wantErr bool
	}{
		{"interval", Options{Interval: 6 * time.Hour}, "@every 6h0m0s", false},
		{"cron wins", Options{Cron: "0 */6 * * *", Interval: time.Hour}, "0 */6 * * *", false},
		{"descriptor", Options{Cron: "@daily"}, "@daily", false},
		{"nothing", Options{}, "", true},
		{"bad cron", Options{Cron: "every tuesday"}, "", true},
		{"seconds field rejected", Options{Cron: "*/5 * * * * *"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Spec(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Spec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Spec() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(Options{}, func(context.Context) error { return nil }, quietLogger()); err == nil {
		t.Error("New() with no schedule succeeded")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	ran := make(chan time.Duration, 1)
	s, err := New(Options{Interval: time.Hour, RunTimeout: time.Minute, RunOnStart: true}, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("run context has no deadline")
		}
		ran <- time.Until(deadline)
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case left := <-ran:
		if left <= 0 || left > time.Minute {
			t.Errorf("deadline in %v, want within the run timeout", left)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run on start never happened")
	}

	if next := s.Next(); time.Until(next) < 50*time.Minute {
		t.Errorf("Next() = %v, want about an hour out", next)
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	s, err := New(Options{Interval: time.Hour, RunOnStart: true}, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	// A tick while the first run is busy is dropped, not queued.
	s.fire()
	close(release)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestScheduler_StopWaitsForRun(t *testing.T) {
	finished := make(chan struct{})
	started := make(chan struct{})
	s, err := New(Options{Interval: time.Hour, RunOnStart: true}, func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	<-started

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("Stop returned before the run finished")
	}
}

func TestScheduler_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	s, err := New(Options{Interval: time.Hour, RunOnStart: true}, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want DeadlineExceeded", err)
	}
}

func TestScheduler_CancelledContextSkipsRun(t *testing.T) {
	var runs atomic.Int32
	s, err := New(Options{Interval: time.Hour}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	s.fire()
	s.Stop(context.Background())
	if runs.Load() != 0 {
		t.Errorf("run fired after the base context was cancelled")
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s, err := New(Options{Interval: time.Hour}, func(context.Context) error {
		panic("boom")
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.fire()
	if !strings.Contains(buf.String(), "panic") {
		t.Errorf("panic not logged: %q", buf.String())
	}
}
