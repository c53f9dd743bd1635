// Package schedule runs a job on a cron expression or fixed interval
// for serve mode. A tick that arrives while the previous run is still
// going is skipped, so runs never overlap.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc is one scheduled run. ctx carries the run deadline.
type RunFunc func(ctx context.Context) error

// Options selects when runs happen. Cron wins over Interval.
type Options struct {
	Cron       string
	Interval   time.Duration
	RunTimeout time.Duration
	// RunOnStart fires one run as soon as the scheduler starts.
	RunOnStart bool
}

// Spec returns the cron spec for opts.
func Spec(opts Options) (string, error) {
	spec := opts.Cron
	if spec == "" {
		if opts.Interval <= 0 {
			return "", errors.New("schedule: cron or a positive interval is required")
		}
		spec = "@every " + opts.Interval.String()
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("schedule: parse %q: %w", spec, err)
	}
	return spec, nil
}

// Scheduler fires RunFunc on its schedule.
type Scheduler struct {
	opts   Options
	spec   string
	run    RunFunc
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	entry   cron.EntryID
	extra   sync.WaitGroup
}

// New validates opts and builds a stopped Scheduler.
func New(opts Options, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec, err := Spec(opts)
	if err != nil {
		return nil, err
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		opts:   opts,
		spec:   spec,
		run:    run,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	s.entry, err = s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("schedule: add job: %w", err)
	}
	return s, nil
}

// Start begins firing. Runs get contexts derived from ctx, so
// cancelling it interrupts the run in progress.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec, "next_run", s.Next())

	if s.opts.RunOnStart {
		s.extra.Add(1)
		go func() {
			defer s.extra.Done()
			s.fire()
		}()
	}
}

// Stop prevents further runs and waits for the one in progress, or
// for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-s.cron.Stop().Done()
		s.extra.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("schedule: stop: %w", ctx.Err())
	}
}

// Next returns the next scheduled run, or the zero time when stopped.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// fire runs the job through the same wrapper chain as a scheduled tick.
func (s *Scheduler) fire() {
	s.cron.Entry(s.entry).WrappedJob.Run()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}

	ctx, cancel := base, context.CancelFunc(func() {})
	if s.opts.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(base, s.opts.RunTimeout)
	}
	defer cancel()

	start := time.Now()
	if err := s.run(ctx); err != nil {
		s.logger.Warn("scheduled run ended with error", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return
	}
	s.logger.Debug("scheduled run complete", "elapsed", time.Since(start).Round(time.Millisecond))
}

// cronLogger sends cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
