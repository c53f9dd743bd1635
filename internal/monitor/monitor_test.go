package monitor

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/tubedigest/internal/archive"
	"github.com/nugget/tubedigest/internal/feed"
	"github.com/nugget/tubedigest/internal/llm"
	"github.com/nugget/tubedigest/internal/notify"
	"github.com/nugget/tubedigest/internal/retry"
	"github.com/nugget/tubedigest/internal/state"
	"github.com/nugget/tubedigest/internal/summarize"
	"github.com/nugget/tubedigest/internal/transcript"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStore(t *testing.T) state.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := state.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func video(id string, day int) feed.Video {
	return feed.Video{
		ID:          id,
		ChannelID:   "UCtest",
		Title:       "Video " + id,
		PublishedAt: base.AddDate(0, 0, day),
	}
}

// fakeFeed serves a fixed upload list with the real source's filtering.
type fakeFeed struct {
	mu     sync.Mutex
	videos map[string][]feed.Video
	err    map[string]error
	calls  int
}

func (f *fakeFeed) ListNewVideos(_ context.Context, ch state.Channel, since time.Time, limit int) ([]feed.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.err[ch.ID]; err != nil {
		return nil, err
	}
	var out []feed.Video
	for _, v := range f.videos[ch.ID] {
		if !v.PublishedAt.Before(since) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b feed.Video) int {
		if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeExtractor returns a transcript per video id, or fails with the
// configured outcome.
type fakeExtractor struct {
	mu    sync.Mutex
	text  func(videoID string) string
	fail  map[string]transcript.Outcome
	calls []string
}

func (f *fakeExtractor) Extract(_ context.Context, req transcript.Request) transcript.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, req.VideoID)
	f.mu.Unlock()
	if out, ok := f.fail[req.VideoID]; ok {
		out.VideoID = req.VideoID
		out.Source = transcript.SourceNone
		return out
	}
	text := "A short talk about testing."
	if f.text != nil {
		text = f.text(req.VideoID)
	}
	return transcript.Outcome{VideoID: req.VideoID, Source: transcript.SourcePrimary, Language: "en", Text: text, Attempts: 1}
}

// scriptedCompleter answers chunk prompts with a partial and every
// other prompt with a structured summary.
type scriptedCompleter struct {
	mu      sync.Mutex
	chunks  int
	finals  int
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Prompt)
	if strings.Contains(req.Prompt, "当前段落") {
		c.chunks++
		return "chunk partial", nil
	}
	c.finals++
	return "【摘要】\n视频总结。\n【大纲】\n1. 要点", nil
}

// recordingNotifier counts deliveries and can fail or run a hook.
type recordingNotifier struct {
	mu        sync.Mutex
	name      string
	calls     int
	delivered []notify.Message
	failFirst int
	onSend    func(m notify.Message)
}

func (n *recordingNotifier) Name() string {
	if n.name == "" {
		return "recording"
	}
	return n.name
}

func (n *recordingNotifier) Send(_ context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.onSend != nil {
		n.onSend(m)
	}
	if n.calls <= n.failFirst {
		return &notify.DeliveryError{Notifier: "test", Err: errors.New("webhook down")}
	}
	n.delivered = append(n.delivered, m)
	return nil
}

func (n *recordingNotifier) count(videoID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.delivered {
		if m.Video.ID == videoID {
			c++
		}
	}
	return c
}

type harness struct {
	store     state.Store
	feed      *fakeFeed
	extractor *fakeExtractor
	llm       *scriptedCompleter
	notifier  *recordingNotifier
	// fanout replaces notifier when set.
	fanout  notify.Notifier
	cfg     Config
	archive archive.Archiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:     setupStore(t),
		feed:      &fakeFeed{videos: map[string][]feed.Video{}},
		extractor: &fakeExtractor{},
		llm:       &scriptedCompleter{},
		notifier:  &recordingNotifier{},
		cfg: Config{
			MaxVideosPerChannel: 5,
			MaxVideoAttempts:    3,
			VideoTimeout:        time.Minute,
			MaxChunkSize:        3000,
			Language:            "zh",
		},
	}
}

func (h *harness) monitor(extractor Extractor) *Monitor {
	if extractor == nil {
		extractor = h.extractor
	}
	sum := summarize.New(h.llm, summarize.Options{
		Language:    "zh",
		MaxParallel: 2,
		Retry:       retry.Policy{MaxAttempts: 1},
	}, quietLogger())
	var n notify.Notifier = h.notifier
	if h.fanout != nil {
		n = h.fanout
	}
	return New(Deps{
		Store:      h.store,
		Feeds:      h.feed,
		Extractor:  extractor,
		Summarizer: sum,
		Notifier:   n,
		Archive:    h.archive,
	}, h.cfg, quietLogger())
}

// seedMarker saves a marker so the channel is past its first scan.
func (h *harness) seedMarker(t *testing.T, id string, at time.Time) {
	t.Helper()
	if err := h.store.SaveChannel(context.Background(), &state.Channel{ID: id, LastSeenAt: at}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func (h *harness) record(t *testing.T, videoID string) *state.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), videoID)
	if err != nil {
		t.Fatalf("get %s: %v", videoID, err)
	}
	return rec
}

func (h *harness) marker(t *testing.T, id string) *state.Channel {
	t.Helper()
	ch, err := h.store.GetChannel(context.Background(), id)
	if err != nil {
		t.Fatalf("get channel %s: %v", id, err)
	}
	return ch
}

var testChannel = state.Channel{ID: "UCtest", Name: "Test Channel"}

func TestRunOnce_EndToEnd(t *testing.T) {
	h := newHarness(t)
	// 90 sentences of 100 runes: exactly three 3000-rune chunks.
	long := strings.Repeat(strings.Repeat("a", 98)+". ", 90)
	h.extractor.text = func(string) string { return long }
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)

	sum, err := h.monitor(nil).RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if h.llm.chunks != 3 || h.llm.finals != 1 {
		t.Errorf("AI calls: chunks=%d finals=%d, want 3 and 1", h.llm.chunks, h.llm.finals)
	}
	if len(h.notifier.delivered) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.delivered))
	}
	msg := h.notifier.delivered[0]
	if msg.Summary != "视频总结。" || msg.Outline != "1. 要点" {
		t.Errorf("message summary=%q outline=%q", msg.Summary, msg.Outline)
	}
	if msg.ChannelName != "Test Channel" || msg.TranscriptSource != "primary" {
		t.Errorf("message channel=%q source=%q", msg.ChannelName, msg.TranscriptSource)
	}

	rec := h.record(t, "v1")
	if rec.Status != state.StatusNotified || rec.Attempts != 1 || rec.NotifiedAt.IsZero() {
		t.Errorf("record = %+v, want notified on attempt 1", rec)
	}
	if ch := h.marker(t, "UCtest"); !ch.LastSeenAt.Equal(video("v1", 1).PublishedAt) || ch.LastVideoID != "v1" {
		t.Errorf("marker = %v %q, want v1's publish time", ch.LastSeenAt, ch.LastVideoID)
	}
	if sum.Processed != 1 || sum.Notified != 1 || sum.Failed != 0 || sum.Skipped != 0 || sum.Channels != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.RunID == "" || sum.Finished.Before(sum.Started) {
		t.Errorf("summary run id/timing = %q %v..%v", sum.RunID, sum.Started, sum.Finished)
	}
}

func TestRunOnce_SecondRunNoNotifications(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if h.notifier.calls != 2 {
		t.Errorf("notifier calls = %d, want 2 (one per video, none on the second run)", h.notifier.calls)
	}
	if sum.Processed != 0 || sum.Notified != 0 {
		t.Errorf("second summary = %+v, want nothing processed", sum)
	}
}

func TestRunOnce_NotifiedVideoSkippedWhenMarkerLost(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	// Roll the marker back so the feed offers v1 again.
	h.seedMarker(t, "UCtest", base)

	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if h.notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1", h.notifier.calls)
	}
	if sum.Skipped != 1 || sum.Processed != 0 {
		t.Errorf("summary = %+v, want v1 skipped", sum)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "v1" {
		t.Errorf("marker did not move past the skipped video: %+v", ch)
	}
}

func TestRunOnce_FirstRunNewestOnly(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v3", 3), video("v1", 1), video("v2", 2)}

	sum, err := h.monitor(nil).RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 1 || len(h.notifier.delivered) != 1 || h.notifier.delivered[0].Video.ID != "v3" {
		t.Fatalf("first run processed %d, delivered %v; want only v3", sum.Processed, h.notifier.delivered)
	}
	for _, id := range []string{"v1", "v2"} {
		if _, err := h.store.Get(context.Background(), id); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("%s has a record; the back catalogue should be ignored", id)
		}
	}
	if ch := h.marker(t, "UCtest"); !ch.LastSeenAt.Equal(video("v3", 3).PublishedAt) {
		t.Errorf("marker = %v, want v3", ch.LastSeenAt)
	}
}

func TestRunOnce_FirstRunFailureKeepsNewestInScope(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2)}
	h.extractor.fail = map[string]transcript.Outcome{
		"v2": {Reason: transcript.ReasonNetworkError, Err: transcript.ErrTransient},
	}
	m := h.monitor(nil)

	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	delete(h.extractor.fail, "v2")
	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}

	if h.notifier.count("v2") != 1 || h.notifier.count("v1") != 0 {
		t.Errorf("delivered %v, want v2 once and never v1", h.notifier.delivered)
	}
}

func TestRunOnce_TranscriptFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxVideoAttempts = 2
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)

	blocked := &stubStrategy{name: "yt-dlp", err: transcript.ErrBlocked}
	fallback := &stubStrategy{name: "watch-page", err: transcript.ErrBlocked}
	ex := transcript.NewExtractor(blocked, fallback,
		transcript.WithPrimaryRetry(retry.Policy{MaxAttempts: 2}),
		transcript.WithFallbackRetry(retry.Policy{MaxAttempts: 1}),
		transcript.WithLogger(quietLogger()),
	)
	m := h.monitor(ex)

	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if blocked.calls != 2 || fallback.calls != 1 {
		t.Errorf("strategy calls primary=%d fallback=%d, want 2 and 1", blocked.calls, fallback.calls)
	}
	rec := h.record(t, "v1")
	if rec.Status != state.StatusTranscriptFailed || !strings.Contains(rec.LastError, "blocked") {
		t.Errorf("record = %+v, want transcript_failed with reason blocked", rec)
	}
	if h.llm.chunks+h.llm.finals != 0 || h.notifier.calls != 0 {
		t.Errorf("later stages ran: ai=%d notify=%d", h.llm.chunks+h.llm.finals, h.notifier.calls)
	}
	if sum.Failed != 1 || len(sum.Errors) != 1 || sum.Errors[0].Stage != StageTranscript {
		t.Errorf("summary = %+v", sum)
	}
	if ch := h.marker(t, "UCtest"); !ch.LastSeenAt.Equal(base) {
		t.Errorf("marker advanced past a retryable failure: %v", ch.LastSeenAt)
	}

	// Second attempt exhausts the budget; the video becomes failed and
	// the marker moves past it.
	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	rec = h.record(t, "v1")
	if rec.Status != state.StatusFailed || rec.Attempts != 2 {
		t.Errorf("record = %+v, want failed after 2 attempts", rec)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "v1" {
		t.Errorf("marker = %+v, want past v1", ch)
	}

	// A failed video is not retried automatically.
	sum, _ = m.RunOnce(context.Background(), []state.Channel{testChannel})
	if sum.Processed != 0 {
		t.Errorf("third run processed %d videos", sum.Processed)
	}
}

func TestRunOnce_NotifyFailureRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.notifier.failFirst = 1
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	rec := h.record(t, "v1")
	if rec.Status != state.StatusSummarized || !strings.Contains(rec.LastError, notify.ErrDelivery.Error()) {
		t.Errorf("record = %+v, want summarized with a delivery error", rec)
	}
	if sum.Failed != 1 || sum.Errors[0].Stage != StageNotify {
		t.Errorf("summary = %+v", sum)
	}

	for range 3 {
		if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.notifier.count("v1"); got != 1 {
		t.Errorf("v1 delivered %d times, want exactly 1", got)
	}
	if rec := h.record(t, "v1"); rec.Status != state.StatusNotified || rec.Attempts != 2 {
		t.Errorf("record = %+v, want notified on attempt 2", rec)
	}
}

func TestRunOnce_InterruptedRunResumes(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2)}
	h.seedMarker(t, "UCtest", base)
	ctx := context.Background()

	// v1 was left mid-pipeline; v2 was delivered but the run died
	// before the marker moved.
	if _, _, err := h.store.GetOrCreate(ctx, "v1", "UCtest", "Video v1"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Advance(ctx, "v1", state.StatusTranscriptOK, ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.store.GetOrCreate(ctx, "v2", "UCtest", "Video v2"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []state.Status{state.StatusTranscriptOK, state.StatusSummarized, state.StatusNotified} {
		if err := h.store.Advance(ctx, "v2", s, ""); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := h.monitor(nil).RunOnce(ctx, []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if h.notifier.count("v1") != 1 || h.notifier.count("v2") != 0 {
		t.Errorf("delivered %v, want v1 once and v2 never", h.notifier.delivered)
	}
	if rec := h.record(t, "v1"); rec.Status != state.StatusNotified || rec.Attempts != 2 {
		t.Errorf("v1 = %+v, want notified on attempt 2", rec)
	}
	if sum.Processed != 1 || sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "v2" {
		t.Errorf("marker = %+v, want past v2", ch)
	}
}

func TestRunOnce_MarkerStopsAtNonTerminal(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2), video("v3", 3)}
	h.extractor.fail = map[string]transcript.Outcome{
		"v2": {Reason: transcript.ReasonNoCaptions, Err: transcript.ErrNoCaptions},
	}
	h.seedMarker(t, "UCtest", base)

	sum, err := h.monitor(nil).RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	// A failed video does not stop the channel.
	if sum.Notified != 2 || sum.Failed != 1 {
		t.Errorf("summary = %+v, want 2 notified and 1 failed", sum)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "v1" || !ch.LastSeenAt.Equal(video("v1", 1).PublishedAt) {
		t.Errorf("marker = %+v, want it held at v1", ch)
	}
}

func TestRunOnce_PerChannelCap(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxVideosPerChannel = 2
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2), video("v3", 3)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 2 || h.notifier.delivered[0].Video.ID != "v1" || h.notifier.delivered[1].Video.ID != "v2" {
		t.Fatalf("first run delivered %d, want v1 then v2", len(h.notifier.delivered))
	}
	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	if h.notifier.count("v3") != 1 {
		t.Errorf("v3 not picked up by the next run")
	}
}

func TestRunOnce_SameTimestampRetried(t *testing.T) {
	h := newHarness(t)
	// Two uploads published in the same instant; the second fails once.
	h.feed.videos["UCtest"] = []feed.Video{video("vA", 1), video("vB", 1)}
	h.extractor.fail = map[string]transcript.Outcome{
		"vB": {Reason: transcript.ReasonNetworkError, Err: transcript.ErrTransient},
	}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	if rec := h.record(t, "vB"); rec.Status != state.StatusTranscriptFailed {
		t.Fatalf("vB = %s after first run, want transcript_failed", rec.Status)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "vA" {
		t.Errorf("marker = %+v, want it on vA", ch)
	}

	delete(h.extractor.fail, "vB")
	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(h.extractor.calls, []string{"vA", "vB", "vB"}) {
		t.Errorf("extract calls = %v, want vB retried", h.extractor.calls)
	}
	if rec := h.record(t, "vB"); rec.Status != state.StatusNotified || rec.Attempts != 2 {
		t.Errorf("vB = %+v, want notified on attempt 2", rec)
	}
	if h.notifier.count("vA") != 1 || h.notifier.count("vB") != 1 {
		t.Errorf("delivered %v, want each video once", h.notifier.delivered)
	}
	// vA is at the marker and already notified; it is not even skipped.
	if sum.Processed != 1 || sum.Skipped != 0 {
		t.Errorf("second summary = %+v", sum)
	}
}

func TestRunOnce_CapBetweenSameTimestamps(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxVideosPerChannel = 1
	h.feed.videos["UCtest"] = []feed.Video{video("vA", 1), video("vB", 1), video("vC", 1), video("vD", 2)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	for i := range 4 {
		sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Processed != 1 {
			t.Errorf("run %d processed %d, want 1", i+1, sum.Processed)
		}
	}
	var order []string
	for _, msg := range h.notifier.delivered {
		order = append(order, msg.Video.ID)
	}
	if !slices.Equal(order, []string{"vA", "vB", "vC", "vD"}) {
		t.Errorf("delivery order = %v, want every video once in publish order", order)
	}
}

func TestRunOnce_PartialFanOutNotRedelivered(t *testing.T) {
	h := newHarness(t)
	good := &recordingNotifier{name: "good"}
	flaky := &recordingNotifier{name: "flaky", failFirst: 1}
	h.fanout = notify.NewMulti(quietLogger(), good, flaky).WithDeliveryLog(h.store)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 || h.record(t, "v1").Status != state.StatusSummarized {
		t.Fatalf("first run = %+v, want a notify failure", sum)
	}

	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	if good.count("v1") != 1 || flaky.count("v1") != 1 {
		t.Errorf("deliveries good=%d flaky=%d, want 1 each", good.count("v1"), flaky.count("v1"))
	}
	if rec := h.record(t, "v1"); rec.Status != state.StatusNotified {
		t.Errorf("v1 = %s, want notified", rec.Status)
	}
}

// unrecordedStore fails the first move of videoID to notified, as if
// the process died between sending and committing.
type unrecordedStore struct {
	state.Store
	videoID string
	failed  bool
}

func (s *unrecordedStore) Advance(ctx context.Context, videoID string, to state.Status, errMsg string) error {
	if videoID == s.videoID && to == state.StatusNotified && !s.failed {
		s.failed = true
		return errors.New("database is locked")
	}
	return s.Store.Advance(ctx, videoID, to, errMsg)
}

func TestRunOnce_UnrecordedNotificationCountedOnce(t *testing.T) {
	h := newHarness(t)
	h.store = &unrecordedStore{Store: h.store, videoID: "v1"}
	sink := &recordingNotifier{name: "sink"}
	h.fanout = notify.NewMulti(quietLogger(), sink).WithDeliveryLog(h.store)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	sum, err := m.RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Notified != 1 || sum.Failed != 0 || len(sum.Errors) != 0 {
		t.Errorf("summary = %+v, want notified once and no failure", sum)
	}
	if rec := h.record(t, "v1"); rec.Status != state.StatusSummarized {
		t.Errorf("v1 = %s, want summarized until the commit succeeds", rec.Status)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "" {
		t.Errorf("marker = %+v, want it held before v1", ch)
	}

	// The next run commits without sending again.
	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	if sink.count("v1") != 1 {
		t.Errorf("v1 delivered %d times, want 1", sink.count("v1"))
	}
	if rec := h.record(t, "v1"); rec.Status != state.StatusNotified {
		t.Errorf("v1 = %s, want notified", rec.Status)
	}
}

func TestRunOnce_FeedFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.feed.err = map[string]error{"UCbroken": errors.New("HTTP 500")}
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)

	sum, err := h.monitor(nil).RunOnce(context.Background(), []state.Channel{{ID: "UCbroken"}, testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Notified != 1 || sum.Channels != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Stage != StageFeed || sum.Errors[0].ChannelID != "UCbroken" {
		t.Errorf("errors = %+v", sum.Errors)
	}
	if ch := h.marker(t, "UCbroken"); ch.LastCheckedAt.IsZero() || !ch.LastSeenAt.IsZero() {
		t.Errorf("broken channel = %+v, want checked but no marker", ch)
	}
}

func TestRunOnce_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.monitor(nil).RunOnce(ctx, []state.Channel{testChannel})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if sum.Channels != 0 || h.feed.calls != 0 {
		t.Errorf("summary = %+v feed calls = %d, want nothing scanned", sum, h.feed.calls)
	}
}

func TestRunOnce_CancelFinishesInFlightVideo(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2)}
	h.seedMarker(t, "UCtest", base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The run is cancelled while v1 is being delivered.
	h.notifier.onSend = func(notify.Message) { cancel() }

	sum, err := h.monitor(nil).RunOnce(ctx, []state.Channel{testChannel})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if rec := h.record(t, "v1"); rec.Status != state.StatusNotified {
		t.Errorf("v1 = %s, want the in-flight video finished", rec.Status)
	}
	if _, err := h.store.Get(context.Background(), "v2"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("v2 was started after cancellation")
	}
	if sum.Notified != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if ch := h.marker(t, "UCtest"); ch.LastVideoID != "v1" {
		t.Errorf("marker = %+v, want v1 saved despite cancellation", ch)
	}
}

// conflictStore rejects every transition for one video, as if another
// writer had moved it.
type conflictStore struct {
	state.Store
	videoID string
}

func (s *conflictStore) Advance(ctx context.Context, videoID string, to state.Status, errMsg string) error {
	if videoID == s.videoID {
		return state.CanTransition(state.StatusNotified, to).Error()
	}
	return s.Store.Advance(ctx, videoID, to, errMsg)
}

func TestRunOnce_InvalidTransitionIsolated(t *testing.T) {
	h := newHarness(t)
	h.store = &conflictStore{Store: h.store, videoID: "v1"}
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1), video("v2", 2)}
	h.seedMarker(t, "UCtest", base)

	sum, err := h.monitor(nil).RunOnce(context.Background(), []state.Channel{testChannel})
	if err != nil {
		t.Fatal(err)
	}
	if h.notifier.count("v1") != 0 || h.notifier.count("v2") != 1 {
		t.Errorf("delivered %v, want only v2", h.notifier.delivered)
	}
	if sum.Failed != 1 || sum.Errors[0].VideoID != "v1" || sum.Errors[0].Stage != StageState {
		t.Errorf("summary = %+v", sum)
	}
	if !strings.Contains(sum.Errors[0].Err, state.ErrInvalidTransition.Error()) {
		t.Errorf("error = %q", sum.Errors[0].Err)
	}
}

type failingArchive struct{ entries []archive.Entry }

func (a *failingArchive) Write(_ context.Context, e archive.Entry) error {
	a.entries = append(a.entries, e)
	return errors.New("disk full")
}

func TestRunOnce_ArchiveIsBestEffort(t *testing.T) {
	h := newHarness(t)
	arc := &failingArchive{}
	h.archive = arc
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)

	if _, err := h.monitor(nil).RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	if len(arc.entries) != 1 || arc.entries[0].Transcript == "" || arc.entries[0].Summary != "视频总结。" {
		t.Errorf("archive entries = %+v", arc.entries)
	}
	if h.notifier.count("v1") != 1 {
		t.Error("archive failure blocked notification")
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.feed.videos["UCtest"] = []feed.Video{video("v1", 1)}
	h.seedMarker(t, "UCtest", base)
	m := h.monitor(nil)

	if _, err := m.Status(context.Background(), "v1"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Status before run = %v, want ErrNotFound", err)
	}
	if _, err := m.RunOnce(context.Background(), []state.Channel{testChannel}); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Status(context.Background(), "v1")
	if err != nil || rec.Status != state.StatusNotified {
		t.Errorf("Status = %+v, %v", rec, err)
	}
}

type stubStrategy struct {
	name  string
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Fetch(context.Context, string, []string, transcript.Credentials) (*transcript.Response, error) {
	s.calls++
	return nil, s.err
}
