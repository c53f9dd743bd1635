package state

import (
	"context"
	"sync"
	"time"
)

// Record is the processing state of one video.
type Record struct {
	VideoID   string
	ChannelID string
	Title     string
	Status    Status
	LastError string
	// Attempts counts processing attempts, starting at 1 on creation.
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	NotifiedAt time.Time
}

// Channel is a monitored channel and its scan marker.
type Channel struct {
	ID      string
	Name    string
	URL     string
	FeedURL string
	// LastSeenAt is the marker: videos published at or before it have
	// been handled.
	LastSeenAt    time.Time
	LastVideoID   string
	LastCheckedAt time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status    Status
	ChannelID string
	Limit     int
}

// Store persists records and channels. Implementations serialize writes
// per video id and run each Advance as one read-check-write.
type Store interface {
	// GetOrCreate returns the record for videoID, creating it in
	// pending with one attempt when absent. created reports which.
	GetOrCreate(ctx context.Context, videoID, channelID, title string) (rec *Record, created bool, err error)
	// Advance moves the record to status to, storing errMsg as
	// last_error. Moving to pending from another status counts a new
	// attempt.
	Advance(ctx context.Context, videoID string, to Status, errMsg string) error
	IsNotified(ctx context.Context, videoID string) (bool, error)
	Get(ctx context.Context, videoID string) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
	Counts(ctx context.Context) (map[Status]int, error)
	// Reset returns any non-notified record to pending with a fresh
	// attempt count, for operator retries.
	Reset(ctx context.Context, videoID string) error

	// Deliveries lists the notifiers that accepted videoID, sorted.
	Deliveries(ctx context.Context, videoID string) ([]string, error)
	// MarkDelivered records that notifier accepted videoID. Marking
	// twice is a no-op.
	MarkDelivered(ctx context.Context, videoID, notifier string) error

	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	SaveChannel(ctx context.Context, ch *Channel) error
	ListChannels(ctx context.Context) ([]*Channel, error)

	Close() error
}

// keyLocks hands out one mutex per key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release function.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// applyAdvance mutates rec for a guarded move. It is shared by the
// backends so the attempt and timestamp rules live in one place.
func applyAdvance(rec *Record, to Status, errMsg string, now time.Time) error {
	if err := CanTransition(rec.Status, to).Error(); err != nil {
		return err
	}
	if to == StatusPending && rec.Status != StatusPending {
		rec.Attempts++
	}
	rec.Status = to
	rec.LastError = errMsg
	rec.UpdatedAt = now
	if to == StatusNotified {
		rec.NotifiedAt = now
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
