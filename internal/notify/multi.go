package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// DeliveryLog remembers which notifiers accepted a video.
type DeliveryLog interface {
	Deliveries(ctx context.Context, videoID string) ([]string, error)
	MarkDelivered(ctx context.Context, videoID, notifier string) error
}

// Multi sends every message to all of its notifiers. Delivery counts
// as successful only when every notifier succeeds. With a DeliveryLog,
// a retry goes only to the notifiers that have not accepted the video.
type Multi struct {
	notifiers  []Notifier
	deliveries DeliveryLog
	logger     *slog.Logger
}

// NewMulti fans out to ns in order. Notifier names must be unique.
func NewMulti(logger *slog.Logger, ns ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{notifiers: ns, logger: logger}
}

// WithDeliveryLog records each accepted delivery in l and skips
// notifiers already recorded there.
func (m *Multi) WithDeliveryLog(l DeliveryLog) *Multi {
	m.deliveries = l
	return m
}

// Len returns the number of notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

// Send delivers msg to each pending notifier and joins the failures.
func (m *Multi) Send(ctx context.Context, msg Message) error {
	var done []string
	if m.deliveries != nil {
		var err error
		if done, err = m.deliveries.Deliveries(ctx, msg.Video.ID); err != nil {
			return deliveryError("delivery log", err)
		}
	}

	var errs []error
	for _, n := range m.notifiers {
		name := nameOf(n)
		if slices.Contains(done, name) {
			m.logger.Debug("already delivered, skipping notifier",
				"notifier", name,
				"video_id", msg.Video.ID,
			)
			continue
		}
		if err := n.Send(ctx, msg); err != nil {
			m.logger.Warn("notifier failed",
				"notifier", name,
				"video_id", msg.Video.ID,
				"error", err,
			)
			errs = append(errs, deliveryError(name, err))
			continue
		}
		if m.deliveries == nil {
			continue
		}
		if err := m.deliveries.MarkDelivered(ctx, msg.Video.ID, name); err != nil {
			m.logger.Error("delivered but not recorded, a retry will send again",
				"notifier", name,
				"video_id", msg.Video.ID,
				"error", err,
			)
		}
	}
	return errors.Join(errs...)
}

func nameOf(n Notifier) string {
	if named, ok := n.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", n)
}

// Log writes summaries to the logger. It stands in when no notifier is
// configured so runs still show their output.
type Log struct {
	Logger *slog.Logger
}

// Name identifies the notifier in errors and logs.
func (Log) Name() string { return "log" }

// Send logs m at info level.
func (l Log) Send(ctx context.Context, m Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "video summary",
		"video_id", m.Video.ID,
		"title", m.Video.Title,
		"channel", m.ChannelName,
		"summary", m.Summary,
		"outline", m.Outline,
	)
	return nil
}
