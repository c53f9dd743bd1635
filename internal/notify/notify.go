// Package notify delivers finished video summaries to downstream
// channels: a DingTalk-style webhook, email, MQTT and Kafka.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/tubedigest/internal/feed"
)

// ErrDelivery marks every failure to hand a message to a notifier.
// The video stays summarized and is retried on the next run.
var ErrDelivery = errors.New("notification delivery failed")

// Notifier sends one summary downstream.
type Notifier interface {
	Send(ctx context.Context, m Message) error
}

// Message is everything a notifier needs to describe one video.
type Message struct {
	Video            feed.Video
	ChannelName      string
	Summary          string
	Outline          string
	TranscriptSource string
	Language         string
}

// DeliveryError reports which notifier failed. It matches both
// ErrDelivery and the underlying cause with errors.Is.
type DeliveryError struct {
	Notifier string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrDelivery, e.Notifier, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

func deliveryError(name string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &DeliveryError{Notifier: name, Err: err}
}

// wireMessage is the JSON form published by the json webhook, MQTT
// and Kafka notifiers.
type wireMessage struct {
	VideoID          string    `json:"video_id"`
	ChannelID        string    `json:"channel_id"`
	ChannelName      string    `json:"channel_name,omitempty"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	PublishedAt      time.Time `json:"published_at"`
	Summary          string    `json:"summary"`
	Outline          string    `json:"outline"`
	TranscriptSource string    `json:"transcript_source,omitempty"`
	Language         string    `json:"language,omitempty"`
}

// JSON encodes m in the shape shared by the machine-readable notifiers.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		VideoID:          m.Video.ID,
		ChannelID:        m.Video.ChannelID,
		ChannelName:      m.ChannelName,
		Title:            m.Video.Title,
		URL:              m.link(),
		PublishedAt:      m.Video.PublishedAt.UTC(),
		Summary:          m.Summary,
		Outline:          m.Outline,
		TranscriptSource: m.TranscriptSource,
		Language:         m.Language,
	})
}

func (m Message) link() string {
	if m.Video.Link != "" {
		return m.Video.Link
	}
	return "https://www.youtube.com/watch?v=" + m.Video.ID
}

// Title is the one-line subject used for emails and webhook titles.
func Title(m Message) string {
	channel := m.ChannelName
	if channel == "" {
		channel = m.Video.Author
	}
	if channel == "" {
		return m.Video.Title
	}
	return fmt.Sprintf("[%s] %s", channel, m.Video.Title)
}

// Format renders the markdown body shared by the webhook and email
// notifiers. Headings follow the summary language.
func Format(m Message) string {
	labels := formatLabels["zh"]
	if l, ok := formatLabels[m.Language]; ok {
		labels = l
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", m.Video.Title)
	if m.ChannelName != "" {
		fmt.Fprintf(&b, "**%s**: %s\n\n", labels.channel, m.ChannelName)
	}
	if !m.Video.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "**%s**: %s\n\n", labels.published, m.Video.PublishedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "**%s**: [%s](%s)\n\n", labels.link, m.link(), m.link())
	fmt.Fprintf(&b, "### %s\n\n%s\n\n", labels.summary, strings.TrimSpace(m.Summary))
	fmt.Fprintf(&b, "### %s\n\n%s\n", labels.outline, strings.TrimSpace(m.Outline))
	return b.String()
}

type labelSet struct {
	channel, published, link, summary, outline string
}

var formatLabels = map[string]labelSet{
	"zh": {channel: "频道", published: "发布时间", link: "链接", summary: "摘要", outline: "大纲"},
	"en": {channel: "Channel", published: "Published", link: "Link", summary: "Summary", outline: "Outline"},
}
