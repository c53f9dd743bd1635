package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTOptions configures an [MQTT] notifier.
type MQTTOptions struct {
	Broker      string // mqtt://host:1883 or mqtts://host:8883
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// publisher is the part of autopaho.ConnectionManager the notifier uses.
type publisher interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTT publishes each summary as JSON to <topic_prefix>/<channel_id>
// with QoS 1.
type MQTT struct {
	prefix string
	pub    publisher
	cm     *autopaho.ConnectionManager
	logger *slog.Logger
}

// DialMQTT starts a managed broker connection. autopaho keeps
// reconnecting in the background for as long as ctx lives; Send waits
// for the connection within its own deadline.
func DialMQTT(ctx context.Context, opts MQTTOptions, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("tubedigest-%d", time.Now().UnixNano())
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: opts.Username,
		ConnectPassword: []byte(opts.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", opts.Broker)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	n := newMQTT(cm, opts.TopicPrefix, logger)
	n.cm = cm
	return n, nil
}

func newMQTT(pub publisher, prefix string, logger *slog.Logger) *MQTT {
	if prefix == "" {
		prefix = "tubedigest"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{prefix: strings.TrimSuffix(prefix, "/"), pub: pub, logger: logger}
}

// Name identifies the notifier in errors and logs.
func (q *MQTT) Name() string { return "mqtt" }

// Topic returns the topic a message for channelID is published to.
func (q *MQTT) Topic(channelID string) string {
	if channelID == "" {
		channelID = "unknown"
	}
	return q.prefix + "/" + channelID
}

// Send publishes m and waits for the broker's PUBACK.
func (q *MQTT) Send(ctx context.Context, m Message) error {
	payload, err := m.JSON()
	if err != nil {
		return deliveryError(q.Name(), fmt.Errorf("marshal payload: %w", err))
	}
	if err := q.pub.AwaitConnection(ctx); err != nil {
		return deliveryError(q.Name(), fmt.Errorf("await connection: %w", err))
	}

	topic := q.Topic(m.Video.ChannelID)
	resp, err := q.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	if err != nil {
		return deliveryError(q.Name(), fmt.Errorf("publish %s: %w", topic, err))
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return deliveryError(q.Name(), fmt.Errorf("publish %s: reason code %d", topic, resp.ReasonCode))
	}

	q.logger.Debug("mqtt delivered", "video_id", m.Video.ID, "topic", topic)
	return nil
}

// Close disconnects from the broker.
func (q *MQTT) Close(ctx context.Context) error {
	if q.cm == nil {
		return nil
	}
	return q.cm.Disconnect(ctx)
}
