package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/tubedigest/internal/httpkit"
)

// Webhook payload formats.
const (
	WebhookDingTalk = "dingtalk"
	WebhookJSON     = "json"
)

// WebhookOptions configures a [Webhook].
type WebhookOptions struct {
	URL string
	// Secret enables DingTalk request signing.
	Secret    string
	Format    string
	AtAll     bool
	AtMobiles []string
	Timeout   time.Duration
}

// Webhook posts summaries to a robot webhook. In dingtalk format it
// sends a signed markdown message and checks errcode in the reply; in
// json format it posts [Message.JSON] and accepts any 2xx.
type Webhook struct {
	opts   WebhookOptions
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhook creates a webhook notifier. A nil client gets the shared
// defaults with opts.Timeout.
func NewWebhook(opts WebhookOptions, client *http.Client, logger *slog.Logger) *Webhook {
	if opts.Format == "" {
		opts.Format = WebhookDingTalk
	}
	if client == nil {
		var copts []httpkit.ClientOption
		if opts.Timeout > 0 {
			copts = append(copts, httpkit.WithTimeout(opts.Timeout))
		}
		client = httpkit.NewClient(copts...)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{opts: opts, client: client, logger: logger, now: time.Now}
}

// Name identifies the notifier in errors and logs.
func (w *Webhook) Name() string { return "webhook" }

type dingTalkMessage struct {
	MsgType  string           `json:"msgtype"`
	Markdown dingTalkMarkdown `json:"markdown"`
	At       *dingTalkAt      `json:"at,omitempty"`
}

type dingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type dingTalkAt struct {
	AtMobiles []string `json:"atMobiles,omitempty"`
	IsAtAll   bool     `json:"isAtAll"`
}

type dingTalkReply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send posts m to the webhook.
func (w *Webhook) Send(ctx context.Context, m Message) error {
	var (
		body []byte
		err  error
	)
	switch strings.ToLower(w.opts.Format) {
	case WebhookJSON:
		body, err = m.JSON()
	default:
		payload := dingTalkMessage{
			MsgType:  "markdown",
			Markdown: dingTalkMarkdown{Title: Title(m), Text: Format(m)},
		}
		if w.opts.AtAll || len(w.opts.AtMobiles) > 0 {
			payload.At = &dingTalkAt{AtMobiles: w.opts.AtMobiles, IsAtAll: w.opts.AtAll}
		}
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return deliveryError(w.Name(), fmt.Errorf("marshal payload: %w", err))
	}

	target, err := w.signedURL()
	if err != nil {
		return deliveryError(w.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return deliveryError(w.Name(), fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return deliveryError(w.Name(), fmt.Errorf("post: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 1024)
		return deliveryError(w.Name(), fmt.Errorf("HTTP %d: %s", resp.StatusCode, errBody))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if strings.ToLower(w.opts.Format) == WebhookJSON {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return deliveryError(w.Name(), fmt.Errorf("read reply: %w", err))
	}
	var reply dingTalkReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return deliveryError(w.Name(), fmt.Errorf("decode reply: %w", err))
	}
	if reply.ErrCode != 0 {
		return deliveryError(w.Name(), fmt.Errorf("errcode %d: %s", reply.ErrCode, reply.ErrMsg))
	}

	w.logger.Debug("webhook delivered", "video_id", m.Video.ID)
	return nil
}

// signedURL appends DingTalk's timestamp and sign parameters when a
// secret is configured.
func (w *Webhook) signedURL() (string, error) {
	if w.opts.Secret == "" {
		return w.opts.URL, nil
	}
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse webhook URL: %w", err)
	}
	ts := strconv.FormatInt(w.now().UnixMilli(), 10)
	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", sign(ts, w.opts.Secret))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sign computes base64(HMAC-SHA256(secret, timestamp + "\n" + secret)).
func sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
