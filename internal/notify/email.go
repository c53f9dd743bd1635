package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

const smtpDialTimeout = 30 * time.Second

// EmailOptions configures an [Email] notifier.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS dials plain and upgrades; otherwise the connection is
	// TLS from the start (port 465).
	StartTLS bool
	From     string
	To       []string
}

// sendFunc delivers a composed message to the bare recipient
// addresses.
type sendFunc func(ctx context.Context, from string, rcpts []string, msg []byte) error

// Email mails each summary as multipart/alternative text and HTML.
type Email struct {
	opts   EmailOptions
	send   sendFunc
	logger *slog.Logger
}

// NewEmail creates an email notifier that delivers over SMTP.
func NewEmail(opts EmailOptions, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Email{opts: opts, logger: logger}
	e.send = e.sendSMTP
	return e
}

// Name identifies the notifier in errors and logs.
func (e *Email) Name() string { return "email" }

// Send composes and delivers m.
func (e *Email) Send(ctx context.Context, m Message) error {
	from, err := mail.ParseAddress(e.opts.From)
	if err != nil {
		return deliveryError(e.Name(), fmt.Errorf("parse from address %q: %w", e.opts.From, err))
	}
	to, err := parseAddressList(e.opts.To)
	if err != nil {
		return deliveryError(e.Name(), err)
	}

	msg, err := composeMessage(from, to, Title(m), Format(m))
	if err != nil {
		return deliveryError(e.Name(), err)
	}

	rcpts := make([]string, 0, len(to))
	for _, a := range to {
		rcpts = append(rcpts, a.Address)
	}
	if err := e.send(ctx, from.Address, rcpts, msg); err != nil {
		return deliveryError(e.Name(), err)
	}
	e.logger.Debug("email delivered", "video_id", m.Video.ID, "recipients", len(rcpts))
	return nil
}

// composeMessage builds an RFC 5322 message whose markdown body is
// carried as both text/plain and text/html.
func composeMessage(from *mail.Address, to []*mail.Address, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	html, err := markdownToHTML(body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}
	parts := []struct{ contentType, content string }{
		{"text/plain; charset=utf-8", markdownToPlain(body)},
		{"text/html; charset=utf-8", html},
	}
	for _, p := range parts {
		var ih mail.InlineHeader
		ih.Set("Content-Type", p.contentType)
		pw, err := tw.CreatePart(ih)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.content); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	result := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.6;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic  = regexp.MustCompile(`\*(.+?)\*`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// markdownToPlain strips the formatting Format produces. A link whose
// text is its own URL collapses to the URL.
func markdownToPlain(md string) string {
	s := mdLink.ReplaceAllStringFunc(md, func(match string) string {
		sub := mdLink.FindStringSubmatch(match)
		if sub[1] == sub[2] {
			return sub[2]
		}
		return sub[1] + " (" + sub[2] + ")"
	})
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// sendSMTP opens a connection per message: implicit TLS, or plain
// followed by STARTTLS. ctx bounds the dial.
func (e *Email) sendSMTP(ctx context.Context, from string, rcpts []string, msg []byte) error {
	addr := net.JoinHostPort(e.opts.Host, strconv.Itoa(e.opts.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if e.opts.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: e.opts.Host})
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.opts.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if e.opts.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: e.opts.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if e.opts.Username != "" && e.opts.Password != "" {
		auth := smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
