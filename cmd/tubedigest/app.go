package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/tubedigest/internal/archive"
	"github.com/nugget/tubedigest/internal/config"
	"github.com/nugget/tubedigest/internal/feed"
	"github.com/nugget/tubedigest/internal/httpkit"
	"github.com/nugget/tubedigest/internal/llm"
	"github.com/nugget/tubedigest/internal/monitor"
	"github.com/nugget/tubedigest/internal/notify"
	"github.com/nugget/tubedigest/internal/retry"
	"github.com/nugget/tubedigest/internal/state"
	"github.com/nugget/tubedigest/internal/summarize"
	"github.com/nugget/tubedigest/internal/transcript"
)

// app is the fully wired pipeline for run and serve.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   state.Store
	feeds   *feed.Source
	monitor *monitor.Monitor

	closers []func(context.Context) error
}

// newApp builds every component from cfg. On error, anything already
// opened is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	a.feeds = feed.NewSource(nil, "", logger.With("component", "feed"))

	extractor, err := newExtractor(cfg, logger.With("component", "transcript"))
	if err != nil {
		return nil, err
	}

	summarizer, err := newSummarizer(cfg, logger.With("component", "summarize"))
	if err != nil {
		return nil, err
	}

	notifier, err := a.newNotifier(ctx)
	if err != nil {
		return nil, err
	}

	arch, err := newArchive(ctx, cfg, logger.With("component", "archive"))
	if err != nil {
		return nil, err
	}

	m := cfg.Monitor
	a.monitor = monitor.New(monitor.Deps{
		Store:      a.store,
		Feeds:      a.feeds,
		Extractor:  extractor,
		Summarizer: summarizer,
		Notifier:   notifier,
		Archive:    arch,
	}, monitor.Config{
		MaxVideosPerChannel: m.MaxVideosPerChannel,
		MaxVideoAttempts:    m.MaxVideoAttempts,
		ChannelDelay:        m.ChannelDelay,
		VideoDelay:          m.VideoDelay,
		VideoTimeout:        m.VideoTimeout,
		MaxChunkSize:        cfg.Summarize.MaxChunkSize,
		Language:            cfg.Summarize.Language,
	}, logger.With("component", "monitor"))

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// runOnce performs one scan of every configured channel.
func (a *app) runOnce(ctx context.Context) (monitor.RunSummary, error) {
	channels, err := a.channels(ctx)
	if err != nil {
		return monitor.RunSummary{}, err
	}
	return a.monitor.RunOnce(ctx, channels)
}

// channels turns the configured channels into scan inputs. Channels
// given only by URL are resolved to an id; one that cannot be resolved
// is skipped for this run.
func (a *app) channels(ctx context.Context) ([]state.Channel, error) {
	out := make([]state.Channel, 0, len(a.cfg.Channels))
	for _, cc := range a.cfg.Channels {
		id := cc.ID
		if id == "" {
			resolved, err := a.feeds.ResolveChannelID(ctx, cc.URL)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.logger.Warn("cannot resolve channel, skipping", "name", cc.Name, "url", cc.URL, "error", err)
				continue
			}
			a.logger.Debug("channel resolved", "url", cc.URL, "channel_id", resolved)
			id = resolved
		}
		out = append(out, state.Channel{ID: id, Name: cc.Name, URL: cc.URL})
	}
	return out, nil
}

// openStore opens the configured state backend.
func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		r := cfg.Store.Redis
		return state.NewRedisStore(ctx, state.RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		return state.Open(cfg.Store.Path)
	}
}

// newExtractor wires yt-dlp as the primary strategy and the watch page
// as the fallback, sharing one credential source.
func newExtractor(cfg *config.Config, logger *slog.Logger) (*transcript.Extractor, error) {
	tc := cfg.Transcript
	creds := transcript.Credentials{Source: tc.Credentials, CookieFile: tc.CookieFile, Browser: tc.Browser}

	clientOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(tc.Timeout),
		httpkit.WithHeader("Accept-Language", "en-US,en;q=0.9"),
	}
	if tc.Credentials == config.CredentialsCookieFile {
		jar, err := transcript.LoadCookieFile(tc.CookieFile)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, httpkit.WithCookieJar(jar))
	}

	primary := transcript.NewYtDlp(tc.YtDlpPath, tc.Timeout, logger)
	fallback := transcript.NewWatchPage(httpkit.NewClient(clientOpts...), tc.WatchURL, logger)

	return transcript.NewExtractor(primary, fallback,
		transcript.WithLanguages(tc.Languages...),
		transcript.WithCredentials(creds),
		transcript.WithPrimaryRetry(retryPolicy(tc.Primary, logger)),
		transcript.WithFallbackRetry(retryPolicy(tc.Fallback, logger)),
		transcript.WithLogger(logger),
	), nil
}

func newSummarizer(cfg *config.Config, logger *slog.Logger) (*summarize.Summarizer, error) {
	sc := cfg.Summarize
	client, err := llm.New(llm.Options{
		Provider: sc.Provider,
		Model:    sc.Model,
		BaseURL:  sc.BaseURL,
		APIKey:   sc.APIKey,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("AI provider configured", "provider", sc.Provider, "model", sc.Model, "base_url", sc.BaseURL)

	return summarize.New(client, summarize.Options{
		Language:       sc.Language,
		MaxParallel:    sc.MaxParallel,
		MaxChunks:      sc.MaxChunks,
		CallTimeout:    sc.CallTimeout,
		ChunkMaxTokens: sc.ChunkMaxTokens,
		FinalMaxTokens: sc.FinalMaxTokens,
		Temperature:    sc.Temperature,
		Retry:          retryPolicy(sc.Retry, logger),
	}, logger), nil
}

func retryPolicy(rc config.RetryConfig, logger *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
		Jitter:      rc.Jitter,
		Logger:      logger,
	}
}

// newNotifier builds every configured notifier behind a fan-out that
// records each delivery in the store. With none configured, summaries
// are only logged.
func (a *app) newNotifier(ctx context.Context) (notify.Notifier, error) {
	nc := a.cfg.Notify
	logger := a.logger.With("component", "notify")
	var ns []notify.Notifier

	if nc.Webhook.Configured() {
		ns = append(ns, notify.NewWebhook(notify.WebhookOptions{
			URL:       nc.Webhook.URL,
			Secret:    nc.Webhook.Secret,
			Format:    nc.Webhook.Format,
			AtAll:     nc.Webhook.AtAll,
			AtMobiles: nc.Webhook.AtMobiles,
			Timeout:   nc.Webhook.Timeout,
		}, nil, logger))
	}
	if nc.Email.Configured() {
		ns = append(ns, notify.NewEmail(notify.EmailOptions{
			Host:     nc.Email.Host,
			Port:     nc.Email.Port,
			Username: nc.Email.Username,
			Password: nc.Email.Password,
			StartTLS: nc.Email.StartTLS,
			From:     nc.Email.From,
			To:       nc.Email.To,
		}, logger))
	}
	if nc.MQTT.Configured() {
		q, err := notify.DialMQTT(ctx, notify.MQTTOptions{
			Broker:      nc.MQTT.Broker,
			Username:    nc.MQTT.Username,
			Password:    nc.MQTT.Password,
			ClientID:    nc.MQTT.ClientID,
			TopicPrefix: nc.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		ns = append(ns, q)
	}
	if nc.Kafka.Configured() {
		k, err := notify.NewKafka(notify.KafkaOptions{
			Brokers:  nc.Kafka.Brokers,
			Topic:    nc.Kafka.Topic,
			ClientID: "tubedigest",
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return k.Close() })
		ns = append(ns, k)
	}

	if len(ns) == 0 {
		logger.Warn("no notifiers configured, summaries will only be logged")
		return notify.Log{Logger: logger}, nil
	}
	return notify.NewMulti(logger, ns...).WithDeliveryLog(a.store), nil
}

// newArchive returns the configured archive targets, or nil when
// archiving is off.
func newArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (archive.Archiver, error) {
	var targets archive.Multi
	if cfg.Archive.Dir != "" {
		targets = append(targets, archive.NewDir(cfg.Archive.Dir, logger))
	}
	if s := cfg.Archive.S3; s.Configured() {
		s3, err := archive.NewS3(ctx, archive.S3Options{
			Bucket:       s.Bucket,
			Prefix:       s.Prefix,
			Region:       s.Region,
			Profile:      s.Profile,
			Endpoint:     s.Endpoint,
			UsePathStyle: s.UsePathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		targets = append(targets, s3)
	}
	switch len(targets) {
	case 0:
		return nil, nil
	case 1:
		return targets[0], nil
	default:
		return targets, nil
	}
}
