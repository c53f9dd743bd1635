// Package config handles tubedigest configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tubedigest/config.yaml, /etc/tubedigest/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tubedigest", "config.yaml"))
	}

	paths = append(paths, "/etc/tubedigest/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tubedigest configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
	Channels   []ChannelConfig  `yaml:"channels"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Summarize  SummarizeConfig  `yaml:"summarize"`
	Store      StoreConfig      `yaml:"store"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Notify     NotifyConfig     `yaml:"notify"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

// ChannelConfig names one monitored YouTube channel. Either ID or URL
// must be set; URL may be a /channel/, @handle, /c/ or /user/ link.
type ChannelConfig struct {
	Name        string `yaml:"name"`
	ID          string `yaml:"channel_id"`
	URL         string `yaml:"channel_url"`
	Description string `yaml:"description"`
}

// RetryConfig is the shared shape of every retry policy in the config.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"` // fraction of the delay, 0..1
}

// Credential sources for the transcript strategies.
const (
	CredentialsNone       = "none"
	CredentialsCookieFile = "cookie_file"
	CredentialsBrowser    = "browser"
)

// TranscriptConfig controls caption extraction.
type TranscriptConfig struct {
	// Languages in preference order. "zh" expands to the common
	// Chinese variants.
	Languages []string `yaml:"languages"`

	YtDlpPath string `yaml:"ytdlp_path"`

	// Credentials selects how authenticated requests are made:
	// none, cookie_file, or browser.
	Credentials string `yaml:"credentials"`
	CookieFile  string `yaml:"cookie_file"`
	Browser     string `yaml:"browser"`

	// Timeout bounds a single strategy attempt.
	Timeout time.Duration `yaml:"timeout"`

	Primary  RetryConfig `yaml:"primary_retry"`
	Fallback RetryConfig `yaml:"fallback_retry"`

	// WatchURL overrides the watch-page base URL used by the fallback.
	WatchURL string `yaml:"watch_url"`
}

// Summarization providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// SummarizeConfig controls the map-reduce summarizer and its AI backend.
type SummarizeConfig struct {
	Provider string `yaml:"provider"` // openai (any compatible API), anthropic, ollama
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`

	// Language of the generated summary: "zh" or "en".
	Language string `yaml:"language"`

	MaxChunkSize   int           `yaml:"max_chunk_size"` // runes per chunk
	MaxChunks      int           `yaml:"max_chunks"`
	MaxParallel    int           `yaml:"max_parallel"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ChunkMaxTokens int           `yaml:"chunk_max_tokens"`
	FinalMaxTokens int           `yaml:"final_max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	Retry          RetryConfig   `yaml:"retry"`
}

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// StoreConfig selects the processing-state backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"` // SQLite file; defaults under data_dir
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection for the redis store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MonitorConfig controls the per-run scan.
type MonitorConfig struct {
	MaxVideosPerChannel int `yaml:"max_videos_per_channel"`
	// MaxVideoAttempts moves a video to failed once reached. Zero
	// retries forever.
	MaxVideoAttempts int           `yaml:"max_video_attempts"`
	ChannelDelay     time.Duration `yaml:"channel_delay"`
	VideoDelay       time.Duration `yaml:"video_delay"`
	VideoTimeout     time.Duration `yaml:"video_timeout"`
}

// NotifyConfig holds every notifier. Unconfigured notifiers are skipped.
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Email   EmailConfig   `yaml:"email"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

// WebhookConfig is a DingTalk-compatible robot webhook, or a generic
// JSON endpoint when Format is "json".
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	Secret    string        `yaml:"secret"`
	Format    string        `yaml:"format"` // dingtalk or json
	AtAll     bool          `yaml:"at_all"`
	AtMobiles []string      `yaml:"at_mobiles"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Configured reports whether a webhook URL is set.
func (c WebhookConfig) Configured() bool { return c.URL != "" }

// EmailConfig delivers summaries over SMTP.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	StartTLS bool     `yaml:"starttls"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Configured reports whether enough is set to send mail.
func (c EmailConfig) Configured() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

// MQTTConfig publishes summaries to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// KafkaConfig publishes summaries to a Kafka topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Configured reports whether brokers and a topic are set.
func (c KafkaConfig) Configured() bool { return len(c.Brokers) > 0 && c.Topic != "" }

// ArchiveConfig controls the transcript/summary archive.
type ArchiveConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// S3Config uploads archive entries to an S3-compatible bucket.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Configured reports whether a bucket is set.
func (c S3Config) Configured() bool { return c.Bucket != "" }

// ScheduleConfig drives serve mode. Cron wins over Interval when both
// are set.
type ScheduleConfig struct {
	Cron       string        `yaml:"cron"`
	Interval   time.Duration `yaml:"interval"`
	RunTimeout time.Duration `yaml:"run_timeout"`
	// RunOnStart triggers one run immediately when serve starts.
	RunOnStart bool `yaml:"run_on_start"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config and one in the working directory are loaded first without
// overriding variables already in the environment, then ${VAR}
// references are expanded.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already set.
		_ = godotenv.Load(abs)
	}
}

// applyEnvOverrides lets the conventional environment variables win over
// file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		c.Summarize.APIKey = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		c.Summarize.BaseURL = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		c.Summarize.Model = v
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		c.Notify.Webhook.URL = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		c.Notify.Webhook.Secret = v
	}
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	t := &c.Transcript
	if len(t.Languages) == 0 {
		t.Languages = []string{"zh", "en"}
	}
	if t.YtDlpPath == "" {
		t.YtDlpPath = "yt-dlp"
	}
	if t.Credentials == "" {
		switch {
		case t.CookieFile != "":
			t.Credentials = CredentialsCookieFile
		case t.Browser != "":
			t.Credentials = CredentialsBrowser
		default:
			t.Credentials = CredentialsNone
		}
	}
	if t.Timeout == 0 {
		t.Timeout = 2 * time.Minute
	}
	defaultRetry(&t.Primary, 3, 5*time.Second, time.Minute)
	defaultRetry(&t.Fallback, 2, 3*time.Second, 30*time.Second)
	if t.WatchURL == "" {
		t.WatchURL = "https://www.youtube.com"
	}

	s := &c.Summarize
	if s.Provider == "" {
		s.Provider = ProviderOpenAI
	}
	if s.BaseURL == "" {
		switch s.Provider {
		case ProviderOpenAI:
			s.BaseURL = "https://api.deepseek.com"
		case ProviderAnthropic:
			s.BaseURL = "https://api.anthropic.com"
		case ProviderOllama:
			s.BaseURL = "http://localhost:11434"
		}
	}
	if s.Model == "" {
		switch s.Provider {
		case ProviderOpenAI:
			s.Model = "deepseek-chat"
		case ProviderAnthropic:
			s.Model = "claude-sonnet-4-20250514"
		case ProviderOllama:
			s.Model = "qwen3:8b"
		}
	}
	if s.Language == "" {
		s.Language = "zh"
	}
	if s.MaxChunkSize == 0 {
		s.MaxChunkSize = 5000
	}
	if s.MaxChunks == 0 {
		s.MaxChunks = 6
	}
	if s.MaxParallel == 0 {
		s.MaxParallel = 3
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = 2 * time.Minute
	}
	if s.ChunkMaxTokens == 0 {
		s.ChunkMaxTokens = 600
	}
	if s.FinalMaxTokens == 0 {
		s.FinalMaxTokens = 1000
	}
	if s.Temperature == 0 {
		s.Temperature = 0.3
	}
	defaultRetry(&s.Retry, 3, 2*time.Second, 30*time.Second)

	if c.Store.Backend == "" {
		c.Store.Backend = StoreSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "tubedigest.db")
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "tubedigest:"
	}

	m := &c.Monitor
	if m.MaxVideosPerChannel == 0 {
		m.MaxVideosPerChannel = 5
	}
	if m.MaxVideoAttempts == 0 {
		m.MaxVideoAttempts = 3
	}
	if m.ChannelDelay == 0 {
		m.ChannelDelay = 5 * time.Second
	}
	if m.VideoDelay == 0 {
		m.VideoDelay = 2 * time.Second
	}
	if m.VideoTimeout == 0 {
		m.VideoTimeout = 15 * time.Minute
	}

	if c.Notify.Webhook.Format == "" {
		c.Notify.Webhook.Format = "dingtalk"
	}
	if c.Notify.Webhook.Timeout == 0 {
		c.Notify.Webhook.Timeout = 10 * time.Second
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
	if c.Notify.MQTT.TopicPrefix == "" {
		c.Notify.MQTT.TopicPrefix = "tubedigest"
	}

	if c.Schedule.Cron == "" && c.Schedule.Interval == 0 {
		c.Schedule.Interval = 6 * time.Hour
	}
	if c.Schedule.RunTimeout == 0 {
		c.Schedule.RunTimeout = time.Hour
	}
}

func defaultRetry(r *RetryConfig, attempts int, base, max time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = base
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = max
	}
	if r.Jitter == 0 {
		r.Jitter = 0.2
	}
}

// Validate checks the loaded configuration for values the rest of the
// program cannot work with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	for i, ch := range c.Channels {
		if ch.ID == "" && ch.URL == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: channel_id or channel_url is required", i))
		}
	}

	switch c.Transcript.Credentials {
	case CredentialsNone, CredentialsBrowser:
	case CredentialsCookieFile:
		if c.Transcript.CookieFile == "" {
			errs = append(errs, errors.New("transcript.cookie_file is required when credentials is cookie_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("transcript.credentials %q (valid: none, cookie_file, browser)", c.Transcript.Credentials))
	}
	if c.Transcript.Credentials == CredentialsBrowser && c.Transcript.Browser == "" {
		errs = append(errs, errors.New("transcript.browser is required when credentials is browser"))
	}

	switch c.Summarize.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("summarize.provider %q (valid: openai, anthropic, ollama)", c.Summarize.Provider))
	}
	if c.Summarize.Provider != ProviderOllama && c.Summarize.APIKey == "" {
		errs = append(errs, fmt.Errorf("summarize.api_key is required for provider %s", c.Summarize.Provider))
	}
	switch c.Summarize.Language {
	case "zh", "en":
	default:
		errs = append(errs, fmt.Errorf("summarize.language %q (valid: zh, en)", c.Summarize.Language))
	}
	if c.Summarize.MaxChunkSize <= 0 {
		errs = append(errs, errors.New("summarize.max_chunk_size must be positive"))
	}
	if c.Summarize.MaxParallel <= 0 {
		errs = append(errs, errors.New("summarize.max_parallel must be positive"))
	}

	switch c.Store.Backend {
	case StoreSQLite:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q (valid: sqlite, redis)", c.Store.Backend))
	}

	switch strings.ToLower(c.Notify.Webhook.Format) {
	case "dingtalk", "json":
	default:
		errs = append(errs, fmt.Errorf("notify.webhook.format %q (valid: dingtalk, json)", c.Notify.Webhook.Format))
	}

	if c.Monitor.MaxVideosPerChannel < 0 || c.Monitor.MaxVideoAttempts < 0 {
		errs = append(errs, errors.New("monitor limits must not be negative"))
	}

	return errors.Join(errs...)
}
