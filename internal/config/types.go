package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m"). Omitted
// values fall back to the defaults applied in internal/app.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Feed     FeedConfig     `json:"feed"`
	Universe UniverseConfig `json:"universe"`
	Schedule ScheduleConfig `json:"schedule"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Archive  ArchiveConfig  `json:"archive"`
	Metrics  MetricsConfig  `json:"metrics"`
	Render   RenderConfig   `json:"render"`
}

type TelegramConfig struct {
	// Token can be supplied via TELEGRAM_BOT_TOKEN instead (do not log).
	Token string `json:"token"`
	// ChannelID is the delivery target. TELEGRAM_CHANNEL_ID overrides it.
	ChannelID int64 `json:"channel_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	// LogChatID receives log lines when logging.telegram.enabled is set.
	LogChatID int64  `json:"log_chat_id,omitempty"`
	APIURL    string `json:"api_url,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"` // default 30s
	UploadTimeout  string `json:"upload_timeout,omitempty"`  // default 2m
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// FeedConfig describes the live results API and the upcoming results API.
type FeedConfig struct {
	URL         string            `json:"url"`
	UpcomingURL string            `json:"upcoming_url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timeout     string            `json:"timeout,omitempty"` // default 30s
	Retry       RetryConfig       `json:"retry"`
	Breaker     BreakerConfig     `json:"breaker"`
}

// RetryConfig maps onto retry.Policy.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Base        string  `json:"base,omitempty"`
	Max         string  `json:"max,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// BreakerConfig controls the feed circuit breaker. Failures is the number of
// consecutive failed fetches that opens it; Cooldown is the open period.
type BreakerConfig struct {
	Failures int    `json:"failures,omitempty"` // default 5
	Cooldown string `json:"cooldown,omitempty"` // default 5m
}

type UniverseConfig struct {
	// Path is a CSV file with "Company Name" and "Symbol" columns.
	Path           string  `json:"path"`
	MatchThreshold float64 `json:"match_threshold,omitempty"` // default 0.8
}

// ScheduleConfig uses the scheduler spec syntax: "every:5m", a cron
// expression (seconds optional) or "@every 5m".
type ScheduleConfig struct {
	// Timezone decides which calendar day is "today". CONCALLBOT_TIMEZONE
	// overrides it.
	Timezone        string `json:"timezone"`
	Poll            string `json:"poll"`
	Upcoming        string `json:"upcoming,omitempty"`
	UpcomingEnabled bool   `json:"upcoming_enabled,omitempty"`
	// StartupMessage announces the bot in the channel on start.
	StartupMessage *bool `json:"startup_message,omitempty"`
}

type DeliveryConfig struct {
	Pace string `json:"pace,omitempty"` // default 2s

	ImageRetry    RetryConfig `json:"image_retry"`
	DocumentRetry RetryConfig `json:"document_retry"`
	FetchRetry    RetryConfig `json:"fetch_retry"`

	// DocumentDir holds temporary downloads. Empty means os.TempDir().
	DocumentDir     string `json:"document_dir,omitempty"`
	DocumentTimeout string `json:"document_timeout,omitempty"` // default 60s
	MaxDocumentSize int64  `json:"max_document_size,omitempty"`
	// FallbackBase is tried with the Pname query parameter when a document
	// link returns 404.
	FallbackBase string `json:"fallback_base,omitempty"`
}

// StorageConfig selects the delivery ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ledger.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // memory | file | sqlite | redis | postgres
	Path        string `json:"path,omitempty"`         // file, sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres DSN or redis address (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	TTL         string `json:"ttl,omitempty"`          // redis key expiry, default 72h
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:9108
	// Pprof mounts /debug/pprof on the same listener.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"` // do not log
}

type RenderConfig struct {
	Workers int    `json:"workers,omitempty"` // default 2
	Brand   string `json:"brand,omitempty"`
}
