package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	_ "time/tzdata"

	"concallbot/internal/config"
	"concallbot/internal/document"
	"concallbot/internal/ledger"
	"concallbot/internal/pipeline"
	"concallbot/internal/retry"
	"concallbot/internal/scheduler"
	"concallbot/internal/transport"
	"concallbot/internal/transport/telegram"
	logx "concallbot/pkg/logx"
)

const (
	DefaultPoll     = "cron:*/2 * * * *"
	DefaultUpcoming = "daily:18:00"
	DefaultTimezone = "Asia/Kolkata"
	DefaultArchive  = "./data/archive"
)

var (
	defaultFeedRetry  = retry.Policy{MaxAttempts: 3, Base: 2 * time.Second, Max: 30 * time.Second, Jitter: 0.2}
	defaultFetchRetry = retry.Policy{MaxAttempts: 3, Base: time.Second, Max: 10 * time.Second, Jitter: 0.1}
)

// settings is the resolved form of config.Config with defaults applied.
type settings struct {
	target   transport.ChatTarget
	telegram telegram.Config
	loc      *time.Location

	poll            string
	upcoming        string
	upcomingEnabled bool
	startupMessage  bool

	feedURL         string
	upcomingURL     string
	feedTimeout     time.Duration
	feedRetry       retry.Policy
	breakerFailures int
	breakerCooldown time.Duration

	universePath string
	threshold    float64

	pipeline pipeline.Config
	document document.Options

	ledger ledger.Config

	archiveDir string

	metricsAddr string
	pprof       bool
	pprofToken  string
	workers     int
	brand       string
}

// resolve validates cfg and applies defaults. It is also the reload
// validator, so it must not have side effects.
func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var s settings
	var err error

	s.telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	if s.telegram.Token == "" {
		return s, errors.New("telegram.token is required (or TELEGRAM_BOT_TOKEN)")
	}
	if cfg.Telegram.ChannelID == 0 {
		return s, errors.New("telegram.channel_id is required (or TELEGRAM_CHANNEL_ID)")
	}
	s.target = transport.ChatTarget{ChatID: cfg.Telegram.ChannelID, ThreadID: cfg.Telegram.ThreadID}
	s.telegram.APIURL = strings.TrimSpace(cfg.Telegram.APIURL)
	if s.telegram.RequestTimeout, err = config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 30*time.Second); err != nil {
		return s, err
	}
	if s.telegram.UploadTimeout, err = config.ParseDurationOrDefault("telegram.upload_timeout", cfg.Telegram.UploadTimeout, 2*time.Minute); err != nil {
		return s, err
	}

	tz := cfg.Schedule.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = DefaultTimezone
	}
	if s.loc, err = config.LoadLocation("schedule.timezone", tz, time.Local); err != nil {
		return s, err
	}
	s.poll = orDefault(cfg.Schedule.Poll, DefaultPoll)
	if _, err := scheduler.ParseSpec(s.poll); err != nil {
		return s, fmt.Errorf("schedule.poll: %w", err)
	}
	s.upcoming = orDefault(cfg.Schedule.Upcoming, DefaultUpcoming)
	if _, err := scheduler.ParseSpec(s.upcoming); err != nil {
		return s, fmt.Errorf("schedule.upcoming: %w", err)
	}
	s.upcomingURL = strings.TrimSpace(cfg.Feed.UpcomingURL)
	s.upcomingEnabled = cfg.Schedule.UpcomingEnabled
	if s.upcomingEnabled && s.upcomingURL == "" {
		return s, errors.New("schedule.upcoming_enabled requires feed.upcoming_url")
	}
	s.startupMessage = cfg.Schedule.StartupMessage == nil || *cfg.Schedule.StartupMessage

	s.feedURL = strings.TrimSpace(cfg.Feed.URL)
	if s.feedTimeout, err = config.ParseDurationOrDefault("feed.timeout", cfg.Feed.Timeout, 30*time.Second); err != nil {
		return s, err
	}
	if s.feedRetry, err = retryPolicy("feed.retry", cfg.Feed.Retry, defaultFeedRetry); err != nil {
		return s, err
	}
	if cfg.Feed.Breaker.Failures < 0 {
		return s, errors.New("feed.breaker.failures must be >= 0")
	}
	s.breakerFailures = cfg.Feed.Breaker.Failures
	if s.breakerCooldown, err = config.ParseDurationOrDefault("feed.breaker.cooldown", cfg.Feed.Breaker.Cooldown, 5*time.Minute); err != nil {
		return s, err
	}

	s.universePath = strings.TrimSpace(cfg.Universe.Path)
	if s.universePath == "" {
		return s, errors.New("universe.path is required")
	}
	if t := cfg.Universe.MatchThreshold; t < 0 || t > 1 {
		return s, fmt.Errorf("universe.match_threshold must be within [0,1], got %v", t)
	}
	s.threshold = cfg.Universe.MatchThreshold

	if s.pipeline.Pace, err = config.ParseDurationOrDefault("delivery.pace", cfg.Delivery.Pace, 2*time.Second); err != nil {
		return s, err
	}
	if s.pipeline.ImageRetry, err = retryPolicy("delivery.image_retry", cfg.Delivery.ImageRetry, pipeline.DefaultImageRetry); err != nil {
		return s, err
	}
	if s.pipeline.DocumentRetry, err = retryPolicy("delivery.document_retry", cfg.Delivery.DocumentRetry, pipeline.DefaultDocumentRetry); err != nil {
		return s, err
	}
	s.pipeline.Target = s.target
	s.pipeline.Location = s.loc

	s.document.Dir = strings.TrimSpace(cfg.Delivery.DocumentDir)
	if s.document.Timeout, err = config.ParseDurationOrDefault("delivery.document_timeout", cfg.Delivery.DocumentTimeout, 60*time.Second); err != nil {
		return s, err
	}
	if cfg.Delivery.MaxDocumentSize < 0 {
		return s, errors.New("delivery.max_document_size must be >= 0")
	}
	s.document.MaxSize = cfg.Delivery.MaxDocumentSize
	if s.document.Retry, err = retryPolicy("delivery.fetch_retry", cfg.Delivery.FetchRetry, defaultFetchRetry); err != nil {
		return s, err
	}
	s.document.FallbackBase = orDefault(cfg.Delivery.FallbackBase, document.DefaultFallbackBase)

	s.ledger = ledger.Config{
		Driver: strings.ToLower(orDefault(cfg.Storage.Driver, "sqlite")),
		Path:   strings.TrimSpace(cfg.Storage.Path),
		DSN:    strings.TrimSpace(cfg.Storage.DSN),
	}
	switch s.ledger.Driver {
	case "memory", "file", "sqlite", "sqlite3":
	case "redis", "postgres", "postgresql", "pgx":
		if s.ledger.DSN == "" {
			return s, fmt.Errorf("storage.dsn is required for driver %q", s.ledger.Driver)
		}
	default:
		return s, fmt.Errorf("storage.driver: unknown %q (memory|file|sqlite|redis|postgres)", s.ledger.Driver)
	}
	if s.ledger.BusyTimeout, err = config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return s, err
	}
	if s.ledger.TTL, err = config.ParseDurationField("storage.ttl", cfg.Storage.TTL); err != nil {
		return s, err
	}

	if cfg.Archive.Enabled {
		s.archiveDir = orDefault(cfg.Archive.Dir, DefaultArchive)
	}
	if cfg.Metrics.Enabled {
		s.metricsAddr = orDefault(cfg.Metrics.Addr, "127.0.0.1:9108")
		s.pprof = cfg.Metrics.Pprof
		s.pprofToken = strings.TrimSpace(cfg.Metrics.PprofToken)
		if s.pprof && s.pprofToken == "" && !loopback(s.metricsAddr) {
			return s, errors.New("metrics.pprof on a non-loopback address requires metrics.pprof_token")
		}
	}
	if cfg.Render.Workers < 0 {
		return s, errors.New("render.workers must be >= 0")
	}
	s.workers = cfg.Render.Workers
	s.brand = strings.TrimSpace(cfg.Render.Brand)
	return s, nil
}

// retryPolicy overlays the configured fields on def.
func retryPolicy(path string, rc config.RetryConfig, def retry.Policy) (retry.Policy, error) {
	p := def
	if rc.MaxAttempts < 0 {
		return p, fmt.Errorf("%s.max_attempts must be >= 0", path)
	}
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	var err error
	if p.Base, err = config.ParseDurationOrDefault(path+".base", rc.Base, def.Base); err != nil {
		return p, err
	}
	if p.Max, err = config.ParseDurationOrDefault(path+".max", rc.Max, def.Max); err != nil {
		return p, err
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return p, fmt.Errorf("%s.jitter must be within [0,1]", path)
	}
	if rc.Jitter > 0 {
		p.Jitter = rc.Jitter
	}
	return p, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
