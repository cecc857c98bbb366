// Package app wires configuration into the running bot: the delivery cycle,
// the upcoming digest, the scheduler and the admin endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"concallbot/internal/config"
	"concallbot/internal/cycle"
	"concallbot/internal/document"
	"concallbot/internal/feed"
	"concallbot/internal/ledger"
	"concallbot/internal/metrics"
	"concallbot/internal/pipeline"
	"concallbot/internal/render"
	"concallbot/internal/runtime/supervisor"
	"concallbot/internal/scheduler"
	"concallbot/internal/transport"
	"concallbot/internal/transport/telegram"
	"concallbot/internal/universe"
	"concallbot/internal/upcoming"
	logx "concallbot/pkg/logx"
	"concallbot/pkg/systemd"
)

const (
	jobPoll     = "poll"
	jobUpcoming = "upcoming"

	upcomingTimeout = 5 * time.Minute
	// staleAfter marks the bot unhealthy when no cycle fetched the feed
	// for this long.
	staleAfter = 15 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	set  settings

	log  logx.Logger
	logs *logx.Service

	channel  transport.Channel
	store    ledger.Store
	metrics  *metrics.Metrics
	matcher  *universe.Matcher
	runner   *cycle.Runner
	upcoming *upcoming.Job
	sched    *scheduler.Scheduler
	sup      *supervisor.Supervisor

	started time.Time
}

// LoadConfig reads and validates the config file without building anything.
func LoadConfig(path string) (*config.ConfigManager, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if _, err := resolve(cfg); err != nil {
		return nil, err
	}
	return cfgm, nil
}

// LoadMatcher builds the universe matcher from the config at path. It does
// not need Telegram credentials.
func LoadMatcher(path string) (*universe.Matcher, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Universe.Path) == "" {
		return nil, errors.New("universe.path is required")
	}
	u, err := universe.Load(cfg.Universe.Path)
	if err != nil {
		return nil, err
	}
	return universe.NewMatcher(u, cfg.Universe.MatchThreshold), nil
}

// New builds every component. Nothing runs until Start, RunOnce or
// RunUpcoming.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(orDefault(cfg.Logging.Level, "info")).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(set.telegram, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn before the
	// log chat is known.
	logCfg := logConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logs, root := logx.New(bootCfg, ad)
	logs.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	logs.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, set: set, log: log, logs: logs, channel: ad, metrics: metrics.New()}
	if err := a.build(ctx, root); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, root logx.Logger) error {
	s := a.set
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	u, err := universe.Load(s.universePath)
	if err != nil {
		return err
	}
	a.matcher = universe.NewMatcher(u, s.threshold)
	a.log.Info("universe loaded", logx.Int("entities", u.Len()), logx.String("path", s.universePath))

	store, err := ledger.Open(ctx, s.ledger, comp("ledger"))
	if err != nil {
		return err
	}
	a.store = store
	l := ledger.New(store, comp("ledger"))

	feedClient := feed.NewClient(feed.ClientOptions{
		Timeout:         s.feedTimeout,
		Retry:           s.feedRetry,
		BreakerFailures: s.breakerFailures,
		BreakerCooldown: s.breakerCooldown,
		OnBreakerChange: a.metrics.BreakerChanged,
	}, comp("feed"))

	pool := render.NewPool(render.Card{Brand: s.brand}, s.workers)
	docs := document.NewFetcher(s.document, comp("document"))
	p := pipeline.New(s.pipeline, pool, a.channel, docs, l, a.metrics, comp("pipeline"))

	deps := cycle.Deps{
		Feed:      feedClient,
		URL:       s.feedURL,
		Extractor: &feed.Extractor{Matcher: a.matcher, Location: s.loc, Log: comp("extract")},
		Ledger:    l,
		Pipeline:  p,
		Metrics:   a.metrics,
		Location:  s.loc,
	}
	if s.archiveDir != "" {
		deps.Archive = &feed.Archive{Dir: s.archiveDir}
	}
	a.runner = cycle.New(deps, comp("cycle"))

	// The digest gets its own breaker so a failing upcoming endpoint does
	// not block live results.
	upClient := feed.NewClient(feed.ClientOptions{Timeout: 20 * time.Second, Retry: s.feedRetry}, comp("upcoming"))
	a.upcoming = upcoming.New(upcoming.Config{
		URL:      s.upcomingURL,
		Target:   s.target,
		Location: s.loc,
		Send:     s.pipeline.ImageRetry,
	}, upClient, render.List{Brand: s.brand}, pool, a.channel, a.metrics, comp("upcoming"))

	a.sched = scheduler.New(s.loc, comp("scheduler"))
	if err := a.sched.Add(jobPoll, s.poll, 0, func(ctx context.Context) error {
		_, err := a.runner.RunCycle(ctx)
		return err
	}); err != nil {
		return err
	}
	if s.upcomingEnabled {
		if err := a.sched.Add(jobUpcoming, s.upcoming, upcomingTimeout, func(ctx context.Context) error {
			_, err := a.upcoming.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Matcher exposes the loaded universe matcher.
func (a *App) Matcher() *universe.Matcher { return a.matcher }

// RunOnce performs a single cycle in the foreground.
func (a *App) RunOnce(ctx context.Context) (cycle.Report, error) {
	return a.runner.RunCycle(ctx)
}

// RunUpcoming posts tomorrow's digest in the foreground.
func (a *App) RunUpcoming(ctx context.Context) (upcoming.Report, error) {
	return a.upcoming.Run(ctx)
}

// Done is closed when the app stops on its own (fatal error) or via Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the scheduler, the first cycle, the admin server and the
// config watcher, then reports READY to systemd.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	if a.set.metricsAddr != "" {
		var opts []metrics.Option
		if a.set.pprof {
			opts = append(opts, metrics.WithProfiler(a.set.pprofToken))
		}
		srv := metrics.NewServer(a.set.metricsAddr, metrics.Handler(a.metrics, a.Health, opts...), a.log.With(logx.String("comp", "metrics")))
		a.sup.GoRestart("metrics.server", srv.Run, supervisor.Restart{MinBackoff: time.Second, MaxBackoff: time.Minute})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.Restart{})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c, a.Health); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
		return nil
	})

	if a.set.startupMessage {
		a.announce(run)
	}
	a.sched.Start(run)
	if _, err := a.sched.Trigger(jobPoll); err != nil {
		return err
	}

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	fields := []logx.Field{logx.String("poll", a.set.poll), logx.String("tz", a.set.loc.String()), logx.String("ledger", a.set.ledger.Driver)}
	if a.set.upcomingEnabled {
		fields = append(fields, logx.Time("next_upcoming", a.sched.Next(jobUpcoming)))
	}
	a.log.Info("bot started", fields...)
	return nil
}

// Health fails when a goroutine failed or the feed has not been fetched
// recently.
func (a *App) Health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	last := a.runner.LastSuccess()
	if last.IsZero() {
		last = a.started
	}
	if !last.IsZero() && time.Since(last) > staleAfter {
		return fmt.Errorf("no successful feed fetch since %s", last.Format(time.RFC3339))
	}
	return nil
}

func (a *App) announce(ctx context.Context) {
	now := time.Now().In(a.set.loc)
	text := "🤖 <b>Concall Results Bot Started</b>\n" +
		"📅 " + now.Format("2006-01-02 15:04:05 MST") + "\n" +
		"⏱ Poll: <code>" + html.EscapeString(a.set.poll) + "</code>\n" +
		"💾 Ledger: " + html.EscapeString(a.set.ledger.Driver)
	sctx, cancel := context.WithTimeout(ctx, a.set.telegram.RequestTimeout)
	defer cancel()
	if _, err := a.channel.SendText(sctx, a.set.target, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		a.log.Warn("startup message not sent", logx.Err(err))
	}
}

// reloadLoop applies logging changes live and warns about the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs := config.SummarizeConfigChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.SetTelegramTarget(next.Telegram.LogChatID, next.Logging.Telegram.ThreadID)
			a.logs.Apply(logConfig(next))
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("restart required for changes to take effect", logx.Strs("sections", pending))
			}
		}
	}
}

// Stop shuts down in order: scheduler (waits for a running cycle), admin
// goroutines, ledger, logging. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	if a.sup != nil {
		// canceling first lets a running cycle stop between events
		a.sup.Cancel()
		step("scheduler", 20*time.Second, func(c context.Context) error {
			a.sched.Stop(c)
			return nil
		})
		step("supervisor", 5*time.Second, a.sup.Stop)
	}
	if a.store != nil {
		step("ledger", 5*time.Second, func(context.Context) error { return a.store.Close() })
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
