// Package app wires the post scheduler together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"postbot/internal/admin"
	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	"postbot/internal/jobs"
	"postbot/internal/observability/httpserver"
	"postbot/internal/observability/metrics"
	"postbot/internal/reconcile"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/store"
	"postbot/internal/task/engine"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
	"postbot/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type Option func(*options)

type options struct {
	version string
	offline bool
}

// WithVersion is shown by /status.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithOffline skips the Bot API handshake. Sends still go to the API.
func WithOffline() Option { return func(o *options) { o.offline = true } }

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	settings atomic.Pointer[PostSettings]

	store  *store.Store
	engine *engine.Service
	timers *jobs.Scheduler
	exec   *delivery.Executor
	recon  *reconcile.Loop

	adapter  *telegram.Adapter
	router   *router.Router
	commands bool

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	http     *httpserver.Service

	startedAt time.Time
	updates   chan kit.Update
}

// New loads the config and the posts. A store that cannot be read is fatal.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	settings, err := MapPosts(cfg)
	if err != nil {
		return nil, err
	}
	storeCfg, err := MapStore(cfg, settings.MaxAttempts)
	if err != nil {
		return nil, err
	}
	tgCfg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	httpCfg, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}

	// The Telegram sink needs the adapter and the adapter needs a logger, so
	// the sink is enabled only once both exist and the target is set.
	logCfg := mapLogging(cfg)
	tgSink := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, nil)

	tgCfg.Offline = o.offline
	ad, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(ad)
	if chatID, ok := parseChatID(cfg.Telegram.GroupLog); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Telegram.Enabled = tgSink
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	lctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = st.Load(lctx)
	cancel()
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("load posts: %w", err)
	}
	appLog.Info("posts loaded", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path), logx.Int("posts", st.Len()))

	eng := engine.New(settings.Engine, log.With(logx.String("comp", "taskengine")), bus)
	exec := delivery.NewExecutor(delivery.Deps{
		Store:     st,
		Messenger: ad,
		Engine:    eng,
		Logger:    log.With(logx.String("comp", "delivery")),
		Bus:       bus,
	}, settings.delivery())
	timers := jobs.New(exec.Fire, jobs.Options{
		Logger: log.With(logx.String("comp", "scheduler")),
		Bus:    bus,
	})
	exec.SetTimers(timers)
	recon := reconcile.New(st, timers, settings.reconcile(), log.With(logx.String("comp", "reconcile")), bus)

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		engine:    eng,
		timers:    timers,
		exec:      exec,
		recon:     recon,
		adapter:   ad,
		commands:  cfg.Telegram.Commands == nil || *cfg.Telegram.Commands,
		startedAt: time.Now(),
		updates:   make(chan kit.Update, 256),
	}
	a.settings.Store(&settings)

	a.router = router.New(ad, log.With(logx.String("comp", "commands")), cfg.Telegram.OwnerUserIDs)
	admin.New(admin.Deps{
		Store:     st,
		Timers:    timers,
		Engine:    eng,
		Reconcile: recon,
		Resend:    exec,
		Location:  func() *time.Location { return a.settings.Load().Rules.Location },
		StartedAt: a.startedAt,
		Version:   o.version,
	}, a.router).Register()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics, err = metrics.New(a.registry, metrics.Gauges{
		PendingTimers: timers.Len,
		StoredPosts:   st.Len,
		QueueLen:      func() int { return eng.Snapshot().QueueLen },
	})
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.http = httpserver.New(httpCfg, a.registry, a.health, log.With(logx.String("comp", "http")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() (map[string]any, error) {
	details := map[string]any{
		"posts":         a.store.Len(),
		"armed":         a.timers.Len(),
		"uptime_second": int(time.Since(a.startedAt).Seconds()),
	}
	if last, ok := a.recon.Last(); ok {
		details["last_pass"] = last.Started.UTC().Format(time.RFC3339)
		// Several missed passes mean the loop is wedged.
		if limit := 3*a.settings.Load().ReconcileInterval + time.Minute; time.Since(last.Started) > limit {
			return details, fmt.Errorf("no reconciliation pass for %s", time.Since(last.Started).Round(time.Second))
		}
	}
	if s := a.engine.Snapshot(); !s.Running {
		return details, errors.New("task engine not running")
	}
	return details, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.engine.Start(sctx)
	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.recon.Start(sctx)

	if a.commands {
		if err := a.adapter.Start(sctx, a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, router.MenuCommands(a.router.Commands())); err != nil {
				a.log.Warn("bot command menu not updated", logx.Err(err))
			}
		})
	}

	if httpCfg, err := mapHTTP(a.cfgm.Get()); err == nil {
		a.http.Reconfigure(sctx, httpCfg)
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; every armed timer publishes.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log, func() bool {
			_, err := a.health()
			return err == nil
		})
	})

	a.log.Info("app started",
		logx.Int("posts", a.store.Len()),
		logx.Int("armed", a.timers.Len()),
		logx.Bool("commands", a.commands),
	)
	return nil
}

// applyConfig applies the live-reloadable parts of newCfg. The validator has
// already accepted it.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// Update the log target first so Apply does not warn about a missing one.
	if chatID, ok := parseChatID(newCfg.Telegram.GroupLog); ok {
		a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogging(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if settings, err := MapPosts(newCfg); err != nil {
		a.log.Warn("invalid posts config; keeping previous", logx.Err(err))
	} else {
		prev := a.settings.Load()
		// Resizing the engine would drop queued deliveries.
		settings.Engine.Workers = prev.Engine.Workers
		settings.Engine.QueueSize = prev.Engine.QueueSize
		// The watcher is started once.
		settings.WatchFile = prev.WatchFile
		a.settings.Store(&settings)

		a.store.SetMaxAttempts(settings.MaxAttempts)
		a.engine.Apply(ctx, settings.Engine)
		a.exec.Apply(settings.delivery())
		a.recon.Apply(settings.reconcile())
		// Rules may have changed which posts are due.
		a.recon.Trigger("config reload")
	}

	if httpCfg, err := mapHTTP(newCfg); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, httpCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping()

	// Stop arming before the workers go away.
	a.step(ctx, "reconcile", 2*time.Second, func(c context.Context) error { a.recon.Stop(c); return nil })
	a.step(ctx, "timers", time.Second, func(context.Context) error { a.timers.Stop(); return nil })

	a.sup.Cancel()

	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "store", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it does not, log when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
