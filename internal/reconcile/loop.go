// Package reconcile keeps the armed timers in line with the stored posts.
//
// A pass reloads the store (except the cold pass at startup), resolves every
// post and re-arms the eligible ones. Passes run on a cron schedule and on
// demand; a pass requested while another runs is skipped.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/store"
	logx "postbot/pkg/logx"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultFirstDelay = 5 * time.Second
)

// Timers is the scheduler surface a pass needs.
type Timers interface {
	Schedule(delay time.Duration, p post.Post) time.Duration
	Prune(keep []int) int
}

type Config struct {
	Interval   time.Duration
	FirstDelay time.Duration
	Rules      post.Rules
	// WatchStore triggers a pass when the store file changes on disk.
	WatchStore bool
}

// Result summarizes one pass.
type Result struct {
	Reason    string
	Started   time.Time
	Took      time.Duration
	Posts     int
	Scheduled int
	Invalid   int
	Pruned    int
	Err       error
}

type Loop struct {
	store  *store.Store
	timers Timers
	log    logx.Logger
	bus    eventbus.Bus

	cfg     atomic.Pointer[Config]
	running atomic.Bool
	last    atomic.Pointer[Result]
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	sup     *rtsup.Supervisor
	trigger chan string
}

func New(st *store.Store, timers Timers, cfg Config, log logx.Logger, bus eventbus.Bus) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	l := &Loop{
		store:   st,
		timers:  timers,
		log:     log,
		bus:     bus,
		now:     time.Now,
		trigger: make(chan string, 1),
	}
	l.cfg.Store(withDefaults(cfg))
	return l
}

func withDefaults(cfg Config) *Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = DefaultFirstDelay
	}
	if cfg.Rules.Location == nil {
		cfg.Rules.Location = time.Local
	}
	return &cfg
}

// Last returns the most recent pass result.
func (l *Loop) Last() (Result, bool) {
	r := l.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Pass runs one reconciliation. It returns false when another pass was
// already running.
func (l *Loop) Pass(ctx context.Context, reason string, reload bool) (Result, bool) {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Debug("reconcile pass skipped: already running", logx.String("reason", reason))
		return Result{}, false
	}
	defer l.running.Store(false)

	cfg := *l.cfg.Load()
	res := Result{Reason: reason, Started: l.now()}

	if reload {
		if err := l.store.Load(ctx); err != nil {
			// Keep going with what we had.
			res.Err = err
			l.log.Error("reload failed, keeping previous posts", logx.Err(err))
		}
	}

	now := l.now().In(cfg.Rules.Location)
	posts := l.store.All()
	res.Posts = len(posts)
	keep := make([]int, 0, len(posts))
	for _, p := range posts {
		keep = append(keep, p.ID)
		at, err := post.Resolve(p, now, cfg.Rules)
		if err != nil {
			var pe *post.ParseError
			if errors.As(err, &pe) {
				res.Invalid++
				l.log.Warn("invalid post datetime", logx.PostID(p.ID), logx.String("datetime", p.Datetime), logx.Err(pe.Err))
			}
			continue
		}
		l.timers.Schedule(post.Delay(at, now), p)
		res.Scheduled++
	}
	res.Pruned = l.timers.Prune(keep)
	res.Took = time.Since(res.Started)

	l.last.Store(&res)
	ev := eventbus.PassEvent{Reason: reason, Posts: res.Posts, Scheduled: res.Scheduled, Invalid: res.Invalid, Pruned: res.Pruned, Took: res.Took}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.ReconcilePass, Data: ev})
	l.log.Debug("reconcile pass done",
		logx.String("reason", reason),
		logx.Int("posts", res.Posts),
		logx.Int("scheduled", res.Scheduled),
		logx.Int("invalid", res.Invalid),
		logx.Int("pruned", res.Pruned),
		logx.Duration("took", res.Took),
	)
	return res, true
}

// Start runs the cold pass over the already loaded store, then starts the
// periodic and triggered passes.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sup != nil {
		return
	}

	res, _ := l.Pass(ctx, "startup", false)
	l.log.Info("posts scheduled", logx.Int("posts", res.Posts), logx.Int("scheduled", res.Scheduled))

	l.sup = rtsup.New(ctx,
		rtsup.WithLogger(l.log),
		rtsup.WithCancelOnError(false),
	)
	sup := l.sup
	sctx := sup.Context()

	l.startCronLocked(sctx)

	sup.Go0("reconcile.trigger", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case reason := <-l.trigger:
				l.Pass(c, reason, true)
			}
		}
	})

	if l.cfg.Load().WatchStore {
		if p, ok := l.store.Backend().(store.Pather); ok {
			path := p.Path()
			sup.GoRestart("reconcile.watch", func(c context.Context) error {
				return l.watch(c, path)
			},
				rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
				rtsup.WithStopOnCleanExit(true),
			)
		}
	}
}

func (l *Loop) startCronLocked(ctx context.Context) {
	cfg := l.cfg.Load()
	clog := cronLogger{log: l.log}
	c := cron.New(
		cron.WithLocation(cfg.Rules.Location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(newFirstDelaySchedule(cfg.Interval, cfg.FirstDelay), cron.FuncJob(func() {
		l.Pass(ctx, "interval", true)
	}))
	c.Start()
	l.cron = c
	l.log.Debug("reconcile cron started", logx.Duration("interval", cfg.Interval), logx.Duration("first", cfg.FirstDelay))
}

// Trigger requests a reloading pass. It never blocks; a request made while
// one is pending is merged into it.
func (l *Loop) Trigger(reason string) bool {
	select {
	case l.trigger <- reason:
		return true
	default:
		return false
	}
}

// Apply swaps rules and timing. An interval change restarts the cron.
func (l *Loop) Apply(cfg Config) {
	next := withDefaults(cfg)
	prev := l.cfg.Swap(next)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cron == nil || l.sup == nil {
		return
	}
	if prev.Interval != next.Interval || prev.Rules.Location != next.Rules.Location {
		<-l.cron.Stop().Done()
		l.startCronLocked(l.sup.Context())
	}
}

func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	c, sup := l.cron, l.sup
	l.cron, l.sup = nil, nil
	l.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warn("reconcile stop", logx.Err(err))
		}
	}
}
