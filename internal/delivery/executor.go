package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/store"
	"postbot/internal/task/engine"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Rearmer is the timer side of the scheduler.
type Rearmer interface {
	Schedule(delay time.Duration, p post.Post) time.Duration
}

// Config holds the knobs that may change on reload.
type Config struct {
	Location     *time.Location
	RetryBackoff time.Duration
	SkipFailed   bool
	SendTimeout  time.Duration

	// RatePerSec limits outbound sends across all posts. <= 0 disables.
	RatePerSec float64
	Burst      int
}

type Deps struct {
	Store     *store.Store
	Messenger transport.Messenger
	Timers    Rearmer
	// Engine runs deliveries off the timer goroutine. Nil runs them inline.
	Engine *engine.Service
	Logger logx.Logger
	Bus    eventbus.Bus
}

type Executor struct {
	store *store.Store
	msg   transport.Messenger
	jobs  Rearmer
	eng   *engine.Service
	log   logx.Logger
	bus   eventbus.Bus

	cfg     atomic.Pointer[Config]
	limiter atomic.Pointer[rate.Limiter]
	// resend holds post ids whose next delivery was requested by the owner.
	resend sync.Map

	now func() time.Time
}

func NewExecutor(d Deps, cfg Config) *Executor {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	e := &Executor{
		store: d.Store,
		msg:   d.Messenger,
		jobs:  d.Timers,
		eng:   d.Engine,
		log:   d.Logger,
		bus:   d.Bus,
		now:   time.Now,
	}
	e.Apply(cfg)
	return e
}

// SetTimers wires the scheduler after construction; the scheduler needs
// Fire and the executor needs Schedule.
func (e *Executor) SetTimers(r Rearmer) { e.jobs = r }

// Apply swaps the runtime config.
func (e *Executor) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	prev := e.cfg.Swap(&cfg)
	if prev == nil || prev.RatePerSec != cfg.RatePerSec || prev.Burst != cfg.Burst {
		limit := rate.Inf
		if cfg.RatePerSec > 0 {
			limit = rate.Limit(cfg.RatePerSec)
		}
		e.limiter.Store(rate.NewLimiter(limit, cfg.Burst))
	}
}

func (e *Executor) config() Config { return *e.cfg.Load() }

// TaskName is the engine task name of a post delivery. Deliveries of one
// post never overlap.
func TaskName(id int) string { return fmt.Sprintf("post:%d", id) }

// Fire is the timer callback: it hands the delivery to the engine.
func (e *Executor) Fire(p post.Post) {
	cfg := e.config()
	if e.eng == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), max(cfg.SendTimeout, time.Second))
			defer cancel()
			_ = e.Deliver(ctx, p)
		}()
		return
	}

	err := e.eng.Enqueue(engine.Task{
		Name:    TaskName(p.ID),
		Timeout: cfg.SendTimeout,
		Run:     func(ctx context.Context) error { return e.Deliver(ctx, p) },
		OnDrop:  func(err error) { e.rearm(p, err) },
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		// The running delivery owns the outcome.
		e.log.Debug("delivery already in flight", logx.PostID(p.ID))
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		e.log.Debug("delivery not queued: engine stopping", logx.PostID(p.ID))
	default:
		e.rearm(p, err)
	}
}

// rearm puts back a delivery the engine refused or dropped before sending.
// A one-shot post whose moment passed is never re-armed by reconciliation,
// so it has to be kept alive here.
func (e *Executor) rearm(p post.Post, cause error) {
	d := e.jobs.Schedule(e.config().RetryBackoff, p)
	e.log.Warn("delivery not run, re-armed", logx.PostID(p.ID), logx.Duration("delay", d), logx.Err(cause))
	e.bus.Publish(eventbus.Event{Type: eventbus.PostRetry, Data: eventbus.PostEvent{PostID: p.ID, Outcome: "requeued", Delay: d, Error: cause.Error()}})
}

// ErrAlreadyPosted is returned by Resend for a post with nothing left to send.
var ErrAlreadyPosted = errors.New("already posted")

// Resend arms one owner-requested delivery of id after delay, regardless of
// its publication time. The delivery ignores skip_failed once; the failed
// flag, the attempt count and the last error are left as they are.
func (e *Executor) Resend(id int, delay time.Duration) (time.Duration, error) {
	p, ok := e.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("post %d: %w", id, store.ErrNotFound)
	}
	year := e.now().In(e.config().Location).Year()
	if reason := alreadyDone(p, year, false); reason != "" {
		return 0, fmt.Errorf("post %d: %w (%s)", id, ErrAlreadyPosted, reason)
	}
	e.resend.Store(id, struct{}{})
	d := e.jobs.Schedule(delay, p)
	e.log.Info("resend armed", logx.PostID(id), logx.Duration("delay", d), logx.Bool("failed", p.Failed), logx.Int("attempts", p.Attempts))
	return d, nil
}

// Deliver sends the latest stored version of p and records the outcome.
// Delivery failures are handled here and never returned.
func (e *Executor) Deliver(ctx context.Context, p post.Post) error {
	cfg := e.config()
	log := e.log.With(logx.PostID(p.ID))

	_, forced := e.resend.LoadAndDelete(p.ID)
	cur, ok := e.store.Get(p.ID)
	if !ok {
		log.Warn("post vanished before delivery")
		return nil
	}
	year := e.now().In(cfg.Location).Year()
	if reason := alreadyDone(cur, year, cfg.SkipFailed && !forced); reason != "" {
		log.Debug("delivery skipped", logx.String("reason", reason))
		return nil
	}

	if err := e.limiter.Load().Wait(ctx); err != nil {
		return e.record(ctx, log, cfg, cur, fmt.Errorf("%w: %v", transport.ErrTimeout, err))
	}

	log.Info("publishing post", logx.Bool("media", cur.HasMedia()))
	var err error
	if cur.HasMedia() {
		err = e.sendPhoto(ctx, log, cur)
	} else {
		_, err = e.msg.SendText(ctx, string(cur.ChannelID), cur.Text)
	}
	return e.record(ctx, log, cfg, cur, err)
}

func alreadyDone(p post.Post, year int, skipFailed bool) string {
	switch {
	case !p.Repeat && p.Posted:
		return "posted"
	case p.Repeat && p.LastPostedYear != nil && *p.LastPostedYear == year:
		return "posted this year"
	case skipFailed && p.Failed:
		return "failed"
	}
	return ""
}

func (e *Executor) record(ctx context.Context, log logx.Logger, cfg Config, p post.Post, sendErr error) error {
	// Store writes must land even when the send used up the deadline.
	wctx := context.WithoutCancel(ctx)

	d := Decide(sendErr, cfg.RetryBackoff)
	if d.Action == ActionDone {
		year := e.now().In(cfg.Location).Year()
		if _, err := e.store.MarkPosted(wctx, p.ID, year); err != nil {
			log.Error("mark posted failed", logx.Err(err))
		}
		log.Info("post published")
		e.bus.Publish(eventbus.Event{Type: eventbus.PostDelivered, Data: eventbus.PostEvent{PostID: p.ID, Outcome: d.Action.String()}})
		return nil
	}

	updated, err := e.store.IncrementAttempts(wctx, p.ID, d.ErrText)
	if err != nil {
		log.Error("record attempt failed", logx.Err(err))
		updated = p
		updated.Attempts++
	}
	ev := eventbus.PostEvent{PostID: p.ID, Outcome: d.Action.String(), Attempts: updated.Attempts, Error: d.ErrText}

	if !d.Action.Retries() || (cfg.SkipFailed && updated.Failed) {
		log.Warn("post not retried", logx.String("outcome", ev.Outcome), logx.Int("attempts", updated.Attempts), logx.Bool("failed", updated.Failed), logx.Err(sendErr))
		e.bus.Publish(eventbus.Event{Type: eventbus.PostFailed, Data: ev})
		return nil
	}

	ev.Delay = e.jobs.Schedule(d.Delay, updated)
	log.Warn("retry scheduled", logx.String("outcome", ev.Outcome), logx.Int("attempts", updated.Attempts), logx.Duration("delay", ev.Delay), logx.Err(sendErr))
	e.bus.Publish(eventbus.Event{Type: eventbus.PostRetry, Data: ev})
	return nil
}

// sendPhoto tries the cached handle first. An API rejection of the handle
// clears it and falls back to the image file, whose new handle is cached.
func (e *Executor) sendPhoto(ctx context.Context, log logx.Logger, p post.Post) error {
	wctx := context.WithoutCancel(ctx)
	channel := string(p.ChannelID)

	if p.FileID != "" {
		_, err := e.msg.SendPhoto(ctx, channel, transport.Photo{FileID: p.FileID}, p.Text)
		if err == nil {
			return nil
		}
		if !transport.IsProtocol(err) || p.Image == "" {
			return err
		}
		log.Warn("cached media rejected, uploading file", logx.String("image", p.Image), logx.Err(err))
		if _, err := e.store.SetFileID(wctx, p.ID, ""); err != nil {
			log.Error("clear file id failed", logx.Err(err))
		}
	}

	ref, err := e.msg.SendPhoto(ctx, channel, transport.Photo{Path: p.Image}, p.Text)
	if err != nil {
		return err
	}
	if ref.FileID != "" {
		if _, err := e.store.SetFileID(wctx, p.ID, ref.FileID); err != nil {
			log.Error("cache file id failed", logx.Err(err))
		}
	}
	return nil
}
