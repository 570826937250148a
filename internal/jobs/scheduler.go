// Package jobs keeps at most one pending delivery timer per post.
//
// Scheduling a post that already has a timer replaces it. Each timer carries
// a version stamp so a callback of a superseded timer that already fired is
// ignored.
package jobs

import (
	"sort"
	"sync"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// MinDelay is the smallest delay a timer is armed with.
const MinDelay = time.Second

// FireFunc receives the post snapshot a timer was armed with.
type FireFunc func(p post.Post)

type Options struct {
	// MinDelay overrides the floor applied to every delay. Zero means MinDelay.
	MinDelay time.Duration
	Logger   logx.Logger
	Bus      eventbus.Bus
}

// Entry describes one armed timer.
type Entry struct {
	PostID int
	Due    time.Time
	Delay  time.Duration
}

type Scheduler struct {
	mu      sync.Mutex
	timers  map[int]*timer
	ver     map[int]uint64
	stopped bool

	fire     FireFunc
	minDelay time.Duration
	log      logx.Logger
	bus      eventbus.Bus
}

type timer struct {
	t     *time.Timer
	ver   uint64
	due   time.Time
	delay time.Duration
}

func New(fire FireFunc, opt Options) *Scheduler {
	if opt.MinDelay <= 0 {
		opt.MinDelay = MinDelay
	}
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	return &Scheduler{
		timers:   map[int]*timer{},
		ver:      map[int]uint64{},
		fire:     fire,
		minDelay: opt.MinDelay,
		log:      opt.Logger,
		bus:      opt.Bus,
	}
}

// Schedule arms a timer for p.ID after max(delay, MinDelay), replacing any
// pending one. It returns the effective delay.
func (s *Scheduler) Schedule(delay time.Duration, p post.Post) time.Duration {
	delay = max(delay, s.minDelay)
	id := p.ID
	snap := p.Clone()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	if old, ok := s.timers[id]; ok {
		old.t.Stop()
	}
	ver := s.ver[id] + 1
	s.ver[id] = ver

	tm := &timer{ver: ver, due: time.Now().Add(delay), delay: delay}
	tm.t = time.AfterFunc(delay, func() { s.onFire(id, ver, snap) })
	s.timers[id] = tm
	s.mu.Unlock()

	s.log.Debug("timer armed", logx.PostID(id), logx.Duration("delay", delay))
	s.bus.Publish(eventbus.Event{Type: eventbus.PostScheduled, Data: eventbus.PostEvent{PostID: id, Delay: delay}})
	return delay
}

func (s *Scheduler) onFire(id int, ver uint64, p post.Post) {
	s.mu.Lock()
	tm, ok := s.timers[id]
	if !ok || tm.ver != ver || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	if s.fire != nil {
		s.fire(p)
	}
}

// Cancel stops the pending timer of id. It reports whether one existed.
func (s *Scheduler) Cancel(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id int) bool {
	tm, ok := s.timers[id]
	if !ok {
		return false
	}
	tm.t.Stop()
	delete(s.timers, id)
	// Bumping the version turns an already-running callback into a no-op.
	s.ver[id]++
	return true
}

func (s *Scheduler) Pending(id int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{PostID: id, Due: tm.due, Delay: tm.delay}, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Snapshot returns the armed timers ordered by due time.
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.timers))
	for id, tm := range s.timers {
		out = append(out, Entry{PostID: id, Due: tm.due, Delay: tm.delay})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Due.Equal(out[j].Due) {
			return out[i].PostID < out[j].PostID
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out
}

// Prune cancels timers whose post id is not in keep and returns how many.
func (s *Scheduler) Prune(keep []int) int {
	set := make(map[int]struct{}, len(keep))
	for _, id := range keep {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.timers {
		if _, ok := set[id]; ok {
			continue
		}
		if s.cancelLocked(id) {
			n++
		}
	}
	return n
}

// Stop cancels every timer. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id := range s.timers {
		s.cancelLocked(id)
	}
}
