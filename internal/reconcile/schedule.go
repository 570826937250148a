package reconcile

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

// firstDelaySchedule fires once after a fixed delay, then follows base.
type firstDelaySchedule struct {
	base  cron.Schedule
	delay time.Duration

	mu    sync.Mutex
	first time.Time
}

func newFirstDelaySchedule(every, first time.Duration) *firstDelaySchedule {
	return &firstDelaySchedule{base: cron.Every(every), delay: first}
}

func (s *firstDelaySchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first.IsZero() {
		// cron asks for the first activation right when it starts.
		s.first = t.Add(s.delay)
	}
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
