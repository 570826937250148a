package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/post"
	"postbot/internal/store"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type sendCall struct {
	channel string
	text    string
	photo   *transport.Photo
}

type fakeMessenger struct {
	mu    sync.Mutex
	calls []sendCall
	// results are consumed in order; missing entries mean success.
	results []error
	fileID  string
}

func (f *fakeMessenger) next() error {
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeMessenger) SendText(_ context.Context, channelID, text string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{channel: channelID, text: text})
	return transport.MessageRef{MessageID: len(f.calls)}, f.next()
}

func (f *fakeMessenger) SendPhoto(_ context.Context, channelID string, photo transport.Photo, caption string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ph := photo
	f.calls = append(f.calls, sendCall{channel: channelID, text: caption, photo: &ph})
	if err := f.next(); err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{MessageID: len(f.calls), FileID: f.fileID}, nil
}

type armed struct {
	delay time.Duration
	post  post.Post
}

type fakeTimers struct {
	mu    sync.Mutex
	armed []armed
}

func (f *fakeTimers) Schedule(delay time.Duration, p post.Post) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, armed{delay: delay, post: p})
	return delay
}

func newStore(t *testing.T, posts ...post.Post) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "posts.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range posts {
		if _, err := st.Append(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func newExecutor(st *store.Store, msg transport.Messenger, timers Rearmer, skipFailed bool) *Executor {
	e := NewExecutor(Deps{Store: st, Messenger: msg, Timers: timers}, Config{Location: time.UTC, SkipFailed: skipFailed})
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		action Action
		delay  time.Duration
		text   string
	}{
		{name: "success", err: nil, action: ActionDone},
		{name: "rate limited", err: &transport.RateLimitedError{RetryAfter: 30 * time.Second}, action: ActionRetryAfter, delay: 30 * time.Second},
		{name: "timeout", err: fmt.Errorf("%w: slow", transport.ErrTimeout), action: ActionBackoff, delay: time.Minute},
		{name: "protocol", err: &transport.ProtocolError{Code: 400, Description: "Bad Request"}, action: ActionBackoff, delay: time.Minute, text: "api error 400: Bad Request"},
		{name: "network", err: fmt.Errorf("%w: dial tcp: connection refused", transport.ErrNetwork), action: ActionBackoff, delay: time.Minute},
		{name: "other", err: errors.New("disk on fire"), action: ActionRecordOnly, text: "Unhandled: disk on fire"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.err, 0)
			if d.Action != tt.action || d.Delay != tt.delay {
				t.Fatalf("Decide = %+v, want %v/%v", d, tt.action, tt.delay)
			}
			if tt.text != "" && d.ErrText != tt.text {
				t.Fatalf("ErrText = %q, want %q", d.ErrText, tt.text)
			}
		})
	}
}

func TestDeliverTextSuccess(t *testing.T) {
	t.Parallel()

	st := newStore(t,
		post.Post{ID: 1, ChannelID: "@c", Text: "hi", Datetime: "01.06.2025 12:00", LastError: post.StrPtr("old")},
		post.Post{ID: 2, ChannelID: "@c", Text: "yearly", Datetime: "01.06.2020 12:00", Repeat: true},
	)
	msg := &fakeMessenger{}
	e := newExecutor(st, msg, &fakeTimers{}, true)

	for _, id := range []int{1, 2} {
		p, _ := st.Get(id)
		if err := e.Deliver(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}

	one, _ := st.Get(1)
	if !one.Posted || one.LastError != nil {
		t.Fatalf("one-shot after success = %+v", one)
	}
	two, _ := st.Get(2)
	if two.LastPostedYear == nil || *two.LastPostedYear != 2025 || two.Posted {
		t.Fatalf("yearly after success = %+v", two)
	}
	if len(msg.calls) != 2 || msg.calls[0].text != "hi" || msg.calls[0].channel != "@c" {
		t.Fatalf("calls = %+v", msg.calls)
	}
}

func TestDeliverRateLimitedRearmsExactly(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 7, ChannelID: "@c", Text: "x", Datetime: "01.06.2025 12:00"})
	msg := &fakeMessenger{results: []error{&transport.RateLimitedError{RetryAfter: 30 * time.Second}}}
	timers := &fakeTimers{}
	e := newExecutor(st, msg, timers, true)

	p, _ := st.Get(7)
	_ = e.Deliver(context.Background(), p)

	got, _ := st.Get(7)
	if got.Attempts != 1 || got.LastError == nil || got.Posted {
		t.Fatalf("post = %+v", got)
	}
	if len(timers.armed) != 1 || timers.armed[0].delay != 30*time.Second || timers.armed[0].post.ID != 7 {
		t.Fatalf("armed = %+v, want one 30s timer", timers.armed)
	}
}

func TestDeliverTimeoutUsesBackoff(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Datetime: "01.06.2025 12:00"})
	msg := &fakeMessenger{results: []error{transport.ErrTimeout}}
	timers := &fakeTimers{}
	e := newExecutor(st, msg, timers, true)

	p, _ := st.Get(1)
	_ = e.Deliver(context.Background(), p)
	if len(timers.armed) != 1 || timers.armed[0].delay != DefaultRetryBackoff {
		t.Fatalf("armed = %+v", timers.armed)
	}
}

func TestDeliverUnclassifiedNotRetried(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Datetime: "01.06.2025 12:00"})
	msg := &fakeMessenger{results: []error{errors.New("boom")}}
	timers := &fakeTimers{}
	e := newExecutor(st, msg, timers, true)

	p, _ := st.Get(1)
	_ = e.Deliver(context.Background(), p)

	got, _ := st.Get(1)
	if got.Attempts != 1 || got.LastError == nil || *got.LastError != "Unhandled: boom" {
		t.Fatalf("post = %+v", got)
	}
	if len(timers.armed) != 0 {
		t.Fatalf("unclassified failure re-armed: %+v", timers.armed)
	}
}

func TestFailedPostStopsRetrying(t *testing.T) {
	t.Parallel()

	tests := []struct {
		skipFailed bool
		wantArmed  int
	}{
		{skipFailed: true, wantArmed: 0},
		{skipFailed: false, wantArmed: 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("skip_failed=%v", tt.skipFailed), func(t *testing.T) {
			st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Datetime: "01.06.2025 12:00", Attempts: 3})
			msg := &fakeMessenger{results: []error{transport.ErrTimeout}}
			timers := &fakeTimers{}
			e := newExecutor(st, msg, timers, tt.skipFailed)

			p, _ := st.Get(1)
			_ = e.Deliver(context.Background(), p)

			got, _ := st.Get(1)
			if !got.Failed || got.Attempts != 4 {
				t.Fatalf("post = %+v, want failed after 4th attempt", got)
			}
			if len(timers.armed) != tt.wantArmed {
				t.Fatalf("armed %d timers, want %d", len(timers.armed), tt.wantArmed)
			}
		})
	}
}

func TestDeliverUsesLatestRecord(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Text: "fresh", Datetime: "01.06.2025 12:00"})
	msg := &fakeMessenger{}
	e := newExecutor(st, msg, &fakeTimers{}, true)

	stale := post.Post{ID: 1, ChannelID: "@old", Text: "stale"}
	_ = e.Deliver(context.Background(), stale)
	if len(msg.calls) != 1 || msg.calls[0].text != "fresh" || msg.calls[0].channel != "@c" {
		t.Fatalf("calls = %+v", msg.calls)
	}

	// A stale timer for a post that is already posted does nothing.
	_ = e.Deliver(context.Background(), stale)
	if len(msg.calls) != 1 {
		t.Fatalf("posted post sent again: %+v", msg.calls)
	}
}

func TestPhotoFallsBackFromRejectedHandle(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Text: "cap", Image: "/img/a.jpg", FileID: "OLD", Datetime: "01.06.2025 12:00"})
	msg := &fakeMessenger{
		results: []error{&transport.ProtocolError{Code: 400, Description: "wrong file identifier"}},
		fileID:  "NEW",
	}
	e := newExecutor(st, msg, &fakeTimers{}, true)

	p, _ := st.Get(1)
	_ = e.Deliver(context.Background(), p)

	if len(msg.calls) != 2 {
		t.Fatalf("calls = %d, want handle try then upload", len(msg.calls))
	}
	if msg.calls[0].photo.FileID != "OLD" || msg.calls[1].photo.Path != "/img/a.jpg" || msg.calls[1].text != "cap" {
		t.Fatalf("calls = %+v %+v", *msg.calls[0].photo, *msg.calls[1].photo)
	}
	got, _ := st.Get(1)
	if got.FileID != "NEW" || !got.Posted || got.Attempts != 0 {
		t.Fatalf("post = %+v", got)
	}
}

func TestPhotoRateLimitDoesNotDropHandle(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Image: "/img/a.jpg", FileID: "KEEP", Datetime: "01.06.2025 12:00"})
	msg := &fakeMessenger{results: []error{&transport.RateLimitedError{RetryAfter: 5 * time.Second}}}
	timers := &fakeTimers{}
	e := newExecutor(st, msg, timers, true)

	p, _ := st.Get(1)
	_ = e.Deliver(context.Background(), p)

	got, _ := st.Get(1)
	if got.FileID != "KEEP" || len(msg.calls) != 1 {
		t.Fatalf("post = %+v, calls = %d", got, len(msg.calls))
	}
	if len(timers.armed) != 1 || timers.armed[0].delay != 5*time.Second {
		t.Fatalf("armed = %+v", timers.armed)
	}
}

func TestResendBypassesSkipFailedOnce(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Text: "hi", Datetime: "01.01.2025 10:00", Failed: true, Attempts: 4, LastError: post.StrPtr("boom")})
	msg := &fakeMessenger{results: []error{errors.New("still broken")}}
	timers := &fakeTimers{}
	e := newExecutor(st, msg, timers, true)

	d, err := e.Resend(1, 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("Resend = %v, %v", d, err)
	}
	if len(timers.armed) != 1 || timers.armed[0].post.ID != 1 {
		t.Fatalf("armed = %+v", timers.armed)
	}

	p, _ := st.Get(1)
	_ = e.Deliver(context.Background(), p)
	if len(msg.calls) != 1 {
		t.Fatalf("resend calls = %d, want 1", len(msg.calls))
	}
	got, _ := st.Get(1)
	if !got.Failed || got.Attempts != 5 || *got.LastError != "still broken" {
		t.Fatalf("after failed resend = %+v", got)
	}
	if len(timers.armed) != 1 {
		t.Fatalf("failed post must not be retried after a resend, armed = %+v", timers.armed)
	}

	// The bypass was used up.
	_ = e.Deliver(context.Background(), got)
	if len(msg.calls) != 1 {
		t.Fatalf("calls after second delivery = %d, want 1", len(msg.calls))
	}
}

func TestResendSuccessKeepsFailedFlag(t *testing.T) {
	t.Parallel()

	st := newStore(t, post.Post{ID: 1, ChannelID: "@c", Text: "hi", Datetime: "01.01.2025 10:00", Failed: true, Attempts: 4})
	msg := &fakeMessenger{}
	e := newExecutor(st, msg, &fakeTimers{}, true)

	if _, err := e.Resend(1, time.Second); err != nil {
		t.Fatal(err)
	}
	p, _ := st.Get(1)
	_ = e.Deliver(context.Background(), p)

	got, _ := st.Get(1)
	if !got.Posted || !got.Failed || got.Attempts != 4 {
		t.Fatalf("after resend = %+v", got)
	}
}

func TestResendRefusals(t *testing.T) {
	t.Parallel()

	st := newStore(t,
		post.Post{ID: 1, ChannelID: "@c", Text: "x", Datetime: "01.01.2025 10:00", Posted: true},
		post.Post{ID: 2, ChannelID: "@c", Text: "y", Datetime: "01.01.2020 10:00", Repeat: true, LastPostedYear: post.IntPtr(2025)},
	)
	timers := &fakeTimers{}
	e := newExecutor(st, &fakeMessenger{}, timers, true)

	tests := []struct {
		id   int
		want error
	}{
		{1, ErrAlreadyPosted},
		{2, ErrAlreadyPosted},
		{9, store.ErrNotFound},
	}
	for _, tt := range tests {
		if _, err := e.Resend(tt.id, time.Second); !errors.Is(err, tt.want) {
			t.Errorf("Resend(%d) err = %v, want %v", tt.id, err, tt.want)
		}
	}
	if len(timers.armed) != 0 {
		t.Fatalf("armed = %+v", timers.armed)
	}
}
