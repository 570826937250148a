package admin

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/jobs"
	"postbot/internal/post"
	"postbot/internal/reconcile"
	"postbot/internal/store"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
	got     chan struct{}
}

func newFakeReplier() *fakeReplier { return &fakeReplier{got: make(chan struct{}, 16)} }

func (f *fakeReplier) Reply(_ context.Context, _ kit.ChatTarget, text string) (kit.MessageRef, error) {
	f.mu.Lock()
	f.replies = append(f.replies, text)
	f.mu.Unlock()
	f.got <- struct{}{}
	return kit.MessageRef{}, nil
}

func (f *fakeReplier) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[len(f.replies)-1]
}

func newStore(t *testing.T, posts ...post.Post) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "posts.json")}, logx.Nop())
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

func newTimers(t *testing.T) *jobs.Scheduler {
	t.Helper()
	s := jobs.New(func(post.Post) {}, jobs.Options{})
	t.Cleanup(s.Stop)
	return s
}

func TestRenderUpcomingOrderAndLimit(t *testing.T) {
	t.Parallel()

	st := newStore(t,
		post.Post{ID: 1, ChannelID: "@late", Text: "later post", Datetime: "01.06.2025 14:00"},
		post.Post{ID: 2, ChannelID: "@soon", Text: strings.Repeat("long ", 30), Datetime: "01.06.2025 13:00"},
	)
	timers := newTimers(t)
	p1, _ := st.Get(1)
	p2, _ := st.Get(2)
	timers.Schedule(2*time.Hour, p1)
	timers.Schedule(time.Hour, p2)

	c := New(Deps{Store: st, Timers: timers}, router.New(nil, logx.Nop(), nil))

	all := c.renderUpcoming(10)
	if i, j := strings.Index(all, "#2 "), strings.Index(all, "#1 "); i < 0 || j < 0 || i > j {
		t.Fatalf("want #2 before #1:\n%s", all)
	}
	if !strings.Contains(all, "…") {
		t.Fatalf("long text not shortened:\n%s", all)
	}

	one := c.renderUpcoming(1)
	if strings.Contains(one, "#1 ") || !strings.Contains(one, "1 more") {
		t.Fatalf("limit 1:\n%s", one)
	}
}

func TestRenderStatusCounts(t *testing.T) {
	t.Parallel()

	st := newStore(t,
		post.Post{ID: 1, ChannelID: "@c", Datetime: "01.06.2025 14:00", Posted: true},
		post.Post{ID: 2, ChannelID: "@c", Datetime: "01.06.2025 14:00", Failed: true, Attempts: 4},
		post.Post{ID: 3, ChannelID: "@c", Datetime: "01.06.2020 14:00", Repeat: true},
	)
	c := New(Deps{Store: st, Timers: newTimers(t), Location: func() *time.Location { return time.UTC }}, router.New(nil, logx.Nop(), nil))

	out := c.renderStatus()
	for _, want := range []string{"Posts: 3 (1 yearly, 1 posted, 1 failed)", "Timezone: UTC", "Armed timers: 0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPost(t *testing.T) {
	t.Parallel()

	p := post.Post{ID: 9, ChannelID: "@c", Datetime: "14.02.2020 09:00", Repeat: true, LastPostedYear: post.IntPtr(2024), Attempts: 2, LastError: post.StrPtr("api error 400: Bad Request"), Image: "a.jpg"}
	c := New(Deps{Store: newStore(t)}, router.New(nil, logx.Nop(), nil))

	out := c.renderPost(p)
	for _, want := range []string{"Post #9", "(yearly, last 2024)", "attempts 2", "Last error: api error 400", "Text: [photo]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("post view missing %q:\n%s", want, out)
		}
	}
}

func TestRetryAndReconcileCommands(t *testing.T) {
	t.Parallel()

	st := newStore(t,
		post.Post{ID: 1, ChannelID: "@c", Datetime: "01.06.2025 14:00", Failed: true, Attempts: 4, LastError: post.StrPtr("boom")},
		post.Post{ID: 2, ChannelID: "@c", Datetime: "01.06.2025 14:00", Posted: true},
	)
	timers := newTimers(t)
	loop := reconcile.New(st, timers, reconcile.Config{}, logx.Nop(), nil)
	exec := delivery.NewExecutor(delivery.Deps{Store: st, Timers: timers}, delivery.Config{Location: time.UTC})

	rep := newFakeReplier()
	r := router.New(rep, logx.Nop(), []int64{7})
	New(Deps{Store: st, Timers: timers, Reconcile: loop, Resend: exec}, r).Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Update, 4)
	go func() { _ = r.DispatchLoop(ctx, updates) }()

	send := func(text string) string {
		updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: 7, Text: text}}
		return rep.wait(t)
	}

	// A failed one-shot post past its time is armed directly.
	if got := send("/retry 1"); got != "post 1 will be sent in 3s" {
		t.Fatalf("/retry reply = %q", got)
	}
	if e, ok := timers.Pending(1); !ok || e.Delay != 3*time.Second {
		t.Fatalf("pending after /retry = %+v, %v", e, ok)
	}
	p, _ := st.Get(1)
	if !p.Failed || p.Attempts != 4 || p.LastError == nil || *p.LastError != "boom" {
		t.Fatalf("/retry must keep the failure record, got %+v", p)
	}
	if got := send("/retry 2"); got != "post 2 already posted" {
		t.Fatalf("/retry posted = %q", got)
	}
	if got := send("/retry 42"); got != "post 42 not found" {
		t.Fatalf("/retry unknown = %q", got)
	}
	if got := send("/reconcile"); got != "reconciliation queued" {
		t.Fatalf("/reconcile reply = %q", got)
	}
	if got := send("/reconcile"); got != "reconciliation already pending" {
		t.Fatalf("/reconcile again = %q", got)
	}
	if got := send("/help"); !strings.Contains(got, "/status - scheduler status") {
		t.Fatalf("/help = %q", got)
	}
}
