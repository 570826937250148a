package jobs

import (
	"sync"
	"testing"
	"time"

	"postbot/internal/post"
)

type fired struct {
	mu    sync.Mutex
	posts []post.Post
	ch    chan post.Post
}

func newFired() *fired { return &fired{ch: make(chan post.Post, 16)} }

func (f *fired) fire(p post.Post) {
	f.mu.Lock()
	f.posts = append(f.posts, p)
	f.mu.Unlock()
	f.ch <- p
}

func (f *fired) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func TestScheduleReplacesPendingTimer(t *testing.T) {
	t.Parallel()

	s := New(nil, Options{})
	defer s.Stop()

	s.Schedule(10*time.Minute, post.Post{ID: 4})
	s.Schedule(30*time.Second, post.Post{ID: 4})

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
	e, ok := s.Pending(4)
	if !ok || e.Delay != 30*time.Second {
		t.Fatalf("pending = %+v %v, want delay 30s", e, ok)
	}
}

func TestScheduleAppliesFloor(t *testing.T) {
	t.Parallel()

	s := New(nil, Options{})
	defer s.Stop()

	for _, d := range []time.Duration{-time.Hour, 0, 200 * time.Millisecond} {
		if got := s.Schedule(d, post.Post{ID: 1}); got != MinDelay {
			t.Fatalf("Schedule(%v) = %v, want %v", d, got, MinDelay)
		}
	}
}

func TestOnlyLatestTimerFires(t *testing.T) {
	t.Parallel()

	f := newFired()
	s := New(f.fire, Options{MinDelay: time.Millisecond})
	defer s.Stop()

	s.Schedule(20*time.Millisecond, post.Post{ID: 2, Text: "old"})
	s.Schedule(40*time.Millisecond, post.Post{ID: 2, Text: "new"})

	select {
	case p := <-f.ch:
		if p.Text != "new" {
			t.Fatalf("fired snapshot %q, want new", p.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("fired %d times, want 1", f.count())
	}
	if _, ok := s.Pending(2); ok {
		t.Fatal("fired timer still pending")
	}
}

func TestCancelAndPrune(t *testing.T) {
	t.Parallel()

	f := newFired()
	s := New(f.fire, Options{MinDelay: time.Millisecond})
	defer s.Stop()

	for id := 1; id <= 4; id++ {
		s.Schedule(30*time.Millisecond, post.Post{ID: id})
	}
	if !s.Cancel(1) {
		t.Fatal("cancel existing returned false")
	}
	if s.Cancel(1) {
		t.Fatal("cancel of missing timer returned true")
	}
	if n := s.Prune([]int{2, 3}); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}

	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-f.ch:
			got[p.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	}
	time.Sleep(50 * time.Millisecond)
	if !got[2] || !got[3] || f.count() != 2 {
		t.Fatalf("fired %v (count %d), want 2 and 3", got, f.count())
	}
}

func TestSnapshotOrderedByDue(t *testing.T) {
	t.Parallel()

	s := New(nil, Options{})
	defer s.Stop()

	s.Schedule(3*time.Hour, post.Post{ID: 1})
	s.Schedule(time.Hour, post.Post{ID: 2})
	s.Schedule(2*time.Hour, post.Post{ID: 3})

	snap := s.Snapshot()
	want := []int{2, 3, 1}
	for i, e := range snap {
		if e.PostID != want[i] {
			t.Fatalf("snapshot order = %+v, want ids %v", snap, want)
		}
	}
}

func TestStopIgnoresLaterSchedules(t *testing.T) {
	t.Parallel()

	s := New(nil, Options{})
	s.Schedule(time.Hour, post.Post{ID: 1})
	s.Stop()
	if s.Len() != 0 {
		t.Fatalf("len after stop = %d", s.Len())
	}
	s.Schedule(time.Hour, post.Post{ID: 2})
	if s.Len() != 0 {
		t.Fatal("schedule after stop armed a timer")
	}
}
