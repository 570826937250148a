package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRuns(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4}, nil)
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		err := s.Enqueue(Task{Name: "job", Overlap: OverlapAllow, Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitFor(t, "three runs", func() bool { return ran.Load() == 3 })
}

func TestSkipIfRunningGate(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "post:7", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started

	if !s.Busy("post:7") {
		t.Fatal("post:7 should be busy")
	}
	err := s.Enqueue(Task{Name: "post:7", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
	// Another post is not gated.
	if err := s.Enqueue(Task{Name: "post:8", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("post:8: %v", err)
	}

	close(release)
	waitFor(t, "gate release", func() bool { return !s.Busy("post:7") })
	if got := s.Snapshot().Skipped; got != 1 {
		t.Fatalf("skipped = %d, want 1", got)
	}
}

func TestTimeoutCancelsTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1, DefaultTimeout: 20 * time.Millisecond}, nil)
	done := make(chan error, 1)
	if err := s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was not canceled")
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, bus)
	if err := s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("kaboom") }}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		te, ok := ev.Data.(TaskEvent)
		if ev.Type != eventbus.TaskFinished || !ok || !strings.Contains(te.Error, "kaboom") {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no finish event")
	}

	// The worker survived.
	var ok atomic.Bool
	if err := s.Enqueue(Task{Name: "good", Run: func(context.Context) error { ok.Store(true); return nil }}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "follow-up task", ok.Load)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	if err := s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("queued task: %v", err)
	}
	err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if s.Busy("c") {
		t.Fatal("dropped task must release its gate")
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestStaleTaskHandedBack(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 2, MaxQueueDelay: 20 * time.Millisecond}, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }}); err != nil {
		t.Fatal(err)
	}
	<-started

	var ran atomic.Bool
	dropped := make(chan error, 1)
	err := s.Enqueue(Task{
		Name:   "b",
		Run:    func(context.Context) error { ran.Store(true); return nil },
		OnDrop: func(err error) { dropped <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	close(block)

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrStale) {
			t.Fatalf("drop err = %v, want ErrStale", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDrop not called")
	}
	waitFor(t, "gate release", func() bool { return !s.Busy("b") })
	if ran.Load() {
		t.Fatal("stale task must not run")
	}
	if got := s.Snapshot().DroppedStale; got != 1 {
		t.Fatalf("dropped stale = %d, want 1", got)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
}
