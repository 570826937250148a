package router

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeReplier) Reply(_ context.Context, _ kit.ChatTarget, text string) (kit.MessageRef, error) {
	f.mu.Lock()
	f.replies = append(f.replies, text)
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (f *fakeReplier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		name string
		args int
		ok   bool
	}{
		{in: "/status", name: "status", ok: true},
		{in: "/Posts@postbot 10", name: "posts", args: 1, ok: true},
		{in: "  /reconcile  now ", name: "reconcile", args: 1, ok: true},
		{in: "hello", ok: false},
		{in: "/@bot", ok: false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		if ok != tt.ok || name != tt.name || len(args) != tt.args {
			t.Fatalf("parseCommand(%q) = %q %v %v", tt.in, name, args, ok)
		}
	}
}

func TestDispatchOwnerOnly(t *testing.T) {
	t.Parallel()

	rep := &fakeReplier{}
	r := New(rep, logx.Nop(), []int64{1})
	r.Register(Command{Name: "status", Handle: func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, "ok "+req.Command)
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Update, 4)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{FromID: 2, Text: "/status"}}
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{FromID: 2, Text: "/nope"}}
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{FromID: 1, Text: "/status"}}

	deadline := time.Now().Add(2 * time.Second)
	for len(rep.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := rep.all()
	if len(got) != 1 || got[0] != "ok status" {
		t.Fatalf("replies = %q, want only the owner's", got)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()

	got := MenuCommands([]Command{
		{Name: "status", Description: "service status"},
		{Name: "Posts-List"},
		{Name: "status"},
	})
	if len(got) != 2 || got[0].Command != "posts_list" || got[0].Description != "posts_list" || got[1].Command != "status" {
		t.Fatalf("menu = %+v", got)
	}
}
