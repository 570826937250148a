package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("flood", func(t *testing.T) {
		got := classify(tele.FloodError{RetryAfter: 30})
		rl, ok := kit.IsRateLimited(got)
		if !ok || rl.RetryAfter != 30*time.Second {
			t.Fatalf("flood classified as %T", got)
		}
	})

	t.Run("api error", func(t *testing.T) {
		got := classify(fmt.Errorf("telebot: %w", &tele.Error{Code: 400, Description: "Bad Request: wrong file identifier"}))
		var pe *kit.ProtocolError
		if !errors.As(got, &pe) || pe.Code != 400 || !strings.Contains(pe.Description, "wrong file") {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("unknown api error", func(t *testing.T) {
		got := classify(errors.New("telegram: Bad Request: chat not found (400)"))
		var pe *kit.ProtocolError
		if !errors.As(got, &pe) || pe.Code != 400 || pe.Description != "Bad Request: chat not found" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		got := classify(fmt.Errorf("telebot: %w", context.DeadlineExceeded))
		if !errors.Is(got, kit.ErrTimeout) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("network", func(t *testing.T) {
		refused := &url.Error{Op: "Post", URL: "https://api.telegram.org/bot/sendMessage", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
		noHost := &url.Error{Op: "Post", URL: "https://api.telegram.org/bot/sendMessage", Err: &net.DNSError{Err: "no such host", Name: "api.telegram.org"}}
		reset := &url.Error{Op: "Post", URL: "https://api.telegram.org/bot/sendMessage", Err: errors.New("read: connection reset by peer")}
		for _, err := range []error{refused, noHost, reset} {
			got := classify(fmt.Errorf("telebot: %w", err))
			if !errors.Is(got, kit.ErrNetwork) || !kit.IsTransient(got) {
				t.Fatalf("classify(%v) = %v, want network error", err, got)
			}
			if kit.IsProtocol(got) {
				t.Fatalf("network failure must not look like an API error: %v", got)
			}
		}
	})

	t.Run("net timeout", func(t *testing.T) {
		got := classify(fmt.Errorf("telebot: %w", &url.Error{Op: "Post", URL: "u", Err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}}))
		if !errors.Is(got, kit.ErrTimeout) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("other", func(t *testing.T) {
		base := errors.New("open /img/x.jpg: no such file or directory")
		if got := classify(base); got != base {
			t.Fatalf("got %v, want unchanged", got)
		}
		if classify(nil) != nil {
			t.Fatal("nil must stay nil")
		}
	})
}

func TestDoHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)

	_, err := do(ctx, func() (*tele.Message, error) {
		<-block
		return nil, nil
	})
	if !errors.Is(err, kit.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline preferred", in: "abcd\nefghij", limit: 8, want: []string{"abcd", "efghij"}},
		{name: "runes", in: "ğğğğğ", limit: 2, want: []string{"ğğ", "ğğ", "ğ"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitTelegramText(tt.in, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("split(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestRefOfPhoto(t *testing.T) {
	t.Parallel()

	msg := &tele.Message{ID: 9, Chat: &tele.Chat{ID: -100}, Photo: &tele.Photo{File: tele.File{FileID: "AgAC"}}}
	ref := refOf(msg)
	if ref.MessageID != 9 || ref.ChatID != -100 || ref.FileID != "AgAC" {
		t.Fatalf("ref = %+v", ref)
	}
}

func TestChannelRecipient(t *testing.T) {
	t.Parallel()

	if got := channel(" @news ").Recipient(); got != "@news" {
		t.Fatalf("recipient = %q", got)
	}
	if chatIDOf("-1001") != -1001 || chatIDOf("@news") != 0 {
		t.Fatal("chatIDOf mismatch")
	}
}
