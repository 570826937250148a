package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoggerWithKeepsFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "reconcile"))

	log.Debug("hidden")
	log.Info("pass finished", PostID(7), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "reconcile" || m["message"] != "pass finished" || m["err"] != "boom" {
		t.Fatalf("unexpected event: %v", m)
	}
	if m["post_id"] != float64(7) {
		t.Fatalf("post_id = %v, want 7", m["post_id"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("dropped")
	log.With(String("a", "b")).Warn("dropped")
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()

	got := formatTelegramLine([]byte(`{"level":"warn","time":"x","message":"retry scheduled","post_id":3,"comp":"delivery"}` + "\n"))
	want := "[WARN] retry scheduled\n- comp=delivery\n- post_id=3"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := formatTelegramLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-json line = %q", got)
	}
}

type fakeNotifier struct{ ch chan string }

func (f *fakeNotifier) Notify(_ context.Context, chatID int64, _ int, text string) error {
	if chatID != 42 {
		return errors.New("wrong chat")
	}
	f.ch <- text
	return nil
}

func TestTelegramSinkHonoursMinLevel(t *testing.T) {
	n := &fakeNotifier{ch: make(chan string, 4)}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50},
	}, n)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(42, 0)

	log.Info("not forwarded")
	log.Warn("forwarded")

	select {
	case got := <-n.ch:
		if !strings.HasPrefix(got, "[WARN] forwarded") {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warn line was not forwarded")
	}
	select {
	case got := <-n.ch:
		t.Fatalf("unexpected extra message %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
