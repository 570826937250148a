package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "postbot/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not bind")
	return ""
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "postbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	var healthy atomic.Bool
	healthy.Store(true)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, reg, func() (map[string]any, error) {
		if !healthy.Load() {
			return map[string]any{"store": "down"}, errors.New("store unavailable")
		}
		return map[string]any{"posts": 2}, nil
	}, logx.Nop())
	s.Reconfigure(context.Background(), s.cfg)
	t.Cleanup(func() { s.Stop(context.Background()) })
	base := "http://" + waitAddr(t, s)

	code, body := get(t, base+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "postbot_test_total 3") {
		t.Fatalf("/metrics = %d %q", code, body)
	}
	code, body = get(t, base+"/healthz", "")
	if code != http.StatusOK || !strings.Contains(body, `"posts":2`) {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	healthy.Store(false)
	code, body = get(t, base+"/healthz", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "store unavailable") {
		t.Fatalf("/healthz unhealthy = %d %q", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", code)
	}
}

func TestTokenRequired(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true}, prometheus.NewRegistry(), nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	base := "http://" + waitAddr(t, s)

	if code, _ := get(t, base+"/metrics", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code, _ := get(t, base+"/debug/pprof/", "s3cret"); code != http.StatusOK {
		t.Fatalf("pprof with token = %d, want 200", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
