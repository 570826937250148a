package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // DefaultTimezone must load on hosts without zoneinfo

	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/observability/httpserver"
	"postbot/internal/post"
	"postbot/internal/reconcile"
	"postbot/internal/store"
	"postbot/internal/task/engine"
	telegram "postbot/internal/transport/telegram/adapter"
	logx "postbot/pkg/logx"
)

const (
	DefaultTimezone  = "Europe/Istanbul"
	DefaultPostsFile = "posts.json"

	defaultSendTimeout = 30 * time.Second
)

// PostSettings is the resolved posts section.
type PostSettings struct {
	Rules post.Rules

	RetryBackoff time.Duration
	MaxAttempts  int
	SendTimeout  time.Duration
	RatePerSec   float64
	Burst        int

	ReconcileInterval time.Duration
	FirstDelay        time.Duration
	WatchFile         bool

	Engine engine.Config
}

func (s PostSettings) delivery() delivery.Config {
	return delivery.Config{
		Location:     s.Rules.Location,
		RetryBackoff: s.RetryBackoff,
		SkipFailed:   s.Rules.SkipFailed,
		SendTimeout:  s.SendTimeout,
		RatePerSec:   s.RatePerSec,
		Burst:        s.Burst,
	}
}

func (s PostSettings) reconcile() reconcile.Config {
	return reconcile.Config{
		Interval:   s.ReconcileInterval,
		FirstDelay: s.FirstDelay,
		Rules:      s.Rules,
		WatchStore: s.WatchFile,
	}
}

// MapPosts validates the posts section and fills in defaults.
func MapPosts(cfg *config.Config) (PostSettings, error) {
	var out PostSettings
	if cfg == nil {
		cfg = &config.Config{}
	}
	pc := cfg.Posts

	tz := strings.TrimSpace(pc.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return out, fmt.Errorf("posts.timezone: invalid %q: %w", tz, err)
	}
	layout := strings.TrimSpace(pc.Layout)
	if layout == "" {
		layout = post.DefaultLayout
	}
	grace, err := config.ParseDurationOrDefault("posts.grace", pc.Grace, post.DefaultGrace)
	if err != nil {
		return out, err
	}
	out.Rules = post.Rules{
		Location:   loc,
		Layout:     layout,
		Grace:      grace,
		SkipFailed: pc.SkipFailed == nil || *pc.SkipFailed,
	}

	if out.RetryBackoff, err = config.ParseDurationOrDefault("posts.retry_backoff", pc.RetryBackoff, delivery.DefaultRetryBackoff); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("posts.send_timeout", pc.SendTimeout, defaultSendTimeout); err != nil {
		return out, err
	}
	if out.ReconcileInterval, err = config.ParseDurationOrDefault("posts.reconcile_interval", pc.ReconcileInterval, reconcile.DefaultInterval); err != nil {
		return out, err
	}
	if out.FirstDelay, err = config.ParseDurationOrDefault("posts.first_reconcile_delay", pc.FirstReconcileDelay, reconcile.DefaultFirstDelay); err != nil {
		return out, err
	}
	maxQueueDelay, err := config.ParseDurationField("posts.max_queue_delay", pc.MaxQueueDelay)
	if err != nil {
		return out, err
	}

	if pc.MaxAttempts < 0 {
		return out, fmt.Errorf("posts.max_attempts must be >= 0")
	}
	out.MaxAttempts = pc.MaxAttempts
	if out.MaxAttempts == 0 {
		out.MaxAttempts = store.DefaultMaxAttempts
	}
	if pc.Workers < 0 || pc.QueueSize < 0 || pc.HistorySize < 0 {
		return out, fmt.Errorf("posts.workers, posts.queue_size and posts.history_size must be >= 0")
	}
	if pc.RatePerSec < 0 || pc.Burst < 0 {
		return out, fmt.Errorf("posts.rate_per_sec and posts.burst must be >= 0")
	}
	out.RatePerSec = pc.RatePerSec
	out.Burst = pc.Burst
	out.WatchFile = pc.WatchFile == nil || *pc.WatchFile

	out.Engine = engine.Config{
		Workers:        pc.Workers,
		QueueSize:      pc.QueueSize,
		DefaultTimeout: out.SendTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    pc.HistorySize,
	}
	return out, nil
}

// MapStore resolves the storage section. The file driver is the default.
func MapStore(cfg *config.Config, maxAttempts int) (store.Config, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file", "json":
		driver = "file"
		if path == "" {
			path = DefaultPostsFile
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxAttempts: maxAttempts}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required (or set POSTBOT_TELEGRAM_TOKEN)")
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	req, err := config.ParseDurationOrDefault("telegram.request_timeout", tc.RequestTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	if g := strings.TrimSpace(tc.GroupLog); g != "" {
		if _, ok := parseChatID(g); !ok {
			return telegram.Config{}, fmt.Errorf("telegram.group_log: %q is not a numeric chat id", g)
		}
	}
	return telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		APIURL:         strings.TrimSpace(tc.APIURL),
		PollTimeout:    poll,
		RequestTimeout: req,
	}, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapHTTP validates and converts the observability section. It never starts
// the server.
func mapHTTP(cfg *config.Config) (httpserver.Config, error) {
	oc := cfg.Observability
	out := httpserver.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = httpserver.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if oc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("observability.mutex_profile_fraction must be >= 0")
	}
	if oc.BlockProfileRate < 0 {
		return out, fmt.Errorf("observability.block_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = oc.MutexProfileFraction
	out.BlockProfileRate = oc.BlockProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("observability.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !httpserver.IsLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("observability: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func parseChatID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return id, err == nil
}

// validate is the hot-reload gate: a config that fails here is never applied.
func validate(cfg *config.Config) error {
	if _, err := MapPosts(cfg); err != nil {
		return err
	}
	if _, err := MapStore(cfg, 0); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	return nil
}
