package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Posts         PostsConfig         `json:"posts"`
	Storage       StorageConfig       `json:"storage"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// APIURL overrides the Bot API endpoint (local bot API servers, tests).
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RequestTimeout bounds one Bot API call on top of the poll timeout.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// Commands enables the owner admin commands (/status, /posts, ...).
	// Sending works with polling off.
	Commands *bool `json:"commands,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PostsConfig controls how stored posts are resolved and delivered.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Europe/Istanbul"
//   - layout: "02.01.2006 15:04"
//   - grace: "30m"
//   - retry_backoff: "60s"
//   - max_attempts: 3
//   - skip_failed: true
//   - reconcile_interval: "60s"
//   - first_reconcile_delay: "5s"
//   - send_timeout: "30s"
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 0 (unlimited)
//   - watch_file: true
type PostsConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Layout   string `json:"layout,omitempty"`

	// Grace is how late a yearly post may still go out.
	Grace        string `json:"grace,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	// SkipFailed stops re-arming posts marked failed. Pointer so an explicit
	// false can be told apart from "omitted".
	SkipFailed *bool `json:"skip_failed,omitempty"`

	ReconcileInterval   string `json:"reconcile_interval,omitempty"`
	FirstReconcileDelay string `json:"first_reconcile_delay,omitempty"`
	// WatchFile runs a pass as soon as the posts file is edited on disk.
	WatchFile *bool `json:"watch_file,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	// MaxQueueDelay drops deliveries queued longer than this. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// StorageConfig selects where posts live.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./posts.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ObservabilityConfig controls the optional ops HTTP server (/metrics,
// /healthz and pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
