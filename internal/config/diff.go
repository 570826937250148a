package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (bot token, ops token) are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.RequestTimeout) != strings.TrimSpace(nt.RequestTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.Token != nt.Token ||
		boolOr(ot.Commands, true) != boolOr(nt.Commands, true) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Posts
	op, np := oldCfg.Posts, newCfg.Posts
	if !reflect.DeepEqual(op, np) {
		changed = append(changed, "posts")
		attrs = append(attrs,
			logx.String("posts.timezone", strings.TrimSpace(np.Timezone)),
			logx.String("posts.grace", strings.TrimSpace(np.Grace)),
			logx.String("posts.retry_backoff", strings.TrimSpace(np.RetryBackoff)),
			logx.Int("posts.max_attempts", np.MaxAttempts),
			logx.Bool("posts.skip_failed", boolOr(np.SkipFailed, true)),
			logx.String("posts.reconcile_interval", strings.TrimSpace(np.ReconcileInterval)),
			logx.Int("posts.workers", np.Workers),
		)
	}

	// Storage
	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.String("storage.path", strings.TrimSpace(nst.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(nst.BusyTimeout)),
		)
	}

	// Observability (never log token)
	oo, no := oldCfg.Observability, newCfg.Observability
	oTok, nTok := strings.TrimSpace(oo.Token) != "", strings.TrimSpace(no.Token) != ""
	oo.Token, no.Token = "", ""
	if oo != no || oTok != nTok {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.pprof", no.Pprof),
			logx.Bool("observability.token_set", nTok),
			logx.Bool("observability.allow_insecure", no.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the changed sections that cannot be applied live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.PollTimeout != nt.PollTimeout || ot.RequestTimeout != nt.RequestTimeout ||
		boolOr(ot.Commands, true) != boolOr(nt.Commands, true) {
		out = append(out, "telegram")
	}
	if boolOr(oldCfg.Posts.WatchFile, true) != boolOr(newCfg.Posts.WatchFile, true) {
		out = append(out, "posts.watch_file")
	}
	if oldCfg.Posts.Workers != newCfg.Posts.Workers || oldCfg.Posts.QueueSize != newCfg.Posts.QueueSize {
		out = append(out, "posts.workers")
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
