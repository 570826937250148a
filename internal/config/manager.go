package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// ConfigManager owns the postbot config file: it parses it (JSON or YAML,
// strict), keeps the committed version and republishes edits that pass
// validation.
type ConfigManager struct {
	path   string
	getenv func(string) string

	mu     sync.RWMutex
	cfg    *Config
	digest uint64

	subs subscribers

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	m := &ConfigManager{path: path, getenv: os.Getenv, log: logx.Nop()}
	m.subs.log = m.log
	return m
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
	m.subs.log = log
}

// SetValidator installs the check a watched edit must pass before it is
// committed and published.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file and applies env overrides. Unknown keys and trailing
// documents are errors. Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	if isYAML(m.path) {
		if raw, err = yamlToJSON(raw); err != nil {
			return nil, err
		}
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(m.path), err)
	}
	applyEnv(cfg, m.getenv)
	return cfg, nil
}

func decodeStrict(raw []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return cfg, nil
	case err == nil:
		return nil, errors.New("unexpected data after config")
	default:
		return nil, err
	}
}

// Commit makes cfg the current config.
func (m *ConfigManager) Commit(cfg *Config) {
	d := digestOf(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

// Load is Parse followed by Commit.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of committed edits. A slow reader loses older
// versions, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

// Unsubscribe closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) { m.subs.remove(ch) }

// digestOf hashes the committed form so editor save bursts with the same
// content publish once.
func digestOf(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// reload is one debounced reaction to a file event.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}

	d := digestOf(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.subs.publish(cfg)
	log.Debug("config published", logx.String("digest", fmt.Sprintf("%x", d)))
}

// Watch reloads on edits until ctx ends. The parent directory is watched so
// editors that save by rename are seen. A watcher that breaks is recreated
// with a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	deb := &debouncer{wait: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()
	delay := newRetryDelay(watchRetryMin, watchRetryMax)

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, deb, delay.reset)
		if ctx.Err() != nil {
			break
		}
		wait := delay.next()
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. started
// runs once the watch is in place.
func (m *ConfigManager) watchOnce(ctx context.Context, deb *debouncer, started func()) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				deb.poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("errors channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; reload once to catch up.
				m.log.Warn("config watch overflow", logx.Err(err))
				deb.poke()
				continue
			}
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "closed") {
				return err
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

// debouncer runs fn once after wait has passed without another poke.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// retryDelay doubles from min up to max and adds up to 50% jitter.
type retryDelay struct {
	lo, hi, cur time.Duration
	rng         *rand.Rand
}

func newRetryDelay(lo, hi time.Duration) *retryDelay {
	return &retryDelay{lo: lo, hi: hi, cur: lo, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *retryDelay) reset() { r.cur = r.lo }

func (r *retryDelay) next() time.Duration {
	d := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	r.cur = min(r.cur*2, r.hi)
	return d
}

// subscribers is the latest-wins fanout behind Subscribe.
type subscribers struct {
	mu  sync.Mutex
	chs []chan *Config
	log logx.Logger
}

func (s *subscribers) add(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	s.mu.Lock()
	s.chs = append(s.chs, ch)
	s.mu.Unlock()
	return ch
}

func (s *subscribers) remove(ch chan *Config) {
	if ch == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.chs {
		if c == ch {
			s.chs = append(s.chs[:i], s.chs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish holds the lock while sending so remove cannot close a channel
// mid-send. A full channel gives up its oldest entry.
func (s *subscribers) publish(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) && !s.log.IsZero() {
			s.log.Debug("config update dropped: subscriber full", logx.Int("cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
