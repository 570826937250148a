package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// Backend persists the whole post collection.
//
// Load returns an empty collection when nothing was persisted yet.
type Backend interface {
	Load(ctx context.Context) ([]post.Post, error)
	Save(ctx context.Context, posts []post.Post) error
	Close() error
}

// RecordWriter is implemented by backends that can persist a single post
// without rewriting the collection.
type RecordWriter interface {
	SaveOne(ctx context.Context, p post.Post) error
}

// ChangeDetector is implemented by backends that can tell an out-of-band
// edit apart from their own writes.
type ChangeDetector interface {
	Changed(ctx context.Context) (bool, error)
}

// Pather is implemented by backends living in a single file on disk.
type Pather interface {
	Path() string
}

// Config selects and configures a backend.
//
// Driver values:
//   - "file": JSON array file, rewritten atomically
//   - "sqlite": SQLite database, one row per post
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxAttempts int
}

// Open builds the configured backend and wraps it in a Store. The store is
// empty until Load is called.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store: path is required")
	}

	var (
		b   Backend
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		driver = "file"
		b, err = NewFileBackend(path)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		b, err = OpenSQLite(path, cfg.BusyTimeout)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("store opened", logx.String("driver", driver), logx.String("path", path))
	return New(b, Options{MaxAttempts: cfg.MaxAttempts, Logger: log}), nil
}
