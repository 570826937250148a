package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/post"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteBackend stores one row per post. Mutations of a single post touch
// only that row.
type SQLiteBackend struct {
	db   *sql.DB
	path string

	// dataVersion is PRAGMA data_version as of our last read; it moves only
	// when another connection commits.
	dataVersion atomic.Int64
}

func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and data_version is
	// tracked per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := addSeqColumn(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

// addSeqColumn upgrades databases created before rows kept their collection
// position. Old rows all get seq 0 and keep id order.
func addSeqColumn(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(posts)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid      int
			name     string
			typ      string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defValue, &pk); err != nil {
			return err
		}
		if name == "seq" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.Exec(`ALTER TABLE posts ADD COLUMN seq INTEGER NOT NULL DEFAULT 0`)
	return err
}

func (b *SQLiteBackend) Path() string { return b.path }

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

const postColumns = `id, channel_id, text, image, file_id, datetime, repeat, last_posted_year, posted, attempts, last_error, failed`

func (b *SQLiteBackend) Load(ctx context.Context) ([]post.Post, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+postColumns+` FROM posts ORDER BY seq, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := []post.Post{}
	for rows.Next() {
		var (
			p         post.Post
			channel   string
			image     sql.NullString
			fileID    sql.NullString
			lastYear  sql.NullInt64
			lastError sql.NullString
		)
		if err := rows.Scan(&p.ID, &channel, &p.Text, &image, &fileID, &p.Datetime, &p.Repeat,
			&lastYear, &p.Posted, &p.Attempts, &lastError, &p.Failed); err != nil {
			return nil, err
		}
		p.ChannelID = post.ChannelID(channel)
		p.Image = image.String
		p.FileID = fileID.String
		if lastYear.Valid {
			p.LastPostedYear = post.IntPtr(int(lastYear.Int64))
		}
		if lastError.Valid {
			p.LastError = post.StrPtr(lastError.String)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if v, err := b.currentDataVersion(ctx); err == nil {
		b.dataVersion.Store(v)
	}
	return posts, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, posts []post.Post) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return err
	}
	for i, p := range posts {
		if err := upsert(ctx, tx, p, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveOne keeps the row's position; a new row goes last.
func (b *SQLiteBackend) SaveOne(ctx context.Context, p post.Post) error {
	return upsert(ctx, b.db, p, nil)
}

// Changed reports commits made by other connections (e.g. postctl) since the
// last Load.
func (b *SQLiteBackend) Changed(ctx context.Context) (bool, error) {
	v, err := b.currentDataVersion(ctx)
	if err != nil {
		return false, err
	}
	return v != b.dataVersion.Load(), nil
}

func (b *SQLiteBackend) currentDataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := b.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsert writes p at position seq, or after the last row when seq is nil.
// Updates never move a row.
func upsert(ctx context.Context, db execer, p post.Post, seq any) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO posts(`+postColumns+`, seq) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,
			COALESCE(?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM posts)))
		 ON CONFLICT(id) DO UPDATE SET
			channel_id=excluded.channel_id, text=excluded.text, image=excluded.image,
			file_id=excluded.file_id, datetime=excluded.datetime, repeat=excluded.repeat,
			last_posted_year=excluded.last_posted_year, posted=excluded.posted,
			attempts=excluded.attempts, last_error=excluded.last_error, failed=excluded.failed`,
		p.ID, string(p.ChannelID), p.Text, nullStr(p.Image), nullStr(p.FileID), p.Datetime, p.Repeat,
		nullInt(p.LastPostedYear), p.Posted, p.Attempts, nullStrPtr(p.LastError), p.Failed, seq,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
