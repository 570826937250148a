package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"postbot/internal/post"
)

// FileBackend keeps the collection as a pretty-printed JSON array.
//
// Writes go to <path>.tmp, are synced, then renamed over the file, so a
// reader never sees a half-written collection.
type FileBackend struct {
	path string

	// lastHash is the digest of the bytes last read or written by us.
	lastHash atomic.Uint64
}

func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load(ctx context.Context) ([]post.Post, error) {
	_ = ctx
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		b.lastHash.Store(0)
		return []post.Post{}, nil
	}
	if err != nil {
		return nil, err
	}
	b.lastHash.Store(hashBytes(data))

	if len(bytes.TrimSpace(data)) == 0 {
		return []post.Post{}, nil
	}
	var posts []post.Post
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	if posts == nil {
		posts = []post.Post{}
	}
	return posts, nil
}

func (b *FileBackend) Save(ctx context.Context, posts []post.Post) error {
	_ = ctx
	if posts == nil {
		posts = []post.Post{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(posts); err != nil {
		return err
	}
	data := buf.Bytes()

	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	b.lastHash.Store(hashBytes(data))
	return nil
}

// Changed reports whether the file differs from what this backend last saw.
func (b *FileBackend) Changed(ctx context.Context) (bool, error) {
	_ = ctx
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return b.lastHash.Load() != 0, nil
	}
	if err != nil {
		return false, err
	}
	return hashBytes(data) != b.lastHash.Load(), nil
}

func (b *FileBackend) Close() error { return nil }

// hashBytes returns a stable 64-bit hash. Empty input returns 0.
func hashBytes(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
