// Package store owns the authoritative post collection and serializes every
// read-modify-write against it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// DefaultMaxAttempts is the number of failed attempts a post may accumulate
// before it is marked failed.
const DefaultMaxAttempts = 3

var ErrNotFound = errors.New("post not found")

type Options struct {
	MaxAttempts int
	Logger      logx.Logger
}

// Store is the in-memory post collection backed by a Backend. One mutex
// guards memory and I/O for the whole duration of each operation.
type Store struct {
	mu      sync.Mutex
	backend Backend
	posts   []post.Post
	log     logx.Logger

	maxAttempts int
}

func New(b Backend, opt Options) *Store {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	return &Store{backend: b, log: opt.Logger, maxAttempts: opt.MaxAttempts, posts: []post.Post{}}
}

func (s *Store) Backend() Backend { return s.backend }

// SetMaxAttempts applies a hot-reloaded limit to future increments.
func (s *Store) SetMaxAttempts(n int) {
	if n <= 0 {
		n = DefaultMaxAttempts
	}
	s.mu.Lock()
	s.maxAttempts = n
	s.mu.Unlock()
}

// Load replaces the collection with the persisted one. On error the previous
// collection is kept.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	posts, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load posts: %w", err)
	}
	s.posts = posts
	return nil
}

// Save persists the whole collection.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAllLocked(ctx)
}

// Changed reports an out-of-band edit of the persisted data. Backends that
// cannot tell always report true.
func (s *Store) Changed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cd, ok := s.backend.(ChangeDetector); ok {
		return cd.Changed(ctx)
	}
	return true, nil
}

// All returns a copy of the collection.
func (s *Store) All() []post.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]post.Post, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

func (s *Store) Get(id int) (post.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.posts[i].Clone(), true
	}
	return post.Post{}, false
}

// MarkPosted records a successful delivery in year.
func (s *Store) MarkPosted(ctx context.Context, id, year int) (post.Post, error) {
	return s.mutate(ctx, id, func(p *post.Post) {
		if p.Repeat {
			p.LastPostedYear = post.IntPtr(year)
		} else {
			p.Posted = true
		}
		p.LastError = nil
	})
}

// IncrementAttempts counts one failed delivery. Exceeding the attempt limit
// marks the post failed. Unknown ids return ErrNotFound and change nothing.
func (s *Store) IncrementAttempts(ctx context.Context, id int, errText string) (post.Post, error) {
	s.mu.Lock()
	limit := s.maxAttempts
	s.mu.Unlock()
	return s.mutate(ctx, id, func(p *post.Post) {
		p.Attempts++
		p.LastError = post.StrPtr(errText)
		if p.Attempts > limit {
			p.Failed = true
		}
	})
}

// SetFileID caches (or clears, with "") the provider media handle.
func (s *Store) SetFileID(ctx context.Context, id int, handle string) (post.Post, error) {
	return s.mutate(ctx, id, func(p *post.Post) { p.FileID = strings.TrimSpace(handle) })
}

// Append adds p and persists the collection. A zero ID gets the next free id.
func (s *Store) Append(ctx context.Context, p post.Post) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.nextIDLocked()
	} else if s.indexLocked(p.ID) >= 0 {
		return post.Post{}, fmt.Errorf("post %d already exists", p.ID)
	}
	s.posts = append(s.posts, p.Clone())
	if err := s.saveAllLocked(ctx); err != nil {
		s.posts = s.posts[:len(s.posts)-1]
		return post.Post{}, err
	}
	return p, nil
}

// NextID is max(id)+1, so ids are never reused.
func (s *Store) NextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

// IDs returns the sorted ids currently held.
func (s *Store) IDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.posts))
	for _, p := range s.posts {
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) mutate(ctx context.Context, id int, fn func(p *post.Post)) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return post.Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	prev := s.posts[i].Clone()
	fn(&s.posts[i])

	var err error
	if rw, ok := s.backend.(RecordWriter); ok {
		err = rw.SaveOne(ctx, s.posts[i])
	} else {
		err = s.saveAllLocked(ctx)
	}
	if err != nil {
		s.posts[i] = prev
		s.log.Error("persist post failed", logx.PostID(id), logx.Err(err))
		return post.Post{}, err
	}
	return s.posts[i].Clone(), nil
}

func (s *Store) saveAllLocked(ctx context.Context) error {
	return s.backend.Save(ctx, s.posts)
}

func (s *Store) indexLocked(id int) int {
	for i := range s.posts {
		if s.posts[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) nextIDLocked() int {
	next := 0
	for _, p := range s.posts {
		if p.ID > next {
			next = p.ID
		}
	}
	return next + 1
}
