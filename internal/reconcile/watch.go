package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postbot/pkg/logx"
)

const watchDebounce = 500 * time.Millisecond

// watch triggers a pass when the store file is edited by someone else. The
// directory is watched so atomic renames are seen. Our own writes are told
// apart by Store.Changed.
func (l *Loop) watch(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	l.log.Debug("store watcher started", logx.String("path", path))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	check := func() {
		changed, err := l.store.Changed(ctx)
		if err != nil {
			l.log.Warn("store change check failed", logx.Err(err))
			return
		}
		if changed {
			l.log.Info("posts changed on disk, reconciling", logx.String("path", path))
			l.Trigger("store changed")
		}
	}
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, check)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			// posts.db-wal and friends count for the sqlite backend.
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				debounce()
				continue
			}
			l.log.Warn("store watch error", logx.Err(err))
		}
	}
}
