package fsset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debouncer collapses a burst of notifications into one flush after the
// burst has been quiet for duration.
type debouncer struct {
	duration time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending int
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{duration: duration}
}

// schedule (re)arms the timer.
func (d *debouncer) schedule(flush func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending++
	if d.timer == nil {
		d.timer = time.AfterFunc(d.duration, flush)
		return
	}
	d.timer.Reset(d.duration)
}

// pop returns the number of folded notifications and clears them.
func (d *debouncer) pop() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.pending
	d.pending = 0
	return n
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watch refreshes the set whenever either root changes, until ctx is done.
// Notifications are debounced by the configured duration. Refresh failures
// are logged and do not stop the watch.
func (s *Set) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	for _, root := range []string{s.cfg.Left, s.cfg.Right} {
		if err := s.addRecursive(w, root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	fire := make(chan struct{}, 1)
	deb := newDebouncer(s.cfg.DebounceOrDefault())
	defer deb.stop()
	flush := func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	}

	s.logger.Info("watching", "left", s.cfg.Left, "right", s.cfg.Right)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if s.ignoredPath(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addRecursive(w, ev.Name); err != nil {
						s.logger.Warn("watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			deb.schedule(flush)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		case <-fire:
			folded := deb.pop()
			if _, err := s.Refresh(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.logger.Error("refresh", "notifications", folded, "error", err)
			}
		}
	}
}

func (s *Set) addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && s.ignoredPath(p) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

// ignoredPath matches an absolute path below either root against the ignore
// patterns.
func (s *Set) ignoredPath(p string) bool {
	for _, root := range []string{s.cfg.Left, s.cfg.Right} {
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return s.cfg.ignored(filepath.ToSlash(rel))
	}
	return false
}
