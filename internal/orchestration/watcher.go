package orchestration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultReloadDebounce = 100 * time.Millisecond

// TableSource serves the current step table. When backed by a file it can
// watch the file and swap in a new table after every valid edit.
type TableSource struct {
	path     string
	current  atomic.Pointer[Table]
	logger   *logrus.Entry
	debounce time.Duration
	onReload func(*Table, error)

	mu    sync.Mutex
	timer *time.Timer
}

func StaticTable(table *Table) *TableSource {
	s := &TableSource{}
	s.current.Store(table)
	return s
}

func NewTableSource(path string, logger *logrus.Entry) (*TableSource, error) {
	table, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve step table path: %w", err)
	}
	s := &TableSource{path: abs, logger: logger, debounce: defaultReloadDebounce}
	s.current.Store(table)
	return s, nil
}

// OnReload registers a callback invoked after each reload attempt. A failed
// reload keeps the previous table.
func (s *TableSource) OnReload(fn func(*Table, error)) {
	s.onReload = fn
}

func (s *TableSource) Table() *Table {
	return s.current.Load()
}

func (s *TableSource) Reload() error {
	if s.path == "" {
		return nil
	}
	table, err := LoadTable(s.path)
	if err == nil {
		s.current.Store(table)
	}
	if s.logger != nil {
		if err != nil {
			s.logger.WithError(err).Warn("step table reload failed, keeping previous table")
		} else {
			s.logger.WithField("tasks", len(table.Tasks)).Info("step table reloaded")
		}
	}
	if s.onReload != nil {
		s.onReload(table, err)
	}
	return err
}

// Watch blocks until ctx is cancelled. Editors often replace the file, so the
// parent directory is watched and events are filtered by name.
func (s *TableSource) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create step table watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if s.logger != nil {
				s.logger.WithError(err).Error("step table watcher error")
			}
		case <-ctx.Done():
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			return nil
		}
	}
}

// scheduleReload coalesces a burst of writes into one reload after the
// last event.
func (s *TableSource) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		_ = s.Reload()
	})
}
