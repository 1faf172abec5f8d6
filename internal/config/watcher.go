package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/policy"
)

// reloadDelay collapses the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// PolicyWatcher reloads a policy file when it changes on disk. A file that
// fails to load or validate is logged and ignored; the previous table stays
// active.
type PolicyWatcher struct {
	path    string
	apply   func(*policy.Table)
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// WatchPolicy starts watching path and calls apply with every valid
// reload. The parent directory is watched because editors often replace
// files by rename.
func WatchPolicy(path string, apply func(*policy.Table), logger *zap.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy file: %w", err)
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &PolicyWatcher{
		path:    abs,
		apply:   apply,
		logger:  logger.Named("policy-watcher"),
		watcher: fsw,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()

	w.logger.Info("watching policy file", zap.String("path", abs))
	return w, nil
}

// Stop ends the watch and waits for a pending reload to be dropped.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *PolicyWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, w.reload)
}

func (w *PolicyWatcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	t, err := policy.Load(w.path)
	if err != nil {
		w.logger.Error("rejected policy reload, keeping previous table",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.apply(t)
	w.logger.Info("policy table reloaded",
		zap.String("path", w.path), zap.Int("categories", len(t.Policies())))
}
