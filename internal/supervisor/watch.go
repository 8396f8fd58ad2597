//go:build linux

package supervisor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// configReloadDebounce absorbs editor save bursts (write-then-rename,
// truncate-then-write) into a single reload.
const configReloadDebounce = 250 * time.Millisecond

// watchConfig re-reads and merges the config file whenever it changes on
// disk, so an operator editing pycroraptor.json directly (rather than going
// through /rpc/loadConfig) still takes effect without a restart. This has
// no counterpart in manager.py, which only reloads on an explicit RPC call;
// it supplements that with the same hot-reload idiom the teacher pack uses
// for its own spec file (edirooss-zmux-server's spec_sync.go).
func (s *Supervisor) watchConfig(ctx context.Context) {
	s.mu.RLock()
	path := s.configPath
	s.mu.RUnlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.zlog.Warn("config watcher init failed", zap.Error(err))
		return
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		s.zlog.Warn("config watch add failed", zap.String("dir", filepath.Dir(abs)), zap.Error(err))
		return
	}

	var timer *time.Timer
	reload := func() {
		s.mu.RLock()
		current := s.configPath
		s.mu.RUnlock()
		if err := s.reloadConfigFile(current); err != nil {
			s.zlog.Warn("config hot-reload failed", zap.Error(err))
		}
	}
	reset := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(configReloadDebounce, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quitRequested:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.zlog.Warn("config watch error", zap.Error(err))
		}
	}
}
