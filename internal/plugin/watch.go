// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// DefaultWatchDebounce is how long a plugin directory must stay quiet
// before it is reloaded.
const DefaultWatchDebounce = 300 * time.Millisecond

// Watch reloads plugins when files in their directories change and loads
// plugin directories that appear. It blocks until ctx is done or the
// manager is closed. Close waits for Watch to return.
func (m *Manager) Watch(ctx context.Context) error {
	return m.watch(ctx, DefaultWatchDebounce)
}

func (m *Manager) watch(ctx context.Context, debounce time.Duration) error {
	m.watchMu.Lock()
	if m.closed {
		m.watchMu.Unlock()
		return oops.In("watch").Code(errutil.CodeInvalidState).New("manager is closed")
	}
	ctx, stop := context.WithCancel(ctx)
	m.stopWatch = append(m.stopWatch, stop)
	m.watching.Add(1)
	m.watchMu.Unlock()
	defer m.watching.Done()
	defer stop()

	root := m.loader.Dir()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("watch").Wrapf(err, "create watcher")
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(root); err != nil {
		return oops.In("watch").With("dir", root).Wrapf(err, "watch plugins directory")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return oops.In("watch").With("dir", root).Wrapf(err, "read plugins directory")
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				errutil.LogWarn(m.logger, "cannot watch plugin directory", err, "dir", e.Name())
			}
		}
	}
	m.logger.Info("watching plugins for changes", "dir", root)

	// running counts armed and executing debounce callbacks. A timer
	// stopped before it fired is counted down by whoever stopped it.
	var (
		mu      sync.Mutex
		running sync.WaitGroup
		pending = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for dir, t := range pending {
			if t.Stop() {
				running.Done()
			}
			delete(pending, dir)
		}
		mu.Unlock()
		running.Wait()
	}()

	schedule := func(dir string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[dir]; ok && t.Stop() {
			running.Done()
		}
		running.Add(1)
		var t *time.Timer
		t = time.AfterFunc(debounce, func() {
			defer running.Done()
			mu.Lock()
			if pending[dir] == t {
				delete(pending, dir)
			}
			mu.Unlock()
			if ctx.Err() == nil {
				m.syncDir(ctx, dir)
			}
		})
		pending[dir] = t
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			dir, isNew := m.pluginDirOf(root, ev)
			if dir == "" {
				continue
			}
			if isNew {
				if err := w.Add(dir); err != nil {
					errutil.LogWarn(m.logger, "cannot watch plugin directory", err, "dir", dir)
				}
			}
			schedule(dir)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			errutil.LogWarn(m.logger, "watcher error", err)
		}
	}
}

// pluginDirOf maps an event to the plugin directory it affects. isNew is
// set when the event created that directory.
func (m *Manager) pluginDirOf(root string, ev fsnotify.Event) (dir string, isNew bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if strings.HasPrefix(parts[0], ".") {
		return "", false
	}
	if len(parts) > 1 && strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return "", false
	}
	dir = filepath.Join(root, parts[0])
	if len(parts) == 1 && ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, true
		}
		return "", false
	}
	return dir, false
}

// syncDir brings the registry in line with one plugin directory: reload
// the plugin loaded from it, load it if new, or unload it if removed.
func (m *Manager) syncDir(ctx context.Context, dir string) {
	id := ""
	for _, in := range m.loader.List() {
		if in.Dir == dir {
			id = in.ID
			break
		}
	}

	_, statErr := os.Stat(filepath.Join(dir, ManifestFile))
	switch {
	case id != "" && statErr != nil:
		if err := m.loader.Unload(ctx, id); err != nil {
			errutil.LogWarn(m.logger, "unloading removed plugin failed", err, "plugin", id)
			return
		}
		m.logger.Info("plugin removed", "plugin", id)
	case id != "":
		if _, err := m.loader.Reload(ctx, id); err != nil {
			errutil.LogWarn(m.logger, "hot reload failed", err, "plugin", id)
			return
		}
		m.logger.Info("plugin hot reloaded", "plugin", id)
	case statErr == nil:
		info, err := m.loader.LoadDir(ctx, dir)
		if err != nil {
			errutil.LogWarn(m.logger, "loading new plugin failed", err, "dir", dir)
			return
		}
		m.logger.Info("new plugin loaded", "plugin", info.ID)
	}
}
