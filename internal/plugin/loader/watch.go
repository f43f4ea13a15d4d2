package loader

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// Watch sets up a file watcher on the plugin directory for hot reload.
// When a loaded plugin's file is written, the plugin is reloaded.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apierrors.Wrapf(apierrors.CodeLoader, "loader.Watch", err, "create watcher")
	}

	// Watch the main plugin directory
	if err := watcher.Add(l.pluginDir); err != nil {
		watcher.Close()
		return apierrors.Wrapf(apierrors.CodeInvalidArgument, "loader.Watch", err, "watch %s", l.pluginDir)
	}

	// Also watch subdirectories (for plugins in folders)
	filepath.WalkDir(l.pluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == l.pluginDir {
			return nil
		}
		watcher.Add(path)
		return nil
	})

	l.watchMu.Lock()
	if l.watcher != nil {
		l.watcher.Close()
		l.watchCancel()
	}
	l.watcher = watcher
	l.watchCtx, l.watchCancel = context.WithCancel(ctx)
	watchCtx := l.watchCtx
	l.watchMu.Unlock()

	l.logger.Info("🔄 hot reload enabled", "path", l.pluginDir)

	go l.watchLoop(watchCtx, watcher)
	return nil
}

// StopWatch stops the file watcher and pending debounced reloads.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watchCancel != nil {
		l.watchCancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	for path, timer := range l.debounce {
		timer.Stop()
		delete(l.debounce, path)
	}
}

// watchLoop processes file system events.
func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleFSEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFSEvent debounces events for module files.
func (l *Loader) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if _, ok := l.openers[strings.ToLower(filepath.Ext(event.Name))]; !ok {
		return
	}

	// Debounce rapid changes (e.g., during build)
	l.watchMu.Lock()
	if timer, exists := l.debounce[event.Name]; exists {
		timer.Stop()
	}
	l.debounce[event.Name] = time.AfterFunc(l.debounceD, func() {
		l.processFileChange(ctx, event)
	})
	l.watchMu.Unlock()
}

// processFileChange reloads the affected plugin after debounce.
func (l *Loader) processFileChange(ctx context.Context, event fsnotify.Event) {
	defer func() {
		l.watchMu.Lock()
		delete(l.debounce, event.Name)
		l.watchMu.Unlock()
	}()
	if ctx.Err() != nil {
		return
	}

	lp, loaded := l.PluginByPath(event.Name)
	name := filepath.Base(event.Name)

	switch {
	case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
		if !loaded {
			l.logger.Info("🔌 new plugin detected, waiting for scan", "file", name)
			return
		}
		l.mu.RLock()
		allow := l.filter
		l.mu.RUnlock()
		if allow != nil && !allow(lp.ID) {
			l.logger.Debug("plugin modified, hot reload disabled", "file", name)
			return
		}
		l.logger.Info("🔄 plugin modified, reloading", "file", name)
		// ReloadPluginByID logs the outcome.
		_ = l.ReloadPluginByID(ctx, lp.ID)

	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		if loaded {
			l.logger.Warn("🗑️ plugin file removed, instance stays loaded", "file", name, "id", lp.ID)
		}
	}
}
