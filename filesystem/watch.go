package filesystem

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch keeps a cached listing of the store and drops it whenever the
// directory changes on disk. Without a running Watch every List reads the
// directory. Watch blocks until ctx is done.
func (FS *LocalFS) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(FS.localDir); err != nil {
		return fmt.Errorf("error watching %s: %w", FS.localDir, err)
	}

	FS.setWatching(true)
	defer FS.setWatching(false)
	FS.Logger().Info("watching store for changes", "dir", FS.localDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			FS.Logger().Debug("store changed", "event", event.Op.String(), "name", event.Name)
			FS.invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// missed events leave the cache stale
			FS.Logger().Warn("watcher error", "error", err)
			FS.invalidate()
		}
	}
}

// Watching reports whether List is served from the cache.
func (FS *LocalFS) Watching() bool {
	FS.cacheMu.Lock()
	defer FS.cacheMu.Unlock()
	return FS.watching
}

func (FS *LocalFS) setWatching(on bool) {
	FS.cacheMu.Lock()
	FS.watching = on
	FS.listing = nil
	FS.cacheMu.Unlock()
}
