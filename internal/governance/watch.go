package governance

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rahul/stepwise/internal/observability"
	"go.uber.org/zap"
)

// WatchAllowlist reloads the store whenever its file changes, until ctx is
// done. The parent directory is watched so editors that replace the file are
// picked up too.
func WatchAllowlist(ctx context.Context, store *AllowlistStore, logger *observability.Logger) error {
	if store.Path() == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create allowlist watcher: %w", err)
	}
	target := filepath.Clean(store.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch allowlist directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := store.Reload(); err != nil {
					logger.Warn("allowlist reload failed, keeping previous entries", zap.Error(err))
					continue
				}
				logger.Info("allowlist reloaded", zap.Int("entries", len(store.Get().Entries)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("allowlist watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
