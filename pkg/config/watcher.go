package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/openqos/shaperd/pkg/log"
)

// WatchAndReload watches path for writes/renames (the common atomic-save
// pattern used by editors and config-management tools) and calls Reload
// on each change. A parse failure is logged at WARN and the previous
// config remains active.
// The returned stop function closes the underlying watcher.
func WatchAndReload(path string) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := Reload(path); err != nil {
					log.Logger.Warn().Err(err).Msg("config reload failed, retaining previous configuration")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return watcher.Close, nil
}
