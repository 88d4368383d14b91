package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/ssod/internal/logging"
)

// Watcher watches the config file and the plugin directory for changes
// and invokes a callback when either changes on disk.
type Watcher struct {
	fsw *fsnotify.Watcher
	done chan struct{}
}

// WatchFiles starts watching configPath's directory and pluginsDir.
// onConfigChange is invoked (on the watcher's goroutine) for any event on
// configPath; onPlugins is invoked for any event on an entry directly
// under pluginsDir. The watcher only reports changes: it does not reload
// the config or load and register new plugins.
func WatchFiles(configPath, pluginsDir string, onConfigChange func(), onPlugins func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := fsw.Add(filepath.Dir(configPath)); err != nil {
			logging.L_warn("config: failed to watch config dir", "path", configPath, "error", err)
		}
	}
	if pluginsDir != "" {
		if err := fsw.Add(pluginsDir); err != nil {
			logging.L_warn("config: failed to watch plugins dir", "path", pluginsDir, "error", err)
		}
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if configPath != "" && event.Name == configPath && onConfigChange != nil {
					logging.L_debug("config: file changed on disk", "path", event.Name, "op", event.Op.String())
					onConfigChange()
				}
				if pluginsDir != "" && filepath.Dir(event.Name) == pluginsDir && onPlugins != nil {
					logging.L_debug("config: plugins directory changed", "path", event.Name, "op", event.Op.String())
					onPlugins()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logging.L_warn("config: watch error", "error", err)
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
