package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
)

// Watcher reloads a GatewayConfig file into a Store whenever it changes
// on disk, falling back to the last-good config on a parse error.
type Watcher struct {
	path    string
	store   *Store
	slog    *zap.SugaredLogger
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path for changes, applying updates to store.
func NewWatcher(path string, store *Store, slog *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:  path,
		store: store,
		slog:  slog,
		fsw:   fsw,
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.slog.Warnf("config reload of %s failed, keeping prior config: %v",
					w.path, err)
				continue
			}
			w.store.Set(cfg)
			if err := gwlog.SetLevel(cfg.Log.Level); err != nil {
				w.slog.Warnf("invalid log level %q in %s, keeping prior level: %v",
					cfg.Log.Level, w.path, err)
			}
			w.slog.Infof("reloaded config from %s", w.path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.slog.Warnf("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
