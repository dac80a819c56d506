package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to a fixed set of files. It watches their parent
// directories so files that are created later or replaced by rename are
// still seen.
type Watcher struct {
	files  map[string]struct{}
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(paths []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p != "" {
			files[filepath.Clean(p)] = struct{}{}
		}
	}
	return &Watcher{files: files, logger: logger, events: make(chan ReloadEvent, 16)}
}

// NewConfigWatcher watches config.yaml and the authz policy of cfg.
func NewConfigWatcher(cfg Config, logger *slog.Logger) *Watcher {
	return NewWatcher([]string{ConfigPath(cfg.HomeDir), cfg.AuthzPath}, logger)
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := make(map[string]struct{})
	for file := range w.files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher skipped directory", "dir", dir, "error", err)
		}
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			select {
			case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
			default:
				w.logger.Warn("config reload event dropped", "path", ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
