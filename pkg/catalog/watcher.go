package catalog

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the catalog wholesale whenever its backing file changes.
// A failed reload keeps the previous record set active.
type Watcher struct {
	catalog  *Catalog
	path     string
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
	onReload func(version uint64)
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for the catalog file at path. onReload may be
// nil; when set it is called after each successful reload.
func NewWatcher(cat *Catalog, path string, logger *zap.Logger, onReload func(version uint64)) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files, which drops inode watches.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		catalog:  cat,
		path:     path,
		logger:   logger,
		fsw:      fsw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			// Coalesce bursts of write events into one reload.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog watch error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	if err := w.catalog.LoadFile(w.path); err != nil {
		w.logger.Error("catalog reload failed, keeping previous records",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	version := w.catalog.Version()
	w.logger.Info("catalog reloaded",
		zap.String("path", w.path),
		zap.Int("entries", w.catalog.Len()),
		zap.Uint64("version", version))

	if w.onReload != nil {
		w.onReload(version)
	}
}
