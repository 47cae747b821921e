package patterns

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/logging"
)

// CatalogWatcher reloads a catalog file into an Engine whenever the file
// changes. A catalog that fails validation is logged and the engine keeps
// the one it has.
type CatalogWatcher struct {
	path   string
	engine *Engine
	logger logrus.FieldLogger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewCatalogWatcher creates a watcher for the catalog at path.
func NewCatalogWatcher(path string, engine *Engine, logger logrus.FieldLogger) *CatalogWatcher {
	return &CatalogWatcher{
		path:   filepath.Clean(path),
		engine: engine,
		logger: logging.OrDiscard(logger).WithField("catalog", path),
		done:   make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than the
// file so editors that save by rename are still seen. Call Stop to clean up.
func (w *CatalogWatcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("catalog watcher: %w", err)
	}
	w.watcher = fw

	go w.loop()
	w.logger.Info("watching pattern catalog for changes")
	return nil
}

// Stop shuts down the watcher and waits for the event loop to exit.
func (w *CatalogWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.stopOnce.Do(func() {
		_ = w.watcher.Close()
		<-w.done
	})
}

func (w *CatalogWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				_ = w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("catalog watcher error")
		}
	}
}

// reload loads the file and swaps it into the engine.
func (w *CatalogWatcher) reload() error {
	catalog, err := LoadCatalogFile(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("catalog reload rejected, keeping current catalog")
		return err
	}
	w.engine.SetCatalog(catalog)
	w.logger.WithField("templates", catalog.Len()).Info("pattern catalog reloaded")
	return nil
}
