package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/dealerops/pkg/observability"
	"github.com/platinummonkey/dealerops/pkg/rbac"
)

// catalogDebounce coalesces the burst of events an editor save produces
const catalogDebounce = 250 * time.Millisecond

type snapshotFlusher interface {
	InvalidateAll()
}

// catalogWatcher re-seeds the catalog whenever its file changes and drops
// every cached snapshot, here and on the other instances
type catalogWatcher struct {
	path    string
	writer  rbac.CatalogWriter
	flusher snapshotFlusher
	bus     rbac.InvalidationBus
	logger  *observability.Logger
	watcher *fsnotify.Watcher

	once sync.Once
	done chan struct{}
}

// watchCatalog watches the directory holding path so that files replaced
// by rename are still picked up
func watchCatalog(ctx context.Context, path string, writer rbac.CatalogWriter, flusher snapshotFlusher, bus rbac.InvalidationBus, logger *observability.Logger) (*catalogWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &catalogWatcher{
		path:    filepath.Clean(path),
		writer:  writer,
		flusher: flusher,
		bus:     bus,
		logger:  logger.WithField("catalog", path),
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func (w *catalogWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer observability.RecoverPanic(w.logger, "catalog watcher")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending = time.After(catalogDebounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("catalog watch error")
		case <-pending:
			pending = nil
			w.reload(ctx)
		}
	}
}

// reload keeps the previous catalog in place when the new file is invalid
func (w *catalogWatcher) reload(ctx context.Context) {
	catalog, err := rbac.LoadCatalog(w.path)
	if err != nil {
		w.logger.WithError(err).Error("catalog reload rejected")
		return
	}
	result, err := rbac.SeedCatalog(ctx, w.writer, catalog, time.Now())
	if err != nil {
		w.logger.WithError(err).Error("catalog reseed failed")
		return
	}

	w.flusher.InvalidateAll()
	if err := w.bus.Publish(ctx, rbac.Invalidation{Scope: rbac.ScopeAll}); err != nil {
		w.logger.WithError(err).Warn("failed to publish catalog invalidation")
	}
	w.logger.WithFields(map[string]interface{}{
		"roles":  result.Roles,
		"groups": result.Groups,
	}).Info("catalog reloaded")
}

// Close stops watching
func (w *catalogWatcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
