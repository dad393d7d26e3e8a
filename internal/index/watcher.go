package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/recordbook/internal/checksum"
	"github.com/starford/recordbook/internal/storage"
)

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, path string)

const renameSettle = 200 * time.Millisecond

type watcher struct {
	db     *DB
	store  storage.Provider
	root   string
	logger *slog.Logger
	notify EventCallback
	fsw    *fsnotify.Watcher
}

// Watch keeps the index in step with edits made outside the engine, such as
// a user saving a document in their editor. It runs until ctx is cancelled.
//
// Hidden paths are ignored, which covers .git and the executor's transient
// backup and temp siblings. A write whose content already matches the
// indexed checksum (a commit the service re-indexed itself) produces no
// callback. Renames are settled by a debounced reconcile pass.
func Watch(ctx context.Context, db *DB, store storage.Provider, root string, logger *slog.Logger, cb EventCallback) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	w := &watcher{db: db, store: store, root: root, logger: logger, notify: cb, fsw: fsw}
	if err := w.watchTree(root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", root))

	settle := time.NewTimer(renameSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil
		case <-settle.C:
			if err := reconcile(db, store, logger, cb); err != nil {
				logger.Warn("watcher: reconcile failed", slog.String("error", err.Error()))
			}
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.handle(ev) {
				settle.Reset(renameSettle)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", err.Error()))
		}
	}
}

// handle applies one filesystem event and reports whether a reconcile pass
// should follow.
func (w *watcher) handle(ev fsnotify.Event) bool {
	if hidden(w.root, ev.Name) {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchTree(ev.Name); err != nil {
				w.logger.Warn("watcher: add dir failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
			w.indexTree(ev.Name)
			return false
		}
	}
	if !strings.HasSuffix(ev.Name, storage.DocExt) {
		return false
	}
	rel, err := relPath(w.root, ev.Name)
	if err != nil {
		return false
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		kind := "updated"
		if ev.Has(fsnotify.Create) {
			kind = "created"
		}
		w.refresh(rel, kind)
	case ev.Has(fsnotify.Remove):
		w.drop(rel)
	case ev.Has(fsnotify.Rename):
		// Only the old name is reported; the new one arrives as a Create
		// when it stays inside a watched directory.
		w.drop(rel)
		return true
	}
	return false
}

func (w *watcher) refresh(rel, kind string) {
	data, err := w.store.Read(rel)
	if err != nil {
		w.logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	if known, _ := w.db.GetChecksum(rel); known == checksum.Sum(data) {
		return
	}
	if err := IndexDocument(w.db, rel, data); err != nil {
		w.logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", kind))
	w.emit(kind, rel)
}

func (w *watcher) drop(rel string) {
	if err := w.db.DeleteDocument(rel); err != nil {
		w.logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("watcher: deleted", slog.String("path", rel))
	w.emit("deleted", rel)
}

func (w *watcher) emit(kind, rel string) {
	if w.notify != nil {
		w.notify(kind, rel)
	}
}

// indexTree indexes documents that landed in a directory before it was
// watched.
func (w *watcher) indexTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, storage.DocExt) || hidden(w.root, path) {
			return nil
		}
		if rel, err := relPath(w.root, path); err == nil {
			w.refresh(rel, "created")
		}
		return nil
	})
}

// watchTree adds dir and every non-hidden directory below it.
func (w *watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// hidden reports whether any element of path below root starts with a dot.
func hidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part != "." && strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func relPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
