package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/logging"
)

// watcher reports changes anywhere under a directory. fsnotify watches
// single directories, so every subdirectory is added, including ones
// created later.
type watcher struct {
	fsw *fsnotify.Watcher
	dir string
}

func newWatcher(dir string) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &watcher{fsw: fsw, dir: dir}
	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches root and every directory below it.
func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// run calls changed for every relevant event until ctx is done.
func (w *watcher) run(ctx context.Context, changed func()) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				// A new directory may already hold files by the time it
				// is added; the round triggered below picks them up.
				if err := w.addTree(event.Name); err != nil {
					logging.Debug("watch new path", zap.String("path", event.Name), zap.Error(err))
				}
			}
			logging.Debug("local change", zap.String("path", event.Name), zap.Stringer("op", event.Op))
			changed()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			// Overflow loses events; a round rescans everything anyway.
			logging.Warn("filesystem watcher error", zap.Error(err))
			changed()
		}
	}
}

func (w *watcher) relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), tempPrefix) {
		return false
	}
	// Chmod alone never changes content.
	return event.Op&^fsnotify.Chmod != 0
}
