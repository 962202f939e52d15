package trigger

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dl-alexandre/ncsync/internal/debounce"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// Watcher feeds file system activity below a set of folders into a
// Debouncer, so a burst of new files results in one action.
type Watcher struct {
	dirs      []string
	debouncer *debounce.Debouncer
	action    func()
	logger    logging.Logger
}

func NewWatcher(dirs []string, debouncer *debounce.Debouncer, action func(), logger logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Watcher{dirs: dirs, debouncer: debouncer, action: action, logger: logger}
}

// Run watches until ctx is done. Pending debounced work is discarded on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	defer w.debouncer.Stop()

	for _, dir := range w.dirs {
		if err := w.addTree(fw, dir); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						w.logger.Warn("Failed to watch new folder", logging.F("path", event.Name), logging.F("error", err))
					}
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				w.logger.Debug("Folder changed", logging.F("path", event.Name), logging.F("op", event.Op.String()))
				w.debouncer.Schedule(w.dispatch, false)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", logging.F("error", err))
		}
	}
}

// dispatch runs the action off the event loop. A burst that reaches
// maxEvents fires inside Schedule, and fsnotify drops events nobody reads.
func (w *Watcher) dispatch() {
	go w.action()
}

// addTree watches root and every folder below it; fsnotify is not recursive.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}
