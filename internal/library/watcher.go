package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// settleDelay gives writers time to finish a new file before it is read.
const settleDelay = 500 * time.Millisecond

// Watcher keeps the catalogue current while files change under the
// library directory.
type Watcher struct {
	scanner *Scanner
	root    string
	watcher *fsnotify.Watcher
	logger  *logrus.Entry
	settle  time.Duration
	wg      sync.WaitGroup
}

// NewWatcher watches root and every directory below it.
func NewWatcher(scanner *Scanner, root string, logger *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		scanner: scanner,
		root:    root,
		watcher: fw,
		logger:  logger.WithField("component", "watcher"),
		settle:  settleDelay,
	}
	if err := w.addDirectory(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Run dispatches file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.WithField("library_path", w.root).Info("File watcher started")
	defer func() {
		w.watcher.Close()
		w.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFileEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	fileName := filepath.Base(event.Name)
	if strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, ".tmp") {
		return
	}
	isAudioFile := w.scanner.IsAudioFile(event.Name)

	switch {
	case (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && isAudioFile:
		w.wg.Add(1)
		go func(name string) {
			defer w.wg.Done()
			select {
			case <-time.After(w.settle):
			case <-ctx.Done():
				return
			}
			w.handleNewFile(name)
		}(event.Name)

	case (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) && isAudioFile:
		w.handleRemovedFile(event.Name)

	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectory(event.Name); err != nil {
				w.logger.WithError(err).WithField("directory", event.Name).Warn("Failed to watch new directory")
				return
			}
			w.logger.WithField("directory", event.Name).Info("Watching new directory")
		}
	}
}

func (w *Watcher) handleNewFile(filePath string) {
	added, err := w.scanner.AddFile(filePath)
	if err != nil {
		w.logger.WithError(err).WithField("file_path", filePath).Error("Error cataloguing new file")
		return
	}
	if added {
		w.logger.WithField("file_path", filePath).Info("Added new track")
	}
}

func (w *Watcher) handleRemovedFile(filePath string) {
	if err := w.scanner.RemoveFile(filePath); err != nil {
		w.logger.WithError(err).WithField("file_path", filePath).Error("Error removing track from catalogue")
		return
	}
	w.logger.WithField("file_path", filePath).Info("Removed track from catalogue")
}
