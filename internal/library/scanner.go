package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ScanResult counts what a library scan did.
type ScanResult struct {
	Added     int64 `json:"added"`
	Unchanged int64 `json:"unchanged"`
	Removed   int64 `json:"removed"`
	Failed    int64 `json:"failed"`
}

// Scanner keeps the catalogue in step with the files under a directory.
type Scanner struct {
	db        *Database
	extractor *Extractor
	workers   int
	logger    *logrus.Entry

	mu       sync.Mutex
	onChange []func()
}

// NewScanner creates a scanner extracting with up to workers files at once.
func NewScanner(db *Database, extractor *Extractor, workers int, logger *logrus.Logger) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{
		db:        db,
		extractor: extractor,
		workers:   workers,
		logger:    logger.WithField("component", "scanner"),
	}
}

// OnChange registers fn to run after the catalogue was modified.
func (s *Scanner) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Scanner) changed() {
	s.mu.Lock()
	fns := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Scan walks root, catalogues new or modified audio files and drops rows
// whose files are gone.
func (s *Scanner) Scan(ctx context.Context, root string) (ScanResult, error) {
	s.logger.WithField("library_path", root).Info("Scanning music library")

	var res ScanResult
	var seen sync.Map

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if d.IsDir() || !s.extractor.IsAudioFile(path) {
			return nil
		}
		seen.Store(path, true)
		g.Go(func() error {
			added, err := s.addFile(path)
			switch {
			case err != nil:
				atomic.AddInt64(&res.Failed, 1)
				s.logger.WithError(err).WithField("file_path", path).Warn("Failed to catalogue file")
			case added:
				atomic.AddInt64(&res.Added, 1)
			default:
				atomic.AddInt64(&res.Unchanged, 1)
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		return res, walkErr
	}

	tracks, err := s.db.GetAllTracks()
	if err != nil {
		return res, err
	}
	for _, t := range tracks {
		if _, ok := seen.Load(t.FilePath); ok {
			continue
		}
		if err := s.db.RemoveTrackByPath(t.FilePath); err != nil {
			return res, err
		}
		res.Removed++
	}

	if res.Added > 0 || res.Removed > 0 {
		s.changed()
	}
	s.logger.WithFields(logrus.Fields{
		"added":     res.Added,
		"unchanged": res.Unchanged,
		"removed":   res.Removed,
		"failed":    res.Failed,
	}).Info("Library scan complete")
	return res, nil
}

// AddFile catalogues one file. It reports false when the file was already
// catalogued unchanged.
func (s *Scanner) AddFile(path string) (bool, error) {
	added, err := s.addFile(path)
	if err == nil && added {
		s.changed()
	}
	return added, err
}

func (s *Scanner) addFile(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	known, err := s.db.FileID(path)
	if err != nil {
		return false, err
	}
	if known != "" && known == fileID(path, stat.Size(), stat.ModTime()) {
		return false, nil
	}

	track, err := s.extractor.Extract(path)
	if err != nil {
		return false, err
	}
	if err := s.db.UpsertTrack(track); err != nil {
		return false, err
	}
	s.logger.WithFields(logrus.Fields{
		"artist": track.Artist,
		"title":  track.Title,
		"track":  track.TrackID,
	}).Debug("Catalogued track")
	return true, nil
}

// RemoveFile drops the row of a deleted file.
func (s *Scanner) RemoveFile(path string) error {
	if err := s.db.RemoveTrackByPath(path); err != nil {
		return err
	}
	s.changed()
	return nil
}

// IsAudioFile reports whether path has a catalogued extension.
func (s *Scanner) IsAudioFile(path string) bool {
	return s.extractor.IsAudioFile(path)
}
