package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"despotify/internal/cache"
	"despotify/internal/config"
	"despotify/internal/library"
)

// localLibrary bundles the pieces of the local engine
type localLibrary struct {
	db      *library.Database
	records *cache.RecordCache
	scanner *library.Scanner
	engine  *library.Engine
}

// openLibrary opens the catalogue and builds the engine over it. The library
// is scanned first when the configuration asks for it.
func openLibrary(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*localLibrary, error) {
	if _, err := os.Stat(cfg.Library.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("music directory %s does not exist, create it and add your music files", cfg.Library.Path)
	}

	db, err := library.OpenDatabase(cfg.Database.Path, cfg.Database.MaxConnections, logger)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	users, err := library.NewUserStore(cfg.Library.UsersFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error loading users: %w", err)
	}

	var records *cache.RecordCache
	if cfg.Session.UseCache {
		records = cache.NewRecordCache(time.Duration(cfg.Library.CacheTTLSeconds) * time.Second)
	}

	extractor := library.NewExtractor(cfg.Library.SupportedFormats, logger)
	scanner := library.NewScanner(db, extractor, cfg.Session.Workers, logger)
	if records != nil {
		// Cached records and album lists go stale when files change.
		scanner.OnChange(records.Invalidate)
	}

	lib := &localLibrary{
		db:      db,
		records: records,
		scanner: scanner,
		engine:  library.NewEngine(db, users, records, logger),
	}

	if cfg.Library.ScanOnStartup {
		if _, err := lib.scan(ctx, cfg, logger); err != nil {
			lib.Close()
			return nil, err
		}
	}
	return lib, nil
}

func (l *localLibrary) scan(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (library.ScanResult, error) {
	logger.WithField("path", cfg.Library.Path).Info("Scanning music library")
	result, err := l.scanner.Scan(ctx, cfg.Library.Path)
	if err != nil {
		return result, fmt.Errorf("error scanning music library: %w", err)
	}

	if n, err := l.db.Count(); err != nil {
		logger.WithError(err).Warn("Could not get track count")
	} else if n == 0 {
		logger.WithField("supported_formats", cfg.Library.SupportedFormats).Warn("No supported audio files found in music directory")
	}
	return result, nil
}

func (l *localLibrary) Close() {
	if l.records != nil {
		l.records.Close()
	}
	l.db.Close()
}
