package library

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"despotify/pkg/models"
)

// ErrNotFound is returned when a track or album id is not catalogued.
var ErrNotFound = errors.New("not found in library")

const trackColumns = `track_id, file_id, album_id, cover_id, title, artist, album, track_number,
	year, duration_ms, bitrate, file_path, file_size, play_count, created_at`

// Database is the sqlite catalogue of the local library. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Entry

	// Prepared statements for better performance
	upsertTrackStmt   *sql.Stmt
	getTrackStmt      *sql.Stmt
	albumTracksStmt   *sql.Stmt
	trackExistsStmt   *sql.Stmt
	removeTrackStmt   *sql.Stmt
	searchTracksStmt  *sql.Stmt
	incrementPlayStmt *sql.Stmt
}

// OpenDatabase opens (or creates) the catalogue at dbPath and ensures the
// schema exists. Caller should Close() it when finished.
func OpenDatabase(dbPath string, maxConns int, logger *logrus.Logger) (*Database, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns < 1 {
		maxConns = 1
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	db := &Database{
		conn:   conn,
		logger: logger.WithField("component", "catalogue"),
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			db.logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	db.logger.WithField("db_path", dbPath).Info("Catalogue opened")
	return db, nil
}

// createTables is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		track_id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		album_id TEXT NOT NULL,
		cover_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		artist TEXT NOT NULL,
		album TEXT NOT NULL,
		track_number INTEGER DEFAULT 0,
		year INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		bitrate INTEGER DEFAULT 0,
		file_path TEXT NOT NULL UNIQUE,
		file_size INTEGER NOT NULL,
		play_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id, track_number);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_search ON tracks(title, artist, album);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_file_path ON tracks(file_path);",
	}

	if _, err := db.conn.Exec(tracksTable); err != nil {
		return err
	}
	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) prepareStatements() error {
	var err error

	// Rescanning a file keeps its play count.
	db.upsertTrackStmt, err = db.conn.Prepare(`
		INSERT INTO tracks (track_id, file_id, album_id, cover_id, title, artist, album,
			track_number, year, duration_ms, bitrate, file_path, file_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			file_id = excluded.file_id, album_id = excluded.album_id, cover_id = excluded.cover_id,
			title = excluded.title, artist = excluded.artist, album = excluded.album,
			track_number = excluded.track_number, year = excluded.year,
			duration_ms = excluded.duration_ms, bitrate = excluded.bitrate,
			file_size = excluded.file_size`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert track statement: %w", err)
	}

	db.getTrackStmt, err = db.conn.Prepare(`SELECT ` + trackColumns + ` FROM tracks WHERE track_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get track statement: %w", err)
	}

	db.albumTracksStmt, err = db.conn.Prepare(`
		SELECT ` + trackColumns + ` FROM tracks
		WHERE album_id = ?
		ORDER BY track_number, title`)
	if err != nil {
		return fmt.Errorf("failed to prepare album tracks statement: %w", err)
	}

	db.trackExistsStmt, err = db.conn.Prepare(`SELECT file_id FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare track exists statement: %w", err)
	}

	db.removeTrackStmt, err = db.conn.Prepare(`DELETE FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove track statement: %w", err)
	}

	db.searchTracksStmt, err = db.conn.Prepare(`
		SELECT ` + trackColumns + ` FROM tracks
		WHERE title LIKE ? OR artist LIKE ? OR album LIKE ?
		ORDER BY artist, album, track_number, title`)
	if err != nil {
		return fmt.Errorf("failed to prepare search tracks statement: %w", err)
	}

	db.incrementPlayStmt, err = db.conn.Prepare(`UPDATE tracks SET play_count = play_count + 1 WHERE track_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare play count statement: %w", err)
	}

	return nil
}

// UpsertTrack inserts a track or refreshes the row of an already catalogued
// file.
func (db *Database) UpsertTrack(track models.Track) error {
	_, err := db.upsertTrackStmt.Exec(
		track.TrackID, track.FileID, track.AlbumID, track.CoverID,
		track.Title, track.Artist, track.Album, track.TrackNumber, track.Year,
		track.DurationMS, track.Bitrate, track.FilePath, track.FileSize)
	if err != nil {
		db.logger.WithError(err).WithField("file_path", track.FilePath).Error("Failed to upsert track")
		return err
	}
	return nil
}

// GetTrack returns the track with the given id.
func (db *Database) GetTrack(trackID string) (*models.Track, error) {
	track, err := scanTrack(db.getTrackStmt.QueryRow(trackID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("track %s: %w", trackID, ErrNotFound)
		}
		db.logger.WithError(err).WithField("track_id", trackID).Error("Failed to get track")
		return nil, err
	}
	return track, nil
}

// AlbumTracks returns the tracks of an album in play order.
func (db *Database) AlbumTracks(albumID string) ([]models.Track, error) {
	rows, err := db.albumTracksStmt.Query(albumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracks, err := scanTrackRows(rows)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("album %s: %w", albumID, ErrNotFound)
	}
	return tracks, nil
}

// GetAllTracks returns all tracks ordered by artist/album/track/title.
func (db *Database) GetAllTracks() ([]models.Track, error) {
	rows, err := db.conn.Query(`
		SELECT ` + trackColumns + ` FROM tracks
		ORDER BY artist, album, track_number, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackRows(rows)
}

// GetAlbums lists the albums of the catalogue ordered by artist and title.
func (db *Database) GetAlbums() ([]models.Album, error) {
	rows, err := db.conn.Query(`
		SELECT album_id, album, artist, MAX(year), COUNT(*)
		FROM tracks
		GROUP BY album_id
		ORDER BY artist, album`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var albums []models.Album
	for rows.Next() {
		var a models.Album
		if err := rows.Scan(&a.AlbumID, &a.Title, &a.Artist, &a.Year, &a.TrackCount); err != nil {
			return nil, err
		}
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

// SearchTracks matches query against title, artist and album.
func (db *Database) SearchTracks(query string) ([]models.Track, error) {
	pattern := "%" + query + "%"
	rows, err := db.searchTracksStmt.Query(pattern, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackRows(rows)
}

// FileID returns the stored file id for a path, or "" when the path is not
// catalogued.
func (db *Database) FileID(filePath string) (string, error) {
	var fileID string
	err := db.trackExistsStmt.QueryRow(filePath).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return fileID, err
}

// RemoveTrackByPath deletes the row referencing filePath.
func (db *Database) RemoveTrackByPath(filePath string) error {
	_, err := db.removeTrackStmt.Exec(filePath)
	return err
}

// IncrementPlayCount records one play of a track.
func (db *Database) IncrementPlayCount(trackID string) error {
	_, err := db.incrementPlayStmt.Exec(trackID)
	return err
}

// Count returns the number of catalogued tracks.
func (db *Database) Count() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM tracks`).Scan(&n)
	return n, err
}

// Close releases the prepared statements and the connection pool.
func (db *Database) Close() error {
	stmts := []*sql.Stmt{
		db.upsertTrackStmt, db.getTrackStmt, db.albumTracksStmt, db.trackExistsStmt,
		db.removeTrackStmt, db.searchTracksStmt, db.incrementPlayStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return db.conn.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*models.Track, error) {
	var t models.Track
	var createdAt sql.NullTime
	err := row.Scan(
		&t.TrackID, &t.FileID, &t.AlbumID, &t.CoverID, &t.Title, &t.Artist, &t.Album,
		&t.TrackNumber, &t.Year, &t.DurationMS, &t.Bitrate, &t.FilePath, &t.FileSize,
		&t.PlayCount, &createdAt)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	return &t, nil
}

func scanTrackRows(rows *sql.Rows) ([]models.Track, error) {
	var tracks []models.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, *t)
	}
	return tracks, rows.Err()
}
