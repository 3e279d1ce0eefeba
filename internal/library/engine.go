// Package library implements the decode engine over a local music library:
// a sqlite catalogue of FLAC, MP3 and WAV files addressed by spotify style
// URIs, with accounts kept in a TOML users file.
package library

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"despotify/internal/cache"
	"despotify/internal/engine"
	"despotify/internal/pcm"
	"despotify/pkg/models"
)

// Non-OK pull statuses.
const (
	StatusNoTrack      engine.Status = -1
	StatusClosed       engine.Status = -2
	StatusDecodeFailed engine.Status = -3
)

var errNotLoggedIn = errors.New("not logged in")

// Authenticator checks library credentials.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// Engine serves tracks of the catalogue to engine sessions.
type Engine struct {
	db      *Database
	users   Authenticator
	records *cache.RecordCache
	logger  *logrus.Logger
}

// NewEngine creates an engine. records may be nil, which disables caching
// for every session.
func NewEngine(db *Database, users Authenticator, records *cache.RecordCache, logger *logrus.Logger) *Engine {
	return &Engine{
		db:      db,
		users:   users,
		records: records,
		logger:  logger,
	}
}

// ResolveURI parses spotify:track:<id> and spotify:album:<id> where id is
// 32 hex characters.
func (e *Engine) ResolveURI(uri string) (*engine.Link, error) {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 || parts[0] != "spotify" {
		return nil, fmt.Errorf("malformed uri %q", uri)
	}
	kind, id := parts[1], strings.ToLower(parts[2])
	if kind != "track" && kind != "album" {
		return nil, fmt.Errorf("unsupported link kind %q", kind)
	}
	if _, err := hex.DecodeString(id); err != nil || len(id) != 32 {
		return nil, fmt.Errorf("invalid %s id %q", kind, parts[2])
	}
	return &engine.Link{URI: uri, Kind: kind, ID: id}, nil
}

// NewSession creates a handle. Signals are delivered through cb from the
// goroutine running the handle method that caused them.
func (e *Engine) NewSession(cb engine.Callback, highBitrate, useCache bool) (engine.Handle, error) {
	if cb == nil {
		return nil, errors.New("callback is required")
	}
	return &handle{
		engine:      e,
		cb:          cb,
		highBitrate: highBitrate,
		useCache:    useCache && e.records != nil,
		logger:      e.logger.WithField("component", "library"),
	}, nil
}

// newRecord fills the engine record for a catalogue row.
func newRecord(t *models.Track) *engine.Record {
	rec := &engine.Record{
		HasMetaData: true,
		Playable:    true,
		FileBitrate: uint32(t.Bitrate),
		Length:      int32(t.DurationMS),
		TrackNumber: int32(t.TrackNumber),
		Year:        int32(t.Year),
		Popularity:  float32(t.PlayCount) / float32(t.PlayCount+10),
	}
	engine.SetText(rec.TrackID[:], t.TrackID)
	engine.SetText(rec.FileID[:], t.FileID)
	engine.SetText(rec.AlbumID[:], t.AlbumID)
	engine.SetText(rec.CoverID[:], t.CoverID)
	engine.SetText(rec.Title[:], t.Title)
	engine.SetText(rec.Artist[:], t.Artist)
	engine.SetText(rec.Album[:], t.Album)
	return rec
}

type handle struct {
	engine      *Engine
	cb          engine.Callback
	highBitrate bool
	useCache    bool
	logger      *logrus.Entry

	mu       sync.Mutex
	username string
	queue    []string
	pos      int
	dec      *Decoder
	told     int // whole seconds of the current track already signaled
	lastErr  string
	closed   bool
}

// emit delivers signals collected while holding the lock.
func (h *handle) emit(sigs []engine.Signal) {
	for _, sig := range sigs {
		h.cb(h, sig)
	}
}

func (h *handle) Authenticate(username, password string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.engine.users == nil || !h.engine.users.Authenticate(username, password) {
		h.lastErr = fmt.Sprintf("authentication failed for %s", username)
		return false
	}
	h.username = username
	return true
}

func (h *handle) LookupTrack(link *engine.Link) (*engine.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.username == "" {
		return nil, errNotLoggedIn
	}

	switch link.Kind {
	case "track":
		return h.record(link.ID)
	case "album":
		ids, err := h.albumTracks(link.ID)
		if err != nil {
			return nil, err
		}
		return h.record(ids[0])
	default:
		return nil, fmt.Errorf("unsupported link kind %q", link.Kind)
	}
}

// record returns the engine record of a track, from the cache when enabled.
func (h *handle) record(trackID string) (*engine.Record, error) {
	rc := h.engine.records
	if h.useCache {
		if rec, ok := rc.Record(trackID); ok {
			return rec, nil
		}
	}
	t, err := h.engine.db.GetTrack(trackID)
	if err != nil {
		return nil, err
	}
	rec := newRecord(t)
	if h.useCache {
		rc.SetRecord(trackID, rec)
	}
	return rec, nil
}

func (h *handle) albumTracks(albumID string) ([]string, error) {
	rc := h.engine.records
	if h.useCache {
		if ids, ok := rc.Album(albumID); ok {
			return ids, nil
		}
	}
	tracks, err := h.engine.db.AlbumTracks(albumID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.TrackID
	}
	if h.useCache {
		rc.SetAlbum(albumID, ids)
	}
	return ids, nil
}

// Play replaces the queue with rec, followed by the rest of its album when
// playAsList is set. It reports false when no queued track could be opened.
func (h *handle) Play(rec *engine.Record, playAsList bool) bool {
	var sigs []engine.Signal
	defer func() { h.emit(sigs) }()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.username == "" || rec == nil {
		return false
	}

	trackID := string(engine.Text(rec.TrackID[:]))
	queue := []string{trackID}
	if playAsList {
		albumID := string(engine.Text(rec.AlbumID[:]))
		if ids, err := h.albumTracks(albumID); err == nil {
			for i, id := range ids {
				if id == trackID {
					queue = ids[i:]
					break
				}
			}
		} else {
			h.logger.WithError(err).WithField("album", albumID).Warn("Failed to queue album, playing single track")
		}
	}

	h.closeDecoder()
	h.queue = queue
	h.pos = 0
	return h.start(&sigs)
}

// start opens the queued track at pos, skipping tracks that fail with a
// play error signal each. Called with the lock held.
func (h *handle) start(sigs *[]engine.Signal) bool {
	for h.pos < len(h.queue) {
		id := h.queue[h.pos]
		t, err := h.engine.db.GetTrack(id)
		var dec *Decoder
		if err == nil {
			dec, err = OpenDecoder(t.FilePath, h.highBitrate)
		}
		if err != nil {
			h.lastErr = fmt.Sprintf("cannot play track %s: %v", id, err)
			h.logger.WithError(err).WithField("track", id).Warn("Skipping unplayable track")
			*sigs = append(*sigs, engine.Signal{Kind: engine.SignalTrackPlayError})
			h.pos++
			continue
		}

		h.dec = dec
		h.told = 0
		if err := h.engine.db.IncrementPlayCount(id); err != nil {
			h.logger.WithError(err).WithField("track", id).Warn("Failed to record play")
		}
		h.logger.WithFields(logrus.Fields{
			"track":  id,
			"title":  t.Title,
			"format": dec.Format().String(),
		}).Debug("Opened track")
		*sigs = append(*sigs, engine.Signal{Kind: engine.SignalNewTrack, Track: newRecord(t)})
		return true
	}
	h.queue = nil
	h.pos = 0
	return false
}

// advance moves to the next queued track, ending the playlist when none is
// left. Called with the lock held.
func (h *handle) advance(sigs *[]engine.Signal) {
	h.closeDecoder()
	if len(h.queue) == 0 {
		*sigs = append(*sigs, engine.Signal{Kind: engine.SignalEndOfPlaylist})
		return
	}
	h.pos++
	if !h.start(sigs) {
		*sigs = append(*sigs, engine.Signal{Kind: engine.SignalEndOfPlaylist})
	}
}

func (h *handle) Next() bool {
	var sigs []engine.Signal
	defer func() { h.emit(sigs) }()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.username == "" {
		return false
	}
	h.advance(&sigs)
	return true
}

func (h *handle) Stop() bool {
	var sigs []engine.Signal
	defer func() { h.emit(sigs) }()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.username == "" {
		return false
	}
	h.closeDecoder()
	h.queue = nil
	h.pos = 0
	sigs = append(sigs, engine.Signal{Kind: engine.SignalEndOfPlaylist})
	return true
}

// PullPCM decodes the next chunk of the current track. When the track is
// exhausted the chunk comes back empty and the next track, or the end of
// the playlist, is signaled.
func (h *handle) PullPCM(chunk *pcm.Chunk) engine.Status {
	var sigs []engine.Signal
	defer func() { h.emit(sigs) }()

	h.mu.Lock()
	defer h.mu.Unlock()
	chunk.Reset()
	if h.closed {
		return StatusClosed
	}
	if h.dec == nil {
		h.lastErr = "no track loaded"
		return StatusNoTrack
	}

	format := h.dec.Format()
	n, err := h.dec.Read(chunk.Buffer())
	switch {
	case errors.Is(err, io.EOF):
		chunk.Fill(0, format.Channels, format.SampleRate)
		h.advance(&sigs)
		return engine.StatusOK
	case err != nil:
		h.lastErr = fmt.Sprintf("decode failed: %v", err)
		h.closeDecoder()
		return StatusDecodeFailed
	}

	chunk.Fill(n, format.Channels, format.SampleRate)
	pos := h.dec.Position()
	if secs := int(pos / time.Second); secs > h.told {
		h.told = secs
		sigs = append(sigs, engine.Signal{Kind: engine.SignalTimeTell, Seconds: pos.Seconds()})
	}
	return engine.StatusOK
}

func (h *handle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.queue = nil
	return h.closeDecoder()
}

func (h *handle) closeDecoder() error {
	if h.dec == nil {
		return nil
	}
	err := h.dec.Close()
	h.dec = nil
	return err
}
