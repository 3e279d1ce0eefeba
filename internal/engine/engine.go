// Package engine defines the contract of the native decode engine the
// session layer drives. Implementations own authentication, catalogue
// lookup and decoding; every method on Handle may block and is only ever
// called with at most one call outstanding per handle.
package engine

import (
	"bytes"

	"despotify/internal/pcm"
)

// SignalKind identifies an asynchronous engine signal.
type SignalKind int

const (
	SignalNewTrack SignalKind = iota + 1
	SignalTimeTell
	SignalEndOfPlaylist
	SignalTrackPlayError
)

func (k SignalKind) String() string {
	switch k {
	case SignalNewTrack:
		return "new-track"
	case SignalTimeTell:
		return "time-tell"
	case SignalEndOfPlaylist:
		return "end-of-playlist"
	case SignalTrackPlayError:
		return "track-play-error"
	default:
		return "unknown"
	}
}

// Signal is one asynchronous notification from the engine. Track is set for
// SignalNewTrack, Seconds for SignalTimeTell.
type Signal struct {
	Kind    SignalKind
	Track   *Record
	Seconds float64
}

// Callback receives signals. The engine may invoke it from any goroutine and
// expects it to return without blocking.
type Callback func(h Handle, sig Signal)

// Status is the result of a PCM pull. Zero means success.
type Status int

const StatusOK Status = 0

// Link is a resolved track reference. It is only meaningful to the engine
// that produced it.
type Link struct {
	URI  string
	Kind string
	ID   string
}

// Record mirrors the engine's native track record. Text fields are fixed
// size, NUL padded character arrays.
type Record struct {
	HasMetaData   bool
	Playable      bool
	GeoRestricted bool
	TrackID       [33]byte
	FileID        [41]byte
	FileBitrate   uint32
	AlbumID       [33]byte
	CoverID       [41]byte
	Key           []byte
	Allowed       [256]byte
	Forbidden     [256]byte
	Title         [256]byte
	Artist        [256]byte
	Album         [256]byte
	Length        int32 // milliseconds
	TrackNumber   int32
	Year          int32
	Popularity    float32
}

// SetText copies s into a fixed char array, truncating and NUL terminating.
func SetText(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	if len(dst) == 0 {
		return
	}
	copy(dst[:len(dst)-1], s)
}

// Text returns the bytes of a fixed char array up to the first NUL.
func Text(src []byte) []byte {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return src[:i]
	}
	return src
}

// Engine creates session handles and resolves URIs. ResolveURI does not need
// a handle and is called synchronously.
type Engine interface {
	NewSession(cb Callback, highBitrate, useCache bool) (Handle, error)
	ResolveURI(uri string) (*Link, error)
}

// Handle is one native session. Methods block; callers guarantee at most one
// outstanding call per handle, except LastError which must be safe to call
// at any time and must not block.
type Handle interface {
	Authenticate(username, password string) bool
	LookupTrack(link *Link) (*Record, error)
	Play(rec *Record, playAsList bool) bool
	Next() bool
	Stop() bool
	PullPCM(chunk *pcm.Chunk) Status
	LastError() string
	Close() error
}
