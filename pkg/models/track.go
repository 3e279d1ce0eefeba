package models

import "time"

// Track represents a catalogued audio file in the local library
type Track struct {
	TrackID     string    `json:"trackId"` // 32 hex chars, stable for a file path
	FileID      string    `json:"fileId"`  // 40 hex chars, changes when the file changes
	AlbumID     string    `json:"albumId"`
	CoverID     string    `json:"coverId,omitempty"` // md5 of embedded cover art
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	Album       string    `json:"album"`
	TrackNumber int       `json:"trackNumber"`
	Year        int       `json:"year,omitempty"`
	DurationMS  int       `json:"durationMs"`
	Bitrate     int       `json:"bitrate"` // bits per second
	FilePath    string    `json:"-"`       // don't expose file path to client
	FileSize    int64     `json:"fileSize"`
	PlayCount   int       `json:"playCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// URI returns the track URI understood by the library engine
func (t Track) URI() string {
	return "spotify:track:" + t.TrackID
}

// AlbumURI returns the URI of the track's album
func (t Track) AlbumURI() string {
	return "spotify:album:" + t.AlbumID
}

// Album summarizes one album of the catalogue
type Album struct {
	AlbumID    string `json:"albumId"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Year       int    `json:"year,omitempty"`
	TrackCount int    `json:"trackCount"`
}

// URI returns the album URI understood by the library engine
func (a Album) URI() string {
	return "spotify:album:" + a.AlbumID
}
