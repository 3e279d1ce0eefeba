package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"despotify/internal/library"
	"despotify/pkg/models"
)

// trackResponse adds the playable link to a catalogue entry
type trackResponse struct {
	models.Track
	URI      string `json:"uri"`
	AlbumURI string `json:"albumUri"`
}

func trackResponses(tracks []models.Track) []trackResponse {
	out := make([]trackResponse, len(tracks))
	for i, t := range tracks {
		out[i] = trackResponse{Track: t, URI: t.URI(), AlbumURI: t.AlbumURI()}
	}
	return out
}

// handleGetTracks returns the catalogue, optionally filtered by ?search=
func (s *Server) handleGetTracks(w http.ResponseWriter, r *http.Request) {
	query := sanitizeInput(r.URL.Query().Get("search"))
	if verr := validateSearchQuery(query); verr != nil {
		s.respondWithValidationError(w, r, *verr)
		return
	}

	var tracks []models.Track
	var err error
	if query != "" {
		tracks, err = s.db.SearchTracks(query)
	} else {
		tracks, err = s.db.GetAllTracks()
	}
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving tracks", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, trackResponses(tracks))
}

// handleGetTrack returns one catalogue entry
func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	track, err := s.db.GetTrack(mux.Vars(r)["id"])
	if errors.Is(err, library.ErrNotFound) {
		s.respondWithError(w, r, http.StatusNotFound, "Track not found", nil)
		return
	}
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving track", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, trackResponses([]models.Track{*track})[0])
}

// handleGetAlbums returns every album with its link
func (s *Server) handleGetAlbums(w http.ResponseWriter, r *http.Request) {
	albums, err := s.db.GetAlbums()
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving albums", err)
		return
	}

	type albumResponse struct {
		models.Album
		URI string `json:"uri"`
	}
	out := make([]albumResponse, len(albums))
	for i, a := range albums {
		out[i] = albumResponse{Album: a, URI: a.URI()}
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, out)
}

// handleGetAlbumTracks returns an album's tracks in play order
func (s *Server) handleGetAlbumTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.db.AlbumTracks(mux.Vars(r)["id"])
	if errors.Is(err, library.ErrNotFound) {
		s.respondWithError(w, r, http.StatusNotFound, "Album not found", nil)
		return
	}
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving album", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, trackResponses(tracks))
}

// handleScanLibrary rescans the library directory
func (s *Server) handleScanLibrary(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Library scanning is not available", nil)
		return
	}

	result, err := s.scanner.Scan(r.Context(), s.config.Library.Path)
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Library scan failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, result)
}
