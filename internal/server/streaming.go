package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"despotify/internal/pcm"
)

const (
	// Buffer size for streaming (64KB)
	streamBufferSize = 64 * 1024
)

// handleStream serves the session's audio as an open-ended WAV stream. The
// response follows the session across tracks and ends at the end of the
// playlist or on logout. A client connecting before playback starts waits
// for the first track.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	logger := s.logger.WithField("session", id)

	audio := sess.Audio(r.Context())
	flusher, _ := w.(http.Flusher)

	var headerErr error
	var streamFormat *pcm.Format
	audio.OnFormat(func(f pcm.Format) {
		if streamFormat != nil {
			// A WAV header cannot change mid-stream.
			logger.WithFields(logrus.Fields{
				"from": streamFormat.String(),
				"to":   f.String(),
			}).Warn("Stream format changed")
			return
		}
		streamFormat = &f
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-cache")
		headerErr = pcm.WriteStreamHeader(w, f)
	})

	buffer := make([]byte, streamBufferSize)
	var written int64
	for {
		n, err := audio.Read(buffer)
		if headerErr != nil {
			logger.WithError(headerErr).Debug("Stream header write failed")
			return
		}
		if n > 0 {
			if _, werr := w.Write(buffer[:n]); werr != nil {
				logger.WithError(werr).Debug("Stream client went away")
				return
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			logger.WithField("bytes", written).Debug("Stream finished")
			if streamFormat == nil {
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
		if streamFormat == nil {
			s.respondWithSessionError(w, r, "Stream", err)
			return
		}
		// Headers are already sent; the client sees a truncated stream.
		logger.WithError(err).Warn("Stream ended with error")
		return
	}
}
