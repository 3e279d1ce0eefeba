package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"despotify/internal/session"
)

const eventWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventMessage is the websocket form of a session event
type eventMessage struct {
	Type    string            `json:"type"`
	Track   *session.Metadata `json:"track,omitempty"`
	Seconds float64           `json:"seconds,omitempty"`
	Error   string            `json:"error,omitempty"`
	At      time.Time         `json:"at"`
}

func newEventMessage(ev session.Event) eventMessage {
	msg := eventMessage{
		Type:    ev.Type.String(),
		Seconds: ev.Seconds,
		At:      ev.At,
	}
	if ev.Track != nil {
		meta := ev.Track.Metadata()
		msg.Track = &meta
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

// handleGetPlayerState returns the now-playing state of a session
func (s *Server) handleGetPlayerState(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	sm, ok := s.stateManager(id)
	if !ok {
		s.respondWithError(w, r, http.StatusNotFound, "Session state not available", nil)
		return
	}

	state := sm.GetState()
	// Error and in-progress states are not announced by events.
	state.SessionState = sess.State().String()
	if t := sess.CurrentTrack(); t != nil && state.Track != nil && t.ID() == state.Track.TrackID() {
		state.CurrentTime = t.Elapsed()
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, state)
}

// handleEvents forwards session events over a websocket until the client
// goes away or the session logs out.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	// Subscribe first so no event is lost while the upgrade completes.
	events := sess.Subscribe()
	defer sess.Unsubscribe(events)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	logger := s.logger.WithField("session", id)

	// The read side only watches for the client closing the socket.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session logged out"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(newEventMessage(ev)); err != nil {
				logger.WithError(err).Debug("Event socket write failed")
				return
			}
		case <-gone:
			logger.Debug("Event socket closed by client")
			return
		}
	}
}
