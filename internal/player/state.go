package player

import (
	"sync"
	"time"

	"despotify/internal/session"
)

// State is the now-playing view of one session
type State struct {
	Track         *session.Metadata `json:"track,omitempty"`
	IsPlaying     bool              `json:"isPlaying"`
	SessionState  string            `json:"sessionState"`
	CurrentTime   float64           `json:"currentTime"`   // in seconds
	TotalDuration float64           `json:"totalDuration"` // in seconds
	LastError     string            `json:"lastError,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// StateManager folds session events into a State and notifies listeners
type StateManager struct {
	state     *State
	mutex     sync.RWMutex
	listeners []chan *State
}

// NewStateManager creates a new state manager for a fresh session
func NewStateManager() *StateManager {
	return &StateManager{
		state: &State{
			SessionState: session.StateCreated.String(),
			UpdatedAt:    time.Now(),
		},
	}
}

// Attach feeds the manager from s until the returned stop function is
// called or the session logs out.
func (sm *StateManager) Attach(s *session.Session) (stop func()) {
	sm.mutex.Lock()
	sm.state.SessionState = s.State().String()
	sm.mutex.Unlock()
	return s.Observe(sm)
}

// GetState returns a copy of the current state
func (sm *StateManager) GetState() *State {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stateCopy := *sm.state
	return &stateCopy
}

// OnEvent implements session.Observer
func (sm *StateManager) OnEvent(ev session.Event) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	st := sm.state
	switch ev.Type {
	case session.EventLogin:
		st.SessionState = session.StateAuthenticated.String()
		st.LastError = ""

	case session.EventAuthError:
		if ev.Err != nil {
			st.LastError = ev.Err.Error()
		}

	case session.EventTrack:
		meta := ev.Track.Metadata()
		st.Track = &meta
		st.IsPlaying = true
		st.SessionState = session.StatePlaying.String()
		st.CurrentTime = 0
		st.TotalDuration = float64(meta.Length()) / 1000

	case session.EventTimeUpdate:
		// Updates for a track that was already replaced are stale.
		if st.Track == nil || ev.Track == nil || ev.Track.ID() != st.Track.TrackID() {
			return
		}
		st.CurrentTime = ev.Seconds

	case session.EventEndOfPlaylist:
		st.Track = nil
		st.IsPlaying = false
		st.CurrentTime = 0
		st.TotalDuration = 0
		st.SessionState = session.StateIdle.String()

	case session.EventPlaybackError:
		if ev.Err != nil {
			st.LastError = ev.Err.Error()
		}

	default:
		return
	}

	st.UpdatedAt = ev.At
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	sm.notifyListeners()
}

// Subscribe adds a listener for state changes
func (sm *StateManager) Subscribe() <-chan *State {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	ch := make(chan *State, 10)
	sm.listeners = append(sm.listeners, ch)
	return ch
}

// Unsubscribe removes a listener (call this when done to prevent memory leaks)
func (sm *StateManager) Unsubscribe(ch <-chan *State) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for i, listener := range sm.listeners {
		if listener == ch {
			close(listener)
			sm.listeners = append(sm.listeners[:i], sm.listeners[i+1:]...)
			break
		}
	}
}

// notifyListeners sends state updates to all subscribers (must be called
// with lock held). A listener that is full is dropped and closed.
func (sm *StateManager) notifyListeners() {
	stateCopy := *sm.state
	kept := sm.listeners[:0]
	for _, listener := range sm.listeners {
		select {
		case listener <- &stateCopy:
			kept = append(kept, listener)
		default:
			close(listener)
		}
	}
	sm.listeners = kept
}
