package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType identifies a session notification.
type EventType int

const (
	EventLogin EventType = iota + 1
	EventAuthError
	EventTrack
	EventTimeUpdate
	EventEndOfPlaylist
	EventPlaybackError
)

func (t EventType) String() string {
	switch t {
	case EventLogin:
		return "login"
	case EventAuthError:
		return "authError"
	case EventTrack:
		return "track"
	case EventTimeUpdate:
		return "timeUpdate"
	case EventEndOfPlaylist:
		return "endOfPlaylist"
	case EventPlaybackError:
		return "playbackError"
	default:
		return "unknown"
	}
}

// Event is a session notification. Track is set for EventTrack and
// EventTimeUpdate, Seconds for EventTimeUpdate, Err for the error events.
type Event struct {
	Type    EventType
	Track   *Track
	Seconds float64
	Err     error
	At      time.Time
}

// Observer receives session events.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// dispatcher fans events out to buffered subscriber channels. A subscriber
// that falls behind loses events rather than stalling the control loop.
type dispatcher struct {
	mu        sync.Mutex
	listeners []chan Event
	size      int
	closed    bool
	logger    *logrus.Entry
}

func newDispatcher(size int, logger *logrus.Entry) *dispatcher {
	if size <= 0 {
		size = 32
	}
	return &dispatcher{size: size, logger: logger}
}

func (d *dispatcher) subscribe() <-chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan Event, d.size)
	if d.closed {
		close(ch)
		return ch
	}
	d.listeners = append(d.listeners, ch)
	return ch
}

func (d *dispatcher) unsubscribe(ch <-chan Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, listener := range d.listeners {
		if listener == ch {
			close(listener)
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, listener := range d.listeners {
		select {
		case listener <- ev:
		default:
			d.logger.WithField("event", ev.Type.String()).Warn("Subscriber is full, dropping event")
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, listener := range d.listeners {
		close(listener)
	}
	d.listeners = nil
}

// Subscribe returns a channel receiving every later event. It is closed on
// Logout or Unsubscribe.
func (s *Session) Subscribe() <-chan Event {
	return s.events.subscribe()
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Session) Unsubscribe(ch <-chan Event) {
	s.events.unsubscribe(ch)
}

// Observe delivers events to o on its own goroutine until the returned stop
// function is called or the session logs out.
func (s *Session) Observe(o Observer) (stop func()) {
	ch := s.Subscribe()
	go func() {
		for ev := range ch {
			o.OnEvent(ev)
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { s.Unsubscribe(ch) }) }
}

func (s *Session) publish(ev Event) {
	ev.At = time.Now()
	s.events.publish(ev)
}
