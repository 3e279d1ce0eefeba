// Package session drives one engine handle per client: authentication,
// playback control and the PCM streams of the tracks it plays. All state is
// owned by the shared control loop; engine calls run on the worker pool with
// at most one call in flight per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"despotify/internal/bridge"
	"despotify/internal/engine"
	"despotify/internal/pcm"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateCreated State = iota
	StateAuthenticating
	StateAuthenticated
	StatePlaying
	StateIdle
	StateError
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StatePlaying:
		return "playing"
	case StateIdle:
		return "idle"
	case StateError:
		return "error"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Options configure a session. They are fixed for its lifetime.
type Options struct {
	HighBitrate bool
	UseCache    bool
	ChunkSize   int
	EventBuffer int
	Logger      *logrus.Entry
}

var (
	errCallSkipped = errors.New("call skipped")
	errPlayRefused = errors.New("engine refused playback")
)

// call is one queued engine call. run executes on a worker, done on the
// loop. valid, when set, is checked at dispatch; a call that is no longer
// valid completes with errCallSkipped without reaching the engine.
type call struct {
	name  string
	run   func(h engine.Handle) error
	done  func(err error)
	valid func() bool
}

// pullResult is the loop side outcome of one PCM pull.
type pullResult struct {
	data   []byte
	format pcm.Format
	err    error
}

// Session owns one engine handle.
type Session struct {
	loop   *bridge.Loop
	pool   *bridge.Pool
	bridge *bridge.Bridge
	engine engine.Engine
	opts   Options
	logger *logrus.Entry
	events *dispatcher

	stateView   atomic.Int32
	currentView atomic.Pointer[Track]
	handleDone  chan struct{}

	// Everything below is owned by the loop.
	handle         engine.Handle
	state          State
	failed         bool
	current        *Track
	trackSeq       uint64
	callSeq        uint64
	calls          []*call
	inFlight       bool
	closePending   bool
	authenticating bool

	priming      bool
	primeChunk   *pcm.Chunk
	primePending bool
	primed       *pullResult
	primeOwner   *Track

	parked       []*Track
	trackWaiters []chan struct{}
}

// New creates a session and its engine handle.
func New(ctx context.Context, eng engine.Engine, loop *bridge.Loop, pool *bridge.Pool, opts Options) (*Session, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = pcm.DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		loop:       loop,
		pool:       pool,
		engine:     eng,
		opts:       opts,
		logger:     logger,
		events:     newDispatcher(opts.EventBuffer, logger),
		handleDone: make(chan struct{}),
		primeChunk: pcm.NewChunk(opts.ChunkSize),
	}
	s.bridge = bridge.New(loop, s.handleSignal, logger)

	h, err := eng.NewSession(s.bridge.Callback(), opts.HighBitrate, opts.UseCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine session: %w", err)
	}
	if err := s.onLoop(ctx, func() error {
		s.handle = h
		s.bridge.Bind(h)
		return nil
	}); err != nil {
		h.Close()
		return nil, err
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.stateView.Load())
}

// CurrentTrack returns the track being played, or nil.
func (s *Session) CurrentTrack() *Track {
	return s.currentView.Load()
}

// Closed is closed once the engine handle has been shut down after Logout.
func (s *Session) Closed() <-chan struct{} {
	return s.handleDone
}

// Authenticate logs in. A false result from the engine is reported as an
// *AuthenticationError and the previous state is kept.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	result := make(chan error, 1)
	err := s.onLoop(ctx, func() error {
		if err := s.usable(); err != nil {
			return err
		}
		if s.authenticating {
			return ErrAuthInProgress
		}
		if s.state != StateCreated && s.state != StateAuthenticated {
			return fmt.Errorf("%w: cannot authenticate while %s", ErrInvalidState, s.state)
		}

		prev := s.state
		s.authenticating = true
		s.setState(StateAuthenticating)
		s.enqueue(&call{
			name: "authenticate",
			run: func(h engine.Handle) error {
				if !h.Authenticate(username, password) {
					return &AuthenticationError{Username: username}
				}
				return nil
			},
			done: func(err error) {
				s.authenticating = false
				if s.state == StateAuthenticating {
					if err == nil {
						s.setState(StateAuthenticated)
					} else {
						s.setState(prev)
					}
				}
				if err == nil {
					s.logger.WithField("username", username).Info("Authenticated")
					s.publish(Event{Type: EventLogin})
				} else {
					s.logger.WithError(err).Warn("Authentication failed")
					s.publish(Event{Type: EventAuthError, Err: err})
				}
				result <- err
			},
		})
		return nil
	})
	if err != nil {
		return err
	}
	return wait(ctx, result)
}

// Play resolves uri and begins playback. The session is Playing once the
// engine signals the new track; until then it primes the decode stream.
func (s *Session) Play(ctx context.Context, uri string, playAsList bool) error {
	link, resolveErr := s.engine.ResolveURI(uri)

	result := make(chan error, 1)
	err := s.onLoop(ctx, func() error {
		if err := s.usable(); err != nil {
			return err
		}
		switch s.state {
		case StateAuthenticated, StateIdle, StatePlaying, StateError:
		default:
			return fmt.Errorf("%w: cannot play while %s", ErrInvalidState, s.state)
		}
		if resolveErr != nil {
			perr := &PlaybackStartError{URI: uri, Err: resolveErr}
			s.publish(Event{Type: EventPlaybackError, Err: perr})
			return perr
		}

		s.enqueue(&call{
			name: "play",
			run: func(h engine.Handle) error {
				rec, err := h.LookupTrack(link)
				if err != nil {
					return err
				}
				if !h.Play(rec, playAsList) {
					return errPlayRefused
				}
				return nil
			},
			done: func(err error) {
				if err != nil {
					perr := &PlaybackStartError{URI: uri, Err: err}
					s.logger.WithError(err).WithField("uri", uri).Warn("Playback did not start")
					s.publish(Event{Type: EventPlaybackError, Err: perr})
					result <- perr
					return
				}
				s.logger.WithField("uri", uri).Debug("Playback started")
				// The new-track signal may already have been handled if the
				// engine emitted it from inside Play.
				if s.trackSeq == s.callSeq {
					s.startPriming()
				}
				result <- nil
			},
		})
		return nil
	})
	if err != nil {
		return err
	}
	return wait(ctx, result)
}

// Next asks the engine to advance. The current track changes only when the
// engine signals it.
func (s *Session) Next(ctx context.Context) error {
	return s.control(ctx, "next", func(h engine.Handle) bool { return h.Next() })
}

// Stop asks the engine to stop. The current track ends when the engine
// signals end of playlist.
func (s *Session) Stop(ctx context.Context) error {
	return s.control(ctx, "stop", func(h engine.Handle) bool { return h.Stop() })
}

func (s *Session) control(ctx context.Context, name string, fn func(engine.Handle) bool) error {
	result := make(chan error, 1)
	err := s.onLoop(ctx, func() error {
		if err := s.usable(); err != nil {
			return err
		}
		if s.state != StatePlaying && s.state != StateError {
			return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, name, s.state)
		}
		s.enqueue(&call{
			name: name,
			run: func(h engine.Handle) error {
				if !fn(h) {
					return fmt.Errorf("engine refused %s", name)
				}
				return nil
			},
			done: func(err error) { result <- err },
		})
		return nil
	})
	if err != nil {
		return err
	}
	return wait(ctx, result)
}

// Logout ends the session. Pending calls fail with ErrLoggedOut, the
// current track is superseded and subscriptions are closed. The handle is
// shut down once any in-flight call has returned.
func (s *Session) Logout(ctx context.Context) error {
	return s.onLoop(ctx, func() error {
		if s.state == StateLoggedOut {
			return nil
		}
		s.setState(StateLoggedOut)
		s.bridge.Unbind()
		s.stopPriming()
		if t := s.current; t != nil {
			t.finish(StreamSuperseded, io.EOF)
			s.setCurrent(nil)
		}
		s.drain(ErrLoggedOut)
		s.unpark()
		s.wakeTrackWaiters()
		s.events.close()

		if s.inFlight {
			s.closePending = true
		} else {
			s.closeHandle()
		}
		s.logger.Info("Logged out")
		return nil
	})
}

func (s *Session) closeHandle() {
	h := s.handle
	s.pool.Go(context.Background(), func() error {
		return h.Close()
	}, func(err error) {
		if err != nil {
			s.logger.WithError(err).Warn("Failed to close engine handle")
		}
		close(s.handleDone)
	})
}

// usable rejects operations on logged out or failed sessions. Loop only.
func (s *Session) usable() error {
	if s.state == StateLoggedOut {
		return ErrLoggedOut
	}
	if s.failed {
		return ErrHandleFailed
	}
	return nil
}

func (s *Session) setState(st State) {
	if s.state != st {
		s.logger.WithFields(logrus.Fields{"from": s.state.String(), "to": st.String()}).Debug("Session state changed")
	}
	s.state = st
	s.stateView.Store(int32(st))
}

func (s *Session) setCurrent(t *Track) {
	s.current = t
	s.currentView.Store(t)
}

// onLoop runs fn on the control loop and returns its error.
func (s *Session) onLoop(ctx context.Context, fn func() error) error {
	var err error
	if callErr := s.loop.Call(ctx, func() { err = fn() }); callErr != nil {
		if errors.Is(callErr, bridge.ErrLoopClosed) {
			return ErrClosed
		}
		return callErr
	}
	return err
}

func wait(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue adds a call to the session queue. Loop only.
func (s *Session) enqueue(c *call) {
	if err := s.usable(); err != nil {
		c.done(err)
		return
	}
	s.calls = append(s.calls, c)
	s.dispatch()
}

func (s *Session) dispatch() {
	for !s.inFlight && len(s.calls) > 0 {
		c := s.calls[0]
		s.calls = s.calls[1:]
		if c.valid != nil && !c.valid() {
			c.done(errCallSkipped)
			continue
		}

		s.inFlight = true
		s.callSeq = s.trackSeq
		h := s.handle
		s.logger.WithField("call", c.name).Trace("Dispatching engine call")
		s.pool.Go(context.Background(), func() error {
			return c.run(h)
		}, func(err error) {
			s.completed(c, err)
		})
	}
}

func (s *Session) completed(c *call, err error) {
	s.inFlight = false

	var pe *bridge.PanicError
	if errors.As(err, &pe) {
		s.fail(c.name, pe)
		err = fmt.Errorf("%w: %v", ErrHandleFailed, pe.Value)
	}
	c.done(err)

	if s.closePending {
		s.closePending = false
		s.closeHandle()
		return
	}
	s.dispatch()
}

// drain fails every queued call with err.
func (s *Session) drain(err error) {
	calls := s.calls
	s.calls = nil
	for _, c := range calls {
		c.done(err)
	}
}

// fail marks the handle unusable after an engine call panicked. Only Logout
// is accepted afterwards.
func (s *Session) fail(name string, pe *bridge.PanicError) {
	s.logger.WithError(pe).WithField("call", name).Error("Engine call crashed, handle marked failed")
	s.failed = true
	s.setState(StateError)
	s.stopPriming()
	if t := s.current; t != nil {
		t.finish(StreamErrored, ErrHandleFailed)
		s.setCurrent(nil)
	}
	s.drain(ErrHandleFailed)
	s.unpark()
	s.wakeTrackWaiters()
	s.publish(Event{Type: EventPlaybackError, Err: ErrHandleFailed})
}

// handleSignal runs on the loop for signals carrying this session's handle.
func (s *Session) handleSignal(sig engine.Signal) {
	if s.state == StateLoggedOut || s.failed {
		return
	}
	log := s.logger.WithField("signal", sig.Kind.String())

	switch sig.Kind {
	case engine.SignalNewTrack:
		t := newTrack(s, sig.Track)
		if old := s.current; old != nil {
			old.finish(StreamSuperseded, io.EOF)
		}
		s.setCurrent(t)
		s.trackSeq++
		s.handOff(t)
		s.setState(StatePlaying)
		log.WithFields(logrus.Fields{"track": t.ID(), "title": t.Metadata().Title()}).Info("Now playing")
		s.publish(Event{Type: EventTrack, Track: t})
		s.unpark()
		s.wakeTrackWaiters()

	case engine.SignalTimeTell:
		t := s.current
		if t == nil {
			log.Debug("Time update without a current track")
			return
		}
		t.setElapsed(sig.Seconds)
		s.publish(Event{Type: EventTimeUpdate, Track: t, Seconds: sig.Seconds})

	case engine.SignalEndOfPlaylist:
		s.stopPriming()
		if t := s.current; t != nil {
			t.markEnded()
			s.setCurrent(nil)
		}
		if s.state == StatePlaying || s.state == StateError {
			s.setState(StateIdle)
		}
		log.Info("End of playlist")
		s.publish(Event{Type: EventEndOfPlaylist})
		s.unpark()
		s.wakeTrackWaiters()

	case engine.SignalTrackPlayError:
		detail := s.handle.LastError()
		log.WithField("detail", detail).Warn("Playback error")
		s.publish(Event{Type: EventPlaybackError, Err: &PlaybackError{Detail: detail}})

	default:
		log.Warn("Ignoring unknown engine signal")
	}
}

// trackFailed clears a track that hit a decode error. A playing session
// moves to the recoverable Error state.
func (s *Session) trackFailed(t *Track, err error) {
	s.logger.WithError(err).WithField("track", t.ID()).Warn("Track stream failed")
	if s.current != t {
		return
	}
	s.setCurrent(nil)
	if s.state == StatePlaying {
		s.setState(StateError)
	}
}

func (s *Session) decodeError(err error) error {
	var de *DecodeError
	if errors.As(err, &de) && de.Detail == "" {
		de.Detail = s.handle.LastError()
	}
	return err
}

// pullInto is the worker side of a PCM pull.
func pullInto(h engine.Handle, chunk *pcm.Chunk) error {
	chunk.Reset()
	if status := h.PullPCM(chunk); status != engine.StatusOK {
		return &DecodeError{Status: status}
	}
	return nil
}

// startPriming begins pulling ahead of the new-track signal so no audio
// decoded before it arrives is lost.
func (s *Session) startPriming() {
	s.priming = true
	s.primed = nil
	s.prime()
}

func (s *Session) prime() {
	if !s.priming || s.primePending || s.primed != nil {
		return
	}
	s.primePending = true
	chunk := s.primeChunk
	s.enqueue(&call{
		name:  "prime",
		run:   func(h engine.Handle) error { return pullInto(h, chunk) },
		done:  s.primeDone,
		valid: func() bool { return s.priming },
	})
}

func (s *Session) primeDone(err error) {
	s.primePending = false

	var res *pullResult
	switch {
	case errors.Is(err, errCallSkipped), errors.Is(err, ErrLoggedOut), errors.Is(err, ErrHandleFailed):
	case err != nil:
		res = &pullResult{err: s.decodeError(err)}
	case s.primeChunk.Len() > 0:
		res = &pullResult{data: s.primeChunk.Copy(), format: s.primeChunk.Format()}
	}

	if s.priming {
		if res == nil {
			s.prime()
			return
		}
		s.primed = res
		return
	}
	if t := s.primeOwner; t != nil {
		s.primeOwner = nil
		t.waitingPrime = false
		if res != nil && s.current == t {
			t.handoff = res
		}
		s.unpark()
	}
}

// handOff gives a new track whatever priming fetched for it.
func (s *Session) handOff(t *Track) {
	if !s.priming {
		return
	}
	s.priming = false
	switch {
	case s.primed != nil:
		t.handoff = s.primed
		s.primed = nil
	case s.primePending:
		s.primeOwner = t
		t.waitingPrime = true
	}
}

func (s *Session) stopPriming() {
	s.priming = false
	s.primed = nil
	if t := s.primeOwner; t != nil {
		t.waitingPrime = false
		s.primeOwner = nil
	}
}

// unpark retries reads that were waiting on priming.
func (s *Session) unpark() {
	parked := s.parked
	s.parked = nil
	for _, t := range parked {
		t.advance()
	}
}

func (s *Session) wakeTrackWaiters() {
	for _, ch := range s.trackWaiters {
		close(ch)
	}
	s.trackWaiters = nil
}

// nextTrack waits for a current track other than after.
func (s *Session) nextTrack(ctx context.Context, after *Track) (*Track, error) {
	for {
		var t *Track
		var wake chan struct{}
		err := s.onLoop(ctx, func() error {
			if err := s.usable(); err != nil {
				return err
			}
			if s.current != nil && s.current != after {
				t = s.current
				return nil
			}
			wake = make(chan struct{})
			s.trackWaiters = append(s.trackWaiters, wake)
			return nil
		})
		if err != nil || t != nil {
			return t, err
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
