package session

import (
	"io"
	"sync"
	"time"

	"despotify/internal/engine"
	"despotify/internal/pcm"
)

// StreamState is the state of a track's PCM stream. It only moves forward.
type StreamState int32

const (
	StreamPending StreamState = iota
	StreamStreaming
	StreamEnded
	StreamErrored
	StreamSuperseded
)

func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamStreaming:
		return "streaming"
	case StreamEnded:
		return "ended"
	case StreamErrored:
		return "errored"
	case StreamSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stream can deliver no more data.
func (s StreamState) Terminal() bool {
	return s == StreamEnded || s == StreamErrored || s == StreamSuperseded
}

// delivery is the reply to one read request.
type delivery struct {
	data   []byte
	format *pcm.Format // set on the first data delivery only
	err    error
}

// Track is one item played by a session. Its Read method streams s16le PCM
// pulled from the engine on demand.
type Track struct {
	session   *Session
	id        string
	meta      Metadata
	createdAt time.Time

	mu        sync.Mutex // guards the fields below for readers off the loop
	state     StreamState
	format    pcm.Format
	hasFormat bool
	elapsed   float64
	termErr   error

	// Loop only.
	chunk        *pcm.Chunk
	ended        bool
	pulling      bool
	reply        chan<- delivery
	handoff      *pullResult
	waitingPrime bool

	// Reader side, guarded by readMu.
	readMu   sync.Mutex
	buf      []byte
	rerr     error
	onFormat func(pcm.Format)
}

func newTrack(s *Session, rec *engine.Record) *Track {
	meta := newMetadata(rec)
	return &Track{
		session:   s,
		id:        meta.TrackID(),
		meta:      meta,
		createdAt: time.Now(),
		chunk:     pcm.NewChunk(s.opts.ChunkSize),
	}
}

// ID returns the engine track id.
func (t *Track) ID() string { return t.id }

// Metadata returns the snapshot taken when the track started.
func (t *Track) Metadata() Metadata { return t.meta }

// StreamState returns the current stream state.
func (t *Track) StreamState() StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Format returns the negotiated PCM format once the first data is known.
func (t *Track) Format() (pcm.Format, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.format, t.hasFormat
}

// Elapsed returns the last reported play position in seconds.
func (t *Track) Elapsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Err returns the error the stream terminated with, if any. A stream that
// ended or was superseded reports nil.
func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.termErr == io.EOF {
		return nil
	}
	return t.termErr
}

// OnFormat registers fn to be called once with the stream format, before
// the first bytes are returned by Read. It must be set before reading.
func (t *Track) OnFormat(fn func(pcm.Format)) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	t.onFormat = fn
}

// Read implements io.Reader. It blocks until the engine delivers data, the
// stream ends (io.EOF) or fails.
func (t *Track) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for len(t.buf) == 0 {
		if t.rerr != nil {
			return 0, t.rerr
		}
		d := t.request()
		if d.err != nil {
			t.rerr = d.err
			continue
		}
		if d.format != nil && t.onFormat != nil {
			t.onFormat(*d.format)
		}
		t.buf = d.data
	}
	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *Track) request() delivery {
	reply := make(chan delivery, 1)
	if !t.session.loop.Post(func() { t.serve(reply) }) {
		return delivery{err: ErrClosed}
	}
	return <-reply
}

// serve handles one read request on the loop.
func (t *Track) serve(reply chan<- delivery) {
	t.reply = reply
	t.advance()
}

// advance moves a pending read request forward: deliver, end, or issue a
// pull. Loop only.
func (t *Track) advance() {
	if t.reply == nil {
		return
	}
	s := t.session
	if t.state.Terminal() {
		t.respond(delivery{err: t.termErr})
		return
	}
	if t.pulling {
		return
	}
	if t.handoff != nil {
		res := *t.handoff
		t.handoff = nil
		t.accept(res)
		return
	}
	if t.ended {
		t.finish(StreamEnded, io.EOF)
		return
	}
	if s.current != t {
		t.finish(StreamSuperseded, io.EOF)
		return
	}
	if t.waitingPrime || s.priming {
		s.parked = append(s.parked, t)
		return
	}

	t.pulling = true
	chunk := t.chunk
	s.enqueue(&call{
		name:  "pull",
		run:   func(h engine.Handle) error { return pullInto(h, chunk) },
		done:  t.pulled,
		valid: func() bool { return !t.state.Terminal() && !t.ended && s.current == t },
	})
}

// pulled completes a pull on the loop. Results for a track that is no
// longer current or already terminal are dropped.
func (t *Track) pulled(err error) {
	t.pulling = false
	s := t.session

	switch {
	case t.state.Terminal():
		return
	case err == errCallSkipped:
		t.advance()
		return
	case err == ErrLoggedOut:
		t.finish(StreamSuperseded, io.EOF)
		return
	case s.current != t && !t.ended:
		s.logger.WithField("track", t.id).Debug("Dropping pull result for superseded track")
		t.finish(StreamSuperseded, io.EOF)
		return
	}

	if err != nil {
		t.accept(pullResult{err: s.decodeError(err)})
		return
	}
	t.accept(pullResult{
		data:   t.chunk.Copy(),
		format: t.chunk.Format(),
	})
}

// accept interprets a pull result for the pending read.
func (t *Track) accept(res pullResult) {
	s := t.session
	if res.err != nil {
		t.finish(StreamErrored, res.err)
		s.trackFailed(t, res.err)
		return
	}
	if len(res.data) == 0 {
		t.advance()
		return
	}

	d := delivery{data: res.data}
	t.mu.Lock()
	if !t.hasFormat {
		t.format = res.format
		t.hasFormat = true
		f := res.format
		d.format = &f
	}
	if t.state == StreamPending {
		t.state = StreamStreaming
	}
	t.mu.Unlock()
	t.respond(d)
}

func (t *Track) respond(d delivery) {
	if t.reply == nil {
		return
	}
	reply := t.reply
	t.reply = nil
	reply <- d
}

// finish moves the stream to a terminal state and fails any pending read.
// An in-flight pull keeps running; its result is dropped.
func (t *Track) finish(state StreamState, err error) {
	if t.state.Terminal() {
		return
	}
	t.mu.Lock()
	t.state = state
	t.termErr = err
	t.mu.Unlock()
	t.handoff = nil
	t.respond(delivery{err: err})
}

// markEnded makes the next read return io.EOF without pulling.
func (t *Track) markEnded() {
	t.ended = true
	t.advance()
}

func (t *Track) setElapsed(seconds float64) {
	t.mu.Lock()
	t.elapsed = seconds
	t.mu.Unlock()
}
