// Package enginetest provides a scriptable in-memory engine for tests.
package enginetest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"despotify/internal/engine"
	"despotify/internal/pcm"
)

// Pull is one scripted PCM pull result. When Gate is set the pull blocks
// until it is closed.
type Pull struct {
	Data       []byte
	Channels   int
	SampleRate int
	Status     engine.Status
	Gate       <-chan struct{}
}

// Bytes returns a pull of n bytes of the given layout.
func Bytes(n, channels, sampleRate int) Pull {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return Pull{Data: data, Channels: channels, SampleRate: sampleRate}
}

// Empty returns a successful pull that fills nothing.
func Empty() Pull {
	return Pull{Channels: 2, SampleRate: 44100}
}

// Engine is a fake engine. Tracks maps track ids to the records returned by
// LookupTrack.
type Engine struct {
	mu      sync.Mutex
	Tracks  map[string]*engine.Record
	handles []*Handle
}

// New returns an engine knowing the given track ids.
func New(ids ...string) *Engine {
	e := &Engine{Tracks: make(map[string]*engine.Record)}
	for _, id := range ids {
		e.Tracks[id] = NewRecord(id, "Title "+id)
	}
	return e
}

// NewRecord builds a playable record with metadata.
func NewRecord(id, title string) *engine.Record {
	rec := &engine.Record{
		HasMetaData: true,
		Playable:    true,
		FileBitrate: 160000,
		Length:      180000,
		TrackNumber: 1,
		Year:        2009,
		Popularity:  0.5,
	}
	engine.SetText(rec.TrackID[:], id)
	engine.SetText(rec.Title[:], title)
	engine.SetText(rec.Artist[:], "Artist")
	engine.SetText(rec.Album[:], "Album")
	return rec
}

func (e *Engine) NewSession(cb engine.Callback, highBitrate, useCache bool) (engine.Handle, error) {
	h := &Handle{
		engine:      e,
		cb:          cb,
		HighBitrate: highBitrate,
		UseCache:    useCache,
		authOK:      true,
		playOK:      true,
		nextOK:      true,
		stopOK:      true,
	}
	h.cond = sync.NewCond(&h.mu)
	e.mu.Lock()
	e.handles = append(e.handles, h)
	e.mu.Unlock()
	return h, nil
}

// Handle returns the i-th handle created.
func (e *Engine) Handle(i int) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.handles) {
		return nil
	}
	return e.handles[i]
}

func (e *Engine) ResolveURI(uri string) (*engine.Link, error) {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 || parts[0] != "spotify" || parts[2] == "" {
		return nil, fmt.Errorf("invalid uri %q", uri)
	}
	return &engine.Link{URI: uri, Kind: parts[1], ID: parts[2]}, nil
}

// Handle is a fake session handle. Results are configured with the Set
// methods and pulls are scripted with QueuePulls.
type Handle struct {
	engine      *Engine
	cb          engine.Callback
	HighBitrate bool
	UseCache    bool

	mu       sync.Mutex
	cond     *sync.Cond
	pulls    []Pull
	calls    []string
	authOK   bool
	playOK   bool
	nextOK   bool
	stopOK   bool
	lastErr  string
	panicOn  string
	closed   bool
	authGate <-chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	pullCalls   atomic.Int32
}

func (h *Handle) enter(name string) func() {
	n := h.inFlight.Add(1)
	for {
		seen := h.maxInFlight.Load()
		if n <= seen || h.maxInFlight.CompareAndSwap(seen, n) {
			break
		}
	}
	h.mu.Lock()
	h.calls = append(h.calls, name)
	p := h.panicOn
	h.mu.Unlock()
	if p == name {
		h.inFlight.Add(-1)
		panic("enginetest: scripted panic in " + name)
	}
	return func() { h.inFlight.Add(-1) }
}

func (h *Handle) SetAuthResult(ok bool) { h.mu.Lock(); h.authOK = ok; h.mu.Unlock() }
func (h *Handle) SetPlayResult(ok bool) { h.mu.Lock(); h.playOK = ok; h.mu.Unlock() }
func (h *Handle) SetLastError(s string) { h.mu.Lock(); h.lastErr = s; h.mu.Unlock() }

// BlockAuth makes Authenticate wait until gate is closed.
func (h *Handle) BlockAuth(gate <-chan struct{}) { h.mu.Lock(); h.authGate = gate; h.mu.Unlock() }

// PanicOn makes the named method panic on its next calls.
func (h *Handle) PanicOn(method string) { h.mu.Lock(); h.panicOn = method; h.mu.Unlock() }

// QueuePulls appends scripted pull results. PullPCM blocks while the queue
// is empty.
func (h *Handle) QueuePulls(p ...Pull) {
	h.mu.Lock()
	h.pulls = append(h.pulls, p...)
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Emit delivers a signal through the session callback.
func (h *Handle) Emit(sig engine.Signal) {
	h.cb(h, sig)
}

// EmitNewTrack emits a new-track signal for a known id.
func (h *Handle) EmitNewTrack(id string) {
	h.engine.mu.Lock()
	rec := h.engine.Tracks[id]
	h.engine.mu.Unlock()
	if rec == nil {
		rec = NewRecord(id, id)
	}
	h.Emit(engine.Signal{Kind: engine.SignalNewTrack, Track: rec})
}

// Calls returns the names of the methods called so far, in order.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// CountCalls returns how many times method was called.
func (h *Handle) CountCalls(method string) int {
	n := 0
	for _, c := range h.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// PullCalls is the number of PullPCM calls that have started.
func (h *Handle) PullCalls() int { return int(h.pullCalls.Load()) }

// MaxInFlight is the highest number of concurrently running calls observed,
// LastError excluded.
func (h *Handle) MaxInFlight() int { return int(h.maxInFlight.Load()) }

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Authenticate(username, password string) bool {
	defer h.enter("Authenticate")()
	h.mu.Lock()
	gate := h.authGate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authOK && username != "" && password != ""
}

func (h *Handle) LookupTrack(link *engine.Link) (*engine.Record, error) {
	defer h.enter("LookupTrack")()
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	rec, ok := h.engine.Tracks[link.ID]
	if !ok {
		return nil, errors.New("track not found")
	}
	return rec, nil
}

func (h *Handle) Play(rec *engine.Record, playAsList bool) bool {
	defer h.enter("Play")()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playOK
}

func (h *Handle) Next() bool {
	defer h.enter("Next")()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextOK
}

func (h *Handle) Stop() bool {
	defer h.enter("Stop")()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopOK
}

func (h *Handle) PullPCM(chunk *pcm.Chunk) engine.Status {
	defer h.enter("PullPCM")()
	h.pullCalls.Add(1)

	h.mu.Lock()
	for len(h.pulls) == 0 && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		h.mu.Unlock()
		return engine.Status(-1)
	}
	p := h.pulls[0]
	h.pulls = h.pulls[1:]
	h.mu.Unlock()

	if p.Gate != nil {
		<-p.Gate
	}
	chunk.Reset()
	if p.Status != engine.StatusOK {
		return p.Status
	}
	n := copy(chunk.Buffer(), p.Data)
	chunk.Fill(n, p.Channels, p.SampleRate)
	return engine.StatusOK
}

func (h *Handle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.calls = append(h.calls, "Close")
	h.mu.Unlock()
	h.cond.Broadcast()
	return nil
}
