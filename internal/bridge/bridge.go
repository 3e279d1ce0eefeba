package bridge

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"despotify/internal/engine"
)

// Handler receives signals on the control loop.
type Handler func(sig engine.Signal)

// Bridge attributes engine signals to one session. Signals carrying a handle
// other than the bound one are dropped.
type Bridge struct {
	loop    *Loop
	handler Handler
	logger  *logrus.Entry

	owner   engine.Handle // loop only
	dropped atomic.Int64
}

// New creates a bridge delivering to handler on loop.
func New(loop *Loop, handler Handler, logger *logrus.Entry) *Bridge {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{loop: loop, handler: handler, logger: logger}
}

// Callback is the function handed to the engine. It only enqueues.
func (b *Bridge) Callback() engine.Callback {
	return func(h engine.Handle, sig engine.Signal) {
		if !b.loop.Post(func() { b.deliver(h, sig) }) {
			b.dropped.Add(1)
		}
	}
}

// Bind sets the handle signals must carry. Loop only.
func (b *Bridge) Bind(h engine.Handle) {
	b.owner = h
}

// Unbind drops every later signal. Loop only.
func (b *Bridge) Unbind() {
	b.owner = nil
}

// Dropped is the number of signals discarded so far.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bridge) deliver(h engine.Handle, sig engine.Signal) {
	if b.owner == nil || h != b.owner {
		b.dropped.Add(1)
		b.logger.WithField("signal", sig.Kind.String()).Warn("Dropping signal for unknown session handle")
		return
	}
	b.handler(sig)
}
