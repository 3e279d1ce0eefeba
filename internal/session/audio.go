package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"despotify/internal/pcm"
)

// Audio is a session level PCM reader that follows the session from track
// to track. It returns io.EOF when the playlist ends or the session logs
// out.
type Audio struct {
	session  *Session
	ctx      context.Context
	mu       sync.Mutex
	cur      *Track
	format   *pcm.Format
	onFormat func(pcm.Format)
}

// Audio returns a reader over the tracks the session plays from now on. It
// waits for a track when none is playing; ctx bounds those waits.
func (s *Session) Audio(ctx context.Context) *Audio {
	return &Audio{session: s, ctx: ctx}
}

// OnFormat registers fn to be called before the first data and again
// whenever a later track changes the format.
func (a *Audio) OnFormat(fn func(pcm.Format)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFormat = fn
}

// Track returns the track currently being read, if any.
func (a *Audio) Track() *Track {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

func (a *Audio) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		if a.cur == nil {
			t, err := a.session.nextTrack(a.ctx, nil)
			if err != nil {
				return 0, a.mapErr(err)
			}
			a.cur = t
		}

		n, err := a.cur.Read(p)
		if n > 0 {
			if f, ok := a.cur.Format(); ok && (a.format == nil || *a.format != f) {
				a.format = &f
				if a.onFormat != nil {
					a.onFormat(f)
				}
			}
			return n, nil
		}
		if !errors.Is(err, io.EOF) {
			return 0, err
		}
		if a.cur.StreamState() != StreamSuperseded {
			return 0, io.EOF
		}

		next, err := a.session.nextTrack(a.ctx, a.cur)
		if err != nil {
			return 0, a.mapErr(err)
		}
		a.cur = next
	}
}

func (a *Audio) mapErr(err error) error {
	if errors.Is(err, ErrLoggedOut) {
		return io.EOF
	}
	return err
}
