package library

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"despotify/internal/bridge"
	"despotify/internal/pcm"
	"despotify/internal/session"
)

// TestSessionStreamsAlbum drives a real session over the library engine.
func TestSessionStreamsAlbum(t *testing.T) {
	f := newFixture(t)
	f.library(t, map[string]int{"a.wav": 6000, "b.wav": 3000})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loop := bridge.NewLoop(f.logger)
	defer loop.Close()
	pool := bridge.NewPool(loop, 2)

	s, err := session.New(ctx, f.engine, loop, pool, session.Options{
		HighBitrate: true,
		EventBuffer: 64,
		Logger:      logrus.NewEntry(f.logger),
	})
	require.NoError(t, err)
	events := s.Subscribe()

	require.Error(t, s.Authenticate(ctx, "alice", "nope"))
	require.NoError(t, s.Authenticate(ctx, "alice", "pw"))

	uri := "spotify:track:" + TrackID(filepath.Join(f.root, "a.wav"))
	require.NoError(t, s.Play(ctx, uri, true))
	assert.Equal(t, session.StatePlaying, s.State())
	assert.Equal(t, "a", s.CurrentTrack().Metadata().Title())

	audio := s.Audio(ctx)
	var formats []pcm.Format
	audio.OnFormat(func(f pcm.Format) { formats = append(formats, f) })

	data, err := io.ReadAll(audio)
	require.NoError(t, err)
	assert.Len(t, data, (6000+3000)*2)
	assert.Equal(t, []pcm.Format{pcm.NewFormat(1, 8000)}, formats)
	assert.Equal(t, session.StateIdle, s.State())

	var titles []string
	var sawEnd bool
	for !sawEnd {
		select {
		case ev := <-events:
			switch ev.Type {
			case session.EventTrack:
				titles = append(titles, ev.Track.Metadata().Title())
			case session.EventEndOfPlaylist:
				sawEnd = true
			}
		case <-ctx.Done():
			t.Fatal("no end of playlist event")
		}
	}
	assert.Equal(t, []string{"a", "b"}, titles)

	require.NoError(t, s.Logout(ctx))
	select {
	case <-s.Closed():
	case <-ctx.Done():
		t.Fatal("handle was not closed")
	}
}

func TestSessionPlayUnknownTrack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loop := bridge.NewLoop(f.logger)
	defer loop.Close()
	s, err := session.New(ctx, f.engine, loop, bridge.NewPool(loop, 1), session.Options{EventBuffer: 8})
	require.NoError(t, err)
	require.NoError(t, s.Authenticate(ctx, "alice", "pw"))

	var perr *session.PlaybackStartError
	err = s.Play(ctx, "spotify:track:"+TrackID("/nowhere.wav"), false)
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Play(ctx, "spotify:playlist:x", false)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, session.StateAuthenticated, s.State())
}
