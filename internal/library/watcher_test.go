package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherTracksLibraryChanges(t *testing.T) {
	f := newFixture(t)
	w, err := NewWatcher(f.scanner, f.root, f.logger)
	require.NoError(t, err)
	w.settle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	count := func() int {
		n, _ := f.db.Count()
		return n
	}

	// Files are written elsewhere and moved in so they appear complete.
	staging := t.TempDir()
	writeWAV(t, filepath.Join(staging, "a.wav"), 8000, 1, 16, 800)
	target := filepath.Join(f.root, "a.wav")
	require.NoError(t, os.Rename(filepath.Join(staging, "a.wav"), target))
	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, 20*time.Millisecond)

	sub := filepath.Join(f.root, "new-album")
	require.NoError(t, os.Mkdir(sub, 0755))
	time.Sleep(100 * time.Millisecond)
	writeWAV(t, filepath.Join(staging, "b.wav"), 8000, 1, 16, 800)
	require.NoError(t, os.Rename(filepath.Join(staging, "b.wav"), filepath.Join(sub, "b.wav")))
	require.Eventually(t, func() bool { return count() == 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(f.root, ".hidden.wav"), []byte("x"), 0644))
	require.NoError(t, os.Remove(target))
	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err = f.db.GetTrack(TrackID(target))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatcherMissingRoot(t *testing.T) {
	f := newFixture(t)
	_, err := NewWatcher(f.scanner, filepath.Join(f.root, "absent"), f.logger)
	assert.Error(t, err)
}
