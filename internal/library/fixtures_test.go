package library

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"despotify/internal/engine"
)

func TestMain(m *testing.M) {
	bcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

// sample is the 16-bit value written for frame i, channel c.
func sample(i, c int) int {
	return (i*7+c*13)%2000 - 1000
}

// writeWAV writes frames of a deterministic signal. Samples wider than 16
// bits carry the same 16-bit value in their top bits.
func writeWAV(t *testing.T, path string, rate, channels, bitDepth, frames int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, 0, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			data = append(data, sample(i, c)<<(bitDepth-16))
		}
	}
	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: bitDepth,
		Data:           data,
	}))
	require.NoError(t, enc.Close())
}

type fixture struct {
	root    string
	db      *Database
	scanner *Scanner
	users   *UserStore
	engine  *Engine
	logger  *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()
	root := filepath.Join(dir, "music")
	require.NoError(t, os.MkdirAll(root, 0755))

	db, err := OpenDatabase(filepath.Join(dir, "library.db"), 4, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	usersPath := filepath.Join(dir, "users.toml")
	require.NoError(t, os.WriteFile(usersPath, []byte("[[users]]\nusername = \"alice\"\npassword = \"pw\"\n"), 0600))
	users, err := NewUserStore(usersPath)
	require.NoError(t, err)

	scanner := NewScanner(db, NewExtractor([]string{".flac", ".mp3", ".wav"}, logger), 2, logger)
	return &fixture{
		root:    root,
		db:      db,
		scanner: scanner,
		users:   users,
		engine:  NewEngine(db, users, nil, logger),
		logger:  logger,
	}
}

// recorder collects engine signals.
type recorder struct {
	mu   sync.Mutex
	sigs []engine.Signal
}

func (r *recorder) callback(h engine.Handle, sig engine.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *recorder) kinds() []engine.SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []engine.SignalKind
	for _, s := range r.sigs {
		if s.Kind != engine.SignalTimeTell {
			kinds = append(kinds, s.Kind)
		}
	}
	return kinds
}

func (r *recorder) tracks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var titles []string
	for _, s := range r.sigs {
		if s.Kind == engine.SignalNewTrack {
			titles = append(titles, string(engine.Text(s.Track.Title[:])))
		}
	}
	return titles
}

func (r *recorder) timeTells() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var secs []float64
	for _, s := range r.sigs {
		if s.Kind == engine.SignalTimeTell {
			secs = append(secs, s.Seconds)
		}
	}
	return secs
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sigs = nil
	r.mu.Unlock()
}
