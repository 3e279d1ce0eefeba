package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"despotify/internal/library"
)

// newWorkspace writes a config, a users file and a one-track library.
func newWorkspace(t *testing.T) (cfgPath, trackPath string) {
	t.Helper()
	dir := t.TempDir()
	music := filepath.Join(dir, "music")
	require.NoError(t, os.MkdirAll(music, 0755))

	trackPath = filepath.Join(music, "intro.wav")
	f, err := os.Create(trackPath)
	require.NoError(t, err)
	data := make([]int, 2*3000)
	for i := range data {
		data[i] = i%500 - 250
	}
	enc := wav.NewEncoder(f, 22050, 16, 2, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 22050},
		SourceBitDepth: 16,
		Data:           data,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	usersPath := filepath.Join(dir, "users.toml")
	require.NoError(t, os.WriteFile(usersPath, []byte("[[users]]\nusername = \"alice\"\npassword = \"pw\"\n"), 0600))

	cfgPath = filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
[library]
path = %q
users_file = %q
watch_for_changes = false

[database]
path = %q

[logging]
level = "error"
`, music, usersPath, filepath.Join(dir, "library.db"))), 0644))
	return cfgPath, trackPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		playOut = ""
		playAsList = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestScanCommand(t *testing.T) {
	cfgPath, _ := newWorkspace(t)

	out, err := execute(t, "scan", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "added 1, unchanged 0, removed 0, failed 0 (1 tracks)")

	out, err = execute(t, "scan", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "added 0, unchanged 1")
}

func TestPlayCommandRecordsWAV(t *testing.T) {
	cfgPath, trackPath := newWorkspace(t)
	t.Setenv("DESPOTIFY_USERNAME", "alice")
	t.Setenv("DESPOTIFY_PASSWORD", "pw")

	outPath := filepath.Join(t.TempDir(), "out.wav")
	uri := "spotify:track:" + library.TrackID(trackPath)
	out, err := execute(t, "play", uri, "--config", cfgPath, "--env", "", "--out", outPath)
	require.NoError(t, err)

	assert.Contains(t, out, "new track:")
	assert.Contains(t, out, "intro")
	assert.Contains(t, out, "format: ")
	assert.Contains(t, out, "end of playlist")

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.EqualValues(t, 22050, dec.SampleRate)
	assert.EqualValues(t, 2, dec.NumChans)

	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Len(t, buf.Data, 2*3000)
}

func TestPlayCommandNeedsCredentials(t *testing.T) {
	cfgPath, trackPath := newWorkspace(t)
	t.Setenv("DESPOTIFY_USERNAME", "")
	t.Setenv("DESPOTIFY_PASSWORD", "")

	_, err := execute(t, "play", "spotify:track:"+library.TrackID(trackPath), "--config", cfgPath, "--env", "")
	assert.ErrorContains(t, err, "DESPOTIFY_USERNAME")
}
