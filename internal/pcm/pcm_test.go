package pcm

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkFillAndCopy(t *testing.T) {
	c := NewChunk(8)
	require.Equal(t, 8, c.Cap())
	assert.Equal(t, 0, c.Len())

	copy(c.Buffer(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	c.Fill(4, 2, 44100)

	assert.Equal(t, []byte{1, 2, 3, 4}, c.Bytes())
	assert.Equal(t, NewFormat(2, 44100), c.Format())

	out := c.Copy()
	copy(c.Buffer(), []byte{9, 9, 9, 9})
	assert.Equal(t, []byte{1, 2, 3, 4}, out, "copy must not alias the reused buffer")
	assert.Equal(t, []byte{9, 9, 9, 9}, c.Bytes())
}

func TestChunkFillClamps(t *testing.T) {
	c := NewChunk(4)
	c.Fill(10, 1, 8000)
	assert.Equal(t, 4, c.Len())
	c.Fill(-1, 1, 8000)
	assert.Equal(t, 0, c.Len())

	assert.Equal(t, DefaultChunkSize, NewChunk(0).Cap())
}

func TestFormat(t *testing.T) {
	f := NewFormat(2, 44100)
	assert.Equal(t, 16, f.BitDepth)
	assert.True(t, f.Signed)
	assert.Equal(t, 4, f.FrameSize())
	assert.Equal(t, 176400, f.ByteRate())
	assert.Equal(t, "s16le 2ch 44100Hz", f.String())
}

func TestWriteStreamHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStreamHeader(&buf, NewFormat(2, 48000)))

	h := buf.Bytes()
	require.Len(t, h, 44)
	assert.Equal(t, "RIFF", string(h[0:4]))
	assert.Equal(t, "WAVE", string(h[8:12]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(h[22:]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(h[24:]))
	assert.Equal(t, uint32(192000), binary.LittleEndian.Uint32(h[28:]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(h[34:]))
	assert.Equal(t, "data", string(h[36:40]))

	assert.Error(t, WriteStreamHeader(&buf, Format{}))
}

func TestRecorderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	rec, err := NewRecorder(f, NewFormat(1, 8000))
	require.NoError(t, err)

	samples := []int16{0, 1000, -1000, 32767, -32768}
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	// split on an odd boundary to exercise the carry
	_, err = rec.Write(raw[:3])
	require.NoError(t, err)
	_, err = rec.Write(raw[3:])
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.NoError(t, f.Close())

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	dec := wav.NewDecoder(in)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 8000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	got := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		got[i] = int16(v)
	}
	assert.Equal(t, samples, got)
}

func TestStreamerStereo(t *testing.T) {
	raw := make([]byte, 0, 12)
	for _, s := range []int16{16384, -16384, 0, 32767, -32768, 0} {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(s))
	}
	s := NewStreamer(bytes.NewReader(raw), NewFormat(2, 44100))
	out := make([][2]float64, 8)

	n, ok := s.Stream(out)
	require.True(t, ok)
	require.Equal(t, 3, n)
	assert.InDelta(t, 0.5, out[0][0], 1e-9)
	assert.InDelta(t, -0.5, out[0][1], 1e-9)
	assert.InDelta(t, -1.0, out[2][0], 1e-9)

	n, ok = s.Stream(out)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
	assert.NoError(t, s.Err())
}

func TestStreamerMonoDuplicates(t *testing.T) {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(8192))
	s := NewStreamer(bytes.NewReader(raw), NewFormat(1, 22050))
	out := make([][2]float64, 4)

	n, ok := s.Stream(out)
	require.True(t, ok)
	require.Equal(t, 1, n)
	assert.Equal(t, out[0][0], out[0][1])
	assert.EqualValues(t, 22050, s.SampleRate())
}
