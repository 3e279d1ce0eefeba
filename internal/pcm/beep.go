package pcm

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/gopxl/beep/v2"
)

// Streamer adapts a PCM byte stream to beep.Streamer for speaker output.
type Streamer struct {
	r      io.Reader
	format Format
	buf    []byte
	carry  int // bytes of a partial frame left at the start of buf
	err    error
	done   bool
}

// NewStreamer wraps r, which must carry s16le samples in format f.
func NewStreamer(r io.Reader, f Format) *Streamer {
	return &Streamer{r: r, format: f}
}

// SampleRate returns the beep sample rate of the stream.
func (s *Streamer) SampleRate() beep.SampleRate {
	return beep.SampleRate(s.format.SampleRate)
}

func (s *Streamer) Stream(samples [][2]float64) (n int, ok bool) {
	if s.err != nil || s.done {
		return 0, false
	}
	frame := s.format.FrameSize()
	if frame <= 0 {
		s.err = errors.New("pcm: invalid format")
		return 0, false
	}

	need := len(samples) * frame
	if cap(s.buf) < need {
		grown := make([]byte, need)
		copy(grown, s.buf[:s.carry])
		s.buf = grown
	}
	s.buf = s.buf[:need]

	read, err := io.ReadAtLeast(s.r, s.buf[s.carry:], 1)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		s.err = err
	}
	avail := s.carry + read

	frames := avail / frame
	for i := 0; i < frames; i++ {
		off := i * frame
		left := float64(int16(binary.LittleEndian.Uint16(s.buf[off:]))) / 32768.0
		right := left
		if s.format.Channels > 1 {
			right = float64(int16(binary.LittleEndian.Uint16(s.buf[off+2:]))) / 32768.0
		}
		samples[i][0] = left
		samples[i][1] = right
	}

	s.carry = copy(s.buf, s.buf[frames*frame:avail])
	if frames == 0 && (s.done || s.err != nil) {
		return 0, false
	}
	return frames, true
}

func (s *Streamer) Err() error {
	return s.err
}
