package library

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"

	"despotify/internal/pcm"
)

// maxStandardRate is the highest sample rate kept when high bitrate output
// is off. Faster sources are halved.
const maxStandardRate = 48000

// source yields blocks of interleaved 16-bit samples from one file.
type source interface {
	next() ([]int16, error)
	channels() int
	sampleRate() int
	Close() error
}

// Decoder turns an audio file into interleaved s16le PCM.
type Decoder struct {
	src      source
	format   pcm.Format
	halve    bool
	held     []int16 // first frame of an incomplete pair when halving
	pending  []byte
	frames   int64
	finished bool
}

// OpenDecoder opens path for decoding. With highBitrate off, sources above
// 48 kHz are downsampled by two.
func OpenDecoder(path string, highBitrate bool) (*Decoder, error) {
	var (
		src source
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		src, err = openWAV(path)
	case ".flac":
		src, err = openFLAC(path)
	case ".mp3":
		src, err = openMP3(path)
	default:
		return nil, fmt.Errorf("unsupported format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if src.channels() < 1 || src.sampleRate() < 1 {
		src.Close()
		return nil, fmt.Errorf("invalid stream layout: %d channels at %d Hz", src.channels(), src.sampleRate())
	}

	d := &Decoder{src: src}
	rate := src.sampleRate()
	if !highBitrate && rate > maxStandardRate {
		d.halve = true
		rate /= 2
	}
	d.format = pcm.NewFormat(src.channels(), rate)
	return d, nil
}

// Format returns the output format.
func (d *Decoder) Format() pcm.Format {
	return d.format
}

// Position is the play time of the frames returned so far.
func (d *Decoder) Position() time.Duration {
	return time.Duration(d.frames) * time.Second / time.Duration(d.format.SampleRate)
}

// Read fills p with whole frames. It returns io.EOF once the file is
// exhausted.
func (d *Decoder) Read(p []byte) (int, error) {
	frameSize := d.format.FrameSize()
	limit := len(p) - len(p)%frameSize
	if limit == 0 {
		return 0, io.ErrShortBuffer
	}

	for len(d.pending) == 0 {
		if d.finished {
			return 0, io.EOF
		}
		block, err := d.src.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.finished = true
				continue
			}
			return 0, err
		}
		d.encode(block)
	}

	n := copy(p[:limit], d.pending)
	d.pending = d.pending[n:]
	d.frames += int64(n / frameSize)
	return n, nil
}

// encode appends a block to pending, averaging frame pairs when halving.
func (d *Decoder) encode(block []int16) {
	ch := d.format.Channels
	frames := len(block) / ch
	for i := 0; i < frames; i++ {
		frame := block[i*ch : (i+1)*ch]
		if d.halve {
			if d.held == nil {
				d.held = append(make([]int16, 0, ch), frame...)
				continue
			}
			for c := range frame {
				d.pending = binary.LittleEndian.AppendUint16(d.pending, uint16((int32(d.held[c])+int32(frame[c]))/2))
			}
			d.held = nil
			continue
		}
		for _, s := range frame {
			d.pending = binary.LittleEndian.AppendUint16(d.pending, uint16(s))
		}
	}
}

// Close releases the underlying file.
func (d *Decoder) Close() error {
	return d.src.Close()
}

// to16 rescales a sample of the given bit depth to 16 bits.
func to16(v int, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		return int16((v - 128) << 8)
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16))
	case bitDepth < 16:
		return int16(v << (16 - bitDepth))
	default:
		return int16(v)
	}
}

type wavSource struct {
	f   *os.File
	dec *wav.Decoder
	buf *audio.IntBuffer
	out []int16
}

func openWAV(path string) (*wavSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("invalid wav file: %s", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to find wav data: %w", err)
	}
	return &wavSource{
		f:   f,
		dec: dec,
		buf: &audio.IntBuffer{
			Format: &audio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)},
			Data:   make([]int, 1024*int(dec.NumChans)),
		},
	}, nil
}

func (w *wavSource) next() ([]int16, error) {
	n, err := w.dec.PCMBuffer(w.buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	w.out = w.out[:0]
	for _, v := range w.buf.Data[:n] {
		w.out = append(w.out, to16(v, int(w.dec.BitDepth)))
	}
	return w.out, nil
}

func (w *wavSource) channels() int   { return int(w.dec.NumChans) }
func (w *wavSource) sampleRate() int { return int(w.dec.SampleRate) }
func (w *wavSource) Close() error    { return w.f.Close() }

type flacSource struct {
	stream *flac.Stream
	out    []int16
}

func openFLAC(path string) (*flacSource, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flac stream: %w", err)
	}
	return &flacSource{stream: stream}, nil
}

func (s *flacSource) next() ([]int16, error) {
	frame, err := s.stream.ParseNext()
	if err != nil {
		return nil, err
	}
	bits := int(s.stream.Info.BitsPerSample)
	ch := len(frame.Subframes)
	if ch == 0 {
		return nil, nil
	}
	samples := len(frame.Subframes[0].Samples)
	s.out = s.out[:0]
	for i := 0; i < samples; i++ {
		for c := 0; c < ch; c++ {
			s.out = append(s.out, to16(int(frame.Subframes[c].Samples[i]), bits))
		}
	}
	return s.out, nil
}

func (s *flacSource) channels() int   { return int(s.stream.Info.NChannels) }
func (s *flacSource) sampleRate() int { return int(s.stream.Info.SampleRate) }
func (s *flacSource) Close() error    { return s.stream.Close() }

// mp3Source always produces 16-bit stereo.
type mp3Source struct {
	f   *os.File
	dec *gomp3.Decoder
	raw []byte
	out []int16
}

func openMP3(path string) (*mp3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open mp3 stream: %w", err)
	}
	return &mp3Source{f: f, dec: dec, raw: make([]byte, 4096)}, nil
}

func (m *mp3Source) next() ([]int16, error) {
	n, err := io.ReadFull(m.dec, m.raw)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	n -= n % 4
	m.out = m.out[:0]
	for i := 0; i < n; i += 2 {
		m.out = append(m.out, int16(binary.LittleEndian.Uint16(m.raw[i:])))
	}
	return m.out, nil
}

func (m *mp3Source) channels() int   { return 2 }
func (m *mp3Source) sampleRate() int { return m.dec.SampleRate() }
func (m *mp3Source) Close() error    { return m.f.Close() }
