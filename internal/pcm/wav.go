package pcm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// streamingSize is written in place of the RIFF and data sizes when the
// length of the stream is not known up front. Most players treat it as
// "read until EOF".
const streamingSize = 0xFFFFFFFF

// WriteStreamHeader writes a RIFF/WAVE header for an open-ended s16le stream.
func WriteStreamHeader(w io.Writer, f Format) error {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("invalid format: %s", f)
	}
	byteRate := f.ByteRate()
	blockAlign := f.FrameSize()

	fields := []any{
		[]byte("RIFF"),
		uint32(streamingSize),
		[]byte("WAVE"),
		[]byte("fmt "),
		uint32(16), // PCM fmt chunk size
		uint16(1),  // PCM
		uint16(f.Channels),
		uint32(f.SampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(f.BitDepth),
		[]byte("data"),
		uint32(streamingSize),
	}
	for _, field := range fields {
		if b, ok := field.([]byte); ok {
			if _, err := w.Write(b); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	return nil
}

// Recorder writes s16le PCM into a WAV file. The header is finalized on
// Close, so the destination must be seekable.
type Recorder struct {
	enc    *wav.Encoder
	format Format
	buf    *audio.IntBuffer
	odd    []byte
}

// NewRecorder creates a recorder for the given format.
func NewRecorder(w io.WriteSeeker, f Format) (*Recorder, error) {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid format: %s", f)
	}
	return &Recorder{
		enc:    wav.NewEncoder(w, f.SampleRate, f.BitDepth, f.Channels, 1),
		format: f,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			SourceBitDepth: f.BitDepth,
		},
	}, nil
}

// Write appends little-endian 16-bit samples. A trailing odd byte is kept
// for the next call.
func (r *Recorder) Write(p []byte) (int, error) {
	data := p
	if len(r.odd) > 0 {
		data = append(r.odd, p...)
		r.odd = nil
	}
	samples := len(data) / 2
	if len(data)%2 == 1 {
		r.odd = []byte{data[len(data)-1]}
	}
	if samples == 0 {
		return len(p), nil
	}

	if cap(r.buf.Data) < samples {
		r.buf.Data = make([]int, samples)
	}
	r.buf.Data = r.buf.Data[:samples]
	for i := 0; i < samples; i++ {
		r.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	if err := r.enc.Write(r.buf); err != nil {
		return 0, fmt.Errorf("failed to write wav samples: %w", err)
	}
	return len(p), nil
}

// Format returns the recorded format.
func (r *Recorder) Format() Format {
	return r.format
}

// Close finalizes the WAV header. It does not close the underlying writer.
func (r *Recorder) Close() error {
	return r.enc.Close()
}
