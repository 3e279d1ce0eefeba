package pcm

import "fmt"

// DefaultChunkSize matches the buffer size of the engine's pcm_data record.
const DefaultChunkSize = 4096

// BitDepth is the only sample width the engine produces.
const BitDepth = 16

// Format describes the PCM layout of a stream. Samples are always signed
// 16-bit little-endian and interleaved.
type Format struct {
	Channels   int  `json:"channels"`
	SampleRate int  `json:"sampleRate"`
	BitDepth   int  `json:"bitDepth"`
	Signed     bool `json:"signed"`
}

// NewFormat returns the s16le format for the given layout.
func NewFormat(channels, sampleRate int) Format {
	return Format{
		Channels:   channels,
		SampleRate: sampleRate,
		BitDepth:   BitDepth,
		Signed:     true,
	}
}

// FrameSize is the number of bytes per sample frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

func (f Format) String() string {
	return fmt.Sprintf("s%dle %dch %dHz", f.BitDepth, f.Channels, f.SampleRate)
}

// Chunk is a fixed-capacity buffer the engine fills in place on every pull.
// Only Bytes() is valid for the current fill; it is overwritten by the next
// pull, so consumers must Copy() out before issuing another one.
type Chunk struct {
	buf        []byte
	n          int
	channels   int
	sampleRate int
}

// NewChunk allocates a chunk with the given capacity.
func NewChunk(capacity int) *Chunk {
	if capacity <= 0 {
		capacity = DefaultChunkSize
	}
	return &Chunk{buf: make([]byte, capacity)}
}

// Buffer returns the whole backing buffer for the engine to write into.
func (c *Chunk) Buffer() []byte {
	return c.buf
}

// Cap returns the fixed capacity.
func (c *Chunk) Cap() int {
	return len(c.buf)
}

// Fill records the result of a pull. n is clamped to the capacity.
func (c *Chunk) Fill(n, channels, sampleRate int) {
	if n < 0 {
		n = 0
	}
	if n > len(c.buf) {
		n = len(c.buf)
	}
	c.n = n
	c.channels = channels
	c.sampleRate = sampleRate
}

// Reset marks the chunk empty before a pull.
func (c *Chunk) Reset() {
	c.n = 0
}

// Len is the number of valid bytes in the current fill.
func (c *Chunk) Len() int {
	return c.n
}

// Channels of the current fill.
func (c *Chunk) Channels() int {
	return c.channels
}

// SampleRate of the current fill.
func (c *Chunk) SampleRate() int {
	return c.sampleRate
}

// Format of the current fill.
func (c *Chunk) Format() Format {
	return NewFormat(c.channels, c.sampleRate)
}

// Bytes aliases the valid range of the backing buffer.
func (c *Chunk) Bytes() []byte {
	return c.buf[:c.n]
}

// Copy returns a copy of the valid range that survives the next pull.
func (c *Chunk) Copy() []byte {
	out := make([]byte, c.n)
	copy(out, c.buf[:c.n])
	return out
}
