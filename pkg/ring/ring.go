// Package ring implements the bounded PCM16 ring buffer each connection
// uses to hold recently-ingested audio. It hands out tail-of-audio and
// since-commit slices without copying the backing store on write.
package ring

import (
	"encoding/binary"
	"errors"
)

// ErrOddLength is returned by Append when the byte slice does not hold a
// whole number of little-endian int16 samples.
var ErrOddLength = errors.New("ring: pcm16 payload has odd byte length")

// Buffer is a fixed-capacity circular store of mono PCM16 samples,
// addressed by an absolute, monotonically increasing sample index.
//
// cursor is the absolute index of the next sample to be written; committed
// is the absolute index marking the boundary of the last finalized
// utterance. The available read range is always
// [max(cursor-maxSamples, committed), cursor).
type Buffer struct {
	sampleRate int
	maxSamples int

	data []int16 // circular storage, len(data) == maxSamples

	cursor    int64
	committed int64
}

// New creates a Buffer capable of holding maxSeconds of audio at
// sampleRate.
func New(sampleRate int, maxSeconds int) *Buffer {
	cap := sampleRate * maxSeconds
	if cap <= 0 {
		cap = 1
	}
	return &Buffer{
		sampleRate: sampleRate,
		maxSamples: cap,
		data:       make([]int16, cap),
	}
}

// SampleRate returns the configured sample rate.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Cursor returns the absolute index of the next sample to be written.
func (b *Buffer) Cursor() int64 { return b.cursor }

// Committed returns the absolute index of the last commit point.
func (b *Buffer) Committed() int64 { return b.committed }

// Append decodes raw little-endian PCM16 bytes, advances the cursor, and
// evicts the oldest samples once capacity is exceeded. Returns the number
// of samples written. O(n) in the number of bytes appended.
func (b *Buffer) Append(raw []byte) (int, error) {
	if len(raw)%2 != 0 {
		return 0, ErrOddLength
	}
	n := len(raw) / 2
	if n == 0 {
		return 0, nil
	}

	cap := int64(b.maxSamples)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		pos := b.cursor % cap
		b.data[pos] = v
		b.cursor++
	}
	return n, nil
}

// availableFrom returns the absolute index of the oldest sample currently
// retrievable, respecting both the capacity window and the commit point.
func (b *Buffer) availableFrom() int64 {
	lo := b.cursor - int64(b.maxSamples)
	if lo < 0 {
		lo = 0
	}
	if b.committed > lo {
		lo = b.committed
	}
	return lo
}

// sliceAbs returns a float32-normalized copy of samples in [from, b.cursor),
// clamped to the available window. Returns nil if the resulting range is
// empty.
func (b *Buffer) sliceAbs(from int64) []float32 {
	lo := b.availableFrom()
	if from < lo {
		from = lo
	}
	if from >= b.cursor {
		return nil
	}

	n := b.cursor - from
	cap := int64(b.maxSamples)
	out := make([]float32, n)
	for i := int64(0); i < n; i++ {
		abs := from + i
		pos := abs % cap
		out[i] = float32(b.data[pos]) / 32768.0
	}
	return out
}

// TailF32 returns the last `seconds` of audio as normalized float32 samples
// in [-1, 1], clamped to the available window. Returns nil if empty.
func (b *Buffer) TailF32(seconds float64) []float32 {
	if seconds <= 0 {
		return nil
	}
	n := int64(seconds * float64(b.sampleRate))
	return b.sliceAbs(b.cursor - n)
}

// SinceF32 returns audio with absolute sample index in
// [startAbsSample, cursor), clamped to the available window. Returns nil if
// empty. Used for final decoding over the span since the last commit.
func (b *Buffer) SinceF32(startAbsSample int64) []float32 {
	return b.sliceAbs(startAbsSample)
}

// Commit sets the commit point, marking the boundary of the last finalized
// utterance. Audio before this point is no longer reachable via TailF32 or
// SinceF32.
func (b *Buffer) Commit(absSample int64) {
	b.committed = absSample
}
