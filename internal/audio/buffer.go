// Package audio buffers PCM streamed by the server until the playback side
// reads it.
package audio

import (
	"io"
	"sync"
)

// DefaultMaxBytes holds about ten seconds of 16-bit mono at 24kHz.
const DefaultMaxBytes = 480_000

// Buffer is written by the scene goroutine and read by the playback device.
// When full, the oldest samples are discarded.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	dropped int
	flushes int
}

func NewBuffer(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{max: maxBytes}
}

func (b *Buffer) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(pcm) >= b.max {
		b.dropped += len(b.data) + len(pcm) - b.max
		b.data = append(b.data[:0], pcm[len(pcm)-b.max:]...)
		return
	}
	if over := len(b.data) + len(pcm) - b.max; over > 0 {
		b.dropped += over
		b.data = append(b.data[:0], b.data[over:]...)
	}
	b.data = append(b.data, pcm...)
}

// Flush discards everything buffered.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
	b.flushes++
}

// Read drains up to len(p) bytes. It returns io.EOF when nothing is buffered;
// later Pushes make it readable again.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = append(b.data[:0], b.data[n:]...)
	return n, nil
}

var _ io.Reader = (*Buffer)(nil)

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Stats reports bytes dropped for overflow and the number of flushes.
func (b *Buffer) Stats() (dropped, flushes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped, b.flushes
}
