package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring that decouples speech synthesis from
// the playback device callback. The device side never blocks: FillFrom pads
// with silence when the ring runs dry.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []byte
	read   int
	count  int
}

// NewRingBuffer creates a ring holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buffer: make([]byte, size)}
}

// Write copies as much of data as fits and returns the number of bytes written.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buffer)
	n := size - rb.count
	if n > len(data) {
		n = len(data)
	}

	write := (rb.read + rb.count) % size
	first := copy(rb.buffer[write:], data[:n])
	if first < n {
		copy(rb.buffer, data[first:n])
	}
	rb.count += n
	return n
}

// Read copies up to len(data) buffered bytes into data.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(data)
}

func (rb *RingBuffer) readLocked(data []byte) int {
	size := len(rb.buffer)
	n := rb.count
	if n > len(data) {
		n = len(data)
	}

	end := rb.read + n
	if end <= size {
		copy(data, rb.buffer[rb.read:end])
	} else {
		first := copy(data, rb.buffer[rb.read:])
		copy(data[first:n], rb.buffer[:end-size])
	}
	rb.read = (rb.read + n) % size
	rb.count -= n
	return n
}

// FillFrom fills out completely, reading buffered audio first and zeroing
// the rest. Returns the number of real bytes copied.
func (rb *RingBuffer) FillFrom(out []byte) int {
	rb.mu.Lock()
	n := rb.readLocked(out)
	rb.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer) - rb.count
}

// Clear drops all buffered audio.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}
