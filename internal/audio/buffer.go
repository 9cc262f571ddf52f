package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio bytes. It holds at most
// size-1 bytes so that full and empty states stay distinguishable.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write writes data to the ring buffer
// Returns the number of bytes written (may be less than len(data) if buffer is full)
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if space := rb.space(); n > space {
		n = space
	}

	// Copy in at most two runs: up to the end of the slice, then from the start
	first := n
	if tail := rb.size - rb.write; first > tail {
		first = tail
	}
	copy(rb.buffer[rb.write:], data[:first])
	copy(rb.buffer, data[first:n])
	rb.write = (rb.write + n) % rb.size

	return n
}

// Read reads data from the ring buffer
// Returns the number of bytes read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if avail := rb.available(); n > avail {
		n = avail
	}

	first := n
	if tail := rb.size - rb.read; first > tail {
		first = tail
	}
	copy(data, rb.buffer[rb.read:rb.read+first])
	copy(data[first:n], rb.buffer)
	rb.read = (rb.read + n) % rb.size

	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.space()
}

// Capacity returns the maximum number of bytes the buffer can hold
func (rb *RingBuffer) Capacity() int {
	return rb.size - 1
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return (rb.write+1)%rb.size == rb.read
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}
