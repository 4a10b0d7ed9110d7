package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer of PCM samples. One slot is kept
// free to tell full from empty, so capacity is size-1.
type RingBuffer struct {
	buffer []int16
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]int16, size),
		size:   size,
	}
}

// Write writes samples to the ring buffer.
// Returns the number written (may be less than len(data) if the buffer is full).
func (rb *RingBuffer) Write(data []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), rb.space())
	for i := 0; i < n; i++ {
		rb.buffer[rb.write] = data[i]
		rb.write = (rb.write + 1) % rb.size
	}
	return n
}

// Read reads up to len(data) samples from the ring buffer
func (rb *RingBuffer) Read(data []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), rb.available())
	for i := 0; i < n; i++ {
		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
	}
	return n
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

// Space returns the number of samples that can still be written
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.space()
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
