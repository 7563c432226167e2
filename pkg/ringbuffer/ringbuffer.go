// Package ringbuffer implements a lock-free single-producer
// single-consumer ring buffer of interleaved float32 samples, the
// hand-off point between a track's decoder worker and its
// synchronized reader.
package ringbuffer

import (
	"sync/atomic"

	"github.com/drgolem/trackmixer/pkg/types"
)

// Re-export common ringbuffer errors for backwards compatibility.
var (
	ErrInsufficientSpace = types.ErrInsufficientSpace
	ErrInsufficientData  = types.ErrInsufficientData
)

// RingBuffer is a lock-free SPSC ring buffer of float32 samples.
//
// Thread safety:
//   - Write must only be called by the producer (decoder worker) goroutine.
//   - Read, Skip, and Clear must only be called by the consumer (mixer
//     thread, via the synchronized reader) goroutine.
//
// No allocation occurs after New.
type RingBuffer struct {
	buffer   []float32
	size     uint64 // power of 2
	mask     uint64
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// New creates a ring buffer with capacity rounded up to the next
// power of 2, for efficient masked indexing.
func New(capacity uint64) *RingBuffer {
	capacity = nextPowerOf2(capacity)
	return &RingBuffer{
		buffer: make([]float32, capacity),
		size:   capacity,
		mask:   capacity - 1,
	}
}

// Write copies data into the buffer without blocking.
// It never performs a partial write: either it writes all of data or,
// if insufficient space remains, it writes nothing and returns
// ErrInsufficientSpace.
func (rb *RingBuffer) Write(data []float32) (int, error) {
	dataLen := uint64(len(data))
	if dataLen == 0 {
		return 0, nil
	}

	available := rb.AvailableWrite()
	if dataLen > available {
		return 0, ErrInsufficientSpace
	}

	writePos := rb.writePos.Load()
	start := writePos & rb.mask
	end := (writePos + dataLen) & rb.mask

	if end > start {
		copy(rb.buffer[start:end], data)
	} else {
		firstChunk := rb.size - start
		copy(rb.buffer[start:], data[:firstChunk])
		copy(rb.buffer[:end], data[firstChunk:])
	}

	rb.writePos.Store(writePos + dataLen)
	return int(dataLen), nil
}

// Read copies up to len(data) samples into data, returning the actual
// count transferred. Never blocks; returns (0, ErrInsufficientData)
// only when the buffer is entirely empty.
func (rb *RingBuffer) Read(data []float32) (int, error) {
	dataLen := uint64(len(data))
	if dataLen == 0 {
		return 0, nil
	}

	available := rb.AvailableRead()
	if available == 0 {
		return 0, ErrInsufficientData
	}

	toRead := min(dataLen, available)
	readPos := rb.readPos.Load()
	start := readPos & rb.mask
	end := (readPos + toRead) & rb.mask

	if end > start {
		copy(data[:toRead], rb.buffer[start:end])
	} else {
		firstChunk := rb.size - start
		copy(data[:firstChunk], rb.buffer[start:])
		copy(data[firstChunk:toRead], rb.buffer[:end])
	}

	rb.readPos.Store(readPos + toRead)
	return int(toRead), nil
}

// Skip advances the read cursor by n samples without copying data,
// the mixer's instant-resync primitive for Red Zone buffer-skip
// correction. Returns the number of samples actually skipped, which
// may be less than n if fewer are available.
func (rb *RingBuffer) Skip(n uint64) uint64 {
	available := rb.AvailableRead()
	toSkip := min(n, available)
	if toSkip == 0 {
		return 0
	}
	rb.readPos.Store(rb.readPos.Load() + toSkip)
	return toSkip
}

// AvailableWrite returns the number of samples that can be written
// without blocking.
func (rb *RingBuffer) AvailableWrite() uint64 {
	return rb.size - rb.AvailableRead()
}

// AvailableRead returns the number of samples currently available to read.
func (rb *RingBuffer) AvailableRead() uint64 {
	writePos := rb.writePos.Load()
	readPos := rb.readPos.Load()
	return writePos - readPos
}

// Capacity returns the total capacity of the buffer in samples.
func (rb *RingBuffer) Capacity() uint64 {
	return rb.size
}

// IsEmpty reports whether there is no data to read.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.AvailableRead() == 0
}

// Clear empties the buffer without deallocating its backing storage.
// Must only be called when the producer is known to be quiescent
// (e.g. under the seek mutex), since it touches both cursors.
func (rb *RingBuffer) Clear() {
	rb.readPos.Store(0)
	rb.writePos.Store(0)
}

// nextPowerOf2 rounds n up to the next power of 2 (or 1, if n is 0).
func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
