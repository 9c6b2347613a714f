package netif

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when a frame does not fit in the free space.
	ErrQueueFull = errors.New("inbound queue full")
	// ErrFrameTooLarge is returned for frames that could never fit.
	ErrFrameTooLarge = errors.New("frame too large for queue")
)

const lengthPrefix = 2

// Queue is a bounded byte ring holding length-prefixed frames. Writes
// never block: a frame that does not fit is rejected whole, so admitted
// frames are never corrupted.
type Queue struct {
	mutex  sync.Mutex
	buf    []byte
	head   int // next byte to read
	used   int
	frames int
}

// NewQueue creates a queue of size bytes, prefixes included
func NewQueue(size int) *Queue {
	return &Queue{buf: make([]byte, size)}
}

// Write appends one frame
func (q *Queue) Write(frame []byte) error {
	need := lengthPrefix + len(frame)
	if len(frame) == 0 || len(frame) > 0xffff || need > len(q.buf) {
		return ErrFrameTooLarge
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if need > len(q.buf)-q.used {
		return ErrQueueFull
	}

	var prefix [lengthPrefix]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
	tail := (q.head + q.used) % len(q.buf)
	tail = q.put(tail, prefix[:])
	q.put(tail, frame)

	q.used += need
	q.frames++
	return nil
}

// Read removes the oldest frame
func (q *Queue) Read() ([]byte, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.frames == 0 {
		return nil, false
	}

	var prefix [lengthPrefix]byte
	pos := q.get(q.head, prefix[:])
	frame := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	pos = q.get(pos, frame)

	q.head = pos
	q.used -= lengthPrefix + len(frame)
	q.frames--
	return frame, true
}

// put copies data at pos with wraparound and returns the position after it
func (q *Queue) put(pos int, data []byte) int {
	n := copy(q.buf[pos:], data)
	if n < len(data) {
		copy(q.buf, data[n:])
	}
	return (pos + len(data)) % len(q.buf)
}

func (q *Queue) get(pos int, data []byte) int {
	n := copy(data, q.buf[pos:])
	if n < len(data) {
		copy(data[n:], q.buf)
	}
	return (pos + len(data)) % len(q.buf)
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.frames
}

// Used returns the bytes in use, prefixes included
func (q *Queue) Used() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.used
}

// Cap returns the queue size in bytes
func (q *Queue) Cap() int {
	return len(q.buf)
}
