package protocol

import (
	"sync"
	"sync/atomic"
)

// CircularBuffer is a fixed-size transmit ring.
//
// Frame generators write under Claim/Release and publish a finished frame
// with a single commit of the head cursor. The drain task reads committed
// bytes without the lock: head only moves forward after the bytes behind it
// are written, and only the drain task moves tail.
type CircularBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size uint32
	head uint32 // atomic, next write position
	tail uint32 // atomic, next read position
}

// NewCircularBuffer creates a ring of the given size. One slot is kept
// free to tell a full ring from an empty one.
func NewCircularBuffer(size int) *CircularBuffer {
	if size < 2 {
		size = 2
	}
	return &CircularBuffer{
		buf:  make([]byte, size),
		size: uint32(size),
	}
}

// Claim takes the writer lock
func (c *CircularBuffer) Claim() {
	c.mu.Lock()
}

// Release drops the writer lock
func (c *CircularBuffer) Release() {
	c.mu.Unlock()
}

// Capacity returns the maximum number of bytes the ring can hold
func (c *CircularBuffer) Capacity() int {
	return int(c.size) - 1
}

// Available returns the number of committed bytes waiting to be read
func (c *CircularBuffer) Available() int {
	head := atomic.LoadUint32(&c.head)
	tail := atomic.LoadUint32(&c.tail)
	if head >= tail {
		return int(head - tail)
	}
	return int(c.size - tail + head)
}

// SpaceLeft returns the number of bytes that can still be committed
func (c *CircularBuffer) SpaceLeft() int {
	return int(c.size) - c.Available() - 1
}

// IsEmpty returns true if there is nothing left to read
func (c *CircularBuffer) IsEmpty() bool {
	return atomic.LoadUint32(&c.head) == atomic.LoadUint32(&c.tail)
}

// Readable returns the contiguous run of committed bytes at the read
// cursor. When the data wraps, only the part up to the end of the backing
// array is returned; call again after Consume for the rest.
func (c *CircularBuffer) Readable() []byte {
	head := atomic.LoadUint32(&c.head)
	tail := atomic.LoadUint32(&c.tail)
	if head >= tail {
		return c.buf[tail:head]
	}
	return c.buf[tail:c.size]
}

// Consume advances the read cursor by n bytes
func (c *CircularBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if avail := c.Available(); n > avail {
		n = avail
	}
	tail := atomic.LoadUint32(&c.tail)
	atomic.StoreUint32(&c.tail, (tail+uint32(n))%c.size)
}

// Reset drops all committed data. Only safe while no drain is running.
func (c *CircularBuffer) Reset() {
	c.Claim()
	defer c.Release()
	atomic.StoreUint32(&c.tail, atomic.LoadUint32(&c.head))
}

// Writer starts a provisional write at the committed head. The caller must
// hold the claim until Commit returns. The writer is a value so frame
// generation does not allocate.
func (c *CircularBuffer) Writer() FrameWriter {
	return FrameWriter{
		buf:   c,
		head:  atomic.LoadUint32(&c.head),
		space: c.SpaceLeft(),
	}
}

// FrameWriter writes bytes past the committed head without publishing them.
// Running out of space poisons the writer; every later write is a no-op and
// Commit fails, so a partial frame never becomes visible.
type FrameWriter struct {
	buf   *CircularBuffer
	head  uint32
	space int
	count int // provisional bytes, -1 once poisoned
}

func (w *FrameWriter) put(b byte) {
	w.buf.buf[(w.head+uint32(w.count))%w.buf.size] = b
	w.count++
}

// WriteSync writes the frame-opening SYNC. It is a delimiter and is never
// doubled.
func (w *FrameWriter) WriteSync() {
	if w.count < 0 {
		return
	}
	if w.space-w.count < 1 {
		w.count = -1
		return
	}
	w.put(Sync)
}

// WriteByte writes one frame byte, doubling it if it equals SYNC
func (w *FrameWriter) WriteByte(b byte) error {
	if w.count < 0 {
		return ErrNoSpace
	}
	need := 1
	if b == Sync {
		need = 2
	}
	if w.space-w.count < need {
		w.count = -1
		return ErrNoSpace
	}
	w.put(b)
	if b == Sync {
		w.put(Sync)
	}
	return nil
}

// Len returns the number of provisional bytes written, or -1 if poisoned
func (w *FrameWriter) Len() int {
	return w.count
}

// Failed reports whether the writer ran out of space
func (w *FrameWriter) Failed() bool {
	return w.count < 0
}

// Commit publishes the provisional bytes to the reader
func (w *FrameWriter) Commit() error {
	if w.count < 0 {
		return ErrNoSpace
	}
	atomic.StoreUint32(&w.buf.head, (w.head+uint32(w.count))%w.buf.size)
	w.count = 0
	w.head = atomic.LoadUint32(&w.buf.head)
	w.space = w.buf.SpaceLeft()
	return nil
}
