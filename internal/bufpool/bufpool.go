// Package bufpool pools the payload buffers backing I/O tasks so a
// connection carrying gigabytes of traffic does not allocate a fresh
// []byte per send/recv. It is adapted from the teacher's own
// ringpool-backed Payload/Pool pair (lib/pool.go): the teacher pools
// fixed-MSS pseudo-TCP packet payloads keyed by one preferred MSS size;
// this pool instead keys by size class (buffer size configured per
// connection). internal/ioengine leases its payload buffers from it;
// connection ids and completion markers use their own storage.
package bufpool

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Buffer is the rp.DataInterface implementation stored in each pool
// element, mirroring the teacher's Payload type method-for-method.
type Buffer struct {
	bytes  []byte
	length int
}

// NewBuffer is the rp.DataInterface factory function passed to
// rp.NewRingPool, matching the teacher's NewPayload signature.
func NewBuffer(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		return nil
	}
	size, ok := params[0].(int)
	if !ok {
		return nil
	}
	return &Buffer{bytes: make([]byte, size)}
}

// Reset zeroes the buffer's logical length without releasing its backing
// array, so the next caller starts from a clean slate.
func (b *Buffer) Reset() {
	for i := range b.bytes[:b.length] {
		b.bytes[i] = 0
	}
	b.length = 0
}

// SetContent overwrites the buffer with the given string, growing the
// backing array if needed.
func (b *Buffer) SetContent(s string) {
	if len(s) > len(b.bytes) {
		b.bytes = make([]byte, len(s))
	}
	copy(b.bytes, s)
	b.length = len(s)
}

// Copy overwrites the buffer with src, growing the backing array if
// needed; it never truncates the caller's data.
func (b *Buffer) Copy(src []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("bufpool: source byte slice is empty")
	}
	if len(src) > len(b.bytes) {
		b.bytes = make([]byte, len(src))
	}
	copy(b.bytes, src)
	b.length = len(src)
	return nil
}

// GetSlice returns the buffer's logical contents.
func (b *Buffer) GetSlice() []byte {
	return b.bytes[:b.length]
}

// Cap returns the buffer's full backing capacity, independent of its
// current logical length.
func (b *Buffer) Cap() []byte {
	return b.bytes
}

// Pool holds one ring pool per size class. Size classes are created
// lazily and never removed; a long-running traffic generator settles on a
// small, fixed set of classes (one per configured BufferSize) almost
// immediately, so this is not an unbounded map.
type Pool struct {
	mu      sync.Mutex
	classes map[int]*rp.RingPool
	perClassCapacity int
}

// New creates a Pool. perClassCapacity bounds how many buffers of each
// size class the ring pool preallocates, mirroring the teacher's
// PayloadPoolSize configuration knob.
func New(perClassCapacity int) *Pool {
	return &Pool{
		classes: make(map[int]*rp.RingPool),
		perClassCapacity: perClassCapacity,
	}
}

func (p *Pool) classFor(size int) *rp.RingPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rpool, ok := p.classes[size]
	if !ok {
		rpool = rp.NewRingPool(fmt.Sprintf("trafficgen buffers (%d bytes): ", size), p.perClassCapacity, NewBuffer, size)
		p.classes[size] = rpool
	}
	return rpool
}

// Element wraps a leased ring-pool element together with the size class it
// came from, so Put can return it to the right ring.
type Element struct {
	class  *rp.RingPool
	inner  *rp.Element
	Buffer *Buffer
}

// Get leases a buffer of exactly size bytes.
func (p *Pool) Get(size int) *Element {
	class := p.classFor(size)
	el := class.GetElement()
	buf := el.Data.(*Buffer)
	if len(buf.bytes) < size {
		buf.bytes = make([]byte, size)
	}
	buf.length = size
	return &Element{class: class, inner: el, Buffer: buf}
}

// Put returns a leased buffer to its pool.
func (p *Pool) Put(e *Element) {
	if e == nil {
		return
	}
	e.Buffer.Reset()
	e.class.ReturnElement(e.inner)
}
