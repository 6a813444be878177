// Package connid implements the connection-id registry from spec.md §3: a
// fixed-capacity pool of 36-byte slots the client reserves up front, and a
// growable pool the server commits in chunks as connections arrive.
//
// The design note in spec.md §9 offers two portable realizations of the
// original's reserve-then-commit virtual-memory scheme: mirror it, or use
// a lock-protected pool of fixed-size slabs. Go has no portable
// reserve-without-commit primitive in the standard library, so this
// package takes the slab-pool option; contiguity is not observable by the
// protocol. The free-list bookkeeping is grounded on the teacher's own
// ring-buffer port allocator (lib/portpool.go), generalized from a fixed
// range of ints to a growable slab of fixed-size byte slots.
package connid

import (
	"fmt"
	"sync"

	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

// SlotLength is the fixed size of one connection-id slot.
const SlotLength = 36

// growthStep is how many additional slots the server registry commits at
// once when it runs out of free slots, mirroring "the server reserves a
// large contiguous virtual range and commits additional slots in growth
// steps."
const growthStep = 256

// Registry owns the backing memory for connection-id slots. A slot is lent
// to an in-flight task via Acquire and returned via Release when the task
// retires.
type Registry struct {
	mu       sync.Mutex
	slots    [][]byte
	free     []int        // indices into slots that are currently unlent
	index    map[*byte]int // &slot[0] -> index, for O(1) Release
	growable bool          // false for the client's fixed-capacity registry
}

// NewFixed creates a client-side registry that reserves exactly capacity
// slots up front and never grows.
func NewFixed(capacity int) *Registry {
	r := &Registry{growable: false}
	r.commit(capacity)
	return r
}

// NewGrowable creates a server-side registry that starts with one growth
// step committed and commits more, in growthStep chunks, as Acquire calls
// exhaust the free list.
func NewGrowable() *Registry {
	r := &Registry{growable: true}
	r.commit(growthStep)
	return r
}

func (r *Registry) commit(n int) {
	if r.index == nil {
		r.index = make(map[*byte]int)
	}
	base := len(r.slots)
	for i := 0; i < n; i++ {
		slot := make([]byte, SlotLength)
		r.slots = append(r.slots, slot)
		r.index[&slot[0]] = base + i
		r.free = append(r.free, base+i)
	}
}

// Acquire lends out one slot. The server registry grows by one more
// growthStep chunk instead of failing when it runs out; the client
// registry returns a resource error (spec.md §7).
func (r *Registry) Acquire() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		if !r.growable {
			return nil, xerrors.New(xerrors.KindResource, nil,
				fmt.Sprintf("connid: fixed registry of %d slots exhausted", len(r.slots)))
		}
		r.commit(growthStep)
	}

	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	return r.slots[idx], nil
}

// Release returns a slot previously handed out by Acquire, clearing it so
// it cannot leak identifiers between connections.
func (r *Registry) Release(slot []byte) {
	if len(slot) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[&slot[0]]
	if !ok {
		return // not one of ours; ignore rather than corrupt the free list
	}
	for j := range slot {
		slot[j] = 0
	}
	r.free = append(r.free, idx)
}

// Capacity reports the number of slots currently committed.
func (r *Registry) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Available reports the number of slots currently free.
func (r *Registry) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}
