package ports

import (
	"fmt"
	"sync"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// internalOffset separates the internal port of a pair from its public port.
// Pair i is (start+i, start+i+internalOffset).
const internalOffset = 10000

// Allocator owns a bounded pool of (public, internal) port pairs. Allocation
// and release are serialized by a single mutex so two concurrent Allocate
// calls never return the same pair.
type Allocator struct {
	mu    sync.Mutex
	start int
	inUse []bool
	free  int
}

// NewAllocator creates an allocator over the inclusive public range [start, end]
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	size := end - start + 1
	return &Allocator{
		start: start,
		inUse: make([]bool, size),
		free:  size,
	}, nil
}

// Allocate reserves the lowest free pair
func (a *Allocator) Allocate() (public, internal int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free == 0 {
		return 0, 0, api.NewError(api.KindResourceExhausted, "port pool exhausted")
	}

	for i, used := range a.inUse {
		if !used {
			a.inUse[i] = true
			a.free--
			return a.start + i, a.start + i + internalOffset, nil
		}
	}

	// free counter said otherwise; keep the pool consistent
	a.free = 0
	return 0, 0, api.NewError(api.KindResourceExhausted, "port pool exhausted")
}

// Release frees a pair. Releasing an already-free or out-of-range pair is a
// no-op, never an error, so it is safely callable from every cleanup path.
func (a *Allocator) Release(public, internal int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := public - a.start
	if i < 0 || i >= len(a.inUse) {
		return
	}
	if internal != public+internalOffset {
		return
	}
	if a.inUse[i] {
		a.inUse[i] = false
		a.free++
	}
}

// Reserve marks a specific pair as in use, for rebuilding pool state from
// persisted applications at startup. Reserving a held or out-of-range pair
// is a no-op.
func (a *Allocator) Reserve(public, internal int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := public - a.start
	if i < 0 || i >= len(a.inUse) {
		return
	}
	if internal != public+internalOffset {
		return
	}
	if !a.inUse[i] {
		a.inUse[i] = true
		a.free--
	}
}

// InUse returns the number of currently held pairs
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse) - a.free
}
