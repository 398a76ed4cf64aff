package lifecycle

import (
	"sync"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// leaseTable hands out per-application mutual-exclusion tokens. A lease is
// held for the duration of one lifecycle operation; a second concurrent
// request for the same id is rejected, never queued.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]struct{})}
}

// acquire takes the lease for id, or reports that an operation is already
// in progress
func (t *leaseTable) acquire(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[id]; ok {
		return api.NewError(api.KindOperationInProgress, "another operation is in progress for "+id)
	}
	t.held[id] = struct{}{}
	return nil
}

// release returns the lease for id
func (t *leaseTable) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, id)
}
