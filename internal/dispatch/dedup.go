package dispatch

import "sync"

// DedupSet guarantees at-most-one execution per trigger id within a sweep
// window. Claim is a single lock-held test-and-insert, so two concurrent
// dispatches for the same id can never both win. The set is cleared
// wholesale on the sweep cadence rather than per-entry TTL.
type DedupSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
	max  int
}

func NewDedupSet(max int) *DedupSet {
	if max <= 0 {
		max = 8192
	}
	return &DedupSet{seen: map[string]struct{}{}, max: max}
}

// Claim returns true if id was not yet claimed and is now. An empty id is
// never claimable.
func (d *DedupSet) Claim(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	// Safety valve: a stuck sweep must not let the set grow unbounded.
	if len(d.seen) >= d.max {
		d.seen = map[string]struct{}{}
	}
	d.seen[id] = struct{}{}
	return true
}

// Clear drops every claim.
func (d *DedupSet) Clear() {
	d.mu.Lock()
	d.seen = map[string]struct{}{}
	d.mu.Unlock()
}

func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
