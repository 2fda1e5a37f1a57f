package dispatch

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultActivityCap bounds the per-user and per-module recency maps.
const DefaultActivityCap = 10000

// Activity is one bounded-map entry: how often and how recently a key
// (user id or module name) has been seen.
type Activity struct {
	Count      uint64
	LastActive time.Time
}

// Stats collects monotonic dispatch counters plus bounded recency maps.
// Counters are updated lock-free; the maps take a short mutex on the
// dispatch path and are trimmed during the periodic sweep, never inline.
type Stats struct {
	Loaded    atomic.Uint64
	Triggered atomic.Uint64
	Executed  atomic.Uint64
	Failed    atomic.Uint64
	Blocked   atomic.Uint64

	mu        sync.Mutex
	cap       int
	perUser   map[string]*Activity
	perModule map[string]*Activity
}

func NewStats(capacity int) *Stats {
	if capacity <= 0 {
		capacity = DefaultActivityCap
	}
	return &Stats{
		cap:       capacity,
		perUser:   map[string]*Activity{},
		perModule: map[string]*Activity{},
	}
}

func (s *Stats) TouchUser(id string) { s.touch(s.perUser, id) }

func (s *Stats) TouchModule(name string) { s.touch(s.perModule, name) }

func (s *Stats) touch(m map[string]*Activity, key string) {
	if key == "" {
		return
	}
	now := time.Now()
	s.mu.Lock()
	a := m[key]
	if a == nil {
		a = &Activity{}
		m[key] = a
	}
	a.Count++
	a.LastActive = now
	s.mu.Unlock()
}

func (s *Stats) UserActivity(id string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.perUser[id]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

func (s *Stats) ModuleActivity(name string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.perModule[name]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

// Trim evicts oldest-by-LastActive entries from both maps down to the cap.
// The pass is bounded by map size and runs only from the sweep.
func (s *Stats) Trim() {
	s.mu.Lock()
	trimActivity(s.perUser, s.cap)
	trimActivity(s.perModule, s.cap)
	s.mu.Unlock()
}

func trimActivity(m map[string]*Activity, capacity int) {
	over := len(m) - capacity
	if over <= 0 {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(m))
	for k, a := range m {
		all = append(all, aged{k, a.LastActive})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < over; i++ {
		delete(m, all[i].key)
	}
}

// Snapshot returns the counters as a map for the admin surface.
func (s *Stats) Snapshot() map[string]uint64 {
	s.mu.Lock()
	users := uint64(len(s.perUser))
	modules := uint64(len(s.perModule))
	s.mu.Unlock()
	return map[string]uint64{
		"loaded":       s.Loaded.Load(),
		"triggered":    s.Triggered.Load(),
		"executed":     s.Executed.Load(),
		"failed":       s.Failed.Load(),
		"blocked":      s.Blocked.Load(),
		"active_users": users,
		"modules_seen": modules,
	}
}
