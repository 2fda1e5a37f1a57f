package dispatch

import (
	"sync"
	"time"
)

type cooldownKey struct {
	userID  string
	command string
}

// CooldownTable tracks per-(user,command) re-invocation windows.
// A present entry whose expiry has passed is equivalent to absence:
// Remaining evicts it lazily, Sweep evicts the rest periodically.
type CooldownTable struct {
	mu sync.Mutex
	m  map[cooldownKey]time.Time
}

func NewCooldownTable() *CooldownTable {
	return &CooldownTable{m: map[cooldownKey]time.Time{}}
}

// Remaining returns how long until (userID, command) may run again;
// zero means no active cooldown.
func (t *CooldownTable) Remaining(userID, command string, now time.Time) time.Duration {
	key := cooldownKey{userID, command}
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.m[key]
	if !ok {
		return 0
	}
	if !until.After(now) {
		delete(t.m, key)
		return 0
	}
	return until.Sub(now)
}

func (t *CooldownTable) Set(userID, command string, until time.Time) {
	t.mu.Lock()
	t.m[cooldownKey{userID, command}] = until
	t.mu.Unlock()
}

// Sweep drops all expired entries.
func (t *CooldownTable) Sweep(now time.Time) {
	t.mu.Lock()
	for k, until := range t.m {
		if !until.After(now) {
			delete(t.m, k)
		}
	}
	t.mu.Unlock()
}

func (t *CooldownTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// ceilSeconds converts a remaining duration to whole seconds, rounding up,
// with a floor of 1 for any positive remainder.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
