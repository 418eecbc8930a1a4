package tenant

import "sync"

// businessLocks serializes counter allocation and primary rotation per
// business. Grow-only, same trade-off as the per-license lock table.
type businessLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBusinessLocks() *businessLocks {
	return &businessLocks{locks: make(map[string]*sync.Mutex)}
}

func (b *businessLocks) Lock(key string) func() {
	b.mu.Lock()
	m, ok := b.locks[key]
	if !ok {
		m = &sync.Mutex{}
		b.locks[key] = m
	}
	b.mu.Unlock()

	m.Lock()
	return m.Unlock
}
