package backup

import "sync"

// businessLocks serializes uploads and retention pruning per business.
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
