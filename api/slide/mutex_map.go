package slide

import "sync"

// keyedMutex hands out one lock per sample. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *keyedMutex) Lock(key string) {
	m.edit.Lock()
	mu := m.mutexes[key]
	if mu == nil {
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	m.waiters[key]++
	m.edit.Unlock()

	mu.Lock()
}

func (m *keyedMutex) Unlock(key string) {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return
	}
	mu.Unlock()
	m.waiters[key]--
	if m.waiters[key] == 0 {
		delete(m.mutexes, key)
		delete(m.waiters, key)
	}
}

// TryLock locks key only when nobody holds or waits for it.
func (m *keyedMutex) TryLock(key string) bool {
	m.edit.Lock()
	defer m.edit.Unlock()

	if m.waiters[key] > 0 {
		return false
	}
	mu := &sync.Mutex{}
	mu.Lock()
	m.mutexes[key] = mu
	m.waiters[key] = 1
	return true
}
