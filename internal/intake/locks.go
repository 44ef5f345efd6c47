package intake

import "sync"

// keyedMutex serializes work per correlation key (the contractor's phone
// number). The SMS gateway normally delivers a sender's messages serially,
// but duplicate deliveries can arrive concurrently; holding the phone's lock
// across the full read-modify-write span keeps the conversation row
// consistent.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key, creating it on first use, and returns the
// unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
