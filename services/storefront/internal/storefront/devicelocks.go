package storefront

import "sync"

// deviceLocks serializes read-modify-write work on one device's state. An
// entry lives only while some request holds or waits for it.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (d *deviceLocks) Lock(key string) func() {
	d.mu.Lock()
	l, ok := d.locks[key]
	if !ok {
		l = &deviceLock{}
		d.locks[key] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, key)
		}
		d.mu.Unlock()
	}
}

func (d *deviceLocks) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
