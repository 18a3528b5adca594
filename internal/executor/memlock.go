package executor

import (
	"context"
	"sync"
	"time"
)

// MemLocker is an in-process Locker for tests and single-node runs.
// Leases expire lazily on the next Acquire of the same name.
type MemLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemLocker builds an empty in-process locker.
func NewMemLocker() *MemLocker {
	return &MemLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *MemLocker) Acquire(_ context.Context, name string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, held := l.leases[name]; held && l.now().Before(until) {
		return false, nil
	}
	l.leases[name] = l.now().Add(lease)
	return true, nil
}

func (l *MemLocker) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}
