package reputation

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[uuid.UUID]*keyLock)}
}

// Lock blocks until the lock for agentID is held or ctx ends.
func (k *KeyedMutex) Lock(ctx context.Context, agentID uuid.UUID) (func(), error) {
	k.mu.Lock()
	l := k.locks[agentID]
	if l == nil {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[agentID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(agentID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(agentID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(agentID uuid.UUID, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, agentID)
	}
}

// held reports how many keys currently have holders or waiters.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
