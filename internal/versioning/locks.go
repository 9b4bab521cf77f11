package versioning

import (
	"context"
	"sync"
)

// BranchLocks is a keyed mutex; one holder per branch id at a time.
// Acquire honours context cancellation so no caller blocks forever.
type BranchLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	token chan struct{}
	refs  int
}

func NewBranchLocks() *BranchLocks {
	return &BranchLocks{slots: make(map[string]*lockSlot)}
}

// Acquire blocks until key is free or ctx is done. The returned release func is idempotent.
func (l *BranchLocks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{token: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.token
			l.drop(key, slot)
		})
	}, nil
}

func (l *BranchLocks) drop(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && l.slots[key] == slot {
		delete(l.slots, key)
	}
}
