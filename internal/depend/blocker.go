// Package depend tracks tasks that may not start until another task ends.
package depend

import (
	"context"
	"sync"
)

// PendingFunc reports whether the blocker task is still unfinished.
// A blocker that does not exist is not pending.
type PendingFunc func(ctx context.Context, id string) (bool, error)

// Blocker maps a blocking task to the tasks waiting on it.
type Blocker struct {
	mu      sync.Mutex
	waiting map[string][]string // blocker -> blocked, in registration order
	on      map[string]string   // blocked -> blocker
}

func NewBlocker() *Blocker {
	return &Blocker{
		waiting: make(map[string][]string),
		on:      make(map[string]string),
	}
}

// Wait registers blocked behind blocker, then asks pending whether the
// blocker is still unfinished. If it is not, the registration is withdrawn
// and Wait reports false. The lookup runs outside the graph lock; a Notify
// that lands during it has already released blocked, which the caller may
// then see twice.
func (b *Blocker) Wait(ctx context.Context, blocked, blocker string, pending PendingFunc) (bool, error) {
	b.Restore(blocked, blocker)

	ok, err := pending(ctx, blocker)
	if err != nil || !ok {
		b.withdraw(blocked, blocker)
		return false, err
	}
	return true, nil
}

func (b *Blocker) withdraw(blocked, blocker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.on[blocked] == blocker {
		b.removeLocked(blocked, blocker)
	}
}

// Restore registers a wait unconditionally.
func (b *Blocker) Restore(blocked, blocker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(blocked, blocker)
}

func (b *Blocker) addLocked(blocked, blocker string) {
	if prev, ok := b.on[blocked]; ok {
		if prev == blocker {
			return
		}
		b.removeLocked(blocked, prev)
	}
	b.on[blocked] = blocker
	b.waiting[blocker] = append(b.waiting[blocker], blocked)
}

func (b *Blocker) removeLocked(blocked, blocker string) {
	list := b.waiting[blocker]
	for i, id := range list {
		if id == blocked {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.waiting, blocker)
	} else {
		b.waiting[blocker] = list
	}
	delete(b.on, blocked)
}

// Notify releases every task waiting on blocker and returns them in the
// order they registered.
func (b *Blocker) Notify(blocker string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.waiting[blocker]
	delete(b.waiting, blocker)
	for _, id := range list {
		delete(b.on, id)
	}
	return list
}

// Forget drops blocked's registration, if any.
func (b *Blocker) Forget(blocked string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if blocker, ok := b.on[blocked]; ok {
		b.removeLocked(blocked, blocker)
	}
}

// Waiting returns how many tasks are parked behind any blocker.
func (b *Blocker) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.on)
}
