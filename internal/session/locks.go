package session

import (
	"sync"

	"github.com/google/uuid"
)

// lockTable hands out one mutex per session ID, serializing status
// transitions within this process. Lock scope covers only the status
// compare-and-swap and store writes; driver calls run unlocked so slow
// sandbox I/O never serializes behind the lock. Cross-process races are
// resolved by the store-level compare-and-swap.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// get returns the mutex for a session, creating it on first use.
func (t *lockTable) get(id uuid.UUID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[id]
	if !ok {
		m = &sync.Mutex{}
		t.locks[id] = m
	}
	return m
}

// drop forgets a session's mutex. Called after destruction so the table
// does not grow without bound.
func (t *lockTable) drop(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, id)
}
