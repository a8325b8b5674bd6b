package session

import (
	"sort"
	"sync"
)

// LockTable records which work currently owns a session. A session held by
// an orchestration run rejects ordinary prompts until the run exits.
type LockTable struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewLockTable() *LockTable {
	return &LockTable{owners: make(map[string]string)}
}

func (t *LockTable) TryLock(sessionID, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.owners[sessionID]; held {
		return false
	}
	t.owners[sessionID] = owner
	return true
}

// Unlock releases the session only if owner still holds it.
func (t *LockTable) Unlock(sessionID, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[sessionID] != owner {
		return false
	}
	delete(t.owners, sessionID)
	return true
}

func (t *LockTable) Owner(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.owners[sessionID]
	return owner, ok
}

func (t *LockTable) Locked(sessionID string) bool {
	_, ok := t.Owner(sessionID)
	return ok
}

func (t *LockTable) Held() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.owners))
	for id := range t.owners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
