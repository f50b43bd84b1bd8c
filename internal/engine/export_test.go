package engine

// LockedSession holds the session lock until the returned func is called.
func (e *Engine) LockedSession(id string) func() {
	l := e.lockSession(id)
	return func() { e.unlockSession(id, l) }
}

// LockWaiters reports holders plus waiters on a session lock.
func (e *Engine) LockWaiters(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[id]; ok {
		return l.refs
	}
	return 0
}

func (e *Engine) LockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}

func (e *Engine) SetProcessing(id string, on bool) { e.setProcessing(id, on) }
