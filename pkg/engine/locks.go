package engine

import "sync"

// TargetLocks enforces at most one active execution per target resource.
// The in-memory map is the source of truth for the running process; the
// store's lock table mirrors it so locks survive a restart.
type TargetLocks struct {
	mu     sync.Mutex
	byID   map[string]string // targetID -> executionID
	byExec map[string]string // executionID -> targetID
}

// NewTargetLocks creates an empty lock table.
func NewTargetLocks() *TargetLocks {
	return &TargetLocks{
		byID:   make(map[string]string),
		byExec: make(map[string]string),
	}
}

// TryAcquire acquires the lock on targetID for executionID. It fails fast
// with a conflict error if another execution holds the lock.
func (l *TargetLocks) TryAcquire(targetID, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, held := l.byID[targetID]; held {
		return NewConflictError("target resource is locked by another execution", nil).
			WithCode(ErrCodeLockHeld).
			WithTarget(targetID).
			WithDetail("holder_execution_id", holder)
	}

	l.byID[targetID] = executionID
	l.byExec[executionID] = targetID
	return nil
}

// Release releases the lock held by executionID. Releasing a lock the
// execution does not hold is a no-op.
func (l *TargetLocks) Release(executionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	targetID, ok := l.byExec[executionID]
	if !ok {
		return
	}
	if l.byID[targetID] == executionID {
		delete(l.byID, targetID)
	}
	delete(l.byExec, executionID)
}

// Holder returns the execution holding the lock on targetID, if any.
func (l *TargetLocks) Holder(targetID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, held := l.byID[targetID]
	return holder, held
}

// Restore re-registers a lock loaded from the store during crash recovery.
// An existing holder wins; recovery processes records oldest first.
func (l *TargetLocks) Restore(targetID, executionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.byID[targetID]; held {
		return
	}
	l.byID[targetID] = executionID
	l.byExec[executionID] = targetID
}
