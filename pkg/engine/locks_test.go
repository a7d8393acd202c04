package engine

import (
	"errors"
	"testing"
)

func TestTargetLocksAcquireAndRelease(t *testing.T) {
	locks := NewTargetLocks()

	if err := locks.TryAcquire("i-0abc", "exec-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	holder, held := locks.Holder("i-0abc")
	if !held || holder != "exec-1" {
		t.Errorf("unexpected holder: %s held=%v", holder, held)
	}

	// Another target is independent.
	if err := locks.TryAcquire("i-0def", "exec-2"); err != nil {
		t.Errorf("independent target should acquire: %v", err)
	}

	locks.Release("exec-1")
	if _, held := locks.Holder("i-0abc"); held {
		t.Error("lock should be released")
	}

	if err := locks.TryAcquire("i-0abc", "exec-3"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestTargetLocksConflict(t *testing.T) {
	locks := NewTargetLocks()

	if err := locks.TryAcquire("i-0abc", "exec-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	err := locks.TryAcquire("i-0abc", "exec-2")
	if err == nil {
		t.Fatal("second acquire should conflict")
	}
	if !IsConflict(err) {
		t.Errorf("expected conflict class, got %v", err)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatal("expected engine error")
	}
	if engErr.Code != ErrCodeLockHeld {
		t.Errorf("unexpected code %s", engErr.Code)
	}
	if engErr.Details["holder_execution_id"] != "exec-1" {
		t.Errorf("conflict should name the holder: %v", engErr.Details)
	}
}

func TestTargetLocksReleaseUnheldIsNoop(t *testing.T) {
	locks := NewTargetLocks()
	locks.Release("exec-unknown")

	if err := locks.TryAcquire("i-0abc", "exec-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	// Releasing a different execution does not touch the held lock.
	locks.Release("exec-2")
	if _, held := locks.Holder("i-0abc"); !held {
		t.Error("lock should still be held")
	}
}

func TestTargetLocksRestore(t *testing.T) {
	locks := NewTargetLocks()

	locks.Restore("i-0abc", "exec-1")
	if holder, _ := locks.Holder("i-0abc"); holder != "exec-1" {
		t.Errorf("restore did not register lock, holder=%s", holder)
	}

	// Existing holder wins on duplicate restore.
	locks.Restore("i-0abc", "exec-2")
	if holder, _ := locks.Holder("i-0abc"); holder != "exec-1" {
		t.Errorf("restore overwrote existing holder, holder=%s", holder)
	}
}
