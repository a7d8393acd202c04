package engine

import (
	"context"
	"testing"
	"time"
)

func TestChannelGateResolvesDecision(t *testing.T) {
	gate := NewChannelApprovalGate(time.Minute)

	type result struct {
		decision ApprovalDecision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		decision, err := gate.Await(context.Background(), "exec-1")
		done <- result{decision, err}
	}()

	// Resolve retries until the waiter has registered.
	deadline := time.After(2 * time.Second)
	for {
		if err := gate.Resolve("exec-1", ApprovalApproved, "alex"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("resolve never found the waiter")
		case <-time.After(time.Millisecond):
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("await failed: %v", res.err)
	}
	if res.decision != ApprovalApproved {
		t.Errorf("unexpected decision %s", res.decision)
	}
}

func TestChannelGateTimesOut(t *testing.T) {
	gate := NewChannelApprovalGate(10 * time.Millisecond)

	decision, err := gate.Await(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if decision != ApprovalTimedOut {
		t.Errorf("expected timed_out, got %s", decision)
	}
}

func TestChannelGateContextCancelled(t *testing.T) {
	gate := NewChannelApprovalGate(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision, err := gate.Await(ctx, "exec-1")
	if err == nil {
		t.Fatal("cancelled context should surface an error")
	}
	if decision != ApprovalTimedOut {
		t.Errorf("expected timed_out, got %s", decision)
	}
}

func TestChannelGateResolveWithoutWaiter(t *testing.T) {
	gate := NewChannelApprovalGate(time.Minute)

	err := gate.Resolve("exec-unknown", ApprovalApproved, "alex")
	if err == nil {
		t.Fatal("resolve without a waiter should fail")
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestChannelGateDoubleResolve(t *testing.T) {
	gate := NewChannelApprovalGate(time.Minute)

	// Register the pending channel the way Await does, without blocking the
	// test: buffer one resolution, then resolve twice.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = gate.Await(context.Background(), "exec-1")
	}()

	deadline := time.After(2 * time.Second)
	for {
		if err := gate.Resolve("exec-1", ApprovalRejected, "alex"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("resolve never found the waiter")
		case <-time.After(time.Millisecond):
		}
	}
	<-done

	// The waiter is gone; a second decision has nowhere to land.
	if err := gate.Resolve("exec-1", ApprovalApproved, "sam"); err == nil {
		t.Error("second resolve should fail")
	}
}

func TestAutoApprovalGate(t *testing.T) {
	gate := &AutoApprovalGate{}

	decision, err := gate.Await(context.Background(), "exec-1")
	if err != nil || decision != ApprovalApproved {
		t.Errorf("auto gate should approve immediately, got %s, %v", decision, err)
	}
	if err := gate.Resolve("exec-1", ApprovalRejected, "alex"); err != nil {
		t.Errorf("resolve should be a no-op: %v", err)
	}
}
