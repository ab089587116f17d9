package txn

import (
	"context"
	"testing"
	"time"

	"github.com/arlobennett/monolite/internal/monoerr"
)

func TestAcquireSharedLocksAreCompatible(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()
	if err := lm.Acquire(ctx, "r1", LockShared, 1, 0); err != nil {
		t.Fatalf("txn 1 acquire shared: %v", err)
	}
	if err := lm.Acquire(ctx, "r1", LockShared, 2, 0); err != nil {
		t.Fatalf("txn 2 acquire shared: %v", err)
	}
}

func TestAcquireExclusiveBlocksUntilReleased(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()
	if err := lm.Acquire(ctx, "r1", LockExclusive, 1, 0); err != nil {
		t.Fatalf("txn 1 acquire exclusive: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- lm.Acquire(ctx, "r1", LockExclusive, 2, time.Second)
	}()

	select {
	case <-done:
		t.Fatalf("txn 2 should have blocked while txn 1 holds the exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	lm.Release("r1", 1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("txn 2 acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("txn 2 never got the lock after release")
	}
}

func TestAcquireDetectsDeadlock(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	if err := lm.Acquire(ctx, "a", LockExclusive, 1, 0); err != nil {
		t.Fatalf("txn 1 acquire a: %v", err)
	}
	if err := lm.Acquire(ctx, "b", LockExclusive, 2, 0); err != nil {
		t.Fatalf("txn 2 acquire b: %v", err)
	}

	// txn 2 waits on a, held by txn 1 -- fine, no cycle yet.
	go lm.Acquire(ctx, "a", LockExclusive, 2, time.Second)
	time.Sleep(20 * time.Millisecond)

	// txn 1 now wants b, held by txn 2, which is waiting on txn 1: cycle.
	err := lm.Acquire(ctx, "b", LockExclusive, 1, time.Second)
	if err == nil {
		t.Fatalf("expected deadlock detection")
	}
	if monoerr.KindOf(err) != monoerr.DeadlockDetected {
		t.Fatalf("error kind = %v, want DeadlockDetected", monoerr.KindOf(err))
	}
}

func TestReleaseAllDropsEveryHeldLock(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()
	if err := lm.Acquire(ctx, "r1", LockExclusive, 1, 0); err != nil {
		t.Fatalf("acquire r1: %v", err)
	}
	if err := lm.Acquire(ctx, "r2", LockExclusive, 1, 0); err != nil {
		t.Fatalf("acquire r2: %v", err)
	}
	lm.ReleaseAll(1)
	if err := lm.Acquire(ctx, "r1", LockExclusive, 2, 0); err != nil {
		t.Fatalf("txn 2 should acquire freed r1: %v", err)
	}
	if err := lm.Acquire(ctx, "r2", LockExclusive, 2, 0); err != nil {
		t.Fatalf("txn 2 should acquire freed r2: %v", err)
	}
}
