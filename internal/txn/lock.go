// Package txn implements session-scoped undo-log transactions and the
// shared/exclusive lock manager that guards them, with wait-for-graph
// deadlock detection.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/arlobennett/monolite/internal/monoerr"
)

// LockMode is the access mode a resource is held under.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

type waiter struct {
	txnID   uint64
	mode    LockMode
	granted chan struct{}
	failed  chan error
}

type resourceState struct {
	owners  map[uint64]LockMode
	waiters []*waiter
}

// LockManager grants shared/exclusive locks on named resources, detecting
// deadlock by DFS over the wait-for graph before a caller blocks forever.
type LockManager struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	waitFor   map[uint64]map[uint64]bool
	heldBy    map[uint64]map[string]LockMode
}

func NewLockManager() *LockManager {
	return &LockManager{
		resources: map[string]*resourceState{},
		waitFor:   map[uint64]map[uint64]bool{},
		heldBy:    map[uint64]map[string]LockMode{},
	}
}

func compatible(existing map[uint64]LockMode, mode LockMode, txnID uint64) bool {
	for owner, ownedMode := range existing {
		if owner == txnID {
			continue
		}
		if mode == LockExclusive || ownedMode == LockExclusive {
			return false
		}
	}
	return true
}

// Acquire blocks until resource can be granted to txnID under mode, or
// returns DeadlockDetected / a timeout error.
func (lm *LockManager) Acquire(ctx context.Context, resource string, mode LockMode, txnID uint64, timeout time.Duration) error {
	lm.mu.Lock()
	rs, ok := lm.resources[resource]
	if !ok {
		rs = &resourceState{owners: map[uint64]LockMode{}}
		lm.resources[resource] = rs
	}

	if existing, already := rs.owners[txnID]; already {
		if existing == mode || existing == LockExclusive {
			lm.mu.Unlock()
			return nil
		}
	}

	if len(rs.waiters) == 0 && compatible(rs.owners, mode, txnID) {
		lm.grantLocked(rs, resource, txnID, mode)
		lm.mu.Unlock()
		return nil
	}

	for owner := range rs.owners {
		if owner == txnID {
			continue
		}
		lm.addWaitEdge(txnID, owner)
	}
	if lm.hasCycleLocked(txnID) {
		lm.removeWaitEdges(txnID)
		lm.mu.Unlock()
		return monoerr.New(monoerr.DeadlockDetected, "acquiring "+resource+" would deadlock")
	}

	w := &waiter{txnID: txnID, mode: mode, granted: make(chan struct{}), failed: make(chan error, 1)}
	rs.waiters = append(rs.waiters, w)
	lm.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case <-w.granted:
		return nil
	case err := <-w.failed:
		return err
	case <-timeoutCh:
		lm.mu.Lock()
		lm.removeWaiterLocked(rs, w)
		lm.removeWaitEdges(txnID)
		lm.mu.Unlock()
		return monoerr.New(monoerr.DeadlockDetected, "lock acquire timed out")
	case <-ctx.Done():
		lm.mu.Lock()
		lm.removeWaiterLocked(rs, w)
		lm.removeWaitEdges(txnID)
		lm.mu.Unlock()
		return ctx.Err()
	}
}

func (lm *LockManager) grantLocked(rs *resourceState, resource string, txnID uint64, mode LockMode) {
	rs.owners[txnID] = mode
	held, ok := lm.heldBy[txnID]
	if !ok {
		held = map[string]LockMode{}
		lm.heldBy[txnID] = held
	}
	held[resource] = mode
	lm.removeWaitEdges(txnID)
}

func (lm *LockManager) removeWaiterLocked(rs *resourceState, target *waiter) {
	out := rs.waiters[:0]
	for _, w := range rs.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	rs.waiters = out
}

func (lm *LockManager) addWaitEdge(from, to uint64) {
	m, ok := lm.waitFor[from]
	if !ok {
		m = map[uint64]bool{}
		lm.waitFor[from] = m
	}
	m[to] = true
}

func (lm *LockManager) removeWaitEdges(txnID uint64) {
	delete(lm.waitFor, txnID)
	for _, m := range lm.waitFor {
		delete(m, txnID)
	}
}

// hasCycleLocked runs a DFS from start over the wait-for graph.
func (lm *LockManager) hasCycleLocked(start uint64) bool {
	visited := map[uint64]bool{}
	var visit func(uint64) bool
	visit = func(node uint64) bool {
		if node == start && visited[node] {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range lm.waitFor[node] {
			if next == start || visit(next) {
				return true
			}
		}
		return false
	}
	for next := range lm.waitFor[start] {
		if next == start || visit(next) {
			return true
		}
	}
	return false
}

// Release drops txnID's hold on resource and wakes FIFO-compatible waiters.
func (lm *LockManager) Release(resource string, txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rs, ok := lm.resources[resource]
	if !ok {
		return
	}
	delete(rs.owners, txnID)
	if held, ok := lm.heldBy[txnID]; ok {
		delete(held, resource)
	}
	lm.wakeWaitersLocked(rs, resource)
}

// ReleaseAll drops every lock held by txnID.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	held := lm.heldBy[txnID]
	delete(lm.heldBy, txnID)
	delete(lm.waitFor, txnID)
	for resource := range held {
		rs, ok := lm.resources[resource]
		if !ok {
			continue
		}
		delete(rs.owners, txnID)
		lm.wakeWaitersLocked(rs, resource)
	}
}

// wakeWaitersLocked grants the longest prefix of FIFO waiters whose modes
// are mutually compatible with the current owner set.
func (lm *LockManager) wakeWaitersLocked(rs *resourceState, resource string) {
	for len(rs.waiters) > 0 {
		w := rs.waiters[0]
		if !compatible(rs.owners, w.mode, w.txnID) {
			break
		}
		rs.waiters = rs.waiters[1:]
		lm.grantLocked(rs, resource, w.txnID, w.mode)
		close(w.granted)
		if w.mode == LockExclusive {
			break
		}
	}
}
