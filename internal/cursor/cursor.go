// Package cursor implements the cursor manager: open find/aggregate
// results held across getMore calls, expiring on a TTL sweep.
package cursor

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/monoerr"
)

// Cursor holds the documents of a result set that getMore has not yet
// returned, with the batch size to use when getMore gives none.
type Cursor struct {
	ID        int64
	Namespace string
	Remaining []bson.D
	BatchSize int32
	lastTouch time.Time
}

// Manager owns every open cursor, sweeping expired ones on an interval.
type Manager struct {
	mu      sync.Mutex
	ttl     time.Duration
	nextID  int64
	cursors map[int64]*Cursor
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &Manager{ttl: ttl, nextID: 1, cursors: map[int64]*Cursor{}, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.ttl)
	for id, c := range m.cursors {
		if c.lastTouch.Before(cutoff) {
			delete(m.cursors, id)
		}
	}
}

func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Open creates a cursor seeded with the full result set; firstBatch is the
// portion already consumed by the caller's initial response.
func (m *Manager) Open(namespace string, docs []bson.D, batchSize int32) (*Cursor, []bson.D) {
	if batchSize <= 0 {
		batchSize = 101
	}
	n := int(batchSize)
	if n > len(docs) {
		n = len(docs)
	}
	firstBatch := docs[:n]
	remaining := docs[n:]

	if len(remaining) == 0 {
		return nil, firstBatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Cursor{ID: m.nextID, Namespace: namespace, Remaining: remaining, BatchSize: batchSize, lastTouch: time.Now()}
	m.nextID++
	m.cursors[c.ID] = c
	return c, firstBatch
}

// GetMore returns the next batch for cursorID, closing the cursor if
// exhausted.
func (m *Manager) GetMore(cursorID int64, namespace string, batchSize int32) ([]bson.D, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[cursorID]
	if !ok {
		return nil, false, monoerr.Newf(monoerr.CursorNotFound, "cursor id %d not found", cursorID)
	}
	if c.Namespace != namespace {
		return nil, false, monoerr.Newf(monoerr.CursorNotFound, "cursor id %d not found on %s", cursorID, namespace)
	}
	c.lastTouch = time.Now()
	if batchSize <= 0 {
		batchSize = c.BatchSize
	}
	n := int(batchSize)
	if n > len(c.Remaining) {
		n = len(c.Remaining)
	}
	batch := c.Remaining[:n]
	c.Remaining = c.Remaining[n:]
	exhausted := len(c.Remaining) == 0
	if exhausted {
		delete(m.cursors, cursorID)
	}
	return batch, !exhausted, nil
}

// Kill removes cursors by id, returning which were actually found.
func (m *Manager) Kill(ids []int64) (killed, notFound []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.cursors[id]; ok {
			delete(m.cursors, id)
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return
}

func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cursors)
}
