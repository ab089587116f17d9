package txn

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/monoerr"
)

// State is a transaction's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// UndoOp identifies which inverse operation an UndoRecord replays.
type UndoOp int

const (
	UndoInsert UndoOp = iota
	UndoUpdate
	UndoDelete
)

// UndoRecord captures enough state to reverse one write during Abort.
type UndoRecord struct {
	Op         UndoOp
	Collection string
	ID         interface{}
	OldDoc     bson.D
}

// Transaction is a session-scoped, undo-log-backed unit of work.
type Transaction struct {
	ID        uint64
	State     State
	SessionID string
	undoLog   []UndoRecord
	locks     map[string]LockMode
}

func (t *Transaction) recordUndo(rec UndoRecord) {
	t.undoLog = append(t.undoLog, rec)
}

// Applier performs the inverse of each write kind against live collection
// storage; implemented by the database layer so txn stays decoupled from
// internal/collection.
type Applier interface {
	UndoInsert(collection string, id interface{}) error
	UndoUpdate(collection string, id interface{}, oldDoc bson.D) error
	UndoDelete(collection string, oldDoc bson.D) error
}

// Manager owns every active transaction plus the lock manager they share.
type Manager struct {
	mu     sync.Mutex
	locks  *LockManager
	nextID uint64
	active map[uint64]*Transaction
}

func NewManager() *Manager {
	return &Manager{locks: NewLockManager(), nextID: 1, active: map[uint64]*Transaction{}}
}

func (m *Manager) Locks() *LockManager { return m.locks }

// Begin creates a fresh transaction with a new monotonic id.
func (m *Manager) Begin(sessionID string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Transaction{ID: m.nextID, State: StateActive, SessionID: sessionID, locks: map[string]LockMode{}}
	m.nextID++
	m.active[tx.ID] = tx
	return tx
}

func (m *Manager) Get(id uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	return tx, ok
}

// AcquireLock acquires resource for tx and remembers it for Commit/Abort's
// blanket release.
func (m *Manager) AcquireLock(ctx context.Context, tx *Transaction, resource string, mode LockMode, timeout time.Duration) error {
	if err := m.locks.Acquire(ctx, resource, mode, tx.ID, timeout); err != nil {
		return err
	}
	tx.locks[resource] = mode
	return nil
}

// RecordUndo appends an undo record to tx's log, for use by the
// transactional write variants after a successful lock acquisition.
func (m *Manager) RecordUndo(tx *Transaction, rec UndoRecord) {
	tx.recordUndo(rec)
}

// Commit transitions tx to committed, releases all its locks, and drops
// its undo log. The WAL has already persisted every data change; no
// separate commit record is needed beyond marking the transaction done.
func (m *Manager) Commit(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.State != StateActive {
		return monoerr.New(monoerr.IllegalOperation, "transaction is not active")
	}
	tx.State = StateCommitted
	tx.undoLog = nil
	m.locks.ReleaseAll(tx.ID)
	delete(m.active, tx.ID)
	return nil
}

// Abort replays tx's undo log in reverse order through applier, then
// releases every lock tx held.
func (m *Manager) Abort(tx *Transaction, applier Applier) error {
	m.mu.Lock()
	if tx.State != StateActive {
		m.mu.Unlock()
		return monoerr.New(monoerr.IllegalOperation, "transaction is not active")
	}
	log := tx.undoLog
	m.mu.Unlock()

	for i := len(log) - 1; i >= 0; i-- {
		rec := log[i]
		var err error
		switch rec.Op {
		case UndoInsert:
			err = applier.UndoInsert(rec.Collection, rec.ID)
		case UndoUpdate:
			err = applier.UndoUpdate(rec.Collection, rec.ID, rec.OldDoc)
		case UndoDelete:
			err = applier.UndoDelete(rec.Collection, rec.OldDoc)
		}
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.State = StateAborted
	tx.undoLog = nil
	m.locks.ReleaseAll(tx.ID)
	delete(m.active, tx.ID)
	return nil
}

// Session tracks a client's lsid -> active transaction/txnNumber mapping.
type Session struct {
	ID        string
	TxnNumber int64
	Active    *Transaction
	LastUsed  time.Time
}

// SessionManager tracks one Session per lsid, driving startTransaction/
// commitTransaction/abortTransaction/endSessions/refreshSessions.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: map[string]*Session{}}
}

func (sm *SessionManager) GetOrCreate(id string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		s = &Session{ID: id}
		sm.sessions[id] = s
	}
	s.LastUsed = time.Now()
	return s
}

func (sm *SessionManager) End(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

func (sm *SessionManager) Refresh(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		s.LastUsed = time.Now()
	}
}
