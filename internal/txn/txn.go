// Package txn implements the transaction manager (spec.md §4.8): begin,
// commit, and abort, with an undo log replayed in reverse on abort, lock
// release on both terminal transitions, and a pager flush on commit.
//
// gdbx has no direct analogue — it is single-writer copy-on-write MVCC
// with no undo log, committing by writing dirty pages and swapping the
// meta page (see txn.go's Commit/Abort in the teacher repo). This
// package keeps gdbx's shape for the terminal transitions (close
// cursors/locks, flush, return to a free-list style cache) but replaces
// gdbx's shadow-paging rollback with an explicit document-level undo
// log, since MonoDB's collection engine mutates pages in place rather
// than copy-on-write.
package txn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/lockmgr"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/pager"
)

// State is the lifecycle state of a Txn.
type State int32

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Isolation is a placeholder for the isolation level requested at
// Begin; MonoDB only ever runs ReadCommitted (spec.md Non-goals exclude
// causal consistency / snapshot reads), but Begin keeps the parameter
// so a stronger level can be added without changing callers.
type Isolation int

const ReadCommitted Isolation = 0

// Op names the kind of mutation an UndoRecord reverses.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// UndoRecord captures enough state to reverse one document mutation.
// OldDoc is the pre-image BSON bytes; nil for OpInsert, since an insert
// is undone by deleting the new document rather than restoring one.
type UndoRecord struct {
	Op         Op
	Collection string
	DocID      bson.Value
	OldDoc     []byte
}

// Undoer is implemented by the collection engine. The transaction
// manager has no knowledge of collection internals; it only knows how
// to walk the undo log backwards and ask the collection engine to
// reverse each step.
type Undoer interface {
	UndoInsert(collection string, docID bson.Value) error
	UndoUpdate(collection string, docID bson.Value, oldDoc []byte) error
	UndoDelete(collection string, docID bson.Value, oldDoc []byte) error
}

// Txn is a single transaction. Its zero value is not usable; obtain one
// from Manager.Begin.
type Txn struct {
	id        uint64
	isolation Isolation
	mgr       *Manager

	mu    sync.Mutex
	state State
	undo  []UndoRecord
}

// ID returns the transaction's monotonically increasing identifier.
func (t *Txn) ID() uint64 { return t.id }

// State returns the transaction's current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Record appends an undo entry; called by the collection engine after
// each successful mutation, before releasing its own serial-queue slot.
func (t *Txn) Record(rec UndoRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, rec)
}

// Lock acquires mode on resource on behalf of this transaction. Locks
// are released in bulk on commit or abort via lockmgr.ReleaseAll.
func (t *Txn) Lock(ctx context.Context, resource lockmgr.ResourceID, mode lockmgr.Mode) error {
	return t.mgr.locks.Acquire(ctx, lockmgr.OwnerID(t.id), resource, mode)
}

// Manager owns the active transaction set, the lock manager, and the
// pager flushed on commit.
type Manager struct {
	locks  *lockmgr.Manager
	pg     *pager.Pager
	next   uint64
	logger *slog.Logger

	mu     sync.Mutex
	active map[uint64]*Txn
}

// New creates a transaction manager bound to locks and pg.
func New(locks *lockmgr.Manager, pg *pager.Pager) *Manager {
	return &Manager{
		locks:  locks,
		pg:     pg,
		active: make(map[uint64]*Txn),
		logger: slog.Default(),
	}
}

// SetLogger injects the logger this manager reports through.
func (m *Manager) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// Begin assigns a new monotonically increasing transaction id and
// registers it as active.
func (m *Manager) Begin(isolation Isolation) *Txn {
	id := atomic.AddUint64(&m.next, 1)
	t := &Txn{id: id, isolation: isolation, mgr: m, state: StateActive}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	m.logger.Debug("transaction began", "txnID", id)
	return t
}

// Lookup returns the active transaction with id, if any.
func (m *Manager) Lookup(id uint64) (*Txn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	return t, ok
}

// Commit finalizes t: releases its locks and flushes the pager.
// Committing an already-committed transaction succeeds (idempotent);
// committing an already-aborted one fails with TransactionAborted, per
// spec.md's documented source parity.
func (m *Manager) Commit(t *Txn) error {
	t.mu.Lock()
	switch t.state {
	case StateCommitted:
		t.mu.Unlock()
		return nil
	case StateAborted:
		t.mu.Unlock()
		return monoerr.New(monoerr.CodeTransactionAborted, "cannot commit an aborted transaction")
	}
	t.state = StateCommitted
	t.mu.Unlock()

	m.locks.ReleaseAll(lockmgr.OwnerID(t.id))
	if err := m.pg.Checkpoint(); err != nil {
		m.logger.Error("checkpoint on commit failed", "txnID", t.id, "err", err)
		return monoerr.Wrap(monoerr.CodeInternalError, "checkpoint on commit failed", err)
	}

	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	m.logger.Debug("transaction committed", "txnID", t.id)
	return nil
}

// Abort replays t's undo log in reverse via u and releases its locks.
// Aborting an already-aborted transaction succeeds (idempotent);
// aborting an already-committed one fails with TransactionAborted, per
// spec.md's documented source parity.
func (m *Manager) Abort(t *Txn, u Undoer) error {
	t.mu.Lock()
	switch t.state {
	case StateAborted:
		t.mu.Unlock()
		return nil
	case StateCommitted:
		t.mu.Unlock()
		return monoerr.New(monoerr.CodeTransactionAborted, "cannot abort a committed transaction")
	}
	undo := t.undo
	t.state = StateAborted
	t.undo = nil
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		rec := undo[i]
		var err error
		switch rec.Op {
		case OpInsert:
			err = u.UndoInsert(rec.Collection, rec.DocID)
		case OpUpdate:
			err = u.UndoUpdate(rec.Collection, rec.DocID, rec.OldDoc)
		case OpDelete:
			err = u.UndoDelete(rec.Collection, rec.DocID, rec.OldDoc)
		}
		if err != nil {
			m.logger.Warn("undo replay failed", "txnID", t.id, "op", rec.Op, "collection", rec.Collection, "err", err)
			return monoerr.Wrap(monoerr.CodeInternalError, "undo replay failed", err)
		}
	}

	m.locks.ReleaseAll(lockmgr.OwnerID(t.id))

	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	m.logger.Debug("transaction aborted", "txnID", t.id, "undoRecords", len(undo))
	return nil
}
