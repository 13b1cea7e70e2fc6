// Package session implements session and cursor management (spec.md
// §4.11): SessionManager tracks client sessions keyed by lsid and their
// in-progress transactions; CursorManager hands out batches of query
// results across getMore calls. Both are single-writer-guarded owner
// types in the same shape as internal/txn's Manager.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/txn"
)

// DefaultSessionTimeout and DefaultCursorTimeout are the spec's stated
// idle timeouts (spec.md §4.11, §5).
const (
	DefaultSessionTimeout = 30 * time.Minute
	DefaultCursorTimeout  = 10 * time.Minute
)

// TxnState mirrors the session-scoped transaction lifecycle a command
// observes through startTransaction/commitTransaction/abortTransaction,
// distinct from txn.State which belongs to the underlying Txn itself.
type TxnState int

const (
	TxnNone TxnState = iota
	TxnInProgress
	TxnCommitted
	TxnAborted
)

// activeTxn pairs the session-visible txnNumber/state with the
// underlying Txn the transaction manager tracks.
type activeTxn struct {
	number int64
	state  TxnState
	txn    *txn.Txn
}

// Session is keyed by a client-supplied lsid.id binary (spec.md §4.11).
type Session struct {
	ID             [16]byte
	lastUsed       time.Time
	lastTxnNumber  int64
	active         *activeTxn
	mu             sync.Mutex
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed reports the session's last-touched time.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ActiveTxn returns the session's in-progress transaction, if any.
func (s *Session) ActiveTxn() (*txn.Txn, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.state != TxnInProgress {
		return nil, 0, false
	}
	return s.active.txn, s.active.number, true
}

// Manager owns the session set, keyed by lsid. New sessions are
// server-generated (google/uuid) when a client does not supply lsid.id,
// per MongoDB driver convention.
type Manager struct {
	txns *txn.Manager

	mu       sync.Mutex
	sessions map[[16]byte]*Session
	timeout  time.Duration
}

// New creates a session manager backed by txns, with the default idle
// timeout. Use NewWithTimeout in tests that need to force expiry.
func New(txns *txn.Manager) *Manager {
	return NewWithTimeout(txns, DefaultSessionTimeout)
}

// NewWithTimeout is New with an explicit idle timeout.
func NewWithTimeout(txns *txn.Manager, timeout time.Duration) *Manager {
	return &Manager{
		txns:     txns,
		sessions: make(map[[16]byte]*Session),
		timeout:  timeout,
	}
}

// StartSession creates a new server-generated session id.
func (m *Manager) StartSession() *Session {
	id := uuid.New()
	var key [16]byte
	copy(key[:], id[:])
	s := &Session{ID: key, lastUsed: time.Now()}
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()
	return s
}

// Get returns the session for id, creating it (an implicit session,
// which MongoDB allows for unsigned lsids from embedded clients) if it
// does not already exist.
func (m *Manager) Get(id [16]byte) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{ID: id, lastUsed: time.Now()}
		m.sessions[id] = s
	}
	return s
}

// EndSessions drops the named sessions, aborting any in-progress
// transaction on each first.
func (m *Manager) EndSessions(ids [][16]byte, undoer txn.Undoer) error {
	for _, id := range ids {
		m.mu.Lock()
		s, ok := m.sessions[id]
		if ok {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		if t, _, has := s.ActiveTxn(); has {
			if err := m.txns.Abort(t, undoer); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefreshSessions touches each named session's last-used time, keeping
// it alive past the idle timeout.
func (m *Manager) RefreshSessions(ids [][16]byte) {
	for _, id := range ids {
		m.mu.Lock()
		s, ok := m.sessions[id]
		m.mu.Unlock()
		if ok {
			s.touch()
		}
	}
}

// ReapIdle aborts and drops every session idle past the manager's
// timeout, returning the count reaped. Intended to run on the server's
// scheduled maintenance tick (spec.md §5's independent session/cursor
// timeout).
func (m *Manager) ReapIdle(undoer txn.Undoer) int {
	cutoff := time.Now().Add(-m.timeout)
	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if t, _, has := s.ActiveTxn(); has {
			_ = m.txns.Abort(t, undoer)
		}
	}
	return len(expired)
}

// CommandContext is the result of extractCommandContext (spec.md
// §4.11): the session/transaction fields every command carries.
type CommandContext struct {
	Session          *Session
	TxnNumber        int64
	HasTxnNumber     bool
	StartTransaction bool
	Autocommit       bool
	HasAutocommit    bool
	ReadConcern      *bson.Document
	WriteConcern     *bson.Document
}

// ExtractCommandContext parses lsid, txnNumber, startTransaction,
// autocommit, readConcern, writeConcern off cmd, resolving or creating
// the named session via m.
func (m *Manager) ExtractCommandContext(cmd *bson.Document) (CommandContext, error) {
	var cc CommandContext

	if lsidVal, ok := cmd.Get("lsid"); ok {
		lsidDoc, ok := lsidVal.AsDocument()
		if !ok {
			return cc, monoerr.New(monoerr.CodeBadValue, "lsid must be a document")
		}
		idVal, ok := lsidDoc.Get("id")
		if !ok {
			return cc, monoerr.New(monoerr.CodeBadValue, "lsid requires id")
		}
		idBin, ok := idVal.AsBinary()
		if !ok || len(idBin.Data) != 16 {
			return cc, monoerr.New(monoerr.CodeBadValue, "lsid.id must be a 16-byte binary")
		}
		var key [16]byte
		copy(key[:], idBin.Data)
		cc.Session = m.Get(key)
		cc.Session.touch()
	}

	if n, ok := cmd.Get("txnNumber"); ok {
		num, ok := n.AsInt64()
		if !ok {
			return cc, monoerr.New(monoerr.CodeBadValue, "txnNumber must be a number")
		}
		cc.TxnNumber = num
		cc.HasTxnNumber = true
	}
	if v, ok := cmd.Get("startTransaction"); ok {
		cc.StartTransaction, _ = v.AsBool()
	}
	if v, ok := cmd.Get("autocommit"); ok {
		cc.Autocommit, _ = v.AsBool()
		cc.HasAutocommit = true
	}
	if v, ok := cmd.Get("readConcern"); ok {
		cc.ReadConcern, _ = v.AsDocument()
	}
	if v, ok := cmd.Get("writeConcern"); ok {
		cc.WriteConcern, _ = v.AsDocument()
	}
	return cc, nil
}

// BeginTransaction starts a new transaction on cc.Session per
// startTransaction semantics: requires autocommit=false, rejects a
// txnNumber not strictly greater than the session's last used one, and
// implicitly aborts any prior active transaction first.
func (m *Manager) BeginTransaction(ctx context.Context, cc CommandContext, undoer txn.Undoer) (*txn.Txn, error) {
	if cc.Session == nil {
		return nil, monoerr.New(monoerr.CodeBadValue, "startTransaction requires a session")
	}
	if !cc.HasAutocommit || cc.Autocommit {
		return nil, monoerr.New(monoerr.CodeBadValue, "startTransaction requires autocommit=false")
	}
	if !cc.HasTxnNumber {
		return nil, monoerr.New(monoerr.CodeBadValue, "startTransaction requires txnNumber")
	}

	s := cc.Session
	s.mu.Lock()
	if cc.TxnNumber <= s.lastTxnNumber {
		s.mu.Unlock()
		return nil, monoerr.New(monoerr.CodeConflictingUpdate, "txnNumber must be strictly greater than the session's last used value")
	}
	prior := s.active
	s.mu.Unlock()

	if prior != nil && prior.state == TxnInProgress {
		if err := m.txns.Abort(prior.txn, undoer); err != nil {
			return nil, err
		}
	}

	t := m.txns.Begin(txn.ReadCommitted)
	s.mu.Lock()
	s.lastTxnNumber = cc.TxnNumber
	s.active = &activeTxn{number: cc.TxnNumber, state: TxnInProgress, txn: t}
	s.mu.Unlock()
	return t, nil
}

// CommitTransaction commits cc.Session's active transaction.
func (m *Manager) CommitTransaction(cc CommandContext) error {
	t, _, ok := cc.Session.ActiveTxn()
	if !ok {
		return monoerr.New(monoerr.CodeNoSuchTransaction, "no transaction in progress for this session")
	}
	if err := m.txns.Commit(t); err != nil {
		return err
	}
	cc.Session.mu.Lock()
	cc.Session.active.state = TxnCommitted
	cc.Session.mu.Unlock()
	return nil
}

// AbortTransaction aborts cc.Session's active transaction.
func (m *Manager) AbortTransaction(cc CommandContext, undoer txn.Undoer) error {
	t, _, ok := cc.Session.ActiveTxn()
	if !ok {
		return monoerr.New(monoerr.CodeNoSuchTransaction, "no transaction in progress for this session")
	}
	if err := m.txns.Abort(t, undoer); err != nil {
		return err
	}
	cc.Session.mu.Lock()
	cc.Session.active.state = TxnAborted
	cc.Session.mu.Unlock()
	return nil
}
