package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/monodb/monodb/bson"
)

// Cursor stores a namespace, a buffered document list, and a last-used
// timestamp (spec.md §4.11). A zero ID means exhausted/closed.
type Cursor struct {
	ID        int64
	Namespace string

	mu       sync.Mutex
	docs     []*bson.Document
	pos      int
	lastUsed time.Time
}

func (c *Cursor) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Cursor) lastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Cursor) exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos >= len(c.docs)
}

func (c *Cursor) take(size int) []*bson.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.pos + size
	if end > len(c.docs) {
		end = len(c.docs)
	}
	batch := c.docs[c.pos:end]
	c.pos = end
	return batch
}

// CursorManager hands out query-result batches across getMore calls
// (spec.md §4.11).
type CursorManager struct {
	next int64

	mu      sync.Mutex
	cursors map[int64]*Cursor
	timeout time.Duration
}

// NewCursorManager creates a cursor manager with the default idle
// timeout. Use NewCursorManagerWithTimeout to force expiry in tests.
func NewCursorManager() *CursorManager {
	return NewCursorManagerWithTimeout(DefaultCursorTimeout)
}

func NewCursorManagerWithTimeout(timeout time.Duration) *CursorManager {
	return &CursorManager{cursors: make(map[int64]*Cursor), timeout: timeout}
}

// FirstBatch returns up to size documents from docs and, if more
// remain, registers a new cursor and returns its non-zero id;
// otherwise the returned id is zero, signaling a single-batch result.
func (m *CursorManager) FirstBatch(ns string, docs []*bson.Document, size int) ([]*bson.Document, int64) {
	if size <= 0 || size >= len(docs) {
		return docs, 0
	}
	c := &Cursor{Namespace: ns, docs: docs, lastUsed: time.Now()}
	c.ID = atomic.AddInt64(&m.next, 1)
	batch := c.take(size)
	m.mu.Lock()
	m.cursors[c.ID] = c
	m.mu.Unlock()
	return batch, c.ID
}

// GetMore returns the next slice of up to size documents for id, and
// zero as the returned cursor id once the cursor is exhausted (at which
// point it is also dropped from the manager).
func (m *CursorManager) GetMore(id int64, size int) ([]*bson.Document, int64, error) {
	m.mu.Lock()
	c, ok := m.cursors[id]
	m.mu.Unlock()
	if !ok {
		return nil, 0, &CursorNotFoundError{ID: id}
	}
	c.touch()
	batch := c.take(size)
	if c.exhausted() {
		m.mu.Lock()
		delete(m.cursors, id)
		m.mu.Unlock()
		return batch, 0, nil
	}
	return batch, id, nil
}

// Kill drops the named cursors, returning the ids that were actually
// open.
func (m *CursorManager) Kill(ids []int64) []int64 {
	var killed []int64
	m.mu.Lock()
	for _, id := range ids {
		if _, ok := m.cursors[id]; ok {
			delete(m.cursors, id)
			killed = append(killed, id)
		}
	}
	m.mu.Unlock()
	return killed
}

// CloseAll drops every open cursor, used on server shutdown.
func (m *CursorManager) CloseAll() {
	m.mu.Lock()
	m.cursors = make(map[int64]*Cursor)
	m.mu.Unlock()
}

// ReapIdle drops every cursor idle past the manager's timeout,
// returning the count reaped.
func (m *CursorManager) ReapIdle() int {
	cutoff := time.Now().Add(-m.timeout)
	n := 0
	m.mu.Lock()
	for id, c := range m.cursors {
		if c.lastUsedAt().Before(cutoff) {
			delete(m.cursors, id)
			n++
		}
	}
	m.mu.Unlock()
	return n
}

// CursorNotFoundError reports a getMore/kill against an unknown or
// already-exhausted cursor id.
type CursorNotFoundError struct{ ID int64 }

func (e *CursorNotFoundError) Error() string {
	return "cursor not found"
}
