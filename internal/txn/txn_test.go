package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/lockmgr"
	"github.com/monodb/monodb/internal/pager"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	pg, err := pager.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return New(lockmgr.New(), pg)
}

type fakeUndoer struct {
	inserts []bson.Value
	updates []bson.Value
	deletes []bson.Value
	order   []bson.Value
}

func (f *fakeUndoer) UndoInsert(collection string, docID bson.Value) error {
	f.inserts = append(f.inserts, docID)
	f.order = append(f.order, docID)
	return nil
}

func (f *fakeUndoer) UndoUpdate(collection string, docID bson.Value, oldDoc []byte) error {
	f.updates = append(f.updates, docID)
	f.order = append(f.order, docID)
	return nil
}

func (f *fakeUndoer) UndoDelete(collection string, docID bson.Value, oldDoc []byte) error {
	f.deletes = append(f.deletes, docID)
	f.order = append(f.order, docID)
	return nil
}

func TestBeginAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t)
	a := m.Begin(ReadCommitted)
	b := m.Begin(ReadCommitted)
	require.Greater(t, b.ID(), a.ID())
}

func TestCommitReleasesLocksAndFlushes(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)
	require.NoError(t, txn.Lock(context.Background(), "coll:docs", lockmgr.Exclusive))

	require.NoError(t, m.Commit(txn))
	require.Equal(t, StateCommitted, txn.State())

	other := m.Begin(ReadCommitted)
	require.NoError(t, other.Lock(context.Background(), "coll:docs", lockmgr.Exclusive))
}

func TestDoubleCommitIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)
	require.NoError(t, m.Commit(txn))
	require.NoError(t, m.Commit(txn))
}

func TestCommitAfterAbortFails(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)
	require.NoError(t, m.Abort(txn, &fakeUndoer{}))

	err := m.Commit(txn)
	require.Error(t, err)
}

func TestDoubleAbortIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)
	require.NoError(t, m.Abort(txn, &fakeUndoer{}))
	require.NoError(t, m.Abort(txn, &fakeUndoer{}))
}

func TestAbortAfterCommitFails(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)
	require.NoError(t, m.Commit(txn))

	err := m.Abort(txn, &fakeUndoer{})
	require.Error(t, err)
}

func TestAbortReplaysUndoLogInReverse(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)

	txn.Record(UndoRecord{Op: OpInsert, Collection: "docs", DocID: bson.Int32(1)})
	txn.Record(UndoRecord{Op: OpUpdate, Collection: "docs", DocID: bson.Int32(2)})
	txn.Record(UndoRecord{Op: OpDelete, Collection: "docs", DocID: bson.Int32(3)})

	u := &fakeUndoer{}
	require.NoError(t, m.Abort(txn, u))

	require.Equal(t, []bson.Value{bson.Int32(1)}, u.inserts)
	require.Equal(t, []bson.Value{bson.Int32(2)}, u.updates)
	require.Equal(t, []bson.Value{bson.Int32(3)}, u.deletes)
	require.Equal(t, []bson.Value{bson.Int32(3), bson.Int32(2), bson.Int32(1)}, u.order)
}

func TestAbortReleasesLocks(t *testing.T) {
	m := newTestManager(t)
	txn := m.Begin(ReadCommitted)
	require.NoError(t, txn.Lock(context.Background(), "coll:docs", lockmgr.Exclusive))
	require.NoError(t, m.Abort(txn, &fakeUndoer{}))

	other := m.Begin(ReadCommitted)
	require.NoError(t, other.Lock(context.Background(), "coll:docs", lockmgr.Exclusive))
}
