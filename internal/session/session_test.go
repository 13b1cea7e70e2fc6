package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/lockmgr"
	"github.com/monodb/monodb/internal/pager"
	"github.com/monodb/monodb/internal/txn"
)

// discardUndoer satisfies txn.Undoer for tests that only care about
// transaction lifecycle transitions, not actual document reversal.
type discardUndoer struct{}

func (discardUndoer) UndoInsert(collection string, docID bson.Value) error { return nil }
func (discardUndoer) UndoUpdate(collection string, docID bson.Value, oldDoc []byte) error {
	return nil
}
func (discardUndoer) UndoDelete(collection string, docID bson.Value, oldDoc []byte) error {
	return nil
}

func newTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	pg, err := pager.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return pg
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	txns := txn.New(lockmgr.New(), newTestPager(t))
	return New(txns)
}

func TestStartSessionCreatesUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1 := m.StartSession()
	s2 := m.StartSession()
	require.NotEqual(t, s1.ID, s2.ID)
}

func TestGetCreatesImplicitSession(t *testing.T) {
	m := newTestManager(t)
	var id [16]byte
	id[0] = 7
	s := m.Get(id)
	require.Equal(t, id, s.ID)
	same := m.Get(id)
	require.Same(t, s, same)
}

func TestReapIdleDropsExpiredSessions(t *testing.T) {
	txns := txn.New(lockmgr.New(), newTestPager(t))
	m := NewWithTimeout(txns, time.Millisecond)
	s := m.StartSession()
	time.Sleep(5 * time.Millisecond)
	n := m.ReapIdle(discardUndoer{})
	require.Equal(t, 1, n)
	_, ok := m.sessions[s.ID]
	require.False(t, ok)
}

func makeDocs(n int) []*bson.Document {
	docs := make([]*bson.Document, n)
	for i := range docs {
		docs[i] = bson.NewDocument()
	}
	return docs
}

func TestCursorFirstBatchReturnsZeroIDWhenExhausted(t *testing.T) {
	cm := NewCursorManager()
	docs := makeDocs(3)
	batch, id := cm.FirstBatch("test.coll", docs, 10)
	require.Len(t, batch, 3)
	require.Equal(t, int64(0), id)
}

func TestCursorFirstBatchAndGetMore(t *testing.T) {
	cm := NewCursorManager()
	docs := makeDocs(5)
	batch, id := cm.FirstBatch("test.coll", docs, 2)
	require.Len(t, batch, 2)
	require.NotEqual(t, int64(0), id)

	batch2, id2, err := cm.GetMore(id, 2)
	require.NoError(t, err)
	require.Len(t, batch2, 2)
	require.Equal(t, id, id2)

	batch3, id3, err := cm.GetMore(id, 2)
	require.NoError(t, err)
	require.Len(t, batch3, 1)
	require.Equal(t, int64(0), id3)
}

func TestCursorGetMoreUnknownIDErrors(t *testing.T) {
	cm := NewCursorManager()
	_, _, err := cm.GetMore(999, 10)
	require.Error(t, err)
}

func TestCursorKillDropsCursor(t *testing.T) {
	cm := NewCursorManager()
	docs := makeDocs(5)
	_, id := cm.FirstBatch("test.coll", docs, 2)
	killed := cm.Kill([]int64{id})
	require.Equal(t, []int64{id}, killed)
	_, _, err := cm.GetMore(id, 2)
	require.Error(t, err)
}

func TestBeginTransactionRejectsAutocommitTrue(t *testing.T) {
	m := newTestManager(t)
	s := m.StartSession()
	cc := CommandContext{Session: s, TxnNumber: 1, HasTxnNumber: true, HasAutocommit: true, Autocommit: true}
	_, err := m.BeginTransaction(context.Background(), cc, discardUndoer{})
	require.Error(t, err)
}

func TestBeginTransactionRejectsNonIncreasingTxnNumber(t *testing.T) {
	m := newTestManager(t)
	s := m.StartSession()
	cc := CommandContext{Session: s, TxnNumber: 5, HasTxnNumber: true, HasAutocommit: true, Autocommit: false}
	_, err := m.BeginTransaction(context.Background(), cc, discardUndoer{})
	require.NoError(t, err)

	cc2 := CommandContext{Session: s, TxnNumber: 5, HasTxnNumber: true, HasAutocommit: true, Autocommit: false}
	_, err = m.BeginTransaction(context.Background(), cc2, discardUndoer{})
	require.Error(t, err)
}

func TestBeginTransactionAbortsPriorActiveTransaction(t *testing.T) {
	m := newTestManager(t)
	s := m.StartSession()
	cc := CommandContext{Session: s, TxnNumber: 1, HasTxnNumber: true, HasAutocommit: true, Autocommit: false}
	first, err := m.BeginTransaction(context.Background(), cc, discardUndoer{})
	require.NoError(t, err)

	cc2 := CommandContext{Session: s, TxnNumber: 2, HasTxnNumber: true, HasAutocommit: true, Autocommit: false}
	_, err = m.BeginTransaction(context.Background(), cc2, discardUndoer{})
	require.NoError(t, err)
	require.Equal(t, txn.StateAborted, first.State())
}

func TestCommitTransactionRequiresActiveTransaction(t *testing.T) {
	m := newTestManager(t)
	s := m.StartSession()
	err := m.CommitTransaction(CommandContext{Session: s})
	require.Error(t, err)
}

func TestCommitTransactionSucceedsAfterBegin(t *testing.T) {
	m := newTestManager(t)
	s := m.StartSession()
	cc := CommandContext{Session: s, TxnNumber: 1, HasTxnNumber: true, HasAutocommit: true, Autocommit: false}
	_, err := m.BeginTransaction(context.Background(), cc, discardUndoer{})
	require.NoError(t, err)
	require.NoError(t, m.CommitTransaction(cc))
}

func TestExtractCommandContextParsesLsidAndTxnNumber(t *testing.T) {
	m := newTestManager(t)
	lsidBytes := make([]byte, 16)
	lsidBytes[0] = 9
	cmd := bson.DocFromElements(
		bson.Element{Name: "lsid", Value: bson.Doc(bson.DocFromElements(
			bson.Element{Name: "id", Value: bson.Bin(bson.Binary{Subtype: 4, Data: lsidBytes})},
		))},
		bson.Element{Name: "txnNumber", Value: bson.Int64(3)},
		bson.Element{Name: "autocommit", Value: bson.Bool(false)},
	)
	cc, err := m.ExtractCommandContext(cmd)
	require.NoError(t, err)
	require.NotNil(t, cc.Session)
	require.True(t, cc.HasTxnNumber)
	require.Equal(t, int64(3), cc.TxnNumber)
	require.True(t, cc.HasAutocommit)
	require.False(t, cc.Autocommit)
}
