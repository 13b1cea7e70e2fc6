package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.AppendAndSync(Record{Kind: KindPageWrite, TxnID: 1, PageID: 4, Payload: []byte("page-data")}))
	require.NoError(t, w.AppendAndSync(Record{Kind: KindCommit, TxnID: 1}))
	require.NoError(t, w.Close())

	var got []Record
	err = Replay(path, nil, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, KindPageWrite, got[0].Kind)
	require.Equal(t, []byte("page-data"), got[0].Payload)
	require.Equal(t, KindCommit, got[1].Kind)
}

func TestReplayStopsAtTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.AppendAndSync(Record{Kind: KindPageWrite, TxnID: 1, PageID: 1, Payload: []byte("full")}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5}) // partial header, no valid record
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var count int
	err = Replay(path, nil, func(r Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestReplayMissingFileIsNoop(t *testing.T) {
	err := Replay(filepath.Join(t.TempDir(), "nope.wal"), nil, func(Record) error {
		t.Fatal("should not be called")
		return nil
	})
	require.NoError(t, err)
}

func TestTruncateResetsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.AppendAndSync(Record{Kind: KindPageWrite, TxnID: 1, PageID: 1, Payload: []byte("x")}))
	require.NoError(t, w.Truncate())
	require.NoError(t, w.Close())

	var count int
	err = Replay(path, nil, func(r Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
