package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/internal/page"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocateWriteReadPage(t *testing.T) {
	p := openTestPager(t)

	pg, err := p.AllocatePage(page.TypeData)
	require.NoError(t, err)
	copy(pg.Payload(), []byte("hello world"))
	require.NoError(t, p.WritePage(pg))

	got, err := p.GetPage(pg.PageID())
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got.Payload()[:11])
}

func TestCheckpointPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.db")
	walPath := filepath.Join(dir, "data.wal")

	p, err := Open(dataPath, walPath)
	require.NoError(t, err)
	pg, err := p.AllocatePage(page.TypeData)
	require.NoError(t, err)
	copy(pg.Payload(), []byte("durable"))
	require.NoError(t, p.WritePage(pg))
	require.NoError(t, p.Checkpoint())
	require.NoError(t, p.Close())

	p2, err := Open(dataPath, walPath)
	require.NoError(t, err)
	defer p2.Close()
	got, err := p2.GetPage(pg.PageID())
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got.Payload()[:7])
}

func TestRecoveryReplaysUncheckpointedWrites(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.db")
	walPath := filepath.Join(dir, "data.wal")

	p, err := Open(dataPath, walPath)
	require.NoError(t, err)
	pg, err := p.AllocatePage(page.TypeData)
	require.NoError(t, err)
	copy(pg.Payload(), []byte("uncommitted-to-datafile"))
	require.NoError(t, p.WritePage(pg))
	// No Checkpoint: the data file itself doesn't have this page yet,
	// only the WAL does.
	require.NoError(t, p.Close())

	p2, err := Open(dataPath, walPath)
	require.NoError(t, err)
	defer p2.Close()
	got, err := p2.GetPage(pg.PageID())
	require.NoError(t, err)
	require.Equal(t, []byte("uncommitted-to-datafile"), got.Payload()[:23])
}

func TestFreePageReusedByNextAllocate(t *testing.T) {
	p := openTestPager(t)

	pg1, err := p.AllocatePage(page.TypeData)
	require.NoError(t, err)
	id1 := pg1.PageID()
	require.NoError(t, p.FreePage(id1))

	pg2, err := p.AllocatePage(page.TypeData)
	require.NoError(t, err)
	require.Equal(t, id1, pg2.PageID())
}
