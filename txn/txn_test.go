package txn

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sphildreth/decentdb/btree"
	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/storage"
	"github.com/sphildreth/decentdb/trigram"
	"github.com/sphildreth/decentdb/vfs"
	"github.com/sphildreth/decentdb/wal"
)

const testPageSize = 256

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	v := vfs.NewMemVFS()
	pager, err := storage.Open(v, "test.db", testPageSize, 4, 64, zerolog.Nop())
	require.NoError(t, err)

	w, err := wal.Open(v, "test.wal", pager, wal.Options{}, zerolog.Nop())
	require.NoError(t, err)

	mgr := NewManager(pager, w, trigram.New(nil), zerolog.Nop())

	wtx := mgr.BeginRW()
	tree, err := btree.Create(pager, testPageSize)
	require.NoError(t, err)
	pager.SetRootCatalogPage(tree.RootPageID)

	trigTree, err := btree.Create(pager, testPageSize)
	require.NoError(t, err)
	pager.SetTrigramRootPage(trigTree.RootPageID)
	require.NoError(t, wtx.Commit())

	mgr.SetTrigram(trigram.New(btree.Open(pager, trigTree.RootPageID, testPageSize)))
	return mgr
}

func TestWriteTxnCommitIsVisibleToNewReaders(t *testing.T) {
	mgr := newTestManager(t)
	header := mgr.Pager().CurrentHeader()

	wtx := mgr.BeginRW()
	tree := wtx.Tree(header.RootCatalogPage, testPageSize)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, wtx.Commit())

	rtx := mgr.BeginRO()
	defer rtx.End()
	readTree := rtx.Tree(header.RootCatalogPage, testPageSize)
	vals, err := readTree.Lookup(rtx.SnapshotLSN(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, vals)
}

func TestReadTxnSnapshotIsolatedFromLaterWrite(t *testing.T) {
	mgr := newTestManager(t)
	header := mgr.Pager().CurrentHeader()

	wtx := mgr.BeginRW()
	tree := wtx.Tree(header.RootCatalogPage, testPageSize)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, wtx.Commit())

	rtx := mgr.BeginRO()
	defer rtx.End()

	wtx2 := mgr.BeginRW()
	tree2 := wtx2.Tree(header.RootCatalogPage, testPageSize)
	require.NoError(t, tree2.Insert([]byte("b"), []byte("2")))
	require.NoError(t, wtx2.Commit())

	readTree := rtx.Tree(header.RootCatalogPage, testPageSize)
	vals, err := readTree.Lookup(rtx.SnapshotLSN(), []byte("b"))
	require.NoError(t, err)
	require.Empty(t, vals, "a reader begun before the second write must not observe it")

	vals, err = readTree.Lookup(rtx.SnapshotLSN(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, vals)
}

func TestWriteTxnRollbackDiscardsChanges(t *testing.T) {
	mgr := newTestManager(t)
	header := mgr.Pager().CurrentHeader()

	wtx := mgr.BeginRW()
	tree := wtx.Tree(header.RootCatalogPage, testPageSize)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, wtx.Rollback())

	wtx2 := mgr.BeginRW()
	tree2 := wtx2.Tree(header.RootCatalogPage, testPageSize)
	vals, err := tree2.Lookup(0, []byte("a"))
	require.NoError(t, err)
	require.Empty(t, vals)
	require.NoError(t, wtx2.Rollback())
}

func TestWriteTxnRollbackClearsTrigramDelta(t *testing.T) {
	mgr := newTestManager(t)

	wtx := mgr.BeginRW()
	wtx.TrigramIndex().Record("hello", 1, false)
	require.NoError(t, wtx.Rollback())

	rowIDs, _, err := mgr.Trigram().Lookup(0, "HEL", trigram.DefaultDecodeBound)
	require.NoError(t, err)
	require.Empty(t, rowIDs)
}

func TestOnlyOneWriterAtATime(t *testing.T) {
	mgr := newTestManager(t)

	wtx := mgr.BeginRW()
	done := make(chan struct{})
	go func() {
		wtx2 := mgr.BeginRW()
		close(done)
		_ = wtx2.Rollback()
	}()

	select {
	case <-done:
		t.Fatal("second BeginRW must block while the first writer is active")
	default:
	}

	require.NoError(t, wtx.Commit())
	<-done
}

func TestCheckpointFlushesTrigramDelta(t *testing.T) {
	mgr := newTestManager(t)

	wtx := mgr.BeginRW()
	wtx.TrigramIndex().Record("hello", 1, false)
	require.NoError(t, wtx.Commit())

	require.NoError(t, mgr.Checkpoint())

	rowIDs, _, err := mgr.Trigram().Lookup(0, "HEL", trigram.DefaultDecodeBound)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, rowIDs)
}

func TestSnapshotStoreRejectsMutation(t *testing.T) {
	mgr := newTestManager(t)
	rtx := mgr.BeginRO()
	defer rtx.End()

	_, err := rtx.store.MutatePage(1)
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindTransaction))

	_, err = rtx.store.AllocPage()
	require.Error(t, err)

	err = rtx.store.FreePage(1)
	require.Error(t, err)
}
