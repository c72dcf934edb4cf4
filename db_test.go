package decentdb

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sphildreth/decentdb/config"
	"github.com/sphildreth/decentdb/trigram"
	"github.com/sphildreth/decentdb/vfs"
)

func testOptions() config.Options {
	opts, err := config.New(config.WithPageSize(256), config.WithCache(64, 4))
	if err != nil {
		panic(err)
	}
	return opts
}

func TestOpenBootstrapsRootAndTrigramTrees(t *testing.T) {
	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", testOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	require.NotZero(t, db.RootCatalogPage())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", testOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	wtx := db.BeginRW()
	tree := wtx.Tree(db.RootCatalogPage(), db.PageSize())
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRO()
	defer rtx.End()
	readTree := rtx.Tree(db.RootCatalogPage(), db.PageSize())
	vals, err := readTree.Lookup(rtx.SnapshotLSN(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v")}, vals)
}

func TestCheckpointSucceeds(t *testing.T) {
	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", testOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	wtx := db.BeginRW()
	wtx.TrigramIndex().Record("hello world", 1, false)
	require.NoError(t, wtx.Commit())

	require.NoError(t, db.Checkpoint())
}

func TestFreelistStatAfterDeletingALeafEntry(t *testing.T) {
	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", testOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	wtx := db.BeginRW()
	tree := wtx.Tree(db.RootCatalogPage(), db.PageSize())
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	ok, err := tree.Delete([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, wtx.Commit())

	_, count := db.FreelistStat()
	require.Zero(t, count, "deleting a leaf entry doesn't free a page; only node merges do")
}

func TestIndexRebuildReplacesPostings(t *testing.T) {
	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", testOptions(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	wtx := db.BeginRW()
	wtx.TrigramIndex().Record("stale value", 1, false)
	require.NoError(t, wtx.Commit())
	require.NoError(t, db.Checkpoint())

	err = db.IndexRebuild(func(record func(s string, rowID uint64)) error {
		record("fresh value", 2)
		return nil
	})
	require.NoError(t, err)

	rtx := db.BeginRO()
	defer rtx.End()
	stale, _, err := rtx.TrigramIndex().Lookup(rtx.SnapshotLSN(), "STA", trigram.DefaultDecodeBound)
	require.NoError(t, err)
	require.Empty(t, stale)

	fresh, _, err := rtx.TrigramIndex().Lookup(rtx.SnapshotLSN(), "FRE", trigram.DefaultDecodeBound)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, fresh)
}

func TestAutomaticCheckpointFiresOnTimeThreshold(t *testing.T) {
	opts, err := config.New(config.WithPageSize(256), config.WithCache(64, 4), config.WithCheckpointThresholds(0, 20))
	require.NoError(t, err)

	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", opts, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	wtx := db.BeginRW()
	tree := wtx.Tree(db.RootCatalogPage(), db.PageSize())
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	require.NoError(t, wtx.Commit())

	require.Eventually(t, func() bool {
		return db.pager.LastCheckpointLSN() > 0
	}, time.Second, 10*time.Millisecond, "CheckpointEveryMs must trigger a checkpoint without an explicit Checkpoint call")
}

func TestAutomaticCheckpointFiresOnIndexMemoryThreshold(t *testing.T) {
	opts, err := config.New(config.WithPageSize(256), config.WithCache(64, 4), config.WithMaxIndexMemory(1))
	require.NoError(t, err)

	db, err := OpenWithVFS(vfs.NewMemVFS(), "test.db", opts, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	wtx := db.BeginRW()
	wtx.TrigramIndex().Record("hello world", 1, false)
	require.NoError(t, wtx.Commit())

	require.Eventually(t, func() bool {
		return db.pager.LastCheckpointLSN() > 0
	}, 2*time.Second, 10*time.Millisecond, "a delta buffer over MaxIndexMemoryBytes must trigger a checkpoint")
}

func TestReopenPersistsCommittedData(t *testing.T) {
	v := vfs.NewMemVFS()
	opts := testOptions()

	db, err := OpenWithVFS(v, "test.db", opts, zerolog.Nop())
	require.NoError(t, err)

	wtx := db.BeginRW()
	tree := wtx.Tree(db.RootCatalogPage(), db.PageSize())
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	require.NoError(t, wtx.Commit())
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	db2, err := OpenWithVFS(v, "test.db", opts, zerolog.Nop())
	require.NoError(t, err)
	defer db2.Close()

	rtx := db2.BeginRO()
	defer rtx.End()
	readTree := rtx.Tree(db2.RootCatalogPage(), db2.PageSize())
	vals, err := readTree.Lookup(rtx.SnapshotLSN(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v")}, vals)
}
