package wal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/vfs"
)

// fakeMain is a minimal wal.MainFileWriter backed by an in-memory page map,
// standing in for storage.Pager in isolation.
type fakeMain struct {
	pages      map[uint32][]byte
	checkpLSN  uint64
	synced     int
	writeDelay time.Duration
}

func newFakeMain() *fakeMain { return &fakeMain{pages: make(map[uint32][]byte)} }

func (m *fakeMain) WritePageAt(pageID uint32, data []byte) error {
	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.pages[pageID] = cp
	return nil
}
func (m *fakeMain) Sync() error                           { m.synced++; return nil }
func (m *fakeMain) SetLastCheckpointLSN(lsn uint64) error { m.checkpLSN = lsn; return nil }
func (m *fakeMain) LastCheckpointLSN() uint64             { return m.checkpLSN }
func (m *fakeMain) InvalidateCache(uint32)                {}

func openTestWAL(t *testing.T, v vfs.VFS, main MainFileWriter) *WAL {
	t.Helper()
	w, err := Open(v, "test.wal", main, Options{}, zerolog.Nop())
	require.NoError(t, err)
	return w
}

func TestWALAppendCommitReadBack(t *testing.T) {
	w := openTestWAL(t, vfs.NewMemVFS(), newFakeMain())
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	data, ok, err := w.ReadPageAt(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(data))
}

func TestWALCommitWithNoPagesIsNoop(t *testing.T) {
	w := openTestWAL(t, vfs.NewMemVFS(), newFakeMain())
	defer w.Close()

	writer := w.BeginWrite()
	require.NoError(t, writer.Commit())
	require.Equal(t, uint64(0), w.WalEnd())
}

func TestWALRollbackDiscardsPending(t *testing.T) {
	w := openTestWAL(t, vfs.NewMemVFS(), newFakeMain())
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("uncommitted"))
	require.NoError(t, err)
	writer.Rollback()

	_, ok, err := w.ReadPageAt(1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// The write lock must be released: a second writer can begin.
	w2 := w.BeginWrite()
	w2.Rollback()
}

func TestWALSnapshotIsolationSeesOlderVersion(t *testing.T) {
	w := openTestWAL(t, vfs.NewMemVFS(), newFakeMain())
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	readerID, snapshot := w.BeginRead()

	writer2 := w.BeginWrite()
	_, err = writer2.AppendPage(1, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, writer2.Commit())

	data, ok, err := w.GetPageAtOrBefore(readerID, 1, snapshot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(data))

	w.EndRead(readerID)

	readerID2, snapshot2 := w.BeginRead()
	data2, ok, err := w.GetPageAtOrBefore(readerID2, 1, snapshot2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(data2))
	w.EndRead(readerID2)
}

func TestWALReaderAbortIsReported(t *testing.T) {
	w := openTestWAL(t, vfs.NewMemVFS(), newFakeMain())
	defer w.Close()

	readerID, snapshot := w.BeginRead()

	w.readersMu.Lock()
	w.aborted[readerID] = true
	w.readersMu.Unlock()

	_, _, err := w.GetPageAtOrBefore(readerID, 1, snapshot)
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindTransactionAborted))
}

func TestWALCheckpointFlushesAndSetsLSN(t *testing.T) {
	main := newFakeMain()
	w := openTestWAL(t, vfs.NewMemVFS(), main)
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("page1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	safeLSN, err := w.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, w.WalEnd(), safeLSN)
	require.Equal(t, "page1", string(main.pages[1]))
	require.Equal(t, safeLSN, main.checkpLSN)
}

func TestWALCheckpointTruncatesWhenNoReadersLagBehind(t *testing.T) {
	main := newFakeMain()
	w := openTestWAL(t, vfs.NewMemVFS(), main)
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("page1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	_, err = w.Checkpoint()
	require.NoError(t, err)

	size, err := w.file.Size()
	require.NoError(t, err)
	require.Equal(t, int64(frameHeaderLen+8+frameCRCLen), size, "WAL should be truncated once no reader needs pre-checkpoint history, keeping only the CheckpointComplete frame")
}

func TestWALCheckpointKeepsHistoryForLaggingReader(t *testing.T) {
	main := newFakeMain()
	w := openTestWAL(t, vfs.NewMemVFS(), main)
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	readerID, snapshot := w.BeginRead()

	writer2 := w.BeginWrite()
	_, err = writer2.AppendPage(1, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, writer2.Commit())

	_, err = w.Checkpoint()
	require.NoError(t, err)

	data, ok, err := w.GetPageAtOrBefore(readerID, 1, snapshot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(data))
	w.EndRead(readerID)
}

func TestWALCheckpointDoesNotTruncateWhenLaggingReaderEndsMidFlush(t *testing.T) {
	main := newFakeMain()
	main.writeDelay = 50 * time.Millisecond
	w := openTestWAL(t, vfs.NewMemVFS(), main)
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("v1"))
	require.NoError(t, err)
	// Page 2 is committed at or before the reader's snapshot and never
	// rewritten, so the first checkpoint has a page to flush.
	_, err = writer.AppendPage(2, []byte("other"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	readerID, snapshot := w.BeginRead()

	writer2 := w.BeginWrite()
	_, err = writer2.AppendPage(1, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, writer2.Commit())
	lastCommit := w.WalEnd()

	// The reader disconnects while the checkpoint's flush phase (which
	// main.writeDelay stretches out) is still running, i.e. after safeLSN
	// was computed from the reader's snapshot but before the truncate
	// decision at step 6 re-checks the reader registry.
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.EndRead(readerID)
	}()

	safeLSN, err := w.Checkpoint()
	require.NoError(t, err)
	require.Less(t, safeLSN, lastCommit, "the lagging reader's snapshot must still cap safeLSN below the later commit")

	size, err := w.file.Size()
	require.NoError(t, err)
	require.Greater(t, size, int64(frameHeaderLen+8+frameCRCLen), "must not truncate: pages committed after safeLSN were never flushed to main")

	// Page 1's latest committed version (v2) is past safeLSN, so this
	// checkpoint flushed only page 2.
	require.NotContains(t, main.pages, uint32(1))
	require.Equal(t, "other", string(main.pages[2]))

	// A second checkpoint, with no readers left at all, now safely
	// advances safeLSN to lastCommit and may truncate.
	safeLSN2, err := w.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, lastCommit, safeLSN2)
	require.Equal(t, "v2", string(main.pages[1]))

	size2, err := w.file.Size()
	require.NoError(t, err)
	require.Equal(t, int64(frameHeaderLen+8+frameCRCLen), size2)
}

func TestWALLSNStaysMonotonicAcrossTruncatingCheckpoint(t *testing.T) {
	main := newFakeMain()
	w := openTestWAL(t, vfs.NewMemVFS(), main)
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())
	beforeTruncate := w.WalEnd()

	_, err = w.Checkpoint()
	require.NoError(t, err)
	size, err := w.file.Size()
	require.NoError(t, err)
	require.Equal(t, int64(frameHeaderLen+8+frameCRCLen), size, "nothing lagging behind, so this checkpoint must truncate")

	writer2 := w.BeginWrite()
	lsn, err := writer2.AppendPage(1, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, writer2.Commit())

	require.Greater(t, lsn, beforeTruncate, "LSNs must never be reissued across a truncating checkpoint")
	require.Greater(t, w.WalEnd(), beforeTruncate)
}

func TestWALRecoveryRestoresMonotonicLSNAfterTruncatingCheckpoint(t *testing.T) {
	v := vfs.NewMemVFS()
	main := newFakeMain()
	w := openTestWAL(t, v, main)

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())
	beforeTruncate := w.WalEnd()

	_, err = w.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Reopen against the truncated WAL file, which holds only the
	// CheckpointComplete frame: recovery has no Commit frame to restore
	// walEnd from, so it must floor the high-water mark at the durable
	// LastCheckpointLSN instead of restarting LSNs at zero.
	w2, err := Open(v, "test.wal", main, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	require.GreaterOrEqual(t, w2.WalEnd(), beforeTruncate)

	writer2 := w2.BeginWrite()
	lsn, err := writer2.AppendPage(1, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, writer2.Commit())
	require.Greater(t, lsn, beforeTruncate)
}

func TestWALRecoversCommittedFramesAfterReopen(t *testing.T) {
	v := vfs.NewMemVFS()
	main := newFakeMain()
	w := openTestWAL(t, v, main)

	writer := w.BeginWrite()
	_, err := writer.AppendPage(3, []byte("recovered"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())
	require.NoError(t, w.Close())

	w2, err := Open(v, "test.wal", main, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	data, ok, err := w2.ReadPageAt(3, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "recovered", string(data))
	require.Equal(t, w.WalEnd(), w2.WalEnd())
}

func TestWALRecoveryIgnoresUncommittedTrailingFrame(t *testing.T) {
	v := vfs.NewMemVFS()
	main := newFakeMain()
	w := openTestWAL(t, v, main)

	writer := w.BeginWrite()
	_, err := writer.AppendPage(1, []byte("uncommitted"))
	require.NoError(t, err)
	// Intentionally never commit; close mid-transaction.
	writer.Rollback()
	require.NoError(t, w.Close())

	w2, err := Open(v, "test.wal", main, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	_, ok, err := w2.ReadPageAt(1, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWALDumpWalksFrames(t *testing.T) {
	w := openTestWAL(t, vfs.NewMemVFS(), newFakeMain())
	defer w.Close()

	writer := w.BeginWrite()
	_, err := writer.AppendPage(5, []byte("dumpme"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	var frames []FrameInfo
	err = w.Dump(func(f FrameInfo) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2) // one Page frame, one Commit frame
	require.Equal(t, FramePage, frames[0].Type)
	require.Equal(t, uint32(5), frames[0].PageID)
	require.Equal(t, FrameCommit, frames[1].Type)
}

func TestFrameTypeString(t *testing.T) {
	require.Equal(t, "Page", FramePage.String())
	require.Equal(t, "Commit", FrameCommit.String())
	require.Equal(t, "Checkpoint", FrameCheckpoint.String())
	require.Equal(t, "CheckpointIntent", FrameCheckpointIntent.String())
	require.Equal(t, "CheckpointComplete", FrameCheckpointComplete.String())
	require.Equal(t, "Unknown", FrameType(250).String())
}

func TestWALSyncNeverSkipsFsync(t *testing.T) {
	v := vfs.NewMemVFS()
	main := newFakeMain()
	w, err := Open(v, "sync.wal", main, Options{Sync: SyncNever}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		writer := w.BeginWrite()
		_, err := writer.AppendPage(1, []byte("v"))
		require.NoError(t, err)
		require.NoError(t, writer.Commit())
	}
	require.Zero(t, w.commitsSinceSync, "SyncNever must never touch the batch counters or sync")
}

func TestWALSyncBatchedDefersUntilCommitThreshold(t *testing.T) {
	v := vfs.NewMemVFS()
	main := newFakeMain()
	w, err := Open(v, "sync.wal", main, Options{Sync: SyncBatched, BatchEveryCommits: 3}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	commit := func() {
		writer := w.BeginWrite()
		_, err := writer.AppendPage(1, []byte("v"))
		require.NoError(t, err)
		require.NoError(t, writer.Commit())
	}

	commit()
	require.Equal(t, 1, w.commitsSinceSync, "first commit must not sync before the batch threshold")
	commit()
	require.Equal(t, 2, w.commitsSinceSync)
	commit()
	require.Zero(t, w.commitsSinceSync, "third commit must trigger the deferred sync and reset the counter")
}

func TestWALSyncBatchedSyncsOnIntervalEvenBelowCommitThreshold(t *testing.T) {
	v := vfs.NewMemVFS()
	main := newFakeMain()
	w, err := Open(v, "sync.wal", main, Options{Sync: SyncBatched, BatchEveryCommits: 1000, BatchEveryInterval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	writer := w.BeginWrite()
	_, err = writer.AppendPage(1, []byte("v"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())
	require.Equal(t, 1, w.commitsSinceSync)

	time.Sleep(15 * time.Millisecond)

	writer2 := w.BeginWrite()
	_, err = writer2.AppendPage(1, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, writer2.Commit())
	require.Zero(t, w.commitsSinceSync, "elapsed interval must trigger a sync even under the commit-count threshold")
}

func TestWALReaderLifetimeReaping(t *testing.T) {
	main := newFakeMain()
	v := vfs.NewMemVFS()
	w, err := Open(v, "reap.wal", main, Options{ReaderAbortAfter: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	readerID, snapshot := w.BeginRead()
	require.Eventually(t, func() bool {
		_, _, err := w.GetPageAtOrBefore(readerID, 1, snapshot)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
