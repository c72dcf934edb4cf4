// Package txn implements the transaction manager binding a single active
// writer to the WAL and pager, registering read-only snapshots, and
// coordinating trigram-delta flush with checkpoints. It generalizes
// novusdb's Pager.BeginTx/CommitTx/RollbackTx transaction-lifecycle shape
// (Felmond13/novusdb storage/pager.go) onto the WAL-backed MVCC model,
// and reuses concurrency/lock.go's wait-with-timeout idiom for the
// reader-lifetime and lock-hierarchy guards described below.
//
// Lock hierarchy, acquired in this order and released in reverse:
//  1. WAL write lock (wal.WAL.BeginWrite/Writer.Commit)
//  2. WAL index lock (wal.WAL's internal indexMu)
//  3. WAL reader lock (wal.WAL's internal readersMu)
//  4. Pager header/freelist lock (storage.Pager's internal headerMu)
//  5. Pager per-shard lock (storage.Pager's internal shard.mu)
//  6. Pager per-entry lock (storage.Pager's internal frame.mu)
//
// Callers never acquire these directly; Manager, ReadTxn, and WriteTxn
// only ever call into wal and storage in an order that respects it.
package txn

import (
	"github.com/rs/zerolog"

	"github.com/sphildreth/decentdb/btree"
	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/storage"
	"github.com/sphildreth/decentdb/trigram"
	"github.com/sphildreth/decentdb/wal"
)

// Manager owns the single writer slot, the shared pager and WAL, and the
// trigram index's postings tree, and orchestrates begin/commit/rollback
// and checkpoint.
type Manager struct {
	pager   *storage.Pager
	wal     *wal.WAL
	trigram *trigram.Index
	log     zerolog.Logger

	writeMu chan struct{} // 1-buffered, held by the single active WriteTxn
}

// NewManager wires pager as a flusher through wal (pager.SetFlusher(wal)),
// satisfying the single-persistent-WALFlusher contract storage.Pager
// expects: one *wal.WAL instance installed for the database's whole
// lifetime, not a fresh flusher per transaction.
func NewManager(pager *storage.Pager, w *wal.WAL, idx *trigram.Index, log zerolog.Logger) *Manager {
	pager.SetFlusher(w)
	return &Manager{
		pager:   pager,
		wal:     w,
		trigram: idx,
		log:     log,
		writeMu: make(chan struct{}, 1),
	}
}

// Trigram returns the manager's shared trigram index, for callers that
// need to Record against it from inside a WriteTxn.
func (m *Manager) Trigram() *trigram.Index { return m.trigram }

// SetTrigram installs the trigram index, used once by the database's
// bootstrap path after the postings tree's root page is allocated (the
// index passed to NewManager is a placeholder until then).
func (m *Manager) SetTrigram(idx *trigram.Index) { m.trigram = idx }

// Pager returns the manager's shared pager, for callers building trees
// over it directly (e.g. the catalog root).
func (m *Manager) Pager() *storage.Pager { return m.pager }

// BeginRO registers a new reader at the current WAL snapshot. The
// returned ReadTxn must be closed with End once the caller is done, even
// on error paths, or the reader pins the WAL from truncating forever.
func (m *Manager) BeginRO() *ReadTxn {
	id, snapshot := m.wal.BeginRead()
	return &ReadTxn{
		mgr:      m,
		readerID: id,
		snapshot: snapshot,
		store:    &snapshotStore{pager: m.pager, wal: m.wal, readerID: id, snapshot: snapshot},
	}
}

// BeginRW acquires the single write slot (blocking until any prior
// writer commits or rolls back), then opens the WAL write lock and marks
// the pager ready to track the new transaction's dirty set. Only one
// WriteTxn may be outstanding at a time; decentdb is single-writer.
func (m *Manager) BeginRW() *WriteTxn {
	m.writeMu <- struct{}{}
	writer := m.wal.BeginWrite()
	m.pager.BeginTx()
	return &WriteTxn{mgr: m, writer: writer}
}

// Checkpoint runs the WAL's seven-step checkpoint protocol, then folds
// the trigram index's in-memory delta into paged postings anchored at
// the same safe LSN the page checkpoint used, so both stay consistent
// with a single boundary.
func (m *Manager) Checkpoint() error {
	safeLSN, err := m.wal.Checkpoint()
	if err != nil {
		return err
	}
	return m.trigram.Flush(safeLSN)
}

// ReadTxn is a read-only transaction: a fixed WAL snapshot plus a
// btree.PageStore view that consults the WAL's reader-aware index (and
// its abort check) before ever falling back to the pager's cache/file.
type ReadTxn struct {
	mgr      *Manager
	readerID uint64
	snapshot uint64
	store    *snapshotStore
}

// SnapshotLSN returns the LSN this transaction's reads are pinned to.
func (rt *ReadTxn) SnapshotLSN() uint64 { return rt.snapshot }

// Tree opens the B+Tree rooted at rootPageID through this transaction's
// snapshot-aware store, rather than the writer's own pager-backed store.
func (rt *ReadTxn) Tree(rootPageID uint32, pageSize int) *btree.BTree {
	return btree.Open(rt.store, rootPageID, pageSize)
}

// TrigramIndex returns a view of the manager's trigram index scoped to
// this transaction's snapshot store, sharing the one delta buffer every
// writer accumulates into.
func (rt *ReadTxn) TrigramIndex() *trigram.Index {
	return rt.mgr.trigram.WithStore(rt.store)
}

// ReadPage reads a page directly, bypassing any tree, still through the
// reader-aware snapshot store.
func (rt *ReadTxn) ReadPage(id uint32) (*storage.Page, error) {
	return rt.store.ReadPage(id, rt.snapshot)
}

// End deregisters the reader. Safe to call once; idempotent on the WAL
// side (EndRead on an already-removed reader ID is a no-op delete).
func (rt *ReadTxn) End() {
	rt.mgr.wal.EndRead(rt.readerID)
}

// WriteTxn is the single active write transaction: it owns the WAL write
// lock and the pager's transaction-scoped dirty/new page tracking until
// Commit or Rollback.
type WriteTxn struct {
	mgr    *Manager
	writer *wal.Writer
}

// Tree opens the B+Tree rooted at rootPageID through the pager directly
// (snapshotLSN 0: read-your-writes, always the latest version).
func (wt *WriteTxn) Tree(rootPageID uint32, pageSize int) *btree.BTree {
	return btree.Open(wt.mgr.pager, rootPageID, pageSize)
}

// TrigramIndex returns the manager's shared trigram index for recording
// field changes against rows written in this transaction.
func (wt *WriteTxn) TrigramIndex() *trigram.Index { return wt.mgr.trigram }

// Commit flushes every page dirtied by this transaction through the WAL,
// writes the durable commit frame, marks the pager's transaction-local
// tracking resolved, then releases the write slot. Per the transaction
// manager's commit contract: pager-dirty pages flush to WAL, the commit
// frame syncs and publishes wal_end, pages are marked committed in the
// pager, and only then is the write lock released.
func (wt *WriteTxn) Commit() error {
	if err := wt.mgr.pager.FlushAll(); err != nil {
		return err
	}
	if err := wt.writer.Commit(); err != nil {
		return err
	}
	wt.mgr.pager.CommitTx()
	<-wt.mgr.writeMu
	return nil
}

// Rollback evicts this transaction's dirty pages and restores the pager
// header as last committed (undoing its page allocations), clears the
// trigram delta buffer
// contributions and the WAL's pending frames, and only then releases the
// write lock — so no reader or future writer can ever observe
// uncommitted state. Cache rollback must run before the writer handle is
// cleared.
func (wt *WriteTxn) Rollback() error {
	if err := wt.mgr.pager.RollbackTx(); err != nil {
		wt.writer.Rollback()
		<-wt.mgr.writeMu
		return err
	}
	wt.mgr.trigram.ClearDelta()
	wt.writer.Rollback()
	<-wt.mgr.writeMu
	return nil
}

// snapshotStore implements btree.PageStore for a read-only transaction:
// reads route through the WAL's reader-aware GetPageAtOrBefore (the
// single point that performs the reader-abort check) and only fall back
// to the pager's cache/file directly on a miss; every mutating method
// fails, since a read-only transaction never writes.
type snapshotStore struct {
	pager    *storage.Pager
	wal      *wal.WAL
	readerID uint64
	snapshot uint64
}

func (s *snapshotStore) ReadPage(id uint32, _ uint64) (*storage.Page, error) {
	data, ok, err := s.wal.GetPageAtOrBefore(s.readerID, id, s.snapshot)
	if err != nil {
		return nil, err
	}
	if ok {
		return storage.DecodePage(data)
	}
	return s.pager.ReadPageFallback(id)
}

func (s *snapshotStore) MutatePage(uint32) (*storage.Page, error) {
	return nil, dberr.New(dberr.KindTransaction, "read-only transaction cannot mutate pages")
}

func (s *snapshotStore) StagePage(uint32, *storage.Page) {}

func (s *snapshotStore) AllocPage() (uint32, error) {
	return 0, dberr.New(dberr.KindTransaction, "read-only transaction cannot allocate pages")
}

func (s *snapshotStore) FreePage(uint32) error {
	return dberr.New(dberr.KindTransaction, "read-only transaction cannot free pages")
}
