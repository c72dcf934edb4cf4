// Package decentdb is the consumer-facing entry point: open_db,
// begin_ro/begin_rw, commit/rollback, read_page, B+Tree operations, and
// trigram operations, wired over storage, wal, btree, trigram, and txn.
// It follows novusdb's top-level engine.go (Felmond13/novusdb) in shape —
// one exported type opened from a path, owning the file lock and every
// subsystem beneath it — generalized onto this module's WAL-backed MVCC
// storage core instead of novusdb's single-version collection engine.
package decentdb

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sphildreth/decentdb/btree"
	"github.com/sphildreth/decentdb/config"
	"github.com/sphildreth/decentdb/storage"
	"github.com/sphildreth/decentdb/trigram"
	"github.com/sphildreth/decentdb/txn"
	"github.com/sphildreth/decentdb/vfs"
	"github.com/sphildreth/decentdb/wal"
)

// DB is an open DecentDB database: a locked main file, its WAL, and the
// transaction manager coordinating them.
type DB struct {
	path string
	lock *vfs.FileLock
	v    vfs.VFS

	pager *storage.Pager
	wal   *wal.WAL
	mgr   *txn.Manager
	opts  config.Options
	log   zerolog.Logger

	stopCheckpointer chan struct{}
}

// Open opens or creates the database at path under opts, acquiring an
// OS-level advisory lock so a second process cannot open it concurrently
// (decentdb is a single-writer, single-process embedded engine).
func Open(path string, opts config.Options, log zerolog.Logger) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	lock, err := vfs.LockPath(path)
	if err != nil {
		return nil, err
	}

	v := vfs.OSVFS{}
	db, err := openLocked(v, path, lock, opts, log)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return db, nil
}

// OpenWithVFS opens a database over a caller-supplied VFS (memory-backed
// for tests, fault-injecting for crash-recovery tests), skipping the
// OS-level file lock since MemVFS paths aren't real files.
func OpenWithVFS(v vfs.VFS, path string, opts config.Options, log zerolog.Logger) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return openLocked(v, path, nil, opts, log)
}

func openLocked(v vfs.VFS, path string, lock *vfs.FileLock, opts config.Options, log zerolog.Logger) (*DB, error) {
	pager, err := storage.Open(v, path, opts.PageSize, opts.CacheShards, opts.CachePages, log.With().Str("component", "storage").Logger())
	if err != nil {
		return nil, err
	}
	if err := pager.ReconcileFreelist(); err != nil {
		return nil, err
	}

	walOpts := wal.Options{
		ReaderWarnAfter:  opts.ReaderWarnDuration(),
		ReaderAbortAfter: opts.ReaderTimeoutDuration(),
	}
	switch opts.Durability {
	case config.DurabilityFull, config.DurabilityNormal:
		walOpts.Sync = wal.SyncEveryCommit
	case config.DurabilityRelaxed:
		walOpts.Sync = wal.SyncBatched
		walOpts.BatchEveryCommits = opts.RelaxedEveryN
		walOpts.BatchEveryInterval = time.Duration(opts.RelaxedEveryMs) * time.Millisecond
	case config.DurabilityNone:
		walOpts.Sync = wal.SyncNever
	}
	w, err := wal.Open(v, path+".wal", pager, walOpts, log.With().Str("component", "wal").Logger())
	if err != nil {
		return nil, err
	}

	header := pager.CurrentHeader()
	var idx *trigram.Index
	if header.TrigramRootPage != 0 {
		idx = trigram.New(btree.Open(pager, header.TrigramRootPage, opts.PageSize))
	} else {
		// Placeholder until the bootstrap transaction below allocates the
		// real postings root; never read before bootstrap completes.
		idx = trigram.New(nil)
	}

	mgr := txn.NewManager(pager, w, idx, log.With().Str("component", "txn").Logger())

	if header.RootCatalogPage == 0 || header.TrigramRootPage == 0 {
		if err := bootstrap(mgr, pager, opts.PageSize); err != nil {
			return nil, err
		}
		header = pager.CurrentHeader()
		mgr.SetTrigram(trigram.New(btree.Open(pager, header.TrigramRootPage, opts.PageSize)))
	}

	db := &DB{path: path, lock: lock, v: v, pager: pager, wal: w, mgr: mgr, opts: opts, log: log}
	if opts.CheckpointEveryBytes > 0 || opts.CheckpointEveryMs > 0 || opts.MaxIndexMemoryBytes > 0 {
		db.stopCheckpointer = make(chan struct{})
		go db.checkpointLoop()
	}
	return db, nil
}

// checkpointLoop fires an unprompted Checkpoint whenever the WAL has grown
// past CheckpointEveryBytes, CheckpointEveryMs has elapsed since the last
// one, or the trigram index's in-memory delta buffer is estimated to
// exceed MaxIndexMemoryBytes, so a write-heavy workload that never calls
// Checkpoint itself still bounds WAL size and delta-buffer growth. Polls
// at a quarter of CheckpointEveryMs (or every 200ms if that threshold
// is unset) since there's no single event to wait on for "WAL grew" or
// "delta buffer grew".
func (db *DB) checkpointLoop() {
	interval := 200 * time.Millisecond
	if db.opts.CheckpointEveryMs > 0 {
		interval = time.Duration(db.opts.CheckpointEveryMs) * time.Millisecond / 4
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastCheckpoint := time.Now()
	for {
		select {
		case <-db.stopCheckpointer:
			return
		case <-ticker.C:
			due := false
			if db.opts.CheckpointEveryMs > 0 && time.Since(lastCheckpoint) >= time.Duration(db.opts.CheckpointEveryMs)*time.Millisecond {
				due = true
			}
			if !due && db.opts.CheckpointEveryBytes > 0 {
				if size, err := db.wal.Size(); err == nil && size >= db.opts.CheckpointEveryBytes {
					due = true
				}
			}
			if !due && db.opts.MaxIndexMemoryBytes > 0 {
				if db.mgr.Trigram().EstimatedDeltaMemoryBytes() >= db.opts.MaxIndexMemoryBytes {
					due = true
				}
			}
			if !due {
				continue
			}
			if err := db.mgr.Checkpoint(); err != nil {
				db.log.Warn().Err(err).Msg("automatic checkpoint failed")
				continue
			}
			lastCheckpoint = time.Now()
		}
	}
}

// bootstrap allocates the root catalog tree and the trigram postings
// tree on first creation, durably, inside one write transaction.
func bootstrap(mgr *txn.Manager, pager *storage.Pager, pageSize int) error {
	wtx := mgr.BeginRW()
	rootTree, err := btree.Create(pager, pageSize)
	if err != nil {
		_ = wtx.Rollback()
		return err
	}
	pager.SetRootCatalogPage(rootTree.RootPageID)

	trigTree, err := btree.Create(pager, pageSize)
	if err != nil {
		_ = wtx.Rollback()
		return err
	}
	pager.SetTrigramRootPage(trigTree.RootPageID)

	return wtx.Commit()
}

// Close checkpoints pending writes and releases the database file.
func (db *DB) Close() error {
	if db.stopCheckpointer != nil {
		close(db.stopCheckpointer)
	}
	if err := db.mgr.Checkpoint(); err != nil {
		db.log.Warn().Err(err).Msg("checkpoint on close failed")
	}
	werr := db.wal.Close()
	perr := db.pager.Close()
	if db.lock != nil {
		_ = db.lock.Unlock()
	}
	if werr != nil {
		return werr
	}
	return perr
}

// RootCatalogPage returns the database header's root catalog page ID —
// a B+Tree root callers use as their top-level root. DecentDB makes no
// assumption about what it stores.
func (db *DB) RootCatalogPage() uint32 {
	return db.pager.CurrentHeader().RootCatalogPage
}

// BeginRO starts a read-only transaction pinned to the current WAL
// snapshot.
func (db *DB) BeginRO() *txn.ReadTxn { return db.mgr.BeginRO() }

// BeginRW starts the single write transaction, blocking until any prior
// writer commits or rolls back.
func (db *DB) BeginRW() *txn.WriteTxn { return db.mgr.BeginRW() }

// Checkpoint runs the checkpoint protocol and folds the trigram delta
// buffer into paged postings at the same safe LSN.
func (db *DB) Checkpoint() error { return db.mgr.Checkpoint() }

// FreelistStat reports the freelist head page and entry count, for
// operator introspection.
func (db *DB) FreelistStat() (headPage uint32, count uint32) {
	h := db.pager.CurrentHeader()
	return h.FreelistHead, h.FreelistCount
}

// IndexRebuild discards all paged trigram postings and in-memory deltas,
// then reindexes from source, which must call record for every row whose
// field should be indexed. Needed after a crash loses trigram deltas
// committed but never checkpointed. Runs as its own write transaction
// since it replaces the trigram tree's root page.
func (db *DB) IndexRebuild(source func(record func(s string, rowID uint64)) error) error {
	wtx := db.mgr.BeginRW()
	idx := wtx.TrigramIndex()
	if err := trigram.Rebuild(idx, source); err != nil {
		_ = wtx.Rollback()
		return err
	}
	db.pager.SetTrigramRootPage(idx.RootPageID())
	return wtx.Commit()
}

// PageSize returns the database's fixed page size.
func (db *DB) PageSize() int { return db.opts.PageSize }

// WAL returns the underlying write-ahead log, for operator tooling that
// needs to dump its frame stream.
func (db *DB) WAL() *wal.WAL { return db.wal }
