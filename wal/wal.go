// Package wal implements the write-ahead log: frame format, the
// writer/reader protocol, checkpoint coordination, and crash recovery.
// It generalizes novusdb's single-version, plain-CRC32 log
// (storage/wal.go in Felmond13/novusdb) into an LSN-indexed,
// checkpoint-coordinated, CRC32C-framed log with a reader registry for
// MVCC snapshot isolation.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/vfs"
)

// FrameType tags a WAL frame.
type FrameType byte

const (
	FramePage FrameType = iota + 1
	FrameCommit
	FrameCheckpoint
	FrameCheckpointIntent
	FrameCheckpointComplete
)

// String names a frame type for operator tooling output.
func (ft FrameType) String() string {
	switch ft {
	case FramePage:
		return "Page"
	case FrameCommit:
		return "Commit"
	case FrameCheckpoint:
		return "Checkpoint"
	case FrameCheckpointIntent:
		return "CheckpointIntent"
	case FrameCheckpointComplete:
		return "CheckpointComplete"
	default:
		return "Unknown"
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const frameHeaderLen = 1 + 8 + 4 + 4 // type + LSN + page-id + payload-length
const frameCRCLen = 4

// MainFileWriter is the contract checkpoint needs against the main
// database file: write a page's bytes to its home offset and fsync.
type MainFileWriter interface {
	WritePageAt(pageID uint32, data []byte) error
	Sync() error
	SetLastCheckpointLSN(lsn uint64) error
	LastCheckpointLSN() uint64
	InvalidateCache(pageID uint32)
}

type indexEntry struct {
	lsn    uint64
	offset int64
}

// SyncPolicy controls how aggressively Writer.Commit fsyncs the WAL file,
// trading durability against commit latency.
type SyncPolicy int

const (
	// SyncEveryCommit fsyncs the WAL file before every commit returns
	// (the zero value, so wal.Options{} keeps today's behavior).
	SyncEveryCommit SyncPolicy = iota
	// SyncBatched fsyncs once BatchEveryCommits commits have landed since
	// the last sync, or BatchEveryInterval has elapsed, whichever first.
	SyncBatched
	// SyncNever never fsyncs the WAL file; durability rests entirely on
	// whatever cadence the caller checkpoints at. Meant for ephemeral or
	// test databases, not anything holding data worth keeping.
	SyncNever
)

// WAL is the write-ahead log over a single append-only file.
type WAL struct {
	file vfs.File
	log  zerolog.Logger

	writeMu sync.Mutex
	walEnd  uint64 // atomic LSN, release-ordered publish point

	indexMu              sync.Mutex
	index                map[uint32][]indexEntry
	dirtySinceCheckpoint map[uint32]indexEntry

	readersMu sync.Mutex
	readers   map[uint64]*readerState
	nextRdrID uint64
	aborted   map[uint64]bool

	nextLSN uint64 // next LSN to assign, protected by writeMu

	main MainFileWriter

	warnAfter  time.Duration
	abortAfter time.Duration
	stopReaper chan struct{}

	sync               SyncPolicy
	batchEveryCommits  int
	batchEveryInterval time.Duration
	commitsSinceSync   int       // protected by writeMu
	lastSyncAt         time.Time // protected by writeMu

	currentWriter *Writer // set while writeMu is held by BeginWrite
}

type readerState struct {
	snapshot uint64
	begun    time.Time
	lastSeen time.Time
}

// Options configures reader lifetime policy and commit durability.
type Options struct {
	ReaderWarnAfter  time.Duration
	ReaderAbortAfter time.Duration

	// Sync selects Writer.Commit's fsync cadence. The zero value,
	// SyncEveryCommit, fsyncs every commit.
	Sync SyncPolicy
	// BatchEveryCommits and BatchEveryInterval bound how long
	// SyncBatched may defer a sync. With both zero, SyncBatched never
	// syncs.
	BatchEveryCommits  int
	BatchEveryInterval time.Duration
}

// Open opens (or creates) the WAL file, replays it for crash recovery,
// and starts the reader-lifetime reaper.
func Open(v vfs.VFS, path string, main MainFileWriter, opts Options, log zerolog.Logger) (*WAL, error) {
	f, err := v.Open(path, vfs.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		file:                 f,
		log:                  log,
		index:                make(map[uint32][]indexEntry),
		dirtySinceCheckpoint: make(map[uint32]indexEntry),
		readers:              make(map[uint64]*readerState),
		aborted:              make(map[uint64]bool),
		main:                 main,
		warnAfter:            opts.ReaderWarnAfter,
		abortAfter:           opts.ReaderAbortAfter,
		stopReaper:           make(chan struct{}),
		sync:                 opts.Sync,
		batchEveryCommits:    opts.BatchEveryCommits,
		batchEveryInterval:   opts.BatchEveryInterval,
		lastSyncAt:           time.Now(),
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	if w.abortAfter > 0 {
		go w.reapLoop()
	}
	return w, nil
}

func (w *WAL) Close() error {
	close(w.stopReaper)
	return w.file.Close()
}

// WalEnd returns the current commit tail, acquire-read.
func (w *WAL) WalEnd() uint64 { return atomic.LoadUint64(&w.walEnd) }

// Size returns the WAL file's current size in bytes, for callers deciding
// whether accumulated WAL growth warrants an unprompted checkpoint.
func (w *WAL) Size() (int64, error) { return w.file.Size() }

// --- Writer protocol -------------------------------------------------

// Writer is a begin_write() handle; one may be outstanding at a time,
// enforced by WAL.writeMu (lock hierarchy level 1: WAL write lock).
type Writer struct {
	w       *WAL
	pending []pendingFrame
	lsn     uint64
}

type pendingFrame struct {
	pageID uint32
	lsn    uint64
	offset int64
}

// BeginWrite acquires the write lock and returns a writer handle.
func (w *WAL) BeginWrite() *Writer {
	w.writeMu.Lock()
	tw := &Writer{w: w}
	w.currentWriter = tw
	return tw
}

// AppendPage forwards to the writer currently holding the write lock, so
// that *WAL alone satisfies storage.WALFlusher: the pager installs one
// WAL instance as its flusher for the database's whole lifetime, and
// every read (even outside an active write transaction) can still
// consult ReadPageAt for snapshot isolation.
func (w *WAL) AppendPage(pageID uint32, data []byte) (uint64, error) {
	return w.currentWriter.AppendPage(pageID, data)
}

// AppendPage appends a Page frame for pageID and records its pending
// index entry. Implements storage.WALFlusher.AppendPage.
func (tw *Writer) AppendPage(pageID uint32, data []byte) (uint64, error) {
	w := tw.w
	w.nextLSN++
	lsn := w.nextLSN
	off, err := w.appendFrame(FramePage, lsn, pageID, data)
	if err != nil {
		return 0, err
	}
	tw.pending = append(tw.pending, pendingFrame{pageID: pageID, lsn: lsn, offset: off})
	tw.lsn = lsn
	return lsn, nil
}

// Commit writes a Commit frame, syncs the WAL file as the SyncPolicy
// directs, publishes the pending entries, advances wal_end with release
// ordering, then releases the write lock. A commit with no pending pages
// writes nothing.
func (tw *Writer) Commit() error {
	w := tw.w
	defer w.writeMu.Unlock()
	defer func() { w.currentWriter = nil }()

	if len(tw.pending) == 0 {
		return nil
	}
	w.nextLSN++
	commitLSN := w.nextLSN
	if _, err := w.appendFrame(FrameCommit, commitLSN, 0, nil); err != nil {
		return err
	}
	if err := w.maybeSync(); err != nil {
		return err
	}

	w.indexMu.Lock()
	for _, pf := range tw.pending {
		e := indexEntry{lsn: pf.lsn, offset: pf.offset}
		w.index[pf.pageID] = append(w.index[pf.pageID], e)
		w.dirtySinceCheckpoint[pf.pageID] = e
	}
	w.indexMu.Unlock()

	// index must be populated before wal_end advances, else a reader could
	// observe the new wal_end and look up an index entry that isn't there
	// yet.
	atomic.StoreUint64(&w.walEnd, commitLSN)
	return nil
}

// maybeSync fsyncs the WAL file according to w.sync, called with writeMu
// held (so commitsSinceSync/lastSyncAt need no separate lock). Under
// SyncBatched a crash between two syncs can lose commits the caller was
// told succeeded; callers choosing anything but SyncEveryCommit are
// trading that durability window for commit latency.
func (w *WAL) maybeSync() error {
	switch w.sync {
	case SyncNever:
		return nil
	case SyncBatched:
		w.commitsSinceSync++
		due := w.batchEveryCommits > 0 && w.commitsSinceSync >= w.batchEveryCommits
		if !due && w.batchEveryInterval > 0 && time.Since(w.lastSyncAt) >= w.batchEveryInterval {
			due = true
		}
		if !due {
			return nil
		}
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.commitsSinceSync = 0
	w.lastSyncAt = time.Now()
	return nil
}

// Rollback discards the pending list without publishing it.
func (tw *Writer) Rollback() {
	tw.w.currentWriter = nil
	tw.w.writeMu.Unlock()
}

func (w *WAL) appendFrame(ft FrameType, lsn uint64, pageID uint32, payload []byte) (int64, error) {
	size, err := w.file.Size()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, frameHeaderLen+len(payload)+frameCRCLen)
	buf[0] = byte(ft)
	binary.LittleEndian.PutUint64(buf[1:9], lsn)
	binary.LittleEndian.PutUint32(buf[9:13], pageID)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	trailer := len(buf) - frameCRCLen
	sum := crc32.Checksum(buf[:trailer], crc32cTable)
	binary.LittleEndian.PutUint32(buf[trailer:], sum)

	if _, err := w.file.WriteAt(buf, size); err != nil {
		return 0, err
	}
	return size, nil
}

// FrameInfo summarizes one on-disk WAL frame, for operator inspection
// tooling (wal-dump); it never exposes the raw page payload.
type FrameInfo struct {
	Type        FrameType
	LSN         uint64
	PageID      uint32
	PayloadLen  int
	Offset      int64
}

// Dump walks every frame from the start of the file, calling fn with a
// summary of each. Stops (without error) at the first truncated or
// corrupt trailing frame, matching recover's tolerance for a torn final
// write.
func (w *WAL) Dump(fn func(FrameInfo) error) error {
	size, err := w.file.Size()
	if err != nil {
		return err
	}
	var off int64
	for off < size {
		ft, lsn, pageID, payload, next, ferr := w.readFrameAt(off)
		if ferr != nil {
			return nil
		}
		if err := fn(FrameInfo{Type: ft, LSN: lsn, PageID: pageID, PayloadLen: len(payload), Offset: off}); err != nil {
			return err
		}
		off = next
	}
	return nil
}

func (w *WAL) readFrameAt(off int64) (ft FrameType, lsn uint64, pageID uint32, payload []byte, next int64, err error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err = w.file.ReadAt(hdr, off); err != nil {
		return
	}
	ft = FrameType(hdr[0])
	lsn = binary.LittleEndian.Uint64(hdr[1:9])
	pageID = binary.LittleEndian.Uint32(hdr[9:13])
	plen := binary.LittleEndian.Uint32(hdr[13:17])

	total := frameHeaderLen + int(plen) + frameCRCLen
	buf := make([]byte, total)
	if _, err = w.file.ReadAt(buf, off); err != nil {
		return
	}
	trailer := total - frameCRCLen
	want := binary.LittleEndian.Uint32(buf[trailer:])
	got := crc32.Checksum(buf[:trailer], crc32cTable)
	if want != got {
		err = dberr.New(dberr.KindCorruption, "WAL frame CRC32C mismatch")
		return
	}
	payload = buf[frameHeaderLen:trailer]
	next = off + int64(total)
	return
}

// --- Reader protocol ---------------------------------------------------

// BeginRead registers a new reader at the current wal_end snapshot,
// returning both the reader ID and the snapshot LSN it captured.
func (w *WAL) BeginRead() (id uint64, snapshot uint64) {
	w.readersMu.Lock()
	defer w.readersMu.Unlock()
	w.nextRdrID++
	id = w.nextRdrID
	snapshot = atomic.LoadUint64(&w.walEnd)
	now := time.Now()
	w.readers[id] = &readerState{snapshot: snapshot, begun: now, lastSeen: now}
	return id, snapshot
}

// GetPageAtOrBefore finds the largest-LSN version of page at or before
// snapshot, returning ok=false (fall back to main file) if none exists.
func (w *WAL) GetPageAtOrBefore(readerID uint64, pageID uint32, snapshot uint64) (data []byte, ok bool, err error) {
	w.readersMu.Lock()
	aborted := w.aborted[readerID]
	if r, exists := w.readers[readerID]; exists {
		r.lastSeen = time.Now()
	}
	w.readersMu.Unlock()
	if aborted {
		return nil, false, dberr.New(dberr.KindTransactionAborted, "reader aborted")
	}

	w.indexMu.Lock()
	entries := w.index[pageID]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].lsn > snapshot })
	var found indexEntry
	hasEntry := idx > 0
	if hasEntry {
		found = entries[idx-1]
	}
	w.indexMu.Unlock()

	if !hasEntry {
		return nil, false, nil
	}
	_, _, _, payload, _, ferr := w.readFrameAt(found.offset)
	if ferr != nil {
		return nil, false, ferr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, true, nil
}

// ReadPageAt implements storage.WALFlusher.ReadPageAt. A snapshot of 0
// returns the page's latest committed index entry; the active writer's
// own frames are not in the index until Commit publishes them.
func (w *WAL) ReadPageAt(pageID uint32, snapshot uint64) ([]byte, bool, error) {
	w.indexMu.Lock()
	entries := w.index[pageID]
	var found indexEntry
	var hasEntry bool
	if snapshot == 0 && len(entries) > 0 {
		found = entries[len(entries)-1]
		hasEntry = true
	} else {
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].lsn > snapshot })
		if idx > 0 {
			found = entries[idx-1]
			hasEntry = true
		}
	}
	w.indexMu.Unlock()
	if !hasEntry {
		return nil, false, nil
	}
	_, _, _, payload, _, err := w.readFrameAt(found.offset)
	if err != nil {
		return nil, false, err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, true, nil
}

// EndRead deregisters a reader.
func (w *WAL) EndRead(readerID uint64) {
	w.readersMu.Lock()
	defer w.readersMu.Unlock()
	delete(w.readers, readerID)
	delete(w.aborted, readerID)
}

// minActiveReaderSnapshot returns the smallest snapshot among active,
// non-aborted readers, or lastCommit if there are none.
func (w *WAL) minActiveReaderSnapshot(lastCommit uint64) uint64 {
	w.readersMu.Lock()
	defer w.readersMu.Unlock()
	min := lastCommit
	for id, r := range w.readers {
		if w.aborted[id] {
			continue
		}
		if r.snapshot < min {
			min = r.snapshot
		}
	}
	return min
}

// reapLoop enforces the reader lifetime policy: warn after warnAfter,
// abort after abortAfter, reusing novusdb's sync.Cond/time.After-
// flavored wait idiom from concurrency/lock.go but
// as a simple periodic sweep since there's no single condition variable
// to wait on across many readers.
func (w *WAL) reapLoop() {
	ticker := time.NewTicker(w.abortAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopReaper:
			return
		case <-ticker.C:
			now := time.Now()
			w.readersMu.Lock()
			for id, r := range w.readers {
				if w.aborted[id] {
					continue
				}
				age := now.Sub(r.begun)
				if age > w.abortAfter {
					w.aborted[id] = true
					r.snapshot = 0
					w.log.Warn().Uint64("reader_id", id).Dur("age", age).Msg("reader aborted: exceeded lifetime limit")
				} else if w.warnAfter > 0 && age > w.warnAfter {
					w.log.Warn().Uint64("reader_id", id).Dur("age", age).Msg("reader running long")
				}
			}
			w.readersMu.Unlock()
		}
	}
}
