package storage

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/vfs"
)

// WALFlusher is the WAL-side contract the pager needs: append a page image
// under the active write transaction, and answer "is there a version of
// this page visible at or before snapshotLSN" for the read path via a
// snapshot overlay. The wal package implements this; storage only
// depends on the interface, keeping the two packages decoupled.
type WALFlusher interface {
	AppendPage(pageID uint32, data []byte) (lsn uint64, err error)
	ReadPageAt(pageID uint32, snapshotLSN uint64) (data []byte, ok bool, err error)
}

// ReadGuard is invoked before a page is handed to a reader holding
// snapshot LSN snapshotLSN; returning an error aborts the read. Installed
// at transaction begin.
type ReadGuard func(pageID uint32, snapshotLSN uint64) error

const (
	// HeaderPageID is the fixed page ID of the database header.
	HeaderPageID           uint32 = 1
	minShardCount                 = 1
	defaultShardCount             = 16
	compactTombstoneFactor        = 4 // compact when tombstones > ring/4
	minShardCapacity              = 4 // floor so a small cachePages/shardCount still leaves room to work
)

// mixBits is a SplitMix64-style bit mixer used to spread page IDs across
// shards so sequential access doesn't hammer one shard.
func mixBits(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x = x ^ (x >> 31)
	return x
}

// frame is one cached page slot.
type frame struct {
	pageID   uint32
	data     []byte
	pinCount int32
	ref      bool
	dirty    bool
	txOwned  bool // dirtied by the currently active write transaction
	tomb     bool
	mu       sync.Mutex // content lock, held only while copying bytes in/out
}

// shard owns a slice of the page-ID space: a hash map into a clock ring,
// plus the mutex protecting both.
type shard struct {
	mu        sync.Mutex
	index     map[uint32]int
	ring      []*frame
	hand      int
	tombCount int
	capacity  int
}

func newShard(capacity int) *shard {
	if capacity < minShardCapacity {
		capacity = minShardCapacity
	}
	return &shard{index: make(map[uint32]int), capacity: capacity}
}

// evictVictim runs the clock algorithm: advance the hand, clearing
// reference bits, skipping pinned entries, until an unpinned entry with a
// cleared reference bit is found. Returns nil if every entry is pinned.
func (s *shard) evictVictim() *frame {
	n := len(s.ring)
	if n == 0 {
		return nil
	}
	for i := 0; i < 2*n; i++ {
		if s.hand >= len(s.ring) {
			s.hand = 0
		}
		f := s.ring[s.hand]
		if f == nil || f.tomb {
			s.hand++
			continue
		}
		if atomic.LoadInt32(&f.pinCount) > 0 {
			s.hand++
			continue
		}
		if f.ref {
			f.ref = false
			s.hand++
			continue
		}
		return f
	}
	return nil
}

// removeLocked tombstones a frame's ring slot and drops it from the
// index; the slot is physically reclaimed during the next compaction.
func (s *shard) removeLocked(f *frame) {
	if slot, ok := s.index[f.pageID]; ok {
		s.ring[slot].tomb = true
		delete(s.index, f.pageID)
		s.tombCount++
	}
	if s.tombCount*compactTombstoneFactor > len(s.ring) {
		s.compactLocked()
	}
}

func (s *shard) compactLocked() {
	fresh := s.ring[:0]
	for _, f := range s.ring {
		if f == nil || f.tomb {
			continue
		}
		fresh = append(fresh, f)
	}
	s.ring = fresh
	s.index = make(map[uint32]int, len(fresh))
	for i, f := range fresh {
		s.index[f.pageID] = i
	}
	s.tombCount = 0
	s.hand = 0
}

// Pager is the shard-striped buffer pool over a single paged file. It
// never writes an uncommitted dirty page to the main file: eviction writes
// nothing back and never reclaims a frame dirtied by the active write
// transaction, and dirty page contents reach storage only through
// FlushAll, which appends them to the WAL flusher.
type Pager struct {
	v        vfs.VFS
	file     vfs.File
	path     string
	pageSize int
	shards   []*shard
	log      zerolog.Logger

	headerMu sync.Mutex // header/freelist lock (lock hierarchy level 4)
	header   Header

	flusher   WALFlusher
	readGuard ReadGuard

	txMu     sync.Mutex
	txDirty  map[uint32]bool
	txNew    map[uint32]bool
	txActive bool
}

// Header mirrors the Database Header page's fields.
type Header struct {
	FormatVersion     uint32
	PageSize          uint32
	TotalPageCount    uint32
	RootCatalogPage   uint32
	FreelistHead      uint32
	FreelistCount     uint32
	LastCheckpointLSN uint64
	TrigramRootPage   uint32
}

// Open opens or creates the database file at path through v, using
// pageSize-byte pages split across shardCount shards. cachePages bounds the
// total number of resident frames across all shards combined; pass 0 to
// fall back to storage's own default rather than config's.
func Open(v vfs.VFS, path string, pageSize, shardCount, cachePages int, log zerolog.Logger) (*Pager, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if shardCount < minShardCount {
		shardCount = defaultShardCount
	}
	if cachePages <= 0 {
		cachePages = defaultShardCount * 256
	}
	f, err := v.Open(path, vfs.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	p := &Pager{
		v:        v,
		file:     f,
		path:     path,
		pageSize: pageSize,
		log:      log,
		txDirty:  make(map[uint32]bool),
		txNew:    make(map[uint32]bool),
	}
	perShard := cachePages / shardCount
	p.shards = make([]*shard, shardCount)
	for i := range p.shards {
		p.shards[i] = newShard(perShard)
	}

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		p.header = Header{FormatVersion: 1, PageSize: uint32(pageSize), TotalPageCount: 1}
		if err := p.flushHeaderLocked(); err != nil {
			return nil, err
		}
	} else if err := p.loadHeader(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetFlusher installs the WAL's flush hook. Must be called before any
// mutation is committed.
func (p *Pager) SetFlusher(f WALFlusher) { p.flusher = f }

// SetReadGuard installs the caller-provided read guard, normally set at
// transaction begin and cleared at end.
func (p *Pager) SetReadGuard(g ReadGuard) { p.readGuard = g }

func (p *Pager) shardFor(pageID uint32) *shard {
	idx := mixBits(uint64(pageID)) & uint64(len(p.shards)-1)
	return p.shards[idx]
}

// ReadPage returns a caller-owned copy of page id's content as visible
// under snapshotLSN (0 means "latest", used by the active writer: a page
// the writer has dirtied in the cache is returned ahead of any WAL
// version).
func (p *Pager) ReadPage(id uint32, snapshotLSN uint64) (*Page, error) {
	if p.readGuard != nil {
		if err := p.readGuard(id, snapshotLSN); err != nil {
			return nil, err
		}
	}
	if snapshotLSN == 0 {
		s := p.shardFor(id)
		s.mu.Lock()
		slot, cached := s.index[id]
		dirty := cached && s.ring[slot].dirty
		s.mu.Unlock()
		if dirty {
			return p.readFromCacheOrFile(id)
		}
	}
	if p.flusher != nil {
		if data, ok, err := p.flusher.ReadPageAt(id, snapshotLSN); err != nil {
			return nil, err
		} else if ok {
			return DecodePage(data)
		}
	}
	return p.readFromCacheOrFile(id)
}

// ReadPageFallback reads id from the cache or main file directly,
// bypassing both the read guard and the WAL flusher. Read-only
// transactions use this only after consulting the WAL's reader-aware
// GetPageAtOrBefore themselves, so the abort check already happened at
// that single point rather than here.
func (p *Pager) ReadPageFallback(id uint32) (*Page, error) {
	return p.readFromCacheOrFile(id)
}

func (p *Pager) readFromCacheOrFile(id uint32) (*Page, error) {
	s := p.shardFor(id)
	s.mu.Lock()
	if slot, ok := s.index[id]; ok {
		f := s.ring[slot]
		f.ref = true
		atomic.AddInt32(&f.pinCount, 1)
		s.mu.Unlock()
		f.mu.Lock()
		cp := make([]byte, len(f.data))
		copy(cp, f.data)
		f.mu.Unlock()
		atomic.AddInt32(&f.pinCount, -1)
		return DecodePage(cp)
	}
	s.mu.Unlock()

	buf := make([]byte, p.pageSize)
	off := int64(id-1) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, dberr.Wrap(dberr.KindIO, "read page from main file", p.path, err)
	}
	page, err := DecodePage(buf)
	if err != nil {
		return nil, err
	}
	p.insertIntoCache(id, page.Buf, false)
	return page, nil
}

func (p *Pager) insertIntoCache(id uint32, data []byte, dirty bool) *frame {
	s := p.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.index[id]; ok {
		f := s.ring[slot]
		f.mu.Lock()
		copy(f.data, data)
		f.mu.Unlock()
		f.ref = true
		if dirty {
			f.dirty = true
		}
		return f
	}

	// Eviction safety: never evict a dirty frame belonging to
	// the active writer. The clock hand skips pinned/referenced frames;
	// a dirty-and-txOwned victim is not reclaimed, and the new frame is
	// then added anyway, leaving the shard one frame over capacity. Only
	// evict once the shard is at capacity — a cold shard should fill up,
	// not thrash on every insert.
	if len(s.index) >= s.capacity {
		if victim := s.evictVictim(); victim != nil && !(victim.dirty && victim.txOwned) {
			s.removeLocked(victim)
		}
	}

	f := &frame{pageID: id, data: make([]byte, len(data)), ref: true, dirty: dirty}
	copy(f.data, data)
	s.ring = append(s.ring, f)
	s.index[id] = len(s.ring) - 1
	return f
}

// MutatePage returns a mutable page handle and marks it dirty in both the
// cache and the active transaction's dirty set. Callers
// mutate page.Payload() in place, call page.Finalize(), then pass the
// page back through StagePage to record the new bytes.
func (p *Pager) MutatePage(id uint32) (*Page, error) {
	page, err := p.ReadPage(id, 0)
	if err != nil {
		return nil, err
	}
	f := p.insertIntoCache(id, page.Buf, true)
	f.txOwned = true
	p.txMu.Lock()
	p.txDirty[id] = true
	p.txMu.Unlock()
	return page, nil
}

// StagePage records page's finalized bytes as page id's current dirty
// content, after the caller has mutated Payload() and called Finalize().
func (p *Pager) StagePage(id uint32, page *Page) {
	f := p.insertIntoCache(id, page.Buf, true)
	f.txOwned = true
	p.txMu.Lock()
	p.txDirty[id] = true
	p.txMu.Unlock()
}

// AllocPage pops a page ID from the freelist, or grows the database by one
// page if the freelist is empty (staging a blank page for the new ID in
// the cache, since neither the WAL nor the main file holds it yet), and
// tracks the allocation against the active transaction.
func (p *Pager) AllocPage() (uint32, error) {
	p.headerMu.Lock()
	defer p.headerMu.Unlock()

	var id uint32
	if p.header.FreelistHead != 0 {
		fl, err := p.readFromCacheOrFile(p.header.FreelistHead)
		if err != nil {
			return 0, err
		}
		ids, next := decodeFreelistPage(fl.Payload())
		if len(ids) == 0 {
			p.header.FreelistHead = next
		} else {
			id = ids[len(ids)-1]
			ids = ids[:len(ids)-1]
			if id == p.header.FreelistHead {
				// The head page listed itself; handing it out retires
				// it as a freelist page.
				p.header.FreelistHead = next
			} else {
				newPage := NewPage(p.pageSize, KindFreelist)
				encodeFreelistPage(newPage.Payload(), ids, next)
				newPage.Finalize()
				p.StagePage(p.header.FreelistHead, newPage)
			}
		}
		p.header.FreelistCount--
	} else {
		p.header.TotalPageCount++
		id = p.header.TotalPageCount
		blank := NewPage(p.pageSize, KindFreelist)
		blank.Finalize()
		p.StagePage(id, blank)
	}

	p.txMu.Lock()
	p.txNew[id] = true
	p.txMu.Unlock()

	p.stageHeaderLocked()
	return id, nil
}

// FreePage pushes id onto the freelist.
func (p *Pager) FreePage(id uint32) error {
	p.headerMu.Lock()
	defer p.headerMu.Unlock()

	newPage := NewPage(p.pageSize, KindFreelist)
	var existing []uint32
	var next uint32
	if p.header.FreelistHead != 0 {
		head, err := p.readFromCacheOrFile(p.header.FreelistHead)
		if err != nil {
			return err
		}
		existing, next = decodeFreelistPage(head.Payload())
	}
	existing = append(existing, id)
	encodeFreelistPage(newPage.Payload(), existing, next)
	newPage.Finalize()

	// Reuse id's own page as the new freelist head when there isn't one
	// yet, mirroring novusdb's freelist-chain pattern.
	target := p.header.FreelistHead
	if target == 0 {
		target = id
	}
	p.StagePage(target, newPage)
	p.header.FreelistHead = target
	p.header.FreelistCount++
	p.stageHeaderLocked()
	return nil
}

// stageHeaderLocked marks the header page dirty with its current field
// values; it becomes durable only through the normal commit path, never
// written to the main file outside checkpoint.
func (p *Pager) stageHeaderLocked() {
	hp := NewPage(p.pageSize, KindHeader)
	encodeHeader(hp.Payload(), p.header)
	hp.Finalize()
	p.StagePage(HeaderPageID, hp)
}

func (p *Pager) flushHeaderLocked() error {
	hp := NewPage(p.pageSize, KindHeader)
	encodeHeader(hp.Payload(), p.header)
	hp.Finalize()
	off := int64(HeaderPageID-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(hp.Buf, off); err != nil {
		return dberr.Wrap(dberr.KindIO, "write header page", p.path, err)
	}
	return p.file.Sync()
}

func (p *Pager) loadHeader() error {
	buf := make([]byte, p.pageSize)
	off := int64(HeaderPageID-1) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return dberr.Wrap(dberr.KindIO, "read header page", p.path, err)
	}
	page, err := DecodePage(buf)
	if err != nil {
		return err
	}
	p.header = decodeHeader(page.Payload())
	return nil
}

// CurrentHeader returns a copy of the in-memory header state.
func (p *Pager) CurrentHeader() Header {
	p.headerMu.Lock()
	defer p.headerMu.Unlock()
	return p.header
}

// SetRootCatalogPage stages the header's root catalog page ID as part of
// the active write transaction; it becomes durable only through the
// normal commit path.
func (p *Pager) SetRootCatalogPage(id uint32) {
	p.headerMu.Lock()
	p.header.RootCatalogPage = id
	p.stageHeaderLocked()
	p.headerMu.Unlock()
}

// SetTrigramRootPage stages the header's trigram postings tree root page
// ID as part of the active write transaction.
func (p *Pager) SetTrigramRootPage(id uint32) {
	p.headerMu.Lock()
	p.header.TrigramRootPage = id
	p.stageHeaderLocked()
	p.headerMu.Unlock()
}

// BeginTx marks the pager ready to track a new write transaction's
// dirty/new page sets.
func (p *Pager) BeginTx() {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	p.txActive = true
	p.txDirty = make(map[uint32]bool)
	p.txNew = make(map[uint32]bool)
}

// SnapshotDirtyPages returns the page IDs dirtied by the active
// transaction, used both at commit (to append to the WAL) and at
// checkpoint.
func (p *Pager) SnapshotDirtyPages() []uint32 {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	ids := make([]uint32, 0, len(p.txDirty))
	for id := range p.txDirty {
		ids = append(ids, id)
	}
	return ids
}

// CommitTx clears transaction-scoped tracking. Newly allocated pages are
// retained, not freed, on commit.
func (p *Pager) CommitTx() {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	p.txActive = false
	for _, s := range p.shards {
		s.mu.Lock()
		for id := range p.txDirty {
			if slot, ok := s.index[id]; ok {
				s.ring[slot].txOwned = false
			}
		}
		s.mu.Unlock()
	}
	p.txDirty = make(map[uint32]bool)
	p.txNew = make(map[uint32]bool)
}

// RollbackTx evicts every page dirtied by the active transaction from the
// cache (forcing a clean reload from the main file/WAL) and restores the
// header as last committed, which undoes the transaction's allocations:
// pages it took from the freelist are on the freelist again, and pages it
// added by growing the database are unallocated again rather than put on
// the freelist.
func (p *Pager) RollbackTx() error {
	p.txMu.Lock()
	dirty := p.txDirty
	p.txActive = false
	p.txDirty = make(map[uint32]bool)
	p.txNew = make(map[uint32]bool)
	p.txMu.Unlock()

	for id := range dirty {
		s := p.shardFor(id)
		s.mu.Lock()
		if slot, ok := s.index[id]; ok {
			s.removeLocked(s.ring[slot])
		}
		s.mu.Unlock()
	}
	hp, err := p.ReadPage(HeaderPageID, 0)
	if err != nil {
		return err
	}
	p.headerMu.Lock()
	lastCheckpoint := p.header.LastCheckpointLSN
	p.header = decodeHeader(hp.Payload())
	p.header.LastCheckpointLSN = lastCheckpoint
	p.headerMu.Unlock()
	return nil
}

// FlushAll writes every cached dirty page through the WAL flusher (used
// at commit time) and clears their dirty bits.
func (p *Pager) FlushAll() error {
	if p.flusher == nil {
		return dberr.New(dberr.KindInternal, "no WAL flusher installed")
	}
	for _, s := range p.shards {
		s.mu.Lock()
		frames := make([]*frame, 0, len(s.ring))
		for _, f := range s.ring {
			if f != nil && !f.tomb && f.dirty {
				frames = append(frames, f)
			}
		}
		s.mu.Unlock()

		for _, f := range frames {
			f.mu.Lock()
			data := make([]byte, len(f.data))
			copy(data, f.data)
			f.mu.Unlock()
			if _, err := p.flusher.AppendPage(f.pageID, data); err != nil {
				return err
			}
			f.dirty = false
			f.txOwned = false
		}
	}
	return nil
}

// ReconcileFreelist walks the freelist chain, counts its entries, and
// self-repairs header.FreelistCount on mismatch. Run at startup.
func (p *Pager) ReconcileFreelist() error {
	p.headerMu.Lock()
	defer p.headerMu.Unlock()

	count := uint32(0)
	next := p.header.FreelistHead
	seen := make(map[uint32]bool)
	for next != 0 {
		if seen[next] {
			return dberr.New(dberr.KindCorruption, "freelist chain cycle detected")
		}
		seen[next] = true
		page, err := p.readFromCacheOrFile(next)
		if err != nil {
			return err
		}
		ids, nextPage := decodeFreelistPage(page.Payload())
		count += uint32(len(ids))
		next = nextPage
	}
	if count != p.header.FreelistCount {
		p.log.Warn().
			Uint32("header_count", p.header.FreelistCount).
			Uint32("observed_count", count).
			Msg("freelist count mismatch, self-repairing")
		p.header.FreelistCount = count
	}
	return nil
}

// Close closes the underlying file. Callers must checkpoint beforehand if
// durability of pending dirty pages is required.
func (p *Pager) Close() error {
	return p.file.Close()
}

// --- wal.MainFileWriter -----------------------------------------------
//
// These methods are exercised only by the checkpoint path: writing a
// page's bytes directly to the main file, outside
// the normal dirty-page/WAL-commit path, is exactly what "checkpoint" means.

// WritePageAt writes data directly to pageID's home offset in the main
// file.
func (p *Pager) WritePageAt(pageID uint32, data []byte) error {
	off := int64(pageID-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(data, off); err != nil {
		return dberr.Wrap(dberr.KindIO, "checkpoint write page", p.path, err)
	}
	return nil
}

// Sync fsyncs the main file.
func (p *Pager) Sync() error {
	return p.file.Sync()
}

// SetLastCheckpointLSN updates and durably writes the header's
// checkpoint LSN field, the one header write allowed outside the
// WAL-commit path.
func (p *Pager) SetLastCheckpointLSN(lsn uint64) error {
	p.headerMu.Lock()
	p.header.LastCheckpointLSN = lsn
	err := p.flushHeaderLocked()
	p.headerMu.Unlock()
	return err
}

// LastCheckpointLSN reads the header's checkpoint LSN field.
func (p *Pager) LastCheckpointLSN() uint64 {
	p.headerMu.Lock()
	defer p.headerMu.Unlock()
	return p.header.LastCheckpointLSN
}

// InvalidateCache evicts pageID's cached frame so the next read pulls
// fresh bytes from the main file or a newer WAL version.
func (p *Pager) InvalidateCache(pageID uint32) {
	s := p.shardFor(pageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.index[pageID]; ok {
		f := s.ring[slot]
		if !f.dirty {
			s.removeLocked(f)
		}
	}
}
