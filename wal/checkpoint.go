package wal

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sphildreth/decentdb/dberr"
)

// toFlushEntry is one (page, target LSN) pair to be checkpointed.
type toFlushEntry struct {
	pageID uint32
	lsn    uint64
	offset int64
}

// Checkpoint runs the full seven-step checkpoint protocol: compute a
// safe LSN that respects every active reader's snapshot, flush the pages
// dirtied at or before it to the main file, and either truncate or prune
// the WAL depending on whether every reader has moved past it. Returns
// the safe LSN used, so callers (the trigram index) know which delta
// generation is now safe to fold into paged postings.
func (w *WAL) Checkpoint() (uint64, error) {
	w.writeMu.Lock()
	lastCommit := w.WalEnd()
	safeLSN := w.minActiveReaderSnapshot(lastCommit)

	w.indexMu.Lock()
	toFlush := make([]toFlushEntry, 0, len(w.dirtySinceCheckpoint))
	for pageID, e := range w.dirtySinceCheckpoint {
		if e.lsn <= safeLSN {
			toFlush = append(toFlush, toFlushEntry{pageID: pageID, lsn: e.lsn, offset: e.offset})
		}
	}
	w.indexMu.Unlock()

	intentPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(intentPayload, safeLSN)
	w.nextLSN++
	if _, err := w.appendFrame(FrameCheckpointIntent, w.nextLSN, 0, intentPayload); err != nil {
		w.writeMu.Unlock()
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		w.writeMu.Unlock()
		return 0, err
	}
	w.writeMu.Unlock()

	// Step 4: flush each (page, target LSN) to the main file. Fanned out
	// with errgroup the way cuemby/warren and operator-registry fan out
	// their own concurrent I/O, since each page write is independent.
	var g errgroup.Group
	for _, e := range toFlush {
		e := e
		g.Go(func() error {
			_, _, _, payload, _, err := w.readFrameAt(e.offset)
			if err != nil {
				return err
			}
			if err := w.main.WritePageAt(e.pageID, payload); err != nil {
				return err
			}
			w.main.InvalidateCache(e.pageID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Step 5.
	if err := w.main.Sync(); err != nil {
		return 0, err
	}
	if err := w.main.SetLastCheckpointLSN(safeLSN); err != nil {
		return 0, err
	}
	if err := w.main.Sync(); err != nil {
		return 0, err
	}

	// Step 6: re-acquire the write lock, decide truncate vs prune.
	w.writeMu.Lock()
	// safeLSN == lastCommit is required, not just an idle reader registry:
	// if a lagging reader capped safeLSN below lastCommit, the pages
	// committed between safeLSN and lastCommit were excluded from toFlush
	// and are only durable in the WAL. Truncating would lose them even if
	// that reader has since disconnected.
	canTruncate := safeLSN == lastCommit && w.minActiveReaderSnapshot(w.WalEnd()) >= w.WalEnd() && w.WalEnd() == lastCommit

	w.indexMu.Lock()
	for _, e := range toFlush {
		entries := w.index[e.pageID]
		kept := entries[:0]
		for _, ie := range entries {
			if ie.lsn > safeLSN {
				kept = append(kept, ie)
			}
		}
		if len(kept) == 0 {
			delete(w.index, e.pageID)
		} else {
			w.index[e.pageID] = kept
		}
		if cur, ok := w.dirtySinceCheckpoint[e.pageID]; ok && cur.lsn <= safeLSN {
			delete(w.dirtySinceCheckpoint, e.pageID)
		}
	}
	w.indexMu.Unlock()

	if canTruncate {
		if err := w.file.Truncate(0); err != nil {
			w.writeMu.Unlock()
			return 0, err
		}
		// nextLSN (and walEnd) must stay monotonic across a truncation: a
		// reader's captured snapshot LSN has to keep meaning the same
		// point in commit history even after the file backing older frames
		// is gone, so LSNs are never reused.
	}

	completePayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(completePayload, safeLSN)
	w.nextLSN++
	if _, err := w.appendFrame(FrameCheckpointComplete, w.nextLSN, 0, completePayload); err != nil {
		w.writeMu.Unlock()
		return 0, err
	}
	err := w.file.Sync()
	w.writeMu.Unlock()
	return safeLSN, err
}

// recover replays the WAL from offset 0 on open: Page frames buffer
// pending, Commit publishes them,
// CheckpointIntent/Complete advance checkpoint bookkeeping. A truncated
// or corrupt trailing frame ends recovery at that point.
func (w *WAL) recover() error {
	size, err := w.file.Size()
	if err != nil {
		return err
	}
	var off int64
	pending := make(map[uint32][]pendingFrame)
	var highestComplete uint64
	var sawComplete bool

	for off < size {
		ft, lsn, pageID, payload, next, ferr := w.readFrameAt(off)
		if ferr != nil {
			// Truncated/corrupt trailing frame: stop here, discard the rest.
			w.log.Warn().Int64("offset", off).Err(ferr).Msg("WAL recovery stopped at invalid frame")
			break
		}
		switch ft {
		case FramePage:
			pending[pageID] = append(pending[pageID], pendingFrame{pageID: pageID, lsn: lsn, offset: off})
		case FrameCommit:
			w.indexMu.Lock()
			for pid, frames := range pending {
				for _, pf := range frames {
					e := indexEntry{lsn: pf.lsn, offset: pf.offset}
					w.index[pid] = append(w.index[pid], e)
					w.dirtySinceCheckpoint[pid] = e
				}
			}
			w.indexMu.Unlock()
			pending = make(map[uint32][]pendingFrame)
			atomic.StoreUint64(&w.walEnd, lsn)
			if lsn > w.nextLSN {
				w.nextLSN = lsn
			}
		case FrameCheckpointIntent:
			// Noted; no effect until CheckpointComplete confirms it.
		case FrameCheckpointComplete:
			candidateLSN := binary.LittleEndian.Uint64(payload)
			sawComplete = true
			if candidateLSN > highestComplete {
				highestComplete = candidateLSN
			}
			w.indexMu.Lock()
			for pid, entries := range w.index {
				kept := entries[:0]
				for _, e := range entries {
					if e.lsn > candidateLSN {
						kept = append(kept, e)
					}
				}
				if len(kept) == 0 {
					delete(w.index, pid)
				} else {
					w.index[pid] = kept
				}
			}
			w.indexMu.Unlock()
		}
		if lsn > w.nextLSN {
			w.nextLSN = lsn
		}
		off = next
	}

	lastCheckpoint := w.main.LastCheckpointLSN()
	if lastCheckpoint > highestComplete {
		if !sawComplete || lastCheckpoint > highestComplete {
			return dberr.New(dberr.KindCorruption, "header checkpoint LSN exceeds any complete WAL checkpoint marker")
		}
	}

	// A prior checkpoint may have truncated the WAL file after this
	// database was last opened, discarding every frame that would
	// otherwise have taught nextLSN/walEnd their true high-water mark.
	// The durable header's LastCheckpointLSN is the floor: LSNs already
	// handed out as of that checkpoint must never be reissued.
	if lastCheckpoint > w.nextLSN {
		w.nextLSN = lastCheckpoint
	}
	if lastCheckpoint > atomic.LoadUint64(&w.walEnd) {
		atomic.StoreUint64(&w.walEnd, lastCheckpoint)
	}
	return nil
}
