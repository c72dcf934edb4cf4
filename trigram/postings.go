package trigram

import (
	"encoding/binary"

	"github.com/sphildreth/decentdb/btree"
	"github.com/sphildreth/decentdb/dberr"
)

// Postings key layout: routing-hash(8, big-endian so keys sort by hash
// bucket) | trigram-length(2) | trigram bytes | segment-id(4). Storing
// the full trigram in the key (not just its hash) is what lets a lookup
// verify it found the right trigram rather than a hash collision.
func postingsKey(tg string, segmentID uint32) []byte {
	h := RoutingHash(tg)
	key := make([]byte, 8+2+len(tg)+4)
	binary.BigEndian.PutUint64(key[0:8], h)
	binary.BigEndian.PutUint16(key[8:10], uint16(len(tg)))
	copy(key[10:], tg)
	binary.BigEndian.PutUint32(key[10+len(tg):], segmentID)
	return key
}

func postingsKeyPrefix(tg string) []byte {
	h := RoutingHash(tg)
	key := make([]byte, 8+2+len(tg))
	binary.BigEndian.PutUint64(key[0:8], h)
	binary.BigEndian.PutUint16(key[8:10], uint16(len(tg)))
	copy(key[10:], tg)
	return key
}

// maxSegmentOctets bounds one segment's encoded size to roughly one page.
const maxSegmentOctets = 4096 - 64

// encodeSegment delta-encodes an ascending row-ID sequence as LEB128
// varints of successive differences.
func encodeSegment(ids []uint64) []byte {
	buf := make([]byte, 0, len(ids)*2)
	var prev uint64
	tmp := make([]byte, 10)
	for _, id := range ids {
		delta := id - prev
		n := binary.PutUvarint(tmp, delta)
		buf = append(buf, tmp[:n]...)
		prev = id
	}
	return buf
}

func decodeSegment(buf []byte, bound DecodeBound) (ids []uint64, truncated bool) {
	var cur uint64
	off := 0
	for off < len(buf) {
		if len(ids) >= bound.MaxRowIDs || off >= bound.MaxOctets {
			return ids, true
		}
		d, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return ids, true
		}
		off += n
		cur += d
		ids = append(ids, cur)
	}
	return ids, false
}

// decodeSegments reads every segment stored for trigram tg, in ascending
// segment-id order, concatenating their decoded row IDs until bound
// trips.
func (ix *Index) decodeSegments(snapshotLSN uint64, tg string, bound DecodeBound) ([]uint64, bool, error) {
	prefix := postingsKeyPrefix(tg)
	upper := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF)
	results, err := ix.postings.RangeScan(snapshotLSN, prefix, upper)
	if err != nil {
		return nil, false, err
	}
	var all []uint64
	remaining := bound
	for _, r := range results {
		ids, truncated := decodeSegment(r.Value, remaining)
		all = append(all, ids...)
		remaining.MaxRowIDs -= len(ids)
		remaining.MaxOctets -= len(r.Value)
		if truncated || remaining.MaxRowIDs <= 0 || remaining.MaxOctets <= 0 {
			return all, true, nil
		}
	}
	return all, false, nil
}

// tailSegment locates trigram tg's highest-segID postings segment via a
// single tree descent (SeekLE), without scanning any other segment
// belonging to tg. Returns exists=false if tg has no postings yet.
func (ix *Index) tailSegment(snapshotLSN uint64, tg string) (segID uint32, ids []uint64, raw []byte, exists bool, err error) {
	prefix := postingsKeyPrefix(tg)
	upper := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF)
	c, err := ix.postings.SeekLE(snapshotLSN, upper)
	if err != nil {
		return 0, nil, nil, false, err
	}
	if !c.Valid() {
		return 0, nil, nil, false, nil
	}
	key := c.Key()
	if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
		return 0, nil, nil, false, nil
	}
	raw, err = c.Value()
	if err != nil {
		return 0, nil, nil, false, err
	}
	segID = binary.BigEndian.Uint32(key[len(key)-4:])
	ids, _ = decodeSegment(raw, DefaultDecodeBound)
	return segID, ids, raw, true, nil
}

// appendRowIDs folds newly-added row IDs into trigram tg's tail segment
// only, rolling over into a fresh segment once the tail is full. It never
// reads or rewrites any earlier segment, so its cost is bounded by one
// segment's size (maxSegmentOctets) regardless of how many segments tg
// already has — O(1) relative to the total postings list for tg, the way
// every other append-mostly structure in this package treats a single
// Insert. Used whenever a flush has nothing to remove; removals still go
// through appendToTailSegment's full rewrite, since finding which segment
// holds a removed ID requires scanning all of them.
func (ix *Index) appendRowIDs(snapshotLSN uint64, tg string, rowIDs []uint64) error {
	if len(rowIDs) == 0 {
		return nil
	}

	tailSegID, tailIDs, tailRaw, haveTail, err := ix.tailSegment(snapshotLSN, tg)
	if err != nil {
		return err
	}

	seen := make(map[uint64]bool, len(tailIDs)+len(rowIDs))
	pending := make([]uint64, 0, len(tailIDs)+len(rowIDs))
	for _, id := range tailIDs {
		if !seen[id] {
			seen[id] = true
			pending = append(pending, id)
		}
	}
	for _, id := range rowIDs {
		if !seen[id] {
			seen[id] = true
			pending = append(pending, id)
		}
	}
	sortUint64s(pending)

	if haveTail {
		if _, err := ix.postings.Delete(postingsKey(tg, tailSegID), tailRaw); err != nil {
			return err
		}
	}

	segID := tailSegID
	var cur []uint64
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		return ix.postings.Insert(postingsKey(tg, segID), encodeSegment(cur))
	}
	for _, id := range pending {
		cur = append(cur, id)
		if len(encodeSegment(cur)) >= maxSegmentOctets {
			if err := flush(); err != nil {
				return err
			}
			segID++
			cur = nil
		}
	}
	return flush()
}

// appendToTailSegment folds rowIDs and removedIDs into trigram tg's
// stored postings, re-encoding them as a fresh run of segments. Only
// invoked from checkpoint flush when removedIDs is non-empty: removing a
// row ID requires knowing which segment holds it, which means reading
// every segment anyway, so this path doesn't try to stay O(1) the way
// appendRowIDs does.
func (ix *Index) appendToTailSegment(snapshotLSN uint64, tg string, rowIDs []uint64, removedIDs map[uint64]bool) error {
	prefix := postingsKeyPrefix(tg)
	upper := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF)
	results, err := ix.postings.RangeScan(snapshotLSN, prefix, upper)
	if err != nil {
		return err
	}

	existing := make(map[uint64]bool)
	for _, r := range results {
		ids, _ := decodeSegment(r.Value, DefaultDecodeBound)
		for _, id := range ids {
			existing[id] = true
		}
		// Insert never overwrites in place, so the stale segment entry
		// must be removed before the merged set is re-encoded and
		// reinserted below, else every flush would pile on duplicates.
		segID := binary.BigEndian.Uint32(r.Key[len(r.Key)-4:])
		if _, err := ix.postings.Delete(postingsKey(tg, segID), r.Value); err != nil {
			return err
		}
	}

	merged := make(map[uint64]bool, len(existing)+len(rowIDs))
	for id := range existing {
		if !removedIDs[id] {
			merged[id] = true
		}
	}
	for _, id := range rowIDs {
		if !removedIDs[id] {
			merged[id] = true
		}
	}

	all := make([]uint64, 0, len(merged))
	for id := range merged {
		all = append(all, id)
	}
	sortUint64s(all)

	// Re-encode everything as a fresh run of segments. Simpler and
	// correctness-first; avoids tracking byte-level tail capacity across
	// restarts at the cost of rewriting the whole trigram's postings on
	// every checkpoint flush that touches it.
	segID := uint32(0)
	var cur []uint64
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		return ix.postings.Insert(postingsKey(tg, segID), encodeSegment(cur))
	}
	for _, id := range all {
		cur = append(cur, id)
		if len(encodeSegment(cur)) >= maxSegmentOctets {
			if err := flush(); err != nil {
				return err
			}
			segID++
			cur = nil
		}
	}
	return flush()
}

// Flush writes the in-memory delta buffer into paged postings segments
// and clears it. Commit never flushes deltas into segments directly;
// the flush to paged segments runs only during checkpoint.
func (ix *Index) Flush(snapshotLSN uint64) error {
	ix.state.mu.Lock()
	snapshot := ix.state.delta
	ix.state.delta = make(map[string]*delta)
	ix.state.mu.Unlock()

	for tg, d := range snapshot {
		added := make([]uint64, 0, len(d.added))
		for id := range d.added {
			added = append(added, id)
		}
		if len(d.removed) == 0 {
			if err := ix.appendRowIDs(snapshotLSN, tg, added); err != nil {
				return err
			}
			continue
		}
		if err := ix.appendToTailSegment(snapshotLSN, tg, added, d.removed); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild discards all paged postings and every in-memory delta, then
// reindexes from source using reindex, which must call Record for every
// row. Needed because a crash between commit and checkpoint can lose
// trigram deltas entirely. The tree's old pages are abandoned rather than
// freed back into the pager's freelist: a rebuild is a rare operator
// action, not a hot path worth walking the old tree to reclaim every page.
func Rebuild(ix *Index, reindex func(record func(s string, rowID uint64)) error) error {
	fresh, err := btree.Create(ix.postings.Store(), ix.postings.PageSize())
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, "index rebuild", "", err)
	}
	ix.postings = fresh

	ix.state.mu.Lock()
	ix.state.delta = make(map[string]*delta)
	ix.state.mu.Unlock()

	if err := reindex(func(s string, rowID uint64) {
		ix.Record(s, rowID, false)
	}); err != nil {
		return dberr.Wrap(dberr.KindInternal, "index rebuild", "", err)
	}
	return ix.Flush(0)
}
