// Package trigram implements a trigram inverted index: canonicalization,
// 3-gram extraction, a per-trigram in-memory delta buffer flushed only
// at checkpoint, paged delta-encoded postings stored through the btree
// package, bounded decode with a Truncated flag, and index_rebuild. No
// teacher or pack repo has a direct full-text-search analogue; the
// page-backed postings storage follows the same store/codec idiom as
// btree and storage.
package trigram

import (
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/sphildreth/decentdb/btree"
)

// Canonicalize uppercases s so that trigram extraction is
// case-insensitive: plain Unicode uppercase per rune, not full Unicode
// normalization — the pack has no normalization library wired and
// case-insensitive substring search does not require one.
func Canonicalize(s string) []rune {
	runes := []rune(s)
	out := make([]rune, len(runes))
	for i, r := range runes {
		out[i] = unicode.ToUpper(r)
	}
	return out
}

// Extract returns the contiguous 3-gram sequence of s, canonicalized
// first. Inputs shorter than three code points yield an empty sequence.
func Extract(s string) []string {
	runes := Canonicalize(s)
	if len(runes) < 3 {
		return nil
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

// RoutingHash is used only to route a trigram to a postings segment
// range; the full trigram bytes are always stored alongside it and
// compared for equality. Using the hash alone as an identity key would
// silently merge distinct trigrams that collide.
func RoutingHash(trigram string) uint64 {
	return xxhash.Sum64String(trigram)
}

// DecodeBound caps how much a single lookup will materialize before
// giving up and reporting Truncated.
type DecodeBound struct {
	MaxOctets int
	MaxRowIDs int
}

var DefaultDecodeBound = DecodeBound{MaxOctets: 1 << 20, MaxRowIDs: 1 << 20}

// Index is a trigram inverted index backed by a B+Tree of delta-encoded
// postings segments, plus an in-memory per-trigram delta buffer that
// only flushes at checkpoint.
type Index struct {
	postings *btree.BTree // key: routing-hash(8) | trigram-length(2) | trigram bytes | segment-id(4)
	state    *deltaState
}

// deltaState is the in-memory delta buffer, held behind a pointer so that
// WithStore can hand a read-only transaction its own snapshot-scoped view
// of the postings tree while still sharing the one delta buffer that
// every writer accumulates into until the next checkpoint flush.
type deltaState struct {
	mu    sync.RWMutex
	delta map[string]*delta
}

type delta struct {
	added   map[uint64]bool
	removed map[uint64]bool
}

// New wraps an existing (or freshly created) postings B+Tree.
func New(postings *btree.BTree) *Index {
	return &Index{postings: postings, state: &deltaState{delta: make(map[string]*delta)}}
}

// RootPageID returns the paged postings tree's current root page, for
// callers (db.go's IndexRebuild) that must persist it in the database
// header after a rebuild replaces the tree.
func (ix *Index) RootPageID() uint32 { return ix.postings.RootPageID }

// WithStore returns a view of ix over a different PageStore (same root
// page), sharing the same delta buffer. Used to give a read-only
// transaction a snapshot- and abort-aware postings read path without
// duplicating the delta buffer every writer accumulates into.
func (ix *Index) WithStore(store btree.PageStore) *Index {
	return &Index{postings: ix.postings.WithStore(store), state: ix.state}
}

// Record applies an in-memory delta for rowID under every trigram of s.
// During a transaction, trigram changes accumulate in this per-trigram
// in-memory delta rather than touching paged postings directly.
func (ix *Index) Record(s string, rowID uint64, removed bool) {
	trigrams := Extract(s)
	ix.state.mu.Lock()
	defer ix.state.mu.Unlock()
	for _, tg := range trigrams {
		d, ok := ix.state.delta[tg]
		if !ok {
			d = &delta{added: make(map[uint64]bool), removed: make(map[uint64]bool)}
			ix.state.delta[tg] = d
		}
		if removed {
			delete(d.added, rowID)
			d.removed[rowID] = true
		} else {
			delete(d.removed, rowID)
			d.added[rowID] = true
		}
	}
}

// EstimatedDeltaMemoryBytes gives a rough accounting of the in-memory
// delta buffer's size: each row ID entry in an added/removed set costs 8
// bytes for the uint64 key plus the map's own bookkeeping overhead, which
// this estimates at a flat 32 bytes per entry. Callers use the total to
// decide whether the delta has grown large enough to warrant an
// unprompted checkpoint flush rather than waiting for one on a time or
// WAL-size trigger.
func (ix *Index) EstimatedDeltaMemoryBytes() int64 {
	const perEntry = 40
	ix.state.mu.RLock()
	defer ix.state.mu.RUnlock()
	var total int64
	for tg, d := range ix.state.delta {
		total += int64(len(tg))
		total += int64(len(d.added)) * perEntry
		total += int64(len(d.removed)) * perEntry
	}
	return total
}

// ClearDelta discards the in-memory delta buffer, called after a
// successful checkpoint flush or on rollback: trigram deltas are
// transaction-local state cleared atomically with cache rollback.
func (ix *Index) ClearDelta() {
	ix.state.mu.Lock()
	defer ix.state.mu.Unlock()
	ix.state.delta = make(map[string]*delta)
}

// Lookup returns the row IDs that contain the given trigram, applying the
// in-memory delta on top of the paged base set, bounded by bound. When
// the bound trips, Truncated is true and the caller must fall back to a
// scan-with-post-filter rather than trust the partial result.
func (ix *Index) Lookup(snapshotLSN uint64, tg string, bound DecodeBound) (rowIDs []uint64, truncated bool, err error) {
	base, truncated, err := ix.decodeSegments(snapshotLSN, tg, bound)
	if err != nil {
		return nil, false, err
	}

	ix.state.mu.RLock()
	d := ix.state.delta[tg]
	ix.state.mu.RUnlock()

	set := make(map[uint64]bool, len(base))
	for _, id := range base {
		set[id] = true
	}
	if d != nil {
		for id := range d.added {
			set[id] = true
		}
		for id := range d.removed {
			delete(set, id)
		}
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortUint64s(out)
	return out, truncated, nil
}

// Intersect merges the postings of several trigrams via a smallest-first
// sorted merge, used by substring search over a multi-trigram needle.
func Intersect(lists [][]uint64) []uint64 {
	if len(lists) == 0 {
		return nil
	}
	sortListsBySize(lists)
	result := lists[0]
	for _, l := range lists[1:] {
		result = mergeIntersect(result, l)
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

func mergeIntersect(a, b []uint64) []uint64 {
	out := make([]uint64, 0, minInt(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func sortListsBySize(lists [][]uint64) {
	for i := 1; i < len(lists); i++ {
		for j := i; j > 0 && len(lists[j]) < len(lists[j-1]); j-- {
			lists[j], lists[j-1] = lists[j-1], lists[j]
		}
	}
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
