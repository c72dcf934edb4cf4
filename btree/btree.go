package btree

import (
	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/storage"
)

// PageStore is the pager contract the B+Tree needs. storage.Pager
// satisfies it directly.
type PageStore interface {
	ReadPage(id uint32, snapshotLSN uint64) (*storage.Page, error)
	MutatePage(id uint32) (*storage.Page, error)
	StagePage(id uint32, page *storage.Page)
	AllocPage() (uint32, error)
	FreePage(id uint32) error
}

// mergeThresholdFraction: a node under this fraction of capacity triggers
// redistribute-or-merge on delete, unlike novusdb's no-op Remove.
const mergeThresholdFraction = 0.4

// BTree is a variable-key B+Tree access method backed by a PageStore.
// Neighboring leaves are linked for range scans; oversized values are
// written through an overflow chain (overflow.go).
type BTree struct {
	RootPageID uint32
	store      PageStore
	pageSize   int
}

// Create allocates a fresh, empty B+Tree (a single empty leaf root).
func Create(store PageStore, pageSize int) (*BTree, error) {
	rootID, err := store.AllocPage()
	if err != nil {
		return nil, err
	}
	root := storage.NewPage(pageSize, storage.KindBTreeLeaf)
	writeLeaf(root, nil, 0)
	root.Finalize()
	store.StagePage(rootID, root)
	return &BTree{RootPageID: rootID, store: store, pageSize: pageSize}, nil
}

// Open wraps an existing B+Tree given its root page ID.
func Open(store PageStore, rootPageID uint32, pageSize int) *BTree {
	return &BTree{RootPageID: rootPageID, store: store, pageSize: pageSize}
}

// WithStore returns a tree over the same root page but a different
// PageStore, letting a read-only transaction reuse the same on-disk tree
// through a snapshot- and abort-aware store instead of the writer's.
func (t *BTree) WithStore(store PageStore) *BTree {
	return &BTree{RootPageID: t.RootPageID, store: store, pageSize: t.pageSize}
}

// Store returns the PageStore the tree is bound to, for callers (trigram
// rebuild) that need to allocate a fresh tree over the same store.
func (t *BTree) Store() PageStore { return t.store }

// PageSize returns the tree's fixed page size.
func (t *BTree) PageSize() int { return t.pageSize }

func (t *BTree) capacity() int {
	return t.pageSize - storage.HeaderLen - 4 /* crc */ - leafDataOff
}

// --- lookup ---------------------------------------------------------------

func (t *BTree) findLeaf(snapshotLSN uint64, key []byte) (*storage.Page, error) {
	pageID := t.RootPageID
	for {
		page, err := t.store.ReadPage(pageID, snapshotLSN)
		if err != nil {
			return nil, err
		}
		if nodeType(page) == nodeTypeLeaf {
			return page, nil
		}
		node, err := readInternal(page)
		if err != nil {
			return nil, err
		}
		idx := searchKeys(node.Keys, key)
		pageID = node.Children[idx]
	}
}

func (t *BTree) findLeftmostLeaf(snapshotLSN uint64) (*storage.Page, error) {
	pageID := t.RootPageID
	for {
		page, err := t.store.ReadPage(pageID, snapshotLSN)
		if err != nil {
			return nil, err
		}
		if nodeType(page) == nodeTypeLeaf {
			return page, nil
		}
		node, err := readInternal(page)
		if err != nil {
			return nil, err
		}
		pageID = node.Children[0]
	}
}

// Lookup returns the value(s) stored for key, resolving any overflow
// chains, as visible under snapshotLSN (0 for the active writer).
func (t *BTree) Lookup(snapshotLSN uint64, key []byte) ([][]byte, error) {
	page, err := t.findLeaf(snapshotLSN, key)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		entries, next, err := readLeaf(page)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			c := keyCompare(e.Key, key)
			if c == 0 {
				v, err := t.materialize(snapshotLSN, e)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			} else if c > 0 {
				return out, nil
			}
		}
		if next == 0 {
			return out, nil
		}
		page, err = t.store.ReadPage(next, snapshotLSN)
		if err != nil {
			return nil, err
		}
	}
}

func (t *BTree) materialize(snapshotLSN uint64, e leafEntry) ([]byte, error) {
	if !e.Overflow {
		return e.Value, nil
	}
	return readOverflowChain(t.store, snapshotLSN, e.FirstOverflowPage, e.TotalLen)
}

// RangeResult is one key/value pair yielded by RangeScan.
type RangeResult struct {
	Key   []byte
	Value []byte
}

// RangeScan returns every entry with minKey <= key <= maxKey (nil bound
// means unbounded on that side), walking sibling-linked leaves.
func (t *BTree) RangeScan(snapshotLSN uint64, minKey, maxKey []byte) ([]RangeResult, error) {
	var page *storage.Page
	var err error
	if minKey != nil {
		page, err = t.findLeaf(snapshotLSN, minKey)
	} else {
		page, err = t.findLeftmostLeaf(snapshotLSN)
	}
	if err != nil {
		return nil, err
	}
	var out []RangeResult
	for {
		entries, next, err := readLeaf(page)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if minKey != nil && keyCompare(e.Key, minKey) < 0 {
				continue
			}
			if maxKey != nil && keyCompare(e.Key, maxKey) > 0 {
				return out, nil
			}
			v, err := t.materialize(snapshotLSN, e)
			if err != nil {
				return nil, err
			}
			out = append(out, RangeResult{Key: e.Key, Value: v})
		}
		if next == 0 {
			return out, nil
		}
		page, err = t.store.ReadPage(next, snapshotLSN)
		if err != nil {
			return nil, err
		}
	}
}

// --- insert -----------------------------------------------------------

type splitResult struct {
	key       []byte
	newPageID uint32
}

// Insert adds (key, value), routing value through an overflow chain if it
// doesn't fit inline.
func (t *BTree) Insert(key, value []byte) error {
	entry, err := t.buildEntry(key, value)
	if err != nil {
		return err
	}
	split, err := t.insertRecursive(t.RootPageID, entry)
	if err != nil {
		return err
	}
	if split != nil {
		newRootID, err := t.store.AllocPage()
		if err != nil {
			return err
		}
		newRoot := storage.NewPage(t.pageSize, storage.KindBTreeInternal)
		writeInternal(newRoot, internalNode{Keys: [][]byte{split.key}, Children: []uint32{t.RootPageID, split.newPageID}})
		newRoot.Finalize()
		t.store.StagePage(newRootID, newRoot)
		t.RootPageID = newRootID
	}
	return nil
}

// inlineValueBudget caps how large a value may be before it is routed
// through an overflow chain instead of stored inline in the leaf cell.
func (t *BTree) inlineValueBudget() int { return t.capacity() / 4 }

func (t *BTree) buildEntry(key, value []byte) (leafEntry, error) {
	if len(value) <= t.inlineValueBudget() {
		return leafEntry{Key: key, Value: value}, nil
	}
	head, err := writeOverflowChain(t.store, t.pageSize, value)
	if err != nil {
		return leafEntry{}, err
	}
	return leafEntry{Key: key, Overflow: true, TotalLen: uint64(len(value)), FirstOverflowPage: head}, nil
}

func (t *BTree) insertRecursive(pageID uint32, entry leafEntry) (*splitResult, error) {
	page, err := t.store.MutatePage(pageID)
	if err != nil {
		return nil, err
	}
	if nodeType(page) == nodeTypeLeaf {
		return t.insertIntoLeaf(pageID, page, entry)
	}
	node, err := readInternal(page)
	if err != nil {
		return nil, err
	}
	idx := searchKeys(node.Keys, entry.Key)
	childSplit, err := t.insertRecursive(node.Children[idx], entry)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return t.insertIntoInternal(pageID, page, node, idx, childSplit)
}

func (t *BTree) insertIntoLeaf(pageID uint32, page *storage.Page, entry leafEntry) (*splitResult, error) {
	entries, next, err := readLeaf(page)
	if err != nil {
		return nil, err
	}
	pos := searchLeafEntries(entries, entry.Key)
	entries = append(entries, leafEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry

	if leafSize(entries) <= t.capacity() {
		writeLeaf(page, entries, next)
		page.Finalize()
		t.store.StagePage(pageID, page)
		return nil, nil
	}

	mid := len(entries) / 2
	left := append([]leafEntry(nil), entries[:mid]...)
	right := append([]leafEntry(nil), entries[mid:]...)

	newPageID, err := t.store.AllocPage()
	if err != nil {
		return nil, err
	}
	newPage := storage.NewPage(t.pageSize, storage.KindBTreeLeaf)
	writeLeaf(newPage, right, next)
	newPage.Finalize()
	t.store.StagePage(newPageID, newPage)

	writeLeaf(page, left, newPageID)
	page.Finalize()
	t.store.StagePage(pageID, page)

	return &splitResult{key: right[0].Key, newPageID: newPageID}, nil
}

func (t *BTree) insertIntoInternal(pageID uint32, page *storage.Page, node internalNode, idx int, split *splitResult) (*splitResult, error) {
	node.Keys = append(node.Keys, nil)
	copy(node.Keys[idx+1:], node.Keys[idx:])
	node.Keys[idx] = split.key

	node.Children = append(node.Children, 0)
	copy(node.Children[idx+2:], node.Children[idx+1:])
	node.Children[idx+1] = split.newPageID

	if internalSize(node) <= t.capacity() {
		writeInternal(page, node)
		page.Finalize()
		t.store.StagePage(pageID, page)
		return nil, nil
	}

	mid := len(node.Keys) / 2
	pushUp := node.Keys[mid]
	left := internalNode{Keys: append([][]byte(nil), node.Keys[:mid]...), Children: append([]uint32(nil), node.Children[:mid+1]...)}
	right := internalNode{Keys: append([][]byte(nil), node.Keys[mid+1:]...), Children: append([]uint32(nil), node.Children[mid+1:]...)}

	newPageID, err := t.store.AllocPage()
	if err != nil {
		return nil, err
	}
	newPage := storage.NewPage(t.pageSize, storage.KindBTreeInternal)
	writeInternal(newPage, right)
	newPage.Finalize()
	t.store.StagePage(newPageID, newPage)

	writeInternal(page, left)
	page.Finalize()
	t.store.StagePage(pageID, page)

	return &splitResult{key: pushUp, newPageID: newPageID}, nil
}

// --- delete with redistribute/merge (novusdb's Remove leaves empty
// leaves in place with no rebalancing at all) --------------------------

// Delete removes one (key, value) pair. ok reports whether a matching
// entry was found.
func (t *BTree) Delete(key, value []byte) (ok bool, err error) {
	_, ok, err = t.deleteRecursive(t.RootPageID, key, value)
	return ok, err
}

// deleteRecursive returns (underfull, found, err): underfull signals the
// child at pageID dropped below the merge threshold so the parent should
// redistribute or merge it with a sibling.
func (t *BTree) deleteRecursive(pageID uint32, key, value []byte) (underfull bool, found bool, err error) {
	page, err := t.store.MutatePage(pageID)
	if err != nil {
		return false, false, err
	}
	if nodeType(page) == nodeTypeLeaf {
		entries, next, err := readLeaf(page)
		if err != nil {
			return false, false, err
		}
		idx := -1
		for i, e := range entries {
			if keyCompare(e.Key, key) != 0 {
				continue
			}
			v := e.Value
			if e.Overflow {
				if v, err = t.materialize(0, e); err != nil {
					return false, false, err
				}
			}
			if bytesEqual(v, value) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return false, false, nil
		}
		if entries[idx].Overflow {
			if err := freeOverflowChain(t.store, entries[idx].FirstOverflowPage); err != nil {
				return false, false, err
			}
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		writeLeaf(page, entries, next)
		page.Finalize()
		t.store.StagePage(pageID, page)
		return leafSize(entries) < int(float64(t.capacity())*mergeThresholdFraction), true, nil
	}

	node, err := readInternal(page)
	if err != nil {
		return false, false, err
	}
	idx := searchKeys(node.Keys, key)
	childUnderfull, found, err := t.deleteRecursive(node.Children[idx], key, value)
	if err != nil || !found {
		return false, found, err
	}
	if !childUnderfull {
		return false, true, nil
	}
	if err := t.rebalanceChild(pageID, page, node, idx); err != nil {
		return false, true, err
	}
	// rebalanceChild rewrites page in place; re-read it so the size check
	// sees the parent after any merge.
	if node, err = readInternal(page); err != nil {
		return false, true, err
	}
	return internalSize(node) < int(float64(t.capacity())*mergeThresholdFraction), true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
