package btree

import "github.com/sphildreth/decentdb/storage"

// frameRef is one level of a cursor's descent stack: the page visited and
// the child index taken (or entry index, for the leaf at the bottom).
type frameRef struct {
	pageID uint32
	idx    int
}

// Cursor supports ordered forward/backward traversal. It holds the current
// leaf and an entry index: Next follows the leaf's next-leaf pointer, and
// Prev re-descends from the root when it crosses into the previous leaf.
// The stack field is not filled in by any seek or step method.
type Cursor struct {
	t            *BTree
	snapshotLSN  uint64
	stack        []frameRef
	leafPage    *storage.Page
	leafEntries []leafEntry
	leafIdx     int
	exhausted   bool
}

func newCursor(t *BTree, snapshotLSN uint64) *Cursor {
	return &Cursor{t: t, snapshotLSN: snapshotLSN}
}

// SeekFirst positions the cursor at the smallest key in the tree.
func (t *BTree) SeekFirst(snapshotLSN uint64) (*Cursor, error) {
	c := newCursor(t, snapshotLSN)
	page, err := t.findLeftmostLeaf(snapshotLSN)
	if err != nil {
		return nil, err
	}
	return c.loadLeaf(page, 0)
}

// SeekLast positions the cursor at the largest key in the tree.
func (t *BTree) SeekLast(snapshotLSN uint64) (*Cursor, error) {
	c := newCursor(t, snapshotLSN)
	pageID := t.RootPageID
	for {
		page, err := t.store.ReadPage(pageID, snapshotLSN)
		if err != nil {
			return nil, err
		}
		if nodeType(page) == nodeTypeLeaf {
			entries, _, err := readLeaf(page)
			if err != nil {
				return nil, err
			}
			return c.loadLeaf(page, len(entries)-1)
		}
		node, err := readInternal(page)
		if err != nil {
			return nil, err
		}
		pageID = node.Children[len(node.Children)-1]
	}
}

// SeekGE positions the cursor at the smallest key >= key.
func (t *BTree) SeekGE(snapshotLSN uint64, key []byte) (*Cursor, error) {
	c := newCursor(t, snapshotLSN)
	page, err := t.findLeaf(snapshotLSN, key)
	if err != nil {
		return nil, err
	}
	entries, _, err := readLeaf(page)
	if err != nil {
		return nil, err
	}
	idx := searchLeafEntries(entries, key)
	if idx >= len(entries) {
		cur, err := c.loadLeaf(page, idx)
		if err != nil {
			return nil, err
		}
		if cur.exhausted {
			return cur, cur.Next()
		}
		return cur, nil
	}
	return c.loadLeaf(page, idx)
}

// SeekLE positions the cursor at the largest key <= key.
func (t *BTree) SeekLE(snapshotLSN uint64, key []byte) (*Cursor, error) {
	page, err := t.findLeaf(snapshotLSN, key)
	if err != nil {
		return nil, err
	}
	entries, _, err := readLeaf(page)
	if err != nil {
		return nil, err
	}
	idx := searchLeafEntries(entries, key)
	if idx < len(entries) && keyCompare(entries[idx].Key, key) == 0 {
		return newCursor(t, snapshotLSN).loadLeaf(page, idx)
	}
	c := newCursor(t, snapshotLSN)
	cur, err := c.loadLeaf(page, idx-1)
	if err != nil {
		return nil, err
	}
	if cur.leafIdx < 0 {
		return cur, cur.Prev()
	}
	return cur, nil
}

func (c *Cursor) loadLeaf(page *storage.Page, idx int) (*Cursor, error) {
	entries, _, err := readLeaf(page)
	if err != nil {
		return nil, err
	}
	c.leafPage = page
	c.leafEntries = entries
	c.leafIdx = idx
	c.exhausted = idx < 0 || idx >= len(entries)
	return c, nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return !c.exhausted }

// Key/Value return the entry at the cursor's current position.
func (c *Cursor) Key() []byte { return c.leafEntries[c.leafIdx].Key }

func (c *Cursor) Value() ([]byte, error) {
	return c.t.materialize(c.snapshotLSN, c.leafEntries[c.leafIdx])
}

// Next advances to the next entry, crossing into the sibling leaf via its
// next-leaf pointer when the current leaf is exhausted.
func (c *Cursor) Next() error {
	c.leafIdx++
	if c.leafIdx < len(c.leafEntries) {
		c.exhausted = false
		return nil
	}
	_, next, err := readLeaf(c.leafPage)
	if err != nil {
		return err
	}
	if next == 0 {
		c.exhausted = true
		return nil
	}
	page, err := c.t.store.ReadPage(next, c.snapshotLSN)
	if err != nil {
		return err
	}
	entries, _, err := readLeaf(page)
	if err != nil {
		return err
	}
	c.leafPage = page
	c.leafEntries = entries
	c.leafIdx = 0
	c.exhausted = len(entries) == 0
	return nil
}

// Prev steps to the previous entry within the current leaf. Leaves are
// only forward-linked, so crossing a leaf boundary backward
// requires re-descending from the root to the leaf preceding the current
// one's first key.
func (c *Cursor) Prev() error {
	c.leafIdx--
	if c.leafIdx >= 0 {
		c.exhausted = false
		return nil
	}
	if len(c.leafEntries) == 0 {
		c.exhausted = true
		return nil
	}
	firstKey := c.leafEntries[0].Key
	prevLeaf, err := c.t.findPredecessorLeaf(c.snapshotLSN, firstKey)
	if err != nil {
		return err
	}
	if prevLeaf == nil {
		c.exhausted = true
		return nil
	}
	entries, _, err := readLeaf(prevLeaf)
	if err != nil {
		return err
	}
	c.leafPage = prevLeaf
	c.leafEntries = entries
	c.leafIdx = len(entries) - 1
	c.exhausted = c.leafIdx < 0
	return nil
}

// findPredecessorLeaf descends from the root tracking the last leaf
// visited before reaching the leaf containing boundaryKey.
func (t *BTree) findPredecessorLeaf(snapshotLSN uint64, boundaryKey []byte) (*storage.Page, error) {
	var prev *storage.Page
	pageID := t.RootPageID
	for {
		page, err := t.store.ReadPage(pageID, snapshotLSN)
		if err != nil {
			return nil, err
		}
		if nodeType(page) == nodeTypeLeaf {
			entries, _, err := readLeaf(page)
			if err != nil {
				return nil, err
			}
			if len(entries) > 0 && keyCompare(entries[0].Key, boundaryKey) == 0 {
				return prev, nil
			}
			return page, nil
		}
		node, err := readInternal(page)
		if err != nil {
			return nil, err
		}
		idx := searchKeys(node.Keys, boundaryKey)
		if idx > 0 {
			siblingPage, err := t.store.ReadPage(node.Children[idx-1], snapshotLSN)
			if err == nil {
				prev = siblingPage
			}
		}
		pageID = node.Children[idx]
	}
}
