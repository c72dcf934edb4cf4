package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sphildreth/decentdb/storage"
)

// memStore is a minimal in-memory PageStore for exercising the tree in
// isolation from the real pager.
type memStore struct {
	pages  map[uint32]*storage.Page
	nextID uint32
}

func newMemStore() *memStore { return &memStore{pages: make(map[uint32]*storage.Page)} }

func (s *memStore) ReadPage(id uint32, _ uint64) (*storage.Page, error) {
	p, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("page %d not found", id)
	}
	return p.Clone(), nil
}

func (s *memStore) MutatePage(id uint32) (*storage.Page, error) { return s.ReadPage(id, 0) }

func (s *memStore) StagePage(id uint32, page *storage.Page) { s.pages[id] = page.Clone() }

func (s *memStore) AllocPage() (uint32, error) {
	s.nextID++
	return s.nextID, nil
}

func (s *memStore) FreePage(id uint32) error {
	delete(s.pages, id)
	return nil
}

const testPageSize = 256

func TestBTreeInsertAndLookup(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))

	vals, err := tree.Lookup(0, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, vals)

	vals, err = tree.Lookup(0, []byte("missing"))
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestBTreeInsertCausesSplit(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, tree.Insert(key, []byte(fmt.Sprintf("value-%03d", i))))
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		vals, err := tree.Lookup(0, key)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte(fmt.Sprintf("value-%03d", i))}, vals)
	}
}

func TestBTreeOverflowValue(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)

	big := make([]byte, testPageSize*3)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, tree.Insert([]byte("huge"), big))

	vals, err := tree.Lookup(0, []byte("huge"))
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Equal(t, big, vals[0])
}

func TestBTreeDeleteRemovesEntryAndFreesOverflow(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	ok, err := tree.Delete([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)

	vals, err := tree.Lookup(0, []byte("a"))
	require.NoError(t, err)
	require.Empty(t, vals)

	ok, err = tree.Delete([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.False(t, ok)

	big := make([]byte, testPageSize*3)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, tree.Insert([]byte("b"), big))
	pagesWithChain := len(store.pages)

	ok, err = tree.Delete([]byte("b"), big)
	require.NoError(t, err)
	require.True(t, ok)
	require.Less(t, len(store.pages), pagesWithChain, "deleting an overflow entry must free its chain pages")
}

func TestBTreeRangeScan(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, tree.Insert(key, key))
	}

	results, err := tree.RangeScan(0, []byte("k05"), []byte("k10"))
	require.NoError(t, err)
	require.Len(t, results, 6)
	require.Equal(t, "k05", string(results[0].Key))
	require.Equal(t, "k10", string(results[len(results)-1].Key))
}

func TestBTreeCursorForwardAndBackward(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, tree.Insert(key, key))
	}

	c, err := tree.SeekFirst(0)
	require.NoError(t, err)
	require.True(t, c.Valid())
	require.Equal(t, "k00", string(c.Key()))

	count := 0
	for c.Valid() {
		count++
		require.NoError(t, c.Next())
	}
	require.Equal(t, 10, count)

	last, err := tree.SeekLast(0)
	require.NoError(t, err)
	require.True(t, last.Valid())
	require.Equal(t, "k09", string(last.Key()))
	require.NoError(t, last.Prev())
	require.True(t, last.Valid())
	require.Equal(t, "k08", string(last.Key()))
}

func TestBTreeWithStoreSharesRootButNotStore(t *testing.T) {
	store := newMemStore()
	tree, err := Create(store, testPageSize)
	require.NoError(t, err)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))

	other := newMemStore()
	other.pages[tree.RootPageID] = store.pages[tree.RootPageID].Clone()
	other.nextID = store.nextID

	view := tree.WithStore(other)
	require.Equal(t, tree.RootPageID, view.RootPageID)

	vals, err := view.Lookup(0, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, vals)
}
