package btree

import "github.com/sphildreth/decentdb/storage"

// rebalanceChild redistributes entries between the underfull child at
// node.Children[idx] and a sibling: the two are merged into the left one
// when their combined contents fit in a single page, and otherwise their
// entries are split evenly between them. This is the rebalancing the
// teacher's Remove explicitly skips ("Pas de rééquilibrage — les
// feuilles vides restent").
func (t *BTree) rebalanceChild(parentID uint32, parentPage *storage.Page, node internalNode, idx int) error {
	// Prefer the left sibling when one exists, else the right.
	if idx > 0 {
		return t.rebalancePair(parentID, parentPage, node, idx-1, idx)
	}
	if idx+1 < len(node.Children) {
		return t.rebalancePair(parentID, parentPage, node, idx, idx+1)
	}
	return nil // no sibling to rebalance with (root's only child)
}

// rebalancePair redistributes or merges node.Children[leftIdx] and
// node.Children[rightIdx], which are adjacent siblings separated by
// node.Keys[leftIdx].
func (t *BTree) rebalancePair(parentID uint32, parentPage *storage.Page, node internalNode, leftIdx, rightIdx int) error {
	leftID, rightID := node.Children[leftIdx], node.Children[rightIdx]
	leftPage, err := t.store.MutatePage(leftID)
	if err != nil {
		return err
	}
	rightPage, err := t.store.MutatePage(rightID)
	if err != nil {
		return err
	}

	if nodeType(leftPage) == nodeTypeLeaf {
		return t.rebalanceLeaves(parentID, parentPage, node, leftIdx, rightIdx, leftID, rightID, leftPage, rightPage)
	}
	return t.rebalanceInternals(parentID, parentPage, node, leftIdx, rightIdx, leftID, rightID, leftPage, rightPage)
}

func (t *BTree) rebalanceLeaves(parentID uint32, parentPage *storage.Page, node internalNode, leftIdx, rightIdx int, leftID, rightID uint32, leftPage, rightPage *storage.Page) error {
	leftEntries, _, err := readLeaf(leftPage)
	if err != nil {
		return err
	}
	rightEntries, rightNext, err := readLeaf(rightPage)
	if err != nil {
		return err
	}

	combined := append(append([]leafEntry(nil), leftEntries...), rightEntries...)
	if leafSize(combined) <= t.capacity() {
		// Merge into the left page; free the right page.
		writeLeaf(leftPage, combined, rightNext)
		leftPage.Finalize()
		t.store.StagePage(leftID, leftPage)
		if err := t.store.FreePage(rightID); err != nil {
			return err
		}
		node.Keys = append(node.Keys[:leftIdx], node.Keys[leftIdx+1:]...)
		node.Children = append(node.Children[:rightIdx], node.Children[rightIdx+1:]...)
		writeInternal(parentPage, node)
		parentPage.Finalize()
		t.store.StagePage(parentID, parentPage)
		return nil
	}

	// Redistribute: split combined in half and rewrite both pages plus
	// the parent's separator key.
	mid := len(combined) / 2
	newLeft := combined[:mid]
	newRight := combined[mid:]
	writeLeaf(leftPage, newLeft, rightID)
	leftPage.Finalize()
	t.store.StagePage(leftID, leftPage)
	writeLeaf(rightPage, newRight, rightNext)
	rightPage.Finalize()
	t.store.StagePage(rightID, rightPage)

	node.Keys[leftIdx] = newRight[0].Key
	writeInternal(parentPage, node)
	parentPage.Finalize()
	t.store.StagePage(parentID, parentPage)
	return nil
}

func (t *BTree) rebalanceInternals(parentID uint32, parentPage *storage.Page, node internalNode, leftIdx, rightIdx int, leftID, rightID uint32, leftPage, rightPage *storage.Page) error {
	left, err := readInternal(leftPage)
	if err != nil {
		return err
	}
	right, err := readInternal(rightPage)
	if err != nil {
		return err
	}
	sep := node.Keys[leftIdx]

	combinedKeys := append(append(append([][]byte(nil), left.Keys...), sep), right.Keys...)
	combinedChildren := append(append([]uint32(nil), left.Children...), right.Children...)
	combinedNode := internalNode{Keys: combinedKeys, Children: combinedChildren}

	if internalSize(combinedNode) <= t.capacity() {
		writeInternal(leftPage, combinedNode)
		leftPage.Finalize()
		t.store.StagePage(leftID, leftPage)
		if err := t.store.FreePage(rightID); err != nil {
			return err
		}
		node.Keys = append(node.Keys[:leftIdx], node.Keys[leftIdx+1:]...)
		node.Children = append(node.Children[:rightIdx], node.Children[rightIdx+1:]...)
		writeInternal(parentPage, node)
		parentPage.Finalize()
		t.store.StagePage(parentID, parentPage)
		return nil
	}

	mid := len(combinedKeys) / 2
	newLeft := internalNode{Keys: combinedKeys[:mid], Children: combinedChildren[:mid+1]}
	newSep := combinedKeys[mid]
	newRight := internalNode{Keys: combinedKeys[mid+1:], Children: combinedChildren[mid+1:]}

	writeInternal(leftPage, newLeft)
	leftPage.Finalize()
	t.store.StagePage(leftID, leftPage)
	writeInternal(rightPage, newRight)
	rightPage.Finalize()
	t.store.StagePage(rightID, rightPage)

	node.Keys[leftIdx] = newSep
	writeInternal(parentPage, node)
	parentPage.Finalize()
	t.store.StagePage(parentID, parentPage)
	return nil
}
