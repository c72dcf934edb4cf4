// Package btree implements the variable-key B+Tree access method:
// binary-search node codec, insert/split, delete/redistribute/
// merge, cursors, and overflow chains for oversized values.
// It generalizes Felmond13/novusdb's index/btree.go, which
// has the same findLeaf/insertRecursive/split shape but fixed string
// keys, no rebalancing on delete, and no overflow support.
package btree

import (
	"sort"

	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/storage"
)

const (
	nodeTypeOff  = 0
	numKeysOff   = 1
	nextLeafOff  = 3 // leaf only, 4 bytes
	leafDataOff  = nextLeafOff + 4
	childZeroOff = numKeysOff + 2 // internal only
	internalDataOff = childZeroOff + 4

	nodeTypeInternal byte = 0
	nodeTypeLeaf     byte = 1
)

// leafEntry is one (key, value) cell in a leaf node. When Overflow is
// true, Value is empty and the payload lives in an overflow chain headed
// at FirstOverflowPage.
type leafEntry struct {
	Key               []byte
	Value             []byte
	Overflow          bool
	TotalLen          uint64
	FirstOverflowPage uint32
}

func encodeLeafEntry(e leafEntry) []byte {
	buf := make([]byte, 0, len(e.Key)+len(e.Value)+24)
	flag := byte(0)
	if e.Overflow {
		flag = 1
	}
	buf = append(buf, flag)
	kl := make([]byte, 10)
	n := storage.PutUvarint(kl, uint64(len(e.Key)))
	buf = append(buf, kl[:n]...)
	buf = append(buf, e.Key...)
	if e.Overflow {
		tl := make([]byte, 10)
		n := storage.PutUvarint(tl, e.TotalLen)
		buf = append(buf, tl[:n]...)
		fp := make([]byte, 4)
		storage.PutUvarint(fp, uint64(e.FirstOverflowPage))
		buf = append(buf, fp[:4]...)
	} else {
		vl := make([]byte, 10)
		n := storage.PutUvarint(vl, uint64(len(e.Value)))
		buf = append(buf, vl[:n]...)
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodeLeafEntry(buf []byte) (leafEntry, error) {
	if len(buf) < 2 {
		return leafEntry{}, dberr.New(dberr.KindCorruption, "leaf entry too short")
	}
	flag := buf[0]
	off := 1
	klen, n := storage.Uvarint(buf[off:])
	if n <= 0 {
		return leafEntry{}, dberr.New(dberr.KindCorruption, "leaf entry key length overflow")
	}
	off += n
	if off+int(klen) > len(buf) {
		return leafEntry{}, dberr.New(dberr.KindCorruption, "leaf entry key truncated")
	}
	key := append([]byte(nil), buf[off:off+int(klen)]...)
	off += int(klen)

	e := leafEntry{Key: key}
	if flag == 1 {
		e.Overflow = true
		total, n := storage.Uvarint(buf[off:])
		if n <= 0 {
			return leafEntry{}, dberr.New(dberr.KindCorruption, "overflow total length overflow")
		}
		off += n
		if off+4 > len(buf) {
			return leafEntry{}, dberr.New(dberr.KindCorruption, "overflow page pointer truncated")
		}
		fp, _ := storage.Uvarint(buf[off : off+4])
		e.TotalLen = total
		e.FirstOverflowPage = uint32(fp)
	} else {
		vlen, n := storage.Uvarint(buf[off:])
		if n <= 0 {
			return leafEntry{}, dberr.New(dberr.KindCorruption, "leaf entry value length overflow")
		}
		off += n
		if off+int(vlen) > len(buf) {
			return leafEntry{}, dberr.New(dberr.KindCorruption, "leaf entry value truncated")
		}
		e.Value = append([]byte(nil), buf[off:off+int(vlen)]...)
	}
	return e, nil
}

func readLeaf(page *storage.Page) (entries []leafEntry, next uint32, err error) {
	payload := page.Payload()
	num := int(be16(payload[numKeysOff:]))
	next = be32(payload[nextLeafOff:])
	r := storage.NewCellReader(payload[leafDataOff:])
	entries = make([]leafEntry, 0, num)
	for i := 0; i < num; i++ {
		cell, ok := r.Next()
		if !ok {
			return nil, 0, dberr.New(dberr.KindCorruption, "leaf node truncated")
		}
		e, derr := decodeLeafEntry(cell)
		if derr != nil {
			return nil, 0, derr
		}
		entries = append(entries, e)
	}
	return entries, next, nil
}

func writeLeaf(page *storage.Page, entries []leafEntry, next uint32) bool {
	payload := page.Payload()
	payload[nodeTypeOff] = nodeTypeLeaf
	putBE16(payload[numKeysOff:], uint16(len(entries)))
	putBE32(payload[nextLeafOff:], next)
	w := storage.NewCellWriter(payload[leafDataOff:])
	for _, e := range entries {
		if !w.Put(encodeLeafEntry(e)) {
			return false
		}
	}
	return true
}

func leafSize(entries []leafEntry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(encodeLeafEntry(e))
	}
	return s
}

// internalNode holds N+1 children and N separator keys.
type internalNode struct {
	Keys     [][]byte
	Children []uint32
}

func readInternal(page *storage.Page) (internalNode, error) {
	payload := page.Payload()
	num := int(be16(payload[numKeysOff:]))
	node := internalNode{Keys: make([][]byte, 0, num), Children: make([]uint32, 0, num+1)}
	node.Children = append(node.Children, be32(payload[childZeroOff:]))
	r := storage.NewCellReader(payload[internalDataOff:])
	for i := 0; i < num; i++ {
		cell, ok := r.Next()
		if !ok {
			return internalNode{}, dberr.New(dberr.KindCorruption, "internal node truncated")
		}
		if len(cell) < 4 {
			return internalNode{}, dberr.New(dberr.KindCorruption, "internal cell too short")
		}
		child := be32(cell[len(cell)-4:])
		key := append([]byte(nil), cell[:len(cell)-4]...)
		node.Keys = append(node.Keys, key)
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func writeInternal(page *storage.Page, node internalNode) bool {
	payload := page.Payload()
	payload[nodeTypeOff] = nodeTypeInternal
	putBE16(payload[numKeysOff:], uint16(len(node.Keys)))
	putBE32(payload[childZeroOff:], node.Children[0])
	w := storage.NewCellWriter(payload[internalDataOff:])
	for i, key := range node.Keys {
		cell := make([]byte, 0, len(key)+4)
		cell = append(cell, key...)
		cb := make([]byte, 4)
		putBE32(cb, node.Children[i+1])
		cell = append(cell, cb...)
		if !w.Put(cell) {
			return false
		}
	}
	return true
}

func internalSize(node internalNode) int {
	s := 4
	for _, k := range node.Keys {
		s += 2 + len(k) + 4
	}
	return s
}

func nodeType(page *storage.Page) byte { return page.Payload()[nodeTypeOff] }

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func putBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func keyLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func keyCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func searchKeys(keys [][]byte, key []byte) int {
	return sort.Search(len(keys), func(i int) bool { return !keyLess(keys[i], key) })
}

// searchLeafEntries finds the insertion position for key among entries:
// the first entry whose key is >= key. Values are not compared, so a new
// entry goes before any existing entries with an equal key.
func searchLeafEntries(entries []leafEntry, key []byte) int {
	return sort.Search(len(entries), func(i int) bool {
		return keyCompare(entries[i].Key, key) >= 0
	})
}
