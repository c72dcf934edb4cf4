// Package storage implements the on-disk page codec and the shard-striped
// buffer pool (pager) that sits over it.
package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/sphildreth/decentdb/dberr"
)

// DefaultPageSize is the page size used unless config.Options overrides it
// with another power of two (4096 or 8192).
const DefaultPageSize = 4096

const (
	magicLen    = 4
	kindLen     = 1
	reservedLen = 3
	crcLen      = 4
	// HeaderLen is the fixed framing overhead before the payload begins.
	HeaderLen = magicLen + kindLen + reservedLen
)

// crc32cTable implements CRC32C (Castagnoli). The standard library's
// hash/crc32 already provides exactly this checksum; no third-party CRC
// package in the pack does anything hash/crc32 doesn't.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Kind identifies what a page's payload contains.
type Kind byte

const (
	KindHeader Kind = iota + 1
	KindFreelist
	KindBTreeInternal
	KindBTreeLeaf
	KindOverflow
	KindTrigramPostings
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindFreelist:
		return "freelist"
	case KindBTreeInternal:
		return "btree-internal"
	case KindBTreeLeaf:
		return "btree-leaf"
	case KindOverflow:
		return "overflow"
	case KindTrigramPostings:
		return "trigram-postings"
	default:
		return "unknown"
	}
}

var kindMagic = map[Kind][magicLen]byte{
	KindHeader:          {'D', 'D', 'B', 'H'},
	KindFreelist:        {'D', 'D', 'B', 'F'},
	KindBTreeInternal:   {'D', 'D', 'B', 'I'},
	KindBTreeLeaf:       {'D', 'D', 'B', 'L'},
	KindOverflow:        {'D', 'D', 'B', 'O'},
	KindTrigramPostings: {'D', 'D', 'B', 'T'},
}

var magicToKind = func() map[[magicLen]byte]Kind {
	m := make(map[[magicLen]byte]Kind, len(kindMagic))
	for k, v := range kindMagic {
		m[v] = k
	}
	return m
}()

// Page is one fixed-size page held in memory as a flat buffer:
// magic(4) | kind(1) | reserved(3) | payload(N) | CRC32C(4).
type Page struct {
	Buf []byte
}

// NewPage allocates a zeroed page of the given size and kind.
func NewPage(size int, kind Kind) *Page {
	p := &Page{Buf: make([]byte, size)}
	m := kindMagic[kind]
	copy(p.Buf[0:magicLen], m[:])
	p.Buf[magicLen] = byte(kind)
	return p
}

// Kind reports the page's kind tag.
func (p *Page) Kind() Kind { return Kind(p.Buf[magicLen]) }

// Payload is the mutable region between the header and the CRC trailer.
func (p *Page) Payload() []byte {
	return p.Buf[HeaderLen : len(p.Buf)-crcLen]
}

// Size is the total framed page size including header and trailer.
func (p *Page) Size() int { return len(p.Buf) }

// Finalize recomputes and writes the CRC32C trailer. Callers must call
// this before handing the page to the pager/WAL for a durable write.
func (p *Page) Finalize() {
	trailer := len(p.Buf) - crcLen
	sum := crc32.Checksum(p.Buf[:trailer], crc32cTable)
	binary.LittleEndian.PutUint32(p.Buf[trailer:], sum)
}

// Clone returns a deep copy, used when handing out a page image that must
// not alias the pool's buffer (e.g. a WAL frame payload or a snapshot read).
func (p *Page) Clone() *Page {
	cp := make([]byte, len(p.Buf))
	copy(cp, p.Buf)
	return &Page{Buf: cp}
}

// DecodePage validates and wraps a raw page-sized buffer. It fails with
// dberr.KindCorruption on magic mismatch or CRC mismatch.
func DecodePage(buf []byte) (*Page, error) {
	if len(buf) < HeaderLen+crcLen {
		return nil, dberr.New(dberr.KindCorruption, "page shorter than header+trailer")
	}
	var magic [magicLen]byte
	copy(magic[:], buf[0:magicLen])
	kind, ok := magicToKind[magic]
	if !ok {
		return nil, dberr.New(dberr.KindCorruption, "unrecognized page magic")
	}
	_ = kind

	trailer := len(buf) - crcLen
	want := binary.LittleEndian.Uint32(buf[trailer:])
	got := crc32.Checksum(buf[:trailer], crc32cTable)
	if want != got {
		return nil, dberr.New(dberr.KindCorruption, "page CRC32C mismatch")
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &Page{Buf: cp}, nil
}

// PutUvarint and Uvarint are thin, named wrappers around
// encoding/binary's LEB128 implementation: cell and overflow integers
// use unsigned LEB128, and the standard library already implements
// exactly this encoding, so there is nothing a third-party varint
// package would add.
func PutUvarint(buf []byte, v uint64) int { return binary.PutUvarint(buf, v) }
func Uvarint(buf []byte) (uint64, int)     { return binary.Uvarint(buf) }

// CellWriter appends length-prefixed cells into a payload buffer
// sequentially from the front, tracking the next free offset. It is the
// common building block B+Tree leaf/internal nodes and trigram postings
// pages use to lay out variable-length cells, each framed with a 2-octet
// length prefix.
type CellWriter struct {
	buf    []byte
	offset int
}

func NewCellWriter(buf []byte) *CellWriter { return &CellWriter{buf: buf} }

// Offset is the next free byte position.
func (w *CellWriter) Offset() int { return w.offset }

// Remaining is how many bytes are left in the buffer.
func (w *CellWriter) Remaining() int { return len(w.buf) - w.offset }

// Put appends one cell (2-octet length prefix + payload). It reports
// whether there was room.
func (w *CellWriter) Put(cell []byte) bool {
	needed := 2 + len(cell)
	if w.Remaining() < needed {
		return false
	}
	binary.LittleEndian.PutUint16(w.buf[w.offset:], uint16(len(cell)))
	copy(w.buf[w.offset+2:], cell)
	w.offset += needed
	return true
}

// CellReader walks cells written by CellWriter.
type CellReader struct {
	buf    []byte
	offset int
}

func NewCellReader(buf []byte) *CellReader { return &CellReader{buf: buf} }

// Next returns the next cell, or ok=false at end of buffer or on a
// truncated length prefix (treated as end rather than Corruption here;
// callers that need strict validation check Offset against an expected
// cell count from the page header).
func (r *CellReader) Next() (cell []byte, ok bool) {
	if r.offset+2 > len(r.buf) {
		return nil, false
	}
	n := binary.LittleEndian.Uint16(r.buf[r.offset:])
	start := r.offset + 2
	end := start + int(n)
	if end > len(r.buf) {
		return nil, false
	}
	r.offset = end
	return r.buf[start:end], true
}

// Offset is the reader's current position, usable to resume with a fresh
// CellWriter during in-place rewrites.
func (r *CellReader) Offset() int { return r.offset }
