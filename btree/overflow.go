package btree

import (
	"github.com/klauspost/compress/s2"

	"github.com/sphildreth/decentdb/dberr"
	"github.com/sphildreth/decentdb/storage"
)

// Overflow page payload: flag(1: 0=raw,1=s2-compressed) | next(4) |
// chunkLen(4) | chunk bytes. Generalizes novusdb's
// compressRecord/DecompressRecord (storage/pager.go), which applied
// snappy to whole records; here it is applied per overflow chunk so a
// chain can be decoded incrementally.
const overflowChunkHeaderLen = 1 + 4 + 4

func overflowChunkCapacity(pageSize int) int {
	return pageSize - storage.HeaderLen - 4 - overflowChunkHeaderLen
}

// writeOverflowChain compresses value with S2 when that shrinks it, then
// splits it across a linked chain of overflow pages, returning the head
// page ID.
func writeOverflowChain(store PageStore, pageSize int, value []byte) (uint32, error) {
	compressed := s2.Encode(nil, value)
	payload := value
	compressedFlag := byte(0)
	if len(compressed) < len(value) {
		payload = compressed
		compressedFlag = 1
	}

	chunkCap := overflowChunkCapacity(pageSize)
	numChunks := (len(payload) + chunkCap - 1) / chunkCap
	if numChunks == 0 {
		numChunks = 1
	}
	pageIDs := make([]uint32, numChunks)
	for i := range pageIDs {
		id, err := store.AllocPage()
		if err != nil {
			return 0, err
		}
		pageIDs[i] = id
	}

	for i := numChunks - 1; i >= 0; i-- {
		start := i * chunkCap
		end := start + chunkCap
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		next := uint32(0)
		if i+1 < numChunks {
			next = pageIDs[i+1]
		}
		page := storage.NewPage(pageSize, storage.KindOverflow)
		buf := page.Payload()
		buf[0] = compressedFlag
		putBE32(buf[1:5], next)
		putBE32(buf[5:9], uint32(len(chunk)))
		copy(buf[overflowChunkHeaderLen:], chunk)
		page.Finalize()
		store.StagePage(pageIDs[i], page)
	}
	return pageIDs[0], nil
}

// readOverflowChain walks the chain starting at head, reassembles the
// compressed (or raw) bytes, and decompresses if needed. totalLen is the
// original uncompressed length, used to size the output buffer.
func readOverflowChain(store PageStore, snapshotLSN uint64, head uint32, totalLen uint64) ([]byte, error) {
	var compressed []byte
	var wasCompressed bool
	pageID := head
	first := true
	for pageID != 0 {
		page, err := store.ReadPage(pageID, snapshotLSN)
		if err != nil {
			return nil, err
		}
		buf := page.Payload()
		if first {
			wasCompressed = buf[0] == 1
			first = false
		}
		next := be32(buf[1:5])
		clen := be32(buf[5:9])
		end := overflowChunkHeaderLen + int(clen)
		if end > len(buf) {
			return nil, dberr.New(dberr.KindCorruption, "overflow chunk length exceeds page")
		}
		compressed = append(compressed, buf[overflowChunkHeaderLen:end]...)
		pageID = next
	}
	if !wasCompressed {
		return compressed, nil
	}
	out := make([]byte, 0, totalLen)
	return s2.Decode(out[:0], compressed)
}

// freeOverflowChain returns every page in the chain to the freelist.
func freeOverflowChain(store PageStore, head uint32) error {
	pageID := head
	for pageID != 0 {
		page, err := store.MutatePage(pageID)
		if err != nil {
			return err
		}
		next := be32(page.Payload()[1:5])
		if err := store.FreePage(pageID); err != nil {
			return err
		}
		pageID = next
	}
	return nil
}
