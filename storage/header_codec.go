package storage

import "encoding/binary"

// encodeHeader writes h's fields into a header page's payload.
func encodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.FormatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], h.PageSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.TotalPageCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.RootCatalogPage)
	binary.LittleEndian.PutUint32(buf[16:20], h.FreelistHead)
	binary.LittleEndian.PutUint32(buf[20:24], h.FreelistCount)
	binary.LittleEndian.PutUint64(buf[24:32], h.LastCheckpointLSN)
	binary.LittleEndian.PutUint32(buf[32:36], h.TrigramRootPage)
}

func decodeHeader(buf []byte) Header {
	return Header{
		FormatVersion:     binary.LittleEndian.Uint32(buf[0:4]),
		PageSize:          binary.LittleEndian.Uint32(buf[4:8]),
		TotalPageCount:    binary.LittleEndian.Uint32(buf[8:12]),
		RootCatalogPage:   binary.LittleEndian.Uint32(buf[12:16]),
		FreelistHead:      binary.LittleEndian.Uint32(buf[16:20]),
		FreelistCount:     binary.LittleEndian.Uint32(buf[20:24]),
		LastCheckpointLSN: binary.LittleEndian.Uint64(buf[24:32]),
		TrigramRootPage:   binary.LittleEndian.Uint32(buf[32:36]),
	}
}

// encodeFreelistPage writes a freelist page's payload: next(4) |
// count(4) | ids[count](4 each).
func encodeFreelistPage(buf []byte, ids []uint32, next uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], next)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(ids)))
	off := 8
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
		off += 4
	}
}

func decodeFreelistPage(buf []byte) (ids []uint32, next uint32) {
	next = binary.LittleEndian.Uint32(buf[0:4])
	count := binary.LittleEndian.Uint32(buf[4:8])
	ids = make([]uint32, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			break
		}
		ids = append(ids, binary.LittleEndian.Uint32(buf[off:off+4]))
		off += 4
	}
	return ids, next
}
