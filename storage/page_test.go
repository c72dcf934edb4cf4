package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sphildreth/decentdb/dberr"
)

func TestPageFinalizeAndDecodeRoundTrip(t *testing.T) {
	p := NewPage(256, KindBTreeLeaf)
	copy(p.Payload(), []byte("hello"))
	p.Finalize()

	decoded, err := DecodePage(p.Buf)
	require.NoError(t, err)
	require.Equal(t, KindBTreeLeaf, decoded.Kind())
	require.Equal(t, []byte("hello"), decoded.Payload()[:5])
}

func TestDecodePageRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 64)
	_, err := DecodePage(buf)
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindCorruption))
}

func TestDecodePageRejectsCorruptCRC(t *testing.T) {
	p := NewPage(64, KindFreelist)
	p.Finalize()
	p.Buf[HeaderLen]++ // flip a payload byte after the CRC was computed

	_, err := DecodePage(p.Buf)
	require.Error(t, err)
}

func TestDecodePageRejectsShortBuffer(t *testing.T) {
	_, err := DecodePage(make([]byte, 2))
	require.Error(t, err)
}

func TestPageCloneIsIndependent(t *testing.T) {
	p := NewPage(32, KindOverflow)
	p.Finalize()
	clone := p.Clone()
	clone.Buf[0] = 0

	require.NotEqual(t, p.Buf[0], clone.Buf[0])
}

func TestCellWriterReaderRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	w := NewCellWriter(buf)
	require.True(t, w.Put([]byte("abc")))
	require.True(t, w.Put([]byte("de")))

	r := NewCellReader(buf[:w.Offset()])
	c1, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, "abc", string(c1))

	c2, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, "de", string(c2))

	_, ok = r.Next()
	require.False(t, ok)
}

func TestCellWriterReportsNoRoom(t *testing.T) {
	buf := make([]byte, 4)
	w := NewCellWriter(buf)
	require.False(t, w.Put([]byte("toolong")))
}
