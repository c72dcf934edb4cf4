package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderCodecRoundTrip(t *testing.T) {
	h := Header{
		FormatVersion:     1,
		PageSize:          4096,
		TotalPageCount:    42,
		RootCatalogPage:   2,
		FreelistHead:      5,
		FreelistCount:     3,
		LastCheckpointLSN: 123456,
		TrigramRootPage:   6,
	}
	buf := make([]byte, 64)
	encodeHeader(buf, h)
	got := decodeHeader(buf)
	require.Equal(t, h, got)
}

func TestFreelistPageCodecRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	ids := []uint32{10, 11, 12}
	encodeFreelistPage(buf, ids, 99)

	gotIDs, next := decodeFreelistPage(buf)
	require.Equal(t, ids, gotIDs)
	require.Equal(t, uint32(99), next)
}

func TestFreelistPageCodecEmpty(t *testing.T) {
	buf := make([]byte, 64)
	encodeFreelistPage(buf, nil, 0)

	gotIDs, next := decodeFreelistPage(buf)
	require.Empty(t, gotIDs)
	require.Zero(t, next)
}
