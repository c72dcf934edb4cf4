package trigram

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostingsKeySortsSegmentsOfOneTrigramBySegmentID(t *testing.T) {
	k1 := postingsKey("ABC", 0)
	k2 := postingsKey("ABC", 1)
	require.Less(t, string(k1), string(k2), "same trigram's segments must sort by segment id")
}

func TestPostingsKeyPrefixMatchesFullKey(t *testing.T) {
	prefix := postingsKeyPrefix("XYZ")
	full := postingsKey("XYZ", 3)
	require.Equal(t, prefix, full[:len(prefix)])
}

func TestEncodeDecodeSegmentRoundTrip(t *testing.T) {
	ids := []uint64{1, 2, 5, 100, 100_000}
	buf := encodeSegment(ids)
	got, truncated := decodeSegment(buf, DefaultDecodeBound)
	require.False(t, truncated)
	require.Equal(t, ids, got)
}

func TestDecodeSegmentRespectsRowIDBound(t *testing.T) {
	ids := []uint64{1, 2, 3, 4, 5}
	buf := encodeSegment(ids)
	got, truncated := decodeSegment(buf, DecodeBound{MaxOctets: 1 << 20, MaxRowIDs: 2})
	require.True(t, truncated)
	require.Len(t, got, 2)
}

func TestDecodeSegmentRespectsOctetBound(t *testing.T) {
	ids := []uint64{1, 2, 3, 4, 5}
	buf := encodeSegment(ids)
	got, truncated := decodeSegment(buf, DecodeBound{MaxOctets: 1, MaxRowIDs: 1 << 20})
	require.True(t, truncated)
	require.LessOrEqual(t, len(got), len(ids))
}

func TestEncodeSegmentEmpty(t *testing.T) {
	buf := encodeSegment(nil)
	require.Empty(t, buf)
	got, truncated := decodeSegment(buf, DefaultDecodeBound)
	require.False(t, truncated)
	require.Empty(t, got)
}
