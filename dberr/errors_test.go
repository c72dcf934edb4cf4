package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	e := New(KindNotFound, "page missing")
	assert.Equal(t, "NotFound: page missing", e.Error())
	assert.Nil(t, e.Unwrap())
}

func TestWrapError(t *testing.T) {
	underlying := errors.New("disk full")
	e := Wrap(KindIO, "write page", "page=7", underlying)
	assert.Equal(t, "IO: write page (page=7): disk full", e.Error())
	assert.Equal(t, underlying, e.Unwrap())
	assert.True(t, errors.Is(e, underlying))
}

func TestIsMatchesByKindOnly(t *testing.T) {
	e := Wrap(KindCorruption, "bad checksum", "page=3", errors.New("crc mismatch"))
	assert.True(t, Is(e, KindCorruption))
	assert.False(t, Is(e, KindIO))
}

func TestErrorsIsAgainstSentinels(t *testing.T) {
	e := New(KindTransactionAborted, "reader evicted")
	assert.True(t, errors.Is(e, ErrTransactionAborted))
	assert.False(t, errors.Is(e, ErrTransaction))
}

func TestWrappedErrorParticipatesInFmtErrorf(t *testing.T) {
	inner := New(KindInvalid, "bad page size")
	outer := fmt.Errorf("opening database: %w", inner)

	var asErr *Error
	require.True(t, errors.As(outer, &asErr))
	assert.Equal(t, KindInvalid, asErr.Kind)
	assert.True(t, errors.Is(outer, ErrInvalid))
}
