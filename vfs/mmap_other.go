//go:build windows || js || wasip1

package vfs

import "github.com/sphildreth/decentdb/dberr"

// MmapWritable is unsupported on this platform; callers fall back to
// ReadAt/WriteAt.
func (o *osFile) MmapWritable() ([]byte, error) {
	return nil, dberr.New(dberr.KindInvalid, "mmap not supported on this platform")
}

func (o *osFile) MunmapWritable() error { return nil }
