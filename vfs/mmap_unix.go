//go:build !windows && !js && !wasip1

package vfs

import (
	"syscall"

	"github.com/sphildreth/decentdb/dberr"
)

// MmapWritable exposes the file's current contents as a writable memory
// map. syscall.Mmap is used directly rather than a third-party mmap
// package: the pack's mmap-using
// example (other_examples' pager) rolls its own unix-only mmap too, and a
// cross-platform mmap library would need its own Windows/js shims anyway
// — it buys nothing a direct syscall doesn't already give on the
// platforms that support it.
func (o *osFile) MmapWritable() ([]byte, error) {
	size, err := o.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, dberr.New(dberr.KindInvalid, "cannot mmap empty file")
	}
	data, err := syscall.Mmap(int(o.f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, "mmap", o.path, err)
	}
	o.mmap = data
	return data, nil
}

func (o *osFile) MunmapWritable() error {
	if o.mmap == nil {
		return nil
	}
	err := syscall.Munmap(o.mmap)
	o.mmap = nil
	if err != nil {
		return dberr.Wrap(dberr.KindIO, "munmap", o.path, err)
	}
	return nil
}
