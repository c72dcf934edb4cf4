// Package vfs is the synchronous file-primitive layer decentdb is built on:
// open, positional read/write, durable sync, truncate, close, and an
// optional writable memory map. It is pluggable so fault injection
// can sit between the storage engine and the real filesystem.
package vfs

import (
	"io"
	"os"

	"github.com/sphildreth/decentdb/dberr"
)

// OpenMode selects how File should be opened.
type OpenMode int

const (
	ModeReadWrite OpenMode = iota
	ModeReadOnly
)

// File is the synchronous file contract every component (WAL, pager) is
// built against. Positional reads are safe for concurrent use by multiple
// goroutines; positional writes and Sync require serialization by the
// caller (the WAL owns its file's write lock, the pager owns the main
// file's).
type File interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
	Size() (int64, error)
}

// MmapFile is implemented by File backends that can expose a writable
// memory map of their current contents. Not all backends support this;
// callers should type-assert and fall back to ReadAt/WriteAt.
type MmapFile interface {
	MmapWritable() ([]byte, error)
	MunmapWritable() error
}

// VFS opens files. Production code uses OSVFS; tests use MemVFS or wrap
// either in a FaultVFS for crash-injection scenarios.
type VFS interface {
	Open(path string, mode OpenMode) (File, error)
	Remove(path string) error
}

// OSVFS is the real, disk-backed VFS.
type OSVFS struct{}

func (OSVFS) Open(path string, mode OpenMode) (File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if mode == ModeReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, "open file", path, err)
	}
	return &osFile{f: f, path: path}, nil
}

func (OSVFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(dberr.KindIO, "remove file", path, err)
	}
	return nil
}

type osFile struct {
	f    *os.File
	path string
	mmap []byte
}

func (o *osFile) ReadAt(b []byte, off int64) (int, error) {
	n, err := o.f.ReadAt(b, off)
	if err != nil && err != io.EOF {
		return n, dberr.Wrap(dberr.KindIO, "read", o.path, err)
	}
	return n, err
}

func (o *osFile) WriteAt(b []byte, off int64) (int, error) {
	n, err := o.f.WriteAt(b, off)
	if err != nil {
		return n, dberr.Wrap(dberr.KindIO, "write", o.path, err)
	}
	return n, nil
}

// Sync flushes process buffers then forces data to stable storage. A
// successful return without the OS durability call actually happening
// would be a durability violation; os.File.Sync is the
// standard library's fsync/FlushFileBuffers call, so this is a
// direct pass-through, not a place for a third-party wrapper.
func (o *osFile) Sync() error {
	if err := o.f.Sync(); err != nil {
		return dberr.Wrap(dberr.KindIO, "fsync", o.path, err)
	}
	return nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return dberr.Wrap(dberr.KindIO, "truncate", o.path, err)
	}
	return nil
}

func (o *osFile) Close() error {
	if err := o.f.Close(); err != nil {
		return dberr.Wrap(dberr.KindIO, "close", o.path, err)
	}
	return nil
}

func (o *osFile) Size() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, dberr.Wrap(dberr.KindIO, "stat", o.path, err)
	}
	return info.Size(), nil
}
