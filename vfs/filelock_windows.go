//go:build windows

package vfs

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/sphildreth/decentdb/dberr"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock = 0x00000002
	lockfileFailImmediate = 0x00000001
)

// FileLock is an OS-level advisory lock (Windows implementation).
type FileLock struct {
	file *os.File
}

// LockPath acquires an exclusive advisory lock on path+".lock". The
// returned lock must be released with Unlock.
func LockPath(path string) (*FileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, "open lock file", lockPath, err)
	}

	ol := new(syscall.Overlapped)
	r1, _, _ := procLockFileEx.Call(
		f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediate),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	if r1 == 0 {
		f.Close()
		return nil, dberr.Wrap(dberr.KindIO, "database is locked by another process", path, nil)
	}

	return &FileLock{file: f}, nil
}

// Unlock releases the lock and removes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	ol := new(syscall.Overlapped)
	procUnlockFileEx.Call(
		fl.file.Fd(),
		0,
		1, 0,
		uintptr(unsafe.Pointer(ol)),
	)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
