//go:build !windows && !js && !wasip1

package vfs

import (
	"os"
	"syscall"

	"github.com/sphildreth/decentdb/dberr"
)

// FileLock is an OS-level advisory lock (Unix implementation using flock)
// that keeps a second process from opening the same database file, since
// DecentDB is single-writer, single-process per database.
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

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, dberr.Wrap(dberr.KindIO, "database is locked by another process", path, err)
	}

	return &FileLock{file: f}, nil
}

// Unlock releases the lock and removes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
