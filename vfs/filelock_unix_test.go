//go:build !windows && !js && !wasip1

package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockPathExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decentdb.db")

	lock, err := LockPath(path)
	require.NoError(t, err)

	_, err = LockPath(path)
	require.Error(t, err)

	require.NoError(t, lock.Unlock())

	_, err = os.Stat(path + ".lock")
	require.True(t, os.IsNotExist(err))
}

func TestLockPathReacquireAfterUnlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decentdb.db")

	lock, err := LockPath(path)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())

	lock2, err := LockPath(path)
	require.NoError(t, err)
	require.NoError(t, lock2.Unlock())
}
