//go:build linux

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace renames atomically, failing with os.ErrExist if the
// destination already exists.
func renameNoReplace(oldpath, newpath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_NOREPLACE)
	if err == unix.EEXIST {
		return os.ErrExist
	}
	return err
}
