//go:build darwin

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace renames atomically, failing with os.ErrExist if the
// destination already exists.
func renameNoReplace(oldpath, newpath string) error {
	err := unix.Renameatx_np(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_EXCL)
	if err == unix.EEXIST {
		return os.ErrExist
	}
	return err
}
