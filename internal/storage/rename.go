//go:build unix

package storage

import (
	"io/fs"
	"os"
)

// renameChecked is the portable fallback for renameNoReplace.
func renameChecked(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	}
	return os.Rename(src, dst)
}
