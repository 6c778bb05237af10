//go:build unix

package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/utils"
)

var (
	syscallNotDir      error = unix.ENOTDIR
	syscallCrossDevice error = unix.EXDEV
)

func isNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST)
}

// linkCount returns the number of hard links to path.
func linkCount(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	return uint64(st.Nlink), nil
}

// linkReplace makes dst a hard link to src, atomically replacing any
// file at dst. A directory at dst is never replaced.
func linkReplace(src, dst string) error {
	if existing, err := os.Lstat(dst); err == nil {
		if existing.IsDir() {
			return fmt.Errorf("link %s: %w", dst, errDirBlocksFile)
		}
		if source, err := os.Stat(src); err == nil && os.SameFile(source, existing) {
			return nil
		}
	}

	err := os.Link(src, dst)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}

	tmp, err := reserveName(filepath.Dir(dst), ".link-*")
	if err != nil {
		return err
	}
	if err := os.Link(src, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// reserveName returns an unused path in dir matching pattern.
func reserveName(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return "", err
	}
	return name, nil
}

// writeFileAtomic writes r to a temp file next to dst and moves it into
// place. Existing files are replaced by a new inode, never truncated, so
// a dst that is still a hard link into the repository cannot corrupt the
// shared blob. Without overwrite an existing dst yields ErrFileExists.
func writeFileAtomic(dst string, r io.Reader, perm fs.FileMode, overwrite bool) error {
	tmp, err := writeTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*", r, perm, model.FileInfo{Size: -1})
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	return placeFile(tmp, dst, overwrite)
}

// writeTemp copies r into a new temp file in dir and returns its path.
// The copy is checked against want: a non-negative Size must match the
// length and a non-empty MD5 the digest, otherwise the temp file is
// removed and the error wraps ErrConflict.
func writeTemp(dir, pattern string, r io.Reader, perm fs.FileMode, want model.FileInfo) (string, error) {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	digest, n, err := utils.CopyMD5(tmp, r)
	if err == nil {
		err = tmp.Chmod(perm)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && want.Size >= 0 && n != want.Size {
		err = fmt.Errorf("%w: stream has %d bytes, descriptor declares %d", ErrConflict, n, want.Size)
	}
	if err == nil && want.MD5 != "" && !strings.EqualFold(digest, want.MD5) {
		err = fmt.Errorf("%w: stream has md5 %s, descriptor declares %s", ErrConflict, digest, want.MD5)
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// placeFile moves the temp file tmp to dst. Without overwrite an
// existing dst yields ErrFileExists.
func placeFile(tmp, dst string, overwrite bool) error {
	if overwrite {
		return os.Rename(tmp, dst)
	}
	if err := os.Link(tmp, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("write %s: %w", dst, ErrFileExists)
		}
		return err
	}
	return nil
}

// copyEntry copies a single file. With link set it hard-links instead.
func copyEntry(src, dst string, overwrite, link bool) error {
	if existing, err := os.Lstat(dst); err == nil {
		if existing.IsDir() {
			return fmt.Errorf("copy %s: %w", dst, errDirBlocksFile)
		}
		if !overwrite {
			return fmt.Errorf("copy %s: %w", dst, ErrFileExists)
		}
	}

	if link {
		if overwrite {
			return linkReplace(src, dst)
		}
		if err := os.Link(src, dst); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("copy %s: %w", dst, ErrFileExists)
			}
			return err
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(dst, in, info.Mode().Perm(), overwrite); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// moveFile renames src to dst, replacing dst. Across volumes it falls
// back to copy and remove.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscallCrossDevice) {
		return err
	}
	tmp, err := copyToTemp(src, filepath.Dir(dst))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// copyToTemp copies src into a new temp file in dir and returns its path.
func copyToTemp(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, ".ingest-*")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
