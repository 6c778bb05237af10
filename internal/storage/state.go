//go:build unix

package storage

import (
	"io/fs"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Gammanik/netdisk/internal/model"
)

// State describes the storage engine.
type State struct {
	StoreType  model.StoreType `json:"store_type"`
	UniqueRoot string          `json:"unique_root"`
	BlobCount  int64           `json:"blob_count"`
	BlobSize   int64           `json:"blob_size"`
}

// State counts the blobs in the repository.
func (s *Service) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{StoreType: s.storeType, UniqueRoot: s.uniqueRoot}
	err := filepath.WalkDir(s.uniqueRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == s.tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		state.BlobCount++
		state.BlobSize += info.Size()
		return nil
	})
	return state, err
}

// DiskUsage returns the total and free bytes of the filesystem holding path.
func DiskUsage(path string) (total, free uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, &fs.PathError{Op: "statfs", Path: path, Err: err}
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bfree * uint64(stat.Bsize), nil
}
