package files

import (
	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/storage"
)

// Overview describes the storage system for administrators.
type Overview struct {
	StoreType        model.StoreType `json:"store_type"`
	FileCount        int64           `json:"file_count"`
	DirCount         int64           `json:"dir_count"`
	RealUserSize     int64           `json:"real_user_size"`
	TotalUserSize    int64           `json:"total_user_size"`
	TotalPublicSize  int64           `json:"total_public_size"`
	BlobCount        int64           `json:"blob_count"`
	StoreTotalSpace  uint64          `json:"store_total_space"`
	StoreFreeSpace   uint64          `json:"store_free_space"`
	PublicTotalSpace uint64          `json:"public_total_space"`
	PublicFreeSpace  uint64          `json:"public_free_space"`
	StoreRoot        string          `json:"store_root"`
	PublicRoot       string          `json:"public_root"`
}

// State gathers record statistics, repository usage and free space. Under
// UNIQUE the real user size is the deduplicated repository size.
func (s *Service) State() (*Overview, error) {
	stats, err := s.records.Stats()
	if err != nil {
		return nil, err
	}
	st, err := s.store.State()
	if err != nil {
		return nil, err
	}

	userSize := stats.Size - stats.PublicSize
	ov := &Overview{
		StoreType:       st.StoreType,
		FileCount:       stats.Files,
		DirCount:        stats.Dirs,
		RealUserSize:    userSize,
		TotalUserSize:   userSize,
		TotalPublicSize: stats.PublicSize,
		BlobCount:       st.BlobCount,
		StoreRoot:       s.opts.StoreRoot,
		PublicRoot:      s.opts.PublicRoot,
	}
	if st.StoreType == model.StoreUnique {
		ov.RealUserSize = st.BlobSize
	}

	if s.opts.StoreRoot != "" {
		if ov.StoreTotalSpace, ov.StoreFreeSpace, err = storage.DiskUsage(s.opts.StoreRoot); err != nil {
			s.logger.Warn("reading store root usage failed", "error", err)
		}
	}
	if s.opts.PublicRoot != "" {
		if ov.PublicTotalSpace, ov.PublicFreeSpace, err = storage.DiskUsage(s.opts.PublicRoot); err != nil {
			s.logger.Warn("reading public root usage failed", "error", err)
		}
	}
	return ov, nil
}
