// Package files keeps file records and physical storage in step. Every
// operation changes the physical tree through the storage service first
// and then mirrors the outcome in the record store.
package files

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/Gammanik/netdisk/internal/metastore"
	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/utils"
)

// PhysicalStore is the storage engine used by the service.
type PhysicalStore interface {
	StoreType() model.StoreType
	Store(uid int64, r io.Reader, dir string, info model.FileInfo) error
	MoveToSave(uid int64, nativePath, dir string, info model.FileInfo) error
	Copy(uid int64, sourceDir string, targetUID int64, targetDir, sourceName, targetName string, overwrite bool) error
	Move(uid int64, sourceDir, targetDir, name string, overwrite bool) error
	Rename(uid int64, dir, oldName, newName string) error
	Mkdir(uid int64, dir, name string) error
	MkdirAll(uid int64, path string) error
	Delete(uid int64, dir string, names []string) (int64, error)
	ReleaseBlob(digest string) (int, error)
	State() (storage.State, error)
}

// Records is the record store used by the service.
type Records interface {
	metastore.FileStore
	metastore.NodeStore
}

// Options configures a Service.
type Options struct {
	// SpoolDir receives uploads while their digest is computed. It must
	// share a filesystem with the store root.
	SpoolDir   string
	StoreRoot  string
	PublicRoot string
	Logger     *slog.Logger
}

// Service implements file operations over records and physical storage.
type Service struct {
	store   PhysicalStore
	records Records
	opts    Options
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(store PhysicalStore, records Records, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, records: records, opts: opts, logger: logger}
}

// DirEntry is a subdirectory in a listing.
type DirEntry struct {
	Name string `json:"name"`
	Node string `json:"node"`
}

// Listing is the content of a virtual directory.
type Listing struct {
	Path  string           `json:"path"`
	Dirs  []DirEntry       `json:"dirs"`
	Files []model.FileInfo `json:"files"`
}

// SearchResult is a matching file with its directory.
type SearchResult struct {
	model.FileInfo
	Dir string `json:"dir"`
}

// recordErr translates record store sentinels into storage ones so that
// callers match a single taxonomy.
func recordErr(err error) error {
	switch {
	case errors.Is(err, metastore.ErrNotFound):
		return fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	case errors.Is(err, metastore.ErrExists):
		return fmt.Errorf("%w: %w", storage.ErrAlreadyExists, err)
	}
	return err
}

// node resolves dir to its node id. The root always exists.
func (s *Service) node(uid int64, dir string) (string, error) {
	if dir == "/" {
		return s.records.EnsureNode(uid, dir)
	}
	id, err := s.records.NodeID(uid, dir)
	if err != nil {
		return "", recordErr(err)
	}
	return id, nil
}

// isDir reports whether dir/name is a directory record.
func (s *Service) isDir(uid int64, dir, name string) bool {
	_, err := s.records.NodeID(uid, path.Join(dir, name))
	return err == nil
}

// Mkdir creates dir/name. The parent must exist.
func (s *Service) Mkdir(uid int64, dir, name string) error {
	dir, err := storage.NormalizePath(dir)
	if err != nil {
		return err
	}
	if !storage.ValidName(name) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidName, name)
	}
	if _, err := s.node(uid, dir); err != nil {
		return err
	}
	if err := s.store.MkdirAll(uid, dir); err != nil {
		return err
	}
	if err := s.store.Mkdir(uid, dir, name); err != nil {
		return err
	}
	_, err = s.records.EnsureNode(uid, path.Join(dir, name))
	return err
}

// Mkdirs creates p and every missing parent.
func (s *Service) Mkdirs(uid int64, p string) error {
	p, err := storage.NormalizePath(p)
	if err != nil {
		return err
	}
	if err := s.store.MkdirAll(uid, p); err != nil {
		return err
	}
	_, err = s.records.EnsureNode(uid, p)
	return err
}

// SaveFile stores r as info.Name in dir, replacing an existing file. When
// info carries no digest the stream is spooled to compute it.
func (s *Service) SaveFile(uid int64, r io.Reader, dir string, info model.FileInfo) (*model.FileInfo, error) {
	if info.MD5 == "" {
		return s.Upload(uid, r, dir, info.Name)
	}
	dir, err := storage.NormalizePath(dir)
	if err != nil {
		return nil, err
	}
	node, err := s.node(uid, dir)
	if err != nil {
		return nil, err
	}
	if s.isDir(uid, dir, info.Name) {
		return nil, fmt.Errorf("save %s: %w: %w", path.Join(dir, info.Name), storage.ErrConflict, storage.ErrDirExists)
	}
	old, _ := s.records.GetFile(uid, node, info.Name)

	if err := s.store.Store(uid, r, dir, info); err != nil {
		return nil, err
	}
	info.Node = node
	if err := s.records.PutFile(uid, info); err != nil {
		return nil, err
	}
	if old != nil && old.MD5 != info.MD5 {
		s.release(old.MD5)
	}
	return &info, nil
}

// Upload spools r to compute its digest and size, then stores it as name
// in dir, replacing an existing file.
func (s *Service) Upload(uid int64, r io.Reader, dir, name string) (*model.FileInfo, error) {
	if !storage.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidName, name)
	}
	if err := os.MkdirAll(s.opts.SpoolDir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.opts.SpoolDir, "upload-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	digest, size, err := utils.CalculateReaderMD5(io.TeeReader(r, tmp))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("spooling upload: %w", err)
	}

	info := model.FileInfo{Name: name, Size: size, MD5: digest}
	return s.ingest(uid, tmp.Name(), dir, info, true)
}

// MoveToSaveFile moves a local file into dir. It fails with
// storage.ErrFileExists when dir already holds a file with that name.
func (s *Service) MoveToSaveFile(uid int64, nativePath, dir string, info model.FileInfo) error {
	if info.MD5 == "" {
		digest, size, err := utils.CalculateFileMD5(nativePath)
		if err != nil {
			return err
		}
		info.MD5, info.Size = digest, size
	}
	_, err := s.ingest(uid, nativePath, dir, info, false)
	return err
}

func (s *Service) ingest(uid int64, nativePath, dir string, info model.FileInfo, overwrite bool) (*model.FileInfo, error) {
	dir, err := storage.NormalizePath(dir)
	if err != nil {
		return nil, err
	}
	node, err := s.node(uid, dir)
	if err != nil {
		return nil, err
	}
	if s.isDir(uid, dir, info.Name) {
		return nil, fmt.Errorf("save %s: %w: %w", path.Join(dir, info.Name), storage.ErrConflict, storage.ErrDirExists)
	}
	old, err := s.records.GetFile(uid, node, info.Name)
	if err == nil && !overwrite {
		return nil, fmt.Errorf("save %s: %w", path.Join(dir, info.Name), storage.ErrFileExists)
	}

	if err := s.store.MoveToSave(uid, nativePath, dir, info); err != nil {
		return nil, err
	}
	info.Node = node
	record := s.records.PutFile
	if !overwrite {
		record = s.records.AddFile
	}
	if err := record(uid, info); err != nil {
		return nil, err
	}
	if old != nil && old.MD5 != info.MD5 {
		s.release(old.MD5)
	}
	s.logger.Debug("file saved", "uid", uid, "dir", dir, "name", info.Name, "md5", info.MD5)
	return &info, nil
}

// Rename renames dir/oldName to newName.
func (s *Service) Rename(uid int64, dir, oldName, newName string) error {
	dir, err := storage.NormalizePath(dir)
	if err != nil {
		return err
	}
	if !storage.ValidName(newName) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidName, newName)
	}
	if err := s.store.Rename(uid, dir, oldName, newName); err != nil {
		return err
	}
	if s.isDir(uid, dir, oldName) {
		return recordErr(s.records.TransferTree(uid, path.Join(dir, oldName), path.Join(dir, newName), false))
	}
	node, err := s.node(uid, dir)
	if err != nil {
		return err
	}
	return recordErr(s.records.RenameFile(uid, node, oldName, newName))
}

// Move moves sourceDir/name to targetDir. Directories merge; a file
// collision without overwrite fails with storage.ErrFileExists and
// leaves both files in place.
func (s *Service) Move(uid int64, sourceDir, targetDir, name string, overwrite bool) error {
	sourceDir, err := storage.NormalizePath(sourceDir)
	if err != nil {
		return err
	}
	targetDir, err = storage.NormalizePath(targetDir)
	if err != nil {
		return err
	}

	if s.isDir(uid, sourceDir, name) {
		moveErr := s.store.Move(uid, sourceDir, targetDir, name, overwrite)
		if moveErr != nil && !errors.Is(moveErr, storage.ErrAlreadyExists) {
			// Nothing was merged.
			return moveErr
		}
		recErr := s.records.TransferTree(uid, path.Join(sourceDir, name), path.Join(targetDir, name), overwrite)
		if moveErr != nil {
			return moveErr
		}
		return recordErr(recErr)
	}

	from, err := s.node(uid, sourceDir)
	if err != nil {
		return err
	}
	to, err := s.node(uid, targetDir)
	if err != nil {
		return err
	}
	moved, err := s.records.GetFile(uid, from, name)
	if err != nil {
		return recordErr(err)
	}
	old, _ := s.records.GetFile(uid, to, name)

	if err := s.store.Move(uid, sourceDir, targetDir, name, overwrite); err != nil {
		return err
	}
	if err := s.records.MoveFile(uid, from, to, name, overwrite); err != nil {
		return recordErr(err)
	}
	if old != nil && old.MD5 != moved.MD5 {
		s.release(old.MD5)
	}
	return nil
}

// Copy copies sourceDir/sourceName of uid to targetDir/targetName of
// targetUID.
func (s *Service) Copy(uid int64, sourceDir string, targetUID int64, targetDir, sourceName, targetName string, overwrite bool) error {
	sourceDir, err := storage.NormalizePath(sourceDir)
	if err != nil {
		return err
	}
	targetDir, err = storage.NormalizePath(targetDir)
	if err != nil {
		return err
	}
	to, err := s.node(targetUID, targetDir)
	if err != nil {
		return err
	}

	if err := s.store.Copy(uid, sourceDir, targetUID, targetDir, sourceName, targetName, overwrite); err != nil {
		return err
	}

	if s.isDir(uid, sourceDir, sourceName) {
		return recordErr(s.records.CopyTree(uid, path.Join(sourceDir, sourceName), targetUID, path.Join(targetDir, targetName), overwrite))
	}
	from, err := s.node(uid, sourceDir)
	if err != nil {
		return err
	}
	src, err := s.records.GetFile(uid, from, sourceName)
	if err != nil {
		return recordErr(err)
	}
	old, _ := s.records.GetFile(targetUID, to, targetName)

	cp := *src
	cp.Name, cp.Node = targetName, to
	cp.CreatedAt, cp.UpdatedAt = src.UpdatedAt, src.UpdatedAt
	if err := s.records.PutFile(targetUID, cp); err != nil {
		return err
	}
	if old != nil && old.MD5 != cp.MD5 {
		s.release(old.MD5)
	}
	return nil
}

// Delete removes the named entries of dir and returns the number of
// physical entries removed. Blobs left without links are collected.
func (s *Service) Delete(uid int64, dir string, names []string) (int64, error) {
	dir, err := storage.NormalizePath(dir)
	if err != nil {
		return 0, err
	}

	var (
		count   int64
		errs    []error
		digests = make(map[string]struct{})
	)
	for _, name := range names {
		n, err := s.store.Delete(uid, dir, []string{name})
		count += n
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
			continue
		}

		var removed []model.FileInfo
		var recErr error
		if s.isDir(uid, dir, name) {
			removed, recErr = s.records.DeleteTree(uid, path.Join(dir, name))
		} else if node, nodeErr := s.records.NodeID(uid, dir); nodeErr == nil {
			var info *model.FileInfo
			if info, recErr = s.records.DeleteFile(uid, node, name); info != nil {
				removed = append(removed, *info)
			}
		} else {
			recErr = nodeErr
		}

		switch {
		case err != nil && recErr != nil:
			// Neither a file nor a record.
			errs = append(errs, err)
		case recErr != nil && !errors.Is(recErr, metastore.ErrNotFound):
			errs = append(errs, recErr)
		}
		for _, f := range removed {
			if f.MD5 != "" {
				digests[f.MD5] = struct{}{}
			}
		}
	}

	for digest := range digests {
		s.release(digest)
	}
	return count, errors.Join(errs...)
}

// release collects the blob of digest once nothing links to it.
func (s *Service) release(digest string) {
	if n, err := s.store.ReleaseBlob(digest); err != nil {
		s.logger.Warn("releasing blob failed", "md5", digest, "error", err)
	} else if n > 0 {
		s.logger.Debug("blob collected", "md5", digest, "entries", n)
	}
}

// List returns the subdirectories and files of dir.
func (s *Service) List(uid int64, dir string) (*Listing, error) {
	dir, err := storage.NormalizePath(dir)
	if err != nil {
		return nil, err
	}
	node, err := s.node(uid, dir)
	if err != nil {
		return nil, err
	}

	children, err := s.records.ChildNodes(uid, dir)
	if err != nil {
		return nil, err
	}
	files, err := s.records.ListFiles(uid, node)
	if err != nil {
		return nil, err
	}

	out := &Listing{Path: dir, Dirs: []DirEntry{}, Files: files}
	if out.Files == nil {
		out.Files = []model.FileInfo{}
	}
	for _, c := range children {
		out.Dirs = append(out.Dirs, DirEntry{Name: path.Base(c.Path), Node: c.ID})
	}
	return out, nil
}

// Search finds uid's files whose names contain pattern.
func (s *Service) Search(uid int64, pattern string) ([]SearchResult, error) {
	found, err := s.records.SearchFiles(uid, pattern)
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]string)
	out := make([]SearchResult, 0, len(found))
	for _, f := range found {
		dir, ok := dirs[f.Node]
		if !ok {
			n, err := s.records.GetNode(f.Node)
			if err != nil {
				s.logger.Warn("file record without node", "uid", uid, "node", f.Node, "name", f.Name)
				continue
			}
			dir = n.Path
			dirs[f.Node] = dir
		}
		out = append(out, SearchResult{FileInfo: f, Dir: dir})
	}
	return out, nil
}
