// Package storage implements the physical side of the network disk:
// resolving virtual paths to files on disk and performing store, copy,
// move, rename, mkdir and delete under the active store policy.
//
// Under the RAW policy the physical tree mirrors the virtual one. Under
// the UNIQUE policy bytes are stored once per MD5 digest in a sharded
// repository and every virtual file is a hard link to its blob, so the
// repository and all user roots must share one unix filesystem.
package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/utils"
)

// tmpDirName is the scratch directory inside the repository root. It is
// not a shard directory and is never garbage-collected.
const tmpDirName = ".tmp"

const blobLockStripes = 64

// Options configures a Service.
type Options struct {
	Type       model.StoreType
	UserRoot   func(uid int64) string
	UniqueRoot string
	ShardDepth int
	ShardWidth int
	Logger     *slog.Logger
}

// Service performs physical file operations. It is safe for concurrent
// use. Every operation holds a read lock on the store policy for its
// whole duration; SetStoreType takes the write lock, so a policy switch
// waits for in-flight operations and blocks new ones until it completes.
type Service struct {
	mu        sync.RWMutex
	storeType model.StoreType

	// blobLocks serialize linking to a blob against collecting it.
	blobLocks [blobLockStripes]sync.Mutex

	raw        *RawPathHandler
	unique     *UniquePathHandler
	uniqueRoot string
	tmpDir     string
	depth      int
	logger     *slog.Logger
}

// New creates a Service and its repository directories.
func New(opts Options) (*Service, error) {
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("invalid store type %q", opts.Type)
	}
	if opts.UserRoot == nil {
		return nil, errors.New("user root resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tmpDir := filepath.Join(opts.UniqueRoot, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository directory: %w", err)
	}

	return &Service{
		storeType:  opts.Type,
		raw:        NewRawPathHandler(opts.UserRoot),
		unique:     NewUniquePathHandler(opts.UniqueRoot, opts.ShardDepth, opts.ShardWidth),
		uniqueRoot: opts.UniqueRoot,
		tmpDir:     tmpDir,
		depth:      opts.ShardDepth,
		logger:     logger,
	}, nil
}

// StoreType returns the active store policy.
func (s *Service) StoreType() model.StoreType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeType
}

// SetStoreType switches the store policy. It reports false when t is
// already active. The switch waits for every in-flight operation.
func (s *Service) SetStoreType(t model.StoreType) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: store type %q", ErrUnsupported, t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeType == t {
		return false, nil
	}
	s.logger.Info("store type changed", "from", s.storeType, "to", t)
	s.storeType = t
	return true, nil
}

// RawPath resolves a virtual location to its mirrored physical path.
func (s *Service) RawPath(uid int64, dir string, file *model.FileInfo) (string, error) {
	return s.raw.StorePath(uid, dir, file)
}

// BlobPath resolves a digest to its repository path.
func (s *Service) BlobPath(digest string) (string, error) {
	return s.unique.BlobPath(digest)
}

// Store writes r as file info.Name in dir. Under UNIQUE the bytes go to
// the repository first (unless a blob with that digest already exists)
// and the virtual path becomes a hard link to the blob. A blob with the
// same digest but a different size fails with ErrConflict and is left
// untouched. Under RAW the bytes replace whatever file is at the target.
// Bytes that are written are checked against info.Size and info.MD5; a
// mismatch fails with ErrConflict and leaves nothing behind.
func (s *Service) Store(uid int64, r io.Reader, dir string, info model.FileInfo) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, err := s.raw.StorePath(uid, dir, &info)
	if err != nil {
		return err
	}
	if err := checkNotDir(target); err != nil {
		return err
	}

	if s.storeType == model.StoreUnique {
		blob, err := s.unique.StorePath(uid, dir, &info)
		if err != nil {
			return err
		}
		return s.storeBlob(blob, target, r, info)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := writeTemp(filepath.Dir(target), "."+info.Name+".tmp-*", r, 0o644, info)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	s.logger.Debug("save file", "target", target)
	return placeFile(tmp, target, true)
}

// MoveToSave ingests an already materialized local file. The native file
// no longer exists afterwards (unless the call fails). Under UNIQUE the
// file is moved into the repository, or dropped when the blob already
// exists, and the target is linked to the blob. Under RAW the file is
// moved to the target unless both paths are the same.
func (s *Service) MoveToSave(uid int64, nativePath, dir string, info model.FileInfo) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, err := s.raw.StorePath(uid, dir, &info)
	if err != nil {
		return err
	}
	if err := checkNotDir(target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if s.storeType != model.StoreUnique {
		if filepath.Clean(nativePath) == filepath.Clean(target) {
			return nil
		}
		s.logger.Debug("move file", "source", nativePath, "target", target)
		return moveFile(nativePath, target)
	}

	blob, err := s.unique.StorePath(uid, dir, &info)
	if err != nil {
		return err
	}
	return s.adoptBlob(nativePath, blob, target, info)
}

// Copy copies sourceDir/sourceName of uid to targetDir/targetName of
// targetUID. The target directory must exist. Under UNIQUE files are
// hard-linked instead of copied. Directories are copied recursively:
// subdirectories are created first, then files; without overwrite,
// entries that already exist at the target are kept.
func (s *Service) Copy(uid int64, sourceDir string, targetUID int64, targetDir, sourceName, targetName string, overwrite bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, err := s.raw.StorePath(uid, sourceDir, &model.FileInfo{Name: sourceName})
	if err != nil {
		return err
	}
	targetParent, err := s.raw.StorePath(targetUID, targetDir, nil)
	if err != nil {
		return err
	}
	if !ValidName(targetName) {
		return fmt.Errorf("%w: %q", ErrInvalidName, targetName)
	}
	target := filepath.Join(targetParent, targetName)

	sourceInfo, err := os.Lstat(source)
	if err != nil {
		return notFound("copy source", source, err)
	}
	if parentInfo, err := os.Stat(targetParent); err != nil || !parentInfo.IsDir() {
		return fmt.Errorf("copy target directory %s: %w", targetParent, ErrNotFound)
	}
	if source == target {
		if overwrite {
			return nil
		}
		return fmt.Errorf("copy %s: %w", target, existsError(sourceInfo.IsDir()))
	}

	unique := s.storeType == model.StoreUnique
	if !sourceInfo.IsDir() {
		return copyEntry(source, target, overwrite, unique)
	}
	if isWithin(target, source) {
		return fmt.Errorf("%w: copy %s into itself", ErrUnsupported, source)
	}
	return s.copyTree(source, target, overwrite, unique)
}

func (s *Service) copyTree(source, target string, overwrite, unique bool) error {
	var dirs, files []string
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, rel)
		} else {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, rel := range dirs {
		dest := filepath.Join(target, rel)
		s.logger.Debug("copy mkdir", "path", dest)
		if err := os.Mkdir(dest, 0o755); err != nil {
			if !errors.Is(err, fs.ErrExist) {
				return err
			}
			if err := checkIsDir(dest); err != nil {
				return err
			}
		}
	}

	for _, rel := range files {
		src := filepath.Join(source, rel)
		dest := filepath.Join(target, rel)
		s.logger.Debug("copy file", "source", src, "target", dest, "link", unique)
		if err := copyEntry(src, dest, overwrite, unique); err != nil {
			if !overwrite && errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return err
		}
	}
	return nil
}

// Move moves sourceDir/name of uid to targetDir/name. When the target
// name is free this is a plain rename. A file and a directory never
// replace each other (ErrUnsupported). Directories merge recursively.
// A file replaces an existing file only with overwrite; otherwise the
// move fails with ErrFileExists and both files stay where they are.
func (s *Service) Move(uid int64, sourceDir, targetDir, name string, overwrite bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &model.FileInfo{Name: name}
	source, err := s.raw.StorePath(uid, sourceDir, info)
	if err != nil {
		return err
	}
	target, err := s.raw.StorePath(uid, targetDir, info)
	if err != nil {
		return err
	}

	sourceInfo, err := os.Lstat(source)
	if err != nil {
		return notFound("move source", source, err)
	}
	if source == target {
		return nil
	}
	if sourceInfo.IsDir() && isWithin(target, source) {
		return fmt.Errorf("%w: move %s into itself", ErrUnsupported, source)
	}

	targetInfo, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		if err := checkIsDir(filepath.Dir(target)); err != nil {
			return fmt.Errorf("move target directory %s: %w", filepath.Dir(target), ErrNotFound)
		}
		s.logger.Debug("move", "source", source, "target", target)
		return os.Rename(source, target)
	}
	if err != nil {
		return err
	}

	return s.moveOnto(source, target, sourceInfo, targetInfo, overwrite)
}

func (s *Service) moveOnto(source, target string, sourceInfo, targetInfo fs.FileInfo, overwrite bool) error {
	if sourceInfo.IsDir() != targetInfo.IsDir() {
		return fmt.Errorf("%w: cannot move %s onto %s: type mismatch", ErrUnsupported, source, target)
	}
	if !sourceInfo.IsDir() {
		if !overwrite {
			return fmt.Errorf("move %s: %w", target, ErrFileExists)
		}
		s.logger.Debug("move replace", "source", source, "target", target)
		return os.Rename(source, target)
	}
	return s.mergeDir(source, target, overwrite)
}

// mergeDir moves every entry of source into target. Entries that cannot
// be moved are reported together; source is removed only once empty.
func (s *Service) mergeDir(source, target string, overwrite bool) error {
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}

	var errs []error
	for _, entry := range entries {
		src := filepath.Join(source, entry.Name())
		dest := filepath.Join(target, entry.Name())

		srcInfo, err := os.Lstat(src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		destInfo, err := os.Lstat(dest)
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(src, dest); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.moveOnto(src, dest, srcInfo, destInfo, overwrite); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("merged directory", "source", source, "target", target)
	return os.Remove(source)
}

// Rename renames dir/oldName to dir/newName. It fails with ErrNotFound
// when the source is missing and with ErrDirExists or ErrFileExists when
// newName is taken.
func (s *Service) Rename(uid int64, dir, oldName, newName string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, err := s.raw.StorePath(uid, dir, &model.FileInfo{Name: oldName})
	if err != nil {
		return err
	}
	target, err := s.raw.StorePath(uid, dir, &model.FileInfo{Name: newName})
	if err != nil {
		return err
	}
	if _, err := os.Lstat(source); err != nil {
		return notFound("rename source", source, err)
	}
	if info, err := os.Lstat(target); err == nil {
		return fmt.Errorf("rename to %s: %w", target, existsError(info.IsDir()))
	}
	if err := renameNoReplace(source, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			info, statErr := os.Lstat(target)
			return fmt.Errorf("rename to %s: %w", target, existsError(statErr == nil && info.IsDir()))
		}
		return err
	}
	return nil
}

// Mkdir creates dir/name. It distinguishes a name taken by a directory
// (ErrDirExists) from one taken by a file (ErrFileExists).
func (s *Service) Mkdir(uid int64, dir, name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.raw.StorePath(uid, dir, &model.FileInfo{Name: name})
	if err != nil {
		return err
	}
	return mkdir(path)
}

// MkdirAll creates the virtual directory path and every missing parent,
// including the owner root.
func (s *Service) MkdirAll(uid int64, path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	physical, err := s.raw.StorePath(uid, path, nil)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(physical, 0o755); err != nil {
		if errors.Is(err, syscallNotDir) || errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("mkdir %s: %w", physical, ErrFileExists)
		}
		return err
	}
	return nil
}

func mkdir(path string) error {
	err := os.Mkdir(path, 0o755)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		info, statErr := os.Lstat(path)
		return fmt.Errorf("mkdir %s: %w", path, existsError(statErr == nil && info.IsDir()))
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("mkdir parent of %s: %w", path, ErrNotFound)
	}
	return fmt.Errorf("mkdir %s: %w", path, err)
}

// Delete removes the named entries of dir. Directories are removed
// depth-first, files before the directory holding them. It returns the
// number of filesystem entries removed; failures for individual names
// are joined and do not stop the remaining names.
func (s *Service) Delete(uid int64, dir string, names []string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	var errs []error
	for _, name := range names {
		path, err := s.raw.StorePath(uid, dir, &model.FileInfo{Name: name})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n, err := removeTree(path)
		count += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("deleted", "path", path, "entries", n)
	}
	return count, errors.Join(errs...)
}

func removeTree(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, notFound("delete", path, err)
	}

	var count int64
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			n, err := removeTree(filepath.Join(path, entry.Name()))
			count += n
			if err != nil {
				return count, err
			}
		}
	}
	if err := os.Remove(path); err != nil {
		return count, err
	}
	return count + 1, nil
}

// DeleteBlob removes the repository blob for digest and then each shard
// directory above it that became empty, never climbing more than the
// shard depth. It returns the number of entries removed.
func (s *Service) DeleteBlob(digest string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.lockBlob(digest)
	defer unlock()
	return s.deleteBlob(digest)
}

func (s *Service) deleteBlob(digest string) (int, error) {
	blob, err := s.unique.BlobPath(digest)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(blob); err != nil {
		return 0, notFound("delete blob", blob, err)
	}
	s.logger.Debug("deleted blob", "md5", digest)

	removed := 1
	dir := filepath.Dir(blob)
	for i := 0; i < s.depth; i++ {
		if err := os.Remove(dir); err != nil {
			if isNotEmpty(err) || errors.Is(err, fs.ErrNotExist) {
				break
			}
			return removed, err
		}
		s.logger.Debug("deleted shard directory", "path", dir)
		removed++
		dir = filepath.Dir(dir)
	}
	return removed, nil
}

// ReleaseBlob deletes the blob for digest when no virtual file links to
// it anymore. It returns the number of entries removed, zero when the
// blob is still referenced or already gone.
func (s *Service) ReleaseBlob(digest string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, err := s.unique.BlobPath(digest)
	if err != nil {
		return 0, err
	}
	unlock := s.lockBlob(digest)
	defer unlock()
	links, err := linkCount(blob)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if links > 1 {
		return 0, nil
	}
	return s.deleteBlob(digest)
}

// lockBlob locks the stripe of digest and returns its unlock function.
func (s *Service) lockBlob(digest string) func() {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(digest)))
	m := &s.blobLocks[h.Sum32()%blobLockStripes]
	m.Lock()
	return m.Unlock
}

// linkBlob links target to blob when the blob exists. It reports false
// when the blob is missing.
func (s *Service) linkBlob(blob, target string, size int64) (bool, error) {
	existing, err := os.Stat(blob)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := checkBlobSize(blob, existing.Size(), size); err != nil {
		return true, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return true, err
	}
	s.logger.Debug("create hard link", "blob", blob, "target", target)
	return true, linkReplace(blob, target)
}

// storeBlob links target to the blob for info, writing r into the
// repository first when the blob is missing.
func (s *Service) storeBlob(blob, target string, r io.Reader, info model.FileInfo) error {
	unlock := s.lockBlob(info.MD5)
	hit, err := s.linkBlob(blob, target, info.Size)
	unlock()
	if hit {
		s.logger.Debug("file md5 hit", "md5", info.MD5)
		return err
	}
	if err != nil {
		return err
	}

	s.logger.Debug("file md5 miss, saving", "md5", info.MD5)
	tmp, err := writeTemp(s.tmpDir, "blob-*", r, 0o644, info)
	if err != nil {
		return fmt.Errorf("writing blob %s: %w", info.MD5, err)
	}
	defer os.Remove(tmp)

	unlock = s.lockBlob(info.MD5)
	defer unlock()
	if err := s.publishBlob(tmp, blob, info.Size); err != nil {
		return err
	}
	_, err = s.linkBlob(blob, target, info.Size)
	return err
}

// adoptBlob moves a native file into the repository at blob and links
// target to it. When the blob already exists the native file is dropped
// instead. A native file whose bytes do not match info.MD5 is never
// published.
func (s *Service) adoptBlob(nativePath, blob, target string, info model.FileInfo) error {
	native, err := os.Stat(nativePath)
	if err != nil {
		return notFound("ingest source", nativePath, err)
	}

	// Hashing happens outside the stripe lock unless the blob vanished
	// after the first look.
	verified := false
	if _, err := os.Stat(blob); errors.Is(err, fs.ErrNotExist) {
		if err := checkNativeDigest(nativePath, info.MD5); err != nil {
			return err
		}
		verified = true
	}

	unlock := s.lockBlob(info.MD5)
	defer unlock()
	hit, err := s.linkBlob(blob, target, native.Size())
	if hit {
		if err != nil {
			return err
		}
		s.logger.Debug("file md5 hit", "blob", blob)
		return os.Remove(nativePath)
	}
	if err != nil {
		return err
	}
	if !verified {
		if err := checkNativeDigest(nativePath, info.MD5); err != nil {
			return err
		}
	}

	s.logger.Debug("file md5 miss, moving into repository", "blob", blob)
	if err := s.publishBlob(nativePath, blob, native.Size()); err != nil {
		if !errors.Is(err, syscallCrossDevice) {
			return err
		}
		// The native file lives on another volume: copy it next to the
		// repository first.
		tmp, copyErr := copyToTemp(nativePath, s.tmpDir)
		if copyErr != nil {
			return copyErr
		}
		defer os.Remove(tmp)
		if err := s.publishBlob(tmp, blob, native.Size()); err != nil {
			return err
		}
	}
	if _, err := s.linkBlob(blob, target, native.Size()); err != nil {
		return err
	}
	return os.Remove(nativePath)
}

// publishBlob hard-links source into the repository at blob. Losing a
// race against a concurrent writer of the same digest is not an error as
// long as the sizes agree.
func (s *Service) publishBlob(source, blob string, size int64) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.MkdirAll(filepath.Dir(blob), 0o755); err != nil {
			return err
		}
		err = os.Link(source, blob)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrExist) {
			existing, statErr := os.Stat(blob)
			if statErr != nil {
				return statErr
			}
			return checkBlobSize(blob, existing.Size(), size)
		}
		// A concurrent DeleteBlob may have pruned the shard directory
		// between MkdirAll and Link.
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return err
}

func checkNativeDigest(path, want string) error {
	digest, _, err := utils.CalculateFileMD5(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(digest, want) {
		return fmt.Errorf("%w: %s has md5 %s, descriptor declares %s", ErrConflict, path, digest, want)
	}
	return nil
}

func checkBlobSize(blob string, existing, want int64) error {
	if existing != want {
		return fmt.Errorf("%w: md5 collision at %s (stored %d bytes, new %d bytes)",
			ErrConflict, filepath.Base(blob), existing, want)
	}
	return nil
}

func checkNotDir(path string) error {
	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		return fmt.Errorf("write %s: %w", path, errDirBlocksFile)
	}
	return nil
}

func checkIsDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrFileExists)
	}
	return nil
}

func notFound(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// isWithin reports whether path is inside (or equal to) dir.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
