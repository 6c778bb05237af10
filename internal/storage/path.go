package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/utils"
)

// PathHandler maps an owner, a virtual directory and an optional file
// descriptor onto a physical filesystem path.
type PathHandler interface {
	StorePath(uid int64, dir string, file *model.FileInfo) (string, error)
}

// NormalizePath cleans a virtual path: repeated separators collapse, "."
// segments vanish and ".." removes the previous segment. Both "/" and "\"
// separate segments. The result always starts with "/". A ".." with
// nothing left to remove yields ErrPathEscape.
func NormalizePath(path string) (string, error) {
	segments := make([]string, 0, 8)
	for _, node := range strings.FieldsFunc(path, isSeparator) {
		switch node {
		case ".":
			continue
		case "..":
			if len(segments) == 0 {
				return "", fmt.Errorf("%w: %q", ErrPathEscape, path)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, node)
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}

// JoinPath joins virtual path elements and normalizes the result.
func JoinPath(elem ...string) (string, error) {
	return NormalizePath(strings.Join(elem, "/"))
}

// ValidName reports whether name can be used as a single path segment.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// RawPathHandler mirrors the virtual layout under each owner's root.
type RawPathHandler struct {
	root func(uid int64) string
}

// NewRawPathHandler creates a handler resolving owner roots with root.
func NewRawPathHandler(root func(uid int64) string) *RawPathHandler {
	return &RawPathHandler{root: root}
}

// StorePath returns root(uid)/dir[/file.Name].
func (h *RawPathHandler) StorePath(uid int64, dir string, file *model.FileInfo) (string, error) {
	clean, err := NormalizePath(dir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(h.root(uid), filepath.FromSlash(clean))
	if file == nil {
		return path, nil
	}
	if !ValidName(file.Name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, file.Name)
	}
	return filepath.Join(path, file.Name), nil
}

// UniquePathHandler resolves files by content digest into a sharded
// repository: root/<seg1>/.../<segN>/<digest>. Owner and directory are
// ignored so identical bytes always land on the same path.
type UniquePathHandler struct {
	root  string
	depth int
	width int
}

// NewUniquePathHandler creates a handler for the repository at root.
func NewUniquePathHandler(root string, depth, width int) *UniquePathHandler {
	return &UniquePathHandler{root: root, depth: depth, width: width}
}

// StorePath returns the repository path of file's digest.
func (h *UniquePathHandler) StorePath(_ int64, _ string, file *model.FileInfo) (string, error) {
	if file == nil {
		return "", fmt.Errorf("unique path requires a file descriptor")
	}
	return h.BlobPath(file.MD5)
}

// BlobPath returns the repository path for digest.
func (h *UniquePathHandler) BlobPath(digest string) (string, error) {
	digest = strings.ToLower(digest)
	segments, err := utils.ShardSegments(digest, h.depth, h.width)
	if err != nil {
		return "", err
	}
	parts := append([]string{h.root}, segments...)
	parts = append(parts, digest)
	return filepath.Join(parts...), nil
}
