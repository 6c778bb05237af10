package metastore

import (
	"errors"

	"github.com/Gammanik/netdisk/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when a record with the same key already exists.
	ErrExists = errors.New("record already exists")
)

// Stats summarizes the file records.
type Stats struct {
	Files      int64 `json:"files"`
	Dirs       int64 `json:"dirs"`
	Size       int64 `json:"size"`
	PublicSize int64 `json:"public_size"`
}

// FileStore keeps file descriptors keyed by (owner, directory node, name).
type FileStore interface {
	// AddFile inserts a descriptor. info.Node must be set.
	AddFile(uid int64, info model.FileInfo) error
	// PutFile inserts or replaces a descriptor.
	PutFile(uid int64, info model.FileInfo) error
	GetFile(uid int64, node, name string) (*model.FileInfo, error)
	ListFiles(uid int64, node string) ([]model.FileInfo, error)
	DeleteFile(uid int64, node, name string) (*model.FileInfo, error)
	RenameFile(uid int64, node, oldName, newName string) error
	// MoveFile moves a descriptor to another node. Without overwrite a
	// descriptor with the same name at the target yields ErrExists.
	MoveFile(uid int64, fromNode, toNode, name string, overwrite bool) error
	// SearchFiles matches names by case-insensitive substring.
	SearchFiles(uid int64, pattern string) ([]model.FileInfo, error)
	Stats() (Stats, error)
}

// NodeStore maps virtual directory paths to opaque node ids.
type NodeStore interface {
	NodeID(uid int64, path string) (string, error)
	// EnsureNode returns the node for path, creating it and any missing
	// parents.
	EnsureNode(uid int64, path string) (string, error)
	GetNode(id string) (*model.Node, error)
	ChildNodes(uid int64, path string) ([]model.Node, error)
	// DeleteTree removes the node at path, every node below it and their
	// descriptors. It returns the removed descriptors.
	DeleteTree(uid int64, path string) ([]model.FileInfo, error)
	// TransferTree moves the subtree at from to to. Nodes whose target
	// path is free are relocated; otherwise their descriptors merge into
	// the existing node. Colliding descriptors are replaced only with
	// overwrite and are otherwise left in place, together with their
	// nodes, and reported as ErrExists.
	TransferTree(uid int64, from, to string, overwrite bool) error
	// CopyTree copies the subtree at from into targetUID's to. Existing
	// descriptors at the target are kept unless overwrite is set.
	CopyTree(uid int64, from string, targetUID int64, to string, overwrite bool) error
}

// ProxyStore is the directory of named outbound proxies.
type ProxyStore interface {
	GetProxy(name string) (*model.ProxyInfo, error)
	AddProxy(p model.ProxyInfo) error
	ListProxies() ([]model.ProxyInfo, error)
	ModifyProxy(p model.ProxyInfo) error
	RemoveProxy(name string) error
}

// MetaStore is the record store behind the file service and the
// download service.
type MetaStore interface {
	FileStore
	NodeStore
	ProxyStore

	// Close closes the store.
	Close() error
}
