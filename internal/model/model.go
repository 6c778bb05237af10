package model

import "time"

// PublicUID is the owner of the shared/public namespace.
const PublicUID int64 = 0

// StoreType selects how virtual files map onto physical storage.
type StoreType string

const (
	// StoreRaw mirrors the virtual layout on disk.
	StoreRaw StoreType = "RAW"
	// StoreUnique stores bytes once per digest and hard-links every virtual file to it.
	StoreUnique StoreType = "UNIQUE"
)

// Valid reports whether t is a known store type.
func (t StoreType) Valid() bool {
	return t == StoreRaw || t == StoreUnique
}

// FileInfo describes a stored file. Name is unique within an (owner, node) scope.
type FileInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MD5       string    `json:"md5,omitempty"`
	Node      string    `json:"node,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a virtual directory.
type Node struct {
	ID   string `json:"id"`
	UID  int64  `json:"uid"`
	Path string `json:"path"`
}

// ProxyType is the protocol of an outbound proxy.
type ProxyType string

const (
	ProxyHTTP  ProxyType = "HTTP"
	ProxySOCKS ProxyType = "SOCKS"
)

// ProxyInfo is a named outbound proxy.
type ProxyInfo struct {
	Name    string    `json:"name"`
	Address string    `json:"address,omitempty"`
	Port    int       `json:"port,omitempty"`
	Type    ProxyType `json:"type,omitempty"`
}
