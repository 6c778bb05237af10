// internal/metastore/bolt.go
package metastore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/Gammanik/netdisk/internal/model"
)

// Bucket layout:
//
//	files    "<uid>/<node>/<name>" -> FileInfo
//	nodes    "<node>"              -> Node
//	paths    "<uid>:<path>"        -> node id
//	proxies  "<name>"              -> ProxyInfo
var (
	filesBucket   = []byte("files")
	nodesBucket   = []byte("nodes")
	pathsBucket   = []byte("paths")
	proxiesBucket = []byte("proxies")
)

// BoltStore implements MetaStore on top of BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the metadata database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, nodesBucket, pathsBucket, proxiesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func nodePrefix(uid int64, node string) []byte {
	return []byte(strconv.FormatInt(uid, 10) + "/" + node + "/")
}

func fileKey(uid int64, node, name string) []byte {
	return append(nodePrefix(uid, node), name...)
}

func pathKey(uid int64, p string) []byte {
	return []byte(strconv.FormatInt(uid, 10) + ":" + p)
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// subtreePrefix is the key prefix of every path strictly below p.
func subtreePrefix(uid int64, p string) []byte {
	if p == "/" {
		return pathKey(uid, "/")
	}
	return pathKey(uid, p+"/")
}

// rebase moves p from below from to below to.
func rebase(p, from, to string) string {
	if p == from {
		return to
	}
	rest := p
	if from != "/" {
		rest = strings.TrimPrefix(p, from)
	}
	return path.Join(to, rest)
}

func isWithin(p, dir string) bool {
	return dir == "/" || p == dir || strings.HasPrefix(p, dir+"/")
}

func depth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, encoded)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// scan calls fn for every key with prefix. fn must not modify the bucket.
func scan(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// AddFile inserts a new descriptor.
func (bs *BoltStore) AddFile(uid int64, info model.FileInfo) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		key := fileKey(uid, info.Node, info.Name)
		if b.Get(key) != nil {
			return fmt.Errorf("file %s: %w", info.Name, ErrExists)
		}
		now := bs.now()
		if info.CreatedAt.IsZero() {
			info.CreatedAt = now
		}
		if info.UpdatedAt.IsZero() {
			info.UpdatedAt = now
		}
		return putJSON(b, key, info)
	})
}

// PutFile inserts or replaces a descriptor, keeping the creation time of
// the one it replaces.
func (bs *BoltStore) PutFile(uid int64, info model.FileInfo) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		key := fileKey(uid, info.Node, info.Name)

		var existing model.FileInfo
		found, err := getJSON(b, key, &existing)
		if err != nil {
			return err
		}
		now := bs.now()
		if info.CreatedAt.IsZero() {
			info.CreatedAt = now
			if found {
				info.CreatedAt = existing.CreatedAt
			}
		}
		info.UpdatedAt = now
		return putJSON(b, key, info)
	})
}

// GetFile returns a descriptor.
func (bs *BoltStore) GetFile(uid int64, node, name string) (*model.FileInfo, error) {
	var info model.FileInfo
	err := bs.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(filesBucket), fileKey(uid, node, name), &info)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("file %s: %w", name, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListFiles returns the descriptors of a node ordered by name.
func (bs *BoltStore) ListFiles(uid int64, node string) ([]model.FileInfo, error) {
	var files []model.FileInfo
	err := bs.db.View(func(tx *bolt.Tx) error {
		var err error
		files, err = listFilesTx(tx, uid, node)
		return err
	})
	return files, err
}

func listFilesTx(tx *bolt.Tx, uid int64, node string) ([]model.FileInfo, error) {
	var files []model.FileInfo
	err := scan(tx.Bucket(filesBucket), nodePrefix(uid, node), func(_, v []byte) error {
		var info model.FileInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return err
		}
		files = append(files, info)
		return nil
	})
	return files, err
}

// DeleteFile removes a descriptor and returns it.
func (bs *BoltStore) DeleteFile(uid int64, node, name string) (*model.FileInfo, error) {
	var info model.FileInfo
	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		key := fileKey(uid, node, name)
		found, err := getJSON(b, key, &info)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("file %s: %w", name, ErrNotFound)
		}
		return b.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// RenameFile renames a descriptor within its node.
func (bs *BoltStore) RenameFile(uid int64, node, oldName, newName string) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		src := fileKey(uid, node, oldName)
		dst := fileKey(uid, node, newName)

		var info model.FileInfo
		found, err := getJSON(b, src, &info)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("file %s: %w", oldName, ErrNotFound)
		}
		if b.Get(dst) != nil {
			return fmt.Errorf("file %s: %w", newName, ErrExists)
		}
		info.Name = newName
		info.UpdatedAt = bs.now()
		if err := b.Delete(src); err != nil {
			return err
		}
		return putJSON(b, dst, info)
	})
}

// MoveFile moves a descriptor between nodes.
func (bs *BoltStore) MoveFile(uid int64, fromNode, toNode, name string, overwrite bool) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return moveFileTx(tx.Bucket(filesBucket), uid, fromNode, toNode, name, overwrite, bs.now())
	})
}

func moveFileTx(b *bolt.Bucket, uid int64, fromNode, toNode, name string, overwrite bool, now time.Time) error {
	src := fileKey(uid, fromNode, name)
	var info model.FileInfo
	found, err := getJSON(b, src, &info)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("file %s: %w", name, ErrNotFound)
	}
	if fromNode == toNode {
		return nil
	}
	dst := fileKey(uid, toNode, name)
	if b.Get(dst) != nil && !overwrite {
		return fmt.Errorf("file %s: %w", name, ErrExists)
	}
	info.Node = toNode
	info.UpdatedAt = now
	if err := b.Delete(src); err != nil {
		return err
	}
	return putJSON(b, dst, info)
}

// SearchFiles returns every descriptor of uid whose name contains pattern,
// ignoring case.
func (bs *BoltStore) SearchFiles(uid int64, pattern string) ([]model.FileInfo, error) {
	needle := strings.ToLower(pattern)
	var files []model.FileInfo
	err := bs.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(strconv.FormatInt(uid, 10) + "/")
		return scan(tx.Bucket(filesBucket), prefix, func(_, v []byte) error {
			var info model.FileInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			if strings.Contains(strings.ToLower(info.Name), needle) {
				files = append(files, info)
			}
			return nil
		})
	})
	return files, err
}

// Stats counts descriptors and directory nodes over every owner.
func (bs *BoltStore) Stats() (Stats, error) {
	var st Stats
	err := bs.db.View(func(tx *bolt.Tx) error {
		public := []byte(strconv.FormatInt(model.PublicUID, 10) + "/")
		err := tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var info model.FileInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			st.Files++
			st.Size += info.Size
			if bytes.HasPrefix(k, public) {
				st.PublicSize += info.Size
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(nodesBucket).ForEach(func(_, v []byte) error {
			var n model.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Path != "/" {
				st.Dirs++
			}
			return nil
		})
	})
	return st, err
}

// NodeID returns the node id of a directory path.
func (bs *BoltStore) NodeID(uid int64, p string) (string, error) {
	var id string
	err := bs.db.View(func(tx *bolt.Tx) error {
		var ok bool
		id, ok = nodeIDTx(tx, uid, cleanPath(p))
		if !ok {
			return fmt.Errorf("directory %s: %w", p, ErrNotFound)
		}
		return nil
	})
	return id, err
}

func nodeIDTx(tx *bolt.Tx, uid int64, p string) (string, bool) {
	v := tx.Bucket(pathsBucket).Get(pathKey(uid, p))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// EnsureNode returns the node of p, creating missing nodes along the way.
func (bs *BoltStore) EnsureNode(uid int64, p string) (string, error) {
	var id string
	err := bs.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = ensureNodeTx(tx, uid, cleanPath(p))
		return err
	})
	return id, err
}

func ensureNodeTx(tx *bolt.Tx, uid int64, p string) (string, error) {
	if id, ok := nodeIDTx(tx, uid, p); ok {
		return id, nil
	}

	cur := "/"
	id, err := ensureOneTx(tx, uid, cur)
	if err != nil {
		return "", err
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		if id, err = ensureOneTx(tx, uid, cur); err != nil {
			return "", err
		}
	}
	return id, nil
}

func ensureOneTx(tx *bolt.Tx, uid int64, p string) (string, error) {
	if id, ok := nodeIDTx(tx, uid, p); ok {
		return id, nil
	}
	n := model.Node{ID: uuid.NewString(), UID: uid, Path: p}
	if err := putNodeTx(tx, n); err != nil {
		return "", err
	}
	return n.ID, nil
}

func putNodeTx(tx *bolt.Tx, n model.Node) error {
	if err := putJSON(tx.Bucket(nodesBucket), []byte(n.ID), n); err != nil {
		return err
	}
	return tx.Bucket(pathsBucket).Put(pathKey(n.UID, n.Path), []byte(n.ID))
}

func deleteNodeTx(tx *bolt.Tx, n model.Node) error {
	if err := tx.Bucket(nodesBucket).Delete([]byte(n.ID)); err != nil {
		return err
	}
	return tx.Bucket(pathsBucket).Delete(pathKey(n.UID, n.Path))
}

// GetNode returns a node by id.
func (bs *BoltStore) GetNode(id string) (*model.Node, error) {
	var n model.Node
	err := bs.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(nodesBucket), []byte(id), &n)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ChildNodes returns the direct subdirectories of p ordered by path.
func (bs *BoltStore) ChildNodes(uid int64, p string) ([]model.Node, error) {
	p = cleanPath(p)
	var children []model.Node
	err := bs.db.View(func(tx *bolt.Tx) error {
		prefix := subtreePrefix(uid, p)
		nodes := tx.Bucket(nodesBucket)
		return scan(tx.Bucket(pathsBucket), prefix, func(k, v []byte) error {
			rest := k[len(prefix):]
			if len(rest) == 0 || bytes.IndexByte(rest, '/') >= 0 {
				return nil
			}
			var n model.Node
			if _, err := getJSON(nodes, v, &n); err != nil {
				return err
			}
			children = append(children, n)
			return nil
		})
	})
	return children, err
}

// subtreeTx returns the node at p and every node below it, parents first.
func subtreeTx(tx *bolt.Tx, uid int64, p string) ([]model.Node, error) {
	nodes := tx.Bucket(nodesBucket)
	var out []model.Node
	add := func(id []byte) error {
		var n model.Node
		found, err := getJSON(nodes, id, &n)
		if err != nil {
			return err
		}
		if found {
			out = append(out, n)
		}
		return nil
	}

	paths := tx.Bucket(pathsBucket)
	if p != "/" {
		if id := paths.Get(pathKey(uid, p)); id != nil {
			if err := add(id); err != nil {
				return nil, err
			}
		}
	}
	err := scan(paths, subtreePrefix(uid, p), func(_, v []byte) error {
		return add(v)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := depth(out[i].Path), depth(out[j].Path)
		if di != dj {
			return di < dj
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func fileKeysTx(tx *bolt.Tx, uid int64, node string) ([][]byte, error) {
	var keys [][]byte
	err := scan(tx.Bucket(filesBucket), nodePrefix(uid, node), func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	return keys, err
}

// DeleteTree removes a directory subtree and its descriptors.
func (bs *BoltStore) DeleteTree(uid int64, p string) ([]model.FileInfo, error) {
	p = cleanPath(p)
	var removed []model.FileInfo
	err := bs.db.Update(func(tx *bolt.Tx) error {
		nodes, err := subtreeTx(tx, uid, p)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("directory %s: %w", p, ErrNotFound)
		}
		for _, n := range nodes {
			files, err := listFilesTx(tx, uid, n.ID)
			if err != nil {
				return err
			}
			removed = append(removed, files...)
			keys, err := fileKeysTx(tx, uid, n.ID)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := tx.Bucket(filesBucket).Delete(k); err != nil {
					return err
				}
			}
			if err := deleteNodeTx(tx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// TransferTree moves a directory subtree to a new path.
func (bs *BoltStore) TransferTree(uid int64, from, to string, overwrite bool) error {
	from, to = cleanPath(from), cleanPath(to)
	if from == to {
		return nil
	}
	if isWithin(to, from) {
		return fmt.Errorf("cannot move %s into %s", from, to)
	}

	var skipped []error
	err := bs.db.Update(func(tx *bolt.Tx) error {
		nodes, err := subtreeTx(tx, uid, from)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("directory %s: %w", from, ErrNotFound)
		}
		if _, err := ensureNodeTx(tx, uid, path.Dir(to)); err != nil {
			return err
		}

		files := tx.Bucket(filesBucket)
		now := bs.now()
		var merged []model.Node
		for _, n := range nodes {
			target := rebase(n.Path, from, to)
			targetID, exists := nodeIDTx(tx, uid, target)
			if !exists {
				if err := tx.Bucket(pathsBucket).Delete(pathKey(uid, n.Path)); err != nil {
					return err
				}
				n.Path = target
				if err := putNodeTx(tx, n); err != nil {
					return err
				}
				continue
			}

			entries, err := listFilesTx(tx, uid, n.ID)
			if err != nil {
				return err
			}
			for _, f := range entries {
				err := moveFileTx(files, uid, n.ID, targetID, f.Name, overwrite, now)
				if errors.Is(err, ErrExists) {
					skipped = append(skipped, fmt.Errorf("%s: %w", path.Join(target, f.Name), ErrExists))
					continue
				}
				if err != nil {
					return err
				}
			}
			merged = append(merged, n)
		}

		// Drop merged source nodes that ended up empty, deepest first.
		for i := len(merged) - 1; i >= 0; i-- {
			n := merged[i]
			keys, err := fileKeysTx(tx, uid, n.ID)
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				continue
			}
			var hasChild bool
			err = scan(tx.Bucket(pathsBucket), subtreePrefix(uid, n.Path), func(_, _ []byte) error {
				hasChild = true
				return nil
			})
			if err != nil {
				return err
			}
			if hasChild {
				continue
			}
			if err := deleteNodeTx(tx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(skipped...)
}

// CopyTree copies a directory subtree, possibly to another owner.
func (bs *BoltStore) CopyTree(uid int64, from string, targetUID int64, to string, overwrite bool) error {
	from, to = cleanPath(from), cleanPath(to)
	if uid == targetUID && from != to && isWithin(to, from) {
		return fmt.Errorf("cannot copy %s into %s", from, to)
	}

	return bs.db.Update(func(tx *bolt.Tx) error {
		nodes, err := subtreeTx(tx, uid, from)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("directory %s: %w", from, ErrNotFound)
		}

		files := tx.Bucket(filesBucket)
		now := bs.now()
		for _, n := range nodes {
			targetID, err := ensureNodeTx(tx, targetUID, rebase(n.Path, from, to))
			if err != nil {
				return err
			}
			entries, err := listFilesTx(tx, uid, n.ID)
			if err != nil {
				return err
			}
			for _, f := range entries {
				key := fileKey(targetUID, targetID, f.Name)
				if !overwrite && files.Get(key) != nil {
					continue
				}
				f.Node = targetID
				f.CreatedAt = now
				f.UpdatedAt = now
				if err := putJSON(files, key, f); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetProxy returns a proxy by name.
func (bs *BoltStore) GetProxy(name string) (*model.ProxyInfo, error) {
	var p model.ProxyInfo
	err := bs.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(proxiesBucket), []byte(name), &p)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("proxy %s: %w", name, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddProxy registers a new proxy.
func (bs *BoltStore) AddProxy(p model.ProxyInfo) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(proxiesBucket)
		if b.Get([]byte(p.Name)) != nil {
			return fmt.Errorf("proxy %s: %w", p.Name, ErrExists)
		}
		return putJSON(b, []byte(p.Name), p)
	})
}

// ListProxies returns every proxy ordered by name.
func (bs *BoltStore) ListProxies() ([]model.ProxyInfo, error) {
	var out []model.ProxyInfo
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(proxiesBucket).ForEach(func(_, v []byte) error {
			var p model.ProxyInfo
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// ModifyProxy replaces an existing proxy.
func (bs *BoltStore) ModifyProxy(p model.ProxyInfo) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(proxiesBucket)
		if b.Get([]byte(p.Name)) == nil {
			return fmt.Errorf("proxy %s: %w", p.Name, ErrNotFound)
		}
		return putJSON(b, []byte(p.Name), p)
	})
}

// RemoveProxy deletes a proxy.
func (bs *BoltStore) RemoveProxy(name string) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(proxiesBucket)
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("proxy %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

// Close closes the store.
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

var _ MetaStore = (*BoltStore)(nil)
