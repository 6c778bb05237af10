package files

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/Gammanik/netdisk/internal/metastore"
	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/utils"
)

type testEnv struct {
	svc     *Service
	store   *storage.Service
	records *metastore.BoltStore
	root    string
}

func newTestEnv(t *testing.T, storeType model.StoreType) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New(storage.Options{
		Type: storeType,
		UserRoot: func(uid int64) string {
			if uid == model.PublicUID {
				return filepath.Join(root, "public")
			}
			return filepath.Join(root, "user_file", strconv.FormatInt(uid, 10))
		},
		UniqueRoot: filepath.Join(root, "repo"),
		ShardDepth: 2,
		ShardWidth: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	records, err := metastore.NewBoltStore(filepath.Join(root, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { records.Close() })

	svc := NewService(store, records, Options{
		SpoolDir:   filepath.Join(root, "temp", "upload"),
		StoreRoot:  root,
		PublicRoot: filepath.Join(root, "public"),
	})
	return &testEnv{svc: svc, store: store, records: records, root: root}
}

func (e *testEnv) upload(t *testing.T, uid int64, dir, name, content string) *model.FileInfo {
	t.Helper()
	info, err := e.svc.Upload(uid, strings.NewReader(content), dir, name)
	if err != nil {
		t.Fatalf("Upload(%s/%s): %v", dir, name, err)
	}
	return info
}

func (e *testEnv) physical(t *testing.T, uid int64, dir, name string) string {
	t.Helper()
	p, err := e.store.RawPath(uid, dir, &model.FileInfo{Name: name})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *testEnv) list(t *testing.T, uid int64, dir string) (dirs, files map[string]model.FileInfo) {
	t.Helper()
	l, err := e.svc.List(uid, dir)
	if err != nil {
		t.Fatalf("List(%s): %v", dir, err)
	}
	dirs = make(map[string]model.FileInfo)
	for _, d := range l.Dirs {
		dirs[d.Name] = model.FileInfo{Name: d.Name, Node: d.Node}
	}
	files = make(map[string]model.FileInfo)
	for _, f := range l.Files {
		files[f.Name] = f
	}
	return dirs, files
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestUploadAndList(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	if err := env.svc.Mkdirs(1, "/docs"); err != nil {
		t.Fatal(err)
	}
	info := env.upload(t, 1, "/docs", "hello.txt", "hello")

	if info.MD5 != "5d41402abc4b2a76b9719d911017c592" || info.Size != 5 {
		t.Errorf("uploaded descriptor = %+v", info)
	}
	_, files := env.list(t, 1, "/docs")
	if f, ok := files["hello.txt"]; !ok || f.MD5 != info.MD5 {
		t.Errorf("listing = %+v", files)
	}
	dirs, _ := env.list(t, 1, "/")
	if _, ok := dirs["docs"]; !ok {
		t.Errorf("root listing = %+v", dirs)
	}

	data, err := os.ReadFile(env.physical(t, 1, "/docs", "hello.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("physical file = %q, %v", data, err)
	}
	spool, _ := os.ReadDir(filepath.Join(env.root, "temp", "upload"))
	if len(spool) != 0 {
		t.Errorf("spool directory not cleaned: %d entries", len(spool))
	}
}

func TestUploadIntoMissingDir(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	_, err := env.svc.Upload(1, strings.NewReader("x"), "/nowhere", "x")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want storage.ErrNotFound", err)
	}
}

func TestUniqueDeleteCollectsBlob(t *testing.T) {
	env := newTestEnv(t, model.StoreUnique)
	if err := env.svc.Mkdirs(1, "/a"); err != nil {
		t.Fatal(err)
	}
	env.upload(t, 1, "/", "one", "same bytes")
	env.upload(t, 1, "/a", "two", "same bytes")

	st, _ := env.store.State()
	if st.BlobCount != 1 {
		t.Fatalf("blob count = %d, want 1", st.BlobCount)
	}

	if _, err := env.svc.Delete(1, "/", []string{"one"}); err != nil {
		t.Fatal(err)
	}
	if st, _ := env.store.State(); st.BlobCount != 1 {
		t.Fatal("blob collected while still referenced")
	}

	n, err := env.svc.Delete(1, "/", []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed %d entries, want 2", n)
	}
	if st, _ := env.store.State(); st.BlobCount != 0 {
		t.Error("orphaned blob not collected")
	}
	if _, err := env.records.NodeID(1, "/a"); !errors.Is(err, metastore.ErrNotFound) {
		t.Error("directory record survived delete")
	}
}

func TestReplacingUploadReleasesOldBlob(t *testing.T) {
	env := newTestEnv(t, model.StoreUnique)
	env.upload(t, 1, "/", "f", "version one")
	env.upload(t, 1, "/", "f", "version two")

	st, _ := env.store.State()
	if st.BlobCount != 1 {
		t.Errorf("blob count = %d, want 1", st.BlobCount)
	}
	_, files := env.list(t, 1, "/")
	if files["f"].Size != int64(len("version two")) {
		t.Errorf("record = %+v", files["f"])
	}
}

func TestMoveToSaveFileCollision(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	env.upload(t, 1, "/", "dl.bin", "existing")

	native := filepath.Join(env.root, "temp", "native")
	if err := os.MkdirAll(filepath.Dir(native), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(native, []byte("incoming"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := env.svc.MoveToSaveFile(1, native, "/", model.FileInfo{Name: "dl.bin"})
	if !errors.Is(err, storage.ErrFileExists) {
		t.Fatalf("err = %v, want ErrFileExists", err)
	}
	if !exists(native) {
		t.Error("native file consumed on collision")
	}

	if err := env.svc.Mkdirs(1, "/other"); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.MoveToSaveFile(1, native, "/other", model.FileInfo{Name: "dl.bin"}); err != nil {
		t.Fatal(err)
	}
	_, files := env.list(t, 1, "/other")
	if f := files["dl.bin"]; f.Size != 8 || f.MD5 == "" {
		t.Errorf("record = %+v", f)
	}
}

func TestSaveFileRejectsForgedDigest(t *testing.T) {
	env := newTestEnv(t, model.StoreUnique)
	digest, size, err := utils.CalculateReaderMD5(strings.NewReader("genuine-content"))
	if err != nil {
		t.Fatal(err)
	}

	forged := model.FileInfo{Name: "x", Size: size, MD5: digest}
	if _, err := env.svc.SaveFile(2, strings.NewReader("attacker-bytes!"), "/", forged); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, files := env.list(t, 2, "/"); len(files) != 0 {
		t.Errorf("forged save recorded %+v", files)
	}

	env.upload(t, 1, "/", "x", "genuine-content")
	data, err := os.ReadFile(env.physical(t, 1, "/", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "genuine-content" {
		t.Errorf("content = %q", data)
	}
}

func TestMkdir(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	if err := env.svc.Mkdir(1, "/", "docs"); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Mkdir(1, "/", "docs"); !errors.Is(err, storage.ErrDirExists) {
		t.Errorf("second Mkdir err = %v", err)
	}
	env.upload(t, 1, "/", "file", "x")
	if err := env.svc.Mkdir(1, "/", "file"); !errors.Is(err, storage.ErrFileExists) {
		t.Errorf("Mkdir over file err = %v", err)
	}
	if err := env.svc.Mkdir(1, "/missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Mkdir in missing dir err = %v", err)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	if err := env.svc.Mkdirs(1, "/d/sub"); err != nil {
		t.Fatal(err)
	}
	env.upload(t, 1, "/d/sub", "f", "x")
	env.upload(t, 1, "/", "a", "a")

	if err := env.svc.Rename(1, "/", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Rename(1, "/", "d", "e"); err != nil {
		t.Fatal(err)
	}

	dirs, files := env.list(t, 1, "/")
	if _, ok := files["b"]; !ok || len(files) != 1 {
		t.Errorf("files = %+v", files)
	}
	if _, ok := dirs["e"]; !ok || len(dirs) != 1 {
		t.Errorf("dirs = %+v", dirs)
	}
	if _, files := env.list(t, 1, "/e/sub"); len(files) != 1 {
		t.Error("renamed directory lost its files")
	}
	if !exists(env.physical(t, 1, "/e/sub", "f")) {
		t.Error("physical tree not renamed")
	}
}

func TestMoveFileCollisionKeepsBoth(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	if err := env.svc.Mkdirs(1, "/src"); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Mkdirs(1, "/dst"); err != nil {
		t.Fatal(err)
	}
	env.upload(t, 1, "/src", "f", "source")
	env.upload(t, 1, "/dst", "f", "target")

	if err := env.svc.Move(1, "/src", "/dst", "f", false); !errors.Is(err, storage.ErrFileExists) {
		t.Fatalf("err = %v", err)
	}
	if _, files := env.list(t, 1, "/src"); len(files) != 1 {
		t.Error("source record removed on rejected move")
	}

	if err := env.svc.Move(1, "/src", "/dst", "f", true); err != nil {
		t.Fatal(err)
	}
	if _, files := env.list(t, 1, "/src"); len(files) != 0 {
		t.Error("source record kept after move")
	}
	_, files := env.list(t, 1, "/dst")
	if files["f"].Size != int64(len("source")) {
		t.Errorf("target record = %+v", files["f"])
	}
}

func TestMoveDirectoryMerges(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	for _, p := range []string{"/src/d", "/dst/d"} {
		if err := env.svc.Mkdirs(1, p); err != nil {
			t.Fatal(err)
		}
	}
	env.upload(t, 1, "/src/d", "a", "a")
	env.upload(t, 1, "/dst/d", "b", "b")

	if err := env.svc.Move(1, "/src", "/dst", "d", false); err != nil {
		t.Fatal(err)
	}
	_, files := env.list(t, 1, "/dst/d")
	if len(files) != 2 {
		t.Errorf("merged files = %+v", files)
	}
	if dirs, _ := env.list(t, 1, "/src"); len(dirs) != 0 {
		t.Errorf("source directory record kept: %+v", dirs)
	}
}

func TestCopyDirectoryToOtherOwner(t *testing.T) {
	env := newTestEnv(t, model.StoreUnique)
	if err := env.svc.Mkdirs(1, "/photos/2024"); err != nil {
		t.Fatal(err)
	}
	env.upload(t, 1, "/photos/2024", "p.jpg", "jpeg bytes")
	if err := env.svc.Mkdirs(model.PublicUID, "/shared"); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.Copy(1, "/", model.PublicUID, "/shared", "photos", "photos", false); err != nil {
		t.Fatal(err)
	}
	_, files := env.list(t, model.PublicUID, "/shared/photos/2024")
	if _, ok := files["p.jpg"]; !ok {
		t.Errorf("copied records = %+v", files)
	}
	st, _ := env.store.State()
	if st.BlobCount != 1 {
		t.Errorf("copy under UNIQUE created %d blobs", st.BlobCount)
	}

	if err := env.svc.Copy(1, "/photos/2024", 1, "/photos", "p.jpg", "cover.jpg", false); err != nil {
		t.Fatal(err)
	}
	if _, files := env.list(t, 1, "/photos"); files["cover.jpg"].MD5 == "" {
		t.Error("file copy record missing digest")
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, model.StoreRaw)
	if err := env.svc.Mkdirs(1, "/music"); err != nil {
		t.Fatal(err)
	}
	env.upload(t, 1, "/music", "Song.MP3", "s")
	env.upload(t, 1, "/", "notes", "n")

	res, err := env.svc.Search(1, "song")
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Dir != "/music" || res[0].Name != "Song.MP3" {
		t.Errorf("Search = %+v", res)
	}
}

func TestState(t *testing.T) {
	env := newTestEnv(t, model.StoreUnique)
	env.upload(t, 1, "/", "a", "12345")
	env.upload(t, 1, "/", "b", "12345")
	if err := env.svc.Mkdirs(model.PublicUID, "/pub"); err != nil {
		t.Fatal(err)
	}
	env.upload(t, model.PublicUID, "/pub", "c", "123")

	ov, err := env.svc.State()
	if err != nil {
		t.Fatal(err)
	}
	if ov.FileCount != 3 || ov.DirCount != 1 {
		t.Errorf("counts = %d files, %d dirs", ov.FileCount, ov.DirCount)
	}
	if ov.TotalUserSize != 10 || ov.TotalPublicSize != 3 {
		t.Errorf("sizes = user %d, public %d", ov.TotalUserSize, ov.TotalPublicSize)
	}
	// Two distinct contents: "12345" and "123".
	if ov.RealUserSize != 8 {
		t.Errorf("real size = %d, want 8", ov.RealUserSize)
	}
	if ov.StoreTotalSpace == 0 {
		t.Error("store space not reported")
	}
}
