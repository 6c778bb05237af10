package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/Gammanik/netdisk/internal/download"
	"github.com/Gammanik/netdisk/internal/files"
	"github.com/Gammanik/netdisk/internal/metastore"
	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

type fakeDownloads struct {
	created   []download.Params
	createErr error
	page      download.Page
	lastType  download.ListType
}

func (f *fakeDownloads) CreateTask(_ context.Context, p download.Params, _ int64) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, p)
	return "task-" + strconv.Itoa(len(f.created)), nil
}

func (f *fakeDownloads) TaskList(_ context.Context, _ int64, _, _ int, typ download.ListType) (download.Page, error) {
	f.lastType = typ
	return f.page, nil
}

func (f *fakeDownloads) Interrupt(id string) error {
	return fmt.Errorf("download %s: %w", id, task.ErrNotRunning)
}

type apiEnv struct {
	srv       *httptest.Server
	downloads *fakeDownloads
	store     *storage.Service
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New(storage.Options{
		Type: model.StoreRaw,
		UserRoot: func(uid int64) string {
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

	downloads := &fakeDownloads{}
	h := &Handler{
		Files:     files.NewService(store, records, files.Options{SpoolDir: filepath.Join(root, "temp"), StoreRoot: root}),
		Downloads: downloads,
		Proxies:   records,
		Store:     store,
	}
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, downloads: downloads, store: store}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestFileRoutes(t *testing.T) {
	env := newAPIEnv(t)

	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/mkdir", `{"path":"/","name":"docs"}`), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/mkdir", `{"path":"/","name":"docs"}`), http.StatusConflict)

	resp := env.do(t, http.MethodPut, "/api/files/1/upload?path=/docs&name=readme.md", "# hello")
	expectStatus(t, resp, http.StatusCreated)
	if info := decode[model.FileInfo](t, resp); info.Size != 7 || info.MD5 == "" {
		t.Errorf("uploaded = %+v", info)
	}

	resp = env.do(t, http.MethodGet, "/api/files/1?path=/docs", "")
	expectStatus(t, resp, http.StatusOK)
	if l := decode[files.Listing](t, resp); len(l.Files) != 1 || l.Files[0].Name != "readme.md" {
		t.Errorf("listing = %+v", l)
	}

	resp = env.do(t, http.MethodGet, "/api/files/1/search?q=README", "")
	expectStatus(t, resp, http.StatusOK)
	if found := decode[[]files.SearchResult](t, resp); len(found) != 1 || found[0].Dir != "/docs" {
		t.Errorf("search = %+v", found)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/rename",
		`{"path":"/docs","old_name":"readme.md","new_name":"README.md"}`), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/copy",
		`{"source":"/docs","source_name":"README.md","target":"/","target_name":"copy.md"}`), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/move",
		`{"source":"/","target":"/docs","name":"copy.md"}`), http.StatusNoContent)

	resp = env.do(t, http.MethodDelete, "/api/files/1?path=/&name=docs", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]int64](t, resp); got["deleted"] != 3 {
		t.Errorf("deleted = %v", got)
	}
}

func TestUploadWithKnownDigest(t *testing.T) {
	env := newAPIEnv(t)
	// md5("hello")
	const digest = "5d41402abc4b2a76b9719d911017c592"

	resp := env.do(t, http.MethodPut, "/api/files/1/upload?path=/&name=a.txt&md5="+digest+"&size=5", "hello")
	expectStatus(t, resp, http.StatusCreated)
	if info := decode[model.FileInfo](t, resp); info.MD5 != digest {
		t.Errorf("saved = %+v", info)
	}

	expectStatus(t, env.do(t, http.MethodPut, "/api/files/1/upload?path=/&name=b.txt&md5="+digest, "hello"), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPut, "/api/files/1/upload?path=/&name=b.txt&md5=xyz&size=5", "hello"), http.StatusBadRequest)
	// Declared digest does not match the body.
	expectStatus(t, env.do(t, http.MethodPut, "/api/files/1/upload?path=/&name=c.txt&md5="+digest+"&size=5", "world"), http.StatusConflict)
}

func TestFileRouteErrors(t *testing.T) {
	env := newAPIEnv(t)
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/files/1?path=/missing", "", http.StatusNotFound},
		{http.MethodGet, "/api/files/1?path=/../etc", "", http.StatusBadRequest},
		{http.MethodGet, "/api/files/abc", "", http.StatusNotFound},
		{http.MethodPost, "/api/files/1/mkdir", `{"path":"/","name":"a/b"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/files/1/mkdir", `not json`, http.StatusBadRequest},
		{http.MethodPut, "/api/files/1/upload?path=/", "x", http.StatusBadRequest},
		{http.MethodDelete, "/api/files/1?path=/", "", http.StatusBadRequest},
		{http.MethodGet, "/api/files/1/search", "", http.StatusBadRequest},
		{http.MethodPatch, "/api/files/1", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			expectStatus(t, env.do(t, tt.method, tt.path, tt.body), tt.want)
		})
	}
}

func TestMoveCollisionIsConflict(t *testing.T) {
	env := newAPIEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/mkdir", `{"path":"/","name":"d"}`), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPut, "/api/files/1/upload?path=/&name=f", "a"), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPut, "/api/files/1/upload?path=/d&name=f", "b"), http.StatusCreated)

	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/move",
		`{"source":"/","target":"/d","name":"f"}`), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, "/api/files/1/move",
		`{"source":"/","target":"/d","name":"f","overwrite":true}`), http.StatusNoContent)
}

func TestDownloadRoutes(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPost, "/api/task/download", `{"url":"http://example.com/a","uid":1,"save_path":"/"}`)
	expectStatus(t, resp, http.StatusAccepted)
	if got := decode[map[string]string](t, resp); got["id"] != "task-1" {
		t.Errorf("created = %v", got)
	}

	env.downloads.createErr = fmt.Errorf("%w: nope", download.ErrProxyNotFound)
	expectStatus(t, env.do(t, http.MethodPost, "/api/task/download", `{"url":"http://example.com/a","uid":1,"save_path":"/","proxy":"nope"}`), http.StatusBadRequest)

	env.downloads.page = download.Page{Items: []download.TaskInfo{{ID: "x", State: download.StateFinish}}, Total: 1, TotalPages: 1}
	resp = env.do(t, http.MethodGet, "/api/task/download?uid=1&type=finish", "")
	expectStatus(t, resp, http.StatusOK)
	if page := decode[download.Page](t, resp); page.Total != 1 || env.downloads.lastType != download.ListFinish {
		t.Errorf("page = %+v, type %s", page, env.downloads.lastType)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/task/download?uid=1&type=bogus", ""), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/task/download", ""), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/task/download?id=gone", ""), http.StatusNotFound)
}

func TestProxyRoutes(t *testing.T) {
	env := newAPIEnv(t)
	body := `{"name":"corp","address":"10.0.0.1","port":3128,"type":"http"}`

	expectStatus(t, env.do(t, http.MethodPost, "/api/admin/sys/proxy", body), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/api/admin/sys/proxy", body), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, "/api/admin/sys/proxy",
		`{"name":"bad","address":"10.0.0.1","port":1,"type":"ftp"}`), http.StatusBadRequest)

	resp := env.do(t, http.MethodGet, "/api/admin/sys/proxy", "")
	expectStatus(t, resp, http.StatusOK)
	if all := decode[[]model.ProxyInfo](t, resp); len(all) != 1 || all[0].Address != "10.0.0.1" || all[0].Type != model.ProxyHTTP {
		t.Errorf("admin listing = %+v", all)
	}

	resp = env.do(t, http.MethodGet, "/api/task/download/proxy", "")
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "10.0.0.1") || !strings.Contains(string(raw), "corp") {
		t.Errorf("public listing = %s", raw)
	}

	expectStatus(t, env.do(t, http.MethodPut, "/api/admin/sys/proxy",
		`{"name":"corp","address":"10.0.0.2","port":1080,"type":"SOCKS"}`), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/admin/sys/proxy?name=corp", ""), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/admin/sys/proxy?name=corp", ""), http.StatusNotFound)
}

func TestAdminRoutes(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(t, http.MethodPut, "/api/admin/sys/config/STORE_TYPE/unique", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]bool](t, resp); !got["changed"] {
		t.Error("first switch reported no change")
	}
	if env.store.StoreType() != model.StoreUnique {
		t.Errorf("store type = %s", env.store.StoreType())
	}
	resp = env.do(t, http.MethodPut, "/api/admin/sys/config/STORE_TYPE/UNIQUE", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]bool](t, resp); got["changed"] {
		t.Error("repeated switch reported a change")
	}
	expectStatus(t, env.do(t, http.MethodPut, "/api/admin/sys/config/STORE_TYPE/tape", ""), http.StatusBadRequest)

	resp = env.do(t, http.MethodGet, "/api/admin/sys/overview", "")
	expectStatus(t, resp, http.StatusOK)
	if ov := decode[files.Overview](t, resp); ov.StoreType != model.StoreUnique || ov.StoreTotalSpace == 0 {
		t.Errorf("overview = %+v", ov)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", storage.ErrNotFound), http.StatusNotFound},
		{download.ErrTaskNotFound, http.StatusNotFound},
		{storage.ErrFileExists, http.StatusConflict},
		{fmt.Errorf("%w: %w", storage.ErrConflict, storage.ErrDirExists), http.StatusConflict},
		{metastore.ErrExists, http.StatusConflict},
		{storage.ErrPathEscape, http.StatusBadRequest},
		{storage.ErrUnsupported, http.StatusBadRequest},
		{download.ErrInvalidRequest, http.StatusBadRequest},
		{task.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
