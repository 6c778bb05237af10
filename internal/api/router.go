// Package api exposes the network disk over HTTP.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Gammanik/netdisk/internal/download"
	"github.com/Gammanik/netdisk/internal/files"
	"github.com/Gammanik/netdisk/internal/model"
)

// FileService is the virtual filesystem used by the file routes.
type FileService interface {
	Mkdir(uid int64, dir, name string) error
	Upload(uid int64, r io.Reader, dir, name string) (*model.FileInfo, error)
	SaveFile(uid int64, r io.Reader, dir string, info model.FileInfo) (*model.FileInfo, error)
	Move(uid int64, sourceDir, targetDir, name string, overwrite bool) error
	Copy(uid int64, sourceDir string, targetUID int64, targetDir, sourceName, targetName string, overwrite bool) error
	Rename(uid int64, dir, oldName, newName string) error
	Delete(uid int64, dir string, names []string) (int64, error)
	List(uid int64, dir string) (*files.Listing, error)
	Search(uid int64, pattern string) ([]files.SearchResult, error)
	State() (*files.Overview, error)
}

// DownloadService manages download tasks.
type DownloadService interface {
	CreateTask(ctx context.Context, p download.Params, creator int64) (string, error)
	TaskList(ctx context.Context, uid int64, page, size int, typ download.ListType) (download.Page, error)
	Interrupt(id string) error
}

// ProxyStore is the proxy directory.
type ProxyStore interface {
	AddProxy(p model.ProxyInfo) error
	ListProxies() ([]model.ProxyInfo, error)
	ModifyProxy(p model.ProxyInfo) error
	RemoveProxy(name string) error
}

// StoreSwitch changes the active store policy.
type StoreSwitch interface {
	SetStoreType(t model.StoreType) (bool, error)
}

// Handler serves the HTTP API.
type Handler struct {
	Files     FileService
	Downloads DownloadService
	Proxies   ProxyStore
	Store     StoreSwitch
	Logger    *slog.Logger
}

// NewRouter registers every route of h.
func NewRouter(h *Handler) *mux.Router {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	router := mux.NewRouter()
	router.Use(h.logRequests)

	router.HandleFunc("/api/task/download", h.createDownload).Methods(http.MethodPost)
	router.HandleFunc("/api/task/download", h.listDownloads).Methods(http.MethodGet)
	router.HandleFunc("/api/task/download", h.interruptDownload).Methods(http.MethodDelete)
	router.HandleFunc("/api/task/download/proxy", h.listProxyNames).Methods(http.MethodGet)

	const userFiles = "/api/files/{uid:[0-9]+}"
	router.HandleFunc(userFiles, h.list).Methods(http.MethodGet)
	router.HandleFunc(userFiles, h.delete).Methods(http.MethodDelete)

	fs := router.PathPrefix(userFiles).Subrouter()
	fs.HandleFunc("/upload", h.upload).Methods(http.MethodPut)
	fs.HandleFunc("/mkdir", h.mkdir).Methods(http.MethodPost)
	fs.HandleFunc("/move", h.move).Methods(http.MethodPost)
	fs.HandleFunc("/copy", h.copy).Methods(http.MethodPost)
	fs.HandleFunc("/rename", h.rename).Methods(http.MethodPost)
	fs.HandleFunc("/search", h.search).Methods(http.MethodGet)

	admin := router.PathPrefix("/api/admin/sys").Subrouter()
	admin.HandleFunc("/overview", h.overview).Methods(http.MethodGet)
	admin.HandleFunc("/config/STORE_TYPE/{type}", h.setStoreType).Methods(http.MethodPut)
	admin.HandleFunc("/proxy", h.listProxies).Methods(http.MethodGet)
	admin.HandleFunc("/proxy", h.addProxy).Methods(http.MethodPost)
	admin.HandleFunc("/proxy", h.modifyProxy).Methods(http.MethodPut)
	admin.HandleFunc("/proxy", h.removeProxy).Methods(http.MethodDelete)

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.Logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
