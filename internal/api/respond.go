package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Gammanik/netdisk/internal/download"
	"github.com/Gammanik/netdisk/internal/metastore"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, metastore.ErrNotFound),
		errors.Is(err, download.ErrTaskNotFound),
		errors.Is(err, task.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, metastore.ErrExists),
		errors.Is(err, task.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, storage.ErrPathEscape),
		errors.Is(err, storage.ErrUnsupported),
		errors.Is(err, download.ErrInvalidRequest),
		errors.Is(err, download.ErrProxyNotFound):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

func pathUID(r *http.Request) (int64, error) {
	uid, err := strconv.ParseInt(mux.Vars(r)["uid"], 10, 64)
	if err != nil {
		return 0, badRequest("invalid uid")
	}
	return uid, nil
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("invalid %s %q", key, v)
	}
	return n, nil
}
