package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Gammanik/netdisk/internal/download"
	"github.com/Gammanik/netdisk/internal/model"
)

const defaultPageSize = 10

func (h *Handler) createDownload(w http.ResponseWriter, r *http.Request) {
	var p download.Params
	if err := decodeJSON(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	creator := p.UID
	if v := r.Header.Get("X-User-ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, r, badRequest("invalid X-User-ID"))
			return
		}
		creator = id
	}

	id, err := h.Downloads.CreateTask(r.Context(), p, creator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// listDownloads pages ?uid='s tasks. page is zero-based and type is one
// of ALL, DOWNLOADING and FINISH.
func (h *Handler) listDownloads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid, err := strconv.ParseInt(q.Get("uid"), 10, 64)
	if err != nil {
		h.writeError(w, r, badRequest("invalid uid"))
		return
	}
	page, err := queryInt(r, "page", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	size, err := queryInt(r, "size", defaultPageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	typ := download.ListType(strings.ToUpper(q.Get("type")))
	switch typ {
	case "":
		typ = download.ListAll
	case download.ListAll, download.ListDownloading, download.ListFinish:
	default:
		h.writeError(w, r, badRequest("unknown list type %q", typ))
		return
	}

	res, err := h.Downloads.TaskList(r.Context(), uid, page, size, typ)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) interruptDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, badRequest("missing task id"))
		return
	}
	if err := h.Downloads.Interrupt(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type proxyName struct {
	Name string `json:"name"`
}

// listProxyNames lists the proxies a download may use without revealing
// where they point.
func (h *Handler) listProxyNames(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.Proxies.ListProxies()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(proxies))
}

func redact(proxies []model.ProxyInfo) []proxyName {
	out := make([]proxyName, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, proxyName{Name: p.Name})
	}
	return out
}
