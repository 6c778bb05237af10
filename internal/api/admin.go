package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Gammanik/netdisk/internal/model"
)

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.Files.State()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (h *Handler) setStoreType(w http.ResponseWriter, r *http.Request) {
	t := model.StoreType(strings.ToUpper(mux.Vars(r)["type"]))
	changed, err := h.Store.SetStoreType(t)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if changed {
		h.Logger.Info("store type switched", "type", t)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *Handler) listProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.Proxies.ListProxies()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if proxies == nil {
		proxies = []model.ProxyInfo{}
	}
	writeJSON(w, http.StatusOK, proxies)
}

func decodeProxy(r *http.Request) (model.ProxyInfo, error) {
	var p model.ProxyInfo
	if err := decodeJSON(r, &p); err != nil {
		return p, err
	}
	p.Type = model.ProxyType(strings.ToUpper(string(p.Type)))
	switch {
	case strings.TrimSpace(p.Name) == "":
		return p, badRequest("proxy name is required")
	case p.Address == "":
		return p, badRequest("proxy address is required")
	case p.Port < 1 || p.Port > 65535:
		return p, badRequest("proxy port %d out of range", p.Port)
	case p.Type != model.ProxyHTTP && p.Type != model.ProxySOCKS:
		return p, badRequest("unknown proxy type %q", p.Type)
	}
	return p, nil
}

func (h *Handler) addProxy(w http.ResponseWriter, r *http.Request) {
	p, err := decodeProxy(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Proxies.AddProxy(p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) modifyProxy(w http.ResponseWriter, r *http.Request) {
	p, err := decodeProxy(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Proxies.ModifyProxy(p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) removeProxy(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		h.writeError(w, r, badRequest("missing proxy name"))
		return
	}
	if err := h.Proxies.RemoveProxy(name); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
