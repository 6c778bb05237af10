package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Gammanik/netdisk/internal/model"
	"github.com/Gammanik/netdisk/internal/utils"
)

// upload stores the request body as ?name= in ?path=. With ?md5= and
// ?size= the declared digest is trusted.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		name = r.Header.Get("X-Filename")
	}
	if name == "" {
		h.writeError(w, r, badRequest("missing file name"))
		return
	}

	var info *model.FileInfo
	if digest := strings.ToLower(q.Get("md5")); digest != "" {
		// A known digest lets the store link an existing blob without
		// reading the body.
		size, parseErr := strconv.ParseInt(q.Get("size"), 10, 64)
		if parseErr != nil || size < 0 {
			h.writeError(w, r, badRequest("size is required with md5"))
			return
		}
		if len(digest) != 32 || !utils.IsHexString(digest) {
			h.writeError(w, r, badRequest("invalid md5 %q", digest))
			return
		}
		info, err = h.Files.SaveFile(uid, r.Body, dirParam(q.Get("path")), model.FileInfo{Name: name, Size: size, MD5: digest})
	} else {
		info, err = h.Files.Upload(uid, r.Body, dirParam(q.Get("path")), name)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("file uploaded", "uid", uid, "name", info.Name, "size", info.Size, "md5", info.MD5)
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	listing, err := h.Files.List(uid, dirParam(r.URL.Query().Get("path")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("q"))
	if pattern == "" {
		h.writeError(w, r, badRequest("missing search pattern"))
		return
	}
	found, err := h.Files.Search(uid, pattern)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type mkdirRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func (h *Handler) mkdir(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req mkdirRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Files.Mkdir(uid, dirParam(req.Path), req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type moveRequest struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Name      string `json:"name"`
	Overwrite bool   `json:"overwrite"`
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Files.Move(uid, dirParam(req.Source), dirParam(req.Target), req.Name, req.Overwrite); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type copyRequest struct {
	Source     string `json:"source"`
	SourceName string `json:"source_name"`
	TargetUID  *int64 `json:"target_uid,omitempty"`
	Target     string `json:"target"`
	TargetName string `json:"target_name,omitempty"`
	Overwrite  bool   `json:"overwrite"`
}

func (h *Handler) copy(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req copyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	targetUID := uid
	if req.TargetUID != nil {
		targetUID = *req.TargetUID
	}
	if req.TargetName == "" {
		req.TargetName = req.SourceName
	}
	err = h.Files.Copy(uid, dirParam(req.Source), targetUID, dirParam(req.Target), req.SourceName, req.TargetName, req.Overwrite)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	Path    string `json:"path"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

func (h *Handler) rename(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Files.Rename(uid, dirParam(req.Path), req.OldName, req.NewName); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// delete removes every ?name= entry of ?path=.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	uid, err := pathUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	names := q["name"]
	if len(names) == 0 {
		h.writeError(w, r, badRequest("missing names"))
		return
	}
	n, err := h.Files.Delete(uid, dirParam(q.Get("path")), names)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func dirParam(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
