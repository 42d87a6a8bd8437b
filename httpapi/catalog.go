package httpapi

import (
	"net/http"

	"github.com/fernandezvara/permkit"
)

type permissionRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.core.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*permkit.Permission{"permissions": perms})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	perm, err := h.core.CreatePermission(r.Context(), req.Name, req.Description)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	perm, err := h.core.UpdatePermission(r.Context(), id, req.Description)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.core.DeletePermission(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
