package httpapi

import (
	"net/http"

	"github.com/fernandezvara/permkit"
)

type changeRoleRequest struct {
	RoleID int64 `json:"roleId"`
}

type userListResponse struct {
	Users []*permkit.User `json:"users"`
	Total int             `json:"total"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	filter := permkit.NewUserFilter().
		WithSearch(r.URL.Query().Get("search")).
		WithPagination(limit, offset)
	users, total, err := h.core.ListUsers(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userListResponse{Users: users, Total: total})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.core.GetUser(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req permkit.UserUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.core.UpdateUser(r.Context(), id, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req permkit.NewUser
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.core.CreateUser(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) changeUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.core.ChangeUserRole(r.Context(), id, req.RoleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.core.DeleteUser(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
