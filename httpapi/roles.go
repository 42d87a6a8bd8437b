package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fernandezvara/permkit"
)

type createRoleRequest struct {
	Name      string `json:"name"`
	Superuser bool   `json:"superuser"`
}

type rolePermissionsRequest struct {
	RoleName    string                         `json:"roleName"`
	Permissions []permkit.PermissionAssignment `json:"permissions"`
}

type roleListResponse struct {
	Roles []*permkit.Role `json:"roles"`
	Total int             `json:"total"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
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

	filter := permkit.NewRoleFilter().
		WithSearch(r.URL.Query().Get("search")).
		WithPagination(limit, offset)
	roles, total, err := h.core.ListRoles(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleListResponse{Roles: roles, Total: total})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	// Only a superuser may mint another superuser role.
	if req.Superuser {
		if c := permkit.GetChecker(r.Context()); c == nil || !c.IsSuperuser() {
			h.respondError(w, r, permkit.NewError(permkit.ErrForbidden, "superuser required"))
			return
		}
	}

	role, err := h.core.CreateRole(r.Context(), req.Name, req.Superuser)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	role, err := h.core.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	policy := h.opts.DeletePolicy
	if mode := q.Get("onDelete"); mode != "" {
		var target int64
		if raw := q.Get("reassignTo"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				h.respondError(w, r, permkit.NewError(permkit.ErrValidation, "invalid reassignTo"))
				return
			}
			target = id
		}
		p, err := permkit.ParseDeletePolicy(mode, target)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		policy = p
	}

	if err := h.core.DeleteRole(r.Context(), name, policy); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Role deleted successfully"})
}

func (h *Handler) grantPermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	role, err := h.core.GrantPermissions(r.Context(), req.RoleName, req.Permissions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := idParam(r, "roleID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	role, err := h.core.SetPermissions(r.Context(), roleID, req.RoleName, req.Permissions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}
