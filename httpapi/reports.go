package httpapi

import (
	"net/http"
	"strings"

	"github.com/fernandezvara/permkit"
)

const (
	defaultReportPageSize = 10
	// The service caps larger pages.
	allReportsPageSize = 1000
)

type reportListResponse struct {
	Reports      []permkit.AuditRecord `json:"reports"`
	TotalReports int                   `json:"totalReports"`
	TotalPages   int                   `json:"totalPages"`
	Page         int                   `json:"page"`
}

// listReports pages the audit log. limit=All returns every match on one page.
func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intQuery(r, "page", 1)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if page < 1 {
		page = 1
	}

	limit := defaultReportPageSize
	all := strings.EqualFold(q.Get("limit"), "all")
	if !all {
		if limit, err = intQuery(r, "limit", defaultReportPageSize); err != nil {
			h.respondError(w, r, err)
			return
		}
		if limit == 0 {
			limit = defaultReportPageSize
		}
	}

	filter := permkit.NewAuditLogFilter().
		WithSearch(q.Get("search")).
		WithActionType(q.Get("actionType")).
		WithEntityType(q.Get("entityType")).
		WithRange(permkit.ParseDateRange(q.Get("dateFilter")))
	if all {
		filter = filter.WithPagination(allReportsPageSize, 0)
	} else {
		filter = filter.WithPagination(limit, (page-1)*limit)
	}

	records, total, err := h.core.GetAuditLog(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := reportListResponse{Reports: records, TotalReports: total, TotalPages: 1, Page: page}
	if !all && total > 0 {
		resp.TotalPages = (total + limit - 1) / limit
	}
	if resp.Reports == nil {
		resp.Reports = []permkit.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}
