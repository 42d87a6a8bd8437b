package permkit

import (
	"strings"
	"time"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// DateRange is a relative date window for audit queries.
type DateRange string

// Supported date ranges.
const (
	RangeAll   DateRange = "ALL"
	RangeToday DateRange = "TODAY"
	RangeWeek  DateRange = "WEEK"
	RangeMonth DateRange = "MONTH"
)

// ParseDateRange parses a range token case-insensitively. Unknown or empty
// tokens mean RangeAll.
func ParseDateRange(s string) DateRange {
	switch DateRange(strings.ToUpper(strings.TrimSpace(s))) {
	case RangeToday:
		return RangeToday
	case RangeWeek:
		return RangeWeek
	case RangeMonth:
		return RangeMonth
	}
	return RangeAll
}

// Since returns the start of the window relative to now, or the zero time for RangeAll.
// TODAY starts at local midnight, WEEK is a rolling 7 day window and MONTH
// starts on the first day of the current month.
func (r DateRange) Since(now time.Time) time.Time {
	switch r {
	case RangeToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case RangeWeek:
		return now.AddDate(0, 0, -7)
	case RangeMonth:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	}
	return time.Time{}
}

// AuditLogFilter provides options for filtering audit log queries.
type AuditLogFilter struct {
	// Case-insensitive match on description or entity type
	Search string

	// Filter by action type (CREATE, UPDATE, DELETE)
	ActionType string

	// Filter by entity type (Role, Permission, User)
	EntityType string

	// Filter by performer
	PerformedByID int64

	// Relative window; combined with Since/Until when both are set
	Range DateRange

	// Filter by time range
	Since time.Time
	Until time.Time

	// Pagination
	Limit  int
	Offset int
}

// NewAuditLogFilter creates a new AuditLogFilter with default values.
func NewAuditLogFilter() AuditLogFilter {
	return AuditLogFilter{
		Range: RangeAll,
		Limit: defaultListLimit,
	}
}

// WithSearch sets the free-text search.
func (f AuditLogFilter) WithSearch(search string) AuditLogFilter {
	f.Search = search
	return f
}

// WithActionType sets the action type filter.
func (f AuditLogFilter) WithActionType(actionType string) AuditLogFilter {
	f.ActionType = actionType
	return f
}

// WithEntityType sets the entity type filter.
func (f AuditLogFilter) WithEntityType(entityType string) AuditLogFilter {
	f.EntityType = entityType
	return f
}

// WithPerformer sets the performer filter.
func (f AuditLogFilter) WithPerformer(userID int64) AuditLogFilter {
	f.PerformedByID = userID
	return f
}

// WithRange sets the relative date window.
func (f AuditLogFilter) WithRange(r DateRange) AuditLogFilter {
	f.Range = r
	return f
}

// WithTimeRange sets the time range filter.
func (f AuditLogFilter) WithTimeRange(since, until time.Time) AuditLogFilter {
	f.Since = since
	f.Until = until
	return f
}

// WithPagination sets both limit and offset.
func (f AuditLogFilter) WithPagination(limit, offset int) AuditLogFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// effectiveSince is the later of Since and the start of Range.
func (f AuditLogFilter) effectiveSince(now time.Time) time.Time {
	since := f.Range.Since(now)
	if f.Since.After(since) {
		return f.Since
	}
	return since
}

// RoleFilter provides options for listing roles.
type RoleFilter struct {
	// Case-insensitive substring of the role name
	Search string

	Limit  int
	Offset int
}

// NewRoleFilter creates a new RoleFilter with default values.
func NewRoleFilter() RoleFilter {
	return RoleFilter{Limit: defaultListLimit}
}

// WithSearch sets the name search.
func (f RoleFilter) WithSearch(search string) RoleFilter {
	f.Search = search
	return f
}

// WithPagination sets both limit and offset.
func (f RoleFilter) WithPagination(limit, offset int) RoleFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// UserFilter provides options for listing users.
type UserFilter struct {
	// Case-insensitive substring of the name or email
	Search string

	Limit  int
	Offset int
}

// NewUserFilter creates a new UserFilter with default values.
func NewUserFilter() UserFilter {
	return UserFilter{Limit: defaultListLimit}
}

// WithSearch sets the name or email search.
func (f UserFilter) WithSearch(search string) UserFilter {
	f.Search = search
	return f
}

// WithPagination sets both limit and offset.
func (f UserFilter) WithPagination(limit, offset int) UserFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// clampLimit applies the default and upper bound to a page size.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
