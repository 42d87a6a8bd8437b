package permkit

import (
	"context"
	"strings"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// ============================================================================
// ROLE QUERIES
// ============================================================================

// GetRole returns a role with its permissions and actions.
func (s *Service) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return loadRole(ctx, s.db, "GetRole", "r.id = ?", roleID)
}

// GetRoleByName returns a role with its permissions and actions. The match is exact.
func (s *Service) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	name, err := normalizeName("role", name)
	if err != nil {
		return nil, err
	}
	return loadRole(ctx, s.db, "GetRoleByName", "r.name = ?", name)
}

// ListRoles returns roles with their permissions and actions ordered by name,
// together with the total number of roles matching the filter.
//
// Example:
//
//	roles, total, err := service.ListRoles(ctx, permkit.NewRoleFilter().WithSearch("edit"))
func (s *Service) ListRoles(ctx context.Context, filter RoleFilter) ([]*Role, int, error) {
	var roles []*Role
	q := withGrants(s.db.NewSelect().Model(&roles))
	if search := strings.TrimSpace(filter.Search); search != "" {
		q = q.Where("r.name ILIKE ?", "%"+escapeLike(search)+"%")
	}

	q = q.Order("r.name ASC").Limit(clampLimit(filter.Limit))
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	total, err := q.ScanAndCount(ctx)
	if err = dbkit.WithErr1(err, "ListRoles").Err(); err != nil && !dbkit.IsNotFound(err) {
		return nil, 0, storeError("ListRoles", err)
	}
	return roles, total, nil
}

// CountRoles returns the total number of roles.
func (s *Service) CountRoles(ctx context.Context) (int, error) {
	n, err := dbkit.Count[Role](ctx, s.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q
	})
	if err != nil {
		return 0, storeError("CountRoles", err)
	}
	return n, nil
}

// escapeLike escapes LIKE wildcards in user supplied search terms.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
