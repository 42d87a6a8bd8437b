package permkit

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// ============================================================================
// PERMISSION CATALOG
// ============================================================================

// CreatePermission adds a module to the catalog. Names are unique (exact match).
// With a module registry configured, a module already defined there is stored
// with its registered spelling and a new one is registered.
func (s *Service) CreatePermission(ctx context.Context, name string, description *string) (*Permission, error) {
	name, err := normalizeName("permission", name)
	if err != nil {
		return nil, err
	}
	if s.registry != nil {
		if canonical, ok := s.registry.Canonical(name); ok {
			name = canonical
		}
	}

	perm := &Permission{Name: name, Description: description}
	result, err := s.db.NewInsert().Model(perm).Returning("*").Exec(ctx)
	if err = dbkit.WithErr(result, err, "CreatePermission").Err(); err != nil {
		if dbkit.IsDuplicate(err) {
			return nil, NewError(ErrConflict, "permission name already exists").WithModule(name).WithCause(err)
		}
		return nil, storeError("CreatePermission", err)
	}
	if s.registry != nil {
		s.registry.Register(perm.Name)
	}

	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionCreate,
		EntityType:  EntityPermission,
		EntityID:    int64Ptr(perm.ID),
		Description: fmt.Sprintf("Permission %s created", perm.Name),
	})
	return perm, nil
}

// UpdatePermission replaces the description of a permission. The name cannot be
// changed through this path. A nil description clears it.
func (s *Service) UpdatePermission(ctx context.Context, id int64, description *string) (*Permission, error) {
	result, err := s.db.NewUpdate().Model((*Permission)(nil)).
		Set("description = ?", description).
		Set("updated_at = current_timestamp").
		Where("id = ?", id).
		Exec(ctx)
	if err = dbkit.WithErr(result, err, "UpdatePermission").Err(); err != nil {
		return nil, storeError("UpdatePermission", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, NewError(ErrNotFound, "permission not found")
	}

	perm, err := s.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionUpdate,
		EntityType:  EntityPermission,
		EntityID:    int64Ptr(perm.ID),
		Description: fmt.Sprintf("Permission %s description updated", perm.Name),
	})
	return perm, nil
}

// DeletePermission removes a permission. Deletion is blocked with ErrConflict while
// any role still grants it, so no role permission is left dangling.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	var name string
	err := s.inTx(ctx, "DeletePermission", func(ctx context.Context, tx dbkit.IDB) error {
		perm := new(Permission)
		err := dbkit.WithErr1(tx.NewSelect().Model(perm).Where("p.id = ?", id).For("UPDATE").Scan(ctx), "GetPermission").Err()
		if err != nil {
			if dbkit.IsNotFound(err) {
				return NewError(ErrNotFound, "permission not found")
			}
			return storeError("GetPermission", err)
		}
		name = perm.Name

		refs, err := dbkit.Count[RolePermission](ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("rp.permission_id = ?", id)
		})
		if err != nil {
			return storeError("CountPermissionReferences", err)
		}
		if refs > 0 {
			return NewError(ErrConflict, fmt.Sprintf("permission is granted by %d roles", refs)).WithModule(perm.Name)
		}

		result, err := tx.NewDelete().Model((*Permission)(nil)).Where("id = ?", id).Exec(ctx)
		if err = dbkit.WithErr(result, err, "DeletePermission").Err(); err != nil {
			return classifyStoreError("DeletePermission", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.registry != nil {
		s.registry.Forget(name)
	}

	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionDelete,
		EntityType:  EntityPermission,
		EntityID:    int64Ptr(id),
		Description: fmt.Sprintf("Permission %s deleted", name),
	})
	return nil
}

// GetPermission returns a permission by ID.
func (s *Service) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	perm := new(Permission)
	err := dbkit.WithErr1(s.db.NewSelect().Model(perm).Where("p.id = ?", id).Scan(ctx), "GetPermission").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "permission not found")
		}
		return nil, storeError("GetPermission", err)
	}
	return perm, nil
}

// GetPermissionByName returns a permission by name, ignoring case.
func (s *Service) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	name, err := normalizeName("permission", name)
	if err != nil {
		return nil, err
	}
	perm := new(Permission)
	err = dbkit.WithErr1(s.db.NewSelect().Model(perm).Where("lower(p.name) = lower(?)", name).Limit(1).Scan(ctx), "GetPermissionByName").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "permission not found").WithModule(name)
		}
		return nil, storeError("GetPermissionByName", err)
	}
	return perm, nil
}

// ListPermissions returns the whole catalog ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	var perms []*Permission
	err := dbkit.WithErr1(s.db.NewSelect().Model(&perms).Order("p.name ASC").Scan(ctx), "ListPermissions").Err()
	if err != nil && !dbkit.IsNotFound(err) {
		return nil, storeError("ListPermissions", err)
	}
	return perms, nil
}

// SyncModuleRegistry registers every catalog module in the service registry and
// returns how many were new. Servers call it at startup so modules created by
// earlier runs resolve. It is a no-op without a registry.
func (s *Service) SyncModuleRegistry(ctx context.Context) (int, error) {
	if s.registry == nil {
		return 0, nil
	}
	perms, err := s.ListPermissions(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, p := range perms {
		if _, ok := s.registry.Canonical(p.Name); !ok {
			added++
		}
		s.registry.Register(p.Name)
	}
	return added, nil
}
