package permkit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// ============================================================================
// ROLE MUTATIONS
// ============================================================================

// CreateRole creates a role without grants. A role with no grants denies everything.
//
// Example:
//
//	role, err := service.CreateRole(ctx, "Auditor", false)
func (s *Service) CreateRole(ctx context.Context, name string, superuser bool) (*Role, error) {
	name, err := normalizeName("role", name)
	if err != nil {
		return nil, err
	}

	role := &Role{Name: name, IsSuperuser: superuser, PermissionsVersion: 1}
	result, err := s.db.NewInsert().Model(role).Returning("*").Exec(ctx)
	if err = dbkit.WithErr(result, err, "CreateRole").Err(); err != nil {
		if dbkit.IsDuplicate(err) {
			return nil, NewError(ErrConflict, "role name already exists").WithRole(name).WithCause(err)
		}
		return nil, storeError("CreateRole", err)
	}

	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionCreate,
		EntityType:  EntityRole,
		EntityID:    int64Ptr(role.ID),
		Description: fmt.Sprintf("Role %s created", role.Name),
	})
	return role, nil
}

// GrantPermissions adds grants to a role, creating the role when it does not exist.
// The operation is additive: actions already granted are kept and only missing
// ones are added, so repeating a call changes nothing. Every permission ID is
// checked before the first write; an unknown one rejects the whole call.
//
// Example:
//
//	role, err := service.GrantPermissions(ctx, "Editor", []permkit.PermissionAssignment{
//	    {PermissionID: blogID, AllowedActions: []permkit.Action{permkit.ActionRead}},
//	})
func (s *Service) GrantPermissions(ctx context.Context, roleName string, assignments []PermissionAssignment) (*Role, error) {
	name, err := normalizeName("role", roleName)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, NewError(ErrValidation, "at least one permission assignment is required").WithRole(name)
	}
	incoming, err := normalizeAssignments(assignments)
	if err != nil {
		return nil, err
	}

	var (
		roleID  int64
		created bool
		changed bool
	)
	err = s.inTx(ctx, "GrantPermissions", func(ctx context.Context, tx dbkit.IDB) error {
		names, err := checkPermissionsExist(ctx, tx, permissionIDs(incoming))
		if err != nil {
			return err
		}
		if err := s.checkGrantActions(incoming, names); err != nil {
			return err
		}

		result, err := tx.NewInsert().Model(&Role{Name: name, PermissionsVersion: 1}).
			On("CONFLICT (name) DO NOTHING").
			Exec(ctx)
		if err = dbkit.WithErr(result, err, "CreateRole").Err(); err != nil {
			return storeError("CreateRole", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			created = true
		}

		role, err := lockRole(ctx, tx, "LockRole", "r.name = ?", name)
		if err != nil {
			return err
		}
		roleID = role.ID

		current, err := lockRolePermissions(ctx, tx, role.ID)
		if err != nil {
			return err
		}

		plan := planGrant(current, incoming)
		for _, a := range plan.create {
			if err := insertRolePermission(ctx, tx, role.ID, a); err != nil {
				return err
			}
		}
		for _, c := range plan.extend {
			if err := insertActions(ctx, tx, c.RolePermissionID, c.Actions); err != nil {
				return err
			}
		}
		if plan.empty() || created {
			return nil
		}
		changed = true
		return bumpPermissionsVersion(ctx, tx, role.ID)
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.recordAudit(ctx, &AuditEntry{
			ActionType:  AuditActionCreate,
			EntityType:  EntityRole,
			EntityID:    int64Ptr(roleID),
			Description: fmt.Sprintf("Role %s created with permissions %s", name, describeAssignments(incoming)),
		})
	} else if changed {
		s.recordAudit(ctx, &AuditEntry{
			ActionType:  AuditActionUpdate,
			EntityType:  EntityRole,
			EntityID:    int64Ptr(roleID),
			Description: fmt.Sprintf("Permissions %s granted to role %s", describeAssignments(incoming), name),
		})
		s.invalidateRole(ctx, roleID)
	}

	return s.GetRole(ctx, roleID)
}

// AssignPermissions is GrantPermissions under its historical name.
func (s *Service) AssignPermissions(ctx context.Context, roleName string, assignments []PermissionAssignment) (*Role, error) {
	return s.GrantPermissions(ctx, roleName, assignments)
}

// SetPermissions renames a role and replaces its whole module→actions map in one
// transaction. Modules absent from assignments are removed with their actions,
// modules present in both get exactly the incoming actions, new ones are created.
// An empty assignments list removes every grant. Concurrent readers never observe
// a partially updated role.
//
// Example:
//
//	role, err := service.SetPermissions(ctx, roleID, "Editor", []permkit.PermissionAssignment{
//	    {PermissionID: blogID, AllowedActions: []permkit.Action{permkit.ActionRead, permkit.ActionUpdate}},
//	})
func (s *Service) SetPermissions(ctx context.Context, roleID int64, roleName string, assignments []PermissionAssignment) (*Role, error) {
	name, err := normalizeName("role", roleName)
	if err != nil {
		return nil, err
	}
	if roleID <= 0 {
		return nil, NewError(ErrValidation, "role id is required")
	}
	incoming, err := normalizeAssignments(assignments)
	if err != nil {
		return nil, err
	}

	var (
		previousName string
		plan         updatePlan
	)
	err = s.inTx(ctx, "SetPermissions", func(ctx context.Context, tx dbkit.IDB) error {
		names, err := checkPermissionsExist(ctx, tx, permissionIDs(incoming))
		if err != nil {
			return err
		}
		if err := s.checkGrantActions(incoming, names); err != nil {
			return err
		}

		role, err := lockRole(ctx, tx, "LockRole", "r.id = ?", roleID)
		if err != nil {
			return err
		}
		previousName = role.Name

		if role.Name != name {
			if err := renameRole(ctx, tx, role.ID, name); err != nil {
				return err
			}
		}

		current, err := lockRolePermissions(ctx, tx, role.ID)
		if err != nil {
			return err
		}

		plan = planRoleUpdate(current, incoming)
		if len(plan.remove) > 0 {
			if err := deleteActions(ctx, tx, plan.remove); err != nil {
				return err
			}
			result, err := tx.NewDelete().Model((*RolePermission)(nil)).
				Where("id IN (?)", bun.In(plan.remove)).
				Exec(ctx)
			if err = dbkit.WithErr(result, err, "DeleteRolePermissions").Err(); err != nil {
				return storeError("DeleteRolePermissions", err)
			}
		}
		for _, c := range plan.replace {
			if err := deleteActions(ctx, tx, []int64{c.RolePermissionID}); err != nil {
				return err
			}
			if err := insertActions(ctx, tx, c.RolePermissionID, c.Actions); err != nil {
				return err
			}
		}
		for _, a := range plan.create {
			if err := insertRolePermission(ctx, tx, role.ID, a); err != nil {
				return err
			}
		}

		if plan.empty() && role.Name == name {
			return nil
		}
		return bumpPermissionsVersion(ctx, tx, role.ID)
	})
	if err != nil {
		return nil, err
	}

	if !plan.empty() || previousName != name {
		desc := fmt.Sprintf("Role %s permissions set to %s", name, describeAssignments(incoming))
		if previousName != name {
			desc = fmt.Sprintf("Role %s renamed to %s, permissions set to %s", previousName, name, describeAssignments(incoming))
		}
		s.recordAudit(ctx, &AuditEntry{
			ActionType:  AuditActionUpdate,
			EntityType:  EntityRole,
			EntityID:    int64Ptr(roleID),
			Description: desc,
		})
		s.invalidateRole(ctx, roleID)
	}

	return s.GetRole(ctx, roleID)
}

// UpdateRole is SetPermissions under its historical name.
func (s *Service) UpdateRole(ctx context.Context, roleID int64, roleName string, assignments []PermissionAssignment) (*Role, error) {
	return s.SetPermissions(ctx, roleID, roleName, assignments)
}

func renameRole(ctx context.Context, tx dbkit.IDB, roleID int64, name string) error {
	taken, err := dbkit.Exists[Role](ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("r.name = ? AND r.id <> ?", name, roleID)
	})
	if err != nil {
		return storeError("CheckRoleName", err)
	}
	if taken {
		return NewError(ErrConflict, "role name already exists").WithRole(name)
	}

	result, err := tx.NewUpdate().Model((*Role)(nil)).
		Set("name = ?", name).
		Set("updated_at = current_timestamp").
		Where("id = ?", roleID).
		Exec(ctx)
	if err = dbkit.WithErr(result, err, "RenameRole").Err(); err != nil {
		if dbkit.IsDuplicate(err) {
			return NewError(ErrConflict, "role name already exists").WithRole(name).WithCause(err)
		}
		return storeError("RenameRole", err)
	}
	return nil
}

// ============================================================================
// ROLE DELETION
// ============================================================================

type deleteMode int

const (
	deleteBlock deleteMode = iota
	deleteCascade
	deleteReassign
)

// DeletePolicy decides what happens to the users holding a role being deleted.
// The zero value blocks deletion while users hold the role.
type DeletePolicy struct {
	mode       deleteMode
	reassignTo int64
}

// BlockIfUsersExist refuses to delete a role that users still hold.
func BlockIfUsersExist() DeletePolicy {
	return DeletePolicy{mode: deleteBlock}
}

// CascadeDeleteUsers deletes every user holding the role together with it.
func CascadeDeleteUsers() DeletePolicy {
	return DeletePolicy{mode: deleteCascade}
}

// ReassignUsersTo moves every user holding the role to roleID before deleting it.
func ReassignUsersTo(roleID int64) DeletePolicy {
	return DeletePolicy{mode: deleteReassign, reassignTo: roleID}
}

// ParseDeletePolicy parses "block", "cascade" or "reassign". The empty string means block.
// reassignTo is only used by "reassign".
func ParseDeletePolicy(s string, reassignTo int64) (DeletePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return BlockIfUsersExist(), nil
	case "cascade":
		return CascadeDeleteUsers(), nil
	case "reassign":
		if reassignTo <= 0 {
			return DeletePolicy{}, NewError(ErrValidation, "reassign policy needs a target role id")
		}
		return ReassignUsersTo(reassignTo), nil
	}
	return DeletePolicy{}, NewError(ErrValidation, "unknown delete policy "+s)
}

// String returns the policy name.
func (p DeletePolicy) String() string {
	switch p.mode {
	case deleteCascade:
		return "cascade"
	case deleteReassign:
		return "reassign:" + strconv.FormatInt(p.reassignTo, 10)
	default:
		return "block"
	}
}

// DeleteRole removes a role with its grants. Users holding the role are handled
// by policy. Users, grants and the role go in one transaction; a failure leaves
// everything as it was.
//
// Example:
//
//	err := service.DeleteRole(ctx, "Editor", permkit.ReassignUsersTo(viewerID))
func (s *Service) DeleteRole(ctx context.Context, roleName string, policy DeletePolicy) error {
	name, err := normalizeName("role", roleName)
	if err != nil {
		return err
	}

	var (
		roleID   int64
		affected []int64
	)
	err = s.inTx(ctx, "DeleteRole", func(ctx context.Context, tx dbkit.IDB) error {
		role, err := lockRole(ctx, tx, "LockRole", "r.name = ?", name)
		if err != nil {
			return err
		}
		roleID = role.ID

		affected, err = roleUserIDs(ctx, tx, role.ID)
		if err != nil {
			return err
		}

		if len(affected) > 0 {
			if err := applyDeletePolicy(ctx, tx, role, policy, len(affected)); err != nil {
				return err
			}
		}

		result, err := tx.NewDelete().Model((*RoleAction)(nil)).
			Where("role_permission_id IN (?)",
				tx.NewSelect().Model((*RolePermission)(nil)).Column("id").Where("role_id = ?", role.ID)).
			Exec(ctx)
		if err = dbkit.WithErr(result, err, "DeleteRoleActions").Err(); err != nil {
			return storeError("DeleteRoleActions", err)
		}

		result, err = tx.NewDelete().Model((*RolePermission)(nil)).
			Where("role_id = ?", role.ID).
			Exec(ctx)
		if err = dbkit.WithErr(result, err, "DeleteRolePermissions").Err(); err != nil {
			return storeError("DeleteRolePermissions", err)
		}

		result, err = tx.NewDelete().Model((*Role)(nil)).
			Where("id = ?", role.ID).
			Exec(ctx)
		if err = dbkit.WithErr(result, err, "DeleteRole").Err(); err != nil {
			return storeError("DeleteRole", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, &AuditEntry{
		ActionType:  AuditActionDelete,
		EntityType:  EntityRole,
		EntityID:    int64Ptr(roleID),
		Description: fmt.Sprintf("Role %s deleted (policy %s, %d users affected)", name, policy, len(affected)),
	})
	s.invalidateSnapshots(ctx, affected...)
	return nil
}

func applyDeletePolicy(ctx context.Context, tx dbkit.IDB, role *Role, policy DeletePolicy, users int) error {
	switch policy.mode {
	case deleteCascade:
		result, err := tx.NewDelete().Model((*User)(nil)).
			Where("role_id = ?", role.ID).
			Exec(ctx)
		if err = dbkit.WithErr(result, err, "DeleteRoleUsers").Err(); err != nil {
			return storeError("DeleteRoleUsers", err)
		}
		return nil

	case deleteReassign:
		if policy.reassignTo == role.ID {
			return NewError(ErrValidation, "cannot reassign users to the role being deleted").WithRole(role.Name)
		}
		if _, err := lockRole(ctx, tx, "LockReassignTarget", "r.id = ?", policy.reassignTo); err != nil {
			if IsNotFound(err) {
				return NewError(ErrValidation, "reassign target role not found").WithRole(role.Name)
			}
			return err
		}
		result, err := tx.NewUpdate().Model((*User)(nil)).
			Set("role_id = ?", policy.reassignTo).
			Set("updated_at = current_timestamp").
			Where("role_id = ?", role.ID).
			Exec(ctx)
		if err = dbkit.WithErr(result, err, "ReassignRoleUsers").Err(); err != nil {
			return storeError("ReassignRoleUsers", err)
		}
		return nil

	default:
		return NewError(ErrConflict, fmt.Sprintf("role is held by %d users", users)).WithRole(role.Name)
	}
}
