package permkit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// ============================================================================
// INTERNAL HELPERS
// ============================================================================

// withGrants loads the role permission graph: role permissions, their
// permission and their actions, in insertion order.
func withGrants(q *bun.SelectQuery) *bun.SelectQuery {
	return q.
		Relation("Permissions", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("rp.id ASC")
		}).
		Relation("Permissions.Permission").
		Relation("Permissions.Actions", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("a.id ASC")
		})
}

// loadRole loads one role with its grants. A missing role is an ErrNotFound error.
func loadRole(ctx context.Context, db dbkit.IDB, op, where string, args ...any) (*Role, error) {
	role := new(Role)
	err := dbkit.WithErr1(withGrants(db.NewSelect().Model(role)).Where(where, args...).Limit(1).Scan(ctx), op).Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "role not found")
		}
		return nil, storeError(op, err)
	}
	return role, nil
}

// lockRole selects a role row FOR UPDATE. Every mutation of a role's permission
// graph takes this lock first, so concurrent writers on one role serialize.
func lockRole(ctx context.Context, tx dbkit.IDB, op, where string, args ...any) (*Role, error) {
	role := new(Role)
	err := dbkit.WithErr1(tx.NewSelect().Model(role).Where(where, args...).For("UPDATE").Limit(1).Scan(ctx), op).Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "role not found")
		}
		return nil, storeError(op, err)
	}
	return role, nil
}

// lockRolePermissions loads and locks the role permissions of roleID with their actions.
func lockRolePermissions(ctx context.Context, tx dbkit.IDB, roleID int64) ([]*RolePermission, error) {
	var rps []*RolePermission
	err := tx.NewSelect().Model(&rps).
		Relation("Actions").
		Where("rp.role_id = ?", roleID).
		Order("rp.id ASC").
		For("UPDATE OF rp").
		Scan(ctx)
	if err = dbkit.WithErr1(err, "LoadRolePermissions").Err(); err != nil && !dbkit.IsNotFound(err) {
		return nil, storeError("LoadRolePermissions", err)
	}
	return rps, nil
}

// checkPermissionsExist rejects ids that do not reference a permission and
// returns the names of the found ones by ID. Found rows are share-locked so
// they cannot be deleted before commit.
func checkPermissionsExist(ctx context.Context, tx dbkit.IDB, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var found []*Permission
	err := tx.NewSelect().Model(&found).
		Column("id", "name").
		Where("p.id IN (?)", bun.In(ids)).
		For("SHARE").
		Scan(ctx)
	if err = dbkit.WithErr1(err, "CheckPermissionsExist").Err(); err != nil && !dbkit.IsNotFound(err) {
		return nil, storeError("CheckPermissionsExist", err)
	}
	for _, p := range found {
		names[p.ID] = p.Name
	}

	var missing []int64
	for _, id := range ids {
		if _, ok := names[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, NewError(ErrValidation, fmt.Sprintf("unknown permission ids %v", missing))
	}
	return names, nil
}

// checkGrantActions rejects actions a registered module does not support.
// Modules missing from the registry accept every action.
func (s *Service) checkGrantActions(incoming []assignment, names map[int64]string) error {
	if s.registry == nil {
		return nil
	}
	for _, a := range incoming {
		if s.registry.GetModule(names[a.PermissionID]) == nil {
			continue
		}
		for _, action := range a.Actions.Sorted() {
			if err := s.registry.ValidateAction(names[a.PermissionID], action); err != nil {
				return err
			}
		}
	}
	return nil
}

// insertRolePermission creates a role permission and its actions.
func insertRolePermission(ctx context.Context, tx dbkit.IDB, roleID int64, a assignment) error {
	rp := &RolePermission{RoleID: roleID, PermissionID: a.PermissionID}
	result, err := tx.NewInsert().Model(rp).Returning("id").Exec(ctx)
	if err = dbkit.WithErr(result, err, "CreateRolePermission").Err(); err != nil {
		return classifyStoreError("CreateRolePermission", err)
	}
	return insertActions(ctx, tx, rp.ID, a.Actions.Sorted())
}

// insertActions adds actions to a role permission. Existing ones are left alone,
// so repeating an insert never duplicates rows.
func insertActions(ctx context.Context, tx dbkit.IDB, rolePermissionID int64, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	rows := make([]*RoleAction, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, &RoleAction{Type: a, RolePermissionID: rolePermissionID})
	}
	result, err := tx.NewInsert().Model(&rows).
		On("CONFLICT (role_permission_id, type) DO NOTHING").
		Exec(ctx)
	if err = dbkit.WithErr(result, err, "CreateActions").Err(); err != nil {
		return storeError("CreateActions", err)
	}
	return nil
}

// deleteActions removes every action of the given role permissions.
func deleteActions(ctx context.Context, tx dbkit.IDB, rolePermissionIDs []int64) error {
	if len(rolePermissionIDs) == 0 {
		return nil
	}
	result, err := tx.NewDelete().Model((*RoleAction)(nil)).
		Where("role_permission_id IN (?)", bun.In(rolePermissionIDs)).
		Exec(ctx)
	if err = dbkit.WithErr(result, err, "DeleteActions").Err(); err != nil {
		return storeError("DeleteActions", err)
	}
	return nil
}

// bumpPermissionsVersion marks a structural change to a role.
func bumpPermissionsVersion(ctx context.Context, tx dbkit.IDB, roleID int64) error {
	result, err := tx.NewUpdate().Model((*Role)(nil)).
		Set("permissions_version = permissions_version + 1").
		Set("updated_at = current_timestamp").
		Where("id = ?", roleID).
		Exec(ctx)
	if err = dbkit.WithErr(result, err, "BumpPermissionsVersion").Err(); err != nil {
		return storeError("BumpPermissionsVersion", err)
	}
	return nil
}

// roleUserIDs returns the users currently holding roleID.
func roleUserIDs(ctx context.Context, db dbkit.IDB, roleID int64) ([]int64, error) {
	var ids []int64
	err := db.NewSelect().Model((*User)(nil)).
		Column("id").
		Where("role_id = ?", roleID).
		Order("id ASC").
		Scan(ctx, &ids)
	if err = dbkit.WithErr1(err, "GetRoleUsers").Err(); err != nil && !dbkit.IsNotFound(err) {
		return nil, storeError("GetRoleUsers", err)
	}
	return ids, nil
}

// classifyStoreError maps store failures onto the package taxonomy.
func classifyStoreError(op string, err error) error {
	switch {
	case dbkit.IsDuplicate(err):
		return NewError(ErrConflict, op).WithCause(err)
	case dbkit.IsNotFound(err):
		return NewError(ErrNotFound, op).WithCause(err)
	default:
		return storeError(op, err)
	}
}

// recordAudit writes entry through the audit sink after filling in the performer
// and request metadata from ctx. Failures are logged and swallowed.
func (s *Service) recordAudit(ctx context.Context, entry *AuditEntry) {
	ac := GetAuditContext(ctx)
	if entry.PerformedByID == 0 {
		entry.PerformedByID = ac.ActorID
		entry.PerformedByName = ac.ActorName
	}
	entry.IPAddress = ac.IPAddress
	entry.UserAgent = ac.UserAgent
	entry.RequestID = ac.RequestID

	if err := s.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.WarnContext(ctx, "audit record failed",
			slog.Any("error", err),
			"action_type", entry.ActionType,
			"entity_type", entry.EntityType,
			"request_id", entry.RequestID,
		)
	}
}

// invalidateSnapshots drops cached snapshots. Failures are logged and swallowed;
// the cache TTL bounds how long a stale snapshot can survive.
func (s *Service) invalidateSnapshots(ctx context.Context, userIDs ...int64) {
	s.invalidations.Add(1)
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.Delete(context.WithoutCancel(ctx), userIDs...); err != nil {
		s.logger.WarnContext(ctx, "snapshot invalidation failed", slog.Any("error", err), "users", len(userIDs))
	}
}

// invalidateRole drops the cached snapshots of every user holding roleID.
func (s *Service) invalidateRole(ctx context.Context, roleID int64) {
	s.invalidations.Add(1)
	if s.cache == nil {
		return
	}
	ids, err := roleUserIDs(ctx, s.db, roleID)
	if err != nil {
		s.logger.WarnContext(ctx, "snapshot invalidation failed", slog.Any("error", err), "role_id", roleID)
		return
	}
	s.invalidateSnapshots(ctx, ids...)
}

func stringPtr(v string) *string {
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}
