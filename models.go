package permkit

import (
	"time"

	"github.com/uptrace/bun"
)

// Permission is a named module that roles can be granted actions on.
type Permission struct {
	bun.BaseModel `bun:"table:permissions,alias:p"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	Name        string    `bun:"name,notnull,unique" json:"name"`
	Description *string   `bun:"description" json:"description,omitempty"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// Role is a named bundle of module grants. Superuser roles pass every check.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:r"`

	ID          int64  `bun:"id,pk,autoincrement" json:"id"`
	Name        string `bun:"name,notnull,unique" json:"name"`
	IsSuperuser bool   `bun:"is_superuser,notnull,default:false" json:"isSuperuser"`

	// Incremented on every structural change; compared against credentials.
	PermissionsVersion int64 `bun:"permissions_version,notnull,default:1" json:"permissionsVersion"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`

	Permissions []*RolePermission `bun:"rel:has-many,join:id=role_id" json:"permissions,omitempty"`
	Users       []*User           `bun:"rel:has-many,join:id=role_id" json:"-"`
}

// RolePermission binds one role to one module with a set of actions.
// At most one row exists per (role, permission).
type RolePermission struct {
	bun.BaseModel `bun:"table:role_permissions,alias:rp"`

	ID           int64 `bun:"id,pk,autoincrement" json:"id"`
	RoleID       int64 `bun:"role_id,notnull" json:"roleId"`
	PermissionID int64 `bun:"permission_id,notnull" json:"permissionId"`

	Permission *Permission   `bun:"rel:belongs-to,join:permission_id=id" json:"permission,omitempty"`
	Actions    []*RoleAction `bun:"rel:has-many,join:id=role_permission_id" json:"actions,omitempty"`
}

// ActionSet returns the actions of the role permission as a set.
func (rp *RolePermission) ActionSet() ActionSet {
	set := NewActionSet()
	for _, a := range rp.Actions {
		set.Add(a.Type)
	}
	return set
}

// RoleAction is one allowed action, exclusively owned by a RolePermission.
type RoleAction struct {
	bun.BaseModel `bun:"table:actions,alias:a"`

	ID               int64  `bun:"id,pk,autoincrement" json:"id"`
	Type             Action `bun:"type,notnull" json:"type"`
	RolePermissionID int64  `bun:"role_permission_id,notnull" json:"rolePermissionId"`
}

// User is an actor. It holds at most one role; a nil RoleID means no permissions.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           int64     `bun:"id,pk,autoincrement" json:"id"`
	Name         string    `bun:"name,notnull" json:"name"`
	Email        string    `bun:"email,notnull,unique" json:"email"`
	PasswordHash string    `bun:"password_hash,notnull" json:"-"`
	RoleID       *int64    `bun:"role_id" json:"roleId,omitempty"`
	IsFirstLogin bool      `bun:"is_first_login,notnull,default:true" json:"isFirstLogin"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`

	Role *Role `bun:"rel:belongs-to,join:role_id=id" json:"role,omitempty"`
}

// AuditRecord is an append-only record of who did what to which entity.
type AuditRecord struct {
	bun.BaseModel `bun:"table:reports,alias:rep"`

	ID              int64     `bun:"id,pk,autoincrement" json:"id"`
	ActionType      string    `bun:"action_type,notnull" json:"actionType"`
	EntityType      string    `bun:"entity_type,notnull" json:"entityType"`
	EntityID        *int64    `bun:"entity_id" json:"entityId,omitempty"`
	PerformedByID   int64     `bun:"performed_by_id,notnull" json:"performedById"`
	PerformedByName string    `bun:"performed_by_name" json:"performedByName"`
	Description     string    `bun:"description,notnull" json:"description"`
	IPAddress       string    `bun:"ip_address" json:"ipAddress,omitempty"`
	UserAgent       string    `bun:"user_agent" json:"userAgent,omitempty"`
	RequestID       string    `bun:"request_id" json:"requestId,omitempty"`
	Date            time.Time `bun:"date,nullzero,notnull,default:current_timestamp" json:"date"`
}

// Grants flattens the role's loaded permissions into module grants.
// Role permissions whose Permission relation was not loaded are skipped.
func (r *Role) Grants() []Grant {
	grants := make([]Grant, 0, len(r.Permissions))
	for _, rp := range r.Permissions {
		if rp.Permission == nil {
			continue
		}
		grants = append(grants, Grant{
			Module:         rp.Permission.Name,
			AllowedActions: rp.ActionSet().Sorted(),
		})
	}
	return grants
}

// FindPermission returns the role permission for permissionID, or nil.
func (r *Role) FindPermission(permissionID int64) *RolePermission {
	for _, rp := range r.Permissions {
		if rp.PermissionID == permissionID {
			return rp
		}
	}
	return nil
}

// ActorSnapshot is the flattened identity of a user: who they are, which role they
// hold, and what that role allowed when the snapshot was taken.
type ActorSnapshot struct {
	UserID             int64   `json:"userId"`
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	RoleID             int64   `json:"roleId,omitempty"`
	RoleName           string  `json:"roleName"`
	Superuser          bool    `json:"superuser,omitempty"`
	PermissionsVersion int64   `json:"permissionsVersion,omitempty"`
	Permissions        []Grant `json:"permissions"`
}

// Actor returns the actor backed by this snapshot.
func (s *ActorSnapshot) Actor() Actor {
	return Actor{
		UserID:    s.UserID,
		Name:      s.Name,
		RoleName:  s.RoleName,
		Superuser: s.Superuser,
		Snapshot:  s,
	}
}

// HasRole reports whether the snapshot carries a role.
func (s *ActorSnapshot) HasRole() bool {
	return s.RoleName != ""
}

// Actor is the subject of an authorization check. When Snapshot is set its grants are
// used instead of a store lookup (unless the service runs with live lookups).
type Actor struct {
	UserID    int64
	Name      string
	RoleName  string
	Superuser bool
	Snapshot  *ActorSnapshot
}

// NewSnapshot builds a snapshot from a user and its loaded role.
// A nil role yields a snapshot without permissions.
func NewSnapshot(user *User, role *Role) *ActorSnapshot {
	snap := &ActorSnapshot{
		UserID:      user.ID,
		Name:        user.Name,
		Email:       user.Email,
		Permissions: []Grant{},
	}
	if role == nil {
		return snap
	}
	snap.RoleID = role.ID
	snap.RoleName = role.Name
	snap.Superuser = role.IsSuperuser
	snap.PermissionsVersion = role.PermissionsVersion
	snap.Permissions = role.Grants()
	return snap
}

// Audit action types.
const (
	AuditActionCreate = "CREATE"
	AuditActionUpdate = "UPDATE"
	AuditActionDelete = "DELETE"
)

// Audit entity types.
const (
	EntityRole       = "Role"
	EntityPermission = "Permission"
	EntityUser       = "User"
)

// AuditEntry is used to create new audit records.
type AuditEntry struct {
	ActionType      string
	EntityType      string
	EntityID        *int64
	PerformedByID   int64
	PerformedByName string
	Description     string
	IPAddress       string
	UserAgent       string
	RequestID       string
}

// ToModel converts an AuditEntry to an AuditRecord model.
func (e *AuditEntry) ToModel() *AuditRecord {
	return &AuditRecord{
		ActionType:      e.ActionType,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		PerformedByID:   e.PerformedByID,
		PerformedByName: e.PerformedByName,
		Description:     e.Description,
		IPAddress:       e.IPAddress,
		UserAgent:       e.UserAgent,
		RequestID:       e.RequestID,
		Date:            time.Now(),
	}
}
