package permkit

import (
	"context"

	"github.com/fernandezvara/dbkit"
)

// Database defines the database operations interface for dependency injection
type Database interface {
	dbkit.IDB
}

// Authorizer decides whether an actor may perform an action on a module.
// A non-nil error means no decision could be made and must never be treated as Allow.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, module string, action Action) (Decision, error)
}

// CredentialVerifier turns a raw transport credential into the actor snapshot it carries.
// Implementations return an ErrUnauthenticated error for missing, invalid or expired credentials.
type CredentialVerifier interface {
	Verify(ctx context.Context, raw string) (*ActorSnapshot, error)
}

// AuditSink receives audit entries. Errors are logged by the service and never
// propagated to the caller of the triggering mutation.
type AuditSink interface {
	Record(ctx context.Context, entry *AuditEntry) error
}

// SnapshotCache stores resolved actor snapshots. Get returns (nil, nil) on a miss.
type SnapshotCache interface {
	Get(ctx context.Context, userID int64) (*ActorSnapshot, error)
	Set(ctx context.Context, snapshot *ActorSnapshot) error
	Delete(ctx context.Context, userIDs ...int64) error
}

// RoleManager defines role mutations and reads.
type RoleManager interface {
	CreateRole(ctx context.Context, name string, superuser bool) (*Role, error)
	GrantPermissions(ctx context.Context, roleName string, assignments []PermissionAssignment) (*Role, error)
	SetPermissions(ctx context.Context, roleID int64, roleName string, assignments []PermissionAssignment) (*Role, error)
	DeleteRole(ctx context.Context, roleName string, policy DeletePolicy) error
	GetRole(ctx context.Context, roleID int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context, filter RoleFilter) ([]*Role, int, error)
}

// PermissionCatalog defines permission (module) catalog operations.
type PermissionCatalog interface {
	CreatePermission(ctx context.Context, name string, description *string) (*Permission, error)
	UpdatePermission(ctx context.Context, id int64, description *string) (*Permission, error)
	DeletePermission(ctx context.Context, id int64) error
	GetPermission(ctx context.Context, id int64) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)
}

// UserManager defines user account operations.
type UserManager interface {
	CreateUser(ctx context.Context, in NewUser) (*User, error)
	GetUser(ctx context.Context, userID int64) (*User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]*User, int, error)
	UpdateUser(ctx context.Context, userID int64, in UserUpdate) (*User, error)
	ChangeUserRole(ctx context.Context, userID, roleID int64) (*User, error)
	DeleteUser(ctx context.Context, userID int64) error
	Authenticate(ctx context.Context, email, password string) (*ActorSnapshot, error)
	ResolveActorSnapshot(ctx context.Context, userID int64) (*ActorSnapshot, error)
}

// AuditReader defines audit log queries.
type AuditReader interface {
	GetAuditLog(ctx context.Context, filter AuditLogFilter) ([]AuditRecord, int, error)
}

// TransactionManager defines the transaction management interface
type TransactionManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, tx dbkit.IDB) error) error
	TransactionWithOptions(ctx context.Context, opts dbkit.TxOptions, fn func(ctx context.Context, tx dbkit.IDB) error) error
	ReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context, tx dbkit.IDB) error) error
}

// MigrationManager defines the migration management interface
type MigrationManager interface {
	Migrations() []dbkit.Migration
	RunMigrations(ctx context.Context) ([]string, error)
}

// HealthMonitor defines the health monitoring interface
type HealthMonitor interface {
	Health(ctx context.Context) dbkit.HealthStatus
	IsHealthy(ctx context.Context) bool
	Ping(ctx context.Context) error
	GetPoolStats() dbkit.PoolStats
}

// PoolManager defines the connection pool management interface
type PoolManager interface {
	ConfigureConnectionPool(config PoolConfig) error
	ResetConnectionPool() error
}

// TransactionMonitor defines the transaction monitoring interface
type TransactionMonitor interface {
	GetTransactionMetrics() TransactionMetrics
	ResetTransactionMetrics()
	IsTransactionHealthy() bool
}

// Compile-time checks.
var (
	_ Authorizer         = (*Service)(nil)
	_ RoleManager        = (*Service)(nil)
	_ PermissionCatalog  = (*Service)(nil)
	_ UserManager        = (*Service)(nil)
	_ AuditReader        = (*Service)(nil)
	_ TransactionManager = (*Service)(nil)
	_ TransactionMonitor = (*Service)(nil)
	_ MigrationManager   = (*MigrationService)(nil)
	_ HealthMonitor      = (*HealthService)(nil)
	_ PoolManager        = (*PoolService)(nil)
)
