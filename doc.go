// Package permkit provides role-based access control for CRUD admin applications.
//
// PermKit models a small, strict authorization graph: named modules (permissions),
// roles, the join between a role and a module (a role permission), and the set of
// actions that join allows. It decides whether an authenticated actor may perform an
// action on a module, and keeps the graph consistent as roles are created, edited and
// deleted.
//
// # Core Concepts
//
// Module: a protected resource category such as "Users", "Roles", "Blog" or "Reports".
// Stored as Permission.Name and matched case-insensitively.
//
// Action: one of CREATE, READ, UPDATE, DELETE.
//
// Role: a named bundle of module→actions grants. A role with no grants denies everything.
//
// Actor: an authenticated user holding exactly one role. Its resolved form, the
// ActorSnapshot, is what gets embedded into issued credentials.
//
// Superuser: roles flagged as superuser, or named by the SuperuserPolicy ("Admin" by
// default), pass every check without looking at their stored grants.
//
// # Basic Usage
//
//	db, _ := dbkit.New(dbkit.Config{URL: "postgres://..."})
//	service := permkit.NewService(db,
//	    permkit.WithModuleRegistry(permkit.DefaultRegistry()),
//	)
//	if _, err := db.Migrate(ctx, service.Migrations()); err != nil {
//	    // ...
//	}
//
//	blog, _ := service.CreatePermission(ctx, "Blog", nil)
//	role, _ := service.GrantPermissions(ctx, "Editor", []permkit.PermissionAssignment{
//	    {PermissionID: blog.ID, AllowedActions: []permkit.Action{permkit.ActionRead, permkit.ActionUpdate}},
//	})
//
//	snapshot, _ := service.ResolveActorSnapshot(ctx, userID)
//	decision, err := service.Authorize(ctx, snapshot.Actor(), "blog", permkit.ActionRead)
//	if err != nil {
//	    // store unavailable: never treat as allowed
//	}
//	if !decision.Allowed {
//	    // respond 403
//	}
//
// # Grant vs Set
//
// GrantPermissions is additive: actions already on a role permission are kept and missing
// ones are added. SetPermissions replaces the whole module→actions map of a role: modules
// missing from the input are removed, present ones get exactly the input actions. Both run
// in a single transaction.
//
// # Middleware Usage
//
//	mw := permkit.NewMiddleware(service, issuer)
//	router.With(mw.Authenticate(), mw.RequirePermission("Blog", permkit.ActionDelete)).
//	    Delete("/blog/{id}", deleteBlogHandler)
//
// # Audit Log
//
// Mutations write a best-effort audit record (who, what, which entity, description,
// request metadata). A failing audit write is logged and never fails the mutation.
package permkit
