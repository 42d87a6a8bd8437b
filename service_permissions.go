package permkit

import (
	"context"
	"strings"

	"github.com/fernandezvara/dbkit"
)

// ============================================================================
// AUTHORIZATION
// ============================================================================

// Authorize decides whether actor may perform action on module.
//
// Superusers are allowed without any lookup. Otherwise the actor's snapshot
// grants are evaluated, or the role is read from the store when the actor has no
// snapshot or the service uses live lookups. Module names and actions match
// case-insensitively.
//
// A Deny is a normal result with a nil error. A non-nil error means no decision
// could be made (ErrEvaluation when the store failed, ErrUnauthenticated for a
// missing actor or a stale snapshot, ErrValidation for bad input) and must never
// be treated as Allow.
//
// Example:
//
//	decision, err := service.Authorize(ctx, actor, "Blog", permkit.ActionDelete)
//	if err != nil {
//	    return err
//	}
//	if !decision.Allowed {
//	    return decision.Err()
//	}
func (s *Service) Authorize(ctx context.Context, actor Actor, module string, action Action) (Decision, error) {
	if !actorPresent(actor) {
		return Decision{}, NewError(ErrUnauthenticated, "no actor")
	}
	parsed, err := ParseAction(string(action))
	if err != nil {
		return Decision{}, err
	}
	if s.policy.IsSuperuser(actor) {
		return Allow(), nil
	}
	module, err = s.resolveModule(module, parsed)
	if err != nil {
		return Decision{}, err
	}

	snap := actor.Snapshot
	if snap != nil && !s.liveLookups {
		if !snap.HasRole() {
			return Deny(ReasonNoRole), nil
		}
		if s.versionCheck {
			decision, err := s.checkSnapshotVersion(ctx, snap)
			if err != nil || !decision.Allowed {
				return decision, err
			}
		}
		return Evaluate(snap.Permissions, module, parsed), nil
	}

	if actor.RoleName == "" {
		return Deny(ReasonNoRole), nil
	}
	role, err := loadRole(ctx, s.db, "Authorize", "r.name = ?", actor.RoleName)
	if err != nil {
		if IsNotFound(err) {
			return Deny(ReasonRoleNotFound), nil
		}
		return Decision{}, NewError(ErrEvaluation, "role lookup failed").
			WithRole(actor.RoleName).
			WithModule(module).
			WithAction(parsed).
			WithCause(err)
	}
	if s.versionCheck && snap != nil && snap.PermissionsVersion != role.PermissionsVersion {
		return Decision{}, NewError(ErrUnauthenticated, "stale credential").WithUser(actor.UserID)
	}
	if role.IsSuperuser {
		return Allow(), nil
	}
	return Evaluate(role.Grants(), module, parsed), nil
}

// Require is Authorize for callers that only need an error: nil when allowed,
// an ErrForbidden error on Deny, or the evaluation error.
func (s *Service) Require(ctx context.Context, actor Actor, module string, action Action) error {
	decision, err := s.Authorize(ctx, actor, module, action)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return NewError(ErrForbidden, decision.Reason).
			WithModule(module).
			WithAction(action).
			WithUser(actor.UserID)
	}
	return nil
}

// AuthorizeUser resolves the user's snapshot and authorizes it. A user that no
// longer exists yields an ErrNotFound error.
func (s *Service) AuthorizeUser(ctx context.Context, userID int64, module string, action Action) (Decision, error) {
	snap, err := s.ResolveActorSnapshot(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return s.Authorize(ctx, snap.Actor(), module, action)
}

// checkSnapshotVersion compares the snapshot's permissions version with the stored role.
func (s *Service) checkSnapshotVersion(ctx context.Context, snap *ActorSnapshot) (Decision, error) {
	role := new(Role)
	q := s.db.NewSelect().Model(role).Column("id", "name", "permissions_version")
	if snap.RoleID > 0 {
		q = q.Where("r.id = ?", snap.RoleID)
	} else {
		q = q.Where("r.name = ?", snap.RoleName)
	}
	err := dbkit.WithErr1(q.Limit(1).Scan(ctx), "CheckSnapshotVersion").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return Deny(ReasonRoleNotFound), nil
		}
		return Decision{}, NewError(ErrEvaluation, "role lookup failed").WithRole(snap.RoleName).WithCause(err)
	}
	if role.PermissionsVersion != snap.PermissionsVersion || role.Name != snap.RoleName {
		return Decision{}, NewError(ErrUnauthenticated, "stale credential").WithUser(snap.UserID)
	}
	return Allow(), nil
}

// resolveModule trims module and, when a registry is configured, returns its
// registered spelling after checking the module supports action.
func (s *Service) resolveModule(module string, action Action) (string, error) {
	module = strings.TrimSpace(module)
	if module == "" {
		return "", NewError(ErrValidation, "module is required")
	}
	if s.registry == nil {
		return module, nil
	}
	if err := s.registry.ValidateAction(module, action); err != nil {
		return "", err
	}
	canonical, _ := s.registry.Canonical(module)
	return canonical, nil
}

func actorPresent(a Actor) bool {
	return a.UserID != 0 || a.RoleName != "" || a.Superuser || a.Snapshot != nil
}
