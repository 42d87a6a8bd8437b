package permkit

// Deny reasons. They are meant for developer logs, not necessarily for end clients.
const (
	ReasonRoleNotFound  = "role not found"
	ReasonNoPermission  = "no permission for this module"
	ReasonActionBlocked = "action not allowed"
	ReasonNoRole        = "actor has no role"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Err returns nil for an allowing decision and an ErrForbidden error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return NewError(ErrForbidden, d.Reason)
}

// SuperuserPolicy names roles that bypass the evaluator. Roles carrying the
// superuser flag bypass it as well.
type SuperuserPolicy struct {
	RoleNames []string
}

// DefaultSuperuserPolicy treats the "Admin" role as superuser.
func DefaultSuperuserPolicy() SuperuserPolicy {
	return SuperuserPolicy{RoleNames: []string{"Admin"}}
}

// IsSuperuser reports whether the actor passes every check.
func (p SuperuserPolicy) IsSuperuser(actor Actor) bool {
	if actor.Superuser {
		return true
	}
	return p.matches(actor.RoleName)
}

func (p SuperuserPolicy) matches(roleName string) bool {
	if roleName == "" {
		return false
	}
	for _, name := range p.RoleNames {
		if name == roleName {
			return true
		}
	}
	return false
}

// Evaluate decides whether grants allow action on module.
// Module names and actions are compared case-insensitively.
//
// Example:
//
//	grants := []Grant{{Module: "Blog", AllowedActions: []Action{ActionRead}}}
//	Evaluate(grants, "blog", ActionRead)   // Allow
//	Evaluate(grants, "Blog", ActionDelete) // Deny("action not allowed")
//	Evaluate(grants, "Users", ActionRead)  // Deny("no permission for this module")
func Evaluate(grants []Grant, module string, action Action) Decision {
	grant, ok := FindGrant(grants, module)
	if !ok {
		return Deny(ReasonNoPermission)
	}
	if !grant.Allows(action) {
		return Deny(ReasonActionBlocked)
	}
	return Allow()
}

// Checker answers permission questions for one actor from its snapshot.
// It never touches the store and is safe to keep in a request context.
type Checker struct {
	actor  Actor
	policy SuperuserPolicy
}

// NewChecker creates a Checker for actor.
func NewChecker(actor Actor, policy SuperuserPolicy) *Checker {
	return &Checker{actor: actor, policy: policy}
}

// Actor returns the actor this checker is for.
func (c *Checker) Actor() Actor {
	return c.actor
}

// IsSuperuser reports whether the actor bypasses the evaluator.
func (c *Checker) IsSuperuser() bool {
	return c.policy.IsSuperuser(c.actor)
}

// Decide evaluates module and action against the actor's snapshot.
func (c *Checker) Decide(module string, action Action) Decision {
	if c.IsSuperuser() {
		return Allow()
	}
	snap := c.actor.Snapshot
	if snap == nil || !snap.HasRole() {
		return Deny(ReasonNoRole)
	}
	return Evaluate(snap.Permissions, module, action)
}

// Can reports whether the actor may perform action on module.
//
// Example:
//
//	if checker.Can("Blog", permkit.ActionUpdate) {
//	    // show the edit button
//	}
func (c *Checker) Can(module string, action Action) bool {
	return c.Decide(module, action).Allowed
}

// CanAny reports whether the actor may perform at least one of actions on module.
func (c *Checker) CanAny(module string, actions ...Action) bool {
	for _, a := range actions {
		if c.Can(module, a) {
			return true
		}
	}
	return false
}

// CanAll reports whether the actor may perform every one of actions on module.
func (c *Checker) CanAll(module string, actions ...Action) bool {
	for _, a := range actions {
		if !c.Can(module, a) {
			return false
		}
	}
	return true
}

// Modules returns the module names the actor holds any grant on.
// Superusers get nil since they are not limited to stored grants.
func (c *Checker) Modules() []string {
	if c.IsSuperuser() || c.actor.Snapshot == nil {
		return nil
	}
	out := make([]string, 0, len(c.actor.Snapshot.Permissions))
	for _, g := range c.actor.Snapshot.Permissions {
		if len(g.AllowedActions) > 0 {
			out = append(out, g.Module)
		}
	}
	return out
}

// Actions returns the actions the actor holds on module, in canonical order.
func (c *Checker) Actions(module string) []Action {
	if c.IsSuperuser() {
		return AllActions()
	}
	if c.actor.Snapshot == nil {
		return nil
	}
	grant, ok := FindGrant(c.actor.Snapshot.Permissions, module)
	if !ok {
		return nil
	}
	set := NewActionSet()
	for _, a := range grant.AllowedActions {
		if parsed, err := ParseAction(string(a)); err == nil {
			set.Add(parsed)
		}
	}
	return set.Sorted()
}
