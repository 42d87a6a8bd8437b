package permkit

import (
	"slices"
	"strings"
)

// Action is one of the four CRUD capabilities a role permission can allow.
type Action string

// The fixed action vocabulary.
const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// AllActions returns the action vocabulary in canonical order.
func AllActions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}
}

// ParseAction converts a token into an Action, ignoring case and surrounding spaces.
//
// Examples:
//
//	ParseAction("read")    // ActionRead, nil
//	ParseAction(" Delete") // ActionDelete, nil
//	ParseAction("PUBLISH") // "", ErrValidation
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionRead:
		return ActionRead, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	}
	return "", NewError(ErrValidation, "unknown action "+strings.TrimSpace(s))
}

// Valid reports whether a is part of the vocabulary (exact, canonical case).
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// String returns the canonical token.
func (a Action) String() string {
	return string(a)
}

// ActionSet is a set of actions. Use NewActionSet before calling Add.
type ActionSet map[Action]struct{}

// NewActionSet builds a set from actions, collapsing duplicates.
func NewActionSet(actions ...Action) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Has reports whether the set contains a.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Add inserts actions into the set.
func (s ActionSet) Add(actions ...Action) {
	for _, a := range actions {
		s[a] = struct{}{}
	}
}

// Missing returns the actions of other that are not in s, in canonical order.
func (s ActionSet) Missing(other ActionSet) []Action {
	var out []Action
	for _, a := range other.Sorted() {
		if !s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Equal reports whether both sets hold the same actions.
func (s ActionSet) Equal(other ActionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for a := range s {
		if !other.Has(a) {
			return false
		}
	}
	return true
}

// Sorted returns the actions in canonical CREATE, READ, UPDATE, DELETE order.
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for _, a := range AllActions() {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Grant is the flattened form of a role permission: a module name and its allowed actions.
// It is the unit embedded in snapshots and credentials.
type Grant struct {
	Module         string   `json:"name"`
	AllowedActions []Action `json:"allowedActions"`
}

// Allows reports whether the grant contains action, comparing case-insensitively.
func (g Grant) Allows(action Action) bool {
	return slices.ContainsFunc(g.AllowedActions, func(a Action) bool {
		return strings.EqualFold(string(a), string(action))
	})
}

// MatchesModule reports whether the grant is for module, comparing case-insensitively.
func (g Grant) MatchesModule(module string) bool {
	return strings.EqualFold(g.Module, strings.TrimSpace(module))
}

// FindGrant returns the first grant matching module.
func FindGrant(grants []Grant, module string) (Grant, bool) {
	for _, g := range grants {
		if g.MatchesModule(module) {
			return g, true
		}
	}
	return Grant{}, false
}
