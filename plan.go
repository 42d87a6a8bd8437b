package permkit

import (
	"fmt"
	"slices"
)

// PermissionAssignment is one module grant in a grant or set request.
// Action tokens are matched case-insensitively and duplicates collapse.
type PermissionAssignment struct {
	PermissionID   int64    `json:"permissionId" validate:"required,gt=0"`
	AllowedActions []Action `json:"allowedActions" validate:"required,min=1"`
}

// assignmentRequest wraps a list of assignments for struct validation.
type assignmentRequest struct {
	Assignments []PermissionAssignment `validate:"dive"`
}

// assignment is a validated PermissionAssignment.
type assignment struct {
	PermissionID int64
	Actions      ActionSet
}

// normalizeAssignments validates assignments and canonicalizes their actions.
// Repeated permission IDs are merged into one assignment holding the union of
// their actions, keeping the position of the first occurrence.
func normalizeAssignments(in []PermissionAssignment) ([]assignment, error) {
	if err := validateInput(assignmentRequest{Assignments: in}); err != nil {
		return nil, err
	}

	out := make([]assignment, 0, len(in))
	index := make(map[int64]int, len(in))
	for _, a := range in {
		set := NewActionSet()
		for _, raw := range a.AllowedActions {
			action, err := ParseAction(string(raw))
			if err != nil {
				return nil, err
			}
			set.Add(action)
		}
		if i, ok := index[a.PermissionID]; ok {
			out[i].Actions.Add(set.Sorted()...)
			continue
		}
		index[a.PermissionID] = len(out)
		out = append(out, assignment{PermissionID: a.PermissionID, Actions: set})
	}
	return out, nil
}

func permissionIDs(assignments []assignment) []int64 {
	ids := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.PermissionID)
	}
	return ids
}

// actionChange targets an existing role permission.
type actionChange struct {
	RolePermissionID int64
	Actions          []Action
}

// grantPlan is the additive diff applied by GrantPermissions.
type grantPlan struct {
	create []assignment   // role permissions to insert
	extend []actionChange // actions to add to existing role permissions
}

func (p grantPlan) empty() bool {
	return len(p.create) == 0 && len(p.extend) == 0
}

// planGrant computes which role permissions to create and which actions to add
// to existing ones. It never removes anything.
func planGrant(current []*RolePermission, incoming []assignment) grantPlan {
	existing := indexByPermission(current)

	var plan grantPlan
	for _, in := range incoming {
		rp, ok := existing[in.PermissionID]
		if !ok {
			plan.create = append(plan.create, in)
			continue
		}
		if missing := rp.ActionSet().Missing(in.Actions); len(missing) > 0 {
			plan.extend = append(plan.extend, actionChange{RolePermissionID: rp.ID, Actions: missing})
		}
	}
	return plan
}

// updatePlan is the replacing diff applied by SetPermissions.
type updatePlan struct {
	remove  []int64        // role permission IDs to delete with their actions
	replace []actionChange // role permissions whose action set is replaced wholesale
	create  []assignment   // role permissions to insert
}

func (p updatePlan) empty() bool {
	return len(p.remove) == 0 && len(p.replace) == 0 && len(p.create) == 0
}

// planRoleUpdate diffs the current role permissions against the incoming list
// by permission ID. Permissions only present currently are removed, permissions
// in both get the incoming action set when it differs, and new ones are created.
func planRoleUpdate(current []*RolePermission, incoming []assignment) updatePlan {
	wanted := make(map[int64]assignment, len(incoming))
	for _, in := range incoming {
		wanted[in.PermissionID] = in
	}
	existing := indexByPermission(current)

	var plan updatePlan
	for _, rp := range current {
		in, ok := wanted[rp.PermissionID]
		if !ok {
			plan.remove = append(plan.remove, rp.ID)
			continue
		}
		if !rp.ActionSet().Equal(in.Actions) {
			plan.replace = append(plan.replace, actionChange{RolePermissionID: rp.ID, Actions: in.Actions.Sorted()})
		}
	}
	for _, in := range incoming {
		if _, ok := existing[in.PermissionID]; !ok {
			plan.create = append(plan.create, in)
		}
	}
	slices.Sort(plan.remove)
	return plan
}

func indexByPermission(rps []*RolePermission) map[int64]*RolePermission {
	out := make(map[int64]*RolePermission, len(rps))
	for _, rp := range rps {
		out[rp.PermissionID] = rp
	}
	return out
}

// describeAssignments renders assignments for audit descriptions, e.g. "#3[READ UPDATE]".
func describeAssignments(assignments []assignment) string {
	out := ""
	for i, a := range assignments {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("#%d%v", a.PermissionID, a.Actions.Sorted())
	}
	return out
}
