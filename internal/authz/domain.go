package authz

import "strings"

// User is the subset of the user record authorization needs.
type User struct {
	ID       int64
	Email    string
	Name     string
	IsActive bool
}

// Grants is the resolved permission set of one user: permissions held
// everywhere plus permissions held only while a document sits in a stage.
type Grants struct {
	UserID      int64               `json:"user_id"`
	Active      bool                `json:"active"`
	Permissions []string            `json:"permissions"`
	Stages      map[string][]string `json:"stages"`
}

// HasPermission reports whether the user holds perm globally.
func (g Grants) HasPermission(perm string) bool {
	if !g.Active {
		return false
	}
	return containsFold(g.Permissions, perm)
}

// HasStagePermission reports whether the user holds perm for stage through a
// stage-scoped assignment.
func (g Grants) HasStagePermission(stage, perm string) bool {
	if !g.Active {
		return false
	}
	return containsFold(g.Stages[strings.ToUpper(stage)], perm)
}

// HasAny reports whether the user holds at least one of perms globally.
func (g Grants) HasAny(perms ...string) bool {
	for _, p := range perms {
		if g.HasPermission(p) {
			return true
		}
	}
	return false
}

func containsFold(values []string, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// Assignment grants Permission to Role, either globally (empty Stage) or only
// within the named workflow stage.
type Assignment struct {
	Permission string
	Stage      string
	Role       string
}

// Role names used by the default bootstrap table.
const (
	RoleAdmin            = "admin"
	RolePurchaser        = "purchaser"
	RoleApproverL1       = "approver_l1"
	RoleApproverL2       = "approver_l2"
	RoleProcurementLead  = "procurement_lead"
	RoleQCInspector      = "qc_inspector"
	RoleQCManager        = "qc_manager"
	RoleWarehouseManager = "warehouse_manager"
	RolePharmacist       = "pharmacist"
)
