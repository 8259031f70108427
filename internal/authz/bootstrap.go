package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pharmadist/pharmadist/internal/shared"
	"github.com/pharmadist/pharmadist/internal/workflow"
)

// AssignmentWriter persists role/permission assignments idempotently.
type AssignmentWriter interface {
	ApplyAssignments(ctx context.Context, assignments []Assignment) (int, error)
	EnsureUserRole(ctx context.Context, email, role string) error
}

// BootstrapReport summarises one bootstrap run.
type BootstrapReport struct {
	Requested int
	Inserted  int
}

// DefaultAssignments is the declarative (permission, stage, role) table
// applied at deployment. Approvers hold their approval permission only inside
// the stage they approve.
func DefaultAssignments() []Assignment {
	var out []Assignment
	for _, perm := range shared.AllPermissions() {
		out = append(out, Assignment{Permission: perm, Role: RoleAdmin})
	}
	global := func(role string, perms ...string) {
		for _, p := range perms {
			out = append(out, Assignment{Permission: p, Role: role})
		}
	}
	staged := func(role, stage string, perms ...string) {
		for _, p := range perms {
			out = append(out, Assignment{Permission: p, Stage: stage, Role: role})
		}
	}
	global(RolePurchaser, shared.PermPOView, shared.PermPOCreate, shared.PermPOSubmit)
	global(RoleApproverL1, shared.PermPOView)
	staged(RoleApproverL1, "PENDING_APPROVAL_L1", shared.PermPOApproveL1)
	global(RoleApproverL2, shared.PermPOView)
	staged(RoleApproverL2, "PENDING_APPROVAL_L2", shared.PermPOApproveL2)
	global(RoleProcurementLead, shared.PermPOView, shared.PermPOOrder, shared.PermPOReceive)
	global(RoleQCInspector, shared.PermPOView, shared.PermQCView, shared.PermQCInspect)
	global(RoleQCManager, shared.PermPOView, shared.PermQCView, shared.PermQCCreate, shared.PermQCInspect, shared.PermQCApprove, shared.PermQCManage)
	global(RoleWarehouseManager, shared.PermPOView, shared.PermQCView,
		shared.PermWarehouseView, shared.PermWarehouseCreate, shared.PermWarehouseUpdate, shared.PermWarehouseApprove,
		shared.PermInventoryView, shared.PermInventoryAdjust, shared.PermInventoryReserve, shared.PermInventoryTransfer)
	global(RolePharmacist, shared.PermInventoryView, shared.PermInventoryReserve, shared.PermInventoryUtilize)
	return out
}

// NormalizeAssignments validates assignments against the workflow graph,
// normalises casing and removes duplicates. The result is sorted so repeated
// runs apply identical statements.
func NormalizeAssignments(g *workflow.Graph, assignments []Assignment) ([]Assignment, error) {
	seen := make(map[Assignment]struct{}, len(assignments))
	out := make([]Assignment, 0, len(assignments))
	for i, a := range assignments {
		a.Permission = strings.ToLower(strings.TrimSpace(a.Permission))
		a.Role = strings.ToLower(strings.TrimSpace(a.Role))
		a.Stage = strings.ToUpper(strings.TrimSpace(a.Stage))
		if a.Permission == "" || a.Role == "" {
			return nil, fmt.Errorf("%w: assignment %d needs permission and role", shared.ErrValidation, i+1)
		}
		if a.Stage != "" {
			if g == nil {
				return nil, fmt.Errorf("%w: stage-scoped assignment %d without workflow graph", shared.ErrValidation, i+1)
			}
			if _, ok := g.Stage(a.Stage); !ok {
				return nil, fmt.Errorf("%w: assignment %d references unknown stage %s", shared.ErrValidation, i+1, a.Stage)
			}
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Permission < out[j].Permission
	})
	return out, nil
}

// Bootstrap applies the assignment table and optionally grants the admin role
// to adminEmail. Running it again is a no-op apart from the cache bump.
func (s *Service) Bootstrap(ctx context.Context, g *workflow.Graph, assignments []Assignment, adminEmail string) (BootstrapReport, error) {
	if s.writer == nil {
		return BootstrapReport{}, fmt.Errorf("authz: assignment writer not configured")
	}
	normalized, err := NormalizeAssignments(g, assignments)
	if err != nil {
		return BootstrapReport{}, err
	}
	inserted, err := s.writer.ApplyAssignments(ctx, normalized)
	if err != nil {
		return BootstrapReport{}, fmt.Errorf("authz: apply assignments: %w", err)
	}
	if email := strings.TrimSpace(adminEmail); email != "" {
		if err := s.writer.EnsureUserRole(ctx, email, RoleAdmin); err != nil {
			return BootstrapReport{}, fmt.Errorf("authz: ensure admin: %w", err)
		}
	}
	if err := s.Invalidate(ctx); err != nil {
		return BootstrapReport{}, err
	}
	return BootstrapReport{Requested: len(normalized), Inserted: inserted}, nil
}
