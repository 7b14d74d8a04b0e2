package accessctl

import (
	"context"
	"errors"
	"fmt"
)

// checkScope applies the permission's resource scope. It returns whether the
// scope holds and, when it does not, a short explanation. OWN and DEPARTMENT
// deny when the context names no resource owner.
func (e *Engine) checkScope(ctx context.Context, user *User, perm *Permission, pc *PermissionContext) (bool, string, error) {
	switch perm.EffectiveScope() {
	case ScopeGlobal:
		return true, "", nil

	case ScopeOrganization:
		if pc.ResourceOwnerID == "" || user.OrganizationID == "" {
			return true, "", nil
		}
		owner, err := e.repo.GetUserByID(ctx, pc.ResourceOwnerID)
		if errors.Is(err, ErrNotFound) {
			return true, "", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("get resource owner: %w", err)
		}
		if owner.OrganizationID != "" && owner.OrganizationID != user.OrganizationID {
			return false, "resource belongs to another organization", nil
		}
		return true, "", nil

	case ScopeDepartment:
		if pc.ResourceOwnerID == "" {
			return false, "resource owner unknown", nil
		}
		owner, err := e.repo.GetUserByID(ctx, pc.ResourceOwnerID)
		if errors.Is(err, ErrNotFound) {
			return false, "resource owner not found", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("get resource owner: %w", err)
		}
		if user.Department == "" || owner.Department != user.Department {
			return false, "resource belongs to another department", nil
		}
		return true, "", nil

	case ScopeOwn:
		if pc.ResourceOwnerID == "" {
			return false, "resource owner unknown", nil
		}
		if pc.ResourceOwnerID != user.ID {
			return false, "resource owned by another user", nil
		}
		return true, "", nil
	}
	return false, "unknown scope " + string(perm.Scope), nil
}
