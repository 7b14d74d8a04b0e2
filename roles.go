package accessctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxRoleDepth bounds the parent chain walked at evaluation time.
const MaxRoleDepth = 16

// roleChain returns the role followed by its ancestors, nearest first.
func (e *Engine) roleChain(ctx context.Context, name string) ([]*Role, error) {
	var chain []*Role
	visited := make(map[string]bool)
	current := name
	for current != "" {
		if visited[current] {
			return nil, fmt.Errorf("%w: %s revisited from %s", ErrRoleCycle, current, name)
		}
		if len(chain) >= MaxRoleDepth {
			return nil, fmt.Errorf("%w: %s exceeds depth %d", ErrRoleCycle, name, MaxRoleDepth)
		}
		visited[current] = true
		role, err := e.memo.roleByName(ctx, current)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("parent role %s of %s: %w", current, chain[len(chain)-1].Name, err)
			}
			return nil, err
		}
		chain = append(chain, role)
		current = role.Parent
	}
	return chain, nil
}

// rolePermissionNames returns the permission names a role holds, directly or,
// with inherited set, through its ancestors.
func (e *Engine) rolePermissionNames(ctx context.Context, roleName string, inherited bool) ([]string, error) {
	chain, err := e.roleChain(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if !inherited {
		chain = chain[:1]
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range chain {
		for _, p := range r.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// RolePermissions is the exported form of the transitive permission set
// resolution, mainly for tooling.
func (e *Engine) RolePermissions(ctx context.Context, roleName string, inherited bool) ([]string, error) {
	return e.rolePermissionNames(ctx, roleName, inherited)
}

func (e *Engine) checkRole(ctx context.Context, user *User, perm *Permission, pc *PermissionContext, now time.Time) (*Decision, error) {
	if user.Role == "" {
		return nil, nil
	}
	chain, err := e.roleChain(ctx, user.Role)
	switch {
	case errors.Is(err, ErrNotFound):
		return &Decision{Reason: "role not found: " + user.Role, MatchedBy: MatchedRole, Failure: FailureMisconfigured}, nil
	case errors.Is(err, ErrRoleCycle):
		e.logger.Error("invalid role hierarchy", "role", user.Role, "error", err.Error())
		return &Decision{Reason: "invalid role hierarchy: " + user.Role, MatchedBy: MatchedRole, Failure: FailureMisconfigured}, nil
	case err != nil:
		return nil, fmt.Errorf("get role %s: %w", user.Role, err)
	}

	var holder *Role
	for _, r := range chain {
		if r.HasOwn(perm.Name) {
			holder = r
			break
		}
	}
	if holder == nil {
		return &Decision{
			Reason:    fmt.Sprintf("permission %s not granted to role %s", perm.Name, user.Role),
			MatchedBy: MatchedRole,
		}, nil
	}

	ok, why, err := e.checkScope(ctx, user, perm, pc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Decision{
			Reason:    fmt.Sprintf("resource scope %s not satisfied for role %s: %s", perm.EffectiveScope(), user.Role, why),
			MatchedBy: MatchedRole,
		}, nil
	}

	res := perm.Conditions.evaluate(pc, conditionOptions{now: now, strictIP: e.strictIP})
	e.warnOpenIP(res, user.ID, perm.Name)
	if !res.Passed() {
		return &Decision{
			Reason:              fmt.Sprintf("conditions not satisfied for role %s: %s", user.Role, strings.Join(res.Failed, ",")),
			MatchedBy:           MatchedRole,
			SatisfiedConditions: res.Satisfied,
			FailedConditions:    res.Failed,
		}, nil
	}

	reason := "granted by role " + user.Role
	if holder.Name != user.Role {
		reason += " (inherited from " + holder.Name + ")"
	}
	return &Decision{
		Granted:             true,
		Reason:              reason,
		MatchedBy:           MatchedRole,
		SatisfiedConditions: res.Satisfied,
	}, nil
}

// CheckRoleHierarchy verifies that every parent reference resolves and that
// no chain loops or exceeds MaxRoleDepth. Stores call it before accepting a
// role write.
func CheckRoleHierarchy(roles []*Role) error {
	byName := make(map[string]*Role, len(roles))
	for _, r := range roles {
		if r == nil || r.Name == "" {
			return errors.New("role name is required")
		}
		byName[r.Name] = r
	}
	for _, r := range roles {
		visited := map[string]bool{r.Name: true}
		depth := 1
		for parent := r.Parent; parent != ""; {
			if visited[parent] {
				return fmt.Errorf("%w: %s -> %s", ErrRoleCycle, r.Name, parent)
			}
			visited[parent] = true
			depth++
			if depth > MaxRoleDepth {
				return fmt.Errorf("%w: %s exceeds depth %d", ErrRoleCycle, r.Name, MaxRoleDepth)
			}
			p, ok := byName[parent]
			if !ok {
				return fmt.Errorf("role %s: parent %s: %w", r.Name, parent, ErrNotFound)
			}
			parent = p.Parent
		}
	}
	return nil
}
