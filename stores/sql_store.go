package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/squealx"
)

// SQLStore persists reference data, overrides and delegations through
// squealx. Writes are serialized in-process; reads go straight to the db.
type SQLStore struct {
	db *squealx.DB
	mu sync.Mutex
}

var _ accessctl.Seeder = (*SQLStore)(nil)

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const permissionColumns = `id, name, category, action, scope, active, conditions_json`

func (s *SQLStore) PutPermission(ctx context.Context, p *accessctl.Permission) error {
	if p.ID == "" {
		p.ID = p.Name
	}
	cond, err := encodeConditions(p.Conditions)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := `INSERT INTO permissions(id, name, category, action, scope, active, conditions_json) VALUES(:id, :name, :category, :action, :scope, :active, :conditions_json)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, action=excluded.action, scope=excluded.scope, active=excluded.active, conditions_json=excluded.conditions_json`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"category":        p.Category,
		"action":          p.Action,
		"scope":           string(p.EffectiveScope()),
		"active":          boolToInt(p.Active),
		"conditions_json": cond,
	})
	if err != nil {
		return fmt.Errorf("put permission %s: %w", p.Name, err)
	}
	return nil
}

func (s *SQLStore) GetPermissionByName(ctx context.Context, name string) (*accessctl.Permission, error) {
	return s.queryPermission(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = :key`, name)
}

func (s *SQLStore) GetPermissionByID(ctx context.Context, id string) (*accessctl.Permission, error) {
	return s.queryPermission(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = :key`, id)
}

func (s *SQLStore) queryPermission(ctx context.Context, q, key string) (*accessctl.Permission, error) {
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"key": key})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, notFound("permission", key)
	}
	return scanPermission(r)
}

func (s *SQLStore) ListPermissions(ctx context.Context) ([]*accessctl.Permission, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*accessctl.Permission
	for r.Next() {
		p, err := scanPermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(r rowScanner) (*accessctl.Permission, error) {
	var p accessctl.Permission
	var scope, cond string
	var activeInt int
	if err := r.Scan(&p.ID, &p.Name, &p.Category, &p.Action, &scope, &activeInt, &cond); err != nil {
		return nil, err
	}
	p.Scope = accessctl.Scope(scope)
	p.Active = activeInt != 0
	c, err := decodeConditions(cond)
	if err != nil {
		return nil, fmt.Errorf("permission %s: %w", p.Name, err)
	}
	p.Conditions = c
	return &p, nil
}

// PutRole upserts r after checking the stored hierarchy stays acyclic.
func (s *SQLStore) PutRole(ctx context.Context, r *accessctl.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.listRoles(ctx)
	if err != nil {
		return err
	}
	all := make([]*accessctl.Role, 0, len(existing)+1)
	for _, x := range existing {
		if x.Name != r.Name {
			all = append(all, x)
		}
	}
	if err := accessctl.CheckRoleHierarchy(append(all, r)); err != nil {
		return err
	}
	perms, _ := json.Marshal(r.Permissions)
	q := `INSERT INTO roles(id, name, description, parent, permissions_json) VALUES(:id, :name, :description, :parent, :permissions_json)
ON CONFLICT(name) DO UPDATE SET id=excluded.id, description=excluded.description, parent=excluded.parent, permissions_json=excluded.permissions_json`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"description":      r.Description,
		"parent":           r.Parent,
		"permissions_json": string(perms),
	})
	if err != nil {
		return fmt.Errorf("put role %s: %w", r.Name, err)
	}
	return nil
}

func (s *SQLStore) GetRoleByName(ctx context.Context, name string) (*accessctl.Role, error) {
	q := `SELECT id, name, description, parent, permissions_json FROM roles WHERE name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, notFound("role", name)
	}
	return scanRole(r)
}

func (s *SQLStore) listRoles(ctx context.Context) ([]*accessctl.Role, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT id, name, description, parent, permissions_json FROM roles`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*accessctl.Role
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func scanRole(r rowScanner) (*accessctl.Role, error) {
	var role accessctl.Role
	var permsJSON string
	if err := r.Scan(&role.ID, &role.Name, &role.Description, &role.Parent, &permsJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("role %s permissions: %w", role.Name, err)
	}
	return &role, nil
}

func (s *SQLStore) PutUser(ctx context.Context, u *accessctl.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := `INSERT INTO users(id, role, department, organization_id) VALUES(:id, :role, :department, :organization_id)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, department=excluded.department, organization_id=excluded.organization_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              u.ID,
		"role":            u.Role,
		"department":      u.Department,
		"organization_id": u.OrganizationID,
	})
	if err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*accessctl.User, error) {
	q := `SELECT id, role, department, organization_id FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, notFound("user", id)
	}
	var u accessctl.User
	if err := r.Scan(&u.ID, &u.Role, &u.Department, &u.OrganizationID); err != nil {
		return nil, err
	}
	return &u, nil
}

const overrideColumns = `id, user_id, permission_id, granted, granted_by, granted_at, expires_at, reason`

func (s *SQLStore) GetActiveOverride(ctx context.Context, userID, permissionID string, now time.Time) (*accessctl.Override, error) {
	q := `SELECT ` + overrideColumns + ` FROM user_overrides
WHERE user_id = :user_id AND permission_id = :permission_id AND is_current = 1 AND (expires_at IS NULL OR expires_at > :now)`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"user_id":       userID,
		"permission_id": permissionID,
		"now":           now.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, notFound("override", userID+"/"+permissionID)
	}
	return scanOverride(r)
}

func (s *SQLStore) GetOverridesFor(ctx context.Context, userID string) ([]*accessctl.Override, error) {
	q := `SELECT ` + overrideColumns + ` FROM user_overrides WHERE user_id = :user_id AND is_current = 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*accessctl.Override
	for r.Next() {
		o, err := scanOverride(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// UpsertOverride marks the current row for (user, permission) as history
// and inserts o as the new current row.
func (s *SQLStore) UpsertOverride(ctx context.Context, o *accessctl.Override) (*accessctl.Override, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.currentOverride(ctx, o.UserID, o.PermissionID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		_, err := s.db.NamedExecContext(ctx, `UPDATE user_overrides SET is_current = 0 WHERE id = :id`, map[string]any{"id": prev.ID})
		if err != nil {
			return nil, fmt.Errorf("retire override %s: %w", prev.ID, err)
		}
	}
	q := `INSERT INTO user_overrides(id, user_id, permission_id, granted, granted_by, granted_at, expires_at, reason, is_current)
VALUES(:id, :user_id, :permission_id, :granted, :granted_by, :granted_at, :expires_at, :reason, 1)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            o.ID,
		"user_id":       o.UserID,
		"permission_id": o.PermissionID,
		"granted":       boolToInt(o.Granted),
		"granted_by":    o.GrantedBy,
		"granted_at":    unixNanos(o.GrantedAt),
		"expires_at":    nullableNanos(o.ExpiresAt),
		"reason":        o.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("insert override: %w", err)
	}
	return prev, nil
}

func (s *SQLStore) currentOverride(ctx context.Context, userID, permissionID string) (*accessctl.Override, error) {
	q := `SELECT ` + overrideColumns + ` FROM user_overrides WHERE user_id = :user_id AND permission_id = :permission_id AND is_current = 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID, "permission_id": permissionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	return scanOverride(r)
}

func scanOverride(r rowScanner) (*accessctl.Override, error) {
	var o accessctl.Override
	var grantedInt int
	var grantedAtRaw, expiresRaw any
	if err := r.Scan(&o.ID, &o.UserID, &o.PermissionID, &grantedInt, &o.GrantedBy, &grantedAtRaw, &expiresRaw, &o.Reason); err != nil {
		return nil, err
	}
	o.Granted = grantedInt != 0
	var err error
	if o.GrantedAt, err = timeFromRaw(grantedAtRaw); err != nil {
		return nil, err
	}
	if o.ExpiresAt, err = optionalTimeFromRaw(expiresRaw); err != nil {
		return nil, err
	}
	return &o, nil
}

const delegationColumns = `id, delegator_id, delegate_id, permission_id, can_redelegate, valid_from, valid_until, conditions_json, usage_count, active, created_at`

func (s *SQLStore) GetActiveDelegation(ctx context.Context, delegateID, permissionID string, now time.Time) (*accessctl.Delegation, error) {
	q := `SELECT ` + delegationColumns + ` FROM delegations
WHERE delegate_id = :delegate_id AND permission_id = :permission_id AND active = 1
AND valid_from <= :now AND (valid_until IS NULL OR valid_until > :now)
ORDER BY valid_from DESC LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"delegate_id":   delegateID,
		"permission_id": permissionID,
		"now":           now.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, notFound("delegation", delegateID+"/"+permissionID)
	}
	return scanDelegation(r)
}

func (s *SQLStore) GetDelegationsFor(ctx context.Context, delegateID string) ([]*accessctl.Delegation, error) {
	q := `SELECT ` + delegationColumns + ` FROM delegations WHERE delegate_id = :delegate_id ORDER BY created_at`
	return s.queryDelegations(ctx, q, map[string]any{"delegate_id": delegateID})
}

func (s *SQLStore) GetDelegationByID(ctx context.Context, id string) (*accessctl.Delegation, error) {
	q := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, notFound("delegation", id)
	}
	return scanDelegation(r)
}

func (s *SQLStore) queryDelegations(ctx context.Context, q string, params map[string]any) ([]*accessctl.Delegation, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []*accessctl.Delegation
	for r.Next() {
		d, err := scanDelegation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// CreateDelegation inserts d unless a live (active or pending) delegation
// already exists for the same delegator, delegate and permission.
func (s *SQLStore) CreateDelegation(ctx context.Context, d *accessctl.Delegation) error {
	cond, err := encodeConditions(d.Conditions)
	if err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.queryDelegations(ctx, `SELECT `+delegationColumns+` FROM delegations
WHERE delegator_id = :delegator_id AND delegate_id = :delegate_id AND permission_id = :permission_id AND active = 1
AND (valid_until IS NULL OR valid_until > :now)`, map[string]any{
		"delegator_id":  d.DelegatorID,
		"delegate_id":   d.DelegateID,
		"permission_id": d.PermissionID,
		"now":           d.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	if len(live) > 0 {
		return accessctl.ErrDuplicateDelegation
	}
	q := `INSERT INTO delegations(` + delegationColumns + `)
VALUES(:id, :delegator_id, :delegate_id, :permission_id, :can_redelegate, :valid_from, :valid_until, :conditions_json, :usage_count, :active, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              d.ID,
		"delegator_id":    d.DelegatorID,
		"delegate_id":     d.DelegateID,
		"permission_id":   d.PermissionID,
		"can_redelegate":  boolToInt(d.CanRedelegate),
		"valid_from":      unixNanos(d.ValidFrom),
		"valid_until":     nullableNanos(d.ValidUntil),
		"conditions_json": cond,
		"usage_count":     d.UsageCount,
		"active":          boolToInt(d.Active),
		"created_at":      unixNanos(d.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	return nil
}

// UpdateDelegation rewrites everything but the usage counter.
func (s *SQLStore) UpdateDelegation(ctx context.Context, d *accessctl.Delegation) error {
	cond, err := encodeConditions(d.Conditions)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.GetDelegationByID(ctx, d.ID); err != nil {
		return err
	}
	q := `UPDATE delegations SET can_redelegate=:can_redelegate, valid_from=:valid_from, valid_until=:valid_until,
conditions_json=:conditions_json, active=:active WHERE id=:id`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              d.ID,
		"can_redelegate":  boolToInt(d.CanRedelegate),
		"valid_from":      unixNanos(d.ValidFrom),
		"valid_until":     nullableNanos(d.ValidUntil),
		"conditions_json": cond,
		"active":          boolToInt(d.Active),
	})
	if err != nil {
		return fmt.Errorf("update delegation %s: %w", d.ID, err)
	}
	return nil
}

// IncrementDelegationUsage is a single UPDATE so concurrent grants are not lost.
func (s *SQLStore) IncrementDelegationUsage(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `UPDATE delegations SET usage_count = usage_count + 1 WHERE id = :id`, map[string]any{"id": id})
	return err
}

func scanDelegation(r rowScanner) (*accessctl.Delegation, error) {
	var d accessctl.Delegation
	var canRedelegate, activeInt int
	var fromRaw, untilRaw, createdRaw any
	var cond string
	if err := r.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &d.PermissionID, &canRedelegate,
		&fromRaw, &untilRaw, &cond, &d.UsageCount, &activeInt, &createdRaw); err != nil {
		return nil, err
	}
	d.CanRedelegate = canRedelegate != 0
	d.Active = activeInt != 0
	var err error
	if d.ValidFrom, err = timeFromRaw(fromRaw); err != nil {
		return nil, err
	}
	if d.ValidUntil, err = optionalTimeFromRaw(untilRaw); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = timeFromRaw(createdRaw); err != nil {
		return nil, err
	}
	if d.Conditions, err = decodeConditions(cond); err != nil {
		return nil, fmt.Errorf("delegation %s: %w", d.ID, err)
	}
	return &d, nil
}
