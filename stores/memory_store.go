package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/accessctl"
)

// MemoryStore keeps reference data, overrides and delegations in memory.
// It implements accessctl.Seeder and is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	permsByName map[string]*accessctl.Permission
	permsByID   map[string]*accessctl.Permission
	roles       map[string]*accessctl.Role
	users       map[string]*accessctl.User
	overrides   map[string]*accessctl.Override // current row per (user, permission)
	history     []*accessctl.Override          // superseded rows, retained for audit
	delegations map[string]*accessctl.Delegation
}

var _ accessctl.Seeder = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permsByName: make(map[string]*accessctl.Permission),
		permsByID:   make(map[string]*accessctl.Permission),
		roles:       make(map[string]*accessctl.Role),
		users:       make(map[string]*accessctl.User),
		overrides:   make(map[string]*accessctl.Override),
		delegations: make(map[string]*accessctl.Delegation),
	}
}

func (s *MemoryStore) PutPermission(ctx context.Context, p *accessctl.Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.permsByID[p.ID]; ok && old.Name != p.Name {
		delete(s.permsByName, old.Name)
	}
	cp := clonePermission(p)
	s.permsByName[p.Name] = cp
	s.permsByID[p.ID] = cp
	return nil
}

// PutRole stores r after checking the resulting hierarchy stays acyclic.
func (s *MemoryStore) PutRole(ctx context.Context, r *accessctl.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*accessctl.Role, 0, len(s.roles)+1)
	for name, existing := range s.roles {
		if name != r.Name {
			all = append(all, existing)
		}
	}
	all = append(all, r)
	if err := accessctl.CheckRoleHierarchy(all); err != nil {
		return err
	}
	s.roles[r.Name] = cloneRole(r)
	return nil
}

func (s *MemoryStore) PutUser(ctx context.Context, u *accessctl.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *u
	s.users[u.ID] = &dup
	return nil
}

func (s *MemoryStore) GetPermissionByName(ctx context.Context, name string) (*accessctl.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permsByName[name]
	if !ok {
		return nil, notFound("permission", name)
	}
	return clonePermission(p), nil
}

func (s *MemoryStore) GetPermissionByID(ctx context.Context, id string) (*accessctl.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permsByID[id]
	if !ok {
		return nil, notFound("permission", id)
	}
	return clonePermission(p), nil
}

func (s *MemoryStore) ListPermissions(ctx context.Context) ([]*accessctl.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*accessctl.Permission, 0, len(s.permsByName))
	for _, p := range s.permsByName {
		out = append(out, clonePermission(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetRoleByName(ctx context.Context, name string) (*accessctl.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return nil, notFound("role", name)
	}
	return cloneRole(r), nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (*accessctl.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	dup := *u
	return &dup, nil
}

func (s *MemoryStore) GetActiveOverride(ctx context.Context, userID, permissionID string, now time.Time) (*accessctl.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[overrideKey(userID, permissionID)]
	if !ok || !o.IsActive(now) {
		return nil, notFound("override", userID+"/"+permissionID)
	}
	return cloneOverride(o), nil
}

func (s *MemoryStore) GetOverridesFor(ctx context.Context, userID string) ([]*accessctl.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*accessctl.Override
	for _, o := range s.overrides {
		if o.UserID == userID {
			out = append(out, cloneOverride(o))
		}
	}
	return out, nil
}

// UpsertOverride replaces the current row for (user, permission) and keeps
// the previous one in history.
func (s *MemoryStore) UpsertOverride(ctx context.Context, o *accessctl.Override) (*accessctl.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := overrideKey(o.UserID, o.PermissionID)
	prev := s.overrides[key]
	if prev != nil {
		s.history = append(s.history, prev)
	}
	s.overrides[key] = cloneOverride(o)
	return cloneOverride(prev), nil
}

// OverrideHistory returns superseded overrides for the user, oldest first.
func (s *MemoryStore) OverrideHistory(userID string) []*accessctl.Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*accessctl.Override
	for _, o := range s.history {
		if o.UserID == userID {
			out = append(out, cloneOverride(o))
		}
	}
	return out
}

func (s *MemoryStore) GetActiveDelegation(ctx context.Context, delegateID, permissionID string, now time.Time) (*accessctl.Delegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *accessctl.Delegation
	for _, d := range s.delegations {
		if d.DelegateID != delegateID || d.PermissionID != permissionID || !d.IsActive(now) {
			continue
		}
		if best == nil || d.ValidFrom.After(best.ValidFrom) {
			best = d
		}
	}
	if best == nil {
		return nil, notFound("delegation", delegateID+"/"+permissionID)
	}
	return cloneDelegation(best), nil
}

func (s *MemoryStore) GetDelegationsFor(ctx context.Context, delegateID string) ([]*accessctl.Delegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*accessctl.Delegation
	for _, d := range s.delegations {
		if d.DelegateID == delegateID {
			out = append(out, cloneDelegation(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetDelegationByID(ctx context.Context, id string) (*accessctl.Delegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, notFound("delegation", id)
	}
	return cloneDelegation(d), nil
}

// CreateDelegation rejects a second live delegation for the same
// (delegator, delegate, permission).
func (s *MemoryStore) CreateDelegation(ctx context.Context, d *accessctl.Delegation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := d.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	for _, x := range s.delegations {
		if x.DelegatorID != d.DelegatorID || x.DelegateID != d.DelegateID || x.PermissionID != d.PermissionID {
			continue
		}
		if st := x.State(now); st == accessctl.DelegationActive || st == accessctl.DelegationPending {
			return accessctl.ErrDuplicateDelegation
		}
	}
	s.delegations[d.ID] = cloneDelegation(d)
	return nil
}

func (s *MemoryStore) UpdateDelegation(ctx context.Context, d *accessctl.Delegation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.delegations[d.ID]
	if !ok {
		return notFound("delegation", d.ID)
	}
	dup := cloneDelegation(d)
	// usage is owned by IncrementDelegationUsage
	dup.UsageCount = existing.UsageCount
	s.delegations[d.ID] = dup
	return nil
}

func (s *MemoryStore) IncrementDelegationUsage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok {
		return notFound("delegation", id)
	}
	d.UsageCount++
	return nil
}
