package accessctl

import "time"

// Builders provide a fluent API for assembling reference data and requests.

// PermissionBuilder builds a Permission. Permissions start active with
// GLOBAL scope.
type PermissionBuilder struct {
	p *Permission
}

func NewPermissionBuilder(name string) *PermissionBuilder {
	b := &PermissionBuilder{p: &Permission{ID: name, Name: name, Scope: ScopeGlobal, Active: true}}
	if cat, act, ok := cutLast(name, '.'); ok {
		b.p.Category, b.p.Action = cat, act
	}
	return b
}

func (b *PermissionBuilder) ID(id string) *PermissionBuilder       { b.p.ID = id; return b }
func (b *PermissionBuilder) Category(c string) *PermissionBuilder  { b.p.Category = c; return b }
func (b *PermissionBuilder) Action(a string) *PermissionBuilder    { b.p.Action = a; return b }
func (b *PermissionBuilder) Scope(s Scope) *PermissionBuilder      { b.p.Scope = s; return b }
func (b *PermissionBuilder) Active(active bool) *PermissionBuilder { b.p.Active = active; return b }
func (b *PermissionBuilder) Conditions(c *Conditions) *PermissionBuilder {
	b.p.Conditions = c
	return b
}
func (b *PermissionBuilder) Build() *Permission { return b.p }

// RoleBuilder builds a Role.
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(name string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: name, Name: name, Permissions: []string{}}}
}
func (b *RoleBuilder) ID(id string) *RoleBuilder         { b.r.ID = id; return b }
func (b *RoleBuilder) Description(d string) *RoleBuilder { b.r.Description = d; return b }
func (b *RoleBuilder) Parent(name string) *RoleBuilder   { b.r.Parent = name; return b }
func (b *RoleBuilder) Permissions(names ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, names...)
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// UserBuilder builds a User.
type UserBuilder struct {
	u *User
}

func NewUserBuilder(id string) *UserBuilder                   { return &UserBuilder{u: &User{ID: id}} }
func (b *UserBuilder) Role(name string) *UserBuilder          { b.u.Role = name; return b }
func (b *UserBuilder) Department(d string) *UserBuilder       { b.u.Department = d; return b }
func (b *UserBuilder) Organization(orgID string) *UserBuilder { b.u.OrganizationID = orgID; return b }
func (b *UserBuilder) Build() *User                           { return b.u }

// DelegationBuilder builds a DelegationRequest.
type DelegationBuilder struct {
	req DelegationRequest
}

func NewDelegationBuilder(delegatorID, delegateID, permission string) *DelegationBuilder {
	return &DelegationBuilder{req: DelegationRequest{DelegatorID: delegatorID, DelegateID: delegateID, Permission: permission}}
}
func (b *DelegationBuilder) From(t time.Time) *DelegationBuilder { b.req.ValidFrom = t; return b }
func (b *DelegationBuilder) Until(t time.Time) *DelegationBuilder {
	b.req.ValidUntil = &t
	return b
}
func (b *DelegationBuilder) CanRedelegate(v bool) *DelegationBuilder { b.req.CanRedelegate = v; return b }
func (b *DelegationBuilder) Conditions(c *Conditions) *DelegationBuilder {
	b.req.Conditions = c
	return b
}
func (b *DelegationBuilder) Context(pc *PermissionContext) *DelegationBuilder {
	b.req.Context = pc
	return b
}
func (b *DelegationBuilder) Build() DelegationRequest { return b.req }

func cutLast(s string, sep byte) (string, string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
