package accessctl

import "time"

// ConfigBuilder provides a fluent API for building configurations.
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:     1,
			Permissions: []PermissionConfig{},
			Roles:       []*Role{},
			Users:       []*User{},
			Engine: EngineConfig{
				CacheTTL:   Duration(DefaultCacheTTL),
				TimeBucket: Duration(DefaultTimeBucket),
			},
		},
	}
}

func (b *ConfigBuilder) Version(v int) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// AddPermission adds p; when clauses use the ParseConditions syntax.
func (b *ConfigBuilder) AddPermission(p *Permission, when ...string) *ConfigBuilder {
	active := p.Active
	b.cfg.Permissions = append(b.cfg.Permissions, PermissionConfig{
		ID:         p.ID,
		Name:       p.Name,
		Category:   p.Category,
		Action:     p.Action,
		Scope:      p.Scope,
		Active:     &active,
		Conditions: p.Conditions,
		When:       when,
	})
	return b
}

func (b *ConfigBuilder) AddRole(r *Role) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddUser(u *User) *ConfigBuilder {
	b.cfg.Users = append(b.cfg.Users, u)
	return b
}

// AddOverride seeds an override; a zero expires means no expiry.
func (b *ConfigBuilder) AddOverride(userID, permission string, granted bool, expires time.Time, reason string) *ConfigBuilder {
	oc := OverrideConfig{User: userID, Permission: permission, Granted: granted, Reason: reason}
	if !expires.IsZero() {
		oc.Expires = expires.UTC().Format(time.RFC3339)
	}
	b.cfg.Overrides = append(b.cfg.Overrides, oc)
	return b
}

func (b *ConfigBuilder) AddDelegation(dc DelegationConfig) *ConfigBuilder {
	b.cfg.Delegations = append(b.cfg.Delegations, dc)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
