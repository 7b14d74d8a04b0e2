package accessctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/oarkflow/date"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides of EngineConfig,
// e.g. ACCESSCTL_CACHE_TTL=2m.
const EnvPrefix = "ACCESSCTL"

// Config is the complete configuration file: engine settings plus seed data.
type Config struct {
	Version     int                `json:"version" yaml:"version"`
	Engine      EngineConfig       `json:"engine" yaml:"engine"`
	Permissions []PermissionConfig `json:"permissions" yaml:"permissions"`
	Roles       []*Role            `json:"roles" yaml:"roles"`
	Users       []*User            `json:"users" yaml:"users"`
	Overrides   []OverrideConfig   `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Delegations []DelegationConfig `json:"delegations,omitempty" yaml:"delegations,omitempty"`
}

// EngineConfig holds engine and backend settings.
type EngineConfig struct {
	CacheTTL             Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty" envconfig:"CACHE_TTL"`
	TimeBucket           Duration `json:"time_bucket,omitempty" yaml:"time_bucket,omitempty" envconfig:"TIME_BUCKET"`
	EvaluationTimeout    Duration `json:"evaluation_timeout,omitempty" yaml:"evaluation_timeout,omitempty" envconfig:"EVALUATION_TIMEOUT"`
	SuperAdminRole       string   `json:"super_admin_role,omitempty" yaml:"super_admin_role,omitempty" envconfig:"SUPER_ADMIN_ROLE"`
	UserManagePermission string   `json:"user_manage_permission,omitempty" yaml:"user_manage_permission,omitempty" envconfig:"USER_MANAGE_PERMISSION"`
	StrictIP             bool     `json:"strict_ip,omitempty" yaml:"strict_ip,omitempty" envconfig:"STRICT_IP"`
	DelegatorRecheck     bool     `json:"delegator_recheck,omitempty" yaml:"delegator_recheck,omitempty" envconfig:"DELEGATOR_RECHECK"`

	// CacheBackend is one of "", "none", "local" or "redis".
	CacheBackend      string `json:"cache_backend,omitempty" yaml:"cache_backend,omitempty" envconfig:"CACHE_BACKEND"`
	RedisURL          string `json:"redis_url,omitempty" yaml:"redis_url,omitempty" envconfig:"REDIS_URL"`
	LocalCacheMaxCost int64  `json:"local_cache_max_cost,omitempty" yaml:"local_cache_max_cost,omitempty" envconfig:"LOCAL_CACHE_MAX_COST"`
	// SQLDriver is "sqlite" or "pgx"; empty selects the in-memory store.
	SQLDriver string `json:"sql_driver,omitempty" yaml:"sql_driver,omitempty" envconfig:"SQL_DRIVER"`
	SQLDSN    string `json:"sql_dsn,omitempty" yaml:"sql_dsn,omitempty" envconfig:"SQL_DSN"`
}

// PermissionConfig is a Permission as written in configuration. When holds
// text clauses understood by ParseConditions and is merged over Conditions.
type PermissionConfig struct {
	ID         string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string      `json:"name" yaml:"name"`
	Category   string      `json:"category,omitempty" yaml:"category,omitempty"`
	Action     string      `json:"action,omitempty" yaml:"action,omitempty"`
	Scope      Scope       `json:"scope,omitempty" yaml:"scope,omitempty"`
	Active     *bool       `json:"active,omitempty" yaml:"active,omitempty"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	When       []string    `json:"when,omitempty" yaml:"when,omitempty"`
}

// OverrideConfig seeds an override. Expires accepts any format
// github.com/oarkflow/date understands.
type OverrideConfig struct {
	User       string `json:"user" yaml:"user"`
	Permission string `json:"permission" yaml:"permission"`
	Granted    bool   `json:"granted" yaml:"granted"`
	GrantedBy  string `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	Expires    string `json:"expires,omitempty" yaml:"expires,omitempty"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// DelegationConfig seeds a delegation without the holder check Delegate
// performs.
type DelegationConfig struct {
	Delegator     string      `json:"delegator" yaml:"delegator"`
	Delegate      string      `json:"delegate" yaml:"delegate"`
	Permission    string      `json:"permission" yaml:"permission"`
	From          string      `json:"from,omitempty" yaml:"from,omitempty"`
	Until         string      `json:"until,omitempty" yaml:"until,omitempty"`
	CanRedelegate bool        `json:"can_redelegate,omitempty" yaml:"can_redelegate,omitempty"`
	Conditions    *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	When          []string    `json:"when,omitempty" yaml:"when,omitempty"`
}

// Duration is a time.Duration written as "300s" or "5m" in YAML, JSON and
// environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) Decode(value string) error {
	v, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.Decode(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

// LoadConfig reads a YAML or JSON file, chosen by extension, and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = LoadYAML(data)
	case ".json":
		cfg, err = LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays ACCESSCTL_* environment variables onto Engine. Unset
// variables leave file values untouched.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.Engine); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Options translates engine settings into engine options.
func (ec EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if ec.CacheTTL > 0 {
		opts = append(opts, WithCacheTTL(ec.CacheTTL.Std()))
	}
	if ec.TimeBucket > 0 {
		opts = append(opts, WithTimeBucket(ec.TimeBucket.Std()))
	}
	if ec.EvaluationTimeout > 0 {
		opts = append(opts, WithEvaluationTimeout(ec.EvaluationTimeout.Std()))
	}
	if ec.SuperAdminRole != "" {
		opts = append(opts, WithSuperAdminRole(ec.SuperAdminRole))
	}
	if ec.UserManagePermission != "" {
		opts = append(opts, WithUserManagePermission(ec.UserManagePermission))
	}
	if ec.StrictIP {
		opts = append(opts, StrictIP(true))
	}
	if ec.DelegatorRecheck {
		opts = append(opts, WithDelegatorRecheck(true))
	}
	return opts
}

// Permission converts the config entry into a Permission.
func (pc PermissionConfig) Permission() (*Permission, error) {
	p := &Permission{
		ID:         pc.ID,
		Name:       pc.Name,
		Category:   pc.Category,
		Action:     pc.Action,
		Scope:      pc.Scope,
		Active:     pc.Active == nil || *pc.Active,
		Conditions: pc.Conditions,
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	if p.Category == "" && p.Action == "" {
		p.Category, p.Action, _ = cutLast(p.Name, '.')
	}
	merged, err := mergeWhen(p.Conditions, pc.When)
	if err != nil {
		return nil, fmt.Errorf("permission %s: %w", pc.Name, err)
	}
	p.Conditions = merged
	return p, nil
}

func mergeWhen(base *Conditions, when []string) (*Conditions, error) {
	if len(when) == 0 {
		return base, nil
	}
	parsed, err := ParseConditions(when...)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return base, nil
	}
	if base == nil {
		return parsed, nil
	}
	out := *base
	if parsed.Time != nil {
		out.Time = parsed.Time
	}
	if parsed.IP != nil {
		out.IP = parsed.IP
	}
	if parsed.Value != nil {
		out.Value = parsed.Value
	}
	if parsed.Location != nil {
		out.Location = parsed.Location
	}
	return &out, nil
}

// Validate checks referential integrity of the seed data.
func (c *Config) Validate() error {
	var errs []error
	perms := make(map[string]bool, len(c.Permissions))
	for i, pc := range c.Permissions {
		if pc.Name == "" {
			errs = append(errs, fmt.Errorf("permissions[%d]: name is required", i))
			continue
		}
		if perms[pc.Name] {
			errs = append(errs, fmt.Errorf("permission %s: duplicate name", pc.Name))
		}
		perms[pc.Name] = true
		if !pc.Scope.Valid() {
			errs = append(errs, fmt.Errorf("permission %s: unknown scope %q", pc.Name, pc.Scope))
		}
		p, err := pc.Permission()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.Conditions.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("permission %s: %w", pc.Name, err))
		}
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r == nil || r.Name == "" {
			errs = append(errs, errors.New("role name is required"))
			continue
		}
		if roles[r.Name] {
			errs = append(errs, fmt.Errorf("role %s: duplicate name", r.Name))
		}
		roles[r.Name] = true
		for _, p := range r.Permissions {
			if !perms[p] {
				errs = append(errs, fmt.Errorf("role %s: unknown permission %s", r.Name, p))
			}
		}
	}
	if len(errs) == 0 {
		if err := CheckRoleHierarchy(c.Roles); err != nil {
			errs = append(errs, err)
		}
	}

	superAdmin := c.Engine.SuperAdminRole
	if superAdmin == "" {
		superAdmin = DefaultSuperAdminRole
	}
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u == nil || u.ID == "" {
			errs = append(errs, errors.New("user id is required"))
			continue
		}
		users[u.ID] = true
		if u.Role != "" && u.Role != superAdmin && !roles[u.Role] {
			errs = append(errs, fmt.Errorf("user %s: unknown role %s", u.ID, u.Role))
		}
	}

	for i, o := range c.Overrides {
		if !users[o.User] {
			errs = append(errs, fmt.Errorf("overrides[%d]: unknown user %s", i, o.User))
		}
		if !perms[o.Permission] {
			errs = append(errs, fmt.Errorf("overrides[%d]: unknown permission %s", i, o.Permission))
		}
		if _, err := parseOptionalTime(o.Expires); err != nil {
			errs = append(errs, fmt.Errorf("overrides[%d]: expires: %w", i, err))
		}
	}
	for i, d := range c.Delegations {
		if !users[d.Delegator] || !users[d.Delegate] {
			errs = append(errs, fmt.Errorf("delegations[%d]: unknown delegator or delegate", i))
		}
		if d.Delegator == d.Delegate {
			errs = append(errs, fmt.Errorf("delegations[%d]: %w", i, ErrInvalidDelegation))
		}
		if !perms[d.Permission] {
			errs = append(errs, fmt.Errorf("delegations[%d]: unknown permission %s", i, d.Permission))
		}
		if _, err := parseOptionalTime(d.From); err != nil {
			errs = append(errs, fmt.Errorf("delegations[%d]: from: %w", i, err))
		}
		if _, err := parseOptionalTime(d.Until); err != nil {
			errs = append(errs, fmt.Errorf("delegations[%d]: until: %w", i, err))
		}
		if _, err := mergeWhen(d.Conditions, d.When); err != nil {
			errs = append(errs, fmt.Errorf("delegations[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseTime accepts RFC 3339 as well as the looser layouts the date parser
// understands, such as "2026-01-02 15:04".
func ParseTime(s string) (time.Time, error) {
	t, err := date.Parse(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Seeder is a store that accepts reference data in addition to the
// administration writes.
type Seeder interface {
	AdminStore
	PutPermission(ctx context.Context, p *Permission) error
	PutRole(ctx context.Context, r *Role) error
	PutUser(ctx context.Context, u *User) error
}

// Apply validates the configuration and writes its seed data into store.
// now stamps seeded overrides and delegations.
func (c *Config) Apply(ctx context.Context, store Seeder, now time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	permIDs := make(map[string]string, len(c.Permissions))
	for _, pc := range c.Permissions {
		p, err := pc.Permission()
		if err != nil {
			return err
		}
		if err := store.PutPermission(ctx, p); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.Name, err)
		}
		permIDs[p.Name] = p.ID
	}
	for _, r := range orderRolesByParent(c.Roles) {
		if r.ID == "" {
			r.ID = r.Name
		}
		if err := store.PutRole(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
	}
	for _, u := range c.Users {
		if err := store.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for i, oc := range c.Overrides {
		expires, _ := parseOptionalTime(oc.Expires)
		grantedBy := oc.GrantedBy
		if grantedBy == "" {
			grantedBy = "config"
		}
		ov := &Override{
			ID:           fmt.Sprintf("cfg-ov-%d", i),
			UserID:       oc.User,
			PermissionID: permIDs[oc.Permission],
			Granted:      oc.Granted,
			GrantedBy:    grantedBy,
			GrantedAt:    now,
			ExpiresAt:    expires,
			Reason:       oc.Reason,
		}
		if _, err := store.UpsertOverride(ctx, ov); err != nil {
			return fmt.Errorf("seed override %d: %w", i, err)
		}
	}
	for i, dc := range c.Delegations {
		from, _ := parseOptionalTime(dc.From)
		until, _ := parseOptionalTime(dc.Until)
		conds, _ := mergeWhen(dc.Conditions, dc.When)
		d := &Delegation{
			ID:            fmt.Sprintf("cfg-dl-%d", i),
			DelegatorID:   dc.Delegator,
			DelegateID:    dc.Delegate,
			PermissionID:  permIDs[dc.Permission],
			CanRedelegate: dc.CanRedelegate,
			ValidFrom:     now,
			ValidUntil:    until,
			Conditions:    conds,
			Active:        true,
			CreatedAt:     now,
		}
		if from != nil {
			d.ValidFrom = *from
		}
		if err := store.CreateDelegation(ctx, d); err != nil {
			return fmt.Errorf("seed delegation %d: %w", i, err)
		}
	}
	return nil
}

// orderRolesByParent returns roles with every parent ahead of its children,
// so stores that check hierarchy on write accept them.
func orderRolesByParent(roles []*Role) []*Role {
	byName := make(map[string]*Role, len(roles))
	for _, r := range roles {
		byName[r.Name] = r
	}
	done := make(map[string]bool, len(roles))
	out := make([]*Role, 0, len(roles))
	var visit func(r *Role)
	visit = func(r *Role) {
		if done[r.Name] {
			return
		}
		done[r.Name] = true
		if p, ok := byName[r.Parent]; ok {
			visit(p)
		}
		out = append(out, r)
	}
	for _, r := range roles {
		visit(r)
	}
	return out
}
