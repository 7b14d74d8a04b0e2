package accessctl

import (
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Scope is the breadth at which a permission applies to a resource.
type Scope string

const (
	ScopeGlobal       Scope = "GLOBAL"
	ScopeOrganization Scope = "ORGANIZATION"
	ScopeDepartment   Scope = "DEPARTMENT"
	ScopeOwn          Scope = "OWN"
)

// Valid reports whether s is one of the known scopes. The empty scope is
// treated as GLOBAL by the resolver and is considered valid.
func (s Scope) Valid() bool {
	switch s {
	case "", ScopeGlobal, ScopeOrganization, ScopeDepartment, ScopeOwn:
		return true
	}
	return false
}

// Permission is a named capability such as "orders.cancel".
type Permission struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Category   string      `json:"category,omitempty" yaml:"category,omitempty"`
	Action     string      `json:"action,omitempty" yaml:"action,omitempty"`
	Scope      Scope       `json:"scope,omitempty" yaml:"scope,omitempty"`
	Active     bool        `json:"active" yaml:"active"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// EffectiveScope returns the configured scope, defaulting to GLOBAL.
func (p *Permission) EffectiveScope() Scope {
	if p.Scope == "" {
		return ScopeGlobal
	}
	return p.Scope
}

// Role is a named bundle of permission names with an optional single parent.
type Role struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Parent      string   `json:"parent,omitempty" yaml:"parent,omitempty"` // parent role name
}

// HasOwn reports whether the permission is directly assigned to the role.
func (r *Role) HasOwn(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// User is the subject of an evaluation.
type User struct {
	ID             string `json:"id" yaml:"id"`
	Role           string `json:"role,omitempty" yaml:"role,omitempty"` // role name, empty = none
	Department     string `json:"department,omitempty" yaml:"department,omitempty"`
	OrganizationID string `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
}

// Override is an explicit per-user grant or deny for one permission.
type Override struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	PermissionID string     `json:"permission_id"`
	Granted      bool       `json:"granted"`
	GrantedBy    string     `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// IsActive reports whether the override still applies at now.
func (o *Override) IsActive(now time.Time) bool {
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}

// PermissionContext carries the request-scoped facts an evaluation is judged
// against.
type PermissionContext struct {
	ResourceID      string         `json:"resource_id,omitempty"`
	ResourceType    string         `json:"resource_type,omitempty"`
	ResourceOwnerID string         `json:"resource_owner_id,omitempty"`
	IP              string         `json:"ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	RequestTime     time.Time      `json:"request_time"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

// Attr returns an attribute from the free-form bag.
func (pc *PermissionContext) Attr(key string) (any, bool) {
	if pc == nil || pc.Attributes == nil {
		return nil, false
	}
	v, ok := pc.Attributes[key]
	return v, ok
}

// MatchedBy names the precedence stage that produced a decision.
type MatchedBy string

const (
	MatchedAdmin      MatchedBy = "admin"
	MatchedOverride   MatchedBy = "override"
	MatchedDelegation MatchedBy = "delegation"
	MatchedRole       MatchedBy = "role"
	MatchedDefault    MatchedBy = "default"
	MatchedNone       MatchedBy = "none"
)

// Failure classifies denials that are not policy outcomes.
type Failure string

const (
	FailureNone          Failure = ""
	FailureMisconfigured Failure = "misconfigured"
	FailureRepository    Failure = "repository_unavailable"
	FailureTimeout       Failure = "evaluation_timeout"
)

// Decision is the result of one evaluation.
type Decision struct {
	Granted             bool       `json:"granted"`
	Reason              string     `json:"reason"`
	MatchedBy           MatchedBy  `json:"matched_by"`
	SatisfiedConditions []string   `json:"satisfied_conditions,omitempty"`
	FailedConditions    []string   `json:"failed_conditions,omitempty"`
	Delegated           bool       `json:"delegated"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	Failure             Failure    `json:"failure,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
}

// Transient reports whether the decision reflects a collaborator failure
// rather than policy. Transient decisions are never cached.
func (d *Decision) Transient() bool {
	return d.Failure == FailureRepository || d.Failure == FailureTimeout
}

// Reason strings shared by the resolver and its tests.
const (
	ReasonAdministrator     = "administrator access"
	ReasonNotGranted        = "not granted"
	ReasonOverrideGranted   = "granted by override"
	ReasonOverrideDenied    = "denied by override"
	ReasonEvaluationTimeout = "evaluation timeout"
)
