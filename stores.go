package accessctl

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrPermissionNotFound  = errors.New("permission not found")
	ErrPermissionNotHeld   = errors.New("delegator does not hold permission")
	ErrDuplicateDelegation = errors.New("active delegation already exists")
	ErrInvalidDelegation   = errors.New("invalid delegation")
	ErrRedelegation        = errors.New("re-delegation is not supported")
	ErrCacheInvalidation   = errors.New("cache invalidation failed")
	ErrRoleCycle           = errors.New("role inheritance cycle")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrReadOnly            = errors.New("repository does not support administration")
)

// Repository is the read side of the persistence layer the engine consults.
// Lookups for rows that do not exist must return an error wrapping ErrNotFound.
type Repository interface {
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	GetPermissionByID(ctx context.Context, id string) (*Permission, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	// GetActiveOverride returns the override for (user, permission) that is
	// unexpired at now.
	GetActiveOverride(ctx context.Context, userID, permissionID string, now time.Time) (*Override, error)
	GetOverridesFor(ctx context.Context, userID string) ([]*Override, error)
	// GetActiveDelegation returns an active, time-valid delegation naming
	// userID as delegate.
	GetActiveDelegation(ctx context.Context, delegateID, permissionID string, now time.Time) (*Delegation, error)
	GetDelegationsFor(ctx context.Context, delegateID string) ([]*Delegation, error)
	IncrementDelegationUsage(ctx context.Context, delegationID string) error
	ListPermissions(ctx context.Context) ([]*Permission, error)
}

// AdminStore adds the mutations the administration API needs.
type AdminStore interface {
	Repository
	// UpsertOverride replaces any override for the same (user, permission).
	// It returns the previous row, or nil when none existed.
	UpsertOverride(ctx context.Context, o *Override) (*Override, error)
	CreateDelegation(ctx context.Context, d *Delegation) error
	UpdateDelegation(ctx context.Context, d *Delegation) error
	GetDelegationByID(ctx context.Context, id string) (*Delegation, error)
}

// Cache stores encoded decisions.
// Get returns (nil, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) error
}

// AuditSink receives decision and administration events.
type AuditSink interface {
	Append(ctx context.Context, event *AuditEvent) error
}

// AuditErrorHandler is called when an audit write fails.
type AuditErrorHandler func(event *AuditEvent, err error)
