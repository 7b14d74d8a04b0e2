package accessctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DelegationState is derived from a delegation's flags and validity window.
type DelegationState string

const (
	DelegationPending DelegationState = "pending"
	DelegationActive  DelegationState = "active"
	DelegationExpired DelegationState = "expired"
	DelegationRevoked DelegationState = "revoked"
)

// Delegation is a time-bounded, optionally conditional grant of one
// permission from a delegator to a delegate. Delegations only ever grant.
type Delegation struct {
	ID            string      `json:"id"`
	DelegatorID   string      `json:"delegator_id"`
	DelegateID    string      `json:"delegate_id"`
	PermissionID  string      `json:"permission_id"`
	CanRedelegate bool        `json:"can_redelegate"`
	ValidFrom     time.Time   `json:"valid_from"`
	ValidUntil    *time.Time  `json:"valid_until,omitempty"`
	Conditions    *Conditions `json:"conditions,omitempty"`
	UsageCount    int64       `json:"usage_count"`
	Active        bool        `json:"active"`
	CreatedAt     time.Time   `json:"created_at"`
}

// State evaluates the lifecycle state at now. Expiry is lazy: nothing
// sweeps expired rows.
func (d *Delegation) State(now time.Time) DelegationState {
	switch {
	case !d.Active:
		return DelegationRevoked
	case d.ValidUntil != nil && !now.Before(*d.ValidUntil):
		return DelegationExpired
	case !d.ValidFrom.IsZero() && now.Before(d.ValidFrom):
		return DelegationPending
	}
	return DelegationActive
}

// IsActive reports whether the delegation grants at now.
func (d *Delegation) IsActive(now time.Time) bool {
	return d.State(now) == DelegationActive
}

func (e *Engine) checkDelegation(ctx context.Context, user *User, perm *Permission, pc *PermissionContext, now time.Time) (*Decision, error) {
	d, err := e.repo.GetActiveDelegation(ctx, user.ID, perm.ID, now)
	if errors.Is(err, ErrNotFound) || (err == nil && d == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	if !d.IsActive(now) {
		return nil, nil
	}
	if e.delegatorRecheck {
		held, err := e.delegatorStillHolds(ctx, d, perm, pc, now)
		if err != nil {
			return nil, err
		}
		if !held {
			e.logger.Info("delegation ignored: delegator no longer holds permission",
				"delegation_id", d.ID, "delegator", d.DelegatorID, "permission", perm.Name)
			return nil, nil
		}
	}

	res := d.Conditions.evaluate(pc, conditionOptions{now: now, strictIP: e.strictIP})
	e.warnOpenIP(res, user.ID, perm.Name)
	if !res.Passed() {
		return &Decision{
			Granted:             false,
			Reason:              "delegation conditions not satisfied: " + strings.Join(res.Failed, ","),
			MatchedBy:           MatchedDelegation,
			SatisfiedConditions: res.Satisfied,
			FailedConditions:    res.Failed,
			Delegated:           true,
		}, nil
	}

	if err := e.repo.IncrementDelegationUsage(ctx, d.ID); err != nil {
		e.logger.Error("delegation usage increment failed", "delegation_id", d.ID, "error", err.Error())
	}
	return &Decision{
		Granted:             true,
		Reason:              "granted by delegation from " + d.DelegatorID,
		MatchedBy:           MatchedDelegation,
		SatisfiedConditions: res.Satisfied,
		Delegated:           true,
		ExpiresAt:           d.ValidUntil,
	}, nil
}

// delegatorStillHolds re-runs the resolver for the delegator without the
// delegation stage, so a chain of delegations can never vouch for itself.
func (e *Engine) delegatorStillHolds(ctx context.Context, d *Delegation, perm *Permission, pc *PermissionContext, now time.Time) (bool, error) {
	delegator, err := e.repo.GetUserByID(ctx, d.DelegatorID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get delegator: %w", err)
	}
	dec, err := e.resolve(ctx, delegator, perm.Name, pc, now, false)
	if err != nil {
		return false, err
	}
	return dec.Granted, nil
}
