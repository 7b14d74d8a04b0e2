package accessctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var requestValidator = validator.New()

// OverrideRequest asks for a per-user grant or deny.
type OverrideRequest struct {
	UserID     string     `json:"user_id" validate:"required"`
	Permission string     `json:"permission" validate:"required"`
	ActorID    string     `json:"actor_id" validate:"required"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     string     `json:"reason,omitempty" validate:"max=512"`
}

// DelegationRequest asks for a delegation from DelegatorID to DelegateID.
// Context is the request context used to confirm the delegator's own grant.
type DelegationRequest struct {
	DelegatorID   string             `json:"delegator_id" validate:"required"`
	DelegateID    string             `json:"delegate_id" validate:"required"`
	Permission    string             `json:"permission" validate:"required"`
	ValidFrom     time.Time          `json:"valid_from"`
	ValidUntil    *time.Time         `json:"valid_until,omitempty"`
	CanRedelegate bool               `json:"can_redelegate"`
	Conditions    *Conditions        `json:"conditions,omitempty"`
	Context       *PermissionContext `json:"-"`
}

func validateRequest(req any) error {
	if err := requestValidator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (e *Engine) adminStore() (AdminStore, error) {
	s, ok := e.repo.(AdminStore)
	if !ok {
		return nil, ErrReadOnly
	}
	return s, nil
}

// Grant upserts a granting override for the user.
func (e *Engine) Grant(ctx context.Context, req OverrideRequest) (*Override, error) {
	ov, err := e.setOverride(ctx, req, true)
	e.metrics.adminOp("grant", err)
	return ov, err
}

// Revoke upserts a denying override for the user.
func (e *Engine) Revoke(ctx context.Context, req OverrideRequest) (*Override, error) {
	ov, err := e.setOverride(ctx, req, false)
	e.metrics.adminOp("revoke", err)
	return ov, err
}

func (e *Engine) setOverride(ctx context.Context, req OverrideRequest, granted bool) (*Override, error) {
	store, err := e.adminStore()
	if err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	now := e.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidRequest, req.ExpiresAt.Format(time.RFC3339))
	}
	if err := e.authorizeActor(ctx, req.ActorID); err != nil {
		return nil, err
	}
	perm, err := e.lookupPermission(ctx, req.Permission)
	if err != nil {
		return nil, err
	}
	if _, err := store.GetUserByID(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("get user %s: %w", req.UserID, err)
	}

	ov := &Override{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		PermissionID: perm.ID,
		Granted:      granted,
		GrantedBy:    req.ActorID,
		GrantedAt:    now,
		ExpiresAt:    req.ExpiresAt,
		Reason:       req.Reason,
	}
	prev, err := store.UpsertOverride(ctx, ov)
	if err != nil {
		return nil, fmt.Errorf("upsert override: %w", err)
	}

	action := AuditGrant
	if !granted {
		action = AuditRevoke
	}
	ev := e.newAuditEvent(action, req.UserID, now)
	ev.PermissionID = perm.ID
	ev.Permission = perm.Name
	ev.ActorID = req.ActorID
	ev.Granted = granted
	ev.Reason = req.Reason
	if prev != nil {
		ev.Before = prev
	}
	ev.After = ov
	e.appendAudit(ctx, ev)

	e.logger.Info("override set", "user", req.UserID, "permission", perm.Name, "granted", granted, "actor", req.ActorID)
	if err := e.invalidateUser(ctx, req.UserID); err != nil {
		e.logger.Error("cache invalidation failed", "user", req.UserID, "error", err.Error())
		return ov, err
	}
	return ov, nil
}

// verifyDelegator checks that delegator holds perm through an override or
// role. It bypasses the decision cache and never counts delegation usage or
// writes an evaluation audit event. A delegator whose only grant is an
// inbound delegation gets ErrRedelegation.
func (e *Engine) verifyDelegator(ctx context.Context, delegator *User, perm *Permission, pc *PermissionContext, now time.Time) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if pc == nil {
		pc = &PermissionContext{}
	}
	if pc.RequestTime.IsZero() {
		stamped := *pc
		stamped.RequestTime = now
		pc = &stamped
	}
	held, err := e.resolve(ctx, delegator, perm.Name, pc, now, false)
	if err != nil {
		return fmt.Errorf("verify delegator: %w", err)
	}
	if held.Granted {
		return nil
	}
	inbound, err := e.repo.GetActiveDelegation(ctx, delegator.ID, perm.ID, now)
	switch {
	case err == nil && inbound != nil && inbound.IsActive(now):
		return ErrRedelegation
	case err != nil && !errors.Is(err, ErrNotFound):
		return fmt.Errorf("verify delegator: get delegation: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrPermissionNotHeld, held.Reason)
}

// Delegate creates a delegation after confirming the delegator currently
// holds the permission through their own role or override.
func (e *Engine) Delegate(ctx context.Context, req DelegationRequest) (*Delegation, error) {
	d, err := e.delegate(ctx, req)
	e.metrics.adminOp("delegate", err)
	return d, err
}

func (e *Engine) delegate(ctx context.Context, req DelegationRequest) (*Delegation, error) {
	store, err := e.adminStore()
	if err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.DelegatorID == req.DelegateID {
		return nil, fmt.Errorf("%w: cannot delegate to self", ErrInvalidDelegation)
	}
	now := e.now()
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	if req.ValidUntil != nil && (!req.ValidUntil.After(validFrom) || !req.ValidUntil.After(now)) {
		return nil, fmt.Errorf("%w: valid_until must be after valid_from and now", ErrInvalidDelegation)
	}
	if err := req.Conditions.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
	}
	perm, err := e.lookupPermission(ctx, req.Permission)
	if err != nil {
		return nil, err
	}
	delegator, err := store.GetUserByID(ctx, req.DelegatorID)
	if err != nil {
		return nil, fmt.Errorf("get delegator %s: %w", req.DelegatorID, err)
	}
	if _, err := store.GetUserByID(ctx, req.DelegateID); err != nil {
		return nil, fmt.Errorf("get delegate %s: %w", req.DelegateID, err)
	}

	if err := e.verifyDelegator(ctx, delegator, perm, req.Context, now); err != nil {
		return nil, err
	}

	existing, err := store.GetDelegationsFor(ctx, req.DelegateID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get delegations: %w", err)
	}
	for _, x := range existing {
		if x.DelegatorID != req.DelegatorID || x.PermissionID != perm.ID {
			continue
		}
		if st := x.State(now); st == DelegationActive || st == DelegationPending {
			return nil, ErrDuplicateDelegation
		}
	}

	d := &Delegation{
		ID:            uuid.NewString(),
		DelegatorID:   req.DelegatorID,
		DelegateID:    req.DelegateID,
		PermissionID:  perm.ID,
		CanRedelegate: req.CanRedelegate,
		ValidFrom:     validFrom,
		ValidUntil:    req.ValidUntil,
		Conditions:    req.Conditions,
		Active:        true,
		CreatedAt:     now,
	}
	if err := store.CreateDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("create delegation: %w", err)
	}

	ev := e.newAuditEvent(AuditDelegate, req.DelegateID, now)
	ev.PermissionID = perm.ID
	ev.Permission = perm.Name
	ev.ActorID = req.DelegatorID
	ev.Granted = true
	ev.After = d
	e.appendAudit(ctx, ev)

	e.logger.Info("delegation created", "delegation_id", d.ID, "delegator", d.DelegatorID, "delegate", d.DelegateID, "permission", perm.Name)
	if err := e.invalidateUser(ctx, req.DelegateID); err != nil {
		e.logger.Error("cache invalidation failed", "user", req.DelegateID, "error", err.Error())
		return d, err
	}
	return d, nil
}

// RevokeDelegation deactivates a delegation. The actor must be the
// delegator or hold the user management permission. Revoking an already
// revoked delegation is a no-op.
func (e *Engine) RevokeDelegation(ctx context.Context, id, actorID string) error {
	err := e.revokeDelegation(ctx, id, actorID)
	e.metrics.adminOp("revoke_delegation", err)
	return err
}

func (e *Engine) revokeDelegation(ctx context.Context, id, actorID string) error {
	store, err := e.adminStore()
	if err != nil {
		return err
	}
	if id == "" || actorID == "" {
		return fmt.Errorf("%w: delegation id and actor are required", ErrInvalidRequest)
	}
	d, err := store.GetDelegationByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get delegation %s: %w", id, err)
	}
	if actorID != d.DelegatorID {
		if err := e.authorizeActor(ctx, actorID); err != nil {
			return err
		}
	}
	if !d.Active {
		return nil
	}
	before := *d
	d.Active = false
	if err := store.UpdateDelegation(ctx, d); err != nil {
		return fmt.Errorf("update delegation: %w", err)
	}

	ev := e.newAuditEvent(AuditRevokeDelegation, d.DelegateID, e.now())
	ev.PermissionID = d.PermissionID
	ev.ActorID = actorID
	ev.Before = &before
	ev.After = d
	e.appendAudit(ctx, ev)

	e.logger.Info("delegation revoked", "delegation_id", d.ID, "actor", actorID)
	if err := e.invalidateUser(ctx, d.DelegateID); err != nil {
		e.logger.Error("cache invalidation failed", "user", d.DelegateID, "error", err.Error())
		return err
	}
	return nil
}

func (e *Engine) authorizeActor(ctx context.Context, actorID string) error {
	actor, err := e.repo.GetUserByID(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown actor %s", ErrForbidden, actorID)
	}
	if err != nil {
		return fmt.Errorf("get actor %s: %w", actorID, err)
	}
	dec := e.Evaluate(ctx, actor, e.managePermission, nil)
	if dec.Transient() {
		return fmt.Errorf("verify actor %s: %s", actorID, dec.Reason)
	}
	if !dec.Granted {
		return fmt.Errorf("%w: %s lacks %s", ErrForbidden, actorID, e.managePermission)
	}
	return nil
}

func (e *Engine) lookupPermission(ctx context.Context, name string) (*Permission, error) {
	perm, err := e.memo.permissionByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get permission %s: %w", name, err)
	}
	return perm, nil
}

// CheckRequest is a flat evaluation request, as sent by tooling. Resource
// takes the form "type:id".
type CheckRequest struct {
	UserID     string         `json:"user_id" validate:"required"`
	Permission string         `json:"permission" validate:"required"`
	Resource   string         `json:"resource,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Check loads the user and evaluates the request.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) (*Decision, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	user, err := e.repo.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", req.UserID, err)
	}
	pc := &PermissionContext{
		ResourceOwnerID: req.OwnerID,
		IP:              req.IP,
		Attributes:      req.Attributes,
		RequestTime:     e.now(),
	}
	if req.Resource != "" {
		pc.ResourceID = req.Resource
		if idx := strings.Index(req.Resource, ":"); idx != -1 {
			pc.ResourceType = req.Resource[:idx]
			pc.ResourceID = req.Resource[idx+1:]
		}
	}
	return e.Evaluate(ctx, user, req.Permission, pc), nil
}
