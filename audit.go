package accessctl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction is the kind of an audit event.
type AuditAction string

const (
	AuditGrant            AuditAction = "GRANT"
	AuditRevoke           AuditAction = "REVOKE"
	AuditDelegate         AuditAction = "DELEGATE"
	AuditRevokeDelegation AuditAction = "REVOKE_DELEGATION"
	AuditEvaluate         AuditAction = "EVALUATE"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID           string         `json:"id"`
	Action       AuditAction    `json:"action"`
	UserID       string         `json:"user_id"`
	PermissionID string         `json:"permission_id,omitempty"`
	Permission   string         `json:"permission,omitempty"`
	RoleID       string         `json:"role_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Granted      bool           `json:"granted"`
	Reason       string         `json:"reason,omitempty"`
	Before       any            `json:"before,omitempty"`
	After        any            `json:"after,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	TraceID      string         `json:"trace_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (e *Engine) newAuditEvent(action AuditAction, userID string, at time.Time) *AuditEvent {
	ev := &AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    userID,
		Timestamp: at,
		Metadata:  map[string]any{},
	}
	if e.traceIDFunc != nil {
		ev.TraceID = e.traceIDFunc()
	}
	return ev
}

// appendAudit writes ev synchronously. Failures never propagate: they are
// logged and handed to the audit error handler.
func (e *Engine) appendAudit(ctx context.Context, ev *AuditEvent) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Error("audit write failed", "event_id", ev.ID, "action", string(ev.Action), "user", ev.UserID, "error", err.Error())
		e.metrics.auditFailure(ev.Action)
		if e.onAuditError != nil {
			e.onAuditError(ev, err)
		}
	}
}

func (e *Engine) recordEvaluation(ctx context.Context, user *User, permission string, pc *PermissionContext, dec *Decision, cached bool, start time.Time) {
	userID, roleID := "", ""
	if user != nil {
		userID, roleID = user.ID, user.Role
	}
	e.metrics.observeEvaluation(dec, cached, e.now().Sub(start))
	e.logger.Debug("permission evaluated",
		"user", userID,
		"permission", permission,
		"granted", dec.Granted,
		"matched_by", string(dec.MatchedBy),
		"reason", dec.Reason,
		"cached", cached,
	)

	ev := e.newAuditEvent(AuditEvaluate, userID, start)
	ev.Permission = permission
	ev.RoleID = roleID
	ev.ActorID = userID
	ev.Granted = dec.Granted
	ev.Reason = dec.Reason
	ev.Metadata["cached"] = cached
	ev.Metadata["matched_by"] = string(dec.MatchedBy)
	if dec.Delegated {
		ev.Metadata["delegated"] = true
	}
	if dec.Failure != FailureNone {
		ev.Metadata["failure"] = string(dec.Failure)
	}
	if pc != nil {
		if pc.IP != "" {
			ev.Metadata["ip"] = pc.IP
		}
		if pc.UserAgent != "" {
			ev.Metadata["user_agent"] = pc.UserAgent
		}
		if pc.ResourceID != "" {
			ev.Metadata["resource_id"] = pc.ResourceID
		}
		if pc.ResourceType != "" {
			ev.Metadata["resource_type"] = pc.ResourceType
		}
	}
	e.appendAudit(ctx, ev)
}

// AuditFilter selects audit events. Zero fields match everything.
type AuditFilter struct {
	UserID     string
	ActorID    string
	Permission string
	Action     AuditAction
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// AuditReader is implemented by sinks that can be queried.
type AuditReader interface {
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// GetAccessLog queries the configured audit sink.
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	r, ok := e.audit.(AuditReader)
	if !ok {
		return nil, fmt.Errorf("audit sink %T is not queryable: %w", e.audit, ErrReadOnly)
	}
	return r.GetAccessLog(ctx, filter)
}
