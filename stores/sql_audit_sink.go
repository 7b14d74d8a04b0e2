package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/squealx"
)

// SQLAuditSink persists audit events in SQL.
type SQLAuditSink struct {
	db *squealx.DB
}

var (
	_ accessctl.AuditSink   = (*SQLAuditSink)(nil)
	_ accessctl.AuditReader = (*SQLAuditSink)(nil)
)

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Append(ctx context.Context, ev *accessctl.AuditEvent) error {
	before := encodeSnapshot(ev.Before)
	after := encodeSnapshot(ev.After)
	metaB, _ := json.Marshal(ev.Metadata)
	q := `INSERT INTO audit_log(id, action, user_id, permission_id, permission, role_id, actor_id, granted, reason, before_json, after_json, occurred_at, trace_id, metadata_json)
VALUES(:id, :action, :user_id, :permission_id, :permission, :role_id, :actor_id, :granted, :reason, :before_json, :after_json, :occurred_at, :trace_id, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            ev.ID,
		"action":        string(ev.Action),
		"user_id":       ev.UserID,
		"permission_id": ev.PermissionID,
		"permission":    ev.Permission,
		"role_id":       ev.RoleID,
		"actor_id":      ev.ActorID,
		"granted":       boolToInt(ev.Granted),
		"reason":        ev.Reason,
		"before_json":   before,
		"after_json":    after,
		"occurred_at":   unixNanos(ev.Timestamp),
		"trace_id":      ev.TraceID,
		"metadata_json": string(metaB),
	})
	return err
}

func encodeSnapshot(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

func (s *SQLAuditSink) GetAccessLog(ctx context.Context, filter accessctl.AuditFilter) ([]*accessctl.AuditEvent, error) {
	q := `SELECT id, action, user_id, permission_id, permission, role_id, actor_id, granted, reason, before_json, after_json, occurred_at, trace_id, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = filter.ActorID
	}
	if filter.Permission != "" {
		q += " AND permission = :permission"
		params["permission"] = filter.Permission
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if !filter.StartTime.IsZero() {
		q += " AND occurred_at >= :start"
		params["start"] = filter.StartTime.UnixNano()
	}
	if !filter.EndTime.IsZero() {
		q += " AND occurred_at <= :end"
		params["end"] = filter.EndTime.UnixNano()
	}
	q += " ORDER BY occurred_at"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*accessctl.AuditEvent, 0)
	for r.Next() {
		var ev accessctl.AuditEvent
		var action, beforeJSON, afterJSON, metaJSON string
		var grantedInt int
		var tsRaw any
		if err := r.Scan(&ev.ID, &action, &ev.UserID, &ev.PermissionID, &ev.Permission, &ev.RoleID, &ev.ActorID,
			&grantedInt, &ev.Reason, &beforeJSON, &afterJSON, &tsRaw, &ev.TraceID, &metaJSON); err != nil {
			return nil, err
		}
		ev.Action = accessctl.AuditAction(action)
		ev.Granted = grantedInt != 0
		if t, err := timeFromRaw(tsRaw); err == nil {
			ev.Timestamp = t
		}
		// snapshots come back as generic JSON values
		if beforeJSON != "" {
			_ = json.Unmarshal([]byte(beforeJSON), &ev.Before)
		}
		if afterJSON != "" {
			_ = json.Unmarshal([]byte(afterJSON), &ev.After)
		}
		_ = json.Unmarshal([]byte(metaJSON), &ev.Metadata)
		out = append(out, &ev)
	}
	return out, nil
}
