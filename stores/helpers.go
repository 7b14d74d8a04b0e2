package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// unixNanos encodes a time for BIGINT columns. Zero times encode as 0.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// timeFromRaw decodes a timestamp column. Drivers disagree on what they hand
// back, so integers, time.Time and text are all accepted.
func timeFromRaw(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case int64:
		if v == 0 {
			return time.Time{}, nil
		}
		return time.Unix(0, v).UTC(), nil
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseFlexibleTime(v)
	case []byte:
		return parseFlexibleTime(string(v))
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
}

func optionalTimeFromRaw(raw any) (*time.Time, error) {
	t, err := timeFromRaw(raw)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func encodeConditions(c *accessctl.Conditions) (string, error) {
	if c.Empty() {
		return "", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode conditions: %w", err)
	}
	return string(b), nil
}

func decodeConditions(s string) (*accessctl.Conditions, error) {
	if s == "" {
		return nil, nil
	}
	c := &accessctl.Conditions{}
	if err := json.Unmarshal([]byte(s), c); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	return c, nil
}

func overrideKey(userID, permissionID string) string {
	return userID + "\x00" + permissionID
}

func clonePermission(p *accessctl.Permission) *accessctl.Permission {
	if p == nil {
		return nil
	}
	dup := *p
	return &dup
}

func cloneRole(r *accessctl.Role) *accessctl.Role {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Permissions = append([]string(nil), r.Permissions...)
	return &dup
}

func cloneOverride(o *accessctl.Override) *accessctl.Override {
	if o == nil {
		return nil
	}
	dup := *o
	return &dup
}

func cloneDelegation(d *accessctl.Delegation) *accessctl.Delegation {
	if d == nil {
		return nil
	}
	dup := *d
	return &dup
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, accessctl.ErrNotFound)
}
