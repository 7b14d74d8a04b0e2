package stores

import (
	"context"
	"sync"

	"github.com/oarkflow/accessctl"
)

// MemoryAuditSink is an append-only in-memory audit log.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []*accessctl.AuditEvent
}

var (
	_ accessctl.AuditSink   = (*MemoryAuditSink)(nil)
	_ accessctl.AuditReader = (*MemoryAuditSink)(nil)
)

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{entries: make([]*accessctl.AuditEvent, 0)}
}

func (s *MemoryAuditSink) Append(ctx context.Context, ev *accessctl.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, ev)
	return nil
}

func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryAuditSink) GetAccessLog(ctx context.Context, filter accessctl.AuditFilter) ([]*accessctl.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*accessctl.AuditEvent, 0)
	for _, ev := range s.entries {
		if !matchesFilter(ev, filter) {
			continue
		}
		result = append(result, ev)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func matchesFilter(ev *accessctl.AuditEvent, f accessctl.AuditFilter) bool {
	switch {
	case f.UserID != "" && ev.UserID != f.UserID:
		return false
	case f.ActorID != "" && ev.ActorID != f.ActorID:
		return false
	case f.Permission != "" && ev.Permission != f.Permission:
		return false
	case f.Action != "" && ev.Action != f.Action:
		return false
	case !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime):
		return false
	}
	return true
}
