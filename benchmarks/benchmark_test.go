package benchmark

import (
	"context"
	"testing"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/accessctl/logger"
	"github.com/oarkflow/accessctl/stores"
)

// NoOpAuditSink drops every event.
type NoOpAuditSink struct{}

func (NoOpAuditSink) Append(ctx context.Context, ev *accessctl.AuditEvent) error {
	return nil
}

func newEngine(b *testing.B, cache accessctl.Cache) (*accessctl.Engine, *accessctl.User) {
	b.Helper()
	ctx := context.Background()
	store := stores.NewMemoryStore()
	_ = store.PutPermission(ctx, accessctl.NewPermissionBuilder("book.read").Build())
	_ = store.PutRole(ctx, accessctl.NewRoleBuilder("reader").Permissions("book.read").Build())
	_ = store.PutRole(ctx, accessctl.NewRoleBuilder("librarian").Parent("reader").Build())
	alice := accessctl.NewUserBuilder("alice").Role("librarian").Build()
	_ = store.PutUser(ctx, alice)

	eng, err := accessctl.NewEngine(store, cache, NoOpAuditSink{}, accessctl.WithLogger(logger.NewNullLogger()))
	if err != nil {
		b.Fatalf("new engine: %v", err)
	}
	return eng, alice
}

func BenchmarkAccessctlRBAC(b *testing.B) {
	eng, alice := newEngine(b, nil)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = eng.HasPermission(ctx, alice, "book.read", nil)
	}
}

func BenchmarkAccessctlRBACCached(b *testing.B) {
	cache, err := stores.NewLocalCache(0)
	if err != nil {
		b.Fatalf("local cache: %v", err)
	}
	defer cache.Close()
	eng, alice := newEngine(b, cache)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = eng.HasPermission(ctx, alice, "book.read", nil)
	}
}

func BenchmarkCasbinRBAC(b *testing.B) {
	modelText := `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

	m, _ := model.NewModelFromString(modelText)
	e, _ := casbin.NewEnforcer(m)
	_, _ = e.AddPolicy("reader", "book", "read")
	_, _ = e.AddGroupingPolicy("librarian", "reader")
	_, _ = e.AddGroupingPolicy("alice", "librarian")

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = e.Enforce("alice", "book", "read")
	}
}
