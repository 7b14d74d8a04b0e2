package accessctl_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/accessctl/stores"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// a Wednesday, mid-morning UTC
	return &fakeClock{now: time.Date(2025, 6, 11, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *stores.MemoryStore
	audit  *stores.MemoryAuditSink
	cache  *stores.LocalCache
	clock  *fakeClock
	engine *accessctl.Engine
}

// newFixture seeds a small organisation:
//
//	VIEWER  <- EDITOR  (articles.read / articles.publish)
//	MANAGER            (orders.cancel, users.manage, documents.edit, reports.view)
//	SUPER_ADMIN
func newFixture(t testing.TB, withCache bool, opts ...accessctl.EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: stores.NewMemoryStore(),
		audit: stores.NewMemoryAuditSink(),
		clock: newFakeClock(),
	}
	perms := []*accessctl.Permission{
		accessctl.NewPermissionBuilder("articles.read").Build(),
		accessctl.NewPermissionBuilder("articles.publish").Build(),
		accessctl.NewPermissionBuilder("orders.cancel").Build(),
		accessctl.NewPermissionBuilder("users.manage").Build(),
		accessctl.NewPermissionBuilder("documents.edit").Scope(accessctl.ScopeOwn).Build(),
		accessctl.NewPermissionBuilder("reports.view").Scope(accessctl.ScopeDepartment).Build(),
		accessctl.NewPermissionBuilder("legacy.export").Active(false).Build(),
	}
	for _, p := range perms {
		if err := f.store.PutPermission(ctx, p); err != nil {
			t.Fatalf("put permission: %v", err)
		}
	}
	roles := []*accessctl.Role{
		accessctl.NewRoleBuilder("VIEWER").Permissions("articles.read").Build(),
		accessctl.NewRoleBuilder("EDITOR").Parent("VIEWER").Permissions("articles.publish", "documents.edit").Build(),
		accessctl.NewRoleBuilder("MANAGER").Permissions("orders.cancel", "users.manage", "documents.edit", "reports.view").Build(),
	}
	for _, r := range roles {
		if err := f.store.PutRole(ctx, r); err != nil {
			t.Fatalf("put role: %v", err)
		}
	}
	users := []*accessctl.User{
		accessctl.NewUserBuilder("alice").Role("EDITOR").Department("news").Build(),
		accessctl.NewUserBuilder("bob").Role("MANAGER").Department("sales").Build(),
		accessctl.NewUserBuilder("carol").Role("VIEWER").Department("sales").Build(),
		accessctl.NewUserBuilder("dave").Department("sales").Build(),
		accessctl.NewUserBuilder("root").Role(accessctl.DefaultSuperAdminRole).Build(),
	}
	for _, u := range users {
		if err := f.store.PutUser(ctx, u); err != nil {
			t.Fatalf("put user: %v", err)
		}
	}

	var cache accessctl.Cache
	if withCache {
		lc, err := stores.NewLocalCache(1 << 20)
		if err != nil {
			t.Fatalf("local cache: %v", err)
		}
		t.Cleanup(lc.Close)
		f.cache = lc
		cache = lc
	}
	all := append([]accessctl.EngineOption{accessctl.WithClock(f.clock.Now)}, opts...)
	eng, err := accessctl.NewEngine(f.store, cache, f.audit, all...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = eng
	return f
}

func (f *fixture) user(t testing.TB, id string) *accessctl.User {
	t.Helper()
	u, err := f.store.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

// evaluate runs one evaluation with the fixture clock as request time.
func (f *fixture) evaluate(t testing.TB, userID, permission string, pc *accessctl.PermissionContext) *accessctl.Decision {
	t.Helper()
	return f.engine.Evaluate(context.Background(), f.user(t, userID), permission, pc)
}

// flakyRepo wraps a MemoryStore and injects failures or stalls into the
// override lookup.
type flakyRepo struct {
	*stores.MemoryStore
	mu       sync.Mutex
	err      error
	block    bool
	lookups  int
	released chan struct{}
}

func (r *flakyRepo) GetActiveOverride(ctx context.Context, userID, permissionID string, now time.Time) (*accessctl.Override, error) {
	r.mu.Lock()
	r.lookups++
	err, block := r.err, r.block
	r.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.released:
		}
	}
	if err != nil {
		return nil, err
	}
	return r.MemoryStore.GetActiveOverride(ctx, userID, permissionID, now)
}

func (r *flakyRepo) set(err error, block bool) {
	r.mu.Lock()
	r.err, r.block = err, block
	r.mu.Unlock()
}

func (r *flakyRepo) overrideLookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

// stallingLookups holds every permission-by-name lookup until released.
// entered is signalled once per lookup.
type stallingLookups struct {
	*stores.MemoryStore
	entered  chan struct{}
	released chan struct{}
}

func (r *stallingLookups) GetPermissionByName(ctx context.Context, name string) (*accessctl.Permission, error) {
	r.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.released:
	}
	return r.MemoryStore.GetPermissionByName(ctx, name)
}

var errBackendDown = errors.New("connection refused")

// brokenCache fails every operation.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errBackendDown }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errBackendDown
}
func (brokenCache) DeletePattern(context.Context, string) error { return errBackendDown }

// failingAudit rejects every event.
type failingAudit struct{}

func (failingAudit) Append(context.Context, *accessctl.AuditEvent) error { return errBackendDown }
