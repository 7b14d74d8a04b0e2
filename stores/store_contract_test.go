package stores

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/accessctl"
)

var epoch = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "accessctl-test")
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

// storeFactories lists every Seeder implementation; each contract test runs
// against all of them.
func storeFactories() map[string]func(t *testing.T) accessctl.Seeder {
	return map[string]func(t *testing.T) accessctl.Seeder{
		"memory": func(t *testing.T) accessctl.Seeder { return NewMemoryStore() },
		"sqlite": func(t *testing.T) accessctl.Seeder { return NewSQLStore(openSQLite(t)) },
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s accessctl.Seeder)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func seedBasics(t *testing.T, s accessctl.Seeder) {
	t.Helper()
	ctx := context.Background()
	maxAmount := &accessctl.Conditions{Value: &accessctl.ValueCondition{MaxAmount: accessctl.FloatPtr(500)}}
	require.NoError(t, s.PutPermission(ctx, accessctl.NewPermissionBuilder("orders.cancel").Conditions(maxAmount).Build()))
	require.NoError(t, s.PutPermission(ctx, accessctl.NewPermissionBuilder("articles.read").Scope(accessctl.ScopeOwn).Build()))
	require.NoError(t, s.PutRole(ctx, accessctl.NewRoleBuilder("VIEWER").ID("r-viewer").Permissions("articles.read").Build()))
	require.NoError(t, s.PutRole(ctx, accessctl.NewRoleBuilder("MANAGER").ID("r-manager").Parent("VIEWER").Permissions("orders.cancel").Build()))
	require.NoError(t, s.PutUser(ctx, accessctl.NewUserBuilder("bob").Role("MANAGER").Department("sales").Organization("acme").Build()))
	require.NoError(t, s.PutUser(ctx, accessctl.NewUserBuilder("dave").Build()))
}

func TestStoreReferenceData(t *testing.T) {
	forEachStore(t, func(t *testing.T, s accessctl.Seeder) {
		seedBasics(t, s)
		ctx := context.Background()

		p, err := s.GetPermissionByName(ctx, "orders.cancel")
		require.NoError(t, err)
		assert.Equal(t, "orders.cancel", p.ID)
		assert.Equal(t, "orders", p.Category)
		assert.Equal(t, "cancel", p.Action)
		assert.True(t, p.Active)
		require.NotNil(t, p.Conditions)
		require.NotNil(t, p.Conditions.Value)
		assert.Equal(t, 500.0, *p.Conditions.Value.MaxAmount)

		byID, err := s.GetPermissionByID(ctx, "articles.read")
		require.NoError(t, err)
		assert.Equal(t, accessctl.ScopeOwn, byID.Scope)
		assert.Nil(t, byID.Conditions)

		all, err := s.ListPermissions(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "articles.read", all[0].Name)

		r, err := s.GetRoleByName(ctx, "MANAGER")
		require.NoError(t, err)
		assert.Equal(t, "r-manager", r.ID)
		assert.Equal(t, "VIEWER", r.Parent)
		assert.Equal(t, []string{"orders.cancel"}, r.Permissions)

		u, err := s.GetUserByID(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "MANAGER", u.Role)
		assert.Equal(t, "sales", u.Department)
		assert.Equal(t, "acme", u.OrganizationID)

		_, err = s.GetUserByID(ctx, "ghost")
		assert.ErrorIs(t, err, accessctl.ErrNotFound)
		_, err = s.GetRoleByName(ctx, "NOPE")
		assert.ErrorIs(t, err, accessctl.ErrNotFound)
		_, err = s.GetPermissionByName(ctx, "nope")
		assert.ErrorIs(t, err, accessctl.ErrNotFound)
	})
}

func TestStoreRejectsRoleCycles(t *testing.T) {
	forEachStore(t, func(t *testing.T, s accessctl.Seeder) {
		seedBasics(t, s)
		ctx := context.Background()
		err := s.PutRole(ctx, accessctl.NewRoleBuilder("VIEWER").Parent("MANAGER").Build())
		assert.ErrorIs(t, err, accessctl.ErrRoleCycle)

		r, err := s.GetRoleByName(ctx, "VIEWER")
		require.NoError(t, err)
		assert.Empty(t, r.Parent, "rejected write must not be stored")

		err = s.PutRole(ctx, accessctl.NewRoleBuilder("ORPHAN").Parent("MISSING").Build())
		assert.ErrorIs(t, err, accessctl.ErrNotFound)
	})
}

func TestStoreOverrides(t *testing.T) {
	forEachStore(t, func(t *testing.T, s accessctl.Seeder) {
		seedBasics(t, s)
		ctx := context.Background()
		expires := epoch.Add(time.Hour)

		prev, err := s.UpsertOverride(ctx, &accessctl.Override{
			ID: "ov-1", UserID: "dave", PermissionID: "orders.cancel", Granted: true,
			GrantedBy: "bob", GrantedAt: epoch, ExpiresAt: &expires, Reason: "cover",
		})
		require.NoError(t, err)
		assert.Nil(t, prev)

		o, err := s.GetActiveOverride(ctx, "dave", "orders.cancel", epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "ov-1", o.ID)
		assert.True(t, o.Granted)
		assert.Equal(t, "cover", o.Reason)
		assert.True(t, o.GrantedAt.Equal(epoch))
		require.NotNil(t, o.ExpiresAt)
		assert.True(t, o.ExpiresAt.Equal(expires))

		_, err = s.GetActiveOverride(ctx, "dave", "orders.cancel", expires)
		assert.ErrorIs(t, err, accessctl.ErrNotFound, "override must lapse at its expiry")

		prev, err = s.UpsertOverride(ctx, &accessctl.Override{
			ID: "ov-2", UserID: "dave", PermissionID: "orders.cancel", Granted: false,
			GrantedBy: "bob", GrantedAt: epoch.Add(time.Minute),
		})
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "ov-1", prev.ID)

		o, err = s.GetActiveOverride(ctx, "dave", "orders.cancel", epoch.Add(48*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "ov-2", o.ID)
		assert.False(t, o.Granted)
		assert.Nil(t, o.ExpiresAt)

		list, err := s.GetOverridesFor(ctx, "dave")
		require.NoError(t, err)
		require.Len(t, list, 1, "only the current override is listed")
		assert.Equal(t, "ov-2", list[0].ID)
	})
}

func newDelegation(id string, from time.Time, until *time.Time) *accessctl.Delegation {
	return &accessctl.Delegation{
		ID: id, DelegatorID: "bob", DelegateID: "dave", PermissionID: "orders.cancel",
		ValidFrom: from, ValidUntil: until, Active: true, CreatedAt: epoch,
		Conditions: &accessctl.Conditions{Value: &accessctl.ValueCondition{MaxAmount: accessctl.FloatPtr(100)}},
	}
}

func TestStoreDelegations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s accessctl.Seeder) {
		seedBasics(t, s)
		ctx := context.Background()
		until := epoch.Add(24 * time.Hour)

		require.NoError(t, s.CreateDelegation(ctx, newDelegation("dl-1", epoch, &until)))
		err := s.CreateDelegation(ctx, newDelegation("dl-2", epoch, nil))
		assert.ErrorIs(t, err, accessctl.ErrDuplicateDelegation)

		d, err := s.GetActiveDelegation(ctx, "dave", "orders.cancel", epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "dl-1", d.ID)
		require.NotNil(t, d.Conditions)
		assert.Equal(t, 100.0, *d.Conditions.Value.MaxAmount)
		assert.True(t, d.ValidFrom.Equal(epoch))

		_, err = s.GetActiveDelegation(ctx, "dave", "orders.cancel", until)
		assert.ErrorIs(t, err, accessctl.ErrNotFound)
		_, err = s.GetActiveDelegation(ctx, "dave", "orders.cancel", epoch.Add(-time.Second))
		assert.ErrorIs(t, err, accessctl.ErrNotFound, "pending delegation must not be returned")

		require.NoError(t, s.IncrementDelegationUsage(ctx, "dl-1"))
		d.Active = false
		d.UsageCount = 0
		require.NoError(t, s.UpdateDelegation(ctx, d))

		got, err := s.GetDelegationByID(ctx, "dl-1")
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, int64(1), got.UsageCount, "update must not reset usage")
		assert.Equal(t, accessctl.DelegationRevoked, got.State(epoch))

		// revoked, so a new one is accepted
		require.NoError(t, s.CreateDelegation(ctx, newDelegation("dl-3", epoch, nil)))
		all, err := s.GetDelegationsFor(ctx, "dave")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = s.GetDelegationByID(ctx, "missing")
		assert.ErrorIs(t, err, accessctl.ErrNotFound)
		assert.ErrorIs(t, s.UpdateDelegation(ctx, newDelegation("missing", epoch, nil)), accessctl.ErrNotFound)
	})
}

func TestStoreConcurrentUsage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s accessctl.Seeder) {
		seedBasics(t, s)
		ctx := context.Background()
		require.NoError(t, s.CreateDelegation(ctx, newDelegation("dl-1", epoch, nil)))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.IncrementDelegationUsage(ctx, "dl-1"))
			}()
		}
		wg.Wait()

		d, err := s.GetDelegationByID(ctx, "dl-1")
		require.NoError(t, err)
		assert.Equal(t, int64(n), d.UsageCount)
	})
}

func TestStoreWorksWithConfigApply(t *testing.T) {
	forEachStore(t, func(t *testing.T, s accessctl.Seeder) {
		cfg := accessctl.NewConfigBuilder().
			AddPermission(accessctl.NewPermissionBuilder("orders.cancel").Build(), "amount <= 100").
			AddRole(accessctl.NewRoleBuilder("OPS").Permissions("orders.cancel").Build()).
			AddUser(accessctl.NewUserBuilder("u1").Role("OPS").Build()).
			AddUser(accessctl.NewUserBuilder("u2").Build()).
			AddOverride("u2", "orders.cancel", true, epoch.Add(time.Hour), "seeded").
			Build()
		require.NoError(t, cfg.Apply(context.Background(), s, epoch))

		eng, err := accessctl.NewEngine(s, nil, nil, accessctl.WithClock(func() time.Time { return epoch }))
		require.NoError(t, err)
		ctx := context.Background()
		u1, err := s.GetUserByID(ctx, "u1")
		require.NoError(t, err)
		u2, err := s.GetUserByID(ctx, "u2")
		require.NoError(t, err)

		small := &accessctl.PermissionContext{Attributes: map[string]any{"amount": 50}}
		large := &accessctl.PermissionContext{Attributes: map[string]any{"amount": 500}}
		assert.True(t, eng.HasPermission(ctx, u1, "orders.cancel", small))
		assert.False(t, eng.HasPermission(ctx, u1, "orders.cancel", large))
		assert.True(t, eng.HasPermission(ctx, u2, "orders.cancel", large), "override grants are unconditional")
	})
}
