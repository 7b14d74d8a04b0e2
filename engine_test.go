package accessctl_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/accessctl/stores"
)

func names(perms []*accessctl.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Name)
	}
	return out
}

func TestRoleGrant(t *testing.T) {
	f := newFixture(t, false)
	dec := f.evaluate(t, "alice", "articles.publish", nil)
	if !dec.Granted {
		t.Fatalf("expected grant, got %+v", dec)
	}
	if dec.MatchedBy != accessctl.MatchedRole || !strings.Contains(dec.Reason, "EDITOR") {
		t.Fatalf("expected role EDITOR in reason, got %q (%s)", dec.Reason, dec.MatchedBy)
	}
	if dec.Delegated || dec.Failure != accessctl.FailureNone {
		t.Fatalf("unexpected flags: %+v", dec)
	}
}

func TestInheritedRoleGrant(t *testing.T) {
	f := newFixture(t, false)
	dec := f.evaluate(t, "alice", "articles.read", nil)
	if !dec.Granted {
		t.Fatalf("expected inherited grant, got %+v", dec)
	}
	if dec.Reason != "granted by role EDITOR (inherited from VIEWER)" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestRoleWithoutPermissionDenies(t *testing.T) {
	f := newFixture(t, false)
	dec := f.evaluate(t, "carol", "articles.publish", nil)
	if dec.Granted {
		t.Fatalf("expected deny")
	}
	if dec.Reason != "permission articles.publish not granted to role VIEWER" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestDefaultDenyWithoutRole(t *testing.T) {
	f := newFixture(t, false)
	dec := f.evaluate(t, "dave", "articles.read", nil)
	if dec.Granted || dec.Reason != accessctl.ReasonNotGranted || dec.MatchedBy != accessctl.MatchedDefault {
		t.Fatalf("expected default deny, got %+v", dec)
	}
}

func TestDenyOverrideBeatsRoleGrant(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.Revoke(context.Background(), accessctl.OverrideRequest{
		UserID: "alice", Permission: "articles.publish", ActorID: "bob", Reason: "suspended",
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	dec := f.evaluate(t, "alice", "articles.publish", nil)
	if dec.Granted {
		t.Fatalf("deny override must beat role grant")
	}
	if dec.MatchedBy != accessctl.MatchedOverride || dec.Reason != accessctl.ReasonOverrideDenied {
		t.Fatalf("unexpected decision %+v", dec)
	}
}

func TestGrantOverrideBeatsRoleDenial(t *testing.T) {
	f := newFixture(t, false)
	if f.evaluate(t, "carol", "orders.cancel", nil).Granted {
		t.Fatalf("carol should not hold orders.cancel through VIEWER")
	}
	_, err := f.engine.Grant(context.Background(), accessctl.OverrideRequest{
		UserID: "carol", Permission: "orders.cancel", ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	dec := f.evaluate(t, "carol", "orders.cancel", nil)
	if !dec.Granted || dec.Reason != accessctl.ReasonOverrideGranted {
		t.Fatalf("grant override must beat role denial, got %+v", dec)
	}
}

func TestOverrideExpiry(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		t.Run(fmt.Sprintf("cache=%v", withCache), func(t *testing.T) {
			f := newFixture(t, withCache)
			expires := f.clock.Now().Add(time.Hour)
			_, err := f.engine.Revoke(context.Background(), accessctl.OverrideRequest{
				UserID: "alice", Permission: "articles.publish", ActorID: "bob", ExpiresAt: &expires,
			})
			if err != nil {
				t.Fatalf("revoke: %v", err)
			}
			dec := f.evaluate(t, "alice", "articles.publish", nil)
			if dec.Granted || dec.MatchedBy != accessctl.MatchedOverride {
				t.Fatalf("expected override deny before expiry, got %+v", dec)
			}
			if dec.ExpiresAt == nil || !dec.ExpiresAt.Equal(expires) {
				t.Fatalf("expected decision to carry override expiry")
			}

			f.clock.Advance(59 * time.Minute)
			if f.evaluate(t, "alice", "articles.publish", nil).Granted {
				t.Fatalf("override still active one minute before expiry")
			}

			f.clock.Advance(2 * time.Minute)
			dec = f.evaluate(t, "alice", "articles.publish", nil)
			if !dec.Granted || dec.MatchedBy != accessctl.MatchedRole {
				t.Fatalf("expected role grant after expiry, got %+v", dec)
			}
		})
	}
}

func TestSuperAdminBypass(t *testing.T) {
	f := newFixture(t, false)
	for _, perm := range []string{"articles.publish", "no.such.permission", "legacy.export"} {
		dec := f.evaluate(t, "root", perm, nil)
		if !dec.Granted || dec.Reason != accessctl.ReasonAdministrator || dec.MatchedBy != accessctl.MatchedAdmin {
			t.Fatalf("%s: expected administrator access, got %+v", perm, dec)
		}
	}
}

func TestSuperAdminIgnoresDenyOverride(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	perm, _ := f.store.GetPermissionByName(ctx, "orders.cancel")
	_, err := f.store.UpsertOverride(ctx, &accessctl.Override{ID: "o1", UserID: "root", PermissionID: perm.ID, Granted: false})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !f.evaluate(t, "root", "orders.cancel", nil).Granted {
		t.Fatalf("super admin must not be affected by overrides")
	}
}

func TestUnknownPermissionIsIdempotent(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		f := newFixture(t, withCache)
		first := f.evaluate(t, "alice", "no.such.permission", nil)
		second := f.evaluate(t, "alice", "no.such.permission", nil)
		if first.Granted || second.Granted {
			t.Fatalf("unknown permission must never grant")
		}
		if first.Reason != second.Reason || first.Reason != "permission not found: no.such.permission" {
			t.Fatalf("reasons differ or unexpected: %q vs %q", first.Reason, second.Reason)
		}
		if first.Failure != accessctl.FailureMisconfigured {
			t.Fatalf("expected misconfigured failure, got %q", first.Failure)
		}
	}
}

func TestInactivePermission(t *testing.T) {
	f := newFixture(t, false)
	dec := f.evaluate(t, "bob", "legacy.export", nil)
	if dec.Granted || dec.Reason != "permission inactive: legacy.export" {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if dec.Reason == accessctl.ReasonNotGranted {
		t.Fatalf("misconfiguration must be distinguishable from a policy deny")
	}
}

func TestMissingSubject(t *testing.T) {
	f := newFixture(t, false)
	dec := f.engine.Evaluate(context.Background(), nil, "articles.read", nil)
	if dec.Granted || dec.Reason != "missing subject" {
		t.Fatalf("unexpected decision %+v", dec)
	}
}

func TestMissingRoleIsMisconfiguration(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.store.PutUser(ctx, &accessctl.User{ID: "erin", Role: "GHOST"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	dec := f.evaluate(t, "erin", "articles.read", nil)
	if dec.Granted || dec.Reason != "role not found: GHOST" || dec.Failure != accessctl.FailureMisconfigured {
		t.Fatalf("unexpected decision %+v", dec)
	}
}

func TestOwnScope(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := f.user(t, "alice")
	if !f.engine.CheckResourceAccess(ctx, alice, "documents.edit", "doc-1", "document", "alice") {
		t.Fatalf("owner should be able to edit own document")
	}
	if f.engine.CheckResourceAccess(ctx, alice, "documents.edit", "doc-2", "document", "bob") {
		t.Fatalf("OWN scope must deny another user's document")
	}
	dec := f.evaluate(t, "alice", "documents.edit", &accessctl.PermissionContext{ResourceID: "doc-2", ResourceOwnerID: "bob"})
	if !strings.HasPrefix(dec.Reason, "resource scope OWN not satisfied") {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
	for _, pc := range []*accessctl.PermissionContext{nil, {}, {ResourceID: "doc-3"}} {
		dec := f.evaluate(t, "alice", "documents.edit", pc)
		if dec.Granted || dec.MatchedBy != accessctl.MatchedRole {
			t.Fatalf("OWN scope without an owner must deny, got %+v", dec)
		}
	}
}

func TestDepartmentScope(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		owner string
		want  bool
	}{
		{"carol", true}, // same department
		{"alice", false},
		{"ghost", false}, // owner lookup fails closed
		{"", false},
	}
	for _, tc := range cases {
		pc := &accessctl.PermissionContext{ResourceID: "report-1", ResourceType: "report", ResourceOwnerID: tc.owner}
		if got := f.evaluate(t, "bob", "reports.view", pc).Granted; got != tc.want {
			t.Fatalf("owner %q: got %v want %v", tc.owner, got, tc.want)
		}
	}
	for _, pc := range []*accessctl.PermissionContext{nil, {}} {
		if dec := f.evaluate(t, "bob", "reports.view", pc); dec.Granted {
			t.Fatalf("DEPARTMENT scope without an owner must deny, got %+v", dec)
		}
	}
}

func TestCacheCoherenceAfterGrant(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if f.evaluate(t, "carol", "orders.cancel", nil).Granted {
		t.Fatalf("expected initial deny")
	}
	// second call is served from cache
	f.evaluate(t, "carol", "orders.cancel", nil)

	if _, err := f.engine.Grant(ctx, accessctl.OverrideRequest{UserID: "carol", Permission: "orders.cancel", ActorID: "bob"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !f.evaluate(t, "carol", "orders.cancel", nil).Granted {
		t.Fatalf("evaluate after grant observed a stale cached deny")
	}

	if _, err := f.engine.Revoke(ctx, accessctl.OverrideRequest{UserID: "carol", Permission: "orders.cancel", ActorID: "bob"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.evaluate(t, "carol", "orders.cancel", nil).Granted {
		t.Fatalf("evaluate after revoke observed a stale cached grant")
	}
}

func TestCachedEvaluationIsAudited(t *testing.T) {
	f := newFixture(t, true)
	f.evaluate(t, "alice", "articles.publish", nil)
	f.evaluate(t, "alice", "articles.publish", nil)
	events, err := f.audit.GetAccessLog(context.Background(), accessctl.AuditFilter{UserID: "alice", Action: accessctl.AuditEvaluate})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 evaluate events, got %d", len(events))
	}
	if events[0].Metadata["cached"] != false || events[1].Metadata["cached"] != true {
		t.Fatalf("unexpected cached flags: %v / %v", events[0].Metadata["cached"], events[1].Metadata["cached"])
	}
	if events[1].Permission != "articles.publish" || events[1].RoleID != "EDITOR" {
		t.Fatalf("unexpected event %+v", events[1])
	}
}

func TestCachedGrantHonoursTimeWindow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	window := &accessctl.Conditions{Time: &accessctl.TimeCondition{StartHour: accessctl.IntPtr(9), EndHour: accessctl.IntPtr(11)}}
	if err := f.store.PutPermission(ctx, accessctl.NewPermissionBuilder("tills.open").Conditions(window).Build()); err != nil {
		t.Fatalf("put permission: %v", err)
	}
	if err := f.store.PutRole(ctx, accessctl.NewRoleBuilder("CASHIER").Permissions("tills.open").Build()); err != nil {
		t.Fatalf("put role: %v", err)
	}
	if err := f.store.PutUser(ctx, accessctl.NewUserBuilder("erin").Role("CASHIER").Build()); err != nil {
		t.Fatalf("put user: %v", err)
	}

	f.clock.Advance(29 * time.Minute) // 10:59
	if dec := f.evaluate(t, "erin", "tills.open", nil); !dec.Granted {
		t.Fatalf("expected grant inside the window, got %+v", dec)
	}
	f.clock.Advance(2 * time.Minute) // 11:01, well inside the cache TTL
	if dec := f.evaluate(t, "erin", "tills.open", nil); dec.Granted {
		t.Fatalf("cached grant outlived its time window: %+v", dec)
	}
}

func TestRepositoryFailureFailsClosed(t *testing.T) {
	f := newFixture(t, true)
	repo := &flakyRepo{MemoryStore: f.store}
	eng, err := accessctl.NewEngine(repo, f.cache, f.audit, accessctl.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	alice := f.user(t, "alice")

	repo.set(errBackendDown, false)
	dec := eng.Evaluate(context.Background(), alice, "articles.publish", nil)
	if dec.Granted {
		t.Fatalf("repository failure must fail closed")
	}
	if dec.Failure != accessctl.FailureRepository || !strings.HasPrefix(dec.Reason, "repository unavailable") {
		t.Fatalf("unexpected decision %+v", dec)
	}

	repo.set(nil, false)
	before := repo.overrideLookups()
	dec = eng.Evaluate(context.Background(), alice, "articles.publish", nil)
	if !dec.Granted {
		t.Fatalf("expected grant once the repository recovered, got %+v", dec)
	}
	if repo.overrideLookups() == before {
		t.Fatalf("failure decision was served from cache")
	}
}

func TestEvaluationTimeout(t *testing.T) {
	f := newFixture(t, false)
	repo := &flakyRepo{MemoryStore: f.store, released: make(chan struct{})}
	repo.set(nil, true)
	eng, err := accessctl.NewEngine(repo, nil, f.audit, accessctl.WithEvaluationTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	start := time.Now()
	dec := eng.Evaluate(context.Background(), f.user(t, "alice"), "articles.publish", nil)
	if dec.Granted {
		t.Fatalf("timeout must fail closed")
	}
	if dec.Reason != accessctl.ReasonEvaluationTimeout || dec.Failure != accessctl.FailureTimeout {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("evaluation was not bounded: %s", elapsed)
	}
}

func TestCallerCancellationFailsClosed(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec := f.engine.Evaluate(ctx, f.user(t, "alice"), "articles.publish", nil)
	if dec.Granted || dec.Failure != accessctl.FailureTimeout {
		t.Fatalf("expected timeout deny, got %+v", dec)
	}
}

func TestCanceledCallerDoesNotFailSharedLookup(t *testing.T) {
	f := newFixture(t, false)
	repo := &stallingLookups{MemoryStore: f.store, entered: make(chan struct{}, 4), released: make(chan struct{})}
	eng, err := accessctl.NewEngine(repo, nil, f.audit, accessctl.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	alice := f.user(t, "alice")

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan *accessctl.Decision, 1)
	go func() { firstDone <- eng.Evaluate(first, alice, "articles.publish", nil) }()
	<-repo.entered

	secondDone := make(chan *accessctl.Decision, 1)
	go func() { secondDone <- eng.Evaluate(context.Background(), alice, "articles.publish", nil) }()
	// let the second caller join the in-flight lookup
	time.Sleep(50 * time.Millisecond)

	cancel()
	if dec := <-firstDone; dec.Granted || dec.Failure != accessctl.FailureTimeout {
		t.Fatalf("canceled caller: expected timeout deny, got %+v", dec)
	}
	close(repo.released)

	select {
	case dec := <-secondDone:
		if !dec.Granted {
			t.Fatalf("second caller inherited the first caller's cancellation: %+v", dec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller never finished")
	}
}

func TestBrokenCacheIsTreatedAsMiss(t *testing.T) {
	f := newFixture(t, false)
	eng, err := accessctl.NewEngine(f.store, brokenCache{}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if !eng.HasPermission(context.Background(), f.user(t, "alice"), "articles.publish", nil) {
		t.Fatalf("cache failure must not affect the decision")
	}
}

func TestAuditFailureDoesNotBlockDecision(t *testing.T) {
	f := newFixture(t, false)
	var reported []error
	eng, err := accessctl.NewEngine(f.store, nil, failingAudit{},
		accessctl.WithAuditErrorHandler(func(_ *accessctl.AuditEvent, err error) { reported = append(reported, err) }))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if !eng.HasPermission(context.Background(), f.user(t, "alice"), "articles.publish", nil) {
		t.Fatalf("audit failure must not affect the decision")
	}
	if len(reported) != 1 || !errors.Is(reported[0], errBackendDown) {
		t.Fatalf("expected audit failure to be reported once, got %v", reported)
	}
}

// cyclicRepo serves a role hierarchy that loops, as a store without write
// time checks could.
type cyclicRepo struct {
	*stores.MemoryStore
}

func (r cyclicRepo) GetRoleByName(ctx context.Context, name string) (*accessctl.Role, error) {
	switch name {
	case "A":
		return &accessctl.Role{ID: "A", Name: "A", Parent: "B"}, nil
	case "B":
		return &accessctl.Role{ID: "B", Name: "B", Parent: "A"}, nil
	}
	return r.MemoryStore.GetRoleByName(ctx, name)
}

func TestRoleCycleDeniesAtEvaluation(t *testing.T) {
	f := newFixture(t, false)
	eng, err := accessctl.NewEngine(cyclicRepo{f.store}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	dec := eng.Evaluate(context.Background(), &accessctl.User{ID: "loop", Role: "A"}, "articles.read", nil)
	if dec.Granted || dec.Reason != "invalid role hierarchy: A" {
		t.Fatalf("unexpected decision %+v", dec)
	}
}

func TestStoreRejectsRoleCycle(t *testing.T) {
	f := newFixture(t, false)
	err := f.store.PutRole(context.Background(), accessctl.NewRoleBuilder("VIEWER").Parent("EDITOR").Build())
	if !errors.Is(err, accessctl.ErrRoleCycle) {
		t.Fatalf("expected ErrRoleCycle, got %v", err)
	}
}

func TestGetUserPermissions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	alice := f.user(t, "alice")

	own, err := f.engine.GetUserPermissions(ctx, alice, false)
	if err != nil {
		t.Fatalf("own permissions: %v", err)
	}
	if got, want := names(own), []string{"articles.publish", "documents.edit"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("own: got %v want %v", got, want)
	}

	if _, err := f.engine.Grant(ctx, accessctl.OverrideRequest{UserID: "alice", Permission: "orders.cancel", ActorID: "bob"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.engine.Revoke(ctx, accessctl.OverrideRequest{UserID: "alice", Permission: "articles.read", ActorID: "bob"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	all, err := f.engine.GetUserPermissions(ctx, alice, true)
	if err != nil {
		t.Fatalf("all permissions: %v", err)
	}
	if got, want := names(all), []string{"articles.publish", "documents.edit", "orders.cancel"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("all: got %v want %v", got, want)
	}

	admin, err := f.engine.GetUserPermissions(ctx, f.user(t, "root"), true)
	if err != nil {
		t.Fatalf("admin permissions: %v", err)
	}
	if len(admin) != 6 {
		t.Fatalf("super admin should list every active permission, got %v", names(admin))
	}
}

func TestReloadRefreshesReferenceData(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if !f.evaluate(t, "alice", "articles.publish", nil).Granted {
		t.Fatalf("expected grant")
	}
	p := accessctl.NewPermissionBuilder("articles.publish").Active(false).Build()
	if err := f.store.PutPermission(ctx, p); err != nil {
		t.Fatalf("put permission: %v", err)
	}
	if !f.evaluate(t, "alice", "articles.publish", nil).Granted {
		t.Fatalf("memoized permission should be used until Reload")
	}
	f.engine.Reload()
	if dec := f.evaluate(t, "alice", "articles.publish", nil); dec.Reason != "permission inactive: articles.publish" {
		t.Fatalf("expected inactive after reload, got %+v", dec)
	}
}

func TestRolePermissions(t *testing.T) {
	f := newFixture(t, false)
	got, err := f.engine.RolePermissions(context.Background(), "EDITOR", true)
	if err != nil {
		t.Fatalf("role permissions: %v", err)
	}
	want := []string{"articles.publish", "documents.edit", "articles.read"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
