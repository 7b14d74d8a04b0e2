package accessctl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oarkflow/accessctl/logger"
)

const (
	DefaultCacheTTL             = 300 * time.Second
	DefaultTimeBucket           = time.Minute
	DefaultSuperAdminRole       = "SUPER_ADMIN"
	DefaultUserManagePermission = "users.manage"
)

// Engine resolves permission decisions. It is safe for concurrent use.
type Engine struct {
	repo   Repository
	cache  Cache
	audit  AuditSink
	logger logger.Logger
	memo   *referenceMemo

	clock            func() time.Time
	cacheTTL         time.Duration
	timeBucket       time.Duration
	timeout          time.Duration
	superAdminRole   string
	managePermission string
	strictIP         bool
	delegatorRecheck bool

	metrics      *Metrics
	onAuditError AuditErrorHandler
	traceIDFunc  logger.TraceIDFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// NewEngine wires an engine to its collaborators. cache and audit may be nil.
func NewEngine(repo Repository, cache Cache, audit AuditSink, opts ...EngineOption) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("accessctl: repository is required")
	}
	e := &Engine{
		repo:             repo,
		cache:            cache,
		audit:            audit,
		logger:           logger.NewNullLogger(),
		clock:            time.Now,
		cacheTTL:         DefaultCacheTTL,
		timeBucket:       DefaultTimeBucket,
		superAdminRole:   DefaultSuperAdminRole,
		managePermission: DefaultUserManagePermission,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.memo = newReferenceMemo(repo)
	return e, nil
}

// WithCacheTTL sets the decision cache TTL.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %s", ttl)
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithTimeBucket sets the request-time granularity folded into cache keys.
func WithTimeBucket(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("time bucket must be positive, got %s", d)
		}
		e.timeBucket = d
		return nil
	}
}

// WithEvaluationTimeout bounds every evaluation. Zero disables the bound;
// caller deadlines still apply.
func WithEvaluationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("evaluation timeout must not be negative, got %s", d)
		}
		e.timeout = d
		return nil
	}
}

func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		e.clock = clock
		return nil
	}
}

func WithSuperAdminRole(role string) EngineOption {
	return func(e *Engine) error {
		e.superAdminRole = role
		return nil
	}
}

// WithUserManagePermission names the permission administration actors need.
func WithUserManagePermission(name string) EngineOption {
	return func(e *Engine) error {
		if name == "" {
			return errors.New("user management permission must not be empty")
		}
		e.managePermission = name
		return nil
	}
}

// StrictIP makes ip_based conditions without an allow-list deny instead of
// passing open.
func StrictIP(strict bool) EngineOption {
	return func(e *Engine) error {
		e.strictIP = strict
		return nil
	}
}

// WithDelegatorRecheck re-validates the delegator's own grant on every
// delegated evaluation instead of only at delegation time.
func WithDelegatorRecheck(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.delegatorRecheck = enabled
		return nil
	}
}

func WithAuditErrorHandler(h AuditErrorHandler) EngineOption {
	return func(e *Engine) error {
		e.onAuditError = h
		return nil
	}
}

func (e *Engine) now() time.Time { return e.clock() }

// Evaluate decides whether user holds permission in the given context. It
// never returns an error: collaborator failures are encoded in the
// decision's Failure and Reason and always deny.
func (e *Engine) Evaluate(ctx context.Context, user *User, permission string, pc *PermissionContext) *Decision {
	start := e.now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if pc == nil {
		pc = &PermissionContext{}
	}
	if pc.RequestTime.IsZero() {
		// time conditions and the cache key's time bucket must see the same instant
		stamped := *pc
		stamped.RequestTime = start
		pc = &stamped
	}
	if user == nil || user.ID == "" {
		dec := &Decision{Reason: "missing subject", MatchedBy: MatchedNone, Failure: FailureMisconfigured, Timestamp: start}
		e.recordEvaluation(ctx, user, permission, pc, dec, false, start)
		return dec
	}

	key := e.cacheKey(user.ID, permission, pc)
	if dec, ok := e.cachedDecision(ctx, key, start); ok {
		e.recordEvaluation(ctx, user, permission, pc, dec, true, start)
		return dec
	}

	dec, err := e.resolve(ctx, user, permission, pc, start, true)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		dec = e.failureDecision(err, user, permission)
	}
	dec.Timestamp = start
	if !dec.Transient() {
		e.storeDecision(ctx, key, dec, start)
	}
	e.recordEvaluation(ctx, user, permission, pc, dec, false, start)
	return dec
}

// HasPermission is the boolean form of Evaluate.
func (e *Engine) HasPermission(ctx context.Context, user *User, permission string, pc *PermissionContext) bool {
	return e.Evaluate(ctx, user, permission, pc).Granted
}

// CheckResourceAccess evaluates permission against a concrete resource.
func (e *Engine) CheckResourceAccess(ctx context.Context, user *User, permission, resourceID, resourceType, ownerID string) bool {
	pc := &PermissionContext{
		ResourceID:      resourceID,
		ResourceType:    resourceType,
		ResourceOwnerID: ownerID,
	}
	return e.HasPermission(ctx, user, permission, pc)
}

func (e *Engine) failureDecision(err error, user *User, permission string) *Decision {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.logger.Error("evaluation timed out", "user", user.ID, "permission", permission, "error", err.Error())
		return &Decision{Reason: ReasonEvaluationTimeout, MatchedBy: MatchedNone, Failure: FailureTimeout}
	}
	e.logger.Error("evaluation failed", "user", user.ID, "permission", permission, "error", err.Error())
	return &Decision{Reason: "repository unavailable: " + err.Error(), MatchedBy: MatchedNone, Failure: FailureRepository}
}

// resolve runs the precedence pipeline below the cache. A nil error always
// comes with a non-nil decision.
func (e *Engine) resolve(ctx context.Context, user *User, name string, pc *PermissionContext, now time.Time, withDelegation bool) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.isSuperAdmin(user) {
		return &Decision{Granted: true, Reason: ReasonAdministrator, MatchedBy: MatchedAdmin}, nil
	}

	perm, err := e.memo.permissionByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return &Decision{Reason: "permission not found: " + name, MatchedBy: MatchedNone, Failure: FailureMisconfigured}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get permission %s: %w", name, err)
	}
	if !perm.Active {
		return &Decision{Reason: "permission inactive: " + name, MatchedBy: MatchedNone, Failure: FailureMisconfigured}, nil
	}

	if dec, err := e.checkOverride(ctx, user, perm, now); err != nil || dec != nil {
		return dec, err
	}
	if withDelegation {
		if dec, err := e.checkDelegation(ctx, user, perm, pc, now); err != nil || dec != nil {
			return dec, err
		}
	}
	if dec, err := e.checkRole(ctx, user, perm, pc, now); err != nil || dec != nil {
		return dec, err
	}
	return &Decision{Reason: ReasonNotGranted, MatchedBy: MatchedDefault}, nil
}

func (e *Engine) isSuperAdmin(user *User) bool {
	return e.superAdminRole != "" && user.Role == e.superAdminRole
}

func (e *Engine) checkOverride(ctx context.Context, user *User, perm *Permission, now time.Time) (*Decision, error) {
	ov, err := e.repo.GetActiveOverride(ctx, user.ID, perm.ID, now)
	if errors.Is(err, ErrNotFound) || (err == nil && ov == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	if !ov.IsActive(now) {
		return nil, nil
	}
	dec := &Decision{Granted: ov.Granted, MatchedBy: MatchedOverride, ExpiresAt: ov.ExpiresAt}
	if ov.Granted {
		dec.Reason = ReasonOverrideGranted
	} else {
		dec.Reason = ReasonOverrideDenied
	}
	return dec, nil
}

func (e *Engine) warnOpenIP(res ConditionResult, userID, permission string) {
	if res.OpenIP {
		e.logger.Info("ip_based condition has no allow-list and passed open",
			"user", userID, "permission", permission)
	}
}

// GetUserPermissions lists the active permissions the user effectively
// holds outside of request conditions: role permissions (own only unless
// includeInherited), plus granting overrides and active delegations, minus
// denying overrides.
func (e *Engine) GetUserPermissions(ctx context.Context, user *User, includeInherited bool) ([]*Permission, error) {
	if user == nil {
		return nil, errors.New("user is required")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	now := e.now()

	if e.isSuperAdmin(user) {
		all, err := e.repo.ListPermissions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list permissions: %w", err)
		}
		out := make([]*Permission, 0, len(all))
		for _, p := range all {
			if p.Active {
				out = append(out, p)
			}
		}
		sortPermissions(out)
		return out, nil
	}

	byName := map[string]*Permission{}
	if user.Role != "" {
		names, err := e.rolePermissionNames(ctx, user.Role, includeInherited)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		for _, name := range names {
			p, err := e.memo.permissionByName(ctx, name)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get permission %s: %w", name, err)
			}
			byName[p.Name] = p
		}
	}

	delegations, err := e.repo.GetDelegationsFor(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get delegations: %w", err)
	}
	for _, d := range delegations {
		if !d.IsActive(now) {
			continue
		}
		p, err := e.memo.permissionByID(ctx, d.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get permission %s: %w", d.PermissionID, err)
		}
		byName[p.Name] = p
	}

	overrides, err := e.repo.GetOverridesFor(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get overrides: %w", err)
	}
	for _, o := range overrides {
		if !o.IsActive(now) {
			continue
		}
		p, err := e.memo.permissionByID(ctx, o.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get permission %s: %w", o.PermissionID, err)
		}
		if o.Granted {
			byName[p.Name] = p
		} else {
			delete(byName, p.Name)
		}
	}

	out := make([]*Permission, 0, len(byName))
	for _, p := range byName {
		if p.Active {
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

func sortPermissions(ps []*Permission) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
}

// Request is one entry of a batch evaluation.
type Request struct {
	User       *User
	Permission string
	Context    *PermissionContext
}

// EvaluateBatch evaluates requests in order. It fails fast on malformed
// requests and stops when ctx is done.
func (e *Engine) EvaluateBatch(ctx context.Context, requests []Request) ([]*Decision, error) {
	for i, r := range requests {
		if r.User == nil || r.User.ID == "" || r.Permission == "" {
			return nil, fmt.Errorf("request %d: %w: user and permission are required", i, ErrInvalidRequest)
		}
	}
	out := make([]*Decision, len(requests))
	for i, r := range requests {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("batch cancelled at request %d: %w", i, err)
		}
		out[i] = e.Evaluate(ctx, r.User, r.Permission, r.Context)
	}
	return out, nil
}

// Reload drops memoized permissions and roles so the next evaluation reads
// them from the repository again.
func (e *Engine) Reload() {
	e.memo.reset()
	e.logger.Info("reference data reloaded")
}
