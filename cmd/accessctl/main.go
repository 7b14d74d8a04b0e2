package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/accessctl"
	"github.com/oarkflow/accessctl/logger"
	"github.com/oarkflow/accessctl/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	args := os.Args[2:]
	switch cmd := os.Args[1]; cmd {
	case "validate":
		err = handleValidate(args)
	case "stats":
		err = handleStats(args)
	case "convert":
		err = handleConvert(args)
	case "apply":
		err = handleApply(args)
	case "check":
		err = handleCheck(args)
	case "permissions":
		err = handlePermissions(args)
	case "grant", "revoke":
		err = handleOverride(cmd, args)
	case "delegate":
		err = handleDelegate(args)
	case "revoke-delegation":
		err = handleRevokeDelegation(args)
	case "serve":
		err = handleServe(args)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("accessctl - permission evaluation tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  accessctl validate <file>                 - Validate configuration")
	fmt.Println("  accessctl stats <file>                    - Show configuration statistics")
	fmt.Println("  accessctl convert <input> <output>        - Convert between YAML and JSON")
	fmt.Println("  accessctl apply -c <file>                 - Seed the configured SQL store")
	fmt.Println("  accessctl check -c <file> -u <user> -p <permission> [flags]")
	fmt.Println("  accessctl permissions -c <file> -u <user> [--inherited]")
	fmt.Println("  accessctl grant|revoke -c <file> -u <user> -p <permission> --actor <id>")
	fmt.Println("  accessctl delegate -c <file> --from <id> --to <id> -p <permission> [--until <time>]")
	fmt.Println("  accessctl revoke-delegation -c <file> --id <delegation> --actor <id>")
	fmt.Println("  accessctl serve -c <file> [--addr :8080]")
	fmt.Println()
	fmt.Println("Engine settings can be overridden with ACCESSCTL_* environment variables.")
}

// commonFlags are shared by every command that builds an engine.
type commonFlags struct {
	config    string
	verbose   bool
	logFormat string
}

func newFlagSet(name string, cf *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&cf.config, "config", "c", "accessctl.yaml", "configuration file (.yaml, .yml or .json)")
	fs.BoolVarP(&cf.verbose, "verbose", "v", false, "log engine activity to stderr")
	fs.StringVar(&cf.logFormat, "log-format", "text", "log format with --verbose: text or json")
	return fs
}

func (cf commonFlags) logger() logger.Logger {
	switch {
	case !cf.verbose:
		return logger.NewNullLogger()
	case cf.logFormat == "json":
		return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	default:
		return logger.NewPhusluLogger()
	}
}

func handleValidate(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: accessctl validate <file>")
	}
	cfg, err := accessctl.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Users: %d\n", len(cfg.Users))
	fmt.Printf("  Overrides: %d\n", len(cfg.Overrides))
	fmt.Printf("  Delegations: %d\n", len(cfg.Delegations))
	return nil
}

func handleStats(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: accessctl stats <file>")
	}
	cfg, err := accessctl.LoadConfig(args[0])
	if err != nil {
		return err
	}

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat, err := os.Stat(args[0]); err == nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	scopes := map[accessctl.Scope]int{}
	conditional, inactive := 0, 0
	for _, pc := range cfg.Permissions {
		p, err := pc.Permission()
		if err != nil {
			return err
		}
		scopes[p.EffectiveScope()]++
		if !p.Conditions.Empty() {
			conditional++
		}
		if !p.Active {
			inactive++
		}
	}
	fmt.Println("Permissions:")
	fmt.Printf("  Total:       %d\n", len(cfg.Permissions))
	fmt.Printf("  Inactive:    %d\n", inactive)
	fmt.Printf("  Conditional: %d\n", conditional)
	for _, s := range []accessctl.Scope{accessctl.ScopeGlobal, accessctl.ScopeOrganization, accessctl.ScopeDepartment, accessctl.ScopeOwn} {
		fmt.Printf("  %-12s %d\n", string(s)+":", scopes[s])
	}
	fmt.Println()

	if len(cfg.Roles) > 0 {
		totalPerms := 0
		fmt.Println("Roles:")
		for _, r := range cfg.Roles {
			totalPerms += len(r.Permissions)
			if r.Parent != "" {
				fmt.Printf("  %s -> %s\n", r.Name, r.Parent)
			}
		}
		fmt.Printf("  Total direct permissions: %d\n", totalPerms)
		fmt.Printf("  Avg per role:             %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Cache TTL:          %s\n", cfg.Engine.CacheTTL)
	fmt.Printf("  Time bucket:        %s\n", cfg.Engine.TimeBucket)
	fmt.Printf("  Evaluation timeout: %s\n", cfg.Engine.EvaluationTimeout)
	fmt.Printf("  Cache backend:      %s\n", valueOr(cfg.Engine.CacheBackend, "none"))
	fmt.Printf("  Store:              %s\n", valueOr(cfg.Engine.SQLDriver, "memory"))
	return nil
}

func handleConvert(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: accessctl convert <input> <output>")
	}
	cfg, err := accessctl.LoadConfig(args[0])
	if err != nil {
		return err
	}
	var data []byte
	switch ext := strings.ToLower(filepath.Ext(args[1])); ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleApply(args []string) error {
	var cf commonFlags
	fs := newFlagSet("apply", &cf)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := accessctl.LoadConfig(cf.config)
	if err != nil {
		return err
	}
	if cfg.Engine.SQLDriver == "" {
		return errors.New("apply needs engine.sql_driver; the memory store is seeded on every run")
	}
	rt, err := openRuntime(context.Background(), cfg, cf, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := cfg.Apply(context.Background(), rt.store, time.Now()); err != nil {
		return err
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Permissions loaded: %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles loaded: %d\n", len(cfg.Roles))
	fmt.Printf("  Users loaded: %d\n", len(cfg.Users))
	return nil
}

func handleCheck(args []string) error {
	var cf commonFlags
	var req accessctl.CheckRequest
	var attrs []string
	var asJSON bool
	fs := newFlagSet("check", &cf)
	fs.StringVarP(&req.UserID, "user", "u", "", "user id")
	fs.StringVarP(&req.Permission, "permission", "p", "", "permission name")
	fs.StringVarP(&req.Resource, "resource", "r", "", "resource as type:id")
	fs.StringVar(&req.OwnerID, "owner", "", "resource owner id")
	fs.StringVar(&req.IP, "ip", "", "client ip")
	fs.StringSliceVarP(&attrs, "attr", "a", nil, "request attribute key=value (repeatable)")
	fs.BoolVar(&asJSON, "json", false, "print the decision as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req.Attributes = parseAttributes(attrs)

	ctx := context.Background()
	rt, err := loadRuntime(ctx, cf)
	if err != nil {
		return err
	}
	defer rt.Close()

	dec, err := rt.engine.Check(ctx, &req)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(dec)
	}
	verdict := "DENY"
	if dec.Granted {
		verdict = "ALLOW"
	}
	fmt.Printf("%s %s for %s: %s (matched by %s)\n", verdict, req.Permission, req.UserID, dec.Reason, dec.MatchedBy)
	if len(dec.FailedConditions) > 0 {
		fmt.Printf("  failed conditions: %s\n", strings.Join(dec.FailedConditions, ", "))
	}
	if dec.ExpiresAt != nil {
		fmt.Printf("  expires: %s\n", dec.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func handlePermissions(args []string) error {
	var cf commonFlags
	var userID string
	var inherited bool
	fs := newFlagSet("permissions", &cf)
	fs.StringVarP(&userID, "user", "u", "", "user id")
	fs.BoolVar(&inherited, "inherited", true, "include permissions inherited through parent roles")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if userID == "" {
		return errors.New("--user is required")
	}
	ctx := context.Background()
	rt, err := loadRuntime(ctx, cf)
	if err != nil {
		return err
	}
	defer rt.Close()

	user, err := rt.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	perms, err := rt.engine.GetUserPermissions(ctx, user, inherited)
	if err != nil {
		return err
	}
	for _, p := range perms {
		fmt.Printf("%-32s %s\n", p.Name, p.EffectiveScope())
	}
	return nil
}

func handleOverride(cmd string, args []string) error {
	var cf commonFlags
	var req accessctl.OverrideRequest
	var expires string
	fs := newFlagSet(cmd, &cf)
	fs.StringVarP(&req.UserID, "user", "u", "", "target user id")
	fs.StringVarP(&req.Permission, "permission", "p", "", "permission name")
	fs.StringVar(&req.ActorID, "actor", "", "acting administrator id")
	fs.StringVar(&req.Reason, "reason", "", "free-form reason")
	fs.StringVar(&expires, "expires", "", "expiry time (any format understood by the date parser)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if expires != "" {
		t, err := accessctl.ParseTime(expires)
		if err != nil {
			return err
		}
		req.ExpiresAt = &t
	}

	ctx := context.Background()
	rt, err := loadRuntime(ctx, cf)
	if err != nil {
		return err
	}
	defer rt.Close()

	var ov *accessctl.Override
	if cmd == "grant" {
		ov, err = rt.engine.Grant(ctx, req)
	} else {
		ov, err = rt.engine.Revoke(ctx, req)
	}
	if err != nil {
		return err
	}
	return printJSON(ov)
}

func handleDelegate(args []string) error {
	var cf commonFlags
	var req accessctl.DelegationRequest
	var from, until string
	var when []string
	fs := newFlagSet("delegate", &cf)
	fs.StringVar(&req.DelegatorID, "from", "", "delegator user id")
	fs.StringVar(&req.DelegateID, "to", "", "delegate user id")
	fs.StringVarP(&req.Permission, "permission", "p", "", "permission name")
	fs.StringVar(&from, "valid-from", "", "start of the validity window (default now)")
	fs.StringVar(&until, "until", "", "end of the validity window")
	fs.StringSliceVar(&when, "when", nil, `condition clause, e.g. "hours 9-17" (repeatable)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if from != "" {
		t, err := accessctl.ParseTime(from)
		if err != nil {
			return err
		}
		req.ValidFrom = t
	}
	if until != "" {
		t, err := accessctl.ParseTime(until)
		if err != nil {
			return err
		}
		req.ValidUntil = &t
	}
	if len(when) > 0 {
		conds, err := accessctl.ParseConditions(when...)
		if err != nil {
			return err
		}
		req.Conditions = conds
	}

	ctx := context.Background()
	rt, err := loadRuntime(ctx, cf)
	if err != nil {
		return err
	}
	defer rt.Close()

	d, err := rt.engine.Delegate(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(d)
}

func handleRevokeDelegation(args []string) error {
	var cf commonFlags
	var id, actor string
	fs := newFlagSet("revoke-delegation", &cf)
	fs.StringVar(&id, "id", "", "delegation id")
	fs.StringVar(&actor, "actor", "", "acting user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := loadRuntime(ctx, cf)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.engine.RevokeDelegation(ctx, id, actor); err != nil {
		return err
	}
	fmt.Printf("Delegation %s revoked\n", id)
	return nil
}

func handleServe(args []string) error {
	var cf commonFlags
	var addr string
	fs := newFlagSet("serve", &cf)
	fs.StringVar(&addr, "addr", ":8080", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := loadRuntime(ctx, cf)
	if err != nil {
		return err
	}
	defer rt.Close()

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	r.Post("/v1/check", func(w http.ResponseWriter, req *http.Request) {
		var cr accessctl.CheckRequest
		if err := json.NewDecoder(req.Body).Decode(&cr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if cr.IP == "" {
			cr.IP = accessctl.ClientIP(req, false)
		}
		dec, err := rt.engine.Check(req.Context(), &cr)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, accessctl.ErrInvalidRequest):
				status = http.StatusBadRequest
			case errors.Is(err, accessctl.ErrNotFound):
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, dec)
	})
	r.Get("/v1/users/{userID}/permissions", func(w http.ResponseWriter, req *http.Request) {
		user, err := rt.store.GetUserByID(req.Context(), chi.URLParam(req, "userID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		perms, err := rt.engine.GetUserPermissions(req.Context(), user, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, perms)
	})
	r.Post("/v1/reload", func(w http.ResponseWriter, req *http.Request) {
		rt.engine.Reload()
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	rt.log.Info("accessctl listening", "addr", addr)
	return srv.ListenAndServe()
}

// app bundles an engine with the collaborators it was built from.
type app struct {
	engine   *accessctl.Engine
	store    accessctl.Seeder
	registry *prometheus.Registry
	log      logger.Logger
	closers  []func()
}

func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func loadRuntime(ctx context.Context, cf commonFlags) (*app, error) {
	cfg, err := accessctl.LoadConfig(cf.config)
	if err != nil {
		return nil, err
	}
	return openRuntime(ctx, cfg, cf, cfg.Engine.SQLDriver == "")
}

// openRuntime builds the store, cache, audit sink and engine. The memory
// store is empty on start, so seed is set when the config must be applied.
func openRuntime(ctx context.Context, cfg *accessctl.Config, cf commonFlags, seed bool) (*app, error) {
	rt := &app{registry: prometheus.NewRegistry(), log: cf.logger()}

	var audit accessctl.AuditSink
	switch driver := cfg.Engine.SQLDriver; driver {
	case "":
		rt.store = stores.NewMemoryStore()
		audit = stores.NewMemoryAuditSink()
	case "sqlite", "pgx":
		sqlDB, err := sql.Open(driver, cfg.Engine.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		rt.closers = append(rt.closers, func() { _ = sqlDB.Close() })
		db := squealx.NewDb(sqlDB, driver, "accessctl")
		if err := stores.Migrate(ctx, db); err != nil {
			rt.Close()
			return nil, err
		}
		rt.store = stores.NewSQLStore(db)
		audit = stores.NewSQLAuditSink(db)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	var cache accessctl.Cache
	switch cfg.Engine.CacheBackend {
	case "", "none":
	case "local":
		lc, err := stores.NewLocalCache(cfg.Engine.LocalCacheMaxCost)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, lc.Close)
		cache = lc
	case "redis":
		rc, err := stores.NewRedisCacheFromURL(ctx, cfg.Engine.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rc.Close() })
		cache = rc
	default:
		rt.Close()
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Engine.CacheBackend)
	}

	if seed {
		if err := cfg.Apply(ctx, rt.store, time.Now()); err != nil {
			rt.Close()
			return nil, err
		}
	}

	metrics, err := accessctl.NewMetrics(rt.registry)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts := append(cfg.Engine.Options(), accessctl.WithLogger(rt.log), accessctl.WithMetrics(metrics))
	engine, err := accessctl.NewEngine(rt.store, cache, audit, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

func parseAttributes(kvs []string) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
