package accessctl

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type decisionCtxKey struct{}

// ContextWithDecision attaches a decision to ctx.
func ContextWithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, d)
}

// DecisionFromContext returns the decision stored by RequirePermission.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionCtxKey{}).(*Decision)
	return d, ok
}

// HTTPOptions configures RequirePermission. Subject is required; the other
// extractors are optional.
type HTTPOptions struct {
	Subject    func(r *http.Request) (*User, error)
	Resource   func(r *http.Request) (id, resourceType, ownerID string)
	Attributes func(r *http.Request) map[string]any
	// TrustForwardedFor takes the client IP from X-Forwarded-For when set.
	TrustForwardedFor bool
	OnDenied          func(w http.ResponseWriter, r *http.Request, d *Decision)
	OnError           func(w http.ResponseWriter, r *http.Request, err error)
}

var errNoSubject = errors.New("no subject resolved for request")

func defaultDenied(w http.ResponseWriter, _ *http.Request, d *Decision) {
	status := http.StatusForbidden
	if d != nil && d.Transient() {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, http.StatusText(status), status)
}

func defaultError(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// RequirePermission returns net/http middleware that admits a request only
// when the resolved subject holds permission.
func (e *Engine) RequirePermission(permission string, opts HTTPOptions) func(http.Handler) http.Handler {
	if opts.OnDenied == nil {
		opts.OnDenied = defaultDenied
	}
	if opts.OnError == nil {
		opts.OnError = defaultError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Subject == nil {
				e.logger.Error("permission middleware misconfigured", "permission", permission)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			user, err := opts.Subject(r)
			if err != nil || user == nil {
				if err == nil {
					err = errNoSubject
				}
				opts.OnError(w, r, err)
				return
			}
			pc := e.requestContext(r, opts)
			dec := e.Evaluate(r.Context(), user, permission, pc)
			r = r.WithContext(ContextWithDecision(r.Context(), dec))
			if !dec.Granted {
				opts.OnDenied(w, r, dec)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (e *Engine) requestContext(r *http.Request, opts HTTPOptions) *PermissionContext {
	pc := &PermissionContext{
		IP:          ClientIP(r, opts.TrustForwardedFor),
		UserAgent:   r.UserAgent(),
		RequestTime: e.now(),
	}
	if opts.Resource != nil {
		pc.ResourceID, pc.ResourceType, pc.ResourceOwnerID = opts.Resource(r)
	}
	if opts.Attributes != nil {
		pc.Attributes = opts.Attributes(r)
	}
	return pc
}

// ClientIP returns the caller address. The first X-Forwarded-For entry wins
// when trustForwarded is set.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ChiResource builds a Resource extractor from a chi URL parameter, for
// routes such as /orders/{orderID}. owner may be nil.
func ChiResource(param, resourceType string, owner func(r *http.Request, id string) string) func(r *http.Request) (string, string, string) {
	return func(r *http.Request) (string, string, string) {
		id := chi.URLParam(r, param)
		ownerID := ""
		if owner != nil && id != "" {
			ownerID = owner(r, id)
		}
		return id, resourceType, ownerID
	}
}
