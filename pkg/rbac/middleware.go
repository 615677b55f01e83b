package rbac

import (
	"context"
	"net/http"

	"github.com/platinummonkey/dealerops/pkg/contextkeys"
	"github.com/platinummonkey/dealerops/pkg/httputil"
)

// WithSubject stores the authenticated subject in ctx
func WithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, contextkeys.SubjectKey, subject)
}

// SubjectFromContext returns the subject stored by WithSubject
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(contextkeys.SubjectKey).(Subject)
	return s, ok
}

// OrderLoader resolves the order a request is about
type OrderLoader func(r *http.Request) (*Order, error)

// PermissionMiddleware guards handlers with the enforcement guard
type PermissionMiddleware struct {
	guard *Guard
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(guard *Guard) *PermissionMiddleware {
	return &PermissionMiddleware{guard: guard}
}

// RequirePermission requires level on module
func (pm *PermissionMiddleware) RequirePermission(module Module, level Level) func(http.Handler) http.Handler {
	return pm.require(func(*http.Request) (Request, error) {
		return Request{Module: module, Permission: level}, nil
	})
}

// RequireSystemPermission limits the route to system administrators
func (pm *PermissionMiddleware) RequireSystemPermission() func(http.Handler) http.Handler {
	return pm.require(func(*http.Request) (Request, error) {
		return Request{Module: ModuleDealerships, Permission: LevelAdmin, RequireSystemPermission: true}, nil
	})
}

// RequireDealerModule requires module to be active for the subject's dealership
func (pm *PermissionMiddleware) RequireDealerModule(module Module) func(http.Handler) http.Handler {
	return pm.require(func(*http.Request) (Request, error) {
		return Request{Module: module, RequireDealerModule: true}, nil
	})
}

// RequireOrderPermission requires level on the order load returns
func (pm *PermissionMiddleware) RequireOrderPermission(module Module, level Level, load OrderLoader) func(http.Handler) http.Handler {
	return pm.require(func(r *http.Request) (Request, error) {
		order, err := load(r)
		if err != nil {
			return Request{}, err
		}
		return Request{Module: module, Permission: level, Resource: order}, nil
	})
}

func (pm *PermissionMiddleware) require(build func(*http.Request) (Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			req, err := build(r)
			if err != nil {
				httputil.WriteNotFoundError(w, "resource not found")
				return
			}

			d, err := pm.guard.Check(r.Context(), subject, req)
			if err != nil {
				httputil.WriteServiceUnavailable(w, string(CategoryUnavailable))
				return
			}
			if !d.Allowed {
				httputil.WriteForbidden(w, string(CategoryDenied))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
