package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"nexahse.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/oauth/google",
}

type managerKey struct{}
type sessionTokenKey struct{}

func contextWithManager(ctx context.Context, m *auth.Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

// managerFromContext returns the calling device's lifecycle manager, nil on
// public routes.
func managerFromContext(ctx context.Context) *auth.Manager {
	m, _ := ctx.Value(managerKey{}).(*auth.Manager)
	return m
}

func contextWithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenKey{}, token)
}

func sessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenKey{}).(string)
	return token
}

// withAuth authenticates each request by its bearer token and attaches the
// owning device's manager to the context. While that device's bootstrap is
// still resolving it answers neutrally with a retry hint rather than guessing
// either way; a token the registry does not recognize gets 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.registry == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		manager := a.registry.Resolve(token)
		if manager == nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		switch manager.State() {
		case auth.StateLoading:
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusServiceUnavailable, "session resolving")
			return
		case auth.StateUnauthenticated:
			writeError(w, r, http.StatusUnauthorized, "not signed in")
			return
		}

		ctx := contextWithManager(r.Context(), manager)
		ctx = contextWithSessionToken(ctx, token)
		if identity := manager.Identity(); identity != nil {
			ctx = auth.ContextWithIdentityID(ctx, identity.ID)
		}
		if profile := manager.Profile(); profile != nil {
			ctx = auth.ContextWithProfile(ctx, *profile)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates a handler on a section:action key, consulting the
// calling device's own gate. The superuser bypass lives in the gate, not here.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	manager := managerFromContext(r.Context())
	if manager == nil {
		writeError(w, r, http.StatusUnauthorized, "not signed in")
		return false
	}
	if manager.Gate().HasPermission(perm) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "permission denied")
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
