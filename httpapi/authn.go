package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/timesheet-app/workspace-sync/identity"
	"github.com/timesheet-app/workspace-sync/workspace"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionCookie = "__session"
)

// Principal is the authenticated caller with the role of its local user.
type Principal struct {
	identity.Identity
	Role workspace.Role
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := callerToken(r)
		if err != nil {
			a.fail(w, r, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		id, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrRevoked) {
				a.fail(w, r, http.StatusUnauthorized, "Unauthorized", err)
			} else {
				a.fail(w, r, http.StatusInternalServerError, "Authentication error", err)
			}
			return
		}
		role, err := a.roleOf(r.Context(), id)
		if err != nil {
			a.fail(w, r, http.StatusInternalServerError, "Authentication error", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), Principal{Identity: id, Role: role})))
	})
}

// roleOf reads the role from the caller's user document, matching by uid
// first and by email for users created by a sync.
func (a *API) roleOf(ctx context.Context, id identity.Identity) (workspace.Role, error) {
	u, err := a.users.Get(ctx, id.UID)
	if err == nil {
		return u.Role, nil
	}
	if !errors.Is(err, workspace.ErrUserNotFound) {
		return "", err
	}
	if id.Email == "" {
		return "", nil
	}
	if u, err = a.users.FindByEmail(ctx, id.Email); err != nil {
		if errors.Is(err, workspace.ErrUserNotFound) {
			return "", nil
		}
		return "", err
	}
	return u.Role, nil
}

// requireRole must run inside withAuth.
func (a *API) requireRole(min workspace.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="workspace-sync"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}
		if !p.Role.AtLeast(min) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "Insufficient permissions"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerToken takes the bearer token, or the session cookie set by the web
// app for browser navigations such as the login redirect.
func callerToken(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		return extractBearerToken(h)
	}
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
