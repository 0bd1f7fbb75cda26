// Package httpapi exposes the Workspace connection and sync endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/timesheet-app/workspace-sync/config"
	"github.com/timesheet-app/workspace-sync/identity"
	"github.com/timesheet-app/workspace-sync/metrics"
	"github.com/timesheet-app/workspace-sync/workspace"
)

// IWorkspaceService is the part of workspace.Service the handlers drive.
type IWorkspaceService interface {
	AuthorizationURL(state string, device *workspace.DeviceParams) (string, error)
	CompleteAuthorization(ctx context.Context, identityID, code string) (*workspace.TokenBundle, error)
	Disconnect(ctx context.Context, identityID string) error
	Sync(ctx context.Context, req workspace.SyncRequest) workspace.SyncResult
	CheckServiceAccount(ctx context.Context) (workspace.ServiceAccountStatus, error)
	RemoveNonExistentUsers(ctx context.Context) workspace.SyncResult
}

type IVerifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

// IRoleSource resolves the local user behind a caller.
type IRoleSource interface {
	Get(ctx context.Context, id string) (*workspace.LocalUser, error)
	FindByEmail(ctx context.Context, email string) (*workspace.LocalUser, error)
}

type API struct {
	mux      *http.ServeMux
	cfg      config.Config
	svc      IWorkspaceService
	verifier IVerifier
	users    IRoleSource
	limiter  ILoginLimiter
	lock     ISyncLock
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*API)

func WithLoginLimiter(l ILoginLimiter) Option {
	return func(a *API) { a.limiter = l }
}

func WithSyncLock(l ISyncLock) Option {
	return func(a *API) { a.lock = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

func New(cfg config.Config, svc IWorkspaceService, verifier IVerifier, users IRoleSource, opts ...Option) *API {
	a := &API{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		users:    users,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.limiter == nil {
		a.limiter = NewMemoryLoginLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow)
	}
	if a.lock == nil {
		a.lock = &MemorySyncLock{}
	}

	a.route("GET /healthz", http.HandlerFunc(a.healthz))
	a.mux.Handle("GET /metrics", metrics.Handler())

	a.route("GET /auth/google/login",
		a.limitLogin(a.withAuth(a.requireRole(workspace.RoleAdmin, http.HandlerFunc(a.login)))))
	a.route("GET /auth/google/callback", http.HandlerFunc(a.callback))
	a.route("DELETE /auth/google/connection",
		a.withAuth(a.requireRole(workspace.RoleAdmin, http.HandlerFunc(a.disconnect))))

	a.route("POST /sync-workspace-users",
		a.withAuth(a.requireRole(workspace.RoleAdmin, http.HandlerFunc(a.syncUsers))))
	a.route("GET /check-service-account", a.withAuth(http.HandlerFunc(a.checkServiceAccount)))
	a.route("POST /remove-nonexistent-users",
		a.withAuth(a.requireRole(workspace.RoleSuperAdmin, http.HandlerFunc(a.removeNonExistentUsers))))
	a.route("POST /webhooks/workspace-user-change", http.HandlerFunc(a.workspaceUserChange))

	return a
}

func (a *API) Handler() http.Handler {
	return a.logRequests(a.mux)
}

// route registers h under pattern, labelled in metrics by the pattern's path.
func (a *API) route(pattern string, h http.Handler) {
	var path = pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		path = pattern[i+1:]
	}
	a.mux.Handle(pattern, metrics.Instrument(path, h))
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "workspace-sync",
		"environment": a.cfg.Environment,
	})
}

// limitLogin throttles login attempts per client IP.
func (a *API) limitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !a.limiter.Allow(r.Context(), ip) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too many login attempts, try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
