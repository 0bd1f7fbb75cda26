package workspace

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const defaultRunTimeout = 5 * time.Minute

// SyncRequest selects the credential strategy for one run. IdentityID names
// the admin whose stored OAuth credential is used by the oauth2 strategy.
type SyncRequest struct {
	Strategy   Strategy
	IdentityID string
}

type ServiceAccountStatus struct {
	Email     string `json:"email"`
	Connected bool   `json:"connected"`
	Domain    string `json:"domain"`
}

// Service ties authentication, listing and reconciliation together for the
// HTTP layer and the function entrypoints.
type Service struct {
	auth       *GoogleAuth
	directory  *DirectoryClient
	reconciler *Reconciler
	domain     string
	runTimeout time.Duration
	observer   ISyncObserver
	logger     *slog.Logger
}

type ServiceOption func(*Service)

func WithRunTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

func WithObserver(o ISyncObserver) ServiceOption {
	return func(s *Service) { s.observer = o }
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(auth *GoogleAuth, directory *DirectoryClient, reconciler *Reconciler, domain string, opts ...ServiceOption) *Service {
	var s = &Service{
		auth:       auth,
		directory:  directory,
		reconciler: reconciler,
		domain:     domain,
		runTimeout: defaultRunTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) AuthorizationURL(state string, device *DeviceParams) (string, error) {
	return s.auth.AuthorizationURL(state, device)
}

// CompleteAuthorization exchanges the code and stores the resulting
// credential under identityID. A service account check runs afterwards; its
// outcome is only logged.
func (s *Service) CompleteAuthorization(ctx context.Context, identityID, code string) (bundle *TokenBundle, err error) {
	var store = s.auth.CredentialStore()
	if store == nil {
		_, err = s.auth.oauthConfig()
		if err == nil {
			err = errors.New("credential store is not configured")
		}
		return
	}
	if bundle, err = s.auth.Exchange(ctx, code); err != nil {
		return
	}
	if err = store.Save(ctx, identityID, bundle.Credential(identityID)); err != nil {
		bundle = nil
		return
	}
	s.logger.Info("workspace connected", slog.String("identity", identityID), slog.String("email", bundle.Email))

	if status, er1 := s.CheckServiceAccount(ctx); er1 != nil {
		s.logger.Warn("service account check after connect failed", slog.Any("err", er1))
	} else {
		s.logger.Info("service account check after connect",
			slog.String("email", status.Email), slog.String("domain", status.Domain))
	}
	return
}

// Disconnect revokes the stored credential of identityID.
func (s *Service) Disconnect(ctx context.Context, identityID string) error {
	var store = s.auth.CredentialStore()
	if store == nil {
		_, err := s.auth.oauthConfig()
		return err
	}
	return store.Revoke(ctx, identityID)
}

func (s *Service) openDirectory(ctx context.Context, req SyncRequest) (handle *DirectoryHandle, err error) {
	var src ICredentialSource
	if src, err = s.auth.Source(ctx, req.Strategy, req.IdentityID); err != nil {
		return
	}
	return s.auth.DirectoryHandle(ctx, src)
}

// Sync runs one reconciliation pass. Failures before the first user is
// processed end the run with Success false.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (result SyncResult) {
	var started = time.Now()
	var runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	var rc = NewRunContext(req.Strategy)
	defer func() { s.observe(req.Strategy, result, time.Since(started)) }()

	s.logger.Info("workspace sync started", slog.String("run", rc.ID), slog.String("strategy", string(req.Strategy)))
	var handle, err = s.openDirectory(runCtx, req)
	if err != nil {
		return s.reconciler.Finish(runCtx, rc, err)
	}
	return s.reconciler.Run(runCtx, rc, s.directory.Source(handle, s.domain))
}

// CheckServiceAccount proves the service account works with a one-result listing.
func (s *Service) CheckServiceAccount(ctx context.Context) (status ServiceAccountStatus, err error) {
	var handle *DirectoryHandle
	if handle, err = s.openDirectory(ctx, SyncRequest{Strategy: StrategyServiceAccount}); err != nil {
		return
	}
	if err = s.directory.CheckAccess(ctx, handle, s.domain); err != nil {
		return
	}
	status = ServiceAccountStatus{
		Email:     s.auth.ServiceAccountEmail(),
		Connected: true,
		Domain:    s.domain,
	}
	return
}

// RemoveNonExistentUsers deletes local users of the domain that are no longer
// listed, suspended accounts counting as listed. Only an explicit admin action
// reaches it.
func (s *Service) RemoveNonExistentUsers(ctx context.Context) (result SyncResult) {
	var started = time.Now()
	var runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	var rc = NewRunContext(StrategyServiceAccount)
	defer func() { s.observe(StrategyServiceAccount, result, time.Since(started)) }()

	var handle, err = s.openDirectory(runCtx, SyncRequest{Strategy: StrategyServiceAccount})
	if err != nil {
		return s.reconciler.Finish(runCtx, rc, err)
	}
	rc.Append(ActionSyncStart, StatusSuccess, "", "Starting removal of users missing from the directory", nil)
	var users []DirectoryUser
	if users, err = s.directory.ListAllUsers(runCtx, handle, s.domain); err != nil {
		return s.reconciler.Finish(runCtx, rc, err)
	}
	var valid = NewSet[string]()
	for _, u := range users {
		if u.PrimaryEmail != "" {
			valid.Add(FoldEmail(u.PrimaryEmail))
		}
	}
	if len(valid) == 0 {
		return s.reconciler.Finish(runCtx, rc, errors.New("directory listing returned no users, refusing to remove any"))
	}
	err = s.reconciler.RemoveNonExistentUsers(runCtx, rc, s.domain, valid)
	return s.reconciler.Finish(runCtx, rc, err)
}

func (s *Service) observe(strategy Strategy, result SyncResult, elapsed time.Duration) {
	if s.observer == nil {
		return
	}
	s.observer.SyncFinished(string(strategy), result.Success, elapsed, map[string]int{
		"added":     result.Details.Added,
		"updated":   result.Details.Updated,
		"removed":   result.Details.Removed,
		"skipped":   result.Details.Skipped,
		"errors":    result.Details.Errors,
		"unchanged": result.Details.Unchanged,
	})
}
