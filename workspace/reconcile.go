package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const flushTimeout = 15 * time.Second

// Reconciler applies directory pages to the local user collection.
type Reconciler struct {
	users    IUserStore
	audit    IAuditSink
	accounts IAccountDeleter
	workers  int
	logger   *slog.Logger
	now      func() time.Time
}

type ReconcilerOption func(*Reconciler)

// WithWorkers bounds how many users of a page are applied concurrently.
func WithWorkers(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithAccountDeleter(d IAccountDeleter) ReconcilerOption {
	return func(r *Reconciler) { r.accounts = d }
}

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func withClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(users IUserStore, audit IAuditSink, opts ...ReconcilerOption) *Reconciler {
	var r = &Reconciler{
		users:   users,
		audit:   audit,
		workers: 1,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota + 1
	outcomeAdded
	outcomeUpdated
	outcomeUnchanged
	outcomeFailed
)

type userOutcome struct {
	kind    outcomeKind
	email   string
	details any
	err     error
}

// Run reconciles every page of source. Pages already applied stay applied
// when a later page fails; the run then ends as a top-level failure.
func (r *Reconciler) Run(ctx context.Context, rc *RunContext, source IDirectorySource) SyncResult {
	rc.Append(ActionSyncStart, StatusSuccess, "", "Starting user sync", nil)
	var err = source.EachPage(ctx, func(page []DirectoryUser) error {
		return r.applyPage(ctx, rc, page)
	})
	return r.Finish(ctx, rc, err)
}

// Finish appends SYNC_END and flushes the run. A nil err means the run
// completed end to end.
func (r *Reconciler) Finish(ctx context.Context, rc *RunContext, err error) (result SyncResult) {
	result = SyncResult{RunID: rc.ID, Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		result.Details = rc.Details()
		rc.Append(ActionSyncEnd, StatusFailure, "", result.Details, err)
	} else {
		result.Details = rc.Details()
		rc.Append(ActionSyncEnd, StatusSuccess, "", result.Details, nil)
	}
	r.flush(ctx, rc)
	r.logger.Info("workspace sync finished",
		slog.String("run", rc.ID),
		slog.String("strategy", string(rc.Strategy)),
		slog.Bool("success", result.Success),
		slog.Int("added", result.Details.Added),
		slog.Int("updated", result.Details.Updated),
		slog.Int("removed", result.Details.Removed),
		slog.Int("skipped", result.Details.Skipped),
		slog.Int("errors", result.Details.Errors))
	return
}

// flush never fails the run; lost audit detail only reaches the process log.
func (r *Reconciler) flush(ctx context.Context, rc *RunContext) {
	var entries = rc.Entries()
	var flushCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := r.audit.Flush(flushCtx, entries); err != nil {
		r.logger.Error("could not persist sync audit log",
			slog.String("run", rc.ID), slog.Int("entries", len(entries)), slog.Any("err", err))
		for _, e := range entries {
			r.logger.Warn("unsaved sync audit entry",
				slog.String("run", e.RunID), slog.String("action", string(e.Action)),
				slog.String("status", string(e.Status)), slog.String("email", e.Email),
				slog.Any("details", e.Details), slog.String("error", e.Error))
		}
	}
}

// applyPage runs up to r.workers users at a time and merges their outcomes in
// listing order. Cancellation is checked before each user; users already
// started finish, the rest are never touched.
func (r *Reconciler) applyPage(ctx context.Context, rc *RunContext, page []DirectoryUser) error {
	var outcomes = make([]*userOutcome, len(page))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i := range page {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = r.applyUser(ctx, page[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		r.record(rc, out)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sync aborted between users: %w", err)
	}
	return nil
}

func (r *Reconciler) record(rc *RunContext, out *userOutcome) {
	switch out.kind {
	case outcomeSkipped:
		rc.count(func(d *SyncDetails) { d.Skipped++ })
	case outcomeUnchanged:
		rc.count(func(d *SyncDetails) { d.Unchanged++ })
	case outcomeAdded:
		rc.count(func(d *SyncDetails) { d.Added++ })
		rc.Append(ActionCreate, StatusSuccess, out.email, out.details, nil)
	case outcomeUpdated:
		rc.count(func(d *SyncDetails) { d.Updated++ })
		rc.Append(ActionUpdate, StatusSuccess, out.email, out.details, nil)
	case outcomeFailed:
		rc.count(func(d *SyncDetails) { d.Errors++ })
		rc.Append(ActionError, StatusFailure, out.email, out.details, out.err)
		r.logger.Warn("workspace user sync failed",
			slog.String("run", rc.ID), slog.String("email", out.email), slog.Any("err", out.err))
	}
}

// applyUser creates or updates one local user. Any failure, panics included,
// is turned into a failed outcome.
func (r *Reconciler) applyUser(ctx context.Context, du DirectoryUser) (out *userOutcome) {
	var email = strings.TrimSpace(du.PrimaryEmail)
	if du.Suspended || email == "" {
		return &userOutcome{kind: outcomeSkipped, email: email}
	}
	defer func() {
		if p := recover(); p != nil {
			out = &userOutcome{kind: outcomeFailed, email: email,
				details: "Failed to process user", err: fmt.Errorf("panic: %v", p)}
		}
	}()

	var local, err = r.users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return r.createUser(ctx, email, du)
	case err != nil:
		return &userOutcome{kind: outcomeFailed, email: email, details: "Failed to look up user", err: err}
	}

	var changed = changedFields(local, du)
	if len(changed) == 0 {
		return &userOutcome{kind: outcomeUnchanged, email: email}
	}
	var patch = DirectoryPatch{
		FirstName:         du.GivenName,
		LastName:          du.FamilyName,
		UpdatedAt:         r.now().UTC(),
		Synced:            true,
		WorkspaceID:       du.ID,
		OrgUnitPath:       du.OrgUnitPath,
		LastLoginTime:     du.LastLoginTime,
		IsAdmin:           du.IsAdmin,
		ThumbnailPhotoURL: du.ThumbnailPhotoURL,
	}
	if err = r.users.Update(ctx, local.ID, patch); err != nil {
		return &userOutcome{kind: outcomeFailed, email: email, details: "Failed to update user", err: err}
	}
	return &userOutcome{kind: outcomeUpdated, email: email,
		details: map[string]any{"userId": local.ID, "changed": changed}}
}

func (r *Reconciler) createUser(ctx context.Context, email string, du DirectoryUser) *userOutcome {
	var now = r.now().UTC()
	var user = &LocalUser{
		Email:             email,
		FirstName:         du.GivenName,
		LastName:          du.FamilyName,
		Role:              RoleUser,
		CreatedAt:         now,
		UpdatedAt:         now,
		Synced:            true,
		WorkspaceID:       du.ID,
		OrgUnitPath:       du.OrgUnitPath,
		LastLoginTime:     du.LastLoginTime,
		IsAdmin:           du.IsAdmin,
		ThumbnailPhotoURL: du.ThumbnailPhotoURL,
	}
	var id, err = r.users.Create(ctx, user)
	if err != nil {
		return &userOutcome{kind: outcomeFailed, email: email, details: "Failed to create user", err: err}
	}
	return &userOutcome{kind: outcomeAdded, email: email,
		details: map[string]any{"userId": id, "workspaceId": du.ID}}
}

// changedFields lists the directory-owned fields that differ from the local copy.
func changedFields(local *LocalUser, du DirectoryUser) (changed []string) {
	if local.FirstName != du.GivenName {
		changed = append(changed, "firstName")
	}
	if local.LastName != du.FamilyName {
		changed = append(changed, "lastName")
	}
	if !local.Synced {
		changed = append(changed, "synced")
	}
	if local.WorkspaceID != du.ID {
		changed = append(changed, "workspaceId")
	}
	if local.OrgUnitPath != du.OrgUnitPath {
		changed = append(changed, "orgUnitPath")
	}
	if local.LastLoginTime != du.LastLoginTime {
		changed = append(changed, "lastLoginTime")
	}
	if local.IsAdmin != du.IsAdmin {
		changed = append(changed, "isAdmin")
	}
	if local.ThumbnailPhotoURL != du.ThumbnailPhotoURL {
		changed = append(changed, "thumbnailPhotoUrl")
	}
	return
}

// RemoveNonExistentUsers deletes local users of domain whose email is not in
// valid, first from the identity provider and then locally. valid must hold
// folded emails. It is destructive and never part of a regular run.
func (r *Reconciler) RemoveNonExistentUsers(ctx context.Context, rc *RunContext, domain string, valid Set[string]) (err error) {
	if r.accounts == nil {
		return errors.New("no account deleter configured")
	}
	if strings.TrimSpace(domain) == "" {
		return errors.New("workspace domain is required to remove users")
	}
	var users []*LocalUser
	if users, err = r.users.All(ctx); err != nil {
		rc.Append(ActionDelete, StatusFailure, "", "Failed to process user removal", err)
		return
	}
	var suffix = "@" + FoldEmail(domain)
	for _, u := range users {
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("removal aborted between users: %w", err)
		}
		var email = FoldEmail(u.Email)
		if !strings.HasSuffix(email, suffix) || valid.Has(email) {
			continue
		}
		if er1 := r.removeUser(ctx, u); er1 != nil {
			rc.count(func(d *SyncDetails) { d.Errors++ })
			rc.Append(ActionDelete, StatusFailure, u.Email, "Failed to delete user", er1)
			r.logger.Warn("could not remove workspace user",
				slog.String("run", rc.ID), slog.String("email", u.Email), slog.Any("err", er1))
			continue
		}
		rc.count(func(d *SyncDetails) { d.Removed++ })
		rc.Append(ActionDelete, StatusSuccess, u.Email, map[string]any{"userId": u.ID}, nil)
	}
	return
}

func (r *Reconciler) removeUser(ctx context.Context, u *LocalUser) error {
	if err := r.accounts.DeleteAccount(ctx, u.ID); err != nil {
		return fmt.Errorf("delete identity account: %w", err)
	}
	if err := r.users.Delete(ctx, u.ID); err != nil {
		return fmt.Errorf("delete local user: %w", err)
	}
	return nil
}
