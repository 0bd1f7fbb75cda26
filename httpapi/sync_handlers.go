package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/timesheet-app/workspace-sync/workspace"
)

const webhookTokenHeader = "X-Goog-Channel-Token"

func (a *API) syncUsers(w http.ResponseWriter, r *http.Request) {
	a.runExclusive(w, r, "Failed to sync users", func(ctx context.Context) workspace.SyncResult {
		return a.svc.Sync(ctx, workspace.SyncRequest{Strategy: workspace.StrategyServiceAccount})
	})
}

func (a *API) checkServiceAccount(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.CheckServiceAccount(r.Context())
	if err != nil {
		a.fail(w, r, statusFor(err), "Service account check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// removeNonExistentUsers prunes local users missing from the directory. It
// deletes accounts, so the caller must ask for it explicitly.
func (a *API) removeNonExistentUsers(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "confirm=true is required"})
		return
	}
	a.runExclusive(w, r, "Failed to remove users", a.svc.RemoveNonExistentUsers)
}

// workspaceUserChange is the push notification target for directory watch
// channels. Any change triggers a full service account sync.
func (a *API) workspaceUserChange(w http.ResponseWriter, r *http.Request) {
	var token = r.Header.Get(webhookTokenHeader)
	if a.cfg.WebhookToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.WebhookToken)) != 1 {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Unauthorized"})
		return
	}
	a.syncUsers(w, r)
}

// runExclusive holds the sync lock for the duration of run. A run already in
// flight answers 409.
func (a *API) runExclusive(w http.ResponseWriter, r *http.Request, message string, run func(context.Context) workspace.SyncResult) {
	release, ok, err := a.lock.TryLock(r.Context())
	if err != nil {
		a.fail(w, r, http.StatusServiceUnavailable, "Sync lock unavailable", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorBody{Error: "A workspace sync is already running"})
		return
	}
	defer release()

	var result = run(r.Context())
	if result.Success {
		writeJSON(w, http.StatusOK, result)
		return
	}
	a.fail(w, r, http.StatusInternalServerError, message, errors.New(result.Error))
}
