package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/timesheet-app/workspace-sync/workspace"
)

const deviceName = "workspace-sync"

// login redirects an admin to the Google consent screen.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	oauth, err := a.cfg.OAuth()
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "Google OAuth is not configured", err)
		return
	}
	state, cookie, err := a.issueState(p.UID, []byte(oauth.StateSecret))
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "Failed to start Google authorization", err)
		return
	}

	var deviceID = uuid.NewString()
	if c, er1 := r.Cookie(deviceCookie); er1 == nil {
		if id, er2 := uuid.Parse(c.Value); er2 == nil {
			deviceID = id.String()
		}
	}
	target, err := a.svc.AuthorizationURL(state, &workspace.DeviceParams{DeviceID: deviceID, DeviceName: deviceName})
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "Failed to start Google authorization", err)
		return
	}

	setCookie(w, stateCookie, cookie, stateTTL)
	setCookie(w, deviceCookie, deviceID, stateTTL)
	http.Redirect(w, r, target, http.StatusFound)
}

// callback completes the consent flow and always answers with a redirect to
// the admin status page.
func (a *API) callback(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()
	if e := q.Get("error"); e != "" {
		a.logger.WarnContext(r.Context(), "google authorization denied", slog.String("error", e))
		clearCookie(w, stateCookie)
		a.redirectStatus(w, r, "oauth_denied", e)
		return
	}
	oauth, err := a.cfg.OAuth()
	if err != nil {
		a.callbackFailed(w, r, err)
		return
	}
	uid, err := a.verifyState(r, []byte(oauth.StateSecret))
	if err != nil {
		a.logger.WarnContext(r.Context(), "oauth callback rejected", slog.Any("err", err))
		clearCookie(w, stateCookie)
		a.redirectStatus(w, r, "invalid_state", "")
		return
	}
	var code = strings.TrimSpace(q.Get("code"))
	if code == "" {
		a.callbackFailed(w, r, errors.New("authorization code is missing"))
		return
	}
	if _, err = a.svc.CompleteAuthorization(r.Context(), uid, code); err != nil {
		a.callbackFailed(w, r, err)
		return
	}

	clearCookie(w, stateCookie)
	clearCookie(w, deviceCookie)
	http.Redirect(w, r, a.statusURL(url.Values{"status": {"success"}}), http.StatusFound)
}

func (a *API) callbackFailed(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.ErrorContext(r.Context(), "oauth callback failed", slog.Any("err", err))
	var message = a.detail(err.Error())
	if message == "" {
		message = "Could not connect Google Workspace"
	}
	clearCookie(w, stateCookie)
	a.redirectStatus(w, r, "callback_failed", message)
}

func (a *API) redirectStatus(w http.ResponseWriter, r *http.Request, code, message string) {
	var v = url.Values{"status": {"error"}, "error": {code}}
	if message != "" {
		v.Set("message", message)
	}
	http.Redirect(w, r, a.statusURL(v), http.StatusFound)
}

func (a *API) statusURL(v url.Values) string {
	var path = a.cfg.AdminStatusPath
	if strings.Contains(path, "?") {
		return path + "&" + v.Encode()
	}
	return path + "?" + v.Encode()
}

// disconnect forgets the caller's stored Workspace credential.
func (a *API) disconnect(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	if err := a.svc.Disconnect(r.Context(), p.UID); err != nil {
		a.fail(w, r, statusFor(err), "Failed to disconnect Google Workspace", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
