package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/timesheet-app/workspace-sync/workspace"
)

const (
	stateCookie  = "oauth_state"
	deviceCookie = "device_id"
	stateTTL     = time.Hour
)

// stateClaims travel in the oauth_state cookie. ID is the anti-CSRF value also
// sent to Google as the state parameter; UID is the admin who started login.
type stateClaims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// issueState returns the state parameter and the signed cookie value bound to it.
func (a *API) issueState(uid string, secret []byte) (state, cookie string, err error) {
	var raw = make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return
	}
	state = base64.RawURLEncoding.EncodeToString(raw)
	var now = a.now()
	var claims = stateClaims{
		UID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        state,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	cookie, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	return
}

// verifyState checks the callback state against the cookie and returns the
// uid that started the flow. Every mismatch is ErrInvalidState.
func (a *API) verifyState(r *http.Request, secret []byte) (uid string, err error) {
	var state = r.URL.Query().Get("state")
	var c *http.Cookie
	if c, err = r.Cookie(stateCookie); err != nil || c.Value == "" || state == "" {
		err = workspace.ErrInvalidState
		return
	}
	var claims stateClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		err = fmt.Errorf("%w: %v", workspace.ErrInvalidState, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(claims.ID), []byte(state)) != 1 || claims.UID == "" {
		err = workspace.ErrInvalidState
		return
	}
	uid = claims.UID
	return
}

func setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
