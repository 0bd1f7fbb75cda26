package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/timesheet-app/workspace-sync/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	oauth2v2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// DirectoryScopes are requested by both strategies.
var DirectoryScopes = []string{
	admin.AdminDirectoryUserReadonlyScope,
	admin.AdminDirectoryGroupReadonlyScope,
}

var identityScopes = []string{"openid", "profile", "email"}

type DeviceParams struct {
	DeviceID   string
	DeviceName string
}

// TokenBundle is what a successful authorization code exchange yields.
type TokenBundle struct {
	Token   *oauth2.Token
	IDToken string
	Email   string
	Name    string
	Picture string
}

// Credential converts the bundle for the credential store.
func (b *TokenBundle) Credential(identityID string) *OAuthCredential {
	return &OAuthCredential{
		IdentityID:   identityID,
		AccessToken:  b.Token.AccessToken,
		RefreshToken: b.Token.RefreshToken,
		IDToken:      b.IDToken,
		Expiry:       b.Token.Expiry,
		Email:        b.Email,
	}
}

// DirectoryHandle is an authenticated Admin SDK directory service.
type DirectoryHandle struct {
	Strategy Strategy
	service  *admin.Service
}

// GoogleAuth produces directory handles through one of two credential strategies.
type GoogleAuth struct {
	cfg               config.Config
	credentials       *CredentialStore
	endpoint          oauth2.Endpoint
	tokenURL          string
	directoryEndpoint string
	userinfoEndpoint  string
	httpClient        *http.Client
	logger            *slog.Logger
}

type AuthOption func(*GoogleAuth)

// WithOAuthEndpoint replaces Google's authorization and token endpoints.
func WithOAuthEndpoint(ep oauth2.Endpoint) AuthOption {
	return func(ga *GoogleAuth) { ga.endpoint = ep }
}

// WithServiceAccountTokenURL replaces the JWT bearer token endpoint used for
// private-key service accounts.
func WithServiceAccountTokenURL(u string) AuthOption {
	return func(ga *GoogleAuth) { ga.tokenURL = u }
}

func WithDirectoryEndpoint(u string) AuthOption {
	return func(ga *GoogleAuth) { ga.directoryEndpoint = u }
}

func WithUserinfoEndpoint(u string) AuthOption {
	return func(ga *GoogleAuth) { ga.userinfoEndpoint = u }
}

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) AuthOption {
	return func(ga *GoogleAuth) { ga.httpClient = c }
}

func WithAuthLogger(l *slog.Logger) AuthOption {
	return func(ga *GoogleAuth) { ga.logger = l }
}

// NewGoogleAuth binds configuration and the credential store. The store may be
// nil when interactive OAuth is not configured.
func NewGoogleAuth(cfg config.Config, credentials *CredentialStore, opts ...AuthOption) *GoogleAuth {
	var ga = &GoogleAuth{
		cfg:         cfg,
		credentials: credentials,
		endpoint:    google.Endpoint,
		tokenURL:    google.JWTTokenURL,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ga)
	}
	return ga
}

func (ga *GoogleAuth) withClient(ctx context.Context) context.Context {
	if ga.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, ga.httpClient)
	}
	return ctx
}

func (ga *GoogleAuth) oauthConfig() (conf *oauth2.Config, err error) {
	var oc config.OAuth
	if oc, err = ga.cfg.OAuth(); err != nil {
		return
	}
	var scopes = append(append([]string{}, DirectoryScopes...), identityScopes...)
	conf = &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		RedirectURL:  oc.RedirectURI,
		Endpoint:     ga.endpoint,
		Scopes:       scopes,
	}
	return
}

// AuthorizationURL builds the consent URL. The caller owns state and must
// compare it on callback.
func (ga *GoogleAuth) AuthorizationURL(state string, device *DeviceParams) (u string, err error) {
	var conf *oauth2.Config
	if conf, err = ga.oauthConfig(); err != nil {
		return
	}
	var opts = []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	if device != nil {
		if device.DeviceID != "" {
			opts = append(opts, oauth2.SetAuthURLParam("device_id", device.DeviceID))
		}
		if device.DeviceName != "" {
			opts = append(opts, oauth2.SetAuthURLParam("device_name", device.DeviceName))
		}
	}
	u = conf.AuthCodeURL(state, opts...)
	return
}

// Exchange trades an authorization code for tokens and the identity behind them.
func (ga *GoogleAuth) Exchange(ctx context.Context, code string) (bundle *TokenBundle, err error) {
	var conf *oauth2.Config
	if conf, err = ga.oauthConfig(); err != nil {
		return
	}
	if code == "" {
		err = &OAuthExchangeError{Stage: "token", Err: fmt.Errorf("authorization code is empty")}
		return
	}
	ctx = ga.withClient(ctx)

	var token *oauth2.Token
	if token, err = conf.Exchange(ctx, code); err != nil {
		err = &OAuthExchangeError{Stage: "token", Err: err}
		return
	}
	bundle = &TokenBundle{Token: token}
	if idt, ok := token.Extra("id_token").(string); ok {
		bundle.IDToken = idt
	}

	var opts = []option.ClientOption{option.WithTokenSource(conf.TokenSource(ctx, token))}
	if ga.userinfoEndpoint != "" {
		opts = append(opts, option.WithEndpoint(ga.userinfoEndpoint))
	}
	var svc *oauth2v2.Service
	if svc, err = oauth2v2.NewService(ctx, opts...); err != nil {
		bundle, err = nil, &OAuthExchangeError{Stage: "userinfo", Err: err}
		return
	}
	var info *oauth2v2.Userinfo
	if info, err = svc.Userinfo.Get().Context(ctx).Do(); err != nil {
		bundle, err = nil, &OAuthExchangeError{Stage: "userinfo", Err: err}
		return
	}
	bundle.Email = info.Email
	bundle.Name = info.Name
	bundle.Picture = info.Picture
	return
}

// Source selects the credential variant for a strategy. identityID is only
// used by the oauth2 strategy.
func (ga *GoogleAuth) Source(ctx context.Context, strategy Strategy, identityID string) (src ICredentialSource, err error) {
	switch strategy {
	case StrategyServiceAccount:
		var sa config.ServiceAccount
		if sa, err = ga.cfg.ServiceAccount(); err != nil {
			err = &ServiceAccountError{Reason: "incomplete configuration", Err: err}
			return
		}
		src = &serviceAccountSource{account: sa, tokenURL: ga.tokenURL, auth: ga}
	case StrategyOAuth2:
		var conf *oauth2.Config
		if conf, err = ga.oauthConfig(); err != nil {
			return
		}
		if ga.credentials == nil {
			err = &config.ConfigurationError{Component: "oauth", Missing: []string{"ENCRYPTION_KEY"}}
			return
		}
		if identityID == "" {
			err = fmt.Errorf("%w: no identity given for the oauth2 strategy", ErrNotFound)
			return
		}
		var cred *OAuthCredential
		if cred, err = ga.credentials.Load(ctx, identityID); err != nil {
			return
		}
		src = &oauthCredentialSource{identityID: identityID, conf: conf, credential: cred, auth: ga}
	default:
		err = fmt.Errorf("unknown credential strategy %q", strategy)
	}
	return
}

// DirectoryHandle opens the Admin SDK directory service with the source's tokens.
func (ga *GoogleAuth) DirectoryHandle(ctx context.Context, src ICredentialSource) (handle *DirectoryHandle, err error) {
	var ts oauth2.TokenSource
	if ts, err = src.TokenSource(ctx); err != nil {
		return
	}
	var opts = []option.ClientOption{option.WithTokenSource(ts)}
	if ga.directoryEndpoint != "" {
		opts = append(opts, option.WithEndpoint(ga.directoryEndpoint))
	}
	var directory *admin.Service
	if directory, err = admin.NewService(ga.withClient(ctx), opts...); err != nil {
		err = newDirectoryAPIError("open service", err)
		return
	}
	handle = &DirectoryHandle{Strategy: src.Strategy(), service: directory}
	return
}

// ServiceAccountEmail returns the configured account, falling back to the
// client_email of a credentials document.
func (ga *GoogleAuth) ServiceAccountEmail() string {
	if ga.cfg.ServiceAccountEmail != "" {
		return ga.cfg.ServiceAccountEmail
	}
	var doc struct {
		ClientEmail string `json:"client_email"`
	}
	if len(ga.cfg.ServiceAccountJSON) > 0 {
		if err := json.Unmarshal(ga.cfg.ServiceAccountJSON, &doc); err == nil {
			return doc.ClientEmail
		}
	}
	return ""
}

// CredentialStore exposes the store backing the oauth2 strategy; nil when
// interactive OAuth is not configured.
func (ga *GoogleAuth) CredentialStore() *CredentialStore {
	return ga.credentials
}
