package workspace

import (
	"context"
	"log/slog"
	"sync"

	"github.com/timesheet-app/workspace-sync/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
)

// serviceAccountSource authenticates as the application itself, optionally
// impersonating a Workspace admin through domain-wide delegation.
type serviceAccountSource struct {
	account  config.ServiceAccount
	tokenURL string
	auth     *GoogleAuth
}

func (s *serviceAccountSource) Strategy() Strategy { return StrategyServiceAccount }

// TokenSource fetches a token right away so a rejected assertion surfaces as
// a ServiceAccountError before any directory call.
func (s *serviceAccountSource) TokenSource(ctx context.Context) (ts oauth2.TokenSource, err error) {
	ctx = s.auth.withClient(ctx)
	if len(s.account.CredentialsJSON) > 0 {
		var params = google.CredentialsParams{
			Scopes:  DirectoryScopes,
			Subject: s.account.Subject,
		}
		var cred *google.Credentials
		if cred, err = google.CredentialsFromJSONWithParams(ctx, s.account.CredentialsJSON, params); err != nil {
			err = &ServiceAccountError{Reason: "credentials document rejected", Err: err}
			return
		}
		ts = cred.TokenSource
	} else {
		var conf = &jwt.Config{
			Email:      s.account.Email,
			PrivateKey: []byte(s.account.PrivateKey),
			Scopes:     DirectoryScopes,
			Subject:    s.account.Subject,
			TokenURL:   s.tokenURL,
		}
		ts = conf.TokenSource(ctx)
	}

	var token *oauth2.Token
	if token, err = ts.Token(); err != nil {
		ts, err = nil, &ServiceAccountError{Reason: "token exchange rejected", Err: err}
		return
	}
	ts = oauth2.ReuseTokenSource(token, ts)
	return
}

// oauthCredentialSource uses the tokens an admin granted interactively and
// stores renewed tokens back.
type oauthCredentialSource struct {
	identityID string
	conf       *oauth2.Config
	credential *OAuthCredential
	auth       *GoogleAuth
}

func (s *oauthCredentialSource) Strategy() Strategy { return StrategyOAuth2 }

func (s *oauthCredentialSource) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	var token = s.credential.Token()
	if !token.Valid() && token.RefreshToken == "" {
		return nil, ErrCredentialExpired
	}
	return &persistingTokenSource{
		ctx:        ctx,
		base:       s.conf.TokenSource(s.auth.withClient(ctx), token),
		last:       token.AccessToken,
		identityID: s.identityID,
		auth:       s.auth,
	}, nil
}

// persistingTokenSource saves every token the base source renews.
type persistingTokenSource struct {
	ctx        context.Context
	base       oauth2.TokenSource
	identityID string
	auth       *GoogleAuth

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (token *oauth2.Token, err error) {
	if token, err = p.base.Token(); err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken == p.last {
		return
	}
	p.last = token.AccessToken
	var cred = &OAuthCredential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if er1 := p.auth.credentials.Save(p.ctx, p.identityID, cred); er1 != nil {
		p.auth.logger.Warn("could not persist refreshed workspace token",
			slog.String("identity", p.identityID), slog.Any("err", er1))
	} else {
		p.auth.logger.Info("refreshed workspace token", slog.String("identity", p.identityID))
	}
	return
}
