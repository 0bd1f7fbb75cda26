// Package identity verifies caller ID tokens and manages accounts at the
// identity provider. Tokens are HS256 JWTs whose subject is the user's uid.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/timesheet-app/workspace-sync/docstore"
)

const RevokedCollection = "revoked_identities"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("identity revoked")
)

type Identity struct {
	UID   string
	Email string
}

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret  []byte
	issuer  string
	revoked docstore.Collection
	now     func() time.Time
}

func NewJWTVerifier(secret []byte, issuer string, revoked docstore.Collection) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, revoked: revoked, now: time.Now}
}

// Verify checks signature, expiry and issuer, then rejects revoked identities.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(v.secret) == 0 {
		return Identity{}, ErrInvalidToken
	}
	var opts = []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	if v.revoked != nil {
		_, err = v.revoked.Get(ctx, claims.Subject)
		switch {
		case err == nil:
			return Identity{}, ErrRevoked
		case !errors.Is(err, docstore.ErrNotFound):
			return Identity{}, fmt.Errorf("identity: revocation lookup: %w", err)
		}
	}
	return Identity{UID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for uid. Used by tooling and tests; production tokens
// come from the identity provider with the same secret.
func (v *JWTVerifier) Issue(uid, email string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// DeleteAccount revokes uid so none of its tokens verify again.
func (v *JWTVerifier) DeleteAccount(ctx context.Context, uid string) error {
	if v.revoked == nil {
		return errors.New("identity: no revocation store configured")
	}
	return v.revoked.Set(ctx, uid, map[string]any{
		"revokedAt": v.now().UTC().Format(time.RFC3339),
	}, false)
}
