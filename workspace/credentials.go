package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timesheet-app/workspace-sync/docstore"
	"golang.org/x/oauth2"
)

const TokensCollection = "workspace_tokens"

// OAuthCredential is the token material granted by one admin through the
// interactive consent flow.
type OAuthCredential struct {
	IdentityID   string
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Email        string
	UpdatedAt    time.Time
}

// Token converts the credential for use with an oauth2.Config.
func (c *OAuthCredential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// storedCredential is the persisted shape; token fields hold sealed values.
type storedCredential struct {
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Email        string    `json:"email,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type CredentialStore struct {
	col    docstore.Collection
	sealer *Sealer
	now    func() time.Time
}

func NewCredentialStore(col docstore.Collection, sealer *Sealer) *CredentialStore {
	return &CredentialStore{col: col, sealer: sealer, now: time.Now}
}

// Save merges cred into whatever is stored for identityID. Empty fields keep
// their stored values and the expiry never moves backward.
func (s *CredentialStore) Save(ctx context.Context, identityID string, cred *OAuthCredential) (err error) {
	if identityID == "" {
		return errors.New("credential store: identity id is required")
	}
	var merged = *cred
	merged.IdentityID = identityID

	var existing *OAuthCredential
	if existing, err = s.Load(ctx, identityID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return
		}
		existing, err = nil, nil
	}
	if existing != nil {
		if merged.AccessToken == "" {
			merged.AccessToken = existing.AccessToken
		}
		if merged.RefreshToken == "" {
			merged.RefreshToken = existing.RefreshToken
		}
		if merged.IDToken == "" {
			merged.IDToken = existing.IDToken
		}
		if merged.Email == "" {
			merged.Email = existing.Email
		}
		if existing.Expiry.After(merged.Expiry) {
			merged.Expiry = existing.Expiry
		}
	}
	merged.UpdatedAt = s.now().UTC()

	var stored = storedCredential{
		Expiry:    merged.Expiry.UTC(),
		Email:     merged.Email,
		UpdatedAt: merged.UpdatedAt,
	}
	if stored.AccessToken, err = s.sealer.Seal(identityID, merged.AccessToken); err != nil {
		return
	}
	if stored.RefreshToken, err = s.sealer.Seal(identityID, merged.RefreshToken); err != nil {
		return
	}
	if stored.IDToken, err = s.sealer.Seal(identityID, merged.IDToken); err != nil {
		return
	}

	var data map[string]any
	if data, err = docstore.Encode(stored); err != nil {
		return
	}
	if err = s.col.Set(ctx, identityID, data, true); err != nil {
		err = fmt.Errorf("credential store: save %s: %w", identityID, err)
	}
	return
}

// Load returns ErrNotFound when the identity never completed the consent flow.
func (s *CredentialStore) Load(ctx context.Context, identityID string) (cred *OAuthCredential, err error) {
	var doc docstore.Document
	if doc, err = s.col.Get(ctx, identityID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrNotFound, identityID)
		} else {
			err = fmt.Errorf("credential store: load %s: %w", identityID, err)
		}
		return
	}
	var stored storedCredential
	if err = doc.Decode(&stored); err != nil {
		return
	}
	cred = &OAuthCredential{
		IdentityID: identityID,
		Expiry:     stored.Expiry,
		Email:      stored.Email,
		UpdatedAt:  stored.UpdatedAt,
	}
	if cred.AccessToken, err = s.sealer.Open(identityID, stored.AccessToken); err != nil {
		return nil, err
	}
	if cred.RefreshToken, err = s.sealer.Open(identityID, stored.RefreshToken); err != nil {
		return nil, err
	}
	if cred.IDToken, err = s.sealer.Open(identityID, stored.IDToken); err != nil {
		return nil, err
	}
	return
}

// Revoke forgets the stored credential. It is only reached through an
// explicit admin action.
func (s *CredentialStore) Revoke(ctx context.Context, identityID string) error {
	return s.col.Delete(ctx, identityID)
}
