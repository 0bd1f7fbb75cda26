package workspace

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/timesheet-app/workspace-sync/docstore"
)

var quietLogger = slog.New(slog.DiscardHandler)

type pagedSource struct {
	pages  [][]DirectoryUser
	failAt int // 1-based page that fails, 0 for none
	err    error
}

func (p *pagedSource) EachPage(_ context.Context, fn func([]DirectoryUser) error) error {
	for i, page := range p.pages {
		if p.failAt == i+1 {
			return p.err
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func activeUser(id, email, given, family string) DirectoryUser {
	return DirectoryUser{
		ID:            id,
		PrimaryEmail:  email,
		GivenName:     given,
		FamilyName:    family,
		OrgUnitPath:   "/",
		LastLoginTime: "2024-05-01T10:00:00.000Z",
	}
}

type fixture struct {
	store *docstore.MemoryStore
	users *DocumentUserStore
	audit *DocumentAuditLog
}

func newFixture() *fixture {
	var store = docstore.NewMemoryStore()
	return &fixture{
		store: store,
		users: NewDocumentUserStore(store.Collection(UsersCollection)),
		audit: NewDocumentAuditLog(store.Collection(SyncLogsCollection), "test"),
	}
}

func (f *fixture) reconciler(opts ...ReconcilerOption) *Reconciler {
	opts = append([]ReconcilerOption{WithReconcilerLogger(quietLogger)}, opts...)
	return NewReconciler(f.users, f.audit, opts...)
}

func (f *fixture) logs(t *testing.T) []docstore.Document {
	t.Helper()
	docs, err := f.store.Collection(SyncLogsCollection).All(context.Background())
	if err != nil {
		t.Fatalf("read sync logs: %v", err)
	}
	return docs
}

func (f *fixture) mustUser(t *testing.T, email string) *LocalUser {
	t.Helper()
	u, err := f.users.FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("find %s: %v", email, err)
	}
	return u
}

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// fakeGoogle serves the token, userinfo and directory endpoints.
type fakeGoogle struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	pages         [][]map[string]any
	failPage      int
	assertionSubs []string
	grants        []string
	directoryAuth []string
	listQueries   []map[string]string
}

func newFakeGoogle(t *testing.T, key *rsa.PrivateKey) *fakeGoogle {
	t.Helper()
	var fg = &fakeGoogle{key: key}
	var mux = http.NewServeMux()
	mux.HandleFunc("/token", fg.token)
	mux.HandleFunc("/oauth2/v2/userinfo", fg.userinfo)
	mux.HandleFunc("/admin/directory/v1/users", fg.users)
	fg.srv = httptest.NewServer(mux)
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGoogle) URL() string { return fg.srv.URL }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fg *fakeGoogle) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}
	var grant = r.PostForm.Get("grant_type")
	fg.mu.Lock()
	fg.grants = append(fg.grants, grant)
	fg.mu.Unlock()

	switch grant {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "user-access",
			"refresh_token": "user-refresh",
			"id_token":      "user-id-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "user-refresh" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "renewed-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	case "urn:ietf:params:oauth:grant-type:jwt-bearer":
		var claims = jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(*jwt.Token) (any, error) {
			return &fg.key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_grant", "error_description": err.Error()})
			return
		}
		var sub, _ = claims["sub"].(string)
		fg.mu.Lock()
		fg.assertionSubs = append(fg.assertionSubs, sub)
		fg.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "sa-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

func (fg *fakeGoogle) userinfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer user-access" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "unauthorized"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "42",
		"email":   "admin@example.com",
		"name":    "Ada Admin",
		"picture": "https://example.com/ada.png",
	})
}

func (fg *fakeGoogle) users(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()
	fg.mu.Lock()
	fg.directoryAuth = append(fg.directoryAuth, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	fg.listQueries = append(fg.listQueries, map[string]string{
		"customer":   q.Get("customer"),
		"domain":     q.Get("domain"),
		"orderBy":    q.Get("orderBy"),
		"projection": q.Get("projection"),
		"maxResults": q.Get("maxResults"),
		"pageToken":  q.Get("pageToken"),
	})
	var pages, failPage = fg.pages, fg.failPage
	fg.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "login required"}})
		return
	}
	var index = 0
	if tok := q.Get("pageToken"); tok != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "page-"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"code": 400, "message": "bad page token"}})
			return
		}
		index = n
	}
	if failPage == index+1 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": 500, "message": "backend error"}})
		return
	}
	var body = map[string]any{"kind": "admin#directory#users", "users": []map[string]any{}}
	if index < len(pages) {
		body["users"] = pages[index]
	}
	if index+1 < len(pages) {
		body["nextPageToken"] = fmt.Sprintf("page-%d", index+1)
	}
	writeJSON(w, http.StatusOK, body)
}

func apiUser(id, email, given, family string, suspended bool) map[string]any {
	return map[string]any{
		"id":                id,
		"primaryEmail":      email,
		"name":              map[string]any{"givenName": given, "familyName": family},
		"suspended":         suspended,
		"orgUnitPath":       "/Staff",
		"isAdmin":           false,
		"lastLoginTime":     "2024-05-01T10:00:00.000Z",
		"thumbnailPhotoUrl": "https://example.com/" + id + ".png",
	}
}

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	var key = make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	return s
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}
