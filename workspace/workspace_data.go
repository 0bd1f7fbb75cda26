package workspace

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

type Strategy string

const (
	StrategyOAuth2         Strategy = "oauth2"
	StrategyServiceAccount Strategy = "serviceAccount"
)

func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyOAuth2:
		return StrategyOAuth2, true
	case StrategyServiceAccount, "":
		return StrategyServiceAccount, true
	}
	return "", false
}

// Role is the application role stored on a local user. Sync writes it only
// when it creates the user.
type Role string

const (
	RoleUser       Role = "USER"
	RoleOffice     Role = "OFFICE"
	RoleAdmin      Role = "ADMIN"
	RoleDeveloper  Role = "DEVELOPER"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

var roleLevels = map[Role]int{
	RoleUser:       1,
	RoleOffice:     2,
	RoleAdmin:      3,
	RoleDeveloper:  4,
	RoleSuperAdmin: 5,
}

func (r Role) Level() int {
	return roleLevels[r]
}

// AtLeast reports whether r grants the privileges of min. Unknown roles grant nothing.
func (r Role) AtLeast(min Role) bool {
	var level = r.Level()
	return level > 0 && level >= min.Level()
}

// DirectoryUser is one account as listed by the Workspace directory.
type DirectoryUser struct {
	ID                string
	PrimaryEmail      string
	GivenName         string
	FamilyName        string
	Suspended         bool
	OrgUnitPath       string
	LastLoginTime     string
	IsAdmin           bool
	ThumbnailPhotoURL string
}

// LocalUser is a document of the users collection.
type LocalUser struct {
	ID                string    `json:"-"`
	Email             string    `json:"email"`
	FirstName         string    `json:"firstName"`
	LastName          string    `json:"lastName"`
	Role              Role      `json:"role"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	Synced            bool      `json:"synced"`
	WorkspaceID       string    `json:"workspaceId"`
	OrgUnitPath       string    `json:"orgUnitPath"`
	LastLoginTime     string    `json:"lastLoginTime"`
	IsAdmin           bool      `json:"isAdmin"`
	ThumbnailPhotoURL string    `json:"thumbnailPhotoUrl"`
}

// DirectoryPatch holds the fields a sync may overwrite on an existing user.
// Role, email and creation time are deliberately absent.
type DirectoryPatch struct {
	FirstName         string    `json:"firstName"`
	LastName          string    `json:"lastName"`
	UpdatedAt         time.Time `json:"updatedAt"`
	Synced            bool      `json:"synced"`
	WorkspaceID       string    `json:"workspaceId"`
	OrgUnitPath       string    `json:"orgUnitPath"`
	LastLoginTime     string    `json:"lastLoginTime"`
	IsAdmin           bool      `json:"isAdmin"`
	ThumbnailPhotoURL string    `json:"thumbnailPhotoUrl"`
}

type SyncDetails struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
	Unchanged int `json:"unchanged"`
}

// SyncResult is the outcome of one run. Success reports whether the run
// completed end to end; per-user failures only show up in Details.Errors.
type SyncResult struct {
	RunID   string      `json:"runId,omitempty"`
	Success bool        `json:"success"`
	Details SyncDetails `json:"details"`
	Error   string      `json:"error,omitempty"`
}

// IDirectorySource yields directory users one page at a time in listing order.
type IDirectorySource interface {
	EachPage(ctx context.Context, fn func([]DirectoryUser) error) error
}

type IUserStore interface {
	FindByEmail(ctx context.Context, email string) (*LocalUser, error)
	Create(ctx context.Context, user *LocalUser) (string, error)
	Update(ctx context.Context, id string, patch DirectoryPatch) error
	All(ctx context.Context) ([]*LocalUser, error)
	Delete(ctx context.Context, id string) error
}

type IAuditSink interface {
	Flush(ctx context.Context, entries []SyncRunLog) error
}

// IAccountDeleter removes an account from the identity provider.
type IAccountDeleter interface {
	DeleteAccount(ctx context.Context, uid string) error
}

// ICredentialSource is the capability both authentication strategies share.
type ICredentialSource interface {
	Strategy() Strategy
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

// ISyncObserver is notified once per finished run.
type ISyncObserver interface {
	SyncFinished(strategy string, success bool, elapsed time.Duration, counts map[string]int)
}
