package workspace

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
	admin "google.golang.org/api/admin/directory/v1"
)

const (
	defaultPageSize    int64 = 500
	defaultPageTimeout       = 10 * time.Second
)

// DirectoryClient lists Workspace users page by page. It never retries; a
// failed page ends the listing with a DirectoryAPIError.
type DirectoryClient struct {
	pageTimeout time.Duration
	pageSize    int64
	limiter     *rate.Limiter
}

// NewDirectoryClient paces page requests at pagesPerSecond; zero disables pacing.
func NewDirectoryClient(pageTimeout time.Duration, pagesPerSecond float64) *DirectoryClient {
	if pageTimeout <= 0 {
		pageTimeout = defaultPageTimeout
	}
	var limiter = rate.NewLimiter(rate.Inf, 1)
	if pagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(pagesPerSecond), 1)
	}
	return &DirectoryClient{
		pageTimeout: pageTimeout,
		pageSize:    defaultPageSize,
		limiter:     limiter,
	}
}

func (dc *DirectoryClient) listCall(handle *DirectoryHandle, domain string, max int64) *admin.UsersListCall {
	var ul = handle.service.Users.List().Customer("my_customer")
	if domain != "" {
		ul = ul.Domain(domain)
	}
	return ul.OrderBy("email").Projection("full").MaxResults(max)
}

func (dc *DirectoryClient) fetchPage(ctx context.Context, handle *DirectoryHandle, domain, pageToken string, max int64) (users *admin.Users, err error) {
	var pageCtx, cancel = context.WithTimeout(ctx, dc.pageTimeout)
	defer cancel()
	var ul = dc.listCall(handle, domain, max)
	if pageToken != "" {
		ul = ul.PageToken(pageToken)
	}
	if users, err = ul.Context(pageCtx).Do(); err != nil {
		err = newDirectoryAPIError("list users", err)
	}
	return
}

// EachPage follows continuation tokens until the listing is exhausted, handing
// every page to fn in order. An error from fn stops the listing and is
// returned as is.
func (dc *DirectoryClient) EachPage(ctx context.Context, handle *DirectoryHandle, domain string, fn func([]DirectoryUser) error) (err error) {
	if handle == nil || handle.service == nil {
		return errors.New("directory handle is not initialized")
	}
	var pageToken string
	for {
		if err = dc.limiter.Wait(ctx); err != nil {
			return
		}
		var users *admin.Users
		if users, err = dc.fetchPage(ctx, handle, domain, pageToken, dc.pageSize); err != nil {
			return
		}
		var page = make([]DirectoryUser, 0, len(users.Users))
		for _, u := range users.Users {
			page = append(page, toDirectoryUser(u))
		}
		if err = fn(page); err != nil {
			return
		}
		if users.NextPageToken == "" {
			return
		}
		pageToken = users.NextPageToken
	}
}

// ListAllUsers materializes the whole listing.
func (dc *DirectoryClient) ListAllUsers(ctx context.Context, handle *DirectoryHandle, domain string) (users []DirectoryUser, err error) {
	err = dc.EachPage(ctx, handle, domain, func(page []DirectoryUser) error {
		users = append(users, page...)
		return nil
	})
	if err != nil {
		users = nil
	}
	return
}

// CheckAccess issues a single one-result listing to prove the handle works.
func (dc *DirectoryClient) CheckAccess(ctx context.Context, handle *DirectoryHandle, domain string) (err error) {
	if handle == nil || handle.service == nil {
		return errors.New("directory handle is not initialized")
	}
	_, err = dc.fetchPage(ctx, handle, domain, "", 1)
	return
}

// Source binds a handle and domain into an IDirectorySource.
func (dc *DirectoryClient) Source(handle *DirectoryHandle, domain string) IDirectorySource {
	return &directorySource{client: dc, handle: handle, domain: domain}
}

type directorySource struct {
	client *DirectoryClient
	handle *DirectoryHandle
	domain string
}

func (ds *directorySource) EachPage(ctx context.Context, fn func([]DirectoryUser) error) error {
	return ds.client.EachPage(ctx, ds.handle, ds.domain, fn)
}

func toDirectoryUser(u *admin.User) DirectoryUser {
	var du = DirectoryUser{
		ID:                u.Id,
		PrimaryEmail:      u.PrimaryEmail,
		Suspended:         u.Suspended,
		OrgUnitPath:       u.OrgUnitPath,
		LastLoginTime:     u.LastLoginTime,
		IsAdmin:           u.IsAdmin,
		ThumbnailPhotoURL: u.ThumbnailPhotoUrl,
	}
	if u.Name != nil {
		du.GivenName = u.Name.GivenName
		du.FamilyName = u.Name.FamilyName
	}
	return du
}
