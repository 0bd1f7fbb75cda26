package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrInvalidState is returned when the OAuth callback state is missing or
	// does not match the value issued by the login redirect.
	ErrInvalidState = errors.New("oauth state is missing or does not match")
	// ErrCredentialExpired means the stored access token expired and no
	// refresh token is available to renew it.
	ErrCredentialExpired = errors.New("stored credential expired and cannot be refreshed")
	// ErrNotFound means no credential was ever stored for the identity.
	ErrNotFound = errors.New("workspace credential not found")
	// ErrUserNotFound is returned by user lookups that match nothing.
	ErrUserNotFound = errors.New("local user not found")
)

// OAuthExchangeError wraps any failure while trading an authorization code
// for tokens or fetching the authorizing identity.
type OAuthExchangeError struct {
	Stage string
	Err   error
}

func (e *OAuthExchangeError) Error() string {
	return fmt.Sprintf("oauth exchange failed during %s: %v", e.Stage, e.Err)
}

func (e *OAuthExchangeError) Unwrap() error { return e.Err }

type ServiceAccountError struct {
	Reason string
	Err    error
}

func (e *ServiceAccountError) Error() string {
	if e.Err == nil {
		return "service account: " + e.Reason
	}
	return fmt.Sprintf("service account: %s: %v", e.Reason, e.Err)
}

func (e *ServiceAccountError) Unwrap() error { return e.Err }

// DirectoryAPIError carries the HTTP status of a failed directory call.
// Status is 0 for transport failures that never produced a response.
type DirectoryAPIError struct {
	Op     string
	Status int
	Err    error
}

func (e *DirectoryAPIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("directory api: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("directory api: %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *DirectoryAPIError) Unwrap() error { return e.Err }

func newDirectoryAPIError(op string, err error) error {
	var de *DirectoryAPIError
	if errors.As(err, &de) {
		return err
	}
	de = &DirectoryAPIError{Op: op, Err: err}
	var ge *googleapi.Error
	switch {
	case errors.As(err, &ge):
		de.Status = ge.Code
	case errors.Is(err, context.DeadlineExceeded):
		de.Status = http.StatusGatewayTimeout
	}
	return de
}
