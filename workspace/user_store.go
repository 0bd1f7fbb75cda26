package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/timesheet-app/workspace-sync/docstore"
)

const UsersCollection = "users"

// DocumentUserStore is the IUserStore over the users collection. Document
// ids double as identity provider uids for users that signed in.
type DocumentUserStore struct {
	col docstore.Collection
}

func NewDocumentUserStore(col docstore.Collection) *DocumentUserStore {
	return &DocumentUserStore{col: col}
}

// FindByEmail matches the email exactly and returns the first hit.
func (s *DocumentUserStore) FindByEmail(ctx context.Context, email string) (user *LocalUser, err error) {
	var docs []docstore.Document
	if docs, err = s.col.Where(ctx, "email", email); err != nil {
		return
	}
	if len(docs) == 0 {
		err = fmt.Errorf("%w: %s", ErrUserNotFound, email)
		return
	}
	return decodeUser(docs[0])
}

// Get loads a user by document id.
func (s *DocumentUserStore) Get(ctx context.Context, id string) (user *LocalUser, err error) {
	var doc docstore.Document
	if doc, err = s.col.Get(ctx, id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return
	}
	return decodeUser(doc)
}

func (s *DocumentUserStore) Create(ctx context.Context, user *LocalUser) (id string, err error) {
	var data map[string]any
	if data, err = docstore.Encode(user); err != nil {
		return
	}
	if id, err = s.col.Add(ctx, data); err == nil {
		user.ID = id
	}
	return
}

// Update writes only directory-owned fields.
func (s *DocumentUserStore) Update(ctx context.Context, id string, patch DirectoryPatch) (err error) {
	var data map[string]any
	if data, err = docstore.Encode(patch); err != nil {
		return
	}
	if err = s.col.Update(ctx, id, data); errors.Is(err, docstore.ErrNotFound) {
		err = fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return
}

func (s *DocumentUserStore) All(ctx context.Context) (users []*LocalUser, err error) {
	var docs []docstore.Document
	if docs, err = s.col.All(ctx); err != nil {
		return
	}
	users = make([]*LocalUser, 0, len(docs))
	for _, doc := range docs {
		var u *LocalUser
		if u, err = decodeUser(doc); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return
}

func (s *DocumentUserStore) Delete(ctx context.Context, id string) error {
	return s.col.Delete(ctx, id)
}

func decodeUser(doc docstore.Document) (*LocalUser, error) {
	var u LocalUser
	if err := doc.Decode(&u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", doc.ID, err)
	}
	u.ID = doc.ID
	return &u, nil
}
