// Package docstore is a small document-collection API: JSON objects grouped
// into named collections and addressed by string ids. Merge semantics are
// shallow: top-level fields of an update replace the stored ones, everything
// else is kept.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("docstore: document not found")

type Document struct {
	ID   string
	Data map[string]any
}

// Decode unmarshals the document data into v.
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Collection is the narrow surface the rest of the service relies on.
type Collection interface {
	Get(ctx context.Context, id string) (Document, error)
	// Set writes the document under id. With merge the given fields are
	// folded into an existing document instead of replacing it.
	Set(ctx context.Context, id string, data map[string]any, merge bool) error
	Add(ctx context.Context, data map[string]any) (string, error)
	// AddAll appends a batch of documents atomically where the backend allows it.
	AddAll(ctx context.Context, docs []map[string]any) ([]string, error)
	// Update merges fields into an existing document; ErrNotFound otherwise.
	Update(ctx context.Context, id string, data map[string]any) error
	Delete(ctx context.Context, id string) error
	// Where returns documents whose top-level string field equals value.
	Where(ctx context.Context, field, value string) ([]Document, error)
	All(ctx context.Context) ([]Document, error)
}

type Store interface {
	Collection(name string) Collection
	Close() error
}

// Encode converts a tagged struct into document data.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable document id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
