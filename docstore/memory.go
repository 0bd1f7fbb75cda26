package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore keeps collections in process. Documents are normalized through
// JSON on write so readers observe the same value types the Postgres backend
// returns.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]map[string]any)}
}

func (s *MemoryStore) Collection(name string) Collection {
	return &memoryCollection{store: s, name: name}
}

func (s *MemoryStore) Close() error { return nil }

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) docs() map[string]map[string]any {
	docs, ok := c.store.collections[c.name]
	if !ok {
		docs = make(map[string]map[string]any)
		c.store.collections[c.name] = docs
	}
	return docs
}

func (c *memoryCollection) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	data, ok := c.store.collections[c.name][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: clone(data)}, nil
}

func (c *memoryCollection) Set(ctx context.Context, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	norm, err := normalize(data)
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	docs := c.docs()
	if existing, ok := docs[id]; ok && merge {
		for k, v := range norm {
			existing[k] = v
		}
		return nil
	}
	docs[id] = norm
	return nil
}

func (c *memoryCollection) Add(ctx context.Context, data map[string]any) (string, error) {
	ids, err := c.AddAll(ctx, []map[string]any{data})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (c *memoryCollection) AddAll(ctx context.Context, batch []map[string]any) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized := make([]map[string]any, 0, len(batch))
	for _, data := range batch {
		norm, err := normalize(data)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, norm)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	docs := c.docs()
	ids := make([]string, 0, len(normalized))
	for _, norm := range normalized {
		id := NewID()
		docs[id] = norm
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *memoryCollection) Update(ctx context.Context, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	norm, err := normalize(data)
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	existing, ok := c.store.collections[c.name][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range norm {
		existing[k] = v
	}
	return nil
}

func (c *memoryCollection) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.collections[c.name], id)
	return nil
}

func (c *memoryCollection) Where(ctx context.Context, field, value string) ([]Document, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Document
	for _, d := range all {
		if s, ok := d.Data[field].(string); ok && s == value {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *memoryCollection) All(ctx context.Context) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	docs := c.store.collections[c.name]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, Document{ID: id, Data: clone(docs[id])})
	}
	return out, nil
}

func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// clone copies top-level fields; nested values are never mutated in place.
func clone(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
