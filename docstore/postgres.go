package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
create table if not exists documents (
	collection text not null,
	id text not null,
	data jsonb not null default '{}'::jsonb,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now(),
	primary key (collection, id)
)`

const (
	getQuery     = `select data from documents where collection = $1 and id = $2`
	replaceQuery = `insert into documents (collection, id, data) values ($1, $2, $3::jsonb) on conflict (collection, id) do update set data = excluded.data, updated_at = now()`
	mergeQuery   = `insert into documents (collection, id, data) values ($1, $2, $3::jsonb) on conflict (collection, id) do update set data = documents.data || excluded.data, updated_at = now()`
	insertQuery  = `insert into documents (collection, id, data) values ($1, $2, $3::jsonb)`
	updateQuery  = `update documents set data = data || $3::jsonb, updated_at = now() where collection = $1 and id = $2`
	deleteQuery  = `delete from documents where collection = $1 and id = $2`
	whereQuery   = `select id, data from documents where collection = $1 and data->>$2 = $3 order by id`
	allQuery     = `select id, data from documents where collection = $1 order by id`
)

// PostgresStore keeps every collection in a single jsonb table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("docstore: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Collection(name string) Collection {
	return &pgCollection{db: s.db, name: name}
}

type pgCollection struct {
	db   *sql.DB
	name string
}

func (c *pgCollection) Get(ctx context.Context, id string) (Document, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, getQuery, c.name, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return decodeRow(id, raw)
}

func (c *pgCollection) Set(ctx context.Context, id string, data map[string]any, merge bool) error {
	payload, err := json.Marshal(nonNil(data))
	if err != nil {
		return err
	}
	query := replaceQuery
	if merge {
		query = mergeQuery
	}
	_, err = c.db.ExecContext(ctx, query, c.name, id, string(payload))
	return err
}

func (c *pgCollection) Add(ctx context.Context, data map[string]any) (string, error) {
	payload, err := json.Marshal(nonNil(data))
	if err != nil {
		return "", err
	}
	id := NewID()
	if _, err := c.db.ExecContext(ctx, insertQuery, c.name, id, string(payload)); err != nil {
		return "", err
	}
	return id, nil
}

func (c *pgCollection) AddAll(ctx context.Context, docs []map[string]any) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(docs))
	for _, data := range docs {
		payload, err := json.Marshal(nonNil(data))
		if err != nil {
			return nil, err
		}
		id := NewID()
		if _, err := tx.ExecContext(ctx, insertQuery, c.name, id, string(payload)); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *pgCollection) Update(ctx context.Context, id string, data map[string]any) error {
	payload, err := json.Marshal(nonNil(data))
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, updateQuery, c.name, id, string(payload))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *pgCollection) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, deleteQuery, c.name, id)
	return err
}

func (c *pgCollection) Where(ctx context.Context, field, value string) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx, whereQuery, c.name, field, value)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

func (c *pgCollection) All(ctx context.Context) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx, allQuery, c.name)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeRow(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func decodeRow(id string, raw []byte) (Document, error) {
	data := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return Document{}, fmt.Errorf("docstore: decode %s: %w", id, err)
		}
	}
	return Document{ID: id, Data: data}, nil
}

func nonNil(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
