package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS entities_type_idx ON entities (type, created_at);
`

// PostgresStore keeps entities as JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool, verifies it and ensures the schema exists.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Get returns the entity with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Entity, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM entities WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entity{}, apperrors.NotFoundError("entity " + id)
		}
		return Entity{}, apperrors.BrokerError("failed to get entity", err)
	}

	var e Entity
	if err := json.Unmarshal(doc, &e); err != nil {
		return Entity{}, apperrors.BrokerError("failed to decode entity", err)
	}
	return e, nil
}

// Query returns all entities of typ, oldest first.
func (s *PostgresStore) Query(ctx context.Context, typ string) ([]Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM entities WHERE type = $1 ORDER BY created_at, id`, typ)
	if err != nil {
		return nil, apperrors.BrokerError("failed to query entities", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, apperrors.BrokerError("failed to scan entity", err)
		}
		var e Entity
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, apperrors.BrokerError("failed to decode entity", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.BrokerError("failed to iterate entities", err)
	}
	return out, nil
}

// Upsert creates e or merges it into the entity with the same identity.
func (s *PostgresStore) Upsert(ctx context.Context, e Entity) (UpsertResult, error) {
	return upsert(ctx, s, e)
}

// Update overwrites the named attributes of an existing entity.
func (s *PostgresStore) Update(ctx context.Context, id string, attrs map[string]Attribute) error {
	patch, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET doc = doc || $2::jsonb, updated_at = NOW() WHERE id = $1`,
		id, patch,
	)
	if err != nil {
		return apperrors.BrokerError("failed to update entity", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("entity " + id)
	}
	return nil
}

func (s *PostgresStore) create(ctx context.Context, e Entity) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, type, doc)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = $3, updated_at = NOW()`,
		e.ID, e.Type, doc,
	)
	if err != nil {
		return apperrors.BrokerError("failed to save entity", err)
	}
	return nil
}

// appendAttrs adds attributes the stored document lacks. Existing keys win
// because the stored document is the right-hand operand.
func (s *PostgresStore) appendAttrs(ctx context.Context, id string, attrs map[string]Attribute) error {
	patch, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE entities SET doc = $2::jsonb || doc, updated_at = NOW() WHERE id = $1`,
		id, patch,
	)
	if err != nil {
		return apperrors.BrokerError("failed to append attributes", err)
	}
	return nil
}
