package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// pq error code for unique constraint violations.
const uniqueViolation = "23505"

// TaxonomyStore persists the name-keyed lookup entities (tags,
// correspondents, document types).
type TaxonomyStore struct {
	db *DB
}

// NewTaxonomyStore creates a TaxonomyStore.
func NewTaxonomyStore(db *DB) *TaxonomyStore {
	return &TaxonomyStore{db: db}
}

// Create inserts a new entity. A concurrent insert of the same (kind, name)
// surfaces as domain.ErrAlreadyExists so the resolver can re-read.
func (s *TaxonomyStore) Create(ctx context.Context, kind domain.EntityKind, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO entities (kind, name) VALUES ($1, $2) RETURNING id`,
		string(kind), name,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("entity %s %q: %w", kind, name, domain.ErrAlreadyExists)
		}
		return 0, fmt.Errorf("create entity: %w", err)
	}
	return id, nil
}

// FindByName looks up an entity by kind and name.
func (s *TaxonomyStore) FindByName(ctx context.Context, kind domain.EntityKind, name string) (*domain.Entity, error) {
	e := domain.Entity{Kind: kind, Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE kind = $1 AND name = $2`,
		string(kind), name,
	).Scan(&e.ID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return &e, nil
}

// Get looks up an entity by ID.
func (s *TaxonomyStore) Get(ctx context.Context, id int64) (*domain.Entity, error) {
	var e domain.Entity
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &kind, &e.Name)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	e.Kind = domain.EntityKind(kind)
	return &e, nil
}

// ListNames returns all entity names of a kind, for the classifier's
// existing-taxonomy prompt.
func (s *TaxonomyStore) ListNames(ctx context.Context, kind domain.EntityKind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM entities WHERE kind = $1 ORDER BY name`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list entity names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan entity name: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity names: %w", err)
	}
	return names, nil
}
