// Package resolve maps classifier-suggested taxonomy names onto stored
// entities, creating missing ones. Resolution is race-safe: concurrent
// pipelines suggesting the same new name converge on a single entity.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// EntityStore is the taxonomy persistence surface. Create must fail with
// domain.ErrAlreadyExists when (kind, name) is already taken.
type EntityStore interface {
	Create(ctx context.Context, kind domain.EntityKind, name string) (int64, error)
	FindByName(ctx context.Context, kind domain.EntityKind, name string) (*domain.Entity, error)
}

// Service resolves taxonomy names to entity IDs.
type Service struct {
	entities EntityStore
}

// New creates the resolver.
func New(entities EntityStore) *Service {
	return &Service{entities: entities}
}

// FindOrCreate returns the ID of the entity with the given kind and name,
// creating it if absent. The database unique constraint is the arbiter: on a
// create race the loser re-reads the winner's row, so both callers get the
// same ID.
func (s *Service) FindOrCreate(ctx context.Context, kind domain.EntityKind, name string) (int64, error) {
	entity, err := s.entities.FindByName(ctx, kind, name)
	if err == nil {
		return entity.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("find %s %q: %w", kind, name, err)
	}

	id, err := s.entities.Create(ctx, kind, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return 0, fmt.Errorf("create %s %q: %w", kind, name, err)
	}

	// Lost the create race; the winner's row exists now.
	entity, err = s.entities.FindByName(ctx, kind, name)
	if err != nil {
		return 0, fmt.Errorf("re-read %s %q after create race: %w", kind, name, err)
	}
	return entity.ID, nil
}
