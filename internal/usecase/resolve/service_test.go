package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// raceStore simulates the database unique constraint: exactly one Create per
// (kind, name) wins, every other concurrent creator gets ErrAlreadyExists.
type raceStore struct {
	mu   sync.Mutex
	next int64
	rows map[string]int64
}

func key(kind domain.EntityKind, name string) string {
	return string(kind) + "/" + name
}

func (s *raceStore) Create(_ context.Context, kind domain.EntityKind, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[string]int64)
	}
	if _, ok := s.rows[key(kind, name)]; ok {
		return 0, domain.ErrAlreadyExists
	}
	s.next++
	s.rows[key(kind, name)] = s.next
	return s.next, nil
}

func (s *raceStore) FindByName(_ context.Context, kind domain.EntityKind, name string) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.rows[key(kind, name)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.Entity{ID: id, Kind: kind, Name: name}, nil
}

func TestFindOrCreate_Existing(t *testing.T) {
	store := &raceStore{}
	svc := New(store)
	ctx := context.Background()

	first, err := svc.FindOrCreate(ctx, domain.KindTag, "invoice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.FindOrCreate(ctx, domain.KindTag, "invoice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("same name resolved to different IDs: %d vs %d", first, second)
	}
}

func TestFindOrCreate_KindsAreSeparateNamespaces(t *testing.T) {
	store := &raceStore{}
	svc := New(store)
	ctx := context.Background()

	tagID, err := svc.FindOrCreate(ctx, domain.KindTag, "Acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	corrID, err := svc.FindOrCreate(ctx, domain.KindCorrespondent, "Acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tagID == corrID {
		t.Error("same name in different kinds must be distinct entities")
	}
}

func TestFindOrCreate_ConcurrentSameName(t *testing.T) {
	store := &raceStore{}
	svc := New(store)

	const n = 16
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = svc.FindOrCreate(context.Background(), domain.KindCorrespondent, "Stadtwerke")
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolver %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("resolvers disagree on ID: %v", ids)
		}
	}

	if len(store.rows) != 1 {
		t.Errorf("expected exactly one entity row, got %d", len(store.rows))
	}
}

func TestFindOrCreate_StoreErrorPropagates(t *testing.T) {
	svc := New(failingStore{})
	if _, err := svc.FindOrCreate(context.Background(), domain.KindTag, "x"); err == nil {
		t.Fatal("expected error")
	}
}

type failingStore struct{}

func (failingStore) Create(context.Context, domain.EntityKind, string) (int64, error) {
	return 0, errors.New("connection reset")
}

func (failingStore) FindByName(context.Context, domain.EntityKind, string) (*domain.Entity, error) {
	return nil, errors.New("connection reset")
}
