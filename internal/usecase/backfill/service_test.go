package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
)

type fakeRepo struct {
	mu         sync.Mutex
	candidates []domain.Document
	stored     map[int64][]float32
	storeErrID int64
}

func (f *fakeRepo) BackfillCandidates(context.Context) ([]domain.Document, error) {
	return f.candidates, nil
}

func (f *fakeRepo) SetEmbedding(_ context.Context, id int64, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.storeErrID {
		return errors.New("disk full")
	}
	if f.stored == nil {
		f.stored = make(map[int64][]float32)
	}
	f.stored[id] = vec
	return nil
}

type fakeEmbedder struct {
	failIDs map[string]bool // keyed by content
	block   chan struct{}   // when set, Embed waits until closed
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	if f.block != nil {
		<-f.block
	}
	if f.failIDs[text] {
		return domain.EmbeddingResult{}, domain.ErrEmbeddingProviderError
	}
	return domain.EmbeddingResult{Embedding: []float32{1}}, nil
}

func candidates(n int) []domain.Document {
	out := make([]domain.Document, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Document{ID: int64(i + 1), Content: "text", Processed: true})
	}
	return out
}

func waitDone(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for svc.Status().Running {
		select {
		case <-deadline:
			t.Fatal("sweep never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStart_SingleFlight(t *testing.T) {
	repo := &fakeRepo{candidates: candidates(3)}
	block := make(chan struct{})
	svc := New(repo, &fakeEmbedder{block: block}, 1000, zap.NewNop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, domain.ErrBackfillRunning) {
		t.Errorf("second start must fail with ErrBackfillRunning, got %v", err)
	}

	close(block)
	waitDone(t, svc)

	// A finished sweep frees the slot.
	if err := svc.Start(context.Background()); err != nil {
		t.Errorf("start after completion must succeed: %v", err)
	}
	waitDone(t, svc)
}

func TestSweep_Counters(t *testing.T) {
	docs := candidates(5)
	docs[2].Content = "poison"
	repo := &fakeRepo{candidates: docs}
	svc := New(repo, &fakeEmbedder{failIDs: map[string]bool{"poison": true}}, 1000, zap.NewNop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitDone(t, svc)

	st := svc.Status()
	if st.Total != 5 {
		t.Errorf("expected total 5, got %d", st.Total)
	}
	if st.Processed != 4 || st.Failed != 1 {
		t.Errorf("expected 4 processed / 1 failed, got %d / %d", st.Processed, st.Failed)
	}
	if st.Processed+st.Failed > st.Total {
		t.Errorf("processed+failed exceeds total snapshot: %+v", st)
	}
	if len(repo.stored) != 4 {
		t.Errorf("expected 4 embeddings stored, got %d", len(repo.stored))
	}
}

func TestSweep_StoreFailureCountsAsFailed(t *testing.T) {
	repo := &fakeRepo{candidates: candidates(2), storeErrID: 2}
	svc := New(repo, &fakeEmbedder{}, 1000, zap.NewNop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitDone(t, svc)

	st := svc.Status()
	if st.Processed != 1 || st.Failed != 1 {
		t.Errorf("expected 1 processed / 1 failed, got %d / %d", st.Processed, st.Failed)
	}
}

func TestStatus_Idle(t *testing.T) {
	svc := New(&fakeRepo{}, &fakeEmbedder{}, 10, zap.NewNop())
	st := svc.Status()
	if st.Running || st.Total != 0 || st.Processed != 0 || st.Failed != 0 {
		t.Errorf("expected zero-value idle status, got %+v", st)
	}
}
