// Package backfill sweeps processed documents that are missing embeddings
// and generates them at a bounded rate.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/metrics"
)

// Repository is the backfill's storage surface.
type Repository interface {
	BackfillCandidates(ctx context.Context) ([]domain.Document, error)
	SetEmbedding(ctx context.Context, id int64, vec []float32) error
}

// Status is a point-in-time snapshot of the sweep.
type Status struct {
	Running   bool `json:"running"`
	Total     int  `json:"total"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
}

// Service runs at most one embedding backfill sweep at a time.
type Service struct {
	repo    Repository
	embed   domain.Embedder // document-instruction embedding chain
	limiter *rate.Limiter
	logger  *zap.Logger

	running atomic.Bool

	mu        sync.Mutex
	total     int
	processed int
	failed    int
}

// New creates the backfill service. rps bounds embedding provider calls.
func New(repo Repository, embed domain.Embedder, rps float64, logger *zap.Logger) *Service {
	if rps <= 0 {
		rps = 10
	}
	return &Service{
		repo:    repo,
		embed:   embed,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Start launches a sweep in the background. A second Start while one is
// active fails with domain.ErrBackfillRunning.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return domain.ErrBackfillRunning
	}

	candidates, err := s.repo.BackfillCandidates(ctx)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("list backfill candidates: %w", err)
	}

	s.mu.Lock()
	s.total = len(candidates)
	s.processed = 0
	s.failed = 0
	s.mu.Unlock()

	// The sweep outlives the triggering request.
	go s.sweep(context.Background(), candidates)
	return nil
}

// Status reports the current (or last finished) sweep's counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:   s.running.Load(),
		Total:     s.total,
		Processed: s.processed,
		Failed:    s.failed,
	}
}

func (s *Service) sweep(ctx context.Context, candidates []domain.Document) {
	defer s.running.Store(false)

	s.logger.Info("embedding backfill started", zap.Int("candidates", len(candidates)))

	for _, doc := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warn("backfill stopped", zap.Error(err))
			return
		}

		if err := s.embedOne(ctx, doc); err != nil {
			s.logger.Warn("backfill embedding failed",
				zap.Int64("document_id", doc.ID), zap.Error(err))
			s.count(func() { s.failed++ })
			metrics.BackfillDocumentsTotal.WithLabelValues("failed").Inc()
			continue
		}
		s.count(func() { s.processed++ })
		metrics.BackfillDocumentsTotal.WithLabelValues("success").Inc()
	}

	s.logger.Info("embedding backfill finished",
		zap.Int("processed", s.Status().Processed), zap.Int("failed", s.Status().Failed))
}

func (s *Service) embedOne(ctx context.Context, doc domain.Document) error {
	res, err := s.embed.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := s.repo.SetEmbedding(ctx, doc.ID, res.Embedding); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}

func (s *Service) count(inc func()) {
	s.mu.Lock()
	inc()
	s.mu.Unlock()
}
