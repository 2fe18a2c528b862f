package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/config"
	"github.com/kailas-cloud/docsense/internal/domain"
	logpkg "github.com/kailas-cloud/docsense/internal/logger"
	"github.com/kailas-cloud/docsense/internal/metrics"
	"github.com/kailas-cloud/docsense/internal/render"
	"github.com/kailas-cloud/docsense/internal/repository/blob"
	"github.com/kailas-cloud/docsense/internal/repository/embcache"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
	chiTransport "github.com/kailas-cloud/docsense/internal/transport/chi"
	openaiTransport "github.com/kailas-cloud/docsense/internal/transport/openai"
	backfilluc "github.com/kailas-cloud/docsense/internal/usecase/backfill"
	chatuc "github.com/kailas-cloud/docsense/internal/usecase/chat"
	deduppuc "github.com/kailas-cloud/docsense/internal/usecase/dedup"
	ingestuc "github.com/kailas-cloud/docsense/internal/usecase/ingest"
	resolveuc "github.com/kailas-cloud/docsense/internal/usecase/resolve"
	rulesuc "github.com/kailas-cloud/docsense/internal/usecase/rules"
	searchuc "github.com/kailas-cloud/docsense/internal/usecase/search"
	"github.com/kailas-cloud/docsense/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting docsense API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
	)

	ctx := context.Background()

	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifeSec) * time.Second,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.InitSchema(ctx); err != nil {
			logger.Fatal("Schema initialization failed", zap.Error(err))
		}
	}
	logger.Info("Connected to database")

	// Register pipeline metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()

	// Optional Redis embedding cache.
	var cache rueidis.Client
	if len(cfg.Cache.Addrs) > 0 {
		cache, err = rueidis.NewClient(rueidis.ClientOption{
			InitAddress: cfg.Cache.Addrs,
			Password:    cfg.Cache.Password,
		})
		if err != nil {
			logger.Fatal("Failed to connect to embedding cache", zap.Error(err))
		}
		defer cache.Close()
		logger.Info("Embedding cache connected", zap.Strings("addrs", cfg.Cache.Addrs))
	}

	aiTimeout := time.Duration(cfg.AI.RequestTimeoutSec) * time.Second

	docEmbedder := buildEmbedder(cfg, cfg.AI.DocumentInstruction, cache, logger)
	queryEmbedder := buildEmbedder(cfg, cfg.AI.QueryInstruction, cache, logger)
	logger.Info("Embedders created",
		zap.String("model", cfg.AI.EmbeddingModel),
		zap.Int("dimensions", cfg.AI.EmbeddingDimensions),
	)

	ocrClient := openaiTransport.NewOCRClient(&openaiTransport.OCRConfig{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.VisionModel,
		Timeout: aiTimeout,
		Logger:  logger,
	})
	classifier := openaiTransport.NewClassifier(&openaiTransport.ClassifierConfig{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.ChatModel,
		Timeout: aiTimeout,
		Logger:  logger,
	})
	chatStreamer := openaiTransport.NewChatStreamer(&openaiTransport.ChatConfig{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.ChatModel,
		Logger:  logger,
	})

	blobs, err := blob.NewStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("Failed to create blob store", zap.Error(err))
	}

	docStore := postgres.NewDocumentStore(db)
	taxonomyStore := postgres.NewTaxonomyStore(db)
	ruleStore := postgres.NewRuleStore(db)
	chatStore := postgres.NewChatStore(db)

	resolver := resolveuc.New(taxonomyStore)
	ruleEngine := rulesuc.New(docStore, docStore, ruleStore, logger)
	renderer := render.NewRenderer(cfg.Pipeline.MaxPages, logger)

	gate, err := ingestuc.NewGate(cfg.Pipeline.Workers, logger)
	if err != nil {
		logger.Fatal("Failed to create admission gate", zap.Error(err))
	}
	defer gate.Close()

	ingestSvc := ingestuc.New(ingestuc.Config{
		Documents:      docStore,
		Taxonomy:       taxonomyStore,
		Blobs:          blobs,
		Renderer:       renderer,
		OCR:            ocrClient,
		Classifier:     classifier,
		Resolver:       resolver,
		Rules:          ruleEngine,
		Embedder:       docEmbedder,
		Gate:           gate,
		Logger:         logger,
		OCRConcurrency: cfg.Pipeline.OCRConcurrency,
		MaxFileSizeMB:  cfg.Pipeline.MaxFileSizeMB,
	})

	searchSvc := searchuc.New(docStore, queryEmbedder, logger)
	dedupSvc := deduppuc.New(docStore, logger)
	chatSvc := chatuc.New(chatStore, docStore, taxonomyStore, queryEmbedder, chatStreamer, logger)
	backfillSvc := backfilluc.New(docStore, docEmbedder, float64(cfg.Pipeline.BackfillRPS), logger)

	server := chiTransport.NewServer(
		docStore, ruleStore, blobs,
		ingestSvc, searchSvc, dedupSvc, chatSvc, ruleEngine, backfillSvc,
		logger,
	)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instruction.
func buildEmbedder(
	cfg config.Config, instruction string, cache rueidis.Client, logger *zap.Logger,
) domain.Embedder {
	base := openaiTransport.NewEmbedder(&openaiTransport.EmbedderConfig{
		APIKey:     cfg.AI.APIKey,
		BaseURL:    cfg.AI.BaseURL,
		Model:      cfg.AI.EmbeddingModel,
		Dimensions: cfg.AI.EmbeddingDimensions,
		Timeout:    time.Duration(cfg.AI.RequestTimeoutSec) * time.Second,
		Logger:     logger,
	})

	var embedder domain.Embedder = base
	if cache != nil {
		embedder = embcache.New(
			base, cache,
			time.Duration(cfg.Cache.TTLSec)*time.Second,
			metrics.EmbeddingCacheTotal, logger,
		)
	}

	// Instruction prefix stays outside the cache so the cache key includes it.
	if instruction != "" {
		return domain.NewInstructionEmbedder(embedder, instruction)
	}
	return embedder
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
