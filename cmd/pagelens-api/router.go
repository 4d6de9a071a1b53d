// Package main provides the API router and application wiring.
package main

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pagelens/pagelens/cmd/pagelens-api/handlers"
	"github.com/pagelens/pagelens/internal/cache"
	"github.com/pagelens/pagelens/internal/catalog"
	"github.com/pagelens/pagelens/internal/cleanup"
	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/embedding"
	"github.com/pagelens/pagelens/internal/objstore"
	"github.com/pagelens/pagelens/internal/observability"
	"github.com/pagelens/pagelens/internal/pipeline"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/raster"
	"github.com/pagelens/pagelens/internal/ratelimit"
	"github.com/pagelens/pagelens/internal/registry"
	"github.com/pagelens/pagelens/internal/vectordb"
)

// App holds the wired application and its closeable resources.
type App struct {
	Router http.Handler

	orch     *pipeline.Orchestrator
	registry *registry.Registry
	catalog  *catalog.Catalog
	cacheCli cache.Client
	index    vectordb.Index
}

// Close releases application resources in dependency order.
func (a *App) Close() {
	a.orch.Close()
	a.registry.Close()
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.cacheCli != nil {
		a.cacheCli.Close()
	}
}

// buildApp wires every component from configuration.
func buildApp(logger *observability.Logger, cfg *config.Config) (*App, error) {
	app := &App{}

	// Registry cache mirror
	switch cfg.Registry.CacheDriver {
	case "redis":
		redisCli, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Registry.Redis.Addr,
			Password: cfg.Registry.Redis.Password,
			DB:       cfg.Registry.Redis.DB,
			PoolSize: cfg.Registry.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.cacheCli = redisCli
	default:
		app.cacheCli = cache.NewMemoryClient()
	}

	app.registry = registry.NewRegistry(logger, cfg.Registry.TerminalJobTTL, app.cacheCli)
	broadcaster := progress.NewBroadcaster(logger)

	// Vector index
	var index vectordb.Index
	if cfg.Vector.Driver == "http" {
		client, err := vectordb.NewClient(vectordb.Config{
			BaseURL:    cfg.Vector.BaseURL,
			APIKey:     cfg.Vector.APIKey,
			Collection: cfg.Vector.Collection,
			Timeout:    cfg.Vector.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create vector client: %w", err)
		}
		index = client
	} else {
		index = vectordb.NewMemoryIndex()
	}
	app.index = index

	// Object storage
	var store objstore.ImageStore
	if cfg.Storage.BaseURL != "" {
		client, err := objstore.NewClient(objstore.Config{
			BaseURL: cfg.Storage.BaseURL,
			APIKey:  cfg.Storage.APIKey,
			Timeout: cfg.Storage.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store = client
	} else {
		logger.Warn().Msg("No storage base URL configured, using in-memory store")
		store = objstore.NewMemoryStore()
	}

	// Embedding service
	var embedder embedding.Embedder
	if cfg.Embedding.BaseURL != "" {
		client, err := embedding.NewClient(embedding.Config{
			BaseURL:       cfg.Embedding.BaseURL,
			APIKey:        cfg.Embedding.APIKey,
			Model:         cfg.Embedding.Model,
			Dimension:     cfg.Embedding.Dimension,
			RequestPooled: cfg.Embedding.EnablePooledVectors,
			Timeout:       cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding client: %w", err)
		}
		embedder = client
	} else {
		logger.Warn().Msg("No embedding base URL configured, using mock embedder")
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimension, cfg.Embedding.EnablePooledVectors)
	}

	// Page catalog
	var cataloger pipeline.Cataloger
	if cfg.Catalog.Driver == "sqlite" {
		cat, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		app.catalog = cat
		cataloger = cat
	}

	// Cleanup backends, independent stores attempted in parallel
	backends := []cleanup.Backend{
		cleanup.NewBackend("vector_db", index.DeleteByJob),
		cleanup.NewBackend("object_storage", store.DeleteByJob),
	}
	if app.catalog != nil {
		backends = append(backends, cleanup.NewBackend("catalog", app.catalog.DeleteByJob))
	}
	coordinator := cleanup.NewCoordinator(logger, backends...)

	notifier := cleanup.NewNotifier(logger, map[string]any{
		"embedding":      embedder,
		"object_storage": store,
		"vector_db":      index,
	})

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		BatchSize:          cfg.Pipeline.BatchSize,
		VectorBatchSize:    cfg.Pipeline.VectorBatchSize,
		MaxInFlightBatches: cfg.Pipeline.MaxInFlightBatches,
		MaxConcurrentFiles: cfg.Pipeline.MaxConcurrentFiles,
		StorageConcurrency: cfg.Pipeline.StorageConcurrency,
		EmbedConcurrency:   cfg.Pipeline.EmbedConcurrency,
		MaxRetries:         cfg.Pipeline.MaxRetries,
		RetryBase:          cfg.Pipeline.RetryBase,
		RasterQuality:      cfg.Pipeline.RasterQuality,
		RasterWorkers:      cfg.Pipeline.RasterWorkers,
		TempDir:            cfg.Pipeline.TempDir,
		StorageFormat:      cfg.Storage.Format,
		StorageQuality:     cfg.Storage.Quality,
		PooledVectors:      cfg.Embedding.EnablePooledVectors,
	}, pipeline.Deps{
		Rasterizer:  raster.NewConverter(),
		Store:       store,
		Embedder:    embedder,
		Index:       index,
		Catalog:     cataloger,
		Registry:    app.registry,
		Broadcaster: broadcaster,
		Limiter:     ratelimit.New(cfg.Pipeline.EmbedRate),
		Cleanup:     coordinator,
		Notifier:    notifier,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	app.orch = orch

	app.Router = newRouter(logger, cfg, orch, app.registry, broadcaster)
	return app, nil
}

// newRouter creates the API router with all routes configured.
func newRouter(logger *observability.Logger, cfg *config.Config, orch *pipeline.Orchestrator, reg *registry.Registry, bc *progress.Broadcaster) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"pagelens"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	})

	jobsHandler := handlers.NewJobsHandler(logger, orch, reg, bc)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", jobsHandler.Ingest)

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", jobsHandler.GetJob)
			r.Get("/progress", jobsHandler.StreamProgress)
			r.Post("/cancel", jobsHandler.Cancel)
		})
	})

	return r
}
