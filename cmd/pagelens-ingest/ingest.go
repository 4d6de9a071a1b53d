package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/pagelens/pagelens/internal/catalog"
	"github.com/pagelens/pagelens/internal/cleanup"
	"github.com/pagelens/pagelens/internal/embedding"
	"github.com/pagelens/pagelens/internal/objstore"
	"github.com/pagelens/pagelens/internal/pipeline"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/raster"
	"github.com/pagelens/pagelens/internal/ratelimit"
	"github.com/pagelens/pagelens/internal/registry"
	"github.com/pagelens/pagelens/internal/vectordb"
)

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "ingest <file.pdf> [more.pdf ...]",
		Short: "Ingest PDF documents into the visual index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(args, local)
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "run with in-memory backends and a mock embedder")
	return cmd
}

func runIngest(files []string, local bool) error {
	reg := registry.NewRegistry(logger, cfg.Registry.TerminalJobTTL, nil)
	defer reg.Close()

	broadcaster := progress.NewBroadcaster(logger)

	var (
		index    vectordb.Index
		store    objstore.ImageStore
		embedder embedding.Embedder
		cat      *catalog.Catalog
		err      error
	)

	if local {
		index = vectordb.NewMemoryIndex()
		store = objstore.NewMemoryStore()
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimension, cfg.Embedding.EnablePooledVectors)
	} else {
		if cfg.Vector.Driver == "http" {
			index, err = vectordb.NewClient(vectordb.Config{
				BaseURL:    cfg.Vector.BaseURL,
				APIKey:     cfg.Vector.APIKey,
				Collection: cfg.Vector.Collection,
				Timeout:    cfg.Vector.Timeout,
			})
			if err != nil {
				return fmt.Errorf("create vector client: %w", err)
			}
		} else {
			index = vectordb.NewMemoryIndex()
		}

		if cfg.Storage.BaseURL == "" {
			return fmt.Errorf("storage base URL is not configured (use --local for in-memory backends)")
		}
		store, err = objstore.NewClient(objstore.Config{
			BaseURL: cfg.Storage.BaseURL,
			APIKey:  cfg.Storage.APIKey,
			Timeout: cfg.Storage.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}

		if cfg.Embedding.BaseURL == "" {
			return fmt.Errorf("embedding base URL is not configured (use --local for a mock embedder)")
		}
		embedder, err = embedding.NewClient(embedding.Config{
			BaseURL:       cfg.Embedding.BaseURL,
			APIKey:        cfg.Embedding.APIKey,
			Model:         cfg.Embedding.Model,
			Dimension:     cfg.Embedding.Dimension,
			RequestPooled: cfg.Embedding.EnablePooledVectors,
			Timeout:       cfg.Embedding.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create embedding client: %w", err)
		}

		if cfg.Catalog.Driver == "sqlite" {
			cat, err = catalog.Open(cfg.Catalog.Path)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer cat.Close()
		}
	}
	defer index.Close()

	backends := []cleanup.Backend{
		cleanup.NewBackend("vector_db", index.DeleteByJob),
		cleanup.NewBackend("object_storage", store.DeleteByJob),
	}
	if cat != nil {
		backends = append(backends, cleanup.NewBackend("catalog", cat.DeleteByJob))
	}

	var cataloger pipeline.Cataloger
	if cat != nil {
		cataloger = cat
	}

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
		Registry:    reg,
		Broadcaster: broadcaster,
		Limiter:     ratelimit.New(cfg.Pipeline.EmbedRate),
		Cleanup:     cleanup.NewCoordinator(logger, backends...),
		Notifier: cleanup.NewNotifier(logger, map[string]any{
			"embedding":      embedder,
			"object_storage": store,
			"vector_db":      index,
		}),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer orch.Close()

	job, err := orch.Submit(context.Background(), files)
	if err != nil {
		return err
	}

	fmt.Printf("Job %s: ingesting %d file(s)\n", job.ID, len(files))

	// Ctrl-C cancels the job cooperatively; a second Ctrl-C kills us.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		color.Yellow("Cancelling job %s ...", job.ID)
		_ = orch.Cancel(job.ID)
		signal.Stop(sigCh)
	}()

	final := renderProgress(broadcaster, job.ID.String())

	switch final.Stage {
	case progress.StageCompleted:
		color.Green("✓ %d/%d pages indexed", final.Counts["done"], final.Counts["total"])
		return nil
	case progress.StageCancelled:
		color.Yellow("⚠ Job cancelled, partial writes removed")
		return nil
	default:
		color.Red("✗ Ingestion failed: %s", final.Error)
		return fmt.Errorf("job %s failed", job.ID)
	}
}

// renderProgress follows the job's event stream on a progress bar and
// returns the terminal event.
func renderProgress(bc *progress.Broadcaster, jobID string) progress.Event {
	sub := bc.Subscribe(jobID)
	defer bc.Unsubscribe(sub)

	var bar *progressbar.ProgressBar
	for evt := range sub.C {
		if total := evt.Counts["total"]; total > 0 {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("indexing pages"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWidth(40),
					progressbar.OptionOnCompletion(func() {
						fmt.Fprint(os.Stderr, "\n")
					}),
				)
			}
			bar.ChangeMax(total)
			_ = bar.Set(evt.Counts["done"])
		}

		if evt.Terminal() {
			fmt.Fprint(os.Stderr, "\n")
			return evt
		}
	}
	return progress.Event{JobID: jobID, Stage: progress.StageError, Error: "event stream closed"}
}
