package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/embedder/openai"
	"github.com/scrypster/chronicle/internal/engine"
	"github.com/scrypster/chronicle/internal/notify"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/internal/search"
	"github.com/scrypster/chronicle/internal/search/qdrant"
	"github.com/scrypster/chronicle/internal/storage"
	"github.com/scrypster/chronicle/internal/storage/postgres"
	"github.com/scrypster/chronicle/internal/storage/sqlite"
	"github.com/scrypster/chronicle/pkg/types"
)

const sqliteFileName = "chronicle.db"

// deps holds the wired components a command works with.
type deps struct {
	cfg      *config.Config
	store    storage.Backend
	index    search.Index     // nil when similarity is disabled
	embedder *openai.Embedder // nil when no embedder is configured
	engine   *engine.Engine

	closers []func() error
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(opts.logLevel)
	}
	observe.SetupLogging(string(cfg.Server.LogLevel))
	return cfg, nil
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err := sqlite.NewStore(ctx, filepath.Join(cfg.Storage.DataPath, sqliteFileName))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, nil
	}
}

// openIndex builds the configured similarity index, or returns nil when
// similarity is disabled.
func openIndex(ctx context.Context, cfg *config.Config, store storage.Backend) (search.Index, func() error, error) {
	switch cfg.Similarity.Provider {
	case "pgvector":
		pg, ok := store.(*postgres.Store)
		if !ok {
			return nil, nil, errors.New("pgvector similarity requires the postgres storage engine")
		}
		idx, err := pg.SimilarityIndex(ctx, cfg.Storage.EmbeddingDimensions)
		if err != nil {
			return nil, nil, fmt.Errorf("creating pgvector index: %w", err)
		}
		return idx, nil, nil
	case "qdrant":
		idx, err := qdrant.NewIndex(qdrant.Config{
			Host:       cfg.Similarity.QdrantHost,
			Port:       cfg.Similarity.QdrantPort,
			Collection: cfg.Similarity.Collection,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating qdrant index: %w", err)
		}
		return idx, idx.Close, nil
	default:
		return nil, nil, nil
	}
}

// openDeps wires storage, the similarity service and the engine, and
// starts the engine. Callers must call close.
func openDeps(ctx context.Context, cfg *config.Config, opts ...engine.EngineOption) (*deps, error) {
	d := &deps{cfg: cfg}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.closers = append(d.closers, store.Close)

	idx, closeIdx, err := openIndex(ctx, cfg, store)
	if err != nil {
		d.close()
		return nil, err
	}
	d.index = idx
	if closeIdx != nil {
		d.closers = append(d.closers, closeIdx)
	}

	if cfg.Embedder.Provider == "openai" {
		emb, err := openai.NewEmbedder(openai.Config{
			APIKey:  cfg.Embedder.APIKey,
			Model:   cfg.Embedder.Model,
			BaseURL: cfg.Embedder.BaseURL,
		})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		d.embedder = emb
	}

	if d.index != nil && d.embedder != nil {
		breaker := search.NewBreaker(d.index, search.BreakerConfig{
			MaxFailures: cfg.Similarity.Breaker.MaxFailures,
			OpenTimeout: cfg.Similarity.Breaker.OpenTimeout,
		})
		opts = append(opts, engine.WithSearcher(breaker, d.embedder))
	}

	eng, err := engine.New(store, cfg, opts...)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		d.close()
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	d.engine = eng
	return d, nil
}

// close shuts the engine down and releases resources in reverse order.
func (d *deps) close() {
	if d.engine != nil {
		if err := d.engine.Shutdown(context.Background()); err != nil && !errors.Is(err, engine.ErrNotStarted) {
			slog.Warn("engine shutdown", "error", err)
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

// withEngine loads config, wires a one-shot engine with the background
// sweeper disabled, and runs fn. Recorded episodes are announced to a
// running server through event files.
func withEngine(ctx context.Context, opts *globalOptions, fn func(*deps) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Engine.SweepInterval = 0

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	events := notify.NewWriter(cfg.Storage.DataPath)
	d.engine.SetOnEpisodeRecorded(func(ep *types.Episode) {
		if err := events.Notify(notify.EventEpisodeRecorded, ep.ID); err != nil {
			slog.Warn("announcing episode", "episode_id", ep.ID, "error", err)
		}
	})
	return fn(d)
}
