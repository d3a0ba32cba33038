// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/embeddings"
	"github.com/xkilldash9x/helix-cli/internal/graph"
	"github.com/xkilldash9x/helix-cli/internal/ledger"
	"github.com/xkilldash9x/helix-cli/internal/orchestrator"
	"github.com/xkilldash9x/helix-cli/internal/sources"
	"github.com/xkilldash9x/helix-cli/internal/store"
)

// InitializeSources builds the source registry over a shared rate-limited fetcher.
// Used by the full factory and by commands that only probe versions.
func InitializeSources(cfg *config.Config, logger *zap.Logger) *sources.Registry {
	fetcher := sources.NewFetcher(cfg.Sources.HTTP, logger)
	registry := sources.NewRegistry(cfg.Sources, fetcher, logger)
	logger.Debug("Source registry initialized.", zap.Strings("sources", registry.Names()))
	return registry
}

// InitializeLedger creates the version ledger together with the registry it probes.
func InitializeLedger(cfg *config.Config, logger *zap.Logger) (*ledger.Ledger, *sources.Registry) {
	registry := InitializeSources(cfg, logger)
	return ledger.New(cfg, registry, logger), registry
}

// InitializeStoreOpener returns the function the orchestrator uses to reach a
// staging store.
func InitializeStoreOpener(logger *zap.Logger) orchestrator.StoreOpener {
	return func(ctx context.Context, uri, database string) (schemas.StagingStore, error) {
		st, err := store.Connect(ctx, uri, database, logger)
		if err != nil {
			// Never hand back a typed nil inside the interface.
			return nil, err
		}
		return st, nil
	}
}

// InitializeGraphConnector returns the function the orchestrator uses to reach
// a graph database.
func InitializeGraphConnector(logger *zap.Logger) orchestrator.GraphConnector {
	return func(ctx context.Context, uri string) (orchestrator.GraphClient, error) {
		c, err := graph.Connect(ctx, uri, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// InitializeEmbeddings loads the capability table and creates the embedding
// manager. It returns nil, without error, when no table is configured or the
// file does not exist; builds then skip embeddings.
func InitializeEmbeddings(cfg *config.Config, logger *zap.Logger) (*embeddings.Manager, error) {
	path := cfg.Embeddings.CapabilitiesFile
	if path == "" {
		logger.Debug("No embedding capability table configured.")
		return nil, nil
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand embeddings.capabilities_file: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DB.RootDirectory, path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("Embedding capability table not found; embeddings will be skipped.", zap.String("path", path))
		return nil, nil
	}

	caps, err := embeddings.LoadCapabilities(path)
	if err != nil {
		return nil, err
	}
	if cfg.Embeddings.APIKey == "" {
		logger.Warn("No embedding API key set (hint: HELIX_EMBEDDINGS_API_KEY); embedding builds will fail.")
	}
	logger.Info("Embedding capabilities loaded.", zap.String("path", path), zap.Int("labels", len(caps)))
	return embeddings.New(caps, cfg, logger), nil
}
