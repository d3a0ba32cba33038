// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/download"
	"github.com/xkilldash9x/helix-cli/internal/graph"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
	"github.com/xkilldash9x/helix-cli/internal/orchestrator"
)

// ComponentFactory defines the interface for creating the set of components needed for a build.
// This abstraction is what keeps the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// RuntimeProvider connects to the container engine.
type RuntimeProvider func(logger *zap.Logger) (lifecycle.Runtime, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	newRuntime RuntimeProvider
}

// NewComponentFactory creates a new production-ready component factory backed by Docker.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{newRuntime: func(logger *zap.Logger) (lifecycle.Runtime, error) {
		return lifecycle.NewDocker(logger)
	}}
}

// NewComponentFactoryWithRuntime creates a factory over a different container engine.
func NewComponentFactoryWithRuntime(provider RuntimeProvider) ComponentFactory {
	return &concreteFactory{newRuntime: provider}
}

// Create handles the full dependency injection and initialization of build components.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Container runtime
	rt, err := f.newRuntime(logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to connect to container runtime: %w", err)
		return nil, initializationErr
	}
	components.Runtime = rt
	logger.Debug("Container runtime initialized.")

	// 2. Environments
	components.Dev, err = lifecycle.NewInstance("dev", cfg, rt, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize dev environment: %w", err)
		return nil, initializationErr
	}
	components.Live, err = lifecycle.NewInstance("live", cfg, rt, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize live environment: %w", err)
		return nil, initializationErr
	}
	components.Promoter = lifecycle.NewPromoter(components.Live, graph.Check, cfg.Promotion, logger)
	logger.Debug("Environments initialized.")

	// 3. Sources, ledger and downloader
	components.Ledger, components.Registry = InitializeLedger(cfg, logger)
	downloader := download.New(components.Registry, cfg.DownloadDir(), cfg.Sources.Ignored, logger)
	logger.Debug("Version ledger and downloader initialized.")

	// 4. Embeddings
	components.Embeddings, err = InitializeEmbeddings(cfg, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize embeddings: %w", err)
		return nil, initializationErr
	}

	// 5. Orchestrator
	deps := orchestrator.Deps{
		Dev:          components.Dev,
		Live:         components.Live,
		Promoter:     components.Promoter,
		Ledger:       components.Ledger,
		Downloader:   downloader,
		Stages:       orchestrator.NewStages(cfg, rt, nil, logger),
		OpenStore:    InitializeStoreOpener(logger),
		ConnectGraph: InitializeGraphConnector(logger),
	}
	if components.Embeddings != nil {
		deps.Embeddings = components.Embeddings
	}
	orch, err := orchestrator.New(cfg, deps, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch
	logger.Debug("Orchestrator initialized.")

	logger.Info("All build components initialized successfully.")
	return components, nil
}
