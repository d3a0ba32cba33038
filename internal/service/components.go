// File: internal/service/components.go
package service

import (
	"io"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/internal/embeddings"
	"github.com/xkilldash9x/helix-cli/internal/ledger"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
	"github.com/xkilldash9x/helix-cli/internal/observability"
	"github.com/xkilldash9x/helix-cli/internal/orchestrator"
	"github.com/xkilldash9x/helix-cli/internal/sources"
)

// Components holds every service a build needs.
// This struct centralizes the lifecycle management of build dependencies.
type Components struct {
	Runtime      lifecycle.Runtime
	Registry     *sources.Registry
	Ledger       *ledger.Ledger
	Dev          *lifecycle.Instance
	Live         *lifecycle.Instance
	Promoter     *lifecycle.Promoter
	Embeddings   *embeddings.Manager
	Orchestrator *orchestrator.Orchestrator
}

// Shutdown releases the resources held by the components. Stores and graph
// connections are opened and closed by the orchestrator per build, so only the
// container runtime client is left here.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if closer, ok := c.Runtime.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Error closing container runtime client.", zap.Error(err))
		} else {
			logger.Debug("Container runtime client closed.")
		}
	}

	logger.Info("All build components shut down successfully.")
}
