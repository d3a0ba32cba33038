package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/cleanup"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/export"
	"github.com/xkilldash9x/helix-cli/internal/parsers"
)

// buildStages runs the parser fleet, the cleanup and the exporter against
// whichever store it is handed.
type buildStages struct {
	cfg     *config.Config
	exec    export.Execer
	parsers []parsers.Parser
	logger  *zap.Logger
}

// NewStages returns the production build steps. exec runs the bulk import
// inside the dev graph container.
func NewStages(cfg *config.Config, exec export.Execer, fleet []parsers.Parser, logger *zap.Logger) Stages {
	if fleet == nil {
		fleet = parsers.Default()
	}
	return &buildStages{cfg: cfg, exec: exec, parsers: fleet, logger: logger}
}

func (s *buildStages) Parse(ctx context.Context, st schemas.StagingStore) error {
	plan, err := parsers.Plan(s.parsers, s.cfg.DB.Version)
	if err != nil {
		return fmt.Errorf("failed to plan parsers: %w", err)
	}
	names := make([]string, len(plan))
	for i, p := range plan {
		names[i] = p.Name()
	}
	s.logger.Info("Parser plan", zap.String("edition", s.cfg.DB.Version), zap.Strings("parsers", names))
	return parsers.NewRunner(st, s.cfg, s.cfg.DownloadDir(), s.logger).Run(ctx, plan)
}

func (s *buildStages) Clean(ctx context.Context, st schemas.StagingStore) error {
	return cleanup.New(st, s.cfg, s.logger).Run(ctx)
}

func (s *buildStages) Export(ctx context.Context, st schemas.StagingStore, container string) error {
	return export.New(st, s.exec, s.cfg, s.logger).Export(ctx, container)
}
