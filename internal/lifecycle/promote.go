package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"go.uber.org/zap"
)

// HealthCheck reports whether the graph database behind a bolt URI answers queries.
type HealthCheck func(ctx context.Context, boltURI string) error

// Promoter moves a finished dev build onto the live instance.
type Promoter struct {
	live   *Instance
	health HealthCheck
	cfg    config.PromotionConfig
	log    *zap.Logger
}

// NewPromoter creates a promoter for the live instance.
func NewPromoter(live *Instance, health HealthCheck, cfg config.PromotionConfig, logger *zap.Logger) *Promoter {
	return &Promoter{live: live, health: health, cfg: cfg, log: logger.Named("promote")}
}

// Promote brings live up on dev's volumes. If live does not become healthy it is
// put back on the volumes it served before and the health error is returned.
func (p *Promoter) Promote(ctx context.Context, dev Volumes) error {
	previous, hadLive, err := p.live.CurrentVolumes(ctx)
	if err != nil {
		p.log.Warn("Could not determine the volumes live is serving", zap.Error(err))
	}
	p.log.Info("Promoting dev build to live",
		zap.String("neo4j_volume", dev.Neo4j),
		zap.String("previous_neo4j_volume", previous.Neo4j))

	if err := p.live.Remove(ctx, RemoveOptions{Mode: ModeDB}); err != nil {
		return err
	}
	// Remove only logs container failures, so check that live is really gone.
	stale, stillUp, err := p.live.CurrentVolumes(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect live after removal: %w", err)
	}
	if stillUp {
		return fmt.Errorf("%w: %s still exists on %s after removal",
			ErrVolumeMismatch, p.live.Neo4jContainer(), stale.Neo4j)
	}
	if _, err := p.live.SetUp(ctx, SetUpOptions{Mode: ModeDB, Volumes: &dev}); err != nil {
		p.rollback(ctx, previous, hadLive)
		return fmt.Errorf("failed to start live on the new build: %w", err)
	}
	if got, _, err := p.live.CurrentVolumes(ctx); err != nil || got.Neo4j != dev.Neo4j {
		p.rollback(ctx, previous, hadLive)
		if err != nil {
			return fmt.Errorf("failed to inspect live on the new build: %w", err)
		}
		return fmt.Errorf("%w: live mounts %q, wanted %s", ErrVolumeMismatch, got.Neo4j, dev.Neo4j)
	}
	if err := p.waitHealthy(ctx); err != nil {
		p.rollback(ctx, previous, hadLive)
		return fmt.Errorf("live did not become healthy on the new build: %w", err)
	}

	if hadLive && !p.cfg.KeepPreviousLive && previous != dev {
		p.live.RemoveVolumes(ctx, previous)
		p.log.Info("Removed previous live volumes", zap.String("neo4j_volume", previous.Neo4j))
	}
	p.log.Info("Promotion complete")
	return nil
}

func (p *Promoter) waitHealthy(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.cfg.HealthTimeout
	return backoff.RetryNotify(func() error {
		return p.health(ctx, p.live.BoltURI())
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		p.log.Debug("Live not healthy yet", zap.Error(err), zap.Duration("retry_in", next))
	})
}

func (p *Promoter) rollback(ctx context.Context, previous Volumes, hadLive bool) {
	_ = p.live.Remove(ctx, RemoveOptions{Mode: ModeDB})
	if !hadLive {
		p.log.Error("Promotion failed and there was no previous live build to restore")
		return
	}
	if _, err := p.live.SetUp(ctx, SetUpOptions{Mode: ModeDB, Volumes: &previous}); err != nil {
		p.log.Error("Failed to restore the previous live build", zap.Error(err))
		return
	}
	p.log.Warn("Restored the previous live build", zap.String("neo4j_volume", previous.Neo4j))
}
