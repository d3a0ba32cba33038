// File: internal/orchestrator/orchestrator.go
// Description: Runs a full build from the upstream sources to a promoted live
// graph. It is injected with fully configured components via interfaces.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/embeddings"
	"github.com/xkilldash9x/helix-cli/internal/ledger"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
	"github.com/xkilldash9x/helix-cli/internal/model"
)

// Environment is one dev or live deployment of the two databases.
type Environment interface {
	SetUp(ctx context.Context, opts lifecycle.SetUpOptions) (lifecycle.Volumes, error)
	Remove(ctx context.Context, opts lifecycle.RemoveOptions) error
	Restart(ctx context.Context, mode lifecycle.Mode) (lifecycle.Volumes, error)
	Neo4jContainer() string
	MongoURI() string
	BoltURI() string
}

// Promoter moves a finished build into the live environment.
type Promoter interface {
	Promote(ctx context.Context, dev lifecycle.Volumes) error
}

// Versions computes and records the build metadata.
type Versions interface {
	Previous(ctx context.Context, r ledger.PreviousReader) (*schemas.Metadata, error)
	UpdateVersions(ctx context.Context, dst schemas.StagingStore, prev *schemas.Metadata, ignored []string, defaultVersion string) (schemas.Metadata, error)
	CarryForward(ctx context.Context, dst schemas.StagingStore, r ledger.PreviousReader, increment bool) (schemas.Metadata, error)
	ReadFallback() (string, error)
	WriteFallback(version string) error
	WriteSnapshot(md schemas.Metadata) error
}

// Downloader fills the local file cache.
type Downloader interface {
	DownloadAll(ctx context.Context, noDownload []string) error
}

// Stages are the build steps bound to one staging store.
type Stages interface {
	Parse(ctx context.Context, st schemas.StagingStore) error
	Clean(ctx context.Context, st schemas.StagingStore) error
	Export(ctx context.Context, st schemas.StagingStore, container string) error
}

// Embeddings carries vector embeddings from one build to the next.
type Embeddings interface {
	Read(ctx context.Context, live schemas.StagingStore, g embeddings.Reader) (*embeddings.Snapshot, error)
	Plan(ctx context.Context, snap *embeddings.Snapshot, dev schemas.StagingStore, noDownload []string) embeddings.Plan
	Write(ctx context.Context, g embeddings.Writer, snap *embeddings.Snapshot, plan embeddings.Plan) error
}

// GraphClient is a connection to one graph database.
type GraphClient interface {
	embeddings.Reader
	embeddings.Writer
	Close(ctx context.Context) error
}

// StoreOpener connects to the staging store at uri.
type StoreOpener func(ctx context.Context, uri, database string) (schemas.StagingStore, error)

// GraphConnector connects to the graph database at uri.
type GraphConnector func(ctx context.Context, uri string) (GraphClient, error)

// Deps are the components an Orchestrator drives. Embeddings may be nil when
// no capability table is configured.
type Deps struct {
	Dev          Environment
	Live         Environment
	Promoter     Promoter
	Ledger       Versions
	Downloader   Downloader
	Stages       Stages
	Embeddings   Embeddings
	OpenStore    StoreOpener
	ConnectGraph GraphConnector
}

// Options select what an update does.
type Options struct {
	// Download probes and downloads the sources; without it the live versions
	// are carried forward and the cached files are parsed again.
	Download bool
	// Force downloads every source even when its version did not change.
	Force bool
	// CreateEmbeddings runs the embedding phases.
	CreateEmbeddings bool
	// VersionsFrom carries versions forward from another configuration's live
	// store instead of this one's. Only used without Download.
	VersionsFrom *config.Config
}

// Orchestrator manages the lifecycle of a build.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
}

// New creates a new Orchestrator.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		deps.Dev == nil ||
		deps.Live == nil ||
		deps.Promoter == nil ||
		deps.Ledger == nil ||
		deps.Downloader == nil ||
		deps.Stages == nil ||
		deps.OpenStore == nil ||
		deps.ConnectGraph == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("orchestrator"),
	}, nil
}

// run is the state shared by the phases of one update.
type run struct {
	opts       Options
	prev       *schemas.Metadata
	snapshot   *embeddings.Snapshot
	noDownload []string
	volumes    lifecycle.Volumes
	// embeddingPlan is decided while the dev store is still open.
	embeddingPlan embeddings.Plan
}

// Update builds a new version of the graph in the dev environment and promotes
// it to live. Any failure before promotion leaves live untouched; the dev
// containers are left as they were for inspection.
func (o *Orchestrator) Update(ctx context.Context, opts Options) error {
	start := time.Now()
	o.logger.Info("Starting update",
		zap.Bool("download", opts.Download),
		zap.Bool("force", opts.Force),
		zap.Bool("create_embeddings", opts.CreateEmbeddings),
		zap.String("edition", o.cfg.DB.Version))

	r := &run{opts: opts}
	if opts.Download || o.embeddingsEnabled(opts) {
		if err := o.readLive(ctx, r); err != nil {
			return err
		}
	}

	volumes, err := o.deps.Dev.SetUp(ctx, lifecycle.SetUpOptions{Mode: lifecycle.ModeImport})
	if err != nil {
		return fmt.Errorf("failed to set up dev environment: %w", err)
	}
	r.volumes = volumes

	if err := o.build(ctx, r); err != nil {
		return err
	}

	if o.embeddingsEnabled(opts) {
		o.writeEmbeddings(ctx, r)
	}

	if err := o.phase("promote", func() error {
		return o.deps.Promoter.Promote(ctx, r.volumes)
	}); err != nil {
		return err
	}
	o.logger.Info("Update finished", zap.Duration("took", time.Since(start)))
	return nil
}

func (o *Orchestrator) embeddingsEnabled(opts Options) bool {
	return opts.CreateEmbeddings && o.deps.Embeddings != nil
}

// readLive captures what the serving build knows before anything is replaced:
// its metadata when downloading and its embeddings when they are requested.
// An unreachable live store degrades to a first build.
func (o *Orchestrator) readLive(ctx context.Context, r *run) error {
	live, openErr := o.deps.OpenStore(ctx, o.deps.Live.MongoURI(), o.cfg.DB.MongoDB)
	if openErr != nil {
		live = nil
	} else {
		defer o.closeStore(live, "live")
	}

	if r.opts.Download {
		var reader ledger.PreviousReader
		if live == nil {
			o.logger.Warn("Live store unreachable, treating this as a first build", zap.Error(openErr))
			reader = ledger.Unreachable(openErr)
		} else {
			reader = ledger.NewStoreReader(live)
		}
		prev, err := o.deps.Ledger.Previous(ctx, reader)
		if err != nil {
			return fmt.Errorf("failed to read previous metadata: %w", err)
		}
		r.prev = prev
		if prev != nil {
			for name, sv := range prev.SourceDatabases {
				o.logger.Debug("Previous source version", zap.String("source", name),
					zap.String("version", sv.Version), zap.String("date", sv.Date))
			}
		}
	} else if live == nil {
		o.logger.Warn("Live store unreachable, embeddings will be rebuilt", zap.Error(openErr))
	}

	if live != nil && o.embeddingsEnabled(r.opts) {
		r.snapshot = o.readEmbeddings(ctx, live)
	}
	return nil
}

func (o *Orchestrator) readEmbeddings(ctx context.Context, live schemas.StagingStore) *embeddings.Snapshot {
	var reader embeddings.Reader
	g, err := o.deps.ConnectGraph(ctx, o.deps.Live.BoltURI())
	if err != nil {
		o.logger.Warn("Live graph unreachable, embeddings will be rebuilt", zap.Error(err))
	} else {
		defer o.closeGraph(g, "live")
		reader = g
	}
	snap, err := o.deps.Embeddings.Read(ctx, live, reader)
	if err != nil {
		o.logger.Warn("Could not save the embedding snapshot", zap.Error(err))
	}
	return snap
}

// build fills the dev store, cleans it, and loads it into the dev graph.
func (o *Orchestrator) build(ctx context.Context, r *run) error {
	dev, err := o.deps.OpenStore(ctx, o.deps.Dev.MongoURI(), o.cfg.DB.MongoDB)
	if err != nil {
		return fmt.Errorf("failed to connect to dev store: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			o.closeStore(dev, "dev")
		}
	}()

	if err := o.phase("versions", func() error { return o.versions(ctx, r, dev) }); err != nil {
		return err
	}
	if err := o.phase("indexes", func() error { return ensureIndexes(ctx, dev) }); err != nil {
		return err
	}
	if err := o.phase("parse", func() error { return o.deps.Stages.Parse(ctx, dev) }); err != nil {
		return err
	}
	if err := o.phase("cleanup", func() error { return o.deps.Stages.Clean(ctx, dev) }); err != nil {
		return err
	}

	// The embedding plan reads the staged data sources, so it is taken before
	// the store is closed.
	var plan embeddings.Plan
	if o.embeddingsEnabled(r.opts) {
		plan = o.deps.Embeddings.Plan(ctx, r.snapshot, dev, r.noDownload)
	}

	if err := o.phase("export", func() error {
		return o.deps.Stages.Export(ctx, dev, o.deps.Dev.Neo4jContainer())
	}); err != nil {
		return err
	}

	o.closeStore(dev, "dev")
	closed = true
	if err := o.deps.Dev.Remove(ctx, lifecycle.RemoveOptions{Mode: lifecycle.ModeImport}); err != nil {
		return fmt.Errorf("failed to tear down dev environment: %w", err)
	}
	r.embeddingPlan = plan
	return nil
}

// versions writes the new metadata into dev and, when downloading, refreshes
// the file cache.
func (o *Orchestrator) versions(ctx context.Context, r *run, dev schemas.StagingStore) error {
	if !r.opts.Download {
		reader, increment, cleanup := o.carrySource(ctx, r.opts.VersionsFrom)
		defer cleanup()
		md, err := o.deps.Ledger.CarryForward(ctx, dev, reader, increment)
		if err != nil {
			return err
		}
		r.noDownload = sourceNames(md)
		return nil
	}

	fallback, err := o.deps.Ledger.ReadFallback()
	if err != nil {
		return err
	}
	md, err := o.deps.Ledger.UpdateVersions(ctx, dev, r.prev, o.cfg.Sources.Ignored, fallback)
	if err != nil {
		return err
	}
	if err := o.deps.Ledger.WriteFallback(md.Version); err != nil {
		return err
	}
	if err := o.deps.Ledger.WriteSnapshot(md); err != nil {
		o.logger.Warn("Could not write metadata snapshot", zap.Error(err))
	}

	r.noDownload = ledger.NoDownload(r.prev, md, r.opts.Force)
	o.logger.Info("Sources unchanged since the previous build", zap.Strings("sources", r.noDownload))
	return o.deps.Downloader.DownloadAll(ctx, r.noDownload)
}

// carrySource picks the live store whose metadata a download-less build
// continues from. Reading this configuration's own live store bumps the patch
// version; another configuration's versions are copied as they are.
func (o *Orchestrator) carrySource(ctx context.Context, alt *config.Config) (ledger.PreviousReader, bool, func()) {
	uri, database, increment := o.deps.Live.MongoURI(), o.cfg.DB.MongoDB, true
	if alt != nil {
		uri, database, increment = alt.DB.Live.MongoURI(), alt.DB.MongoDB, false
		o.logger.Info("Carrying versions forward from another configuration", zap.String("uri", uri))
	}
	st, err := o.deps.OpenStore(ctx, uri, database)
	if err != nil {
		o.logger.Warn("Store to carry versions from is unreachable", zap.String("uri", uri), zap.Error(err))
		return ledger.Unreachable(err), increment, func() {}
	}
	return ledger.NewStoreReader(st), increment, func() { o.closeStore(st, "carry-forward") }
}

func sourceNames(md schemas.Metadata) []string {
	out := make([]string, 0, len(md.SourceDatabases))
	for name := range md.SourceDatabases {
		out = append(out, name)
	}
	return out
}

// ensureIndexes creates the match-key indexes of every registered collection.
func ensureIndexes(ctx context.Context, st schemas.StagingStore) error {
	for _, c := range model.Collections() {
		if err := st.EnsureIndexes(ctx, c.Name, c.Indexes()); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", c.Name, err)
		}
	}
	return nil
}

// writeEmbeddings brings dev up writable and runs the embedding write phase.
// Nothing here fails the update.
func (o *Orchestrator) writeEmbeddings(ctx context.Context, r *run) {
	start := time.Now()
	o.logger.Info("Starting phase", zap.String("phase", "embeddings"))

	if _, err := o.deps.Dev.SetUp(ctx, lifecycle.SetUpOptions{
		Mode:        lifecycle.ModeDBWrite,
		UseExisting: true,
		Volumes:     &r.volumes,
	}); err != nil {
		o.logger.Error("Could not start dev graph for embeddings, skipping them", zap.Error(err))
		return
	}
	defer func() {
		if err := o.deps.Dev.Remove(ctx, lifecycle.RemoveOptions{Mode: lifecycle.ModeDBWrite}); err != nil {
			o.logger.Warn("Could not tear down dev graph after embeddings", zap.Error(err))
		}
	}()

	g, err := o.connectWhenReady(ctx, o.deps.Dev.BoltURI())
	if err != nil {
		o.logger.Error("Dev graph never became reachable, skipping embeddings", zap.Error(err))
		return
	}
	defer o.closeGraph(g, "dev")

	if err := o.deps.Embeddings.Write(ctx, g, r.snapshot, r.embeddingPlan); err != nil {
		o.logger.Error("Embeddings incomplete, promoting without them", zap.Error(err))
		return
	}
	o.logger.Info("Phase finished", zap.String("phase", "embeddings"), zap.Duration("took", time.Since(start)))
}

// connectWhenReady retries the connection while a freshly started graph database boots.
func (o *Orchestrator) connectWhenReady(ctx context.Context, uri string) (GraphClient, error) {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = o.cfg.Promotion.HealthTimeout
	var g GraphClient
	err := backoff.RetryNotify(func() error {
		var err error
		g, err = o.deps.ConnectGraph(ctx, uri)
		return err
	}, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		o.logger.Debug("Graph not reachable yet", zap.String("uri", uri), zap.Duration("retry_in", next), zap.Error(err))
	})
	return g, err
}

// RestartLive restarts the live environment on the volumes it is serving from.
func (o *Orchestrator) RestartLive(ctx context.Context) error {
	volumes, err := o.deps.Live.Restart(ctx, lifecycle.ModeDB)
	if errors.Is(err, lifecycle.ErrNoVolume) {
		return fmt.Errorf("no live build to restart: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to restart live: %w", err)
	}
	o.logger.Info("Live environment restarted",
		zap.String("neo4j_volume", volumes.Neo4j), zap.String("mongo_volume", volumes.Mongo))
	return nil
}

func (o *Orchestrator) phase(name string, fn func() error) error {
	start := time.Now()
	o.logger.Info("Starting phase", zap.String("phase", name))
	if err := fn(); err != nil {
		o.logger.Error("Phase failed", zap.String("phase", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	o.logger.Info("Phase finished", zap.String("phase", name), zap.Duration("took", time.Since(start)))
	return nil
}

func (o *Orchestrator) closeStore(st schemas.StagingStore, env string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Close(ctx); err != nil {
		o.logger.Warn("Error closing store", zap.String("env", env), zap.Error(err))
	}
}

func (o *Orchestrator) closeGraph(g GraphClient, env string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		o.logger.Warn("Error closing graph connection", zap.String("env", env), zap.Error(err))
	}
}
