package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/graph"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	buildAttempts   = 5
	uniqueProperty  = schemas.FieldPrimaryDomainID
	defaultBuildGap = time.Minute
)

// Reader fetches embeddings from the live graph.
type Reader interface {
	FetchEmbeddings(ctx context.Context, label string) ([]graph.Vector, error)
}

// Writer stores and computes embeddings in the dev graph.
type Writer interface {
	EnsureUniqueConstraint(ctx context.Context, label, property string) error
	WriteEmbeddings(ctx context.Context, label string, vectors []graph.Vector, batchSize int) error
	BuildEmbeddings(ctx context.Context, req graph.EmbeddingRequest) error
	CreateVectorIndex(ctx context.Context, label string, dimensions int) (string, error)
	WaitForIndexes(ctx context.Context, names []string, poll time.Duration) error
}

// Snapshot is what the previous build knew about each capable collection.
type Snapshot struct {
	// DataSources holds the sorted distinct dataSources per collection.
	DataSources map[string][]string `json:"data_sources"`
	// Vectors holds the embeddings per label.
	Vectors map[string][]graph.Vector `json:"vectors"`
}

// Plan splits the capable labels into those whose embeddings are carried over
// and those that are computed again.
type Plan struct {
	Import []string
	Build  []string
}

// Manager runs the read, plan and write phases.
type Manager struct {
	caps         []Capability
	cfg          config.EmbeddingsConfig
	snapshotPath string
	buildGap     time.Duration
	log          *zap.Logger
}

// New creates a manager for the given capability table.
func New(caps []Capability, cfg *config.Config, logger *zap.Logger) *Manager {
	path := cfg.Embeddings.SnapshotFile
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DB.RootDirectory, path)
	}
	return &Manager{
		caps:         caps,
		cfg:          cfg.Embeddings,
		snapshotPath: path,
		buildGap:     defaultBuildGap,
		log:          logger.Named("embeddings"),
	}
}

func distinctStrings(ctx context.Context, st schemas.StagingStore, collection string) ([]string, error) {
	values, err := st.Distinct(ctx, collection, schemas.FieldDataSources)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return slices.Compact(out), nil
}

// Read records the data sources behind every capable collection of the live
// store and the live embeddings, before the build replaces them. g may be nil
// when no live graph is reachable.
func (m *Manager) Read(ctx context.Context, live schemas.StagingStore, g Reader) (*Snapshot, error) {
	snap := &Snapshot{DataSources: map[string][]string{}, Vectors: map[string][]graph.Vector{}}
	for _, c := range m.caps {
		ds, err := distinctStrings(ctx, live, c.Collection)
		if err != nil {
			m.log.Warn("Could not read data sources from live", zap.String("collection", c.Collection), zap.Error(err))
			continue
		}
		snap.DataSources[c.Collection] = ds
		if g == nil {
			continue
		}
		vectors, err := g.FetchEmbeddings(ctx, c.Label)
		if err != nil {
			m.log.Warn("Could not fetch live embeddings", zap.String("label", c.Label), zap.Error(err))
			continue
		}
		snap.Vectors[c.Label] = vectors
	}
	if err := m.save(snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func (m *Manager) save(snap *Snapshot) error {
	if m.snapshotPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode embedding snapshot: %w", err)
	}
	if err := os.WriteFile(m.snapshotPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write embedding snapshot: %w", err)
	}
	m.log.Info("Saved embedding snapshot", zap.String("path", m.snapshotPath))
	return nil
}

// Plan decides per label whether live's embeddings can be reused: the
// collection must draw on exactly the same data sources as before and none of
// them may have been downloaded again. Labels with no staged nodes are left out.
func (m *Manager) Plan(ctx context.Context, snap *Snapshot, dev schemas.StagingStore, noDownload []string) Plan {
	var p Plan
	for _, c := range m.caps {
		current, err := distinctStrings(ctx, dev, c.Collection)
		if err != nil {
			m.log.Warn("Could not read data sources from dev", zap.String("collection", c.Collection), zap.Error(err))
			p.Build = append(p.Build, c.Label)
			continue
		}
		if len(current) == 0 {
			m.log.Debug("No staged nodes to embed", zap.String("label", c.Label))
			continue
		}
		if m.reusable(snap, c, current, noDownload) {
			p.Import = append(p.Import, c.Label)
		} else {
			p.Build = append(p.Build, c.Label)
		}
	}
	m.log.Info("Planned embeddings", zap.Strings("import", p.Import), zap.Strings("build", p.Build))
	return p
}

func (m *Manager) reusable(snap *Snapshot, c Capability, current, noDownload []string) bool {
	if snap == nil || len(snap.Vectors[c.Label]) == 0 {
		return false
	}
	previous, ok := snap.DataSources[c.Collection]
	if !ok || !slices.Equal(previous, current) {
		return false
	}
	for _, ds := range current {
		if !slices.Contains(noDownload, ds) {
			return false
		}
	}
	return true
}

func (m *Manager) capability(label string) (Capability, bool) {
	for _, c := range m.caps {
		if c.Label == label {
			return c, true
		}
	}
	return Capability{}, false
}

// Write carries over and builds embeddings in the dev graph, then waits for
// the vector indexes. Each label is handled independently; the failures are
// joined into the returned error.
func (m *Manager) Write(ctx context.Context, g Writer, snap *Snapshot, plan Plan) error {
	var errs []error
	var indexes []string
	build := slices.Clone(plan.Build)

	for _, label := range append(slices.Clone(plan.Import), plan.Build...) {
		if err := g.EnsureUniqueConstraint(ctx, label, uniqueProperty); err != nil {
			errs = append(errs, err)
		}
	}

	for _, label := range plan.Import {
		var vectors []graph.Vector
		if snap != nil {
			vectors = snap.Vectors[label]
		}
		if err := g.WriteEmbeddings(ctx, label, vectors, m.cfg.BatchSize); err != nil {
			m.log.Warn("Could not import embeddings, building them instead", zap.String("label", label), zap.Error(err))
			build = append(build, label)
			continue
		}
		name, err := g.CreateVectorIndex(ctx, label, m.cfg.Dimensions)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		indexes = append(indexes, name)
	}

	for _, label := range build {
		c, ok := m.capability(label)
		if !ok {
			continue
		}
		name, err := g.CreateVectorIndex(ctx, label, m.cfg.Dimensions)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.build(ctx, g, c); err != nil {
			m.log.Error("Could not build embeddings", zap.String("label", label), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		indexes = append(indexes, name)
	}

	if len(indexes) > 0 {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.cfg.IndexTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, m.cfg.IndexTimeout)
		}
		defer cancel()
		if err := g.WaitForIndexes(waitCtx, indexes, m.cfg.PollInterval); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) build(ctx context.Context, g Writer, c Capability) error {
	req := graph.EmbeddingRequest{
		Label:     c.Label,
		Text:      c.TextExpression(),
		Model:     m.cfg.Model,
		Endpoint:  m.cfg.Endpoint,
		APIKey:    m.cfg.APIKey,
		BatchSize: m.cfg.BatchSize,
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.buildGap), buildAttempts-1), ctx)
	return backoff.RetryNotify(func() error {
		return g.BuildEmbeddings(ctx, req)
	}, b, func(err error, next time.Duration) {
		m.log.Warn("Embedding build failed, retrying", zap.String("label", c.Label), zap.Error(err), zap.Duration("retry_in", next))
	})
}
