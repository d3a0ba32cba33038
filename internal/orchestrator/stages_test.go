package orchestrator

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
	"github.com/xkilldash9x/helix-cli/internal/model"
	"github.com/xkilldash9x/helix-cli/internal/parsers"
	"github.com/xkilldash9x/helix-cli/internal/store"
)

type stubParser struct {
	name     string
	editions []string
	ran      *[]string
}

func (p *stubParser) Name() string       { return p.name }
func (p *stubParser) Source() string     { return p.name }
func (p *stubParser) Requires() []string { return nil }
func (p *stubParser) Produces() []string { return []string{p.name} }
func (p *stubParser) Editions() []string { return p.editions }

func (p *stubParser) Parse(context.Context, *parsers.Env) error {
	*p.ran = append(*p.ran, p.name)
	return nil
}

type okExec struct {
	calls int
}

func (e *okExec) Exec(context.Context, string, string, []string) (lifecycle.ExecResult, error) {
	e.calls++
	return lifecycle.ExecResult{}, nil
}

func TestStagesParseHonoursEdition(t *testing.T) {
	var ran []string
	fleet := []parsers.Parser{
		&stubParser{name: "mondo", ran: &ran},
		&stubParser{name: "ncg", editions: []string{config.EditionLicensed}, ran: &ran},
	}
	cfg := config.NewDefaultConfig()
	cfg.DB.Version = config.EditionOpen

	s := NewStages(cfg, &okExec{}, fleet, zap.NewNop())
	require.NoError(t, s.Parse(context.Background(), store.NewMemory(nil)))
	assert.Equal(t, []string{"mondo"}, ran)
}

func TestStagesParsePlanError(t *testing.T) {
	fleet := []parsers.Parser{&stubParser{name: "a", ran: new([]string)}}
	cfg := config.NewDefaultConfig()
	// A parser fleet that depends on a collection nobody produces cannot be planned.
	s := NewStages(cfg, &okExec{}, append(fleet, &requiring{}), zap.NewNop())
	err := s.Parse(context.Background(), store.NewMemory(nil))
	assert.ErrorIs(t, err, parsers.ErrMissingDependency)
}

type requiring struct{ stubParser }

func (requiring) Name() string       { return "orphan" }
func (requiring) Requires() []string { return []string{"nowhere"} }

func TestStagesCleanAndExport(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewDefaultConfig()
	cfg.Cleanup.Trim = nil
	cfg.Export.ImportDir = t.TempDir()
	cfg.Export.ChownSettle = 0
	cfg.Export.ImportSettle = 0

	mem := store.NewMemory(nil)
	mem.Insert(model.GeneCollection, schemas.Document{
		schemas.FieldPrimaryDomainID: "entrez.7157", schemas.FieldType: "Gene", "displayName": "TP53",
	})
	mem.Insert(model.DisorderCollection)

	exec := &okExec{}
	s := NewStages(cfg, exec, nil, zap.NewNop())
	require.NoError(t, s.Clean(ctx, mem))

	collections, err := mem.ListCollections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, collections, model.DisorderCollection, "empty collections are dropped")
	profiles, err := mem.Find(ctx, schemas.ProfileCollection, schemas.Document{"collection": model.GeneCollection})
	require.NoError(t, err)
	assert.Len(t, profiles, 1)

	require.NoError(t, s.Export(ctx, mem, "dev_neo4j"))
	assert.Equal(t, 2, exec.calls, "ownership fix and bulk import")
	left, err := os.ReadDir(cfg.Export.ImportDir)
	require.NoError(t, err)
	assert.Empty(t, left, "exported files are removed after a successful import")
}

// seedParser stages a fixed set of records, standing in for a parsed source.
type seedParser struct {
	records []model.Record
}

func (seedParser) Name() string       { return "seed" }
func (seedParser) Source() string     { return "mondo" }
func (seedParser) Requires() []string { return nil }
func (seedParser) Editions() []string { return nil }
func (seedParser) Produces() []string {
	return []string{model.DisorderCollection, model.GeneCollection, model.GeneAssociatedWithDisorderCollection}
}

func (p seedParser) Parse(ctx context.Context, env *parsers.Env) error {
	w := env.Writer()
	if err := w.Add(ctx, p.records...); err != nil {
		return err
	}
	return w.Flush(ctx)
}

// importCapture reads the import files at the moment the bulk import runs,
// before the exporter removes them.
type importCapture struct {
	dir   string
	files map[string][][]string
}

func (c *importCapture) Exec(_ context.Context, _, _ string, cmd []string) (lifecycle.ExecResult, error) {
	if cmd[0] != "neo4j-admin" {
		return lifecycle.ExecResult{}, nil
	}
	c.files = map[string][][]string{}
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.csv"))
	if err != nil {
		return lifecycle.ExecResult{}, err
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return lifecycle.ExecResult{}, err
		}
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			return lifecycle.ExecResult{}, err
		}
		c.files[filepath.Base(path)] = rows
	}
	return lifecycle.ExecResult{}, nil
}

func TestStagesBuildEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewDefaultConfig()
	cfg.Cleanup.Trim = nil
	cfg.Export.ImportDir = t.TempDir()
	cfg.Export.ChownSettle = 0
	cfg.Export.ImportSettle = 0

	fleet := []parsers.Parser{seedParser{records: []model.Record{
		model.Disorder{PrimaryDomainID: "mondo.1", DisplayName: "cancer", DataSources: []string{"mondo"}},
		model.Disorder{PrimaryDomainID: "mondo.2", DisplayName: "asthma", DataSources: []string{"mondo"}},
		model.Disorder{PrimaryDomainID: "mondo.3", DisplayName: "gout", DataSources: []string{"mondo"}},
		model.Gene{PrimaryDomainID: "entrez.7157", DisplayName: "TP53", DataSources: []string{"ncbi"}},
		model.GeneAssociatedWithDisorder{SourceDomainID: "entrez.7157", TargetDomainID: "mondo.1", DataSources: []string{"disgenet"}},
		model.GeneAssociatedWithDisorder{SourceDomainID: "entrez.1", TargetDomainID: "mondo.2", DataSources: []string{"disgenet"}},
		model.GeneAssociatedWithDisorder{SourceDomainID: "entrez.2", TargetDomainID: "mondo.3", DataSources: []string{"disgenet"}},
	}}}

	mem := store.NewMemory(nil)
	capture := &importCapture{dir: cfg.Export.ImportDir}
	s := NewStages(cfg, capture, fleet, zap.NewNop())

	require.NoError(t, s.Parse(ctx, mem))
	require.NoError(t, s.Clean(ctx, mem))
	require.NoError(t, s.Export(ctx, mem, "dev_neo4j"))

	disorders := capture.files[model.DisorderCollection+".csv"]
	require.Len(t, disorders, 4, "header and three disorders")
	assert.Equal(t, "primaryDomainId:ID", disorders[0][0])
	var ids []string
	for _, row := range disorders[1:] {
		ids = append(ids, row[0])
	}
	slices.Sort(ids)
	assert.Equal(t, []string{"mondo.1", "mondo.2", "mondo.3"}, ids)

	edges := capture.files[model.GeneAssociatedWithDisorderCollection+".csv"]
	require.Len(t, edges, 2, "edges from genes that were never staged are left out")
	assert.Equal(t, []string{"sourceDomainId:START_ID", "targetDomainId:END_ID"}, edges[0][:2])
	assert.Equal(t, []string{"entrez.7157", "mondo.1"}, edges[1][:2])
}
