package parsers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/model"
	"github.com/xkilldash9x/helix-cli/internal/store"
	"go.uber.org/zap"
)

type fakeParser struct {
	name     string
	requires []string
	produces []string
	editions []string
	parse    func(ctx context.Context, env *Env) error
}

func (f *fakeParser) Name() string       { return f.name }
func (f *fakeParser) Source() string     { return f.name }
func (f *fakeParser) Requires() []string { return f.requires }
func (f *fakeParser) Produces() []string { return f.produces }
func (f *fakeParser) Editions() []string { return f.editions }

func (f *fakeParser) Parse(ctx context.Context, env *Env) error {
	if f.parse == nil {
		return nil
	}
	return f.parse(ctx, env)
}

func names(ps []Parser) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name()
	}
	return out
}

func TestPlan(t *testing.T) {
	t.Run("default fleet is already ordered", func(t *testing.T) {
		plan, err := Plan(Default(), config.EditionLicensed)
		require.NoError(t, err)
		assert.Equal(t, []string{"mondo", "uberon", "ncbi", "uniprot", "biogrid", "hpa", "ncg", "intogen", "orphanet"}, names(plan))
	})

	t.Run("open edition drops licensed parsers", func(t *testing.T) {
		plan, err := Plan(Default(), config.EditionOpen)
		require.NoError(t, err)
		assert.NotContains(t, names(plan), "ncg")
		assert.Len(t, plan, 8)
	})

	t.Run("consumers move after every producer", func(t *testing.T) {
		ps := []Parser{
			&fakeParser{name: "edges", requires: []string{"a"}},
			&fakeParser{name: "first", produces: []string{"a"}},
			&fakeParser{name: "unrelated"},
			&fakeParser{name: "second", produces: []string{"a"}},
		}
		plan, err := Plan(ps, config.EditionOpen)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "unrelated", "second", "edges"}, names(plan))
	})

	t.Run("missing producer", func(t *testing.T) {
		ps := []Parser{
			&fakeParser{name: "genes", produces: []string{"gene"}, editions: []string{config.EditionLicensed}},
			&fakeParser{name: "edges", requires: []string{"gene"}},
		}
		_, err := Plan(ps, config.EditionOpen)
		assert.ErrorIs(t, err, ErrMissingDependency)
	})

	t.Run("cycle", func(t *testing.T) {
		ps := []Parser{
			&fakeParser{name: "a", requires: []string{"y"}, produces: []string{"x"}},
			&fakeParser{name: "b", requires: []string{"x"}, produces: []string{"y"}},
		}
		_, err := Plan(ps, config.EditionOpen)
		require.ErrorIs(t, err, ErrDependencyCycle)
		assert.Contains(t, err.Error(), "a, b")
	})
}

func TestRunner(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewDefaultConfig()

	t.Run("empty dependency stops the run", func(t *testing.T) {
		ran := false
		ps := []Parser{
			&fakeParser{name: "genes", produces: []string{"gene"}},
			&fakeParser{name: "edges", requires: []string{"gene"}, parse: func(context.Context, *Env) error {
				ran = true
				return nil
			}},
		}
		r := NewRunner(store.NewMemory(nil), cfg, t.TempDir(), zap.NewNop())
		err := r.Run(ctx, ps)
		assert.ErrorIs(t, err, ErrDependencyEmpty)
		assert.False(t, ran)
	})

	t.Run("fails fast", func(t *testing.T) {
		boom := errors.New("bad row")
		ran := false
		ps := []Parser{
			&fakeParser{name: "broken", parse: func(context.Context, *Env) error { return boom }},
			&fakeParser{name: "after", parse: func(context.Context, *Env) error {
				ran = true
				return nil
			}},
		}
		err := NewRunner(store.NewMemory(nil), cfg, t.TempDir(), zap.NewNop()).Run(ctx, ps)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "parser broken failed")
		assert.False(t, ran)
	})
}

func TestEnvPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "hpa"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hpa", "rna.tsv"), nil, 0o644))

	env := &Env{source: "hpa", dir: filepath.Join(dir, "hpa"), files: []config.FileConfig{
		{URL: "https://example.org/download/rna.tsv", Key: "expression"},
		{URL: "https://example.org/download/gone.tsv"},
	}}

	p, err := env.Path("expression")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hpa", "rna.tsv"), p)

	_, err = env.Path("gone.tsv")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = env.Path("unknown")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestProteinNames(t *testing.T) {
	assert.Equal(t,
		[]string{"Cellular tumor antigen p53", "Antigen NY-CO-13", "Phosphoprotein p53"},
		proteinNames("Cellular tumor antigen p53 (Antigen NY-CO-13) (Phosphoprotein p53)"))
	assert.Equal(t, []string{"Insulin"}, proteinNames("Insulin"))
	assert.Nil(t, proteinNames(""))
}

func TestReadOBO(t *testing.T) {
	f, err := os.Open(filepath.Join(fixtureDir(t), "mondo", "mondo.obo"))
	require.NoError(t, err)
	defer f.Close()

	var terms []oboTerm
	require.NoError(t, readOBO(f, func(term oboTerm) error {
		terms = append(terms, term)
		return nil
	}))
	require.Len(t, terms, 5, "the typedef stanza is not a term")
	assert.Equal(t, "A disease.", terms[0].Def)
	assert.Equal(t, []string{"malignant neoplasm"}, terms[1].Synonyms)
	assert.Equal(t, []string{"MONDO:0004992", "MONDO:9999999"}, terms[2].IsA)
	assert.True(t, terms[4].Obsolete)
}

func count(t *testing.T, st schemas.StagingStore, collection string) int64 {
	t.Helper()
	n, err := st.Count(context.Background(), collection)
	require.NoError(t, err)
	return n
}

func TestDefaultFleet(t *testing.T) {
	ctx := context.Background()
	dir := fixtureDir(t)

	run := func(t *testing.T, edition string) *store.Memory {
		cfg := fixtureConfig()
		cfg.DB.Version = edition
		mem := store.NewMemory(nil)
		plan, err := Plan(Default(), edition)
		require.NoError(t, err)
		require.NoError(t, NewRunner(mem, cfg, dir, zap.NewNop()).Run(ctx, plan))
		return mem
	}

	t.Run("licensed", func(t *testing.T) {
		mem := run(t, config.EditionLicensed)

		assert.EqualValues(t, 4, count(t, mem, model.DisorderCollection))
		assert.EqualValues(t, 3, count(t, mem, model.DisorderIsSubtypeOfDisorderCollection))
		assert.EqualValues(t, 2, count(t, mem, model.TissueCollection))
		assert.EqualValues(t, 2, count(t, mem, model.GeneCollection))
		assert.EqualValues(t, 2, count(t, mem, model.ProteinCollection))
		assert.EqualValues(t, 2, count(t, mem, model.ProteinEncodedByGeneCollection))
		assert.EqualValues(t, 1, count(t, mem, model.ProteinInteractsWithProteinCollection))
		assert.EqualValues(t, 2, count(t, mem, model.GeneExpressedInTissueCollection))
		assert.EqualValues(t, 3, count(t, mem, model.GeneAssociatedWithDisorderCollection))

		breast, err := mem.Find(ctx, model.DisorderCollection, schemas.Document{schemas.FieldPrimaryDomainID: "mondo.0007254"})
		require.NoError(t, err)
		require.Len(t, breast, 1)
		assert.ElementsMatch(t, []any{"mondo.0007254", "orpha.180250", "icd10.C50"}, breast[0][schemas.FieldDomainIDs])
		assert.Equal(t, []any{"C50"}, breast[0]["icd10"])

		ppi, err := mem.Find(ctx, model.ProteinInteractsWithProteinCollection, schemas.Document{})
		require.NoError(t, err)
		require.Len(t, ppi, 1)
		assert.Equal(t, "uniprot.P04637", ppi[0][schemas.FieldMemberOne])
		assert.Equal(t, "uniprot.P38398", ppi[0][schemas.FieldMemberTwo])
		assert.ElementsMatch(t, []any{"Two-hybrid", "Affinity Capture-MS"}, ppi[0]["methods"])

		tp53, err := mem.Find(ctx, model.GeneAssociatedWithDisorderCollection, schemas.Document{
			schemas.FieldSourceDomainID: "entrez.7157",
			schemas.FieldTargetDomainID: "mondo.0007254",
		})
		require.NoError(t, err)
		require.Len(t, tp53, 1)
		assert.ElementsMatch(t, []any{"ncg", "intogen"}, tp53[0][schemas.FieldDataSources])

		gene, err := mem.Find(ctx, model.GeneCollection, schemas.Document{schemas.FieldPrimaryDomainID: "entrez.7157"})
		require.NoError(t, err)
		require.Len(t, gene, 1)
		assert.Equal(t, "TP53", gene[0]["approvedSymbol"])
		assert.ElementsMatch(t, []any{"BCC7", "LFS1", "tumor protein p53"}, gene[0]["synonyms"])
	})

	t.Run("open", func(t *testing.T) {
		mem := run(t, config.EditionOpen)
		assert.EqualValues(t, 2, count(t, mem, model.GeneAssociatedWithDisorderCollection))
	})

	t.Run("rerun is idempotent", func(t *testing.T) {
		cfg := fixtureConfig()
		mem := store.NewMemory(nil)
		plan, err := Plan(Default(), config.EditionLicensed)
		require.NoError(t, err)
		r := NewRunner(mem, cfg, dir, zap.NewNop())
		require.NoError(t, r.Run(ctx, plan))
		require.NoError(t, r.Run(ctx, plan))
		assert.EqualValues(t, 3, count(t, mem, model.GeneAssociatedWithDisorderCollection))
		assert.EqualValues(t, 4, count(t, mem, model.DisorderCollection))
	})
}
