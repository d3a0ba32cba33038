package parsers

import (
	"context"
	"strconv"
	"strings"

	"github.com/xkilldash9x/helix-cli/internal/model"
	"go.uber.org/zap"
)

type biogridParser struct{}

func (biogridParser) Name() string       { return "biogrid" }
func (biogridParser) Source() string     { return "biogrid" }
func (biogridParser) Requires() []string { return []string{model.ProteinCollection} }
func (biogridParser) Editions() []string { return nil }

func (biogridParser) Produces() []string {
	return []string{model.ProteinInteractsWithProteinCollection}
}

// Parse reads the BioGRID tab3 file and writes one undirected interaction for
// every pair of staged human proteins named by a physical interaction row.
func (biogridParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("human")
	if err != nil {
		return err
	}
	proteins, err := env.IDs(ctx, model.ProteinCollection)
	if err != nil {
		return err
	}

	w := env.Writer()
	written, skipped := 0, 0
	err = readTable(path, func(r row) error {
		if r.get("Organism ID Interactor A") != humanTaxID || r.get("Organism ID Interactor B") != humanTaxID {
			return nil
		}
		if !strings.EqualFold(r.get("Experimental System Type"), "physical") {
			return nil
		}
		as := staged(proteins, splitList(r.get("SWISS-PROT Accessions Interactor A"), "|"))
		bs := staged(proteins, splitList(r.get("SWISS-PROT Accessions Interactor B"), "|"))
		if len(as) == 0 || len(bs) == 0 {
			skipped++
			return nil
		}
		for _, a := range as {
			for _, b := range bs {
				e := model.ProteinInteractsWithProtein{
					MemberOne:     a,
					MemberTwo:     b,
					Methods:       []string{r.get("Experimental System")},
					EvidenceTypes: []string{r.get("Throughput")},
					DataSources:   []string{"biogrid"},
				}
				if err := w.Add(ctx, e); err != nil {
					return err
				}
				written++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	env.Logger().Info("Parsed BioGRID", zap.Int("interactions", written), zap.Int("unmapped_rows", skipped))
	return nil
}

func staged(known map[string]struct{}, accessions []string) []string {
	var out []string
	for _, acc := range accessions {
		id := "uniprot." + acc
		if _, ok := known[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

type hpaParser struct{}

func (hpaParser) Name() string       { return "hpa" }
func (hpaParser) Source() string     { return "hpa" }
func (hpaParser) Editions() []string { return nil }

func (hpaParser) Requires() []string {
	return []string{model.GeneCollection, model.TissueCollection}
}

func (hpaParser) Produces() []string {
	return []string{model.GeneExpressedInTissueCollection}
}

// Parse reads the Human Protein Atlas consensus tissue expression table.
// Genes are matched by approved symbol and tissues by display name or synonym.
func (hpaParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("expression")
	if err != nil {
		return err
	}
	genes, err := env.Index(ctx, model.GeneCollection, "approvedSymbol")
	if err != nil {
		return err
	}
	tissues, err := tissueIndex(ctx, env)
	if err != nil {
		return err
	}

	w := env.Writer()
	written, unmapped := 0, 0
	missingTissues := map[string]struct{}{}
	err = readTable(path, func(r row) error {
		gs := genes[r.get("Gene name")]
		ts := tissues[strings.ToLower(r.get("Tissue"))]
		if len(ts) == 0 {
			missingTissues[r.get("Tissue")] = struct{}{}
		}
		if len(gs) == 0 || len(ts) == 0 {
			unmapped++
			return nil
		}
		for _, g := range gs {
			for _, t := range ts {
				e := model.GeneExpressedInTissue{
					SourceDomainID: g,
					TargetDomainID: t,
					TPM:            number(r.get("TPM")),
					NTPM:           number(r.get("nTPM")),
					PTPM:           number(r.get("pTPM")),
					DataSources:    []string{"hpa"},
				}
				if err := w.Add(ctx, e); err != nil {
					return err
				}
				written++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	if len(missingTissues) > 0 {
		env.Logger().Warn("HPA tissues without an UBERON match", zap.Int("count", len(missingTissues)))
	}
	env.Logger().Info("Parsed HPA", zap.Int("expressions", written), zap.Int("unmapped_rows", unmapped))
	return nil
}

func tissueIndex(ctx context.Context, env *Env) (map[string][]string, error) {
	idx := map[string][]string{}
	for _, field := range []string{"displayName", "synonyms"} {
		byField, err := env.Index(ctx, model.TissueCollection, field)
		if err != nil {
			return nil, err
		}
		for name, ids := range byField {
			key := strings.ToLower(name)
			for _, id := range ids {
				idx[key] = appendUnique(idx[key], id)
			}
		}
	}
	return idx, nil
}

func number(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return model.Float(f)
}
