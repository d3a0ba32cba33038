package parsers

import (
	"context"
	"strings"

	"github.com/xkilldash9x/helix-cli/internal/model"
	"go.uber.org/zap"
)

// curie converts "MONDO:0005148" into "mondo.0005148".
func curie(id string) string {
	prefix, local, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(prefix) + "." + local
}

// mondoXrefPrefixes maps ontology xref prefixes onto domain id namespaces.
var mondoXrefPrefixes = map[string]string{
	"OMIM":      "omim",
	"UMLS":      "umls",
	"Orphanet":  "orpha",
	"DOID":      "doid",
	"MESH":      "mesh",
	"NCIT":      "ncit",
	"MEDGEN":    "medgen",
	"SCTID":     "snomedct",
	"ICD10CM":   "icd10",
	"ICD9":      "icd9",
	"EFO":       "efo",
	"GARD":      "gard",
	"MedDRA":    "meddra",
	"HP":        "hp",
	"ORDO":      "orpha",
	"NCIt":      "ncit",
	"MESH_TERM": "mesh",
}

type mondoParser struct{}

func (mondoParser) Name() string       { return "mondo" }
func (mondoParser) Source() string     { return "mondo" }
func (mondoParser) Requires() []string { return nil }
func (mondoParser) Editions() []string { return nil }

func (mondoParser) Produces() []string {
	return []string{model.DisorderCollection, model.DisorderIsSubtypeOfDisorderCollection}
}

// Parse writes every live MONDO term as a disorder, then the is_a hierarchy
// between terms that were written.
func (mondoParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("ontology")
	if err != nil {
		return err
	}
	rc, err := open(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	w := env.Writer()
	known := map[string]struct{}{}
	var parents [][2]string
	err = readOBO(rc, func(t oboTerm) error {
		if t.Obsolete || !strings.HasPrefix(t.ID, "MONDO:") {
			return nil
		}
		d := model.Disorder{
			PrimaryDomainID: curie(t.ID),
			DisplayName:     t.Name,
			Description:     t.Def,
			Synonyms:        t.Synonyms,
			DataSources:     []string{"mondo"},
		}
		for _, x := range t.Xrefs {
			prefix, local, ok := strings.Cut(x, ":")
			ns, mapped := mondoXrefPrefixes[prefix]
			if !ok || !mapped {
				continue
			}
			if ns == "icd10" {
				d.ICD10 = append(d.ICD10, local)
			}
			d.DomainIDs = append(d.DomainIDs, ns+"."+local)
		}
		known[d.PrimaryDomainID] = struct{}{}
		for _, parent := range t.IsA {
			parents = append(parents, [2]string{d.PrimaryDomainID, curie(parent)})
		}
		return w.Add(ctx, d)
	})
	if err != nil {
		return err
	}

	skipped := 0
	for _, p := range parents {
		if _, ok := known[p[1]]; !ok {
			skipped++
			continue
		}
		e := model.DisorderIsSubtypeOfDisorder{SourceDomainID: p[0], TargetDomainID: p[1], DataSources: []string{"mondo"}}
		if err := w.Add(ctx, e); err != nil {
			return err
		}
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	env.Logger().Info("Parsed MONDO",
		zap.Int("disorders", len(known)), zap.Int("subtype_edges", len(parents)-skipped), zap.Int("skipped_edges", skipped))
	return nil
}

type uberonParser struct{}

func (uberonParser) Name() string       { return "uberon" }
func (uberonParser) Source() string     { return "uberon" }
func (uberonParser) Requires() []string { return nil }
func (uberonParser) Produces() []string { return []string{model.TissueCollection} }
func (uberonParser) Editions() []string { return nil }

// Parse writes every live UBERON term as a tissue.
func (uberonParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("ontology")
	if err != nil {
		return err
	}
	rc, err := open(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	w := env.Writer()
	err = readOBO(rc, func(t oboTerm) error {
		if t.Obsolete || !strings.HasPrefix(t.ID, "UBERON:") {
			return nil
		}
		return w.Add(ctx, model.Tissue{
			PrimaryDomainID: curie(t.ID),
			DisplayName:     t.Name,
			Description:     t.Def,
			Synonyms:        t.Synonyms,
			DataSources:     []string{"uberon"},
		})
	})
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	env.Logger().Info("Parsed UBERON", zap.Int("tissues", w.Result().Requested))
	return nil
}
