package parsers

import (
	"context"
	"strconv"
	"strings"

	"github.com/xkilldash9x/helix-cli/internal/model"
	"go.uber.org/zap"
)

const humanTaxID = "9606"

type ncbiParser struct{}

func (ncbiParser) Name() string       { return "ncbi" }
func (ncbiParser) Source() string     { return "ncbi" }
func (ncbiParser) Requires() []string { return nil }
func (ncbiParser) Produces() []string { return []string{model.GeneCollection} }
func (ncbiParser) Editions() []string { return nil }

// Parse reads the NCBI gene_info table, keeping human genes.
func (ncbiParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("gene_info")
	if err != nil {
		return err
	}
	w := env.Writer()
	err = readTable(path, func(r row) error {
		if r.get("tax_id") != humanTaxID {
			return nil
		}
		id := r.get("GeneID")
		if id == "" {
			return nil
		}
		symbol := r.get("Symbol")
		approved := r.get("Symbol_from_nomenclature_authority")
		if approved == "" {
			approved = symbol
		}
		g := model.Gene{
			PrimaryDomainID:    "entrez." + id,
			DisplayName:        symbol,
			ApprovedSymbol:     approved,
			Symbols:            []string{symbol},
			Synonyms:           splitList(r.get("Synonyms"), "|"),
			ChromosomeLocation: r.get("map_location"),
			GeneType:           r.get("type_of_gene"),
			Description:        r.get("description"),
			DataSources:        []string{"ncbi"},
		}
		if full := r.get("Full_name_from_nomenclature_authority"); full != "" {
			g.Synonyms = append(g.Synonyms, full)
		}
		return w.Add(ctx, g)
	})
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	env.Logger().Info("Parsed NCBI genes", zap.Int("genes", w.Result().Requested))
	return nil
}

type uniprotParser struct{}

func (uniprotParser) Name() string       { return "uniprot" }
func (uniprotParser) Source() string     { return "uniprot" }
func (uniprotParser) Requires() []string { return []string{model.GeneCollection} }
func (uniprotParser) Editions() []string { return nil }

func (uniprotParser) Produces() []string {
	return []string{model.ProteinCollection, model.ProteinEncodedByGeneCollection}
}

// Parse reads the UniProt TSV export. Each protein is linked to the genes of
// its GeneID column that are already staged.
func (uniprotParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("proteins")
	if err != nil {
		return err
	}
	genes, err := env.IDs(ctx, model.GeneCollection)
	if err != nil {
		return err
	}

	w := env.Writer()
	proteins, links, unmapped := 0, 0, 0
	err = readTable(path, func(r row) error {
		acc := r.get("Entry")
		if acc == "" {
			return nil
		}
		p := model.Protein{
			PrimaryDomainID: "uniprot." + acc,
			DisplayName:     r.get("Entry Name"),
			Sequence:        r.get("Sequence"),
			GeneName:        firstField(r.get("Gene Names (primary)")),
			Synonyms:        proteinNames(r.get("Protein names")),
			DataSources:     []string{"uniprot"},
		}
		if reviewed := r.get("Reviewed"); reviewed != "" {
			p.IsReviewed = model.Bool(reviewed == "reviewed")
		}
		if tax, err := strconv.Atoi(r.get("Organism (ID)")); err == nil {
			p.TaxID = model.Int(tax)
		}
		if err := w.Add(ctx, p); err != nil {
			return err
		}
		proteins++

		for _, gid := range splitList(r.get("GeneID"), ";") {
			gene := "entrez." + gid
			if _, ok := genes[gene]; !ok {
				unmapped++
				continue
			}
			links++
			e := model.ProteinEncodedByGene{SourceDomainID: p.PrimaryDomainID, TargetDomainID: gene, DataSources: []string{"uniprot"}}
			if err := w.Add(ctx, e); err != nil {
				return err
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
	env.Logger().Info("Parsed UniProt",
		zap.Int("proteins", proteins), zap.Int("encoded_by", links), zap.Int("unmapped_genes", unmapped))
	return nil
}

// proteinNames splits "Cellular tumor antigen p53 (Antigen NY-CO-13) (Phosphoprotein p53)"
// into the recommended name and its alternatives.
func proteinNames(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	head, rest, _ := strings.Cut(s, " (")
	out = append(out, strings.TrimSpace(head))
	for rest != "" {
		name, tail, ok := strings.Cut(rest, ") (")
		if !ok {
			name = strings.TrimSuffix(rest, ")")
			tail = ""
		}
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
		rest = tail
	}
	return out
}
