package parsers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/beevik/etree"
	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/model"
	"go.uber.org/zap"
)

// defaultCancer is used for NCG rows that name no cancer type.
const defaultCancer = "MONDO:0021040"

// readMondoMapping loads {"mondo_id": {"<source term>": ["MONDO:..."]}}.
func readMondoMapping(path string) (map[string][]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		MondoID map[string][]string `json:"mondo_id"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode mapping %s: %w", path, err)
	}
	return doc.MondoID, nil
}

// associate writes one gene-disorder edge per (gene, mapped disorder) pair and
// counts what could not be placed.
type associate struct {
	source    string
	w         writer
	disorders map[string]struct{}
	written   int
	unmapped  map[string]int
}

type writer interface {
	Add(ctx context.Context, records ...model.Record) error
}

func (a *associate) add(ctx context.Context, gene string, mondoIDs []string) error {
	for _, m := range mondoIDs {
		target := curie(m)
		if _, ok := a.disorders[target]; !ok {
			a.unmapped["disorder"]++
			continue
		}
		e := model.GeneAssociatedWithDisorder{SourceDomainID: gene, TargetDomainID: target, DataSources: []string{a.source}}
		if err := a.w.Add(ctx, e); err != nil {
			return err
		}
		a.written++
	}
	return nil
}

func (a *associate) report(env *Env) {
	fields := []zap.Field{zap.Int("associations", a.written)}
	for reason, n := range a.unmapped {
		fields = append(fields, zap.Int("unmapped_"+reason, n))
	}
	if len(a.unmapped) > 0 {
		env.Logger().Warn("Rows left out because they could not be mapped", fields...)
		return
	}
	env.Logger().Info("Parsed gene-disorder associations", fields...)
}

var associationCollections = []string{model.GeneAssociatedWithDisorderCollection}

var associationRequires = []string{model.GeneCollection, model.DisorderCollection}

type ncgParser struct{}

func (ncgParser) Name() string       { return "ncg" }
func (ncgParser) Source() string     { return "ncg" }
func (ncgParser) Requires() []string { return associationRequires }
func (ncgParser) Produces() []string { return associationCollections }
func (ncgParser) Editions() []string { return []string{config.EditionLicensed} }

// Parse reads the Network of Cancer Genes annotation table, mapping its cancer
// types onto MONDO through the curated mapping file.
func (ncgParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("annotation")
	if err != nil {
		return err
	}
	mappingPath, err := env.Path("mapping")
	if err != nil {
		return err
	}
	toMondo, err := readMondoMapping(mappingPath)
	if err != nil {
		return err
	}
	genes, err := env.IDs(ctx, model.GeneCollection)
	if err != nil {
		return err
	}
	disorders, err := env.IDs(ctx, model.DisorderCollection)
	if err != nil {
		return err
	}

	w := env.Writer()
	a := &associate{source: "ncg", w: w, disorders: disorders, unmapped: map[string]int{}}
	err = readTable(path, func(r row) error {
		gene := "entrez." + r.get("entrez")
		if _, ok := genes[gene]; !ok {
			a.unmapped["gene"]++
			return nil
		}
		cancer := r.get("cancer_type")
		if cancer == "" {
			cancer = defaultCancer
		}
		mondo, ok := toMondo[cancer]
		if !ok && strings.HasPrefix(cancer, "MONDO:") {
			mondo = []string{cancer}
		}
		if len(mondo) == 0 {
			a.unmapped["cancer_type"]++
			return nil
		}
		return a.add(ctx, gene, mondo)
	})
	if err != nil {
		return err
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	a.report(env)
	return nil
}

type intogenParser struct{}

func (intogenParser) Name() string       { return "intogen" }
func (intogenParser) Source() string     { return "intogen" }
func (intogenParser) Requires() []string { return associationRequires }
func (intogenParser) Produces() []string { return associationCollections }
func (intogenParser) Editions() []string { return nil }

// Parse reads the IntOGen drivers table. Genes are matched by approved symbol.
func (intogenParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("drivers")
	if err != nil {
		return err
	}
	mappingPath, err := env.Path("mapping")
	if err != nil {
		return err
	}
	toMondo, err := readMondoMapping(mappingPath)
	if err != nil {
		return err
	}
	symbols, err := env.Index(ctx, model.GeneCollection, "approvedSymbol")
	if err != nil {
		return err
	}
	disorders, err := env.IDs(ctx, model.DisorderCollection)
	if err != nil {
		return err
	}

	w := env.Writer()
	a := &associate{source: "intogen", w: w, disorders: disorders, unmapped: map[string]int{}}
	err = readTable(path, func(r row) error {
		mondo, ok := toMondo[r.get("CANCER_TYPE")]
		if !ok {
			a.unmapped["cancer_type"]++
			return nil
		}
		genes := symbols[r.get("SYMBOL")]
		if len(genes) == 0 {
			a.unmapped["symbol"]++
			return nil
		}
		for _, g := range genes {
			if err := a.add(ctx, g, mondo); err != nil {
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
	a.report(env)
	return nil
}

type orphanetParser struct{}

func (orphanetParser) Name() string       { return "orphanet" }
func (orphanetParser) Source() string     { return "orphanet" }
func (orphanetParser) Requires() []string { return associationRequires }
func (orphanetParser) Produces() []string { return associationCollections }
func (orphanetParser) Editions() []string { return nil }

// Parse reads the Orphanet gene association product. Orpha codes are mapped
// to MONDO through the disorders' orpha cross references.
func (orphanetParser) Parse(ctx context.Context, env *Env) error {
	path, err := env.Path("data")
	if err != nil {
		return err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	byOrpha, err := env.DomainIndex(ctx, model.DisorderCollection, "orpha.")
	if err != nil {
		return err
	}
	symbols, err := env.Index(ctx, model.GeneCollection, "approvedSymbol")
	if err != nil {
		return err
	}

	w := env.Writer()
	disorders := map[string]struct{}{}
	for _, ids := range byOrpha {
		for _, id := range ids {
			disorders[id] = struct{}{}
		}
	}
	a := &associate{source: "orphanet", w: w, disorders: disorders, unmapped: map[string]int{}}

	for _, d := range doc.FindElements("//Disorder") {
		code := d.SelectElement("OrphaCode")
		if code == nil {
			continue
		}
		mondo := byOrpha[strings.TrimSpace(code.Text())]
		if len(mondo) == 0 {
			a.unmapped["orpha_code"]++
			continue
		}
		for _, sym := range d.FindElements("./DisorderGeneAssociationList/DisorderGeneAssociation/Gene/Symbol") {
			genes := symbols[strings.TrimSpace(sym.Text())]
			if len(genes) == 0 {
				a.unmapped["symbol"]++
				continue
			}
			for _, g := range genes {
				if err := a.addResolved(ctx, g, mondo); err != nil {
					return err
				}
			}
		}
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	a.report(env)
	return nil
}

// addResolved is add for targets that are already primary disorder ids.
func (a *associate) addResolved(ctx context.Context, gene string, disorders []string) error {
	for _, d := range disorders {
		e := model.GeneAssociatedWithDisorder{SourceDomainID: gene, TargetDomainID: d, DataSources: []string{a.source}}
		if err := a.w.Add(ctx, e); err != nil {
			return err
		}
		a.written++
	}
	return nil
}
