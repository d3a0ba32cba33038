package model

import (
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
)

// Disorder is a disease or phenotype concept, keyed by a MONDO-namespaced id.
type Disorder struct {
	PrimaryDomainID string
	DomainIDs       []string
	DisplayName     string
	Synonyms        []string
	ICD10           []string
	Description     string
	DataSources     []string
}

func (d Disorder) Collection() string { return DisorderCollection }

func (d Disorder) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "Disorder")
	m.str("displayName", d.DisplayName)
	m.str("description", d.Description)
	m.strings(schemas.FieldDomainIDs, []string{d.PrimaryDomainID}, d.DomainIDs)
	m.strings("synonyms", d.Synonyms)
	m.strings("icd10", d.ICD10)
	m.strings(schemas.FieldDataSources, d.DataSources)
	return m.update(DisorderCollection, map[string]any{schemas.FieldPrimaryDomainID: d.PrimaryDomainID})
}

// Gene is keyed by an Entrez id ("entrez.7157").
type Gene struct {
	PrimaryDomainID    string
	DomainIDs          []string
	DisplayName        string
	ApprovedSymbol     string
	Symbols            []string
	Synonyms           []string
	ChromosomeLocation string
	GeneType           string
	Description        string
	DataSources        []string
}

func (g Gene) Collection() string { return GeneCollection }

func (g Gene) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "Gene")
	m.str("displayName", g.DisplayName)
	m.str("approvedSymbol", g.ApprovedSymbol)
	m.str("chromosomeLocation", g.ChromosomeLocation)
	m.str("geneType", g.GeneType)
	m.str("description", g.Description)
	m.strings(schemas.FieldDomainIDs, []string{g.PrimaryDomainID}, g.DomainIDs)
	m.strings("symbols", g.Symbols)
	m.strings("synonyms", g.Synonyms)
	m.strings(schemas.FieldDataSources, g.DataSources)
	return m.update(GeneCollection, map[string]any{schemas.FieldPrimaryDomainID: g.PrimaryDomainID})
}

// Protein is keyed by a UniProt accession ("uniprot.P04637").
type Protein struct {
	PrimaryDomainID string
	DomainIDs       []string
	DisplayName     string
	Sequence        string
	GeneName        string
	Synonyms        []string
	Comments        string
	TaxID           *int
	IsReviewed      *bool
	DataSources     []string
}

func (p Protein) Collection() string { return ProteinCollection }

func (p Protein) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "Protein")
	m.str("displayName", p.DisplayName)
	m.str("sequence", p.Sequence)
	m.str("geneName", p.GeneName)
	m.str("comments", p.Comments)
	m.integer("taxid", p.TaxID)
	m.boolean("is_reviewed", p.IsReviewed)
	m.strings(schemas.FieldDomainIDs, []string{p.PrimaryDomainID}, p.DomainIDs)
	m.strings("synonyms", p.Synonyms)
	m.strings(schemas.FieldDataSources, p.DataSources)
	return m.update(ProteinCollection, map[string]any{schemas.FieldPrimaryDomainID: p.PrimaryDomainID})
}

// Tissue is keyed by an UBERON id.
type Tissue struct {
	PrimaryDomainID string
	DomainIDs       []string
	DisplayName     string
	Synonyms        []string
	Description     string
	DataSources     []string
}

func (t Tissue) Collection() string { return TissueCollection }

func (t Tissue) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "Tissue")
	m.str("displayName", t.DisplayName)
	m.str("description", t.Description)
	m.strings(schemas.FieldDomainIDs, []string{t.PrimaryDomainID}, t.DomainIDs)
	m.strings("synonyms", t.Synonyms)
	m.strings(schemas.FieldDataSources, t.DataSources)
	return m.update(TissueCollection, map[string]any{schemas.FieldPrimaryDomainID: t.PrimaryDomainID})
}
